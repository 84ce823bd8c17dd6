package environment

import (
	"io"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/ihebs3ideni/itf/internal/console"
)

// startPipeReaders attaches one background LineReader per output stream.
func startPipeReaders(name string, stdout, stderr io.Reader, logfile string, logger zerolog.Logger) []*console.LineReader {
	opts := console.ReaderOptions{Emit: true, Logfile: logfile, Logger: &logger}
	readers := []*console.LineReader{
		console.NewLineReader(name, console.ReadLinesFrom(stdout), opts),
		console.NewLineReader(name, console.ReadLinesFrom(stderr), opts),
	}
	for _, r := range readers {
		r.Start()
	}
	return readers
}

// loggerName derives the reader/console name from the binary path.
func loggerName(path string) string {
	return filepath.Base(path)
}
