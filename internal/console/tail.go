package console

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// tailPollFallback bounds how long FollowFile waits for a filesystem event
// before re-reading anyway. Some filesystems coalesce or drop write events.
const tailPollFallback = 500 * time.Millisecond

// FollowFile returns a ReadLineFunc that reads path as it grows, in the
// manner of tail -f, so a Console or LineReader can be attached to a log
// file that another process is appending to. The returned function blocks
// until a complete line is available and reports io.EOF once ctx is
// cancelled.
func FollowFile(ctx context.Context, path string) (ReadLineFunc, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		f.Close()
		return nil, err
	}

	br := bufio.NewReader(f)
	closed := false
	closeAll := func() {
		if !closed {
			closed = true
			watcher.Close()
			f.Close()
		}
	}

	return func() (string, error) {
		if closed {
			return "", io.EOF
		}
		var partial strings.Builder
		for {
			chunk, err := br.ReadString('\n')
			partial.WriteString(chunk)
			if err == nil {
				return strings.TrimRight(partial.String(), "\r\n"), nil
			}
			if !errors.Is(err, io.EOF) {
				closeAll()
				return "", err
			}
			select {
			case <-ctx.Done():
				closeAll()
				// Deliver a trailing unterminated line before EOF.
				if partial.Len() > 0 {
					return strings.TrimRight(partial.String(), "\r\n"), nil
				}
				return "", io.EOF
			case _, ok := <-watcher.Events:
				if !ok {
					closeAll()
					return "", io.EOF
				}
			case <-time.After(tailPollFallback):
			}
		}
	}, nil
}
