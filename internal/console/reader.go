// Package console turns an asynchronous process output stream into a
// synchronously-queryable, pattern-matchable log. A LineReader drains one
// stream into a bounded queue; a Console pairs a reader with a write
// function and adds shell-style command execution and expect primitives.
package console

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultQueueCapacity = 400
	timestampLayout      = "2006-01-02 15:04:05.000"
)

// ReadLineFunc returns the next line from a stream, without its trailing
// newline. It must return io.EOF once the stream is closed; any other error
// also ends the reader.
type ReadLineFunc func() (string, error)

// Pattern is a substring or regular-expression match against a single line.
type Pattern struct {
	Expr  string
	Regex bool
}

func (p Pattern) String() string {
	if p.Regex {
		return "/" + p.Expr + "/"
	}
	return fmt.Sprintf("%q", p.Expr)
}

// Combinator selects how a set of patterns is satisfied by a stream of lines.
type Combinator int

const (
	// Any succeeds once at least one pattern has matched some line.
	Any Combinator = iota
	// All succeeds once every pattern has matched at least one line,
	// not necessarily the same line.
	All
)

func (c Combinator) String() string {
	if c == All {
		return "all"
	}
	return "any"
}

type matcher struct {
	pattern Pattern
	re      *regexp.Regexp
}

func (m matcher) match(line string) bool {
	if m.re != nil {
		return m.re.MatchString(line)
	}
	return strings.Contains(line, m.pattern.Expr)
}

func compileMatchers(patterns []Pattern) ([]matcher, error) {
	matchers := make([]matcher, 0, len(patterns))
	for _, p := range patterns {
		m := matcher{pattern: p}
		if p.Regex {
			re, err := regexp.Compile(p.Expr)
			if err != nil {
				return nil, fmt.Errorf("console: bad pattern %s: %w", p, err)
			}
			m.re = re
		}
		matchers = append(matchers, m)
	}
	return matchers, nil
}

// Substrings builds a pattern set of plain substring matches.
func Substrings(exprs ...string) []Pattern {
	patterns := make([]Pattern, len(exprs))
	for i, e := range exprs {
		patterns[i] = Pattern{Expr: e}
	}
	return patterns
}

// Regexps builds a pattern set of regular-expression matches.
func Regexps(exprs ...string) []Pattern {
	patterns := make([]Pattern, len(exprs))
	for i, e := range exprs {
		patterns[i] = Pattern{Expr: e, Regex: true}
	}
	return patterns
}

// ReaderOptions configures a LineReader.
type ReaderOptions struct {
	// Emit mirrors every non-empty line through the reader's logger.
	Emit bool
	// Logfile, when set, appends a timestamped entry per line to this
	// shared file, serialized through the registry lock for that path.
	Logfile string
	// Capacity bounds the line queue (0 uses the package default).
	Capacity int
	// Registry provides the per-logfile locks and shared queues.
	// Defaults to DefaultRegistry.
	Registry *Registry
	// Logger receives emitted lines and reader diagnostics.
	Logger *zerolog.Logger
}

type patternCallback struct {
	m  matcher
	fn func(line string)
}

// LineReader owns one background goroutine draining a stream line by line.
// Each line is cleaned of control characters, optionally mirrored to the
// logger, optionally appended to a shared log file, pushed into the line
// queue, and checked against every registered pattern callback, in
// registration order.
type LineReader struct {
	name     string
	readLine ReadLineFunc
	logger   zerolog.Logger
	emit     bool
	logfile  string
	registry *Registry
	queue    *BoundedLineQueue

	mu        sync.Mutex
	callbacks []patternCallback

	startOnce sync.Once
	done      chan struct{}
}

// NewLineReader creates a reader; call Start to begin draining.
func NewLineReader(name string, readLine ReadLineFunc, opts ReaderOptions) *LineReader {
	registry := opts.Registry
	if registry == nil {
		registry = DefaultRegistry
	}
	capacity := opts.Capacity
	if capacity == 0 {
		capacity = defaultQueueCapacity
	}
	var queue *BoundedLineQueue
	if opts.Logfile != "" {
		// Readers sharing a log file also share its queue, so one
		// console can observe lines written by another.
		queue = registry.QueueFor(opts.Logfile)
	} else {
		queue = NewBoundedLineQueue(capacity)
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("console", name).Logger()
	}
	return &LineReader{
		name:     name,
		readLine: readLine,
		logger:   logger,
		emit:     opts.Emit,
		logfile:  opts.Logfile,
		registry: registry,
		queue:    queue,
		done:     make(chan struct{}),
	}
}

// Start launches the background reader goroutine. It is safe to call once;
// subsequent calls are no-ops.
func (lr *LineReader) Start() {
	lr.startOnce.Do(func() {
		go lr.run()
	})
}

func (lr *LineReader) run() {
	defer close(lr.done)

	var out *os.File
	if lr.logfile != "" {
		f, err := os.OpenFile(lr.logfile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			lr.logger.Error().Err(err).Str("logfile", lr.logfile).Msg("cannot open console log file")
		} else {
			out = f
			defer f.Close()
		}
	}

	for {
		line, err := lr.readLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				lr.logger.Debug().Err(err).Msg("stream read ended")
			}
			return
		}
		line = strings.ReplaceAll(line, "\x00", "")
		line = strings.TrimSpace(line)

		if lr.emit && line != "" {
			lr.logger.Info().Msg(line)
		}
		if out != nil {
			entry := ""
			if line != "" {
				entry = fmt.Sprintf("[%s] [%s] - %s", time.Now().Format(timestampLayout), lr.name, line)
			}
			lock := lr.registry.LockFor(lr.logfile)
			lock.Lock()
			if _, werr := fmt.Fprintln(out, entry); werr != nil {
				lr.logger.Error().Err(werr).Msg("console log file write failed")
			}
			lock.Unlock()
		}
		lr.queue.Put(line)

		lr.dispatch(line)
	}
}

func (lr *LineReader) dispatch(line string) {
	lr.mu.Lock()
	callbacks := make([]patternCallback, len(lr.callbacks))
	copy(callbacks, lr.callbacks)
	lr.mu.Unlock()

	for _, cb := range callbacks {
		if cb.m.match(line) {
			cb.fn(line)
		}
	}
}

// AddPatternCallback registers fn to be invoked synchronously for every line
// matching pattern while the reader is active.
func (lr *LineReader) AddPatternCallback(pattern Pattern, fn func(line string)) error {
	matchers, err := compileMatchers([]Pattern{pattern})
	if err != nil {
		return err
	}
	lr.mu.Lock()
	lr.callbacks = append(lr.callbacks, patternCallback{m: matchers[0], fn: fn})
	lr.mu.Unlock()
	return nil
}

// GetLine retrieves the next buffered line. See BoundedLineQueue.Get.
func (lr *LineReader) GetLine(block bool, timeout time.Duration) (string, error) {
	return lr.queue.Get(block, timeout)
}

// ClearHistory drops all buffered lines.
func (lr *LineReader) ClearHistory() {
	lr.queue.Clear()
}

// ReadCond reads buffered lines until the combinator over the pattern set is
// satisfied or the timeout elapses. It returns true on success and false on
// timeout; an error is only returned for an invalid pattern.
func (lr *LineReader) ReadCond(patterns []Pattern, timeout time.Duration, combine Combinator) (bool, error) {
	matchers, err := compileMatchers(patterns)
	if err != nil {
		return false, err
	}
	seen := make([]bool, len(matchers))
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		line, err := lr.queue.Get(true, remaining)
		if err != nil {
			return false, nil
		}
		for i, m := range matchers {
			if m.match(line) {
				seen[i] = true
			}
		}
		if satisfied(seen, combine) {
			return true, nil
		}
	}
}

func satisfied(seen []bool, combine Combinator) bool {
	switch combine {
	case All:
		for _, s := range seen {
			if !s {
				return false
			}
		}
		return true
	default:
		for _, s := range seen {
			if s {
				return true
			}
		}
		return false
	}
}

// ReadUntil blocks until a line matches pattern or the timeout elapses.
func (lr *LineReader) ReadUntil(pattern Pattern, timeout time.Duration) (bool, error) {
	return lr.ReadCond([]Pattern{pattern}, timeout, Any)
}

// ReadUntilAny blocks until any pattern matches or the timeout elapses.
func (lr *LineReader) ReadUntilAny(patterns []Pattern, timeout time.Duration) (bool, error) {
	return lr.ReadCond(patterns, timeout, Any)
}

// ReadUntilAll blocks until every pattern has matched some line, in any
// order, or the timeout elapses.
func (lr *LineReader) ReadUntilAll(patterns []Pattern, timeout time.Duration) (bool, error) {
	return lr.ReadCond(patterns, timeout, All)
}

// Wait blocks until the reader goroutine has drained its stream to EOF.
// With a positive timeout it gives up after that long and returns false.
func (lr *LineReader) Wait(timeout time.Duration) bool {
	if timeout <= 0 {
		<-lr.done
		return true
	}
	select {
	case <-lr.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// ReadLinesFrom adapts an io.Reader into a ReadLineFunc. Carriage returns
// are stripped; a final unterminated line is still delivered before EOF.
func ReadLinesFrom(r io.Reader) ReadLineFunc {
	br := bufio.NewReader(r)
	return func() (string, error) {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			return strings.TrimRight(line, "\r\n"), nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			return "", err
		}
		return "", nil
	}
}
