package console

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// WriteFunc sends one command line to the process under the console.
type WriteFunc func(cmd string) error

// CommandTimeoutError reports that a shell command's completion tag never
// appeared within the time budget.
type CommandTimeoutError struct {
	Cmd     string
	Timeout time.Duration
}

func (e *CommandTimeoutError) Error() string {
	return fmt.Sprintf("console: command %q did not finish within %s", e.Cmd, e.Timeout)
}

// ExpectationError reports that an expect combinator over a pattern set was
// never satisfied.
type ExpectationError struct {
	Cmd      string
	Patterns []Pattern
	Combine  Combinator
	Timeout  time.Duration
}

func (e *ExpectationError) Error() string {
	exprs := make([]string, len(e.Patterns))
	for i, p := range e.Patterns {
		exprs[i] = p.String()
	}
	return fmt.Sprintf("console: expect %s failed for %q: [%s] within %s",
		e.Combine, e.Cmd, strings.Join(exprs, ", "), e.Timeout)
}

// MarkPoint records when a pattern was first observed after a Mark command.
// At is nil when the pattern never appeared within the timeout.
type MarkPoint struct {
	Pattern Pattern
	At      *time.Time
}

// Console pairs a LineReader over a process output stream with a write
// function into the process, giving test code blocking, timeout-bound and
// pattern-based synchronization against the process.
type Console struct {
	Name   string
	write  WriteFunc
	reader *LineReader
}

// NewConsole wires a console and starts its background reader.
func NewConsole(name string, readLine ReadLineFunc, write WriteFunc, opts ReaderOptions) *Console {
	c := &Console{
		Name:   name,
		write:  write,
		reader: NewLineReader(name, readLine, opts),
	}
	c.reader.Start()
	return c
}

// NewPipeConsole wires a console over a process's stdin/stdout pipes.
func NewPipeConsole(name string, stdin io.Writer, stdout io.Reader, opts ReaderOptions) *Console {
	write := func(cmd string) error {
		_, err := io.WriteString(stdin, cmd+"\n")
		return err
	}
	return NewConsole(name, ReadLinesFrom(stdout), write, opts)
}

// Reader exposes the underlying LineReader.
func (c *Console) Reader() *LineReader { return c.reader }

// Write sends one command line to the process.
func (c *Console) Write(cmd string) error { return c.write(cmd) }

// ReadLine retrieves the next buffered output line.
func (c *Console) ReadLine(block bool, timeout time.Duration) (string, error) {
	return c.reader.GetLine(block, timeout)
}

// ClearHistory drops all buffered output lines.
func (c *Console) ClearHistory() { c.reader.ClearHistory() }

// AddPatternCallback registers fn for every matching output line.
func (c *Console) AddPatternCallback(pattern Pattern, fn func(line string)) error {
	return c.reader.AddPatternCallback(pattern, fn)
}

// RunShellCommand runs cmd through a shell-like console and captures its
// output and exit status. The command is followed by a uniquely-tagged echo
// of $?; lines are read until the tag is observed. It returns the numeric
// status and the intervening output joined as text, or a
// CommandTimeoutError if the tag never appears within timeout.
func (c *Console) RunShellCommand(cmd string, timeout time.Duration) (int, string, error) {
	tag := "ITF_DONE_" + uuid.NewString()[:8]
	deadline := time.Now().Add(timeout)

	c.reader.ClearHistory()
	if err := c.write(fmt.Sprintf("%s ; echo %s=$?", cmd, tag)); err != nil {
		return 0, "", err
	}

	var output []string
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, "", &CommandTimeoutError{Cmd: cmd, Timeout: timeout}
		}
		line, err := c.reader.GetLine(true, remaining)
		if err != nil {
			return 0, "", &CommandTimeoutError{Cmd: cmd, Timeout: timeout}
		}
		// Skip the console's own echo of the command line.
		if strings.Contains(line, tag) && strings.Contains(line, cmd) {
			continue
		}
		if idx := strings.Index(line, tag+"="); idx >= 0 {
			if prefix := strings.TrimSpace(line[:idx]); prefix != "" {
				output = append(output, prefix)
			}
			code, convErr := strconv.Atoi(strings.TrimSpace(line[idx+len(tag)+1:]))
			if convErr != nil {
				return 0, "", fmt.Errorf("console: malformed status line %q: %w", line, convErr)
			}
			return code, strings.TrimSpace(strings.Join(output, "\n")), nil
		}
		output = append(output, line)
	}
}

func (c *Console) expect(cmd string, patterns []Pattern, timeout time.Duration, combine Combinator, clearHistory bool) error {
	if clearHistory {
		c.reader.ClearHistory()
	}
	if cmd != "" {
		if err := c.write(cmd); err != nil {
			return err
		}
	}
	ok, err := c.reader.ReadCond(patterns, timeout, combine)
	if err != nil {
		return err
	}
	if !ok {
		return &ExpectationError{Cmd: cmd, Patterns: patterns, Combine: combine, Timeout: timeout}
	}
	return nil
}

// ExpectAny runs cmd (may be empty) and blocks until any pattern matches.
// Queued history is cleared before the command is sent.
func (c *Console) ExpectAny(cmd string, patterns []Pattern, timeout time.Duration) error {
	return c.expect(cmd, patterns, timeout, Any, true)
}

// ExpectAll runs cmd (may be empty) and blocks until every pattern has
// matched some line, in any order.
func (c *Console) ExpectAll(cmd string, patterns []Pattern, timeout time.Duration) error {
	return c.expect(cmd, patterns, timeout, All, true)
}

// Mark runs cmd and then waits for each pattern in turn, recording the wall
// clock time at which it was first observed. Patterns that never appear get
// a nil timestamp instead of an error.
func (c *Console) Mark(cmd string, patterns []Pattern, timeout time.Duration) ([]MarkPoint, error) {
	c.reader.ClearHistory()
	if cmd != "" {
		if err := c.write(cmd); err != nil {
			return nil, err
		}
	}
	points := make([]MarkPoint, 0, len(patterns))
	for _, p := range patterns {
		ok, err := c.reader.ReadUntil(p, timeout)
		if err != nil {
			return nil, err
		}
		point := MarkPoint{Pattern: p}
		if ok {
			now := time.Now()
			point.At = &now
		}
		points = append(points, point)
	}
	return points, nil
}
