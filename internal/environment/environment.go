// Package environment runs test binaries behind a single lifecycle contract
// regardless of the isolation backend (an OCI container, a bubblewrap
// namespace sandbox, or the bare host). Callers obtain an Environment, call
// Setup once, Execute zero or more times, observe and stop the returned
// handles, and Teardown to release everything.
package environment

import (
	"fmt"
	"sync"
	"time"

	"github.com/ihebs3ideni/itf/internal/console"
)

// readerJoinTimeout bounds how long stop waits for output readers to drain
// after the process has exited, so buffered output is not lost.
const readerJoinTimeout = 5 * time.Second

// Environment is the backend-neutral execution abstraction.
//
// Setup is idempotent heavy initialization; it must be called before
// Execute. Teardown stops every handle still tracked by the environment
// (best-effort) and releases backend resources. A handle belongs to exactly
// one environment.
type Environment interface {
	Setup() error
	Teardown() error

	// Execute runs path with args inside the environment, working
	// directory cwd. It spawns at least one background output reader.
	Execute(path string, args []string, cwd string) (*ProcessHandle, error)

	// StopProcess requests graceful termination, escalating to a forced
	// kill once timeout elapses. It always returns a definite exit code
	// and is idempotent: stopping an already-stopped handle returns the
	// cached code without re-signaling.
	StopProcess(handle *ProcessHandle, timeout time.Duration) (int, error)

	// IsProcessRunning is a non-blocking liveness check.
	IsProcessRunning(handle *ProcessHandle) bool

	// CopyTo and CopyFrom transfer files or directory trees across the
	// isolation boundary.
	CopyTo(hostPath, envPath string) error
	CopyFrom(envPath, hostPath string) error
}

// ProcessHandle is a single-use, append-only record of one execution: the
// observed process identity, the exit code once known, and references to the
// backend-specific parent/child handles and output readers.
type ProcessHandle struct {
	// ParentRef and ChildRef are backend-specific: the supervisor process
	// and discovered target for the sandbox backend, the exec identifier
	// for the container backend.
	ParentRef any
	ChildRef  any

	// Metadata carries backend-specific context, e.g. the owning
	// container identity.
	Metadata map[string]string

	mu       sync.Mutex
	pid      *int
	exitCode *int
	readers  []*console.LineReader
}

// ObservedPid returns the process identity, if one was observed. It may be
// absent when the process finished before it could be located, or when the
// backend exposes no host PID.
func (h *ProcessHandle) ObservedPid() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pid == nil {
		return 0, false
	}
	return *h.pid, true
}

// ExitCode returns the exit code once the process has terminated.
func (h *ProcessHandle) ExitCode() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exitCode == nil {
		return 0, false
	}
	return *h.exitCode, true
}

// Exited reports whether an exit code has been recorded.
func (h *ProcessHandle) Exited() bool {
	_, ok := h.ExitCode()
	return ok
}

// Readers exposes the background output readers attached to this execution,
// for pattern-based synchronization against its output.
func (h *ProcessHandle) Readers() []*console.LineReader {
	h.mu.Lock()
	defer h.mu.Unlock()
	readers := make([]*console.LineReader, len(h.readers))
	copy(readers, h.readers)
	return readers
}

func (h *ProcessHandle) setPid(pid int) {
	h.mu.Lock()
	h.pid = &pid
	h.mu.Unlock()
}

// setExit records the exit code once; later calls keep the first value.
func (h *ProcessHandle) setExit(code int) {
	h.mu.Lock()
	if h.exitCode == nil {
		h.exitCode = &code
	}
	h.mu.Unlock()
}

func (h *ProcessHandle) setReaders(readers []*console.LineReader) {
	h.mu.Lock()
	h.readers = readers
	h.mu.Unlock()
}

// waitReaders joins the output readers with a bounded wait each, so stop
// does not return while buffered output is still being drained.
func (h *ProcessHandle) waitReaders() {
	for _, r := range h.Readers() {
		r.Wait(readerJoinTimeout)
	}
}

// handleSet tracks the handles an environment still owns. All methods are
// safe for concurrent use.
type handleSet struct {
	mu      sync.Mutex
	handles []*ProcessHandle
}

func (s *handleSet) add(h *ProcessHandle) {
	s.mu.Lock()
	s.handles = append(s.handles, h)
	s.mu.Unlock()
}

func (s *handleSet) remove(h *ProcessHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, tracked := range s.handles {
		if tracked == h {
			s.handles = append(s.handles[:i], s.handles[i+1:]...)
			return
		}
	}
}

// drain empties the set and returns what it held.
func (s *handleSet) drain() []*ProcessHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	handles := s.handles
	s.handles = nil
	return handles
}

// finishPollInterval is how often WaitToFinish re-checks liveness.
const finishPollInterval = 100 * time.Millisecond

// WaitToFinish blocks until the process ends on its own, then collects its
// exit code through StopProcess (which only returns the cached code at that
// point). A process still running when timeout elapses is an error; it is
// left running.
func WaitToFinish(env Environment, handle *ProcessHandle, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for env.IsProcessRunning(handle) {
		if time.Now().After(deadline) {
			pid, _ := handle.ObservedPid()
			return 0, fmt.Errorf("environment: process (pid %d) still running after %s", pid, timeout)
		}
		time.Sleep(finishPollInterval)
	}
	return env.StopProcess(handle, timeout)
}

// WithEnvironment runs fn against a set-up environment and guarantees
// Teardown on every exit path. The Teardown error is surfaced only when fn
// itself succeeded.
func WithEnvironment(env Environment, fn func(Environment) error) (err error) {
	if err = env.Setup(); err != nil {
		return err
	}
	defer func() {
		tdErr := env.Teardown()
		if err == nil {
			err = tdErr
		}
	}()
	return fn(env)
}
