//go:build !windows

package environment

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DirectEnvironment runs binaries directly on the host with no isolation.
// It follows the same lifecycle contract as the sandboxed backends and is
// useful for debugging or hosts where neither Docker nor bubblewrap is
// available.
type DirectEnvironment struct {
	cfg     Config
	logger  zerolog.Logger
	handles handleSet
}

// NewDirectEnvironment creates a direct host backend from cfg.
func NewDirectEnvironment(cfg Config) *DirectEnvironment {
	return &DirectEnvironment{
		cfg:    cfg.withDefaults(),
		logger: log.With().Str("backend", string(BackendDirect)).Logger(),
	}
}

// Setup is a no-op; there is nothing to prepare on the bare host.
func (e *DirectEnvironment) Setup() error { return nil }

// Teardown stops every handle still tracked, best-effort.
func (e *DirectEnvironment) Teardown() error {
	for _, h := range e.handles.drain() {
		if h.Exited() {
			continue
		}
		if _, err := e.stop(h, e.cfg.StopTimeout); err != nil {
			e.logger.Warn().Err(err).Msg("ignoring error during teardown")
		}
	}
	return nil
}

// Execute validates path is an executable file on the host and spawns it
// with line-buffered output.
func (e *DirectEnvironment) Execute(path string, args []string, cwd string) (*ProcessHandle, error) {
	if err := checkExecutable(path); err != nil {
		return nil, err
	}

	argv := append(append([]string{}, lineBuffer...), path)
	argv = append(argv, args...)

	handle := &ProcessHandle{Metadata: map[string]string{}}
	proc, err := startHostProcess(argv, cwd, e.cfg.Env, loggerName(path), e.cfg.ConsoleLog, e.logger, handle)
	if err != nil {
		return nil, err
	}
	e.logger.Info().Str("path", path).Int("pid", proc.pid).Msg("process started")

	handle.ParentRef = proc
	handle.ChildRef = proc
	handle.setPid(proc.pid)
	e.handles.add(handle)
	return handle, nil
}

// StopProcess terminates the process: SIGTERM to its group, bounded wait,
// SIGKILL on expiry. Stopping an already-stopped handle returns the cached
// exit code without re-signaling.
func (e *DirectEnvironment) StopProcess(handle *ProcessHandle, timeout time.Duration) (int, error) {
	code, err := e.stop(handle, timeout)
	e.handles.remove(handle)
	return code, err
}

func (e *DirectEnvironment) stop(handle *ProcessHandle, timeout time.Duration) (int, error) {
	if code, ok := handle.ExitCode(); ok {
		return code, nil
	}
	if timeout <= 0 {
		timeout = e.cfg.StopTimeout
	}
	proc := handle.ParentRef.(*hostProc)
	code := stopHostProcess(proc, timeout, e.logger)
	handle.setExit(code)
	handle.waitReaders()
	return code, nil
}

// IsProcessRunning reports liveness without blocking.
func (e *DirectEnvironment) IsProcessRunning(handle *ProcessHandle) bool {
	if handle.Exited() {
		return false
	}
	proc, ok := handle.ParentRef.(*hostProc)
	if !ok {
		return false
	}
	select {
	case <-proc.done:
		return false
	default:
		return true
	}
}

// CopyTo copies a file or tree to another host location.
func (e *DirectEnvironment) CopyTo(hostPath, envPath string) error {
	if err := copyPath(hostPath, envPath); err != nil {
		return &TransferError{Source: hostPath, Dest: envPath, Err: err}
	}
	return nil
}

// CopyFrom copies a file or tree back out.
func (e *DirectEnvironment) CopyFrom(envPath, hostPath string) error {
	if err := copyPath(envPath, hostPath); err != nil {
		return &TransferError{Source: envPath, Dest: hostPath, Err: err}
	}
	return nil
}
