//go:build !windows

package environment

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// lineBuffer forces line-buffered stdout on the spawned binary so output
// readers see lines as they are produced, not on pipe-buffer flushes.
var lineBuffer = []string{"/usr/bin/stdbuf", "-oL"}

// killWait bounds the wait after a forced kill before giving up and
// reporting a sentinel code.
const killWait = 5 * time.Second

// killedExitCode is reported when a process had to be force-killed and no
// definite exit code could be observed (128+SIGKILL convention).
const killedExitCode = 137

// hostProc owns a host-side child process: the exec.Cmd, a waiter that
// records the exit code once the process ends, and its output readers.
type hostProc struct {
	cmd  *exec.Cmd
	pid  int
	done chan struct{}
	code int
}

// startHostProcess spawns argv in its own process group with piped output,
// wires one LineReader per stream, and launches the waiter goroutine. The
// waiter drains the readers before calling Wait so no buffered output is
// lost, then records the exit code on the handle.
func startHostProcess(argv []string, cwd string, env map[string]string, name string,
	logfile string, logger zerolog.Logger, handle *ProcessHandle) (*hostProc, error) {

	cmd := exec.Command(argv[0], argv[1:]...)
	if cwd != "" && cwd != "/" {
		cmd.Dir = cwd
	}
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), envList(env)...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("could not run %v: %w", argv, err)
	}

	readers := startPipeReaders(name, stdout, stderr, logfile, logger)
	handle.setReaders(readers)

	p := &hostProc{cmd: cmd, pid: cmd.Process.Pid, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		// Readers must finish before Wait, which closes the pipes.
		for _, r := range readers {
			r.Wait(0)
		}
		p.code = exitCodeFromWait(cmd.Wait())
		handle.setExit(p.code)
	}()
	return p, nil
}

// stopHostProcess is the shared graceful-then-forced termination path for a
// process the host owns directly: SIGTERM to the process group, bounded
// wait, SIGKILL on expiry. It always returns a definite exit code.
func stopHostProcess(p *hostProc, timeout time.Duration, logger zerolog.Logger) int {
	select {
	case <-p.done:
		return p.code
	default:
	}

	signalGroup(p.pid, unix.SIGTERM)
	select {
	case <-p.done:
		return p.code
	case <-time.After(timeout):
	}

	logger.Error().Int("pid", p.pid).Dur("timeout", timeout).Msg("process ignored SIGTERM, sending SIGKILL")
	signalGroup(p.pid, unix.SIGKILL)
	select {
	case <-p.done:
		return p.code
	case <-time.After(killWait):
		logger.Error().Int("pid", p.pid).Msg("process did not reap after SIGKILL")
		return killedExitCode
	}
}

// signalGroup signals the whole process group, falling back to the single
// process if the group is already gone.
func signalGroup(pid int, sig unix.Signal) {
	if err := unix.Kill(-pid, sig); err != nil {
		_ = unix.Kill(pid, sig)
	}
}

// exitCodeFromWait extracts a definite exit code from cmd.Wait's result,
// mapping death-by-signal to the 128+signal convention.
func exitCodeFromWait(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
	}
	return 1
}

// checkExecutable verifies path is an executable regular file.
func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return &InvalidExecutableError{Path: path, Err: err}
	}
	if info.IsDir() || info.Mode()&0o111 == 0 {
		return &InvalidExecutableError{Path: path}
	}
	return nil
}

// ensureExecutable is checkExecutable with a one-shot recovery: a plain file
// missing the execute bit gets it set before failing.
func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return &InvalidExecutableError{Path: path, Err: err}
	}
	if info.IsDir() {
		return &InvalidExecutableError{Path: path}
	}
	if info.Mode()&0o111 == 0 {
		if err := os.Chmod(path, info.Mode().Perm()|0o111); err != nil {
			return &InvalidExecutableError{Path: path, Err: err}
		}
	}
	return nil
}
