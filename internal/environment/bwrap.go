//go:build !windows

package environment

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/ihebs3ideni/itf/internal/proctree"
)

const bwrapPath = "/usr/bin/bwrap"

// SandboxEnvironment runs binaries inside a bubblewrap namespace: the
// sysroot becomes the root filesystem, host system directories are bound
// read-only, and the workspace/persistent/artifact directories are bound
// writable. bwrap acts as a supervisor that forks the real target, so the
// target's identity is recovered afterwards by walking the supervisor's
// child tree. This isolates tests from each other, not from a hostile
// binary.
type SandboxEnvironment struct {
	cfg       Config
	logger    zerolog.Logger
	inspector proctree.Inspector
	sleep     func(time.Duration)
	handles   handleSet
}

// NewSandboxEnvironment creates a bubblewrap backend from cfg.
func NewSandboxEnvironment(cfg Config) *SandboxEnvironment {
	return &SandboxEnvironment{
		cfg:       cfg.withDefaults(),
		logger:    log.With().Str("backend", string(BackendSandbox)).Logger(),
		inspector: proctree.NewInspector(),
		sleep:     time.Sleep,
	}
}

// Setup validates the sysroot. bwrap itself needs no daemon.
func (e *SandboxEnvironment) Setup() error {
	if e.cfg.Sysroot == "" {
		return &SetupError{Backend: BackendSandbox, Err: fmt.Errorf("sysroot must be configured")}
	}
	if info, err := os.Stat(e.cfg.Sysroot); err != nil || !info.IsDir() {
		return &SetupError{Backend: BackendSandbox, Err: fmt.Errorf("sysroot %s is not a directory", e.cfg.Sysroot)}
	}
	return nil
}

// Teardown stops every handle still tracked, best-effort.
func (e *SandboxEnvironment) Teardown() error {
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

// Execute launches the bwrap supervisor around path and locates the real
// target process beneath it. If the supervisor exits before the target is
// found the handle is returned without a child reference: the process
// likely finished on its own, and the supervisor's exit code is recorded in
// the handle metadata.
func (e *SandboxEnvironment) Execute(path string, args []string, cwd string) (*ProcessHandle, error) {
	if err := e.checkBinary(path, cwd); err != nil {
		return nil, err
	}

	argv := e.buildCommand(path, args, cwd)
	handle := &ProcessHandle{Metadata: map[string]string{}}
	// Environment variables reach the target via --setenv, not the
	// supervisor's own environment.
	proc, err := startHostProcess(argv, "", nil, loggerName(path), e.cfg.ConsoleLog, e.logger, handle)
	if err != nil {
		return nil, err
	}
	handle.ParentRef = proc
	e.logger.Info().Str("path", path).Int("supervisor_pid", proc.pid).Msg("sandbox started")

	childPid, found, err := proctree.FindDescendant(e.inspector, proc.pid, path, proctree.DiscoverOptions{
		RetryCount: e.cfg.RetryCount,
		RetryDelay: e.cfg.RetryDelay,
		Sleep:      e.sleep,
	})
	if err != nil {
		e.logger.Error().Str("path", path).Int("supervisor_pid", proc.pid).Err(err).
			Msg("could not locate target beneath supervisor")
		stopHostProcess(proc, e.cfg.StopTimeout, e.logger)
		return nil, err
	}
	if found {
		handle.ChildRef = proctreeChild(childPid)
		handle.setPid(childPid)
		e.logger.Info().Int("pid", childPid).Msg("target process located")
	} else {
		select {
		case <-proc.done:
			handle.Metadata["supervisor_exit"] = fmt.Sprintf("%d", proc.code)
		default:
		}
		e.logger.Debug().Str("path", path).Msg("no child located, assuming it already finished")
	}

	e.handles.add(handle)
	return handle, nil
}

// proctreeChild marks a discovered child PID in a handle's ChildRef.
type proctreeChild int

// StopProcess terminates the execution. With a discovered child the child
// is stopped first and the exit code is read from the supervisor, which
// propagates it; otherwise the supervisor itself is stopped.
func (e *SandboxEnvironment) StopProcess(handle *ProcessHandle, timeout time.Duration) (int, error) {
	code, err := e.stop(handle, timeout)
	e.handles.remove(handle)
	return code, err
}

func (e *SandboxEnvironment) stop(handle *ProcessHandle, timeout time.Duration) (int, error) {
	if code, ok := handle.ExitCode(); ok {
		return code, nil
	}
	if timeout <= 0 {
		timeout = e.cfg.StopTimeout
	}
	proc := handle.ParentRef.(*hostProc)

	var code int
	if child, ok := handle.ChildRef.(proctreeChild); ok {
		code = e.stopChild(proc, int(child), timeout)
	} else {
		code = stopHostProcess(proc, timeout, e.logger)
	}
	handle.setExit(code)
	handle.waitReaders()
	return code, nil
}

// stopChild sends the child a SIGTERM, polls for its exit in five one-second
// slices, force-kills it if still alive, then collects the exit code from
// the supervisor.
func (e *SandboxEnvironment) stopChild(proc *hostProc, childPid int, timeout time.Duration) int {
	_ = unix.Kill(childPid, unix.SIGTERM)
	for i := 0; i < 5; i++ {
		if !e.inspector.Alive(childPid) {
			break
		}
		e.sleep(time.Second)
	}
	if e.inspector.Alive(childPid) {
		e.logger.Error().Int("pid", childPid).Msg("child did not terminate, sending SIGKILL")
		_ = unix.Kill(childPid, unix.SIGKILL)
	}

	select {
	case <-proc.done:
		return proc.code
	case <-time.After(timeout):
	}
	e.logger.Error().Int("supervisor_pid", proc.pid).Msg("supervisor did not exit, sending SIGKILL")
	signalGroup(proc.pid, unix.SIGKILL)
	select {
	case <-proc.done:
		return proc.code
	case <-time.After(killWait):
		return killedExitCode
	}
}

// IsProcessRunning checks the discovered child when there is one, the
// supervisor otherwise.
func (e *SandboxEnvironment) IsProcessRunning(handle *ProcessHandle) bool {
	if handle.Exited() {
		return false
	}
	if child, ok := handle.ChildRef.(proctreeChild); ok {
		return e.inspector.Alive(int(child))
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

// CopyTo copies a host file or tree to envPath inside the sysroot.
func (e *SandboxEnvironment) CopyTo(hostPath, envPath string) error {
	if err := copyPath(hostPath, e.sysrootPath(envPath)); err != nil {
		return &TransferError{Source: hostPath, Dest: envPath, Err: err}
	}
	return nil
}

// CopyFrom copies a sysroot file or tree back out to the host.
func (e *SandboxEnvironment) CopyFrom(envPath, hostPath string) error {
	if err := copyPath(e.sysrootPath(envPath), hostPath); err != nil {
		return &TransferError{Source: envPath, Dest: hostPath, Err: err}
	}
	return nil
}

// sysrootPath maps an in-sandbox path to its host location.
func (e *SandboxEnvironment) sysrootPath(envPath string) string {
	return filepath.Join(e.cfg.Sysroot, strings.TrimPrefix(envPath, "/"))
}

// checkBinary validates the target on its host-mapped path before launch,
// setting the execute bit once if it is missing.
func (e *SandboxEnvironment) checkBinary(path, cwd string) error {
	mapped := path
	if !filepath.IsAbs(mapped) {
		mapped = filepath.Join(cwd, mapped)
	}
	return ensureExecutable(e.sysrootPath(mapped))
}

// buildCommand assembles the full supervisor command line: bwrap with its
// mount and environment flags, the line-buffer prefix, the optional
// run-under tool, then the target binary and its arguments.
func (e *SandboxEnvironment) buildCommand(path string, args []string, cwd string) []string {
	argv := append([]string{bwrapPath}, e.buildArgs(cwd)...)
	argv = append(argv, lineBuffer...)
	if e.cfg.runUnder(path) {
		argv = append(argv, strings.Fields(e.cfg.RunUnderTool)...)
	}
	argv = append(argv, path)
	return append(argv, args...)
}

func (e *SandboxEnvironment) buildArgs(cwd string) []string {
	workspace := e.cfg.Workspace
	if workspace == "" {
		workspace = "/tmp"
	}
	persistent := e.cfg.Persistent
	if persistent == "" {
		persistent = filepath.Join(e.cfg.Sysroot, "persistent")
	}

	args := []string{
		"--die-with-parent",
		"--bind", e.cfg.Sysroot, "/",
		"--bind", workspace, "/tmp",
		"--bind", persistent, "/persistent",
		"--ro-bind", "/bin", "/bin",
		"--ro-bind", "/lib", "/lib",
		"--ro-bind", "/lib64", "/lib64",
		"--ro-bind", "/usr/lib", "/usr/lib",
		"--ro-bind", "/usr/bin", "/usr/bin",
	}

	if e.cfg.ArtifactDir != "" {
		args = append(args, "--bind", e.cfg.ArtifactDir, "/tmp/artifacts")
	}

	args = append(args,
		"--chdir", cwd,
		"--proc", "/proc",
		"--dev-bind", "/dev", "/dev",
	)

	for _, key := range sortedKeys(e.cfg.Env) {
		args = append(args, "--setenv", key, e.cfg.Env[key])
	}

	if e.cfg.LibraryBind != nil && e.cfg.LibrarySearchPath != "" {
		args = append(args, "--ro-bind", e.cfg.LibraryBind.Host, e.cfg.LibraryBind.Target)
		args = append(args, "--setenv", "LD_LIBRARY_PATH", e.cfg.LibrarySearchPath)
	}

	// Host library directories that only exist on some distributions.
	for _, hostDir := range []string{"/usr/lib64", "/usr/libexec"} {
		if info, err := os.Stat(hostDir); err == nil && info.IsDir() {
			args = append(args, "--ro-bind", hostDir, hostDir)
		}
	}

	for _, m := range e.cfg.Mounts {
		info, err := os.Stat(m.Host)
		if err != nil || !info.IsDir() || !filepath.IsAbs(m.Target) {
			e.logger.Warn().Str("host", m.Host).Str("target", m.Target).Msg("skipping invalid extra mount")
			continue
		}
		bind := "--bind"
		if m.ReadOnly {
			bind = "--ro-bind"
		}
		args = append(args, bind, m.Host, m.Target)
	}

	return args
}
