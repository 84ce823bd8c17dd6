package environment

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// execPollInterval is how often an exec's status is re-inspected
	// while waiting for it to finish.
	execPollInterval = 200 * time.Millisecond

	// keepAliveCommand keeps the container running between execs.
	keepAliveCommand = "sleep"

	transientImageRepo = "itf-sysroot"
)

// ContainerEnvironment runs binaries inside a long-lived Docker container.
// Setup starts a keep-alive container from the configured image, importing
// the sysroot directory as a transient image first when no image is given.
// Each Execute is a detached exec inside that container, keyed by the
// runtime's exec identifier; no host PID is available in this mode.
type ContainerEnvironment struct {
	cfg    Config
	logger zerolog.Logger

	cli         *client.Client
	containerID string
	tmpImage    string
	handles     handleSet
}

// NewContainerEnvironment creates a Docker backend from cfg.
func NewContainerEnvironment(cfg Config) *ContainerEnvironment {
	return &ContainerEnvironment{
		cfg:    cfg.withDefaults(),
		logger: log.With().Str("backend", string(BackendContainer)).Logger(),
	}
}

// Setup connects to the container runtime, imports the sysroot as a
// transient image if needed, and starts the keep-alive container. It is
// idempotent.
func (e *ContainerEnvironment) Setup() error {
	if e.containerID != "" {
		return nil
	}
	if e.cfg.Image == "" && e.cfg.Sysroot == "" {
		return &SetupError{Backend: BackendContainer, Err: fmt.Errorf("either image or sysroot must be configured")}
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return &SetupError{Backend: BackendContainer, Err: err}
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		return &SetupError{Backend: BackendContainer, Err: fmt.Errorf("docker daemon not accessible: %w", err)}
	}
	e.cli = cli

	ctx := context.Background()
	imageRef := e.cfg.Image
	if imageRef == "" {
		imageRef, err = e.importSysroot(ctx)
		if err != nil {
			return &SetupError{Backend: BackendContainer, Err: err}
		}
		e.tmpImage = imageRef
	}

	mounts := make([]mount.Mount, 0, len(e.cfg.Mounts))
	for _, m := range e.cfg.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Host,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	useInit := true
	resp, err := e.cli.ContainerCreate(ctx,
		&container.Config{
			Image: imageRef,
			Cmd:   []string{keepAliveCommand, "infinity"},
			Env:   envList(e.cfg.Env),
		},
		&container.HostConfig{
			Mounts:      mounts,
			Privileged:  e.cfg.Privileged,
			NetworkMode: container.NetworkMode(e.cfg.NetworkMode),
			Init:        &useInit,
			AutoRemove:  true,
			Resources: container.Resources{
				Ulimits: []*units.Ulimit{{Name: "nofile", Soft: 4096, Hard: 4096}},
			},
		},
		nil, nil, "")
	if err != nil {
		return &SetupError{Backend: BackendContainer, Err: fmt.Errorf("create container: %w", err)}
	}
	if err := e.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return &SetupError{Backend: BackendContainer, Err: fmt.Errorf("start container: %w", err)}
	}
	e.containerID = resp.ID
	e.logger.Info().Str("image", imageRef).Str("container", shortID(resp.ID)).Msg("container started")
	return nil
}

// importSysroot tars the sysroot directory and imports it as a transient
// image, remembering the generated tag for removal at teardown.
func (e *ContainerEnvironment) importSysroot(ctx context.Context) (string, error) {
	tag := uuid.NewString()[:8]
	ref := transientImageRepo + ":" + tag
	e.logger.Info().Str("sysroot", e.cfg.Sysroot).Str("image", ref).Msg("importing sysroot")

	rc, err := tarDirContents(e.cfg.Sysroot)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	out, err := e.cli.ImageImport(ctx,
		image.ImportSource{Source: rc, SourceName: "-"},
		ref, image.ImportOptions{})
	if err != nil {
		return "", fmt.Errorf("import sysroot %s: %w", e.cfg.Sysroot, err)
	}
	defer out.Close()
	// The import only completes once its progress stream is drained.
	_, _ = io.Copy(io.Discard, out)
	return ref, nil
}

// Teardown stops tracked handles, stops the container and removes the
// transient image, all best-effort.
func (e *ContainerEnvironment) Teardown() error {
	for _, h := range e.handles.drain() {
		if h.Exited() {
			continue
		}
		if _, err := e.stop(h, e.cfg.StopTimeout); err != nil {
			e.logger.Warn().Err(err).Msg("ignoring error during teardown")
		}
	}

	ctx := context.Background()
	if e.containerID != "" {
		stopSecs := 2
		if err := e.cli.ContainerStop(ctx, e.containerID, container.StopOptions{Timeout: &stopSecs}); err != nil {
			e.logger.Debug().Err(err).Msg("container stop failed, may already be removed")
		}
		_ = e.cli.ContainerRemove(ctx, e.containerID, container.RemoveOptions{Force: true})
		e.containerID = ""
	}
	if e.tmpImage != "" && e.cli != nil {
		if _, err := e.cli.ImageRemove(ctx, e.tmpImage, image.RemoveOptions{Force: true}); err != nil {
			e.logger.Debug().Err(err).Str("image", e.tmpImage).Msg("could not remove transient image")
		}
		e.tmpImage = ""
	}
	return nil
}

// Execute issues an exec inside the running container. The exec is started
// attached so its output feeds the handle's background readers, but control
// returns immediately.
func (e *ContainerEnvironment) Execute(path string, args []string, cwd string) (*ProcessHandle, error) {
	if e.containerID == "" {
		return nil, &SetupError{Backend: BackendContainer, Err: fmt.Errorf("environment not set up")}
	}
	ctx := context.Background()

	execResp, err := e.cli.ContainerExecCreate(ctx, e.containerID, container.ExecOptions{
		Cmd:          append([]string{path}, args...),
		WorkingDir:   cwd,
		Env:          envList(e.cfg.Env),
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("exec create %s: %w", path, err)
	}

	attach, err := e.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("exec attach %s: %w", path, err)
	}

	// The attached stream multiplexes stdout/stderr with 8-byte headers;
	// demultiplex it into the two pipes the readers consume.
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	go func() {
		_, cpErr := stdcopy.StdCopy(outW, errW, attach.Reader)
		outW.CloseWithError(io.EOF)
		errW.CloseWithError(io.EOF)
		attach.Close()
		if cpErr != nil && cpErr != io.EOF {
			e.logger.Debug().Err(cpErr).Msg("exec output stream ended")
		}
	}()

	handle := &ProcessHandle{
		ParentRef: execResp.ID,
		Metadata:  map[string]string{"container_id": e.containerID},
	}
	handle.setReaders(startPipeReaders(loggerName(path), outR, errR, e.cfg.ConsoleLog, e.logger))
	e.handles.add(handle)
	e.logger.Info().Str("path", path).Str("exec", shortID(execResp.ID)).Msg("exec started")
	return handle, nil
}

// StopProcess polls the exec until it finishes or timeout elapses; on
// expiry it resolves the exec's in-container PID and kills it via a fresh
// exec. A sentinel killed code is reported if the runtime never yields a
// definite exit code.
func (e *ContainerEnvironment) StopProcess(handle *ProcessHandle, timeout time.Duration) (int, error) {
	code, err := e.stop(handle, timeout)
	e.handles.remove(handle)
	return code, err
}

func (e *ContainerEnvironment) stop(handle *ProcessHandle, timeout time.Duration) (int, error) {
	if code, ok := handle.ExitCode(); ok {
		return code, nil
	}
	if timeout <= 0 {
		timeout = e.cfg.StopTimeout
	}
	ctx := context.Background()
	execID := handle.ParentRef.(string)

	if code, done := e.pollExec(ctx, execID, timeout); done {
		handle.setExit(code)
		handle.waitReaders()
		return code, nil
	}

	insp, err := e.cli.ContainerExecInspect(ctx, execID)
	if err == nil && insp.Pid > 0 {
		e.logger.Error().Str("exec", shortID(execID)).Int("pid", insp.Pid).
			Msg("exec did not finish in time, killing in-container pid")
		if killResp, kerr := e.cli.ContainerExecCreate(ctx, e.containerID, container.ExecOptions{
			Cmd: []string{"kill", "-9", strconv.Itoa(insp.Pid)},
		}); kerr == nil {
			_ = e.cli.ContainerExecStart(ctx, killResp.ID, container.ExecStartOptions{Detach: true})
		}
	}

	code, done := e.pollExec(ctx, execID, killWait)
	if !done {
		e.logger.Error().Str("exec", shortID(execID)).Msg("exit code undeterminable, reporting killed")
		code = killedExitCode
	}
	handle.setExit(code)
	handle.waitReaders()
	return code, nil
}

// pollExec inspects the exec at a fixed interval until it stops running or
// the budget elapses, returning its exit code and whether it completed.
func (e *ContainerEnvironment) pollExec(ctx context.Context, execID string, budget time.Duration) (int, bool) {
	deadline := time.Now().Add(budget)
	for {
		insp, err := e.cli.ContainerExecInspect(ctx, execID)
		if err == nil && !insp.Running {
			return insp.ExitCode, true
		}
		if time.Now().After(deadline) {
			return 0, false
		}
		time.Sleep(execPollInterval)
	}
}

// IsProcessRunning asks the runtime whether the exec is still running.
func (e *ContainerEnvironment) IsProcessRunning(handle *ProcessHandle) bool {
	if handle.Exited() {
		return false
	}
	execID, ok := handle.ParentRef.(string)
	if !ok || e.cli == nil {
		return false
	}
	insp, err := e.cli.ContainerExecInspect(context.Background(), execID)
	if err != nil {
		return false
	}
	return insp.Running
}

// CopyTo archives hostPath and streams it into the container at envPath.
func (e *ContainerEnvironment) CopyTo(hostPath, envPath string) error {
	if e.containerID == "" {
		return &TransferError{Source: hostPath, Dest: envPath, Err: fmt.Errorf("environment not set up")}
	}
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(tarPath(pw, hostPath, filepath.Base(envPath)))
	}()
	dstDir := filepath.Dir(envPath)
	if dstDir == "" {
		dstDir = "/"
	}
	if err := e.cli.CopyToContainer(context.Background(), e.containerID, dstDir, pr, container.CopyToContainerOptions{}); err != nil {
		return &TransferError{Source: hostPath, Dest: envPath, Err: err}
	}
	return nil
}

// CopyFrom streams envPath out of the container and extracts it at
// hostPath.
func (e *ContainerEnvironment) CopyFrom(envPath, hostPath string) error {
	if e.containerID == "" {
		return &TransferError{Source: envPath, Dest: hostPath, Err: fmt.Errorf("environment not set up")}
	}
	rc, _, err := e.cli.CopyFromContainer(context.Background(), e.containerID, envPath)
	if err != nil {
		return &TransferError{Source: envPath, Dest: hostPath, Err: err}
	}
	defer rc.Close()

	dstDir := filepath.Dir(hostPath)
	if err := untarTo(rc, dstDir); err != nil {
		return &TransferError{Source: envPath, Dest: hostPath, Err: err}
	}
	// The archive root carries the source's name; line it up with the
	// requested destination when they differ.
	extracted := filepath.Join(dstDir, filepath.Base(envPath))
	if extracted != hostPath {
		if err := os.Rename(extracted, hostPath); err != nil {
			return &TransferError{Source: envPath, Dest: hostPath, Err: err}
		}
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
