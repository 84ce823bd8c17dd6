package environment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContainerSetupRequiresImageOrSysroot(t *testing.T) {
	env := NewContainerEnvironment(Config{Backend: BackendContainer})
	err := env.Setup()
	var setup *SetupError
	require.ErrorAs(t, err, &setup)
	assert.Equal(t, BackendContainer, setup.Backend)
}

func TestContainerSetupUnreachableDaemon(t *testing.T) {
	t.Setenv("DOCKER_HOST", "unix:///nonexistent/docker.sock")
	env := NewContainerEnvironment(Config{Backend: BackendContainer, Image: "alpine"})

	err := env.Setup()
	var setup *SetupError
	assert.ErrorAs(t, err, &setup)
}

func TestContainerExecuteBeforeSetup(t *testing.T) {
	env := NewContainerEnvironment(Config{Backend: BackendContainer, Image: "alpine"})
	_, err := env.Execute("/bin/true", nil, "/")
	var setup *SetupError
	assert.ErrorAs(t, err, &setup)
}

func TestContainerCopyBeforeSetup(t *testing.T) {
	env := NewContainerEnvironment(Config{Backend: BackendContainer, Image: "alpine"})

	var transfer *TransferError
	assert.ErrorAs(t, env.CopyTo("/tmp/a", "/b"), &transfer)
	assert.ErrorAs(t, env.CopyFrom("/a", "/tmp/b"), &transfer)
}

func TestContainerStopReturnsCachedCode(t *testing.T) {
	env := NewContainerEnvironment(Config{Backend: BackendContainer, Image: "alpine"})
	handle := &ProcessHandle{ParentRef: "exec-id"}
	handle.setExit(5)

	code, err := env.StopProcess(handle, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5, code)
}

func TestContainerIsProcessRunningWithoutClient(t *testing.T) {
	env := NewContainerEnvironment(Config{Backend: BackendContainer, Image: "alpine"})
	handle := &ProcessHandle{ParentRef: "exec-id"}
	assert.False(t, env.IsProcessRunning(handle))
}

func TestContainerTeardownWithoutSetup(t *testing.T) {
	env := NewContainerEnvironment(Config{Backend: BackendContainer, Image: "alpine"})
	assert.NoError(t, env.Teardown())
}
