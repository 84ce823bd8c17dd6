package environment

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigFromEnv(t *testing.T) {
	t.Setenv("ITF_BACKEND", "sandbox")
	t.Setenv("ITF_SYSROOT", "/srv/sysroot")
	t.Setenv("ITF_STOP_TIMEOUT", "30s")
	t.Setenv("ITF_PRIVILEGED", "true")
	t.Setenv("ITF_NETWORK_MODE", "host")
	t.Setenv("ITF_CONSOLE_LOG", "/tmp/console.log")

	cfg := DefaultConfig()
	assert.Equal(t, BackendSandbox, cfg.Backend)
	assert.Equal(t, "/srv/sysroot", cfg.Sysroot)
	assert.Equal(t, 30*time.Second, cfg.StopTimeout)
	assert.True(t, cfg.Privileged)
	assert.Equal(t, "host", cfg.NetworkMode)
	assert.Equal(t, "/tmp/console.log", cfg.ConsoleLog)
}

func TestDefaultConfigFallsBackOnBadValues(t *testing.T) {
	t.Setenv("ITF_BACKEND", "hypervisor")
	t.Setenv("ITF_STOP_TIMEOUT", "soon")
	t.Setenv("ITF_PRIVILEGED", "maybe")

	cfg := DefaultConfig()
	assert.Equal(t, BackendDirect, cfg.Backend)
	assert.Equal(t, defaultStopTimeout, cfg.StopTimeout)
	assert.False(t, cfg.Privileged)
	assert.Equal(t, defaultNetworkMode, cfg.NetworkMode)
}

func TestDefaultConfigDockerAlias(t *testing.T) {
	t.Setenv("ITF_BACKEND", "docker")
	assert.Equal(t, BackendContainer, DefaultConfig().Backend)

	t.Setenv("ITF_BACKEND", "bwrap")
	assert.Equal(t, BackendSandbox, DefaultConfig().Backend)
}

func TestLoadProfile(t *testing.T) {
	t.Setenv("ITF_BACKEND", "")
	profile := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(profile, []byte(`
backend: sandbox
sysroot: /srv/target
workspace: /work
env:
  LOG_LEVEL: debug
mounts:
  - host: /srv/shared
    target: /shared
    read_only: true
run_under_tool: "valgrind --tool=memcheck"
run_under_apps: [my_app]
`), 0o644))

	cfg, err := LoadProfile(profile)
	require.NoError(t, err)
	assert.Equal(t, BackendSandbox, cfg.Backend)
	assert.Equal(t, "/srv/target", cfg.Sysroot)
	assert.Equal(t, "/work", cfg.Workspace)
	assert.Equal(t, "debug", cfg.Env["LOG_LEVEL"])
	require.Len(t, cfg.Mounts, 1)
	assert.True(t, cfg.Mounts[0].ReadOnly)
	assert.Equal(t, defaultStopTimeout, cfg.StopTimeout)
}

func TestLoadProfileMissingFile(t *testing.T) {
	_, err := LoadProfile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestRunUnderMatching(t *testing.T) {
	cfg := Config{
		RunUnderTool: "valgrind --tool=memcheck",
		RunUnderApps: []string{"my_app", "other_app"},
	}
	assert.True(t, cfg.runUnder("/bin/my_app"))
	assert.True(t, cfg.runUnder("/opt/other_app"))
	assert.False(t, cfg.runUnder("/bin/unrelated"))

	assert.False(t, Config{RunUnderApps: []string{"my_app"}}.runUnder("/bin/my_app"))
}

func TestEnvListSortedAndFormatted(t *testing.T) {
	list := envList(map[string]string{"ZED": "1", "ALPHA": "2", "MID": "3"})
	assert.Equal(t, []string{"ALPHA=2", "MID=3", "ZED=1"}, list)
	assert.Nil(t, envList(nil))
}

func TestNewEnvironmentBackendSelection(t *testing.T) {
	tests := []struct {
		backend Backend
		want    any
	}{
		{BackendDirect, &DirectEnvironment{}},
		{BackendSandbox, &SandboxEnvironment{}},
		{BackendContainer, &ContainerEnvironment{}},
	}
	for _, tt := range tests {
		env, err := NewEnvironment(Config{Backend: tt.backend})
		require.NoError(t, err)
		assert.IsType(t, tt.want, env)
	}

	_, err := NewEnvironment(Config{Backend: "vm"})
	assert.Error(t, err)
}
