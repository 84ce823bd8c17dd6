//go:build !windows

package environment

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSandbox(t *testing.T, cfg Config) *SandboxEnvironment {
	t.Helper()
	if cfg.Sysroot == "" {
		cfg.Sysroot = t.TempDir()
	}
	return NewSandboxEnvironment(cfg)
}

func TestSandboxSetupValidatesSysroot(t *testing.T) {
	err := NewSandboxEnvironment(Config{}).Setup()
	var setup *SetupError
	require.ErrorAs(t, err, &setup)
	assert.Equal(t, BackendSandbox, setup.Backend)

	err = NewSandboxEnvironment(Config{Sysroot: "/nonexistent/sysroot"}).Setup()
	assert.ErrorAs(t, err, &setup)

	assert.NoError(t, NewSandboxEnvironment(Config{Sysroot: t.TempDir()}).Setup())
}

func TestSandboxBuildArgsCoreBinds(t *testing.T) {
	sysroot := t.TempDir()
	workspace := t.TempDir()
	e := newTestSandbox(t, Config{
		Sysroot:   sysroot,
		Workspace: workspace,
		Env:       map[string]string{"B_VAR": "2", "A_VAR": "1"},
	})

	args := e.buildArgs("/opt/app")
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "--die-with-parent")
	assert.Contains(t, joined, "--bind "+sysroot+" /")
	assert.Contains(t, joined, "--bind "+workspace+" /tmp")
	assert.Contains(t, joined, "--ro-bind /usr/lib /usr/lib")
	assert.Contains(t, joined, "--chdir /opt/app")
	assert.Contains(t, joined, "--proc /proc")
	assert.Contains(t, joined, "--dev-bind /dev /dev")

	// Environment flags come out in sorted key order.
	aIdx := strings.Index(joined, "--setenv A_VAR 1")
	bIdx := strings.Index(joined, "--setenv B_VAR 2")
	require.GreaterOrEqual(t, aIdx, 0)
	require.GreaterOrEqual(t, bIdx, 0)
	assert.Less(t, aIdx, bIdx)
}

func TestSandboxBuildArgsSkipsInvalidMounts(t *testing.T) {
	valid := t.TempDir()
	e := newTestSandbox(t, Config{
		Mounts: []Mount{
			{Host: valid, Target: "/data", ReadOnly: true},
			{Host: "/nonexistent/host/dir", Target: "/bad"},
			{Host: valid, Target: "relative/target"},
		},
	})

	joined := strings.Join(e.buildArgs("/"), " ")
	assert.Contains(t, joined, "--ro-bind "+valid+" /data")
	assert.NotContains(t, joined, "/bad")
	assert.NotContains(t, joined, "relative/target")
}

func TestSandboxBuildArgsLibraryBind(t *testing.T) {
	libs := t.TempDir()
	e := newTestSandbox(t, Config{
		LibraryBind:       &Mount{Host: libs, Target: "/opt/libs"},
		LibrarySearchPath: "/opt/libs",
	})

	joined := strings.Join(e.buildArgs("/"), " ")
	assert.Contains(t, joined, "--ro-bind "+libs+" /opt/libs")
	assert.Contains(t, joined, "--setenv LD_LIBRARY_PATH /opt/libs")
}

func TestSandboxBuildCommandOrdering(t *testing.T) {
	e := newTestSandbox(t, Config{
		RunUnderTool: "valgrind --tool=memcheck",
		RunUnderApps: []string{"my_app"},
	})

	argv := e.buildCommand("/bin/my_app", []string{"--flag"}, "/")
	require.Equal(t, bwrapPath, argv[0])

	joined := strings.Join(argv, " ")
	stdbufIdx := strings.Index(joined, lineBuffer[0])
	valgrindIdx := strings.Index(joined, "valgrind")
	appIdx := strings.Index(joined, "/bin/my_app --flag")
	require.GreaterOrEqual(t, stdbufIdx, 0)
	require.GreaterOrEqual(t, valgrindIdx, 0)
	require.GreaterOrEqual(t, appIdx, 0)
	assert.Less(t, stdbufIdx, valgrindIdx)
	assert.Less(t, valgrindIdx, appIdx)
}

func TestSandboxBuildCommandNoWrapperForOtherBinaries(t *testing.T) {
	e := newTestSandbox(t, Config{
		RunUnderTool: "valgrind",
		RunUnderApps: []string{"my_app"},
	})

	argv := e.buildCommand("/bin/other", nil, "/")
	assert.NotContains(t, strings.Join(argv, " "), "valgrind")
}

func TestSandboxSysrootPathMapping(t *testing.T) {
	sysroot := t.TempDir()
	e := newTestSandbox(t, Config{Sysroot: sysroot})

	assert.Equal(t, filepath.Join(sysroot, "opt/app/bin"), e.sysrootPath("/opt/app/bin"))
	assert.Equal(t, filepath.Join(sysroot, "rel"), e.sysrootPath("rel"))
}

func TestSandboxCheckBinaryRestoresExecuteBit(t *testing.T) {
	sysroot := t.TempDir()
	e := newTestSandbox(t, Config{Sysroot: sysroot})

	target := filepath.Join(sysroot, "bin", "my_app")
	writeFile(t, target, "#!/bin/sh\n", 0o644)

	require.NoError(t, e.checkBinary("/bin/my_app", "/"))

	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode().Perm()&0o111)
}

func TestSandboxCheckBinaryResolvesRelativeAgainstCwd(t *testing.T) {
	sysroot := t.TempDir()
	e := newTestSandbox(t, Config{Sysroot: sysroot})
	writeFile(t, filepath.Join(sysroot, "opt", "app", "run"), "", 0o755)

	assert.NoError(t, e.checkBinary("run", "/opt/app"))

	var invalid *InvalidExecutableError
	assert.ErrorAs(t, e.checkBinary("missing", "/opt/app"), &invalid)
}

func TestSandboxCopyRoundTrip(t *testing.T) {
	sysroot := t.TempDir()
	e := newTestSandbox(t, Config{Sysroot: sysroot})

	host := t.TempDir()
	src := filepath.Join(host, "cfg.yaml")
	writeFile(t, src, "key: value", 0o644)

	require.NoError(t, e.CopyTo(src, "/etc/app/cfg.yaml"))
	data, err := os.ReadFile(filepath.Join(sysroot, "etc", "app", "cfg.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "key: value", string(data))

	back := filepath.Join(host, "back.yaml")
	require.NoError(t, e.CopyFrom("/etc/app/cfg.yaml", back))
	data, err = os.ReadFile(back)
	require.NoError(t, err)
	assert.Equal(t, "key: value", string(data))
}
