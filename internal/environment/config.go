package environment

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Backend selects the isolation mechanism.
type Backend string

const (
	// BackendContainer runs binaries inside a long-lived Docker container.
	BackendContainer Backend = "container"
	// BackendSandbox runs binaries inside a bubblewrap namespace sandbox.
	BackendSandbox Backend = "sandbox"
	// BackendDirect runs binaries directly on the host, no isolation.
	BackendDirect Backend = "direct"
)

// Mount is one bind mount across the isolation boundary.
type Mount struct {
	Host     string `yaml:"host"`
	Target   string `yaml:"target"`
	ReadOnly bool   `yaml:"read_only,omitempty"`
}

// Config parameterizes an environment. It is immutable after construction.
type Config struct {
	Backend Backend `yaml:"backend"`

	// Image is a pre-built container image; Sysroot is an extracted root
	// filesystem on the host. The container backend needs at least one of
	// them, the sandbox backend needs Sysroot.
	Image   string `yaml:"image,omitempty"`
	Sysroot string `yaml:"sysroot,omitempty"`

	// Workspace maps to /tmp inside the sandbox, Persistent to
	// /persistent, ArtifactDir to /tmp/artifacts.
	Workspace   string `yaml:"workspace,omitempty"`
	Persistent  string `yaml:"persistent,omitempty"`
	ArtifactDir string `yaml:"artifact_dir,omitempty"`

	// Mounts are additional bind mounts. Invalid entries are skipped with
	// a warning, not fatal.
	Mounts []Mount `yaml:"mounts,omitempty"`

	// Env is the environment-variable overlay injected into executions.
	Env map[string]string `yaml:"env,omitempty"`

	Privileged  bool   `yaml:"privileged,omitempty"`
	NetworkMode string `yaml:"network_mode,omitempty"`

	// StopTimeout is the default graceful-stop budget before escalation.
	StopTimeout time.Duration `yaml:"stop_timeout,omitempty"`

	// RunUnderTool is an optional prefix (e.g. "valgrind --tool=memcheck")
	// inserted before binaries whose basename matches RunUnderApps.
	RunUnderTool string   `yaml:"run_under_tool,omitempty"`
	RunUnderApps []string `yaml:"run_under_apps,omitempty"`

	// RetryCount and RetryDelay bound the sandbox backend's process-tree
	// discovery loop.
	RetryCount int           `yaml:"retry_count,omitempty"`
	RetryDelay time.Duration `yaml:"retry_delay,omitempty"`

	// LibraryBind and LibrarySearchPath route bind-mounted shared
	// libraries into the sandbox (LD_LIBRARY_PATH overlay).
	LibraryBind       *Mount `yaml:"library_bind,omitempty"`
	LibrarySearchPath string `yaml:"library_search_path,omitempty"`

	// ConsoleLog, when set, is the shared append-only log file every
	// output reader of this environment writes timestamped lines to.
	ConsoleLog string `yaml:"console_log,omitempty"`
}

const (
	defaultStopTimeout = 15 * time.Second
	defaultNetworkMode = "bridge"
)

// DefaultConfig builds a configuration from ITF_* environment variables:
// ITF_BACKEND, ITF_IMAGE, ITF_SYSROOT, ITF_STOP_TIMEOUT, ITF_PRIVILEGED,
// ITF_NETWORK_MODE, ITF_CONSOLE_LOG. Unknown or malformed values fall back
// to defaults with a warning.
func DefaultConfig() Config {
	cfg := Config{
		Backend:     BackendDirect,
		Image:       os.Getenv("ITF_IMAGE"),
		Sysroot:     os.Getenv("ITF_SYSROOT"),
		NetworkMode: defaultNetworkMode,
		StopTimeout: defaultStopTimeout,
		ConsoleLog:  os.Getenv("ITF_CONSOLE_LOG"),
	}

	switch strings.ToLower(os.Getenv("ITF_BACKEND")) {
	case "container", "docker":
		cfg.Backend = BackendContainer
	case "sandbox", "bwrap":
		cfg.Backend = BackendSandbox
	case "direct", "":
		cfg.Backend = BackendDirect
	default:
		log.Warn().Str("value", os.Getenv("ITF_BACKEND")).Msg("unknown ITF_BACKEND, defaulting to direct")
	}

	if v := os.Getenv("ITF_STOP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.StopTimeout = d
		} else {
			log.Warn().Str("value", v).Msg("invalid ITF_STOP_TIMEOUT, using default 15s")
		}
	}

	if v := os.Getenv("ITF_PRIVILEGED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			log.Warn().Str("value", v).Msg("invalid ITF_PRIVILEGED, ignoring")
		} else {
			cfg.Privileged = b
		}
	}

	if v := os.Getenv("ITF_NETWORK_MODE"); v != "" {
		cfg.NetworkMode = v
	}

	return cfg
}

// LoadProfile reads a YAML profile file over the defaults from DefaultConfig.
func LoadProfile(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read profile: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse profile %s: %w", path, err)
	}
	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	if c.StopTimeout <= 0 {
		c.StopTimeout = defaultStopTimeout
	}
	if c.NetworkMode == "" {
		c.NetworkMode = defaultNetworkMode
	}
	return c
}

// runUnder reports whether path should be prefixed with the run-under tool.
func (c Config) runUnder(path string) bool {
	if c.RunUnderTool == "" {
		return false
	}
	for _, app := range c.RunUnderApps {
		if strings.Contains(path, app) {
			return true
		}
	}
	return false
}

// envList flattens the overlay into sorted KEY=VALUE form.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := sortedKeys(env)
	list := make([]string, 0, len(keys))
	for _, k := range keys {
		list = append(list, k+"="+env[k])
	}
	return list
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NewEnvironment creates the backend selected by cfg. The returned
// environment still needs Setup before use.
func NewEnvironment(cfg Config) (Environment, error) {
	cfg = cfg.withDefaults()
	switch cfg.Backend {
	case BackendContainer:
		return NewContainerEnvironment(cfg), nil
	case BackendSandbox:
		return NewSandboxEnvironment(cfg), nil
	case BackendDirect:
		return NewDirectEnvironment(cfg), nil
	default:
		return nil, fmt.Errorf("environment: unknown backend %q", cfg.Backend)
	}
}
