// Package config handles configuration management using Viper
package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings represents the application configuration
type Settings struct {
	Backend    BackendSettings    `mapstructure:"backend"`
	Supervisor SupervisorSettings `mapstructure:"supervisor"`
	Logging    LoggingSettings    `mapstructure:"logging"`
}

// BackendSettings selects the backend and how it is hosted
type BackendSettings struct {
	Name       string `mapstructure:"name"`        // Overrides platform detection when set
	InProcess  string `mapstructure:"in_process"`  // "", "true" or "false"
	Args       string `mapstructure:"args"`        // Comma separated key=value pairs
	SocketPath string `mapstructure:"socket_path"` // Out-of-process host socket
	Launcher   string `mapstructure:"launcher"`    // Binary started to host the backend
}

// SupervisorSettings tunes the out-of-process supervisor
type SupervisorSettings struct {
	MaxRestarts     int           `mapstructure:"max_restarts"`
	RestartWindow   time.Duration `mapstructure:"restart_window"`
	StartTimeout    time.Duration `mapstructure:"start_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

// LoggingSettings contains logging settings
type LoggingSettings struct {
	LogLevel string `mapstructure:"log_level"` // Overrides LOG_LEVEL env var
}

var (
	// DefaultSettings provides sensible defaults
	DefaultSettings = Settings{
		Supervisor: SupervisorSettings{
			MaxRestarts:     10,
			RestartWindow:   60 * time.Second,
			StartTimeout:    5 * time.Second,
			ShutdownTimeout: 5 * time.Second,
			PollInterval:    50 * time.Millisecond,
			RequestTimeout:  10 * time.Second,
		},
	}

	// Global settings instance
	current *Settings

	// Override config path if set
	configPathOverride string
)

// SetConfigPath allows overriding the config path
func SetConfigPath(path string) {
	configPathOverride = path
}

// Init reads the config file and environment once and stores the result
func Init() error {
	s, err := Load(configPathOverride)
	if err != nil {
		return err
	}
	current = s
	return nil
}

// Load reads settings from the given file (or the standard search path when
// empty) merged with DISPCONF_* environment variables.
func Load(path string) (*Settings, error) {
	v := viper.New()
	v.SetConfigName("dispconf")
	v.SetConfigType("toml")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			v.AddConfigPath(filepath.Join(xdg, "dispconf"))
		}
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "dispconf"))
		}
		v.AddConfigPath(".")
	}

	v.SetDefault("backend.name", DefaultSettings.Backend.Name)
	v.SetDefault("backend.in_process", DefaultSettings.Backend.InProcess)
	v.SetDefault("backend.args", DefaultSettings.Backend.Args)
	v.SetDefault("backend.socket_path", DefaultSettings.Backend.SocketPath)
	v.SetDefault("backend.launcher", DefaultSettings.Backend.Launcher)

	v.SetDefault("supervisor.max_restarts", DefaultSettings.Supervisor.MaxRestarts)
	v.SetDefault("supervisor.restart_window", DefaultSettings.Supervisor.RestartWindow)
	v.SetDefault("supervisor.start_timeout", DefaultSettings.Supervisor.StartTimeout)
	v.SetDefault("supervisor.shutdown_timeout", DefaultSettings.Supervisor.ShutdownTimeout)
	v.SetDefault("supervisor.poll_interval", DefaultSettings.Supervisor.PollInterval)
	v.SetDefault("supervisor.request_timeout", DefaultSettings.Supervisor.RequestTimeout)

	v.SetDefault("logging.log_level", DefaultSettings.Logging.LogLevel)

	// The three backend overrides keep their historical short names
	v.SetEnvPrefix("DISPCONF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("backend.name", "DISPCONF_BACKEND")
	_ = v.BindEnv("backend.in_process", "DISPCONF_BACKEND_INPROCESS")
	_ = v.BindEnv("backend.args", "DISPCONF_BACKEND_ARGS")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, fmt.Errorf("unable to unmarshal config: %w", err)
	}
	if _, _, err := s.Backend.InProcessOverride(); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns the current settings
func Get() *Settings {
	if current == nil {
		d := DefaultSettings
		return &d
	}
	return current
}

// Set sets the current settings (for testing)
func Set(s *Settings) {
	current = s
}

// InProcessOverride reports whether the in-process switch was set explicitly
// and to what value.
func (b BackendSettings) InProcessOverride() (inProcess bool, set bool, err error) {
	raw := strings.TrimSpace(b.InProcess)
	if raw == "" {
		return false, false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false, fmt.Errorf("invalid backend.in_process value %q: %w", b.InProcess, err)
	}
	return v, true, nil
}

// ArgsMap parses the comma separated key=value backend argument string.
// Entries without '=' map to an empty value.
func (b BackendSettings) ArgsMap() map[string]string {
	args := make(map[string]string)
	for _, part := range strings.Split(b.Args, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		args[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return args
}

// ResolvedSocketPath returns the configured socket path or the per-user default
func (b BackendSettings) ResolvedSocketPath() (string, error) {
	if b.SocketPath != "" {
		return b.SocketPath, nil
	}
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "dispconf.sock"), nil
	}
	currentUser, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("failed to get current user: %w", err)
	}
	return filepath.Join("/tmp", fmt.Sprintf("dispconf-%s.sock", currentUser.Username)), nil
}

// ResolvedLauncher returns the binary used to host out-of-process backends
func (b BackendSettings) ResolvedLauncher() (string, error) {
	if b.Launcher != "" {
		return b.Launcher, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to locate launcher executable: %w", err)
	}
	return exe, nil
}
