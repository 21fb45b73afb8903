package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Load builds the configuration with precedence runtime overrides > env vars
// > config file > defaults. The result is passed by reference; there is no
// process-wide cached config.
//
// Env vars use the SKYRUN_ prefix with underscores for nesting, e.g.
// SKYRUN_SERVER_PORT, SKYRUN_SCHEDULER_INTERVAL.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	_ = ctx

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SKYRUN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := configFilePath(); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(*os.PathError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	for _, override := range overrides {
		if err := v.MergeConfigMap(override); err != nil {
			return nil, fmt.Errorf("merge overrides: %w", err)
		}
	}

	cfg := &Config{}
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	expandPaths(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")

	v.SetDefault("scheduler.interval", "5s")
	v.SetDefault("scheduler.provisioning_timeout", "10m")
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.provider_rps", 10.0)

	v.SetDefault("ssh.config_path", "~/.skyrun/ssh/config")
	v.SetDefault("ssh.primary_config_path", "~/.ssh/config")
	v.SetDefault("ssh.control_dir", "~/.skyrun/ssh/control")
	v.SetDefault("ssh.identity_file", "~/.skyrun/ssh/id_rsa")
	v.SetDefault("ssh.user", "ubuntu")

	v.SetDefault("store.path", "~/.skyrun/runs.db")
}

// configFilePath returns the explicit config file (SKYRUN_CONFIG_FILE) or the
// conventional ~/.skyrun/config.yaml if it exists.
func configFilePath() string {
	if path := os.Getenv("SKYRUN_CONFIG_FILE"); path != "" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	path := filepath.Join(home, ".skyrun", "config.yaml")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func expandPaths(cfg *Config) {
	cfg.SSH.ConfigPath = expandHome(cfg.SSH.ConfigPath)
	cfg.SSH.PrimaryConfigPath = expandHome(cfg.SSH.PrimaryConfigPath)
	cfg.SSH.ControlDir = expandHome(cfg.SSH.ControlDir)
	cfg.SSH.IdentityFile = expandHome(cfg.SSH.IdentityFile)
	cfg.Store.Path = expandHome(cfg.Store.Path)
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", cfg.Server.Port)
	}
	if cfg.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be positive, got %s", cfg.Scheduler.Interval)
	}
	if cfg.Scheduler.ProvisioningTimeout <= 0 {
		return fmt.Errorf("scheduler.provisioning_timeout must be positive, got %s", cfg.Scheduler.ProvisioningTimeout)
	}
	if cfg.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be positive, got %d", cfg.Scheduler.Workers)
	}
	seen := map[string]bool{}
	claim := func(name, fallback string) error {
		if name == "" {
			name = fallback
		}
		if seen[name] {
			return fmt.Errorf("duplicate backend name %q", name)
		}
		seen[name] = true
		return nil
	}
	for i := range cfg.Backends.AWS {
		b := &cfg.Backends.AWS[i]
		if err := b.Validate(); err != nil {
			return err
		}
		if err := claim(b.Name, "aws"); err != nil {
			return err
		}
	}
	for i := range cfg.Backends.GCP {
		b := &cfg.Backends.GCP[i]
		if err := b.Validate(); err != nil {
			return err
		}
		if err := claim(b.Name, "gcp"); err != nil {
			return err
		}
	}

	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	return nil
}
