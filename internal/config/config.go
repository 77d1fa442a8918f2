package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultInstallCommand  = "npm"
	defaultDevCommand      = "npm"
	defaultQuietPeriod     = 400 * time.Millisecond
	defaultReadyTimeout    = 2 * time.Minute
	defaultPipelineURL     = "http://localhost:8000/generate"
	defaultBackendURL      = "http://localhost:8000"
	defaultTokenEnv        = "NEBULA_TOKEN"
	defaultLogMaxSizeBytes = 10 * 1024 * 1024
	defaultLogMaxFiles     = 5
)

var (
	defaultInstallArgs        = []string{"install"}
	defaultInstallRelaxedArgs = []string{"install", "--legacy-peer-deps"}
	defaultDevArgs            = []string{"run", "dev"}
)

// Config stores runtime settings loaded from TOML files.
type Config struct {
	InstallCommand     string
	InstallArgs        []string
	InstallRelaxedArgs []string
	DevCommand         string
	DevArgs            []string
	QuietPeriod        time.Duration
	ReadyTimeout       time.Duration
	PipelineURL        string
	BackendURL         string
	TokenEnv           string
	LogMaxSizeBytes    int64
	LogMaxFiles        int
}

type fileConfig struct {
	Workspace *workspaceConfig `toml:"workspace"`
	Pipeline  *pipelineConfig  `toml:"pipeline"`
	Backend   *backendConfig   `toml:"backend"`
	Log       *logConfig       `toml:"log"`
}

type workspaceConfig struct {
	InstallCommand     *string  `toml:"install_command"`
	InstallArgs        []string `toml:"install_args"`
	InstallRelaxedArgs []string `toml:"install_relaxed_args"`
	DevCommand         *string  `toml:"dev_command"`
	DevArgs            []string `toml:"dev_args"`
	QuietPeriod        *string  `toml:"quiet_period"`
	ReadyTimeout       *string  `toml:"ready_timeout"`
}

type pipelineConfig struct {
	URL      *string `toml:"url"`
	TokenEnv *string `toml:"token_env"`
}

type backendConfig struct {
	URL *string `toml:"url"`
}

type logConfig struct {
	MaxSizeMB *int `toml:"max_size_mb"`
	MaxFiles  *int `toml:"max_files"`
}

// Load reads config from ~/.nebula/config.toml and overlays a project-local
// .nebula/config.toml.
func Load(ctx context.Context) (*Config, error) {
	cfg := defaults()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	paths := []string{
		filepath.Join(homeDir, ".nebula", "config.toml"),
		filepath.Join(workingDir, ".nebula", "config.toml"),
	}

	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	_ = ctx
	return &cfg, nil
}

func defaults() Config {
	return Config{
		InstallCommand:     defaultInstallCommand,
		InstallArgs:        append([]string(nil), defaultInstallArgs...),
		InstallRelaxedArgs: append([]string(nil), defaultInstallRelaxedArgs...),
		DevCommand:         defaultDevCommand,
		DevArgs:            append([]string(nil), defaultDevArgs...),
		QuietPeriod:        defaultQuietPeriod,
		ReadyTimeout:       defaultReadyTimeout,
		PipelineURL:        defaultPipelineURL,
		BackendURL:         defaultBackendURL,
		TokenEnv:           defaultTokenEnv,
		LogMaxSizeBytes:    defaultLogMaxSizeBytes,
		LogMaxFiles:        defaultLogMaxFiles,
	}
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	if _, err := toml.DecodeFile(path, &decoded); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}

	if err := applyWorkspaceOverrides(cfg, decoded.Workspace, path); err != nil {
		return err
	}
	applyPipelineOverrides(cfg, decoded.Pipeline)
	applyBackendOverrides(cfg, decoded.Backend)
	if err := applyLogOverrides(cfg, decoded.Log, path); err != nil {
		return err
	}

	return nil
}

func applyWorkspaceOverrides(cfg *Config, decoded *workspaceConfig, path string) error {
	if decoded == nil {
		return nil
	}
	if decoded.InstallCommand != nil {
		cfg.InstallCommand = strings.TrimSpace(*decoded.InstallCommand)
	}
	if decoded.InstallArgs != nil {
		cfg.InstallArgs = append([]string(nil), decoded.InstallArgs...)
	}
	if decoded.InstallRelaxedArgs != nil {
		cfg.InstallRelaxedArgs = append([]string(nil), decoded.InstallRelaxedArgs...)
	}
	if decoded.DevCommand != nil {
		cfg.DevCommand = strings.TrimSpace(*decoded.DevCommand)
	}
	if decoded.DevArgs != nil {
		cfg.DevArgs = append([]string(nil), decoded.DevArgs...)
	}
	if decoded.QuietPeriod != nil {
		value, err := parseDuration(*decoded.QuietPeriod, "workspace.quiet_period", path)
		if err != nil {
			return err
		}
		if value <= 0 {
			return fmt.Errorf("parse workspace.quiet_period in %q: must be > 0", path)
		}
		cfg.QuietPeriod = value
	}
	if decoded.ReadyTimeout != nil {
		value, err := parseDuration(*decoded.ReadyTimeout, "workspace.ready_timeout", path)
		if err != nil {
			return err
		}
		cfg.ReadyTimeout = value
	}
	return nil
}

func applyPipelineOverrides(cfg *Config, decoded *pipelineConfig) {
	if decoded == nil {
		return
	}
	if decoded.URL != nil {
		cfg.PipelineURL = strings.TrimSpace(*decoded.URL)
	}
	if decoded.TokenEnv != nil {
		cfg.TokenEnv = strings.TrimSpace(*decoded.TokenEnv)
	}
}

func applyBackendOverrides(cfg *Config, decoded *backendConfig) {
	if decoded == nil {
		return
	}
	if decoded.URL != nil {
		cfg.BackendURL = strings.TrimSpace(*decoded.URL)
	}
}

func applyLogOverrides(cfg *Config, decoded *logConfig, path string) error {
	if decoded == nil {
		return nil
	}
	if decoded.MaxSizeMB != nil {
		if *decoded.MaxSizeMB <= 0 {
			return fmt.Errorf("parse log.max_size_mb in %q: must be > 0", path)
		}
		cfg.LogMaxSizeBytes = int64(*decoded.MaxSizeMB) * 1024 * 1024
	}
	if decoded.MaxFiles != nil {
		if *decoded.MaxFiles <= 0 {
			return fmt.Errorf("parse log.max_files in %q: must be > 0", path)
		}
		cfg.LogMaxFiles = *decoded.MaxFiles
	}
	return nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	return parsed, nil
}

// Token resolves the pipeline bearer token from the configured environment
// variable. An empty result means requests go out unauthenticated.
func (c *Config) Token() string {
	if c == nil {
		return ""
	}
	return strings.TrimSpace(os.Getenv(c.TokenEnv))
}
