package cli

import (
	"fmt"
	"path/filepath"

	"github.com/glorpus-work/mlget/pkg/cache"
	"github.com/glorpus-work/mlget/pkg/config"
	"github.com/glorpus-work/mlget/pkg/errors"
	"github.com/glorpus-work/mlget/pkg/hook"
	"github.com/glorpus-work/mlget/pkg/orchestrator"
	"github.com/glorpus-work/mlget/pkg/resolver"
	"github.com/glorpus-work/mlget/pkg/transfer"
	"github.com/glorpus-work/mlget/pkg/verify"
)

// These variables are set by the main package.
var (
	ConfigPath *string
	Verbose    *bool
)

// loadConfig loads the configuration, falling back to the built-in defaults
// when no config file exists yet.
func loadConfig() (*config.Config, error) {
	path := ""
	if ConfigPath != nil {
		path = *ConfigPath
	}
	if path == "" {
		path = config.DefaultConfigPath()
	}

	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if Verbose != nil && *Verbose {
		cfg.Settings.LogLevel = "debug"
	}
	return cfg, nil
}

// selectDriver picks the transfer driver per the configured downloader mode.
// In auto mode a missing aria2c silently falls back to the HTTP driver; when
// aria2c is requested explicitly its absence is an error.
func selectDriver(cfg *config.Config) (orchestrator.TransferDriver, error) {
	switch cfg.Settings.Downloader {
	case config.DownloaderHTTP:
		return transfer.NewHTTPDriver(cfg.Settings.HTTPTimeout), nil
	case config.DownloaderAria2c:
		bin := cfg.Settings.Aria2cPath
		if bin == "" {
			found, err := transfer.FindAria2c()
			if err != nil {
				return nil, err
			}
			bin = found
		}
		return transfer.NewAria2cDriver(bin), nil
	default: // auto
		if bin := cfg.Settings.Aria2cPath; bin != "" {
			return transfer.NewAria2cDriver(bin), nil
		}
		if bin, err := transfer.FindAria2c(); err == nil {
			return transfer.NewAria2cDriver(bin), nil
		}
		return transfer.NewHTTPDriver(cfg.Settings.HTTPTimeout), nil
	}
}

// buildOrchestrator wires resolver, driver, verifier and cache store from the
// loaded configuration.
func buildOrchestrator(cfg *config.Config, hooks orchestrator.Hooks) (*orchestrator.Orchestrator, *cache.Store, error) {
	store, err := cache.New(cfg.Settings.CacheDir)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to open cache store")
	}

	driver, err := selectDriver(cfg)
	if err != nil {
		return nil, nil, err
	}

	res := resolver.New(cfg.EnabledSources(), resolver.IndexOptions{
		Timeout:       cfg.Settings.HTTPTimeout,
		RetryAttempts: cfg.Settings.MaxAttempts,
		RetryBase:     cfg.Settings.RetryBaseDelay,
		RetryMax:      cfg.Settings.RetryMaxDelay,
	})

	orch := orchestrator.New(res, driver, store, verify.Policy{}, hooks, orchestrator.Options{
		StagingDir:     cfg.Settings.StagingDir,
		Connections:    cfg.Settings.Connections,
		MaxAttempts:    cfg.Settings.MaxAttempts,
		RetryBaseDelay: cfg.Settings.RetryBaseDelay,
		RetryMaxDelay:  cfg.Settings.RetryMaxDelay,
		StallTimeout:   cfg.Settings.StallTimeout,
	})
	return orch, store, nil
}

// loadHooks loads fetch-event scripts from <base>/hooks next to the config.
func loadHooks() (hook.Manager, error) {
	m := hook.NewManager()
	if err := hook.LoadFromDir(m, filepath.Join(config.BaseDir(), "hooks")); err != nil {
		return nil, err
	}
	return m, nil
}
