// Package main is the entry point for the stepflow application.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tcmartin/stepflow/pkg/config"
	"github.com/tcmartin/stepflow/pkg/loader"
	"github.com/tcmartin/stepflow/pkg/logging"
	"github.com/tcmartin/stepflow/pkg/registry"
	"github.com/tcmartin/stepflow/pkg/runtime"
	"github.com/tcmartin/stepflow/pkg/utils"
)

// Version information
const (
	AppVersion = "0.1.0"
	AppName    = "stepflow"
)

var (
	// Global flags
	configPath string
	envFiles   []string
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           AppName,
		Short:         "Step orchestrator for LLM flows",
		Long:          "Runs flows of transform and model call steps with checkpoints, as a server or locally",
		Version:       AppVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (yaml or json)")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "Env files to load before reading the environment")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")

	rootCmd.AddCommand(serveCmd(), runCmd(), validateCmd(), flowsCmd(), tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file given by --config or found in a standard
// location, then overlays env files and the environment
func loadConfig() (*config.Config, error) {
	if err := config.LoadEnvFiles(envFiles...); err != nil {
		return nil, err
	}

	var cfg *config.Config
	if configPath != "" {
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
		cfg = loaded
	} else {
		locations := []string{
			"./stepflow.yaml",
			"./config.yaml",
			"./config.json",
		}
		if home, err := os.UserHomeDir(); err == nil {
			locations = append(locations, filepath.Join(home, ".stepflow", "config.yaml"))
		}
		for _, path := range locations {
			if _, err := os.Stat(path); err != nil {
				continue
			}
			loaded, err := config.LoadConfig(path)
			if err != nil {
				return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
			}
			cfg = loaded
			break
		}
		if cfg == nil {
			cfg = config.DefaultConfig()
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// resolverFromConfig maps configured providers to resolver settings
func resolverFromConfig(cfg *config.Config) *runtime.LLMResolver {
	providers := make(map[string]runtime.ProviderSettings, len(cfg.Providers))
	for id, p := range cfg.Providers {
		providers[id] = runtime.ProviderSettings{
			Type:    utils.LLMProvider(p.Type),
			BaseURL: p.BaseURL,
			Model:   p.Model,
			APIKey:  p.APIKey,
		}
	}
	return runtime.NewLLMResolver(providers)
}

// buildRegistry loads the built-in flows and the configured flow directory
func buildRegistry(cfg *config.Config, rules *runtime.Rules, resolver runtime.GeneratorResolver, logger logging.Logger) (*registry.FlowRegistry, error) {
	l := loader.NewYAMLLoader(loader.DefaultStepFactories(resolver), rules)
	flows := registry.NewFlowRegistry(l, logger)

	if cfg.Flows.Builtins {
		if err := flows.LoadBuiltins(); err != nil {
			return nil, fmt.Errorf("failed to load built-in flows: %w", err)
		}
	}
	if cfg.Flows.Directory != "" {
		n, err := flows.LoadDir(cfg.Flows.Directory)
		if err != nil {
			return nil, fmt.Errorf("failed to load flows from %s: %w", cfg.Flows.Directory, err)
		}
		logger.Info("Loaded flow directory",
			logging.String("dir", cfg.Flows.Directory),
			logging.Int("flows", n))
	}
	return flows, nil
}
