package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/eleven-am/procflow/internal/core"
	"github.com/eleven-am/procflow/internal/domain"
)

var rootCmd = &cobra.Command{
	Use:           "procflow",
	Short:         "Run and maintain BPMN process instances",
	Version:       GetVersion(),
	SilenceUsage:  true,
	SilenceErrors: false,
	Long: `procflow interprets compiled BPMN process definitions.

It can run a definition to completion from the command line, inspect and
migrate persisted instance documents, release stale instance locks, and
serve a long-running node that fires timers and bridges messages.`,
}

var (
	configPath      string
	logLevel        string
	definitionPaths []string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (defaults apply when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringSliceVarP(&definitionPaths, "definitions", "d", nil, "Definition files to load (YAML or JSON)")
}

func newLogger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(logLevel))); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
}

func loadConfig() (*domain.Config, error) {
	logger, err := newLogger()
	if err != nil {
		return nil, err
	}
	cfg := domain.DefaultConfig()
	if configPath != "" {
		if cfg, err = domain.LoadConfig(configPath); err != nil {
			return nil, err
		}
	}
	return cfg.WithLogger(logger), nil
}

// openManager builds a manager from the config flags and loads every
// --definitions file into it.
func openManager(cfg *domain.Config) (*core.Manager, error) {
	m, err := core.New(cfg)
	if err != nil {
		return nil, err
	}
	for _, path := range definitionPaths {
		ids, err := m.LoadDefinitions(path)
		if err != nil {
			_ = m.Close()
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		cfg.Logger.Debug("definitions loaded", "path", path, "definitions", ids)
	}
	return m, nil
}

func setupVersion() {
	rootCmd.SetVersionTemplate(GetVersionInfo() + "\n")
}

func Execute() {
	setupVersion()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func main() {
	Execute()
}
