package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"mirrorcast/pkg/config"
	"mirrorcast/pkg/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// searched in order when --config is not given
var defaultConfigPaths = []string{
	"configs/config.yaml",
	"config.yaml",
	"/etc/mirrorcast/config.yaml",
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "mirrorcast",
		Short:         "Receive a phone screen over WebRTC on this machine",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file")

	load := func() (*config.Config, error) {
		return loadConfig(configPath)
	}

	root.AddCommand(
		newServeCommand(load),
		newPairCommand(load),
		newDecodeCommand(),
		newEventsCommand(load),
		newDiscoverCommand(load),
	)
	return root
}

// loadConfig reads path, or the first default path that exists. With no
// file at all the defaults apply.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	for _, candidate := range defaultConfigPaths {
		if _, err := os.Stat(candidate); err == nil {
			return config.Load(candidate)
		}
	}
	return config.Load("")
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	l, err := logger.New(logger.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return l, nil
}
