package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"mirrorcast/internal/infrastructure/distributed"
	"mirrorcast/pkg/config"

	"github.com/spf13/cobra"
)

func newEventsCommand(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Follow session events published by receivers on redis",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			zapLogger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer zapLogger.Sync()
			log := zapLogger.Sugar()

			ctx := cmd.Context()
			client, err := distributed.NewRedisClient(ctx, distributed.RedisOptions{
				Address:  cfg.Redis.Address,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
				PoolSize: 1,
			}, log)
			if err != nil {
				return err
			}
			defer client.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			err = distributed.Subscribe(ctx, client, cfg.Redis.Channel, log, func(event distributed.Event) {
				if err := enc.Encode(event); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "write event: %v\n", err)
				}
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}
