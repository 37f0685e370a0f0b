package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"mirrorcast/internal/infrastructure/discovery"
	"mirrorcast/pkg/config"

	"github.com/spf13/cobra"
)

func newDiscoverCommand(load func() (*config.Config, error)) *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List receivers advertised on the local network",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()

			receivers, err := discovery.Browse(ctx, cfg.Discovery.Service, cfg.Discovery.Domain)
			if err != nil {
				return err
			}
			printReceivers(cmd.OutOrStdout(), receivers)
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 3*time.Second, "how long to listen for answers")
	return cmd
}

func printReceivers(w io.Writer, receivers []discovery.Receiver) {
	if len(receivers) == 0 {
		fmt.Fprintln(w, "No receivers found.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INSTANCE\tENDPOINT\tSTATE\tVERSION")
	for _, r := range receivers {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Instance, r.Endpoint(), r.State, r.Version)
	}
	tw.Flush()
}
