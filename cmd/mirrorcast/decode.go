package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"mirrorcast/internal/core/domain"

	"github.com/spf13/cobra"
)

func newDecodeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "decode <payload|->",
		Short: "Validate a pairing payload and print its connection details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := args[0]
			if payload == "-" {
				data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 1<<20))
				if err != nil {
					return err
				}
				payload = string(data)
			}
			return decodePayload(cmd.OutOrStdout(), strings.TrimSpace(payload))
		},
	}
}

func decodePayload(w io.Writer, payload string) error {
	info, err := domain.DecodePairingPayload(payload)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(out))
	fmt.Fprintf(w, "Signaling: %s\n", info.WebSocketURL())
	return nil
}
