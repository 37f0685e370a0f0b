package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"mirrorcast/internal/core/domain"
	httphandlers "mirrorcast/internal/handlers/http"
	"mirrorcast/pkg/config"

	"github.com/atotto/clipboard"
	"github.com/spf13/cobra"
)

func newPairCommand(load func() (*config.Config, error)) *cobra.Command {
	var (
		apiURL  string
		copyOut bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Start a pairing on the running receiver and print its payload",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if apiURL == "" {
				apiURL = "http://" + dialableAddress(cfg.Server.Address)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			resp, err := requestPairing(ctx, http.DefaultClient, apiURL)
			if err != nil {
				return err
			}
			printPairing(cmd.OutOrStdout(), resp)

			if copyOut || cfg.Pairing.CopyToClipboard {
				if err := clipboard.WriteAll(resp.Payload); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "could not copy payload to clipboard: %v\n", err)
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), "Payload copied to clipboard.")
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&apiURL, "api", "", "base URL of the receiver's control API (default from server.address)")
	cmd.Flags().BoolVar(&copyOut, "copy", false, "copy the pairing payload to the clipboard")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

func requestPairing(ctx context.Context, client *http.Client, apiURL string) (httphandlers.PairingResponse, error) {
	url := strings.TrimRight(apiURL, "/") + "/api/v1/pairing"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return httphandlers.PairingResponse{}, err
	}

	res, err := client.Do(req)
	if err != nil {
		return httphandlers.PairingResponse{}, fmt.Errorf("is the receiver running? %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return httphandlers.PairingResponse{}, fmt.Errorf("read pairing response: %w", err)
	}
	if res.StatusCode != http.StatusCreated {
		return httphandlers.PairingResponse{}, fmt.Errorf("receiver answered %s: %s", res.Status, strings.TrimSpace(string(body)))
	}

	var resp httphandlers.PairingResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return httphandlers.PairingResponse{}, fmt.Errorf("decode pairing response: %w", err)
	}
	if _, err := domain.DecodePairingPayload(resp.Payload); err != nil {
		return httphandlers.PairingResponse{}, err
	}
	return resp, nil
}

func printPairing(w io.Writer, resp httphandlers.PairingResponse) {
	fmt.Fprintf(w, "Signaling: %s\n", resp.WebSocketURL)
	fmt.Fprintf(w, "Payload:\n%s\n", resp.Payload)
}

// dialableAddress turns a wildcard listen address into a loopback one.
func dialableAddress(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "127.0.0.1" + listen
	}
	if strings.HasPrefix(listen, "0.0.0.0:") {
		return "127.0.0.1" + strings.TrimPrefix(listen, "0.0.0.0")
	}
	return listen
}
