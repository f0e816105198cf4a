package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sushant-115/physcoord/pkg/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "physcoord",
		Short:         "Transaction coordinator for network controller drivers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	})
	root.AddCommand(newAuditCmd(), newStatusCmd())
	return root
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func newAuditCmd() *cobra.Command {
	var addr, mode string
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Ask a running coordinator to replay pending candidate configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			body := map[string]string{"datastore": "candidate", "mode": mode}
			return call(cmd.Context(), cmd.OutOrStdout(), http.MethodPost, addr, "/audit", body)
		},
	}
	cmd.Flags().StringVar(&addr, "admin", "127.0.0.1:8080", "admin API address")
	cmd.Flags().StringVar(&mode, "mode", "global", "configuration mode")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the coordinator state and HA role",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd.Context(), cmd.OutOrStdout(), http.MethodGet, addr, "/status", nil)
		},
	}
	cmd.Flags().StringVar(&addr, "admin", "127.0.0.1:8080", "admin API address")
	return cmd
}

// call sends one admin request and copies the reply to out.
func call(ctx context.Context, out io.Writer, method, addr, path string, body any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, "http://"+addr+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("admin request: %w", err)
	}
	defer resp.Body.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("admin request failed: %s", resp.Status)
	}
	return nil
}
