package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/convsync"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connectivity",
	Long:  "Display the current configuration and check that the realtime endpoint accepts the token.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:   %s\n", valueOrDefault(cfg.Default.BaseURL, convsync.DefaultBaseURL))
		fmt.Printf("  User ID:    %s\n", valueOrDefault(cfg.Default.UserID, "(not set)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:      %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:      (not set)")
		}

		fmt.Println()
		fmt.Println("Sync:")
		fmt.Printf("  Store:      %s\n", valueOrDefault(cfg.Sync.StorePath, "~/.convsync/messages"))
		fmt.Printf("  Transport:  %s\n", valueOrDefault(cfg.Sync.Transport, "ws"))
		fmt.Printf("  Snapshot:   %s\n", valueOrDefault(cfg.Sync.SnapshotTimeout, convsync.DefaultSnapshotTimeout.String()))
		fmt.Printf("  Stale after: %s\n", valueOrDefault(cfg.Sync.StaleAfter, "0s (always refresh)"))

		if cfg.Auth.Token == "" || cfg.Sync.Transport == "none" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		baseURL := valueOrDefault(cfg.Default.BaseURL, convsync.DefaultBaseURL)
		ws := convsync.NewRealtimeWSClient(baseURL, &convsync.RealtimeConfig{Token: cfg.Auth.Token}, convsync.NewHub())
		ctx, cancel := context.WithTimeout(cmd.Context(), convsync.DefaultTimeout)
		defer cancel()
		if err := ws.Connect(ctx); err != nil {
			fmt.Printf("  Realtime:   unreachable (%v)\n", err)
			return nil
		}
		defer ws.Disconnect()
		if err := ws.Ping(ctx); err != nil {
			fmt.Printf("  Realtime:   connected, ping failed (%v)\n", err)
			return nil
		}
		fmt.Println("  Realtime:   connected")
		return nil
	},
}

// maskKey shows the first and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
