package main

import (
	"context"
	"fmt"
	"os"

	"pulse/cmd/internal/app"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func main() {
	var envFile string

	rootCmd := &cobra.Command{
		Use:   "pulse",
		Short: "Real-time presence, chat-state and notification fan-out server",
		Long: `pulse keeps track of which users are connected and routes chat messages,
read receipts, chat state changes and like/comment/follow notifications to
their live WebSocket connections.

Configuration is read from PULSE_* environment variables. A .env file is
loaded first when present; variables already set in the environment win.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			app.LoadDotEnv(envFile)
		},
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a dotenv file to load before reading configuration")

	rootCmd.AddCommand(createServeCmd())
	rootCmd.AddCommand(createMigrateCmd())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func createServeCmd() *cobra.Command {
	var addr string
	var logFormat string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		Long: `Run the server until interrupted (Ctrl+C or SIGTERM).

Routes: /ws (realtime gateway), /healthz, /readyz and /metrics.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := app.LoadConfig()
			if addr != "" {
				cfg.HTTPAddr = addr
			}
			if logFormat != "" {
				cfg.LogFormat = logFormat
			}
			return app.Serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides PULSE_HTTP_ADDR)")
	cmd.Flags().StringVar(&logFormat, "log-format", "", "Log format: json or pretty (overrides PULSE_LOG_FORMAT)")

	return cmd
}

func createMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the store schema and exit",
		Long:  "Create or update the tables of the configured durable store (PULSE_DATABASE_URL or PULSE_SQLITE_PATH).",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.Migrate(cmd.Context(), app.LoadConfig()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			color.Green("Schema is up to date")
			return nil
		},
	}
}
