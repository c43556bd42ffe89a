package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethaccount/userop/src/app"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// @title        UserOp Pipeline API
// @description  Approval, submission and tracking of ERC-4337 user operations

// @license.name  AGPL-3.0-only

// @host      localhost:8080
// @BasePath  /api/v1

const (
	AppName    = "UserOp Pipeline"
	AppVersion = "0.2.0"
)

var rootCmd = &cobra.Command{
	Use:     "userop",
	Short:   "ERC-4337 user operation pipeline",
	Version: AppVersion,
	Long: `Builds, signs and submits ERC-4337 v0.6 user operations through a bundler
and tracks them until they are confirmed on chain.

Such as "userop serve" to run the HTTP API with its workers, or
"userop hash op.json --chain-id 1" to compute an operation hash.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Load .env file if it exists (optional in production)
		if _, err := os.Stat(".env"); err == nil {
			if err := godotenv.Overload(".env"); err != nil {
				log.Fatalf("Error loading .env file: %v", err)
			}
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the approval workers and the reconciler",
	RunE: func(cmd *cobra.Command, args []string) error {
		config := app.NewAppConfig()

		// Create root logger
		logger := app.InitLogger(*config.LogLevel, *config.LogFormat)

		rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		rootCtx = logger.WithContext(rootCtx)

		logger.Info().
			Str("version", AppVersion).
			Msgf("Launching %s", AppName)

		application, err := app.NewApplication(rootCtx, *config)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to initialize application")
			return err
		}
		// Shutdown runs after every worker has returned
		defer application.Shutdown(logger.WithContext(context.Background()))

		if err := application.Run(rootCtx); err != nil {
			logger.Error().Err(err).Msg("Application stopped with error")
			return err
		}

		logger.Info().Msg("Application shutdown complete")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
