package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const SHUTDOWN_TIMEOUT = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relayer: HTTP API and scheduled reconciliation",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		service, err := newService(ctx)
		if err != nil {
			return err
		}
		if err := service.Start(ctx); err != nil {
			return err
		}

		// Wait for interrupt signal to gracefully shutdown the server
		<-ctx.Done()
		log.Info().Msg("Shutting down relayer...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), SHUTDOWN_TIMEOUT)
		defer cancel()
		service.Stop(shutdownCtx)
		return nil
	},
}
