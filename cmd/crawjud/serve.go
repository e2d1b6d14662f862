package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/ternarybob/crawjud/internal/app"
	"github.com/ternarybob/crawjud/internal/common"
	"github.com/ternarybob/crawjud/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the job API, the room server and the queue workers",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	common.PrintBanner(common.GetVersion())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, config, logger)
	if err != nil {
		return err
	}
	defer application.Close()

	if err := application.Start(); err != nil {
		return err
	}

	srv := server.New(application)
	errc := make(chan error, 1)
	common.SafeGo(logger, "httpServer", func() {
		errc <- srv.Start()
	})

	logger.Info().Str("address", srv.Addr()).Msg("Server ready - Press Ctrl+C to stop")

	select {
	case <-ctx.Done():
		logger.Info().Msg("Interrupt signal received")
	case err := <-errc:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
	}
	return nil
}
