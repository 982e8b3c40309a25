package cmd

import (
	"os/signal"
	"syscall"

	"possync/internal/app/server"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Запустить HTTP-сервер синхронизации",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		srv, err := server.New(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer func() {
			if err := srv.Close(); err != nil {
				log.Error("failed to release resources", "error", err)
			}
		}()

		return srv.Run(ctx)
	},
}
