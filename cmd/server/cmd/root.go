package cmd

import (
	"fmt"
	"os"

	"possync/internal/app/server/config"
	"possync/internal/utils/logger"

	"github.com/spf13/cobra"
	"golang.org/x/exp/slog"
)

var (
	cfg *config.Config
	log *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "possync-server",
	Short: "possync - сервер синхронизации офлайн-касс",
	Long: `Сервер принимает пакеты операций от касс, обнаруживает конфликты
одновременных изменений и отдает устройствам изменения с момента последней синхронизации.`,
	PersistentPreRunE: setup,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка: %v\n", err)
		os.Exit(1)
	}
}

func setup(_ *cobra.Command, _ []string) error {
	cfg = config.MustLoad()
	log = logger.New(cfg.Env)
	return nil
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	rootCmd.AddCommand(tokenCmd)
}
