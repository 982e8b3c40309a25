package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"possync/internal/app/client"
	"possync/internal/app/client/config"
	"possync/internal/utils/logger"

	"github.com/spf13/cobra"
	"golang.org/x/exp/slog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	cfg        *config.Config
	log        *slog.Logger
	app        *client.App
	debug      bool
	jsonOutput bool
	yamlOutput bool
	serverAddr string
)

var rootCmd = &cobra.Command{
	Use:   "possync",
	Short: "possync - клиент синхронизации кассы",
	Long: `possync ведет локальный учет товаров, продаж и движений склада без сети.

Все изменения попадают в очередь операций и отправляются на сервер,
как только касса выходит в сеть. Изменения других касс подтягиваются обратно.`,
	PersistentPreRunE:  setupApp,
	PersistentPostRunE: closeApp,
	SilenceUsage:       true,
	SilenceErrors:      true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка: %v\n", err)
		os.Exit(1)
	}
}

func setupApp(cmd *cobra.Command, _ []string) error {
	cfg = config.MustLoad()
	if serverAddr != "" {
		cfg.ServerAddress = serverAddr
	}

	log = newLogger(cfg)

	var err error
	app, err = client.New(cmd.Context(), cfg, log)
	if err != nil {
		return fmt.Errorf("ошибка инициализации приложения: %w", err)
	}
	return nil
}

func closeApp(_ *cobra.Command, _ []string) error {
	if app == nil {
		return nil
	}
	return app.Close()
}

// newLogger в отладке пишет в терминал, иначе в ротируемый файл,
// чтобы не смешивать лог с выводом команд
func newLogger(cfg *config.Config) *slog.Logger {
	if debug {
		return logger.New(cfg.Env)
	}

	path := cfg.LogFile
	if path == "" {
		path = filepath.Join(cfg.ConfigDir, "client.log")
	}
	return logger.NewWriter(cfg.Env, &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     28,
	})
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "писать лог в терминал")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "вывод в формате JSON")
	rootCmd.PersistentFlags().BoolVar(&yamlOutput, "yaml", false, "вывод в формате YAML")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "", "адрес сервера host:port")
	rootCmd.MarkFlagsMutuallyExclusive("json", "yaml")

	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(recordCmd)
	recordCmd.AddCommand(recordCreateCmd)
	recordCmd.AddCommand(recordUpdateCmd)
	recordCmd.AddCommand(recordDeleteCmd)
	recordCmd.AddCommand(recordGetCmd)
	recordCmd.AddCommand(recordListCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueRetryCmd)
	rootCmd.AddCommand(conflictsCmd)
	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)
	rootCmd.AddCommand(devicesCmd)
}
