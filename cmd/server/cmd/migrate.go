package cmd

import (
	"errors"
	"fmt"

	"possync/internal/infrastructure/migration"

	"github.com/spf13/cobra"
)

var errNoDatabase = errors.New("DATABASE_URI is not set")

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Управление схемой базы данных",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Применить новые миграции",
	RunE: func(_ *cobra.Command, _ []string) error {
		if cfg.DB.DatabaseURI == "" {
			return errNoDatabase
		}
		if err := migration.NewMigration(&cfg.DB, nil).Up(); err != nil {
			return err
		}
		fmt.Println("Миграции применены")
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Откатить все миграции",
	RunE: func(_ *cobra.Command, _ []string) error {
		if cfg.DB.DatabaseURI == "" {
			return errNoDatabase
		}
		if err := migration.NewMigration(&cfg.DB, nil).Down(); err != nil {
			return err
		}
		fmt.Println("Миграции откачены")
		return nil
	},
}
