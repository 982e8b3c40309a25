package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"possync/internal/app/client"
	"possync/internal/app/client/queue"
	"possync/internal/domain/sync"

	"github.com/spf13/cobra"
)

var (
	recordData string
	recordType string
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Управление локальными записями",
	Long: `Создание, изменение и удаление товаров, продаж и движений склада.
Изменения сохраняются локально и ставятся в очередь на отправку.`,
}

var recordCreateCmd = &cobra.Command{
	Use:   "create <PRODUCT|SALE|STOCK_MOVEMENT>",
	Short: "Создать запись",
	Example: `  possync record create PRODUCT --data '{"name":"Молоко","price_cents":8900}'
  cat sale.json | possync record create SALE --data -`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entityType, err := parseEntityType(args[0])
		if err != nil {
			return err
		}
		data, err := readData(cmd.InOrStdin())
		if err != nil {
			return err
		}

		op, err := app.CreateRecord(cmd.Context(), entityType, data)
		if err != nil {
			return describeRecordError(err)
		}
		return printQueued(op, "Запись создана")
	},
}

var recordUpdateCmd = &cobra.Command{
	Use:     "update <id>",
	Short:   "Изменить запись",
	Long:    `Поля из --data накладываются на текущие данные записи.`,
	Example: `  possync record update 5f0c... --data '{"price_cents":9900}'`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readData(cmd.InOrStdin())
		if err != nil {
			return err
		}

		op, err := app.UpdateRecord(cmd.Context(), args[0], data)
		if err != nil {
			return describeRecordError(err)
		}
		return printQueued(op, "Запись изменена")
	},
}

var recordDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Удалить запись",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		op, err := app.DeleteRecord(cmd.Context(), args[0])
		if err != nil {
			return describeRecordError(err)
		}
		return printQueued(op, "Запись удалена")
	},
}

var recordGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Показать запись",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entity, err := app.Record(cmd.Context(), args[0])
		if err != nil {
			return describeRecordError(err)
		}

		return render(entity, func(w io.Writer) {
			fmt.Fprintf(w, "ID:\t%s\n", entity.ID)
			fmt.Fprintf(w, "Тип:\t%s\n", entity.Type)
			fmt.Fprintf(w, "Синхронизирована:\t%s\n", formatTimePtr(entity.ServerUpdatedAt))
			fmt.Fprintf(w, "Изменена:\t%s\n", formatTime(entity.ModifiedAt))
			fmt.Fprintf(w, "Данные:\t%s\n", string(entity.Data))
		})
	},
}

var recordListCmd = &cobra.Command{
	Use:   "list",
	Short: "Список записей",
	RunE: func(cmd *cobra.Command, args []string) error {
		var entityType sync.EntityType
		if recordType != "" {
			var err error
			if entityType, err = parseEntityType(recordType); err != nil {
				return err
			}
		}

		records, err := app.Records(cmd.Context(), entityType)
		if err != nil {
			return fmt.Errorf("ошибка получения списка записей: %w", err)
		}

		return render(records, func(w io.Writer) {
			if len(records) == 0 {
				fmt.Fprintln(w, "Записи не найдены")
				return
			}
			fmt.Fprintf(w, "ID\tТип\tСинхронизирована\tИзменена\tДанные\t\n")
			for _, rec := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t\n",
					rec.ID,
					rec.Type,
					formatTimePtr(rec.ServerUpdatedAt),
					formatTime(rec.ModifiedAt),
					truncate(string(rec.Data), 60),
				)
			}
			fmt.Fprintf(w, "\nВсего записей: %d\n", len(records))
		})
	},
}

func parseEntityType(s string) (sync.EntityType, error) {
	t := sync.EntityType(strings.ToUpper(s))
	if !t.Valid() {
		return "", fmt.Errorf("неизвестный тип записи %q: ожидается PRODUCT, SALE или STOCK_MOVEMENT", s)
	}
	return t, nil
}

// readData берет JSON из --data; "-" читает его из stdin
func readData(stdin io.Reader) (json.RawMessage, error) {
	raw := []byte(recordData)
	if recordData == "-" {
		var err error
		if raw, err = io.ReadAll(stdin); err != nil {
			return nil, fmt.Errorf("ошибка чтения данных: %w", err)
		}
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, fmt.Errorf("данные записи не заданы: используйте --data")
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("данные записи должны быть корректным JSON")
	}
	return raw, nil
}

func describeRecordError(err error) error {
	switch {
	case errors.Is(err, client.ErrRecordNotFound):
		return fmt.Errorf("запись не найдена")
	case errors.Is(err, queue.ErrDependencyFailed):
		return fmt.Errorf("запись не была создана на сервере: повторите ее создание через possync queue retry")
	case errors.Is(err, queue.ErrInvalidOperation):
		return fmt.Errorf("некорректные данные: %w", err)
	default:
		return err
	}
}

func printQueued(op *queue.Operation, message string) error {
	return render(op, func(w io.Writer) {
		fmt.Fprintf(w, "✓ %s\n", message)
		fmt.Fprintf(w, "Операция:\t%s %s\n", op.Kind, op.EntityType)
		fmt.Fprintf(w, "Local ID:\t%s\n", op.LocalID)
		if op.EntityID != "" {
			fmt.Fprintf(w, "Entity ID:\t%s\n", op.EntityID)
		}
		fmt.Fprintf(w, "Статус:\t%s\n", op.Status)
	})
}

func init() {
	for _, c := range []*cobra.Command{recordCreateCmd, recordUpdateCmd} {
		c.Flags().StringVarP(&recordData, "data", "d", "", "JSON с данными записи, - для чтения из stdin")
		_ = c.MarkFlagRequired("data")
	}
	recordListCmd.Flags().StringVarP(&recordType, "type", "t", "", "тип записей")
}
