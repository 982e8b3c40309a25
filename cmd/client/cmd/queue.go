package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"possync/internal/app/client/queue"

	"github.com/spf13/cobra"
)

var (
	queueStatus string
	queueType   string
	queueLimit  int
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Очередь операций на отправку",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "Операции в очереди",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := queue.Filter{
			Status: queue.Status(strings.ToUpper(queueStatus)),
			Limit:  queueLimit,
		}
		if queueType != "" {
			entityType, err := parseEntityType(queueType)
			if err != nil {
				return err
			}
			filter.EntityType = entityType
		}

		ops, err := app.Operations(cmd.Context(), filter)
		if err != nil {
			return fmt.Errorf("ошибка чтения очереди: %w", err)
		}

		return render(ops, func(w io.Writer) {
			if len(ops) == 0 {
				fmt.Fprintln(w, "Очередь пуста")
				return
			}
			fmt.Fprintf(w, "Local ID\tОперация\tТип\tEntity ID\tСтатус\tПопыток\tСледующая\tОшибка\t\n")
			for _, op := range ops {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\t\n",
					op.LocalID,
					op.Kind,
					op.EntityType,
					orDash(op.EntityID),
					op.Status,
					op.RetryCount, op.MaxRetries,
					formatTime(op.ScheduledAt),
					truncate(orDash(op.ErrorMessage), 40),
				)
			}
			fmt.Fprintf(w, "\nВсего операций: %d\n", len(ops))
		})
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <local_id>",
	Short: "Вернуть операцию с ошибкой в очередь",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := app.Retry(cmd.Context(), args[0]); err != nil {
			if errors.Is(err, queue.ErrNotFound) {
				return fmt.Errorf("операция не найдена")
			}
			if errors.Is(err, queue.ErrInvalidTransition) {
				return fmt.Errorf("повторить можно только операцию в статусе FAILED")
			}
			return fmt.Errorf("ошибка возврата операции: %w", err)
		}
		fmt.Println("✓ Операция возвращена в очередь")
		return nil
	},
}

func init() {
	queueListCmd.Flags().StringVarP(&queueStatus, "status", "s", "", "статус: PENDING, IN_FLIGHT, SYNCED, CONFLICT, FAILED")
	queueListCmd.Flags().StringVarP(&queueType, "type", "t", "", "тип записей")
	queueListCmd.Flags().IntVarP(&queueLimit, "limit", "l", 50, "максимум операций")
}
