package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"possync/internal/app/client"

	"github.com/spf13/cobra"
)

var (
	syncForce bool
	syncWatch bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Синхронизировать с сервером",
	Long: `Отправляет накопленные операции и забирает изменения других касс.

С флагом --watch клиент остается запущенным: следит за сетью
и синхронизируется по таймеру, пока не получит SIGINT или SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if syncWatch {
			return watch(cmd.Context())
		}

		result, err := app.Sync(cmd.Context(), syncForce)
		if errors.Is(err, client.ErrOffline) {
			return fmt.Errorf("сервер недоступен, операции останутся в очереди до появления сети")
		}
		if errors.Is(err, client.ErrUnauthorized) {
			return fmt.Errorf("сервер отклонил токен: сохраните новый командой possync token")
		}
		if err != nil {
			return fmt.Errorf("ошибка синхронизации: %w", err)
		}

		return render(result, func(w io.Writer) {
			fmt.Fprintln(w, "✓ Синхронизация завершена")
			fmt.Fprintf(w, "Пакетов:\t%d\n", result.Batches)
			fmt.Fprintf(w, "Отправлено:\t%d\n", result.Pushed)
			fmt.Fprintf(w, "Принято сервером:\t%d\n", result.Synced)
			fmt.Fprintf(w, "Конфликтов:\t%d\n", result.Conflicts)
			if result.AutoResolved > 0 {
				fmt.Fprintf(w, "Разрешено автоматически:\t%d\n", result.AutoResolved)
			}
			fmt.Fprintf(w, "Отложено на повтор:\t%d\n", result.Failed)
			fmt.Fprintf(w, "Отклонено:\t%d\n", result.Rejected)
			fmt.Fprintf(w, "Получено изменений:\t%d\n", result.Pulled)
			fmt.Fprintf(w, "Удалено:\t%d\n", result.Deleted)
			fmt.Fprintf(w, "Длительность:\t%s\n", result.Duration.Round(time.Millisecond))
		})
	},
}

func watch(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	unsubscribe := app.Orchestrator().Subscribe(func(e client.Event) {
		switch {
		case e.LastError != nil:
			fmt.Printf("[%s] %s: %v\n", time.Now().Format(time.TimeOnly), e.State, e.LastError)
		case e.Result != nil:
			fmt.Printf("[%s] %s (%s): отправлено %d, конфликтов %d, получено %d, в очереди %d\n",
				time.Now().Format(time.TimeOnly), e.State, e.Reason,
				e.Result.Pushed, e.Result.Conflicts, e.Result.Pulled, e.Counts.Unfinished())
		}
	})
	defer unsubscribe()

	fmt.Printf("Устройство %s, сервер %s. Ctrl+C для выхода\n", app.DeviceID(), cfg.ServerAddress)
	return app.Run(ctx)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Состояние очереди и синхронизации",
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := app.Status(cmd.Context())
		if err != nil {
			return fmt.Errorf("ошибка получения статуса: %w", err)
		}

		return render(report, func(w io.Writer) {
			network := "нет сети"
			if report.Online {
				network = "в сети"
			}
			fmt.Fprintf(w, "Устройство:\t%s\n", report.DeviceID)
			fmt.Fprintf(w, "Сеть:\t%s\n", network)
			fmt.Fprintf(w, "Состояние:\t%s\n", report.State)
			fmt.Fprintf(w, "Курсор:\t%s\n", formatTimePtr(report.Cursor))
			fmt.Fprintf(w, "Очередь:\tожидают %d, в отправке %d, отправлено %d, конфликтов %d, ошибок %d\n",
				report.Queue.Pending, report.Queue.InFlight, report.Queue.Synced,
				report.Queue.Conflict, report.Queue.Failed)
			if report.Server != nil {
				fmt.Fprintf(w, "Время сервера:\t%s\n", formatTime(report.Server.ServerTime))
				fmt.Fprintf(w, "Последняя синхронизация:\t%s\n", formatTimePtr(report.Server.LastSyncTime))
				fmt.Fprintf(w, "Открытых конфликтов:\t%d\n", report.Server.PendingConflicts)
			}
		})
	},
}

func init() {
	syncCmd.Flags().BoolVarP(&syncForce, "force", "f", false, "принудительная синхронизация с уведомлением сервера")
	syncCmd.Flags().BoolVarP(&syncWatch, "watch", "w", false, "синхронизироваться в фоне до остановки")
	syncCmd.MarkFlagsMutuallyExclusive("force", "watch")
}
