package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"possync/internal/app/client"
	"possync/internal/domain/sync"

	"github.com/spf13/cobra"
)

var (
	conflictsType     string
	conflictsEntityID string
	conflictsAll      bool
	conflictsLimit    int
	resolveStrategy   string
	resolveData       string
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Конфликты одновременных изменений",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Список конфликтов",
	RunE: func(cmd *cobra.Command, args []string) error {
		query := client.ConflictQuery{
			EntityID:        conflictsEntityID,
			IncludeResolved: conflictsAll,
			Limit:           conflictsLimit,
		}
		if conflictsType != "" {
			entityType, err := parseEntityType(conflictsType)
			if err != nil {
				return err
			}
			query.EntityType = entityType
		}

		conflicts, err := app.Conflicts(cmd.Context(), query)
		if err != nil {
			return fmt.Errorf("ошибка получения конфликтов: %w", err)
		}

		return render(conflicts, func(w io.Writer) {
			if len(conflicts) == 0 {
				fmt.Fprintln(w, "Конфликтов нет")
				return
			}
			fmt.Fprintf(w, "ID\tТип\tЗапись\tУстройство\tОбнаружен\tРазрешен\t\n")
			for _, c := range conflicts {
				resolution := "-"
				if c.ResolutionStrategy != nil {
					resolution = string(*c.ResolutionStrategy)
				}
				fmt.Fprintf(w, "%s\t%s\t%s %s\t%s\t%s\t%s\t\n",
					c.ID,
					c.Type,
					c.EntityType, c.EntityID,
					c.DeviceID,
					formatTime(c.DetectedAt),
					resolution,
				)
			}
			fmt.Fprintf(w, "\nВсего конфликтов: %d\n", len(conflicts))
		})
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <conflict_id>",
	Short: "Разрешить конфликт",
	Long: `Стратегии:
  SERVER_WINS  оставить версию сервера
  CLIENT_WINS  применить версию кассы, с которой пришел конфликт
  MANUAL       записать данные из --data`,
	Example: `  possync conflicts resolve 9b1e... --strategy SERVER_WINS
  possync conflicts resolve 9b1e... --strategy MANUAL --data '{"name":"Молоко","price_cents":9500}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		strategy := sync.ResolutionStrategy(strings.ToUpper(resolveStrategy))
		if !strategy.Valid() {
			return fmt.Errorf("неизвестная стратегия %q", resolveStrategy)
		}

		var merged json.RawMessage
		if strategy == sync.ResolutionManual {
			if resolveData == "" {
				return fmt.Errorf("для MANUAL нужны данные: используйте --data")
			}
			var fields map[string]json.RawMessage
			if err := json.Unmarshal([]byte(resolveData), &fields); err != nil {
				return fmt.Errorf("данные должны быть JSON-объектом: %w", err)
			}
			merged = json.RawMessage(resolveData)
		}

		resp, err := app.ResolveConflict(cmd.Context(), args[0], strategy, merged)
		if err != nil {
			return fmt.Errorf("ошибка разрешения конфликта: %w", err)
		}

		return render(resp, func(w io.Writer) {
			fmt.Fprintf(w, "✓ Конфликт %s разрешен (%s)\n", args[0], strategy)
			if resp.Conflict != nil && len(resp.Conflict.ResolvedData) > 0 {
				fmt.Fprintf(w, "Итоговые данные:\t%s\n", string(resp.Conflict.ResolvedData))
			}
		})
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Кассы пользователя",
	RunE: func(cmd *cobra.Command, args []string) error {
		devices, err := app.Devices(cmd.Context())
		if err != nil {
			return fmt.Errorf("ошибка получения устройств: %w", err)
		}

		return render(devices, func(w io.Writer) {
			fmt.Fprintf(w, "ID\tПоследняя синхронизация\tПринудительная\tЗарегистрирована\t\n")
			for _, d := range devices {
				current := ""
				if d.ID == app.DeviceID() {
					current = " *"
				}
				fmt.Fprintf(w, "%s%s\t%s\t%s\t%s\t\n",
					d.ID, current,
					formatTime(d.LastSyncTime),
					formatTime(d.LastForceTime),
					formatTime(d.CreatedAt),
				)
			}
		})
	},
}

func init() {
	conflictsListCmd.Flags().StringVarP(&conflictsType, "type", "t", "", "тип записей")
	conflictsListCmd.Flags().StringVar(&conflictsEntityID, "entity-id", "", "id записи")
	conflictsListCmd.Flags().BoolVarP(&conflictsAll, "all", "a", false, "включая разрешенные")
	conflictsListCmd.Flags().IntVarP(&conflictsLimit, "limit", "l", 50, "максимум конфликтов")

	conflictsResolveCmd.Flags().StringVarP(&resolveStrategy, "strategy", "s", string(sync.ResolutionServerWins), "SERVER_WINS, CLIENT_WINS или MANUAL")
	conflictsResolveCmd.Flags().StringVarP(&resolveData, "data", "d", "", "итоговые данные для MANUAL")
}
