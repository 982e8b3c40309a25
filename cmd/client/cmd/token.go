package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var tokenCmd = &cobra.Command{
	Use:   "token [token]",
	Short: "Сохранить токен доступа к серверу",
	Long: `Сохраняет bearer-токен, выданный сервером, в каталог конфигурации.
Если токен не передан аргументом, он запрашивается без отображения на экране.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var token string
		if len(args) == 1 {
			token = args[0]
		} else {
			fmt.Print("Токен: ")
			raw, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Println()
			if err != nil {
				return fmt.Errorf("ошибка чтения токена: %w", err)
			}
			token = string(raw)
		}

		token = strings.TrimSpace(token)
		if token == "" {
			return fmt.Errorf("токен не может быть пустым")
		}

		if err := app.SaveToken(token); err != nil {
			return fmt.Errorf("ошибка сохранения токена: %w", err)
		}
		fmt.Println("✓ Токен сохранен")
		return nil
	},
}
