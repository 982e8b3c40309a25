package cmd

import (
	"fmt"
	"time"

	"possync/internal/domain/session"

	"github.com/spf13/cobra"
)

var tokenTTL time.Duration

// tokenCmd выпускает токен доступа подписью сервера; для разработки и стендов
var tokenCmd = &cobra.Command{
	Use:   "token <user_id>",
	Short: "Выпустить токен доступа для пользователя",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessions := session.NewService(cfg.Auth.JWTSecret, tokenTTL, log)
		token, err := sessions.Create(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", session.DefaultTTL, "время жизни токена")
}
