package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	"possync/internal/ctxkeys"
	"possync/internal/domain/session"

	"github.com/danielgtaylor/huma/v2"
	"golang.org/x/exp/slog"
)

// HeaderDeviceID заголовок с идентификатором устройства клиента
const HeaderDeviceID = "X-Device-ID"

type Auth struct {
	session session.Servicer
	log     *slog.Logger
}

func New(session session.Servicer, log *slog.Logger) *Auth {
	return &Auth{
		session: session,
		log:     log.With("component", "auth_middleware"),
	}
}

// Middleware проверяет Bearer-токен и кладет user_id и device_id в контекст запроса
func (a *Auth) Middleware() func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		header := ctx.Header("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			a.log.Warn("missing bearer token", "path", ctx.URL().Path)
			a.unauthorized(ctx)
			return
		}

		userID, err := a.session.Validate(ctx.Context(), token)
		if err != nil {
			a.log.Warn("token validation failed", "path", ctx.URL().Path, "error", err)
			a.unauthorized(ctx)
			return
		}

		newCtx := ctxkeys.WithUserID(ctx.Context(), userID)
		if deviceID := ctx.Header(HeaderDeviceID); deviceID != "" {
			newCtx = ctxkeys.WithDeviceID(newCtx, deviceID)
		}

		next(huma.WithContext(ctx, newCtx))
	}
}

func (a *Auth) unauthorized(ctx huma.Context) {
	ctx.SetHeader("Content-Type", "application/json")
	ctx.SetStatus(http.StatusUnauthorized)

	err := json.NewEncoder(ctx.BodyWriter()).Encode(map[string]string{
		"status": "Error",
		"error":  "Unauthorized",
	})
	if err != nil {
		a.log.Error("failed to encode unauthorized response", "error", err)
	}
}
