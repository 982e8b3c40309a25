package logger

import (
	"time"

	"possync/internal/ctxkeys"

	"github.com/danielgtaylor/huma/v2"
	"golang.org/x/exp/slog"
)

// Logger middleware для логирования входящих HTTP запросов
type Logger struct {
	log *slog.Logger
}

// New создает новый экземпляр Logger middleware
func New(log *slog.Logger) *Logger {
	return &Logger{
		log: log.With(slog.String("component", "http_logger")),
	}
}

// Middleware логирует запрос после обработки.
// Ставится после auth, чтобы видеть пользователя и устройство
func (l *Logger) Middleware() func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		start := time.Now()

		method := ctx.Method()
		path := ctx.URL().Path
		remoteAddr := ctx.RemoteAddr()

		next(ctx)

		attrs := []any{
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", ctx.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("remote_addr", remoteAddr),
		}
		if userID, ok := ctxkeys.UserID(ctx.Context()); ok {
			attrs = append(attrs, slog.String("user_id", userID))
		}
		if deviceID, ok := ctxkeys.DeviceID(ctx.Context()); ok {
			attrs = append(attrs, slog.String("device_id", deviceID))
		}

		l.log.Info("HTTP request", attrs...)
	}
}
