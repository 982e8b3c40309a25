package health

import (
	"context"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"golang.org/x/exp/slog"
)

const pingTimeout = 2 * time.Second

// Pinger проверяет, что зависимости сервера доступны
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	pinger     Pinger
	log        *slog.Logger
	middleware huma.Middlewares
	now        func() time.Time
}

func NewHandler(pinger Pinger, log *slog.Logger, middleware huma.Middlewares) *Handler {
	return &Handler{
		pinger:     pinger,
		log:        log.With("component", "health_handler"),
		middleware: middleware,
		now:        time.Now,
	}
}

func (h *Handler) SetupRoutes(api huma.API) {
	huma.Register(api, h.healthCheckOp(), h.healthCheck)
}

// healthCheck отвечает 503, если хранилище недоступно: касса в этом случае считает себя офлайн
func (h *Handler) healthCheck(ctx context.Context, _ *Input) (*Output, error) {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := h.pinger.Ping(ctx); err != nil {
		h.log.Warn("health check failed", "error", err)
		return nil, huma.Error503ServiceUnavailable("storage is unavailable")
	}

	return &Output{
		Body: Response{
			Status:     "OK",
			ServerTime: h.now().UTC(),
		},
	}, nil
}
