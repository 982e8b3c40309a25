//синхронизация офлайн-операций кассы с сервером;
//выдача изменений с момента последней синхронизации;
//хранение и ручное разрешение конфликтов.

//GET  /health                                  # Проверка готовности (публичный)
//POST /sync/batch                              # Пакет операций (auth)
//GET  /sync/delta?since=                       # Изменения с курсора (auth)
//GET  /sync/status                             # Состояние синхронизации (auth)
//POST /sync/force                              # Принудительная синхронизация (auth)
//GET  /sync/conflicts                          # Конфликты пользователя (auth)
//POST /sync/conflicts/{conflict_id}/resolve    # Разрешение конфликта (auth)
//GET  /sync/devices                            # Устройства пользователя (auth)

package api

import (
	"time"

	healthAPI "possync/internal/app/server/api/http/health"
	"possync/internal/app/server/api/http/middleware"
	"possync/internal/app/server/api/http/middleware/auth"
	"possync/internal/app/server/api/http/middleware/logger"
	syncAPI "possync/internal/app/server/api/http/sync"
	"possync/internal/domain/session"
	"possync/internal/domain/sync"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/exp/slog"
)

type Handlers struct {
	Health *healthAPI.Handler
	Sync   *syncAPI.Handler
}

// New создает *chi.Mux со всеми операциями через huma.Register.
// timeout ограничивает время обработки одного запроса, включая пакет
func New(syncService sync.Servicer, sessionService session.Servicer, timeout time.Duration, log *slog.Logger) *chi.Mux {
	mux := chi.NewMux()
	mux.Use(chimw.Recoverer)
	if timeout > 0 {
		mux.Use(chimw.Timeout(timeout))
	}

	config := huma.DefaultConfig("possync API", "1.0.0")
	config.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"bearer": {Type: "http", Scheme: "bearer", BearerFormat: "JWT"},
	}

	API := humachi.New(mux, config)

	h := handlers(syncService, sessionService, log)
	h.Health.SetupRoutes(API)
	h.Sync.SetupRoutes(API)

	return mux
}

func handlers(syncService sync.Servicer, sessionService session.Servicer, log *slog.Logger) *Handlers {
	authMW := auth.New(sessionService, log)
	loggerMW := logger.New(log)
	middlewares := middleware.NewContainer()

	middlewares.Add(loggerMW.Middleware())
	healthHandler := healthAPI.NewHandler(syncService, log, middlewares.GetAllAndClear())

	middlewares.Add(authMW.Middleware())
	middlewares.Add(loggerMW.Middleware())
	syncHandler := syncAPI.NewHandler(syncService, log, middlewares.GetAllAndClear())

	return &Handlers{
		Health: healthHandler,
		Sync:   syncHandler,
	}
}
