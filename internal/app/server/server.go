package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"possync/internal/app/server/api"
	"possync/internal/app/server/config"
	"possync/internal/domain/session"
	"possync/internal/domain/sync"
	"possync/internal/infrastructure/notify"
	"possync/internal/infrastructure/storage/memory"
	"possync/internal/infrastructure/storage/postgres"

	"golang.org/x/exp/slog"
)

const shutdownTimeout = 10 * time.Second

// Server собранный сервер синхронизации со всеми зависимостями
type Server struct {
	cfg      *config.Config
	log      *slog.Logger
	http     *http.Server
	Sessions *session.Service
	Sync     *sync.Service
	closers  []func() error
}

// New собирает хранилище, нотификатор, сервисы и HTTP-роутер.
// Пустой DATABASE_URI включает хранилище в памяти
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Server, error) {
	s := &Server{
		cfg: cfg,
		log: log.With("component", "server"),
	}

	var repo sync.Repository
	if cfg.DB.DatabaseURI == "" {
		s.log.Warn("DATABASE_URI is empty, using in-memory storage")
		repo = memory.NewSyncRepository(log)
	} else {
		storage, err := postgres.New(ctx, &cfg.DB)
		if err != nil {
			return nil, fmt.Errorf("init storage: %w", err)
		}
		s.closers = append(s.closers, storage.Close)
		repo = postgres.NewSyncRepository(storage.Pool(), log)
	}

	var notifier sync.Notifier = sync.NopNotifier{}
	if cfg.NATS.URL != "" {
		nn, err := notify.Connect(cfg.NATS.URL, log)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("init notifier: %w", err)
		}
		s.closers = append(s.closers, func() error {
			nn.Close()
			return nil
		})
		notifier = nn
	}

	s.Sessions = session.NewService(cfg.Auth.JWTSecret, session.DefaultTTL, log)
	s.Sync = sync.NewService(repo, notifier, log, &sync.ServiceConfig{
		MaxBatchSize:   cfg.Sync.MaxBatchSize,
		ConflictPolicy: sync.ConflictPolicy(cfg.Sync.ConflictPolicy),
		DeltaOverlap:   cfg.Sync.DeltaOverlap,
	})

	s.http = &http.Server{
		Addr:              cfg.Server.RunAddress,
		Handler:           api.New(s.Sync, s.Sessions, cfg.Server.BatchTimeout, log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Run обслуживает запросы до отмены ctx, затем плавно останавливается
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting server", "address", s.cfg.Server.RunAddress, "env", s.cfg.Env)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	s.log.Info("server stopped")
	return nil
}

// Close освобождает соединения с БД и NATS
func (s *Server) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
