package logger

import (
	"io"
	"os"

	"golang.org/x/exp/slog"
)

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

// New создает логгер под окружение: local - цветной вывод в терминал,
// dev - JSON с уровнем debug, prod - JSON с уровнем info
func New(env string) *slog.Logger {
	switch env {
	case envLocal:
		return setupPrettySlog()
	case envDev:
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	default:
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
}

// NewWriter пишет JSON-лог в w, уровень выбирается по окружению.
// Клиент передает сюда ротируемый файл
func NewWriter(env string, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if env == envLocal || env == envDev {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

func setupPrettySlog() *slog.Logger {
	opts := PrettyHandlerOptions{
		SlogOpts: &slog.HandlerOptions{
			Level: slog.LevelDebug,
		},
	}

	return slog.New(opts.NewPrettyHandler(os.Stdout))
}
