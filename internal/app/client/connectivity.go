package client

import (
	"context"
	gosync "sync"
	"time"

	"golang.org/x/exp/slog"
)

// Connectivity сигнал наличия сети
type Connectivity interface {
	IsOnline() bool
	// OnChange подписывает на смену состояния; возвращает функцию отписки
	OnChange(fn func(online bool)) func()
}

// Prober проверка доступности сервера
type Prober interface {
	Health(ctx context.Context) error
}

// ProbeConnectivity считает клиента онлайн, пока сервер отвечает на /health
type ProbeConnectivity struct {
	prober   Prober
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger

	mu     gosync.RWMutex
	online bool
	subs   map[int]func(bool)
	nextID int
}

func NewProbeConnectivity(prober Prober, interval time.Duration, log *slog.Logger) *ProbeConnectivity {
	timeout := 5 * time.Second
	if interval > 0 && interval < timeout {
		timeout = interval
	}

	return &ProbeConnectivity{
		prober:   prober,
		interval: interval,
		timeout:  timeout,
		log:      log.With("component", "connectivity"),
		subs:     make(map[int]func(bool)),
	}
}

func (c *ProbeConnectivity) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

func (c *ProbeConnectivity) OnChange(fn func(online bool)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	c.subs[id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

// SetOnline меняет состояние и уведомляет подписчиков, если оно изменилось
func (c *ProbeConnectivity) SetOnline(online bool) {
	c.mu.Lock()
	if c.online == online {
		c.mu.Unlock()
		return
	}
	c.online = online
	subs := make([]func(bool), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	c.log.Info("Состояние соединения изменилось", "online", online)
	for _, fn := range subs {
		fn(online)
	}
}

// Probe один раз опрашивает сервер и обновляет состояние
func (c *ProbeConnectivity) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.prober.Health(ctx)
	if err != nil {
		c.log.Debug("Сервер недоступен", "error", err)
	}
	c.SetOnline(err == nil)
	return err == nil
}

// Run опрашивает сервер с заданным интервалом до отмены контекста
func (c *ProbeConnectivity) Run(ctx context.Context) {
	c.Probe(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Probe(ctx)
		}
	}
}
