package client

import (
	"context"
	"errors"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/exp/slog"
)

type fakeProber struct {
	mu  gosync.Mutex
	err error
}

func (p *fakeProber) Health(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *fakeProber) set(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func TestProbeConnectivity_NotifiesOnChange(t *testing.T) {
	prober := &fakeProber{}
	conn := NewProbeConnectivity(prober, time.Second, slog.Default())
	assert.False(t, conn.IsOnline(), "offline until the first probe")

	var events []bool
	unsubscribe := conn.OnChange(func(online bool) { events = append(events, online) })

	assert.True(t, conn.Probe(context.Background()))
	assert.True(t, conn.Probe(context.Background()), "same state is not reported twice")

	prober.set(errors.New("connection refused"))
	assert.False(t, conn.Probe(context.Background()))
	assert.False(t, conn.IsOnline())

	unsubscribe()
	conn.SetOnline(true)

	assert.Equal(t, []bool{true, false}, events)
}

func TestProbeConnectivity_RunStopsWithContext(t *testing.T) {
	conn := NewProbeConnectivity(&fakeProber{}, 10*time.Millisecond, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		conn.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, conn.IsOnline, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
