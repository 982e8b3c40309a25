package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Sequence(t *testing.T) {
	want := []time.Duration{5, 10, 20, 40, 80, 160, 300, 300, 300, 300}

	for i, seconds := range want {
		n := i + 1
		assert.Equal(t, seconds*time.Second, Backoff(n, DefaultBackoffBase, DefaultBackoffMax), "retry %d", n)
		assert.Equal(t, min(5000*(int64(1)<<(n-1)), 300000), Backoff(n, DefaultBackoffBase, DefaultBackoffMax).Milliseconds())
	}
}

func TestBackoff_Bounds(t *testing.T) {
	tests := []struct {
		name  string
		retry int
		want  time.Duration
	}{
		{name: "zero treated as first retry", retry: 0, want: 5 * time.Second},
		{name: "negative treated as first retry", retry: -3, want: 5 * time.Second},
		{name: "large retry count does not overflow", retry: 500, want: 300 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Backoff(tt.retry, DefaultBackoffBase, DefaultBackoffMax))
		})
	}
}
