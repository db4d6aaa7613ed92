package download

import (
	"log/slog"
	"time"
)

const (
	defaultConcurrency     = 4
	defaultMaxAttempts     = 5
	defaultInitialInterval = 500 * time.Millisecond
	defaultMaxInterval     = 30 * time.Second
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. By default nothing is logged.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithConcurrency sets how many transfers run at once. This budget is
// independent of CPU and disk work.
func WithConcurrency(n int) Option {
	return func(m *Manager) {
		m.concurrency = n
	}
}

// WithMaxAttempts sets how many times a transfer is attempted before a
// transient failure is reported.
func WithMaxAttempts(n uint) Option {
	return func(m *Manager) {
		m.maxAttempts = n
	}
}

// WithBackoff sets the retry delays: the first delay and the cap.
func WithBackoff(initial, maxInterval time.Duration) Option {
	return func(m *Manager) {
		m.initialInterval = initial
		m.maxInterval = maxInterval
	}
}
