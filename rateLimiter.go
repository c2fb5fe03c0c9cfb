package susanoo

import (
	"sync"
	"time"
)

// RateLimiter is the outbound message budget: a rolling sixty second window
// that admits 115 queued messages, with four more slots reserved for
// lifecycle traffic (heartbeat, identify, resume). The gateway disconnects
// at 120, so the priority tier never reaches it.
type RateLimiter interface {
	// TrySend consumes one slot when the window has room. It never blocks;
	// callers park until ResetTime on denial.
	TrySend(priority bool) bool
	Reset()
	ResetTime() time.Time
}

func NewRateLimiter(opts ...RateLimiterConfigOpt) RateLimiter {
	config := DefaultRateLimiterConfig()
	config.Apply(opts)

	return &rateLimiterImpl{
		config: *config,
	}
}

type rateLimiterImpl struct {
	mu sync.Mutex

	windowEnd time.Time
	sent      int
	warned    bool

	config RateLimiterConfig
}

func (l *rateLimiterImpl) TrySend(priority bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if !now.Before(l.windowEnd) {
		l.sent = 0
		l.windowEnd = now.Add(l.config.Window)
		l.warned = false
	}

	limit := l.config.Messages
	if priority {
		limit = l.config.PriorityMessages
	}

	if l.sent < limit {
		l.sent++
		return true
	}

	// One warning per window, no matter how many sends bounce off it.
	if !l.warned {
		l.warned = true
		if l.config.OnDenied != nil {
			l.config.OnDenied()
		}
	}
	return false
}

func (l *rateLimiterImpl) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sent = 0
	l.windowEnd = time.Now().Add(l.config.Window)
	l.warned = false
}

func (l *rateLimiterImpl) ResetTime() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.windowEnd
}

func DefaultRateLimiterConfig() *RateLimiterConfig {
	return &RateLimiterConfig{
		Window:           time.Minute,
		Messages:         115,
		PriorityMessages: 119,
	}
}

type RateLimiterConfig struct {
	Window           time.Duration
	Messages         int
	PriorityMessages int

	// OnDenied fires once per window, on the first denied send.
	OnDenied func()
}

type RateLimiterConfigOpt func(config *RateLimiterConfig)

func (c *RateLimiterConfig) Apply(opts []RateLimiterConfigOpt) {
	for _, opt := range opts {
		opt(c)
	}
}

func WithWindow(window time.Duration) RateLimiterConfigOpt {
	return func(config *RateLimiterConfig) {
		config.Window = window
	}
}

func WithDeniedFunc(onDenied func()) RateLimiterConfigOpt {
	return func(config *RateLimiterConfig) {
		config.OnDenied = onDenied
	}
}
