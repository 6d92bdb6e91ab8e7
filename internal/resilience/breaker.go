package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrBreakerOpen is returned when a call is rejected because the breaker is
// open.
var ErrBreakerOpen = eris.New("circuit breaker is open")

// Breaker rejects calls to a provider after consecutive transient failures
// and lets a single probe through once the cooldown has passed.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a Breaker. A threshold <= 0 disables it.
func NewBreaker(name string, threshold int, cooldown time.Duration) *Breaker {
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{name: name, threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Open reports whether calls are currently rejected.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isOpenLocked()
}

func (b *Breaker) isOpenLocked() bool {
	return b.threshold > 0 && b.failures >= b.threshold &&
		(b.probing || b.now().Sub(b.openedAt) < b.cooldown)
}

// Call runs fn unless the breaker is open. Only transient errors count
// toward the threshold.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if b == nil || b.threshold <= 0 {
		return fn(ctx)
	}

	b.mu.Lock()
	if b.isOpenLocked() {
		b.mu.Unlock()
		zap.L().Debug("resilience: breaker rejected call", zap.String("service", b.name))
		return ErrBreakerOpen
	}
	if b.failures >= b.threshold {
		b.probing = true
	}
	b.mu.Unlock()

	err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	switch {
	case err == nil:
		b.failures = 0
	case IsTransient(err):
		b.failures++
		if b.failures >= b.threshold {
			b.openedAt = b.now()
			zap.L().Warn("resilience: breaker open",
				zap.String("service", b.name),
				zap.Int("failures", b.failures),
			)
		}
	}
	return err
}

// CallVal is Call for functions that return a value.
func CallVal[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var val T
	err := b.Call(ctx, func(ctx context.Context) error {
		var err error
		val, err = fn(ctx)
		return err
	})
	return val, err
}
