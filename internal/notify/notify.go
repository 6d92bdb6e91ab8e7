// Package notify emits change events whenever a pipeline record changes.
// Delivery is best effort: a failed publish is logged by the caller and
// never fails the write that triggered it.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-pipeline/internal/db"
	"github.com/sells-group/listing-pipeline/internal/model"
)

// DefaultChannel is the Postgres NOTIFY channel.
const DefaultChannel = "listing_changes"

const defaultSubscriberCapacity = 64

// Change describes one record change.
type Change struct {
	Table     string      `json:"table"`
	ProductID string      `json:"productId"`
	Stage     model.Stage `json:"stage,omitempty"`
	Action    string      `json:"action"`
	At        time.Time   `json:"at"`
}

// Notifier publishes changes.
type Notifier interface {
	Publish(ctx context.Context, c Change) error
}

// Nop discards every change.
type Nop struct{}

// Publish implements Notifier.
func (Nop) Publish(context.Context, Change) error { return nil }

// Multi fans a change out to several notifiers and joins their errors.
type Multi []Notifier

// Publish implements Notifier.
func (m Multi) Publish(ctx context.Context, c Change) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Publish(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Broker delivers changes to in-process subscribers keyed by product. Slow
// subscribers lose their oldest buffered change.
type Broker struct {
	mu       sync.RWMutex
	subs     map[string]map[*subscriber]struct{}
	capacity int
}

// Subscription is an active subscription to one product's changes.
type Subscription struct {
	Changes <-chan Change
	cancel  func()
}

// Close ends the subscription and closes Changes.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// NewBroker creates a Broker. capacity <= 0 uses the default buffer size.
func NewBroker(capacity int) *Broker {
	if capacity <= 0 {
		capacity = defaultSubscriberCapacity
	}
	return &Broker{subs: map[string]map[*subscriber]struct{}{}, capacity: capacity}
}

// Subscribe registers for changes to productID.
func (b *Broker) Subscribe(productID string) Subscription {
	sub := &subscriber{ch: make(chan Change, b.capacity)}
	b.mu.Lock()
	if b.subs[productID] == nil {
		b.subs[productID] = map[*subscriber]struct{}{}
	}
	b.subs[productID][sub] = struct{}{}
	b.mu.Unlock()

	return Subscription{
		Changes: sub.ch,
		cancel: func() {
			b.mu.Lock()
			if set := b.subs[productID]; set != nil {
				delete(set, sub)
				if len(set) == 0 {
					delete(b.subs, productID)
				}
			}
			b.mu.Unlock()
			sub.close()
		},
	}
}

// Subscribers reports how many subscriptions productID has.
func (b *Broker) Subscribers(productID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[productID])
}

// Publish implements Notifier.
func (b *Broker) Publish(_ context.Context, c Change) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[c.ProductID] {
		sub.deliver(c)
	}
	return nil
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Change
	closed bool
}

func (s *subscriber) deliver(c Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- c:
			return
		default:
		}
		select {
		case old := <-s.ch:
			zap.L().Debug("notify: dropped change",
				zap.String("product_id", old.ProductID),
				zap.String("action", old.Action),
			)
		default:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// PGNotifier publishes changes with pg_notify so other processes sharing
// the database can follow along.
type PGNotifier struct {
	pool    db.Pool
	channel string
}

// NewPGNotifier creates a PGNotifier. An empty channel uses DefaultChannel.
func NewPGNotifier(pool db.Pool, channel string) *PGNotifier {
	if channel == "" {
		channel = DefaultChannel
	}
	return &PGNotifier{pool: pool, channel: channel}
}

// Publish implements Notifier.
func (n *PGNotifier) Publish(ctx context.Context, c Change) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return eris.Wrap(err, "notify: marshal change")
	}
	if _, err := n.pool.Exec(ctx, "SELECT pg_notify($1, $2)", n.channel, string(payload)); err != nil {
		return eris.Wrap(err, "notify: pg_notify")
	}
	return nil
}
