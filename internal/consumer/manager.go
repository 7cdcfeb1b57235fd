// Package consumer pushes block events to webhook subscribers.
//
// Each subscription has its own bounded queue and delivery goroutine, so a
// slow endpoint never holds up block production or other subscribers. When
// a subscriber's queue is full the newest batch is dropped and logged.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/snehjoshi/xcmq/internal/events"
	"github.com/snehjoshi/xcmq/internal/node"
	"github.com/snehjoshi/xcmq/internal/types"
)

var (
	// ErrSubscriptionNotFound is returned by Deregister for an unknown ID.
	ErrSubscriptionNotFound = errors.New("consumer: subscription not found")
	// ErrInvalidURL is returned by Register when the URL is not an absolute
	// http or https URL.
	ErrInvalidURL = errors.New("consumer: webhook url must be absolute http(s)")
)

// queueDepth is the number of undelivered batches held per subscription.
const queueDepth = 64

// Subscription is one registered webhook.
type Subscription struct {
	ID      string           `json:"id"`
	URL     string           `json:"url"`
	Origins []types.OriginID `json:"origins,omitempty"`
	Kinds   []events.Kind    `json:"kinds,omitempty"`

	secret string
	filter events.Selector
	queue  chan []events.Record
	cancel context.CancelFunc
}

// Manager owns the subscriptions. It implements events.Sink.
type Manager struct {
	client  *http.Client
	retries int
	backoff time.Duration

	mu   sync.RWMutex
	subs map[string]*Subscription
	wg   sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient replaces the delivery client (default: 10s timeout).
func WithHTTPClient(c *http.Client) Option { return func(m *Manager) { m.client = c } }

// WithRetries sets how many times a failed delivery is retried. Default 3.
func WithRetries(n int) Option { return func(m *Manager) { m.retries = n } }

// WithBackoff sets the first retry delay; it doubles per attempt. Default 500ms.
func WithBackoff(d time.Duration) Option { return func(m *Manager) { m.backoff = d } }

// NewManager returns a Manager with no subscriptions.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		client:  &http.Client{Timeout: 10 * time.Second},
		retries: 3,
		backoff: 500 * time.Millisecond,
		subs:    make(map[string]*Subscription),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Register adds a webhook receiving the records that match origins and
// kinds (empty = all).
func (m *Manager) Register(rawURL, secret string, origins []types.OriginID, kinds []events.Kind) (*Subscription, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}
	id, err := node.NewID()
	if err != nil {
		return nil, fmt.Errorf("consumer: generate subscription ID: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		ID:      id,
		URL:     rawURL,
		Origins: origins,
		Kinds:   kinds,
		secret:  secret,
		filter:  events.NewSelector(origins, kinds),
		queue:   make(chan []events.Record, queueDepth),
		cancel:  cancel,
	}
	m.mu.Lock()
	m.subs[id] = sub
	m.mu.Unlock()

	m.wg.Add(1)
	go m.deliveryLoop(ctx, sub)
	slog.Info("subscription registered", "id", id, "url", rawURL, "origins", len(origins), "kinds", len(kinds))
	return sub, nil
}

// Deregister removes a subscription and stops its delivery loop. Batches
// still queued for it are discarded.
func (m *Manager) Deregister(id string) error {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}
	sub.cancel()
	slog.Info("subscription deregistered", "id", id)
	return nil
}

// List returns the subscriptions ordered by ID (registration order).
func (m *Manager) List() []*Subscription {
	m.mu.RLock()
	out := make([]*Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Publish implements events.Sink. It never blocks on delivery.
func (m *Manager) Publish(_ context.Context, records []events.Record) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sub := range m.subs {
		sel := sub.filter.Select(records)
		if len(sel) == 0 {
			continue
		}
		select {
		case sub.queue <- sel:
		default:
			slog.Warn("consumer: subscriber queue full, dropping batch", "sub", sub.ID, "records", len(sel))
		}
	}
	return nil
}

// Close implements events.Sink. It stops every delivery loop and waits for
// them; undelivered batches are discarded.
func (m *Manager) Close() error {
	m.mu.Lock()
	for _, sub := range m.subs {
		sub.cancel()
	}
	m.subs = make(map[string]*Subscription)
	m.mu.Unlock()
	m.wg.Wait()
	return nil
}

func (m *Manager) deliveryLoop(ctx context.Context, sub *Subscription) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-sub.queue:
			if err := m.deliverWithRetry(ctx, sub, batch); err != nil && ctx.Err() == nil {
				slog.Warn("consumer: delivery failed, dropping batch", "sub", sub.ID, "records", len(batch), "err", err)
			}
		}
	}
}

func (m *Manager) deliverWithRetry(ctx context.Context, sub *Subscription, batch []events.Record) error {
	delay := m.backoff
	var err error
	for attempt := 0; ; attempt++ {
		if err = deliver(ctx, m.client, sub, batch); err == nil {
			return nil
		}
		if attempt >= m.retries {
			return err
		}
		slog.Debug("consumer: delivery failed, retrying", "sub", sub.ID, "attempt", attempt+1, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}
