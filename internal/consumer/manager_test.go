package consumer_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/xcmq/internal/consumer"
	"github.com/snehjoshi/xcmq/internal/events"
	"github.com/snehjoshi/xcmq/internal/types"
)

type delivery struct {
	Subscription string          `json:"subscription"`
	Records      []events.Record `json:"records"`
}

// endpoint records every delivery; the first failFirst requests get a 500.
type endpoint struct {
	srv       *httptest.Server
	failFirst int32
	calls     atomic.Int32

	mu   sync.Mutex
	got  []delivery
	sigs []string
	raw  [][]byte
}

func newEndpoint(t *testing.T, failFirst int32) *endpoint {
	t.Helper()
	e := &endpoint{failFirst: failFirst}
	e.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := e.calls.Add(1)
		if n <= e.failFirst {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var d delivery
		if err := json.Unmarshal(body, &d); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		e.mu.Lock()
		e.got = append(e.got, d)
		e.sigs = append(e.sigs, r.Header.Get(consumer.SignatureHeader))
		e.raw = append(e.raw, body)
		e.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(e.srv.Close)
	return e
}

func (e *endpoint) deliveries() []delivery {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]delivery(nil), e.got...)
}

func records(origins ...types.OriginID) []events.Record {
	out := make([]events.Record, len(origins))
	for i, o := range origins {
		out[i] = events.Record{ID: "r", Block: 3, Seq: i, Event: events.ChannelSuspended(o)}
	}
	return out
}

func TestRegister_RejectsBadURL(t *testing.T) {
	m := consumer.NewManager()
	defer m.Close()
	for _, u := range []string{"", "ftp://x/y", "/relative", "http://"} {
		_, err := m.Register(u, "", nil, nil)
		assert.ErrorIs(t, err, consumer.ErrInvalidURL, u)
	}
	assert.Empty(t, m.List())
}

func TestPublish_DeliversSignedBatch(t *testing.T) {
	ep := newEndpoint(t, 0)
	m := consumer.NewManager()
	defer m.Close()

	sub, err := m.Register(ep.srv.URL, "s3cret", nil, nil)
	require.NoError(t, err)

	require.NoError(t, m.Publish(context.Background(), records(2000, 2001)))
	require.Eventually(t, func() bool { return len(ep.deliveries()) == 1 }, 2*time.Second, 10*time.Millisecond)

	d := ep.deliveries()[0]
	assert.Equal(t, sub.ID, d.Subscription)
	require.Len(t, d.Records, 2)
	assert.Equal(t, events.KindChannelSuspended, d.Records[0].Kind)

	ep.mu.Lock()
	defer ep.mu.Unlock()
	assert.Equal(t, consumer.Sign("s3cret", ep.raw[0]), ep.sigs[0])
}

func TestPublish_FiltersByOriginAndKind(t *testing.T) {
	ep := newEndpoint(t, 0)
	m := consumer.NewManager()
	defer m.Close()

	_, err := m.Register(ep.srv.URL, "", []types.OriginID{7}, []events.Kind{events.KindChannelSuspended})
	require.NoError(t, err)

	require.NoError(t, m.Publish(context.Background(), records(1, 2))) // nothing matches
	batch := append(records(7), events.Record{Block: 3, Event: events.ChannelResumed(7)})
	require.NoError(t, m.Publish(context.Background(), batch))

	require.Eventually(t, func() bool { return len(ep.deliveries()) == 1 }, 2*time.Second, 10*time.Millisecond)
	d := ep.deliveries()[0]
	require.Len(t, d.Records, 1)
	assert.Equal(t, types.OriginID(7), d.Records[0].Origin)
	assert.Empty(t, ep.sigs[0], "no secret, no signature")
}

func TestDelivery_RetriesFailures(t *testing.T) {
	ep := newEndpoint(t, 2)
	m := consumer.NewManager(consumer.WithRetries(3), consumer.WithBackoff(5*time.Millisecond))
	defer m.Close()

	_, err := m.Register(ep.srv.URL, "", nil, nil)
	require.NoError(t, err)
	require.NoError(t, m.Publish(context.Background(), records(1)))

	require.Eventually(t, func() bool { return len(ep.deliveries()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(3), ep.calls.Load())
}

func TestDelivery_GivesUpAfterRetries(t *testing.T) {
	ep := newEndpoint(t, 100)
	m := consumer.NewManager(consumer.WithRetries(1), consumer.WithBackoff(time.Millisecond))
	defer m.Close()

	_, err := m.Register(ep.srv.URL, "", nil, nil)
	require.NoError(t, err)
	require.NoError(t, m.Publish(context.Background(), records(1)))

	require.Eventually(t, func() bool { return ep.calls.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), ep.calls.Load(), "one try plus one retry")
	assert.Empty(t, ep.deliveries())
}

func TestDeregister(t *testing.T) {
	ep := newEndpoint(t, 0)
	m := consumer.NewManager()
	defer m.Close()

	a, err := m.Register(ep.srv.URL, "", nil, nil)
	require.NoError(t, err)
	b, err := m.Register(ep.srv.URL, "", nil, nil)
	require.NoError(t, err)

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID, "ordered by ID")

	require.NoError(t, m.Deregister(a.ID))
	assert.ErrorIs(t, m.Deregister(a.ID), consumer.ErrSubscriptionNotFound)

	require.NoError(t, m.Publish(context.Background(), records(1)))
	require.Eventually(t, func() bool { return len(ep.deliveries()) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	ds := ep.deliveries()
	require.Len(t, ds, 1)
	assert.Equal(t, b.ID, ds[0].Subscription)
}

func TestClose_StopsLoops(t *testing.T) {
	m := consumer.NewManager()
	_, err := m.Register("http://127.0.0.1:1/hook", "", nil, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_ = m.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.Empty(t, m.List())
	assert.NoError(t, m.Publish(context.Background(), records(1)), "publishing after close is a no-op")
}
