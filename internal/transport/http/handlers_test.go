package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/xcmq/internal/chain"
	"github.com/snehjoshi/xcmq/internal/codec"
	"github.com/snehjoshi/xcmq/internal/config"
	"github.com/snehjoshi/xcmq/internal/consumer"
	"github.com/snehjoshi/xcmq/internal/control"
	"github.com/snehjoshi/xcmq/internal/engine"
	"github.com/snehjoshi/xcmq/internal/ingress"
	"github.com/snehjoshi/xcmq/internal/metrics"
	"github.com/snehjoshi/xcmq/internal/overweight"
	"github.com/snehjoshi/xcmq/internal/scheduler"
	"github.com/snehjoshi/xcmq/internal/storage/memory"
	transphttp "github.com/snehjoshi/xcmq/internal/transport/http"
	"github.com/snehjoshi/xcmq/internal/types"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

const adminKey = "admin-key"

type testNode struct {
	h    http.Handler
	eng  *engine.Engine
	prod *chain.Producer
	reg  *metrics.Registry
	subs *consumer.Manager
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *testNode {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.Enabled = true
	cfg.Auth.AdminKey = adminKey
	cfg.HTTP.RateLimit = 0
	for _, m := range mutate {
		m(cfg)
	}

	clock := chain.NewClock(1)
	eng, err := engine.New(memory.New(), engine.WithRelay(clock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	reg := &metrics.Registry{}
	subs := consumer.NewManager()
	t.Cleanup(func() { _ = subs.Close() })
	prod := chain.NewProducer(eng, clock, reg, chain.Config{})
	srv := transphttp.New(transphttp.Deps{Engine: eng, Producer: prod, Metrics: reg, Subscriptions: subs}, cfg)
	return &testNode{h: srv.Handler(), eng: eng, prod: prod, reg: reg, subs: subs}
}

func (n *testNode) do(t *testing.T, method, path string, body any, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req := httptest.NewRequest(method, path, &reqBody)
	req.Header.Set("Content-Type", "application/json")
	if admin {
		req.Header.Set("X-Api-Key", adminKey)
	}
	rr := httptest.NewRecorder()
	n.h.ServeHTTP(rr, req)
	return rr
}

func (n *testNode) produce(t *testing.T) {
	t.Helper()
	_, err := n.prod.Produce(context.Background())
	require.NoError(t, err)
}

func decodeResp(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rr.Body).Decode(v), "body: %s", rr.Body.String())
}

func depositPage(origin types.OriginID) ingress.Page {
	msg := codec.NewMessage(codec.Instruction{Op: codec.OpReserveAssetDeposited, Operand: []byte{1}})
	return ingress.Page{Origin: origin, Data: codec.EncodePage(msg)}
}

func plainPage(origin types.OriginID) ingress.Page {
	msg := codec.NewMessage(codec.Instruction{Op: codec.OpDescendOrigin, Operand: []byte{7}})
	return ingress.Page{Origin: origin, Data: codec.EncodePage(msg)}
}

func pages(p ...ingress.Page) map[string]any { return map[string]any{"pages": p} }

// ─── Health ───────────────────────────────────────────────────────────────────

func TestHTTP_Health(t *testing.T) {
	n := newTestServer(t)
	rr := n.do(t, "GET", "/health", nil, false)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp map[string]any
	decodeResp(t, rr, &resp)
	assert.Equal(t, "ok", resp["status"])
	assert.Contains(t, resp, "stats")
}

// ─── Ingress and state ────────────────────────────────────────────────────────

func TestHTTP_IngressDefersDeposit(t *testing.T) {
	n := newTestServer(t)

	rr := n.do(t, "POST", "/ingress", pages(depositPage(2000)), false)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	var accepted struct {
		Accepted int `json:"accepted"`
		Pending  int `json:"pending"`
	}
	decodeResp(t, rr, &accepted)
	assert.Equal(t, 1, accepted.Accepted)
	assert.Equal(t, 1, accepted.Pending)

	n.produce(t)

	rr = n.do(t, "GET", "/state/origins/2000/deferred", nil, false)
	require.Equal(t, http.StatusOK, rr.Code)
	var idx struct {
		Indices []types.DeferredIndex `json:"indices"`
	}
	decodeResp(t, rr, &idx)
	require.Equal(t, []types.DeferredIndex{{DeferredTo: 6, Bucket: 0}}, idx.Indices)

	rr = n.do(t, "GET", "/state/origins/2000/deferred/6/0", nil, false)
	require.Equal(t, http.StatusOK, rr.Code)
	var b struct {
		Slots []*types.DeferredMessage `json:"slots"`
	}
	decodeResp(t, rr, &b)
	require.Len(t, b.Slots, 1)
	assert.Equal(t, types.BlockNumber(1), b.Slots[0].SentAt)
}

func TestHTTP_IngressRejects(t *testing.T) {
	n := newTestServer(t, func(c *config.Config) { c.Limits.MaxPageSizeKB = 1 })

	rr := n.do(t, "POST", "/ingress", pages(), false)
	assert.Equal(t, http.StatusBadRequest, rr.Code, "empty batch")

	rr = n.do(t, "POST", "/ingress", map[string]any{"bogus": 1}, false)
	assert.Equal(t, http.StatusBadRequest, rr.Code, "unknown field")

	big := ingress.Page{Origin: 1, Data: make([]byte, 2048)}
	rr = n.do(t, "POST", "/ingress", pages(big), false)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)

	assert.Equal(t, 0, n.prod.Pending())
}

func TestHTTP_StateConfigAndBadPaths(t *testing.T) {
	n := newTestServer(t)

	rr := n.do(t, "GET", "/state/config", nil, false)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Config control.QueueConfig `json:"config"`
		Flags  control.Flags       `json:"flags"`
	}
	decodeResp(t, rr, &resp)
	assert.Equal(t, control.DefaultQueueConfig(), resp.Config)
	assert.False(t, resp.Flags.XcmSuspended)

	assert.Equal(t, http.StatusBadRequest, n.do(t, "GET", "/state/origins/abc/deferred", nil, false).Code)
	assert.Equal(t, http.StatusBadRequest, n.do(t, "GET", "/state/origins/1/deferred/x/0", nil, false).Code)
	assert.Equal(t, http.StatusNotFound, n.do(t, "GET", "/state/overweight/5", nil, false).Code)
}

// ─── Admin ────────────────────────────────────────────────────────────────────

func TestHTTP_AdminRequiresKey(t *testing.T) {
	n := newTestServer(t)

	routes := []struct {
		method, path string
		body         any
	}{
		{"POST", "/admin/deferred/service", map[string]any{"origin": 1, "weight_limit": types.MaxWeight}},
		{"POST", "/admin/deferred/discard", map[string]any{"origin": 1, "deferred_to": 6, "bucket": 0}},
		{"POST", "/admin/overweight/0/service", map[string]any{"weight_limit": types.MaxWeight}},
		{"PUT", "/admin/config/suspend_threshold", map[string]any{"count": 3}},
		{"POST", "/admin/suspension", map[string]any{"xcm": true}},
		{"POST", "/admin/subscriptions", map[string]any{"url": "http://example.com/hook"}},
		{"GET", "/admin/subscriptions", nil},
		{"DELETE", "/admin/subscriptions/x", nil},
	}
	for _, r := range routes {
		rr := n.do(t, r.method, r.path, r.body, false)
		assert.Equal(t, http.StatusForbidden, rr.Code, "%s %s: %s", r.method, r.path, rr.Body.String())
	}

	flags, err := n.eng.Flags()
	require.NoError(t, err)
	assert.False(t, flags.XcmSuspended, "a rejected call changes nothing")
	assert.Empty(t, n.subs.List())
}

func TestHTTP_AuthDisabledMakesEveryoneRoot(t *testing.T) {
	n := newTestServer(t, func(c *config.Config) { c.Auth.Enabled = false })
	rr := n.do(t, "POST", "/admin/suspension", map[string]any{"deferred": true}, false)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func TestHTTP_DiscardAndServiceDeferred(t *testing.T) {
	n := newTestServer(t)
	require.NoError(t, n.prod.Submit(depositPage(2000), depositPage(2000)))
	n.produce(t)

	rr := n.do(t, "POST", "/admin/deferred/discard",
		map[string]any{"origin": 2000, "deferred_to": 6, "bucket": 0, "position": 0}, true)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var d struct {
		Discarded int `json:"discarded"`
	}
	decodeResp(t, rr, &d)
	assert.Equal(t, 1, d.Discarded)

	// Not due yet: servicing executes nothing.
	rr = n.do(t, "POST", "/admin/deferred/service",
		map[string]any{"origin": 2000, "weight_limit": types.MaxWeight}, true)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var res scheduler.Result
	decodeResp(t, rr, &res)
	assert.Equal(t, 0, res.Executed)

	rr = n.do(t, "POST", "/admin/deferred/service",
		map[string]any{"origin": 2000, "weight_limit": types.MaxWeight, "max_buckets": -1}, true)
	assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
}

func TestHTTP_UpdateConfig(t *testing.T) {
	n := newTestServer(t)

	rr := n.do(t, "PUT", "/admin/config/suspend_threshold", map[string]any{"count": 3}, true)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var cfg control.QueueConfig
	decodeResp(t, rr, &cfg)
	assert.Equal(t, uint32(3), cfg.SuspendThreshold)

	rr = n.do(t, "PUT", "/admin/config/threshold_weight", map[string]any{"weight": types.NewWeight(9, 9)}, true)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	decodeResp(t, rr, &cfg)
	assert.Equal(t, types.NewWeight(9, 9), cfg.ThresholdWeight)

	assert.Equal(t, http.StatusNotFound, n.do(t, "PUT", "/admin/config/nope", map[string]any{"count": 1}, true).Code)
	assert.Equal(t, http.StatusBadRequest, n.do(t, "PUT", "/admin/config/drop_threshold", map[string]any{"weight": types.NewWeight(1, 1)}, true).Code)
	assert.Equal(t, http.StatusBadRequest, n.do(t, "PUT", "/admin/config/threshold_weight", map[string]any{"count": 1}, true).Code)
}

func TestHTTP_Suspension(t *testing.T) {
	n := newTestServer(t)

	rr := n.do(t, "POST", "/admin/suspension", map[string]any{"xcm": true, "defer_all_by": 4}, true)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var flags control.Flags
	decodeResp(t, rr, &flags)
	assert.True(t, flags.XcmSuspended)
	assert.False(t, flags.DeferredSuspended)
	require.NotNil(t, flags.DeferAllBy)
	assert.Equal(t, uint32(4), *flags.DeferAllBy)

	rr = n.do(t, "POST", "/admin/suspension", map[string]any{"xcm": false, "clear_defer_all_by": true}, true)
	require.Equal(t, http.StatusOK, rr.Code)
	flags = control.Flags{}
	decodeResp(t, rr, &flags)
	assert.False(t, flags.XcmSuspended)
	assert.Nil(t, flags.DeferAllBy)
}

func TestHTTP_OverweightLifecycle(t *testing.T) {
	n := newTestServer(t)
	rr := n.do(t, "PUT", "/admin/config/max_individual_weight", map[string]any{"weight": types.NewWeight(100, 1)}, true)
	require.Equal(t, http.StatusOK, rr.Code)

	require.NoError(t, n.prod.Submit(plainPage(2000)))
	n.produce(t)

	rr = n.do(t, "GET", "/state/overweight/0", nil, false)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var entry overweight.Entry
	decodeResp(t, rr, &entry)
	assert.Equal(t, types.OriginID(2000), entry.Origin)

	rr = n.do(t, "POST", "/admin/overweight/0/service", map[string]any{"weight_limit": types.NewWeight(1, 1)}, true)
	assert.Equal(t, http.StatusConflict, rr.Code, "needs more than granted")

	rr = n.do(t, "POST", "/admin/overweight/0/service", map[string]any{"weight_limit": types.MaxWeight}, true)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	assert.Equal(t, http.StatusNotFound, n.do(t, "GET", "/state/overweight/0", nil, false).Code)
	assert.Equal(t, http.StatusNotFound,
		n.do(t, "POST", "/admin/overweight/0/service", map[string]any{"weight_limit": types.MaxWeight}, true).Code)
}

func TestHTTP_SubscriptionLifecycle(t *testing.T) {
	n := newTestServer(t)

	rr := n.do(t, "POST", "/admin/subscriptions", map[string]any{"url": "not a url"}, true)
	assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())

	rr = n.do(t, "POST", "/admin/subscriptions",
		map[string]any{"url": "http://127.0.0.1:1/hook", "secret": "s", "origins": []int{2000}, "kinds": []string{"xcm_deferred"}}, true)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var sub struct {
		ID      string   `json:"id"`
		URL     string   `json:"url"`
		Origins []uint32 `json:"origins"`
		Secret  string   `json:"secret"`
	}
	decodeResp(t, rr, &sub)
	require.NotEmpty(t, sub.ID)
	assert.Equal(t, []uint32{2000}, sub.Origins)
	assert.Empty(t, sub.Secret, "secrets are never echoed")

	rr = n.do(t, "GET", "/admin/subscriptions", nil, true)
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct {
		Subscriptions []struct {
			ID string `json:"id"`
		} `json:"subscriptions"`
	}
	decodeResp(t, rr, &list)
	require.Len(t, list.Subscriptions, 1)
	assert.Equal(t, sub.ID, list.Subscriptions[0].ID)

	assert.Equal(t, http.StatusNoContent, n.do(t, "DELETE", "/admin/subscriptions/"+sub.ID, nil, true).Code)
	assert.Equal(t, http.StatusNotFound, n.do(t, "DELETE", "/admin/subscriptions/"+sub.ID, nil, true).Code)
}

// ─── Middleware ───────────────────────────────────────────────────────────────

func TestHTTP_MetricsCountRoutes(t *testing.T) {
	n := newTestServer(t)
	n.do(t, "GET", "/health", nil, false)
	n.do(t, "GET", "/state/origins/7/deferred", nil, false)

	rr := n.do(t, "GET", "/metrics", nil, false)
	require.Equal(t, http.StatusOK, rr.Code)
	body, _ := io.ReadAll(rr.Body)
	assert.Contains(t, string(body), `path="/health"`)
	assert.Contains(t, string(body), `path="/state/origins/{origin}/deferred"`)
}

func TestHTTP_RateLimit(t *testing.T) {
	n := newTestServer(t, func(c *config.Config) {
		c.HTTP.RateLimit = 0.001
		c.HTTP.Burst = 1
	})
	assert.Equal(t, http.StatusOK, n.do(t, "GET", "/health", nil, false).Code)
	assert.Equal(t, http.StatusTooManyRequests, n.do(t, "GET", "/health", nil, false).Code)
}

func TestHTTP_CORSPreflight(t *testing.T) {
	n := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/ingress", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	n.h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "http://localhost:3000", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.True(t, strings.Contains(rr.Header().Get("Access-Control-Allow-Headers"), "X-Api-Key"))
}
