// Package client is the Go SDK for the xcmq HTTP API.
//
// # Quick start
//
//	c := client.New("http://localhost:8080", client.WithAPIKey("secret"))
//
//	// Submit a page from origin 2000, stamped with the current relay block
//	res, err := c.SubmitPages(ctx, client.Page{Origin: 2000, Data: page})
//
//	// Inspect what was deferred for that origin
//	idx, err := c.DeferredIndices(ctx, 2000)
//
//	// Release a deferred origin's due buckets by hand
//	out, err := c.ServiceDeferred(ctx, 2000, client.Weight{RefTime: 1e12, ProofSize: 1 << 20}, 0)
//
// # Error handling
//
// All methods return an *APIError when the server responds with a non-2xx
// status code. IsForbidden, IsNotFound and IsConflict cover the statuses
// admin callers usually branch on.
//
// Client is safe for concurrent use.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("xcmq: server returned %d: %s", e.StatusCode, e.Message)
}

func hasStatus(err error, code int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == code
}

// IsForbidden reports whether the call needed the admin key.
func IsForbidden(err error) bool { return hasStatus(err, http.StatusForbidden) }

// IsNotFound reports whether the error is a 404, e.g. an unknown overweight
// index or config knob.
func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }

// IsConflict reports whether the server refused because the supplied weight
// limit was too small.
func IsConflict(err error) bool { return hasStatus(err, http.StatusConflict) }

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the key sent in every request as the X-Api-Key header.
// Admin routes need it when the server has auth enabled.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout. The default is 30 seconds.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client talks to one xcmq node.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a Client for the node at baseURL.
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Domain types ─────────────────────────────────────────────────────────────

// Weight is a two-dimensional execution cost.
type Weight struct {
	RefTime   uint64 `json:"ref_time"`
	ProofSize uint64 `json:"proof_size"`
}

// Page is one inbound page. A zero SentAt is stamped by the server with the
// current relay block.
type Page struct {
	Origin uint32 `json:"origin"`
	SentAt uint32 `json:"sent_at,omitempty"`
	Data   []byte `json:"data"`
}

// SubmitResult acknowledges an ingress request.
type SubmitResult struct {
	Accepted   int    `json:"accepted"`
	Pending    int    `json:"pending"`
	RelayBlock uint32 `json:"relay_block"`
}

// Flags are the global suspension switches.
type Flags struct {
	XcmSuspended      bool    `json:"xcm_suspended"`
	DeferredSuspended bool    `json:"deferred_suspended"`
	DeferAllBy        *uint32 `json:"defer_all_by,omitempty"`
}

// Stats is the engine snapshot reported by /health.
type Stats struct {
	RelayBlock       uint32 `json:"relay_block"`
	DeferredOrigins  int    `json:"deferred_origins"`
	DeferredBuckets  int    `json:"deferred_buckets"`
	OverweightCount  uint64 `json:"overweight_count"`
	BacklogChannels  int    `json:"backlog_channels"`
	BacklogPages     int    `json:"backlog_pages"`
	SuspendedOrigins int    `json:"suspended_origins"`
	Flags            Flags  `json:"flags"`
}

// HealthInfo contains the data returned by the /health endpoint.
type HealthInfo struct {
	Status  string
	NodeID  string
	Uptime  time.Duration
	Version string
	Stats   Stats
	Pending int
}

// QueueConfig is the runtime-tunable flow-control configuration.
type QueueConfig struct {
	SuspendThreshold    uint32 `json:"suspend_threshold"`
	DropThreshold       uint32 `json:"drop_threshold"`
	ResumeThreshold     uint32 `json:"resume_threshold"`
	ThresholdWeight     Weight `json:"threshold_weight"`
	WeightRestrictDecay Weight `json:"weight_restrict_decay"`
	MaxIndividualWeight Weight `json:"max_individual_weight"`
}

// Limits are the node's fixed capacity limits.
type Limits struct {
	MaxMessagesPerBucket int `json:"max_messages_per_bucket"`
	MaxBucketsPerOrigin  int `json:"max_buckets_per_origin"`
}

// State bundles configuration, flags and limits.
type State struct {
	Config QueueConfig `json:"config"`
	Flags  Flags       `json:"flags"`
	Limits Limits      `json:"limits"`
}

// DeferredIndex addresses one bucket: the release block and the bucket
// number within it.
type DeferredIndex struct {
	DeferredTo uint32 `json:"deferred_to"`
	Bucket     uint16 `json:"bucket"`
}

// DeferredMessage is a message held back until DeferredTo. A nil slot in a
// bucket is a message that was already executed or discarded.
type DeferredMessage struct {
	SentAt     uint32 `json:"sent_at"`
	DeferredTo uint32 `json:"deferred_to"`
	Sender     uint32 `json:"sender"`
	Payload    []byte `json:"payload"`
}

// OverweightEntry is a message parked for manual servicing.
type OverweightEntry struct {
	Index   uint64 `json:"index"`
	Origin  uint32 `json:"origin"`
	SentAt  uint32 `json:"sent_at"`
	Payload []byte `json:"payload"`
}

// Channel is one origin's inbound backlog. State is "ok" or "suspended".
type Channel struct {
	Origin uint32   `json:"origin"`
	State  string   `json:"state"`
	Pages  []uint32 `json:"pages"`
}

// ServiceResult summarises a deferred servicing pass.
type ServiceResult struct {
	Used     Weight `json:"used"`
	Executed int    `json:"executed"`
	Diverted int    `json:"diverted"`
	Retired  int    `json:"retired"`
	Halted   bool   `json:"halted"`
	Skipped  bool   `json:"skipped"`
}

// Suspension changes any subset of the suspension flags. Nil fields are left
// as they are; ClearDeferAllBy wins over DeferAllBy.
type Suspension struct {
	Xcm             *bool   `json:"xcm,omitempty"`
	Deferred        *bool   `json:"deferred,omitempty"`
	DeferAllBy      *uint32 `json:"defer_all_by,omitempty"`
	ClearDeferAllBy bool    `json:"clear_defer_all_by,omitempty"`
}

// Subscription is a registered webhook. Empty Origins or Kinds match
// everything.
type Subscription struct {
	ID      string   `json:"id"`
	URL     string   `json:"url"`
	Origins []uint32 `json:"origins,omitempty"`
	Kinds   []string `json:"kinds,omitempty"`
}

// ─── Ingress ──────────────────────────────────────────────────────────────────

// SubmitPages queues pages for the next block.
func (c *Client) SubmitPages(ctx context.Context, pages ...Page) (*SubmitResult, error) {
	var resp SubmitResult
	if err := c.do(ctx, http.MethodPost, "/ingress", map[string][]Page{"pages": pages}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ─── State ────────────────────────────────────────────────────────────────────

// Health checks the node's /health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var resp struct {
		Status   string `json:"status"`
		NodeID   string `json:"node_id"`
		UptimeMs int64  `json:"uptime_ms"`
		Version  string `json:"version"`
		Stats    Stats  `json:"stats"`
		Pending  int    `json:"pending_pages"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &HealthInfo{
		Status:  resp.Status,
		NodeID:  resp.NodeID,
		Uptime:  time.Duration(resp.UptimeMs) * time.Millisecond,
		Version: resp.Version,
		Stats:   resp.Stats,
		Pending: resp.Pending,
	}, nil
}

// State returns the queue configuration, suspension flags and limits.
func (c *Client) State(ctx context.Context) (*State, error) {
	var resp State
	if err := c.do(ctx, http.MethodGet, "/state/config", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Backlog lists every origin with pending inbound pages.
func (c *Client) Backlog(ctx context.Context) ([]*Channel, error) {
	var resp struct {
		Channels []*Channel `json:"channels"`
	}
	if err := c.do(ctx, http.MethodGet, "/state/backlog", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Channels, nil
}

// DeferredIndices lists the bucket indices holding deferred messages for
// origin, in release order.
func (c *Client) DeferredIndices(ctx context.Context, origin uint32) ([]DeferredIndex, error) {
	var resp struct {
		Indices []DeferredIndex `json:"indices"`
	}
	path := fmt.Sprintf("/state/origins/%d/deferred", origin)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Indices, nil
}

// DeferredBucket returns the slots of one bucket. An unknown bucket is empty.
func (c *Client) DeferredBucket(ctx context.Context, origin uint32, idx DeferredIndex) ([]*DeferredMessage, error) {
	var resp struct {
		Slots []*DeferredMessage `json:"slots"`
	}
	path := fmt.Sprintf("/state/origins/%d/deferred/%d/%d", origin, idx.DeferredTo, idx.Bucket)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Slots, nil
}

// Overweight returns the parked message at index.
func (c *Client) Overweight(ctx context.Context, index uint64) (*OverweightEntry, error) {
	var resp OverweightEntry
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/state/overweight/%d", index), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ─── Admin ────────────────────────────────────────────────────────────────────

// ServiceDeferred executes origin's due deferred messages within limit,
// visiting at most maxBuckets buckets (0 = the node's per-origin limit).
func (c *Client) ServiceDeferred(ctx context.Context, origin uint32, limit Weight, maxBuckets int) (*ServiceResult, error) {
	req := struct {
		Origin      uint32 `json:"origin"`
		WeightLimit Weight `json:"weight_limit"`
		MaxBuckets  int    `json:"max_buckets,omitempty"`
	}{origin, limit, maxBuckets}

	var resp ServiceResult
	if err := c.do(ctx, http.MethodPost, "/admin/deferred/service", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DiscardDeferred drops one deferred message, or the whole bucket when
// position is nil, and returns how many messages were removed.
func (c *Client) DiscardDeferred(ctx context.Context, origin uint32, idx DeferredIndex, position *uint32) (int, error) {
	req := struct {
		Origin     uint32  `json:"origin"`
		DeferredTo uint32  `json:"deferred_to"`
		Bucket     uint16  `json:"bucket"`
		Position   *uint32 `json:"position,omitempty"`
	}{origin, idx.DeferredTo, idx.Bucket, position}

	var resp struct {
		Discarded int `json:"discarded"`
	}
	if err := c.do(ctx, http.MethodPost, "/admin/deferred/discard", req, &resp); err != nil {
		return 0, err
	}
	return resp.Discarded, nil
}

// ServiceOverweight executes the parked message at index if it fits within
// limit and returns the weight it used. IsConflict(err) means it did not fit.
func (c *Client) ServiceOverweight(ctx context.Context, index uint64, limit Weight) (Weight, error) {
	var resp struct {
		Used Weight `json:"used"`
	}
	path := fmt.Sprintf("/admin/overweight/%d/service", index)
	if err := c.do(ctx, http.MethodPost, path, map[string]Weight{"weight_limit": limit}, &resp); err != nil {
		return Weight{}, err
	}
	return resp.Used, nil
}

// SetCount updates a count knob (suspend_threshold, drop_threshold,
// resume_threshold) and returns the resulting configuration.
func (c *Client) SetCount(ctx context.Context, knob string, n uint32) (*QueueConfig, error) {
	return c.updateConfig(ctx, knob, map[string]uint32{"count": n})
}

// SetWeight updates a weight knob (threshold_weight, weight_restrict_decay,
// max_individual_weight) and returns the resulting configuration.
func (c *Client) SetWeight(ctx context.Context, knob string, w Weight) (*QueueConfig, error) {
	return c.updateConfig(ctx, knob, map[string]Weight{"weight": w})
}

func (c *Client) updateConfig(ctx context.Context, knob string, body any) (*QueueConfig, error) {
	var resp QueueConfig
	if err := c.do(ctx, http.MethodPut, "/admin/config/"+url.PathEscape(knob), body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Suspend applies s and returns the resulting flags.
func (c *Client) Suspend(ctx context.Context, s Suspension) (*Flags, error) {
	var resp Flags
	if err := c.do(ctx, http.MethodPost, "/admin/suspension", s, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ─── Webhook subscriptions ────────────────────────────────────────────────────

// Subscribe registers a webhook receiving block events as JSON batches.
// secret signs each body with HMAC-SHA256 (X-Xcmq-Signature); "" disables
// signing. Returns the subscription ID needed to call Unsubscribe.
func (c *Client) Subscribe(ctx context.Context, webhookURL, secret string, origins []uint32, kinds []string) (string, error) {
	req := struct {
		URL     string   `json:"url"`
		Secret  string   `json:"secret"`
		Origins []uint32 `json:"origins,omitempty"`
		Kinds   []string `json:"kinds,omitempty"`
	}{webhookURL, secret, origins, kinds}

	var resp Subscription
	if err := c.do(ctx, http.MethodPost, "/admin/subscriptions", req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Subscriptions lists the registered webhooks.
func (c *Client) Subscriptions(ctx context.Context) ([]*Subscription, error) {
	var resp struct {
		Subscriptions []*Subscription `json:"subscriptions"`
	}
	if err := c.do(ctx, http.MethodGet, "/admin/subscriptions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Subscriptions, nil
}

// Unsubscribe removes a webhook subscription by its ID.
func (c *Client) Unsubscribe(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/admin/subscriptions/"+url.PathEscape(id), nil, nil)
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// do performs a single HTTP request.
// body is encoded as JSON when non-nil, resp is decoded from JSON when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("xcmq: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("xcmq: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("xcmq: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("xcmq: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}

	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("xcmq: decode response: %w", err)
		}
	}
	return nil
}
