package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/snehjoshi/xcmq/internal/chain"
	"github.com/snehjoshi/xcmq/internal/consumer"
	"github.com/snehjoshi/xcmq/internal/control"
	"github.com/snehjoshi/xcmq/internal/engine"
	"github.com/snehjoshi/xcmq/internal/events"
	"github.com/snehjoshi/xcmq/internal/ingress"
	"github.com/snehjoshi/xcmq/internal/node"
	"github.com/snehjoshi/xcmq/internal/overweight"
	"github.com/snehjoshi/xcmq/internal/types"
)

// maxBatchPages is the maximum number of pages accepted in one ingress
// request.
const maxBatchPages = 100

// Handler groups all HTTP request handlers around an Engine.
type Handler struct {
	engine   *engine.Engine
	producer *chain.Producer
	node     *node.Node        // may be nil in tests
	subs     *consumer.Manager // may be nil: subscription routes absent

	maxPageBytes int
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type ingressReq struct {
	Pages []ingress.Page `json:"pages"`
}

type ingressResp struct {
	Accepted int               `json:"accepted"`
	Pending  int               `json:"pending"`
	Block    types.BlockNumber `json:"relay_block"`
}

type healthResp struct {
	Status   string       `json:"status"`
	NodeID   string       `json:"node_id"`
	Uptime   string       `json:"uptime"`
	UptimeMs int64        `json:"uptime_ms"`
	Version  string       `json:"version"`
	Stats    engine.Stats `json:"stats"`
	Pending  int          `json:"pending_pages"`
}

type stateConfigResp struct {
	Config control.QueueConfig `json:"config"`
	Flags  control.Flags       `json:"flags"`
	Limits limitsResp          `json:"limits"`
}

type limitsResp struct {
	MaxMessagesPerBucket int `json:"max_messages_per_bucket"`
	MaxBucketsPerOrigin  int `json:"max_buckets_per_origin"`
}

type deferredIndicesResp struct {
	Origin  types.OriginID        `json:"origin"`
	Indices []types.DeferredIndex `json:"indices"`
}

type deferredBucketResp struct {
	Origin types.OriginID           `json:"origin"`
	Index  types.DeferredIndex      `json:"index"`
	Slots  []*types.DeferredMessage `json:"slots"`
}

type serviceDeferredReq struct {
	Origin      types.OriginID `json:"origin"`
	WeightLimit types.Weight   `json:"weight_limit"`
	MaxBuckets  int            `json:"max_buckets"`
}

type discardDeferredReq struct {
	Origin     types.OriginID    `json:"origin"`
	DeferredTo types.BlockNumber `json:"deferred_to"`
	Bucket     uint16            `json:"bucket"`
	Position   *uint32           `json:"position,omitempty"`
}

type discardResp struct {
	Discarded int `json:"discarded"`
}

type serviceOverweightReq struct {
	WeightLimit types.Weight `json:"weight_limit"`
}

type serviceOverweightResp struct {
	Index uint64       `json:"index"`
	Used  types.Weight `json:"used"`
}

type updateConfigReq struct {
	Count  *uint32       `json:"count,omitempty"`
	Weight *types.Weight `json:"weight,omitempty"`
}

// suspensionReq changes any subset of the suspension flags. Setting
// ClearDeferAllBy removes the emergency override; it wins over DeferAllBy.
type suspensionReq struct {
	Xcm             *bool   `json:"xcm,omitempty"`
	Deferred        *bool   `json:"deferred,omitempty"`
	DeferAllBy      *uint32 `json:"defer_all_by,omitempty"`
	ClearDeferAllBy bool    `json:"clear_defer_all_by,omitempty"`
}

type subscribeReq struct {
	URL     string           `json:"url"`
	Secret  string           `json:"secret"`
	Origins []types.OriginID `json:"origins"`
	Kinds   []events.Kind    `json:"kinds"`
}

// ─── Health ───────────────────────────────────────────────────────────────────

var startTime = time.Now()

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Stats()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	elapsed := time.Since(startTime)
	resp := healthResp{
		Status:   "ok",
		Uptime:   elapsed.Round(time.Second).String(),
		UptimeMs: elapsed.Milliseconds(),
		Version:  "1.0.0",
		Stats:    stats,
	}
	if h.node != nil {
		resp.NodeID = h.node.ID().String()
	}
	if h.producer != nil {
		resp.Pending = h.producer.Pending()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ─── Ingress ──────────────────────────────────────────────────────────────────

func (h *Handler) submitPages(w http.ResponseWriter, r *http.Request) {
	var req ingressReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Pages) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "pages must not be empty"})
		return
	}
	if len(req.Pages) > maxBatchPages {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("at most %d pages per request", maxBatchPages),
		})
		return
	}
	for i, p := range req.Pages {
		if len(p.Data) == 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("page %d: data must not be empty", i)})
			return
		}
		if h.maxPageBytes > 0 && len(p.Data) > h.maxPageBytes {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
				"error": fmt.Sprintf("page %d: larger than %d bytes", i, h.maxPageBytes),
			})
			return
		}
	}

	if err := h.producer.Submit(req.Pages...); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, ingressResp{
		Accepted: len(req.Pages),
		Pending:  h.producer.Pending(),
		Block:    h.engine.RelayBlock(),
	})
}

// ─── State ────────────────────────────────────────────────────────────────────

func (h *Handler) stateConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.engine.Config()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	flags, err := h.engine.Flags()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	l := h.engine.Limits()
	writeJSON(w, http.StatusOK, stateConfigResp{
		Config: cfg,
		Flags:  flags,
		Limits: limitsResp{MaxMessagesPerBucket: l.MaxMessagesPerBucket, MaxBucketsPerOrigin: l.MaxBucketsPerOrigin},
	})
}

func (h *Handler) deferredIndices(w http.ResponseWriter, r *http.Request) {
	origin, ok := pathOrigin(w, r)
	if !ok {
		return
	}
	indices, err := h.engine.DeferredIndices(origin)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if indices == nil {
		indices = []types.DeferredIndex{}
	}
	writeJSON(w, http.StatusOK, deferredIndicesResp{Origin: origin, Indices: indices})
}

func (h *Handler) deferredBucket(w http.ResponseWriter, r *http.Request) {
	origin, ok := pathOrigin(w, r)
	if !ok {
		return
	}
	to, err1 := strconv.ParseUint(r.PathValue("deferred_to"), 10, 32)
	b, err2 := strconv.ParseUint(r.PathValue("bucket"), 10, 16)
	if err1 != nil || err2 != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid deferred index"})
		return
	}
	idx := types.DeferredIndex{DeferredTo: types.BlockNumber(to), Bucket: uint16(b)}
	slots, err := h.engine.DeferredBucket(origin, idx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if slots == nil {
		slots = []*types.DeferredMessage{}
	}
	writeJSON(w, http.StatusOK, deferredBucketResp{Origin: origin, Index: idx, Slots: slots})
}

func (h *Handler) overweightEntry(w http.ResponseWriter, r *http.Request) {
	index, ok := pathIndex(w, r)
	if !ok {
		return
	}
	entry, err := h.engine.Overweight(index)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) backlog(w http.ResponseWriter, r *http.Request) {
	channels, err := h.engine.Backlog()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if channels == nil {
		writeJSON(w, http.StatusOK, map[string]any{"channels": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": channels})
}

// ─── Admin ────────────────────────────────────────────────────────────────────

func (h *Handler) serviceDeferred(w http.ResponseWriter, r *http.Request) {
	var req serviceDeferredReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.MaxBuckets == 0 {
		req.MaxBuckets = h.engine.Limits().MaxBucketsPerOrigin
	}
	res, err := h.engine.ServiceDeferred(CallerFrom(r.Context()), req.WeightLimit, req.Origin, req.MaxBuckets)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) discardDeferred(w http.ResponseWriter, r *http.Request) {
	var req discardDeferredReq
	if !decodeJSON(w, r, &req) {
		return
	}
	idx := types.DeferredIndex{DeferredTo: req.DeferredTo, Bucket: req.Bucket}
	n, err := h.engine.DiscardDeferred(CallerFrom(r.Context()), req.Origin, idx, req.Position)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, discardResp{Discarded: n})
}

func (h *Handler) serviceOverweight(w http.ResponseWriter, r *http.Request) {
	index, ok := pathIndex(w, r)
	if !ok {
		return
	}
	var req serviceOverweightReq
	if !decodeJSON(w, r, &req) {
		return
	}
	used, err := h.engine.ServiceOverweight(CallerFrom(r.Context()), index, req.WeightLimit)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, serviceOverweightResp{Index: index, Used: used})
}

func (h *Handler) updateConfig(w http.ResponseWriter, r *http.Request) {
	knob, err := control.ParseKnob(r.PathValue("knob"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	var req updateConfigReq
	if !decodeJSON(w, r, &req) {
		return
	}
	u := control.Update{Knob: knob}
	switch {
	case knob.IsWeight() && req.Weight != nil:
		u.Weight = *req.Weight
	case !knob.IsWeight() && req.Count != nil:
		u.Count = *req.Count
	case knob.IsWeight():
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": string(knob) + " takes a weight"})
		return
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": string(knob) + " takes a count"})
		return
	}

	cfg, err := h.engine.UpdateConfig(CallerFrom(r.Context()), u)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *Handler) suspension(w http.ResponseWriter, r *http.Request) {
	var req suspensionReq
	if !decodeJSON(w, r, &req) {
		return
	}
	// Every flag op authorises on its own; check once up front so a signed
	// caller never gets a partial application.
	if !requireRoot(w, r) {
		return
	}
	caller := CallerFrom(r.Context())

	var ops []func() error
	if req.Xcm != nil {
		if *req.Xcm {
			ops = append(ops, func() error { return h.engine.SuspendXcm(caller) })
		} else {
			ops = append(ops, func() error { return h.engine.ResumeXcm(caller) })
		}
	}
	if req.Deferred != nil {
		if *req.Deferred {
			ops = append(ops, func() error { return h.engine.SuspendDeferred(caller) })
		} else {
			ops = append(ops, func() error { return h.engine.ResumeDeferred(caller) })
		}
	}
	switch {
	case req.ClearDeferAllBy:
		ops = append(ops, func() error { return h.engine.SetDeferAllBy(caller, nil) })
	case req.DeferAllBy != nil:
		ops = append(ops, func() error { return h.engine.SetDeferAllBy(caller, req.DeferAllBy) })
	}
	for _, op := range ops {
		if err := op(); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
	}

	flags, err := h.engine.Flags()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, flags)
}

// ─── Webhook subscriptions ────────────────────────────────────────────────────

func (h *Handler) subscribe(w http.ResponseWriter, r *http.Request) {
	if !requireRoot(w, r) {
		return
	}
	var req subscribeReq
	if !decodeJSON(w, r, &req) {
		return
	}
	sub, err := h.subs.Register(req.URL, req.Secret, req.Origins, req.Kinds)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (h *Handler) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	if !requireRoot(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": h.subs.List()})
}

func (h *Handler) unsubscribe(w http.ResponseWriter, r *http.Request) {
	if !requireRoot(w, r) {
		return
	}
	if err := h.subs.Deregister(r.PathValue("id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrBadOrigin):
		return http.StatusForbidden
	case errors.Is(err, overweight.ErrBadIndex), errors.Is(err, consumer.ErrSubscriptionNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrBadMessage):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrWeightOverLimit):
		return http.StatusConflict
	case errors.Is(err, control.ErrUnknownKnob), errors.Is(err, consumer.ErrInvalidURL),
		errors.Is(err, engine.ErrInvalidMaxBuckets):
		return http.StatusBadRequest
	case errors.Is(err, chain.ErrPendingFull):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// requireRoot answers 403 unless the caller is privileged. Engine operations
// authorise themselves; routes that never reach the engine use this.
func requireRoot(w http.ResponseWriter, r *http.Request) bool {
	caller := CallerFrom(r.Context())
	if caller.IsRoot() {
		return true
	}
	writeError(w, http.StatusForbidden, fmt.Errorf("%w: %s", engine.ErrBadOrigin, caller))
	return false
}

func pathOrigin(w http.ResponseWriter, r *http.Request) (types.OriginID, bool) {
	n, err := strconv.ParseUint(r.PathValue("origin"), 10, 32)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid origin"})
		return 0, false
	}
	return types.OriginID(n), true
}

func pathIndex(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	n, err := strconv.ParseUint(r.PathValue("index"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid overweight index"})
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}
