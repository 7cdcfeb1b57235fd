// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for xcmq without pulling in prometheus/client_golang.
//
// # Counter naming convention
//
// Every counter uses a tab-separated string as its label key so that a single
// sync.Map can hold all label combinations without additional map nesting.
//
//	Events                   →  key = "kind\torigin"
//	RefTimeUsed / ProofUsed  →  key = "origin"
//	HTTPReqs                 →  key = "method\tpath\tstatus"
//	HTTPDurMs / HTTPDurCnt   →  key = "method\tpath"
//
// The engine never touches the registry directly: Registry implements
// events.Sink and is fed the published event records of every block.
//
// # Prometheus text output
//
// Registry.Handler() returns an http.Handler that renders all counters in the
// Prometheus exposition format (text/plain; version=0.0.4).
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/snehjoshi/xcmq/internal/events"
	"github.com/snehjoshi/xcmq/internal/types"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map and
// atomic.Int64 values.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Value returns the counter for key.
func (lc *labelCounter) Value(key string) int64 {
	v, ok := lc.vals.Load(key)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// Each calls fn for every key/value pair in ascending key order.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	var keys []string
	lc.vals.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	sort.Strings(keys)
	for _, k := range keys {
		fn(k, lc.Value(k))
	}
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry holds all xcmq application metrics.
type Registry struct {
	// Engine counters, fed from published events.
	Events      labelCounter
	RefTimeUsed labelCounter
	ProofUsed   labelCounter

	// LastBlock is the highest block seen in a published record.
	LastBlock atomic.Int64

	// HTTP-level counters.
	HTTPReqs   labelCounter
	HTTPDurMs  labelCounter // sum of request durations in milliseconds
	HTTPDurCnt labelCounter // number of requests (same key as HTTPDurMs, for avg)
}

var _ events.Sink = (*Registry)(nil)

// Publish implements events.Sink.
func (r *Registry) Publish(_ context.Context, records []events.Record) error {
	for _, rec := range records {
		r.Events.Inc(EventKey(rec.Kind, rec.Origin))
		switch rec.Kind {
		case events.KindSuccess, events.KindFail, events.KindOverweightServiced:
			origin := OriginKey(rec.Origin)
			r.RefTimeUsed.Add(origin, clampInt64(rec.Weight.RefTime))
			r.ProofUsed.Add(origin, clampInt64(rec.Weight.ProofSize))
		}
		for {
			cur := r.LastBlock.Load()
			if int64(rec.Block) <= cur || r.LastBlock.CompareAndSwap(cur, int64(rec.Block)) {
				break
			}
		}
	}
	return nil
}

// Close implements events.Sink.
func (r *Registry) Close() error { return nil }

func clampInt64(v uint64) int64 {
	if v > 1<<63-1 {
		return 1<<63 - 1
	}
	return int64(v)
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)

		var b strings.Builder

		// ── engine ────────────────────────────────────────────────────────────
		writeFamily(&b, "xcmq_events_total",
			"Engine events by kind and origin", "counter",
			func(fn func(labels, val string)) {
				r.Events.Each(func(key string, val int64) {
					kind, origin := splitTwo(key)
					fn(fmt.Sprintf(`kind=%q,origin=%q`, kind, origin), strconv.FormatInt(val, 10))
				})
			})

		writeFamily(&b, "xcmq_weight_ref_time_used_total",
			"Ref time consumed by executed messages", "counter",
			func(fn func(labels, val string)) {
				r.RefTimeUsed.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`origin=%q`, key), strconv.FormatInt(val, 10))
				})
			})

		writeFamily(&b, "xcmq_weight_proof_size_used_total",
			"Proof size consumed by executed messages", "counter",
			func(fn func(labels, val string)) {
				r.ProofUsed.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`origin=%q`, key), strconv.FormatInt(val, 10))
				})
			})

		fmt.Fprintf(&b, "# HELP xcmq_last_block Highest block with published events\n")
		fmt.Fprintf(&b, "# TYPE xcmq_last_block gauge\n")
		fmt.Fprintf(&b, "xcmq_last_block %d\n", r.LastBlock.Load())

		// ── HTTP counters ─────────────────────────────────────────────────────
		writeFamily(&b, "xcmq_http_requests_total",
			"Total HTTP requests by method, path, and status code", "counter",
			func(fn func(labels, val string)) {
				r.HTTPReqs.Each(func(key string, val int64) {
					method, path, status := splitThree(key)
					fn(fmt.Sprintf(`method=%q,path=%q,status=%q`, method, path, status),
						strconv.FormatInt(val, 10))
				})
			})

		writeFamily(&b, "xcmq_http_request_duration_milliseconds_sum",
			"Sum of HTTP request durations in milliseconds", "counter",
			func(fn func(labels, val string)) {
				r.HTTPDurMs.Each(func(key string, val int64) {
					method, path := splitTwo(key)
					fn(fmt.Sprintf(`method=%q,path=%q`, method, path), strconv.FormatInt(val, 10))
				})
			})

		writeFamily(&b, "xcmq_http_request_duration_milliseconds_count",
			"Count of observed HTTP request durations", "counter",
			func(fn func(labels, val string)) {
				r.HTTPDurCnt.Each(func(key string, val int64) {
					method, path := splitTwo(key)
					fn(fmt.Sprintf(`method=%q,path=%q`, method, path), strconv.FormatInt(val, 10))
				})
			})

		fmt.Fprint(w, b.String())
	})
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// writeFamily writes a single Prometheus metric family to b, or nothing when
// fill produces no lines.
func writeFamily(
	b *strings.Builder,
	name, help, typ string,
	fill func(fn func(labels, val string)),
) {
	var lines []string
	fill(func(labels, val string) {
		lines = append(lines, fmt.Sprintf("%s{%s} %s\n", name, labels, val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}

// splitTwo splits a tab-delimited key of the form "a\tb" into (a, b).
func splitTwo(key string) (string, string) {
	i := strings.IndexByte(key, '\t')
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}

// splitThree splits a tab-delimited key "a\tb\tc" into (a, b, c).
func splitThree(key string) (string, string, string) {
	a, rest := splitTwo(key)
	b, c := splitTwo(rest)
	return a, b, c
}

// ─── Key builders ─────────────────────────────────────────────────────────────

// OriginKey builds the label key used by RefTimeUsed/ProofUsed.
func OriginKey(origin types.OriginID) string {
	return strconv.FormatUint(uint64(origin), 10)
}

// EventKey builds the label key used by Events.
func EventKey(kind events.Kind, origin types.OriginID) string {
	return string(kind) + "\t" + OriginKey(origin)
}

// HTTPKey builds the label key used by HTTPReqs.
func HTTPKey(method, path, status string) string {
	return method + "\t" + path + "\t" + status
}

// HTTPDurKey builds the label key used by HTTPDurMs / HTTPDurCnt.
func HTTPDurKey(method, path string) string {
	return method + "\t" + path
}
