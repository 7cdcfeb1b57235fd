package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/snehjoshi/xcmq/internal/types"
)

// Record is an Event as published: stamped with the block that produced it,
// its position within that block and a unique ID.
type Record struct {
	ID    string            `json:"id"`
	Block types.BlockNumber `json:"block"`
	Seq   int               `json:"seq"`
	Event
}

// IDFunc returns a fresh unique record ID.
type IDFunc func() (string, error)

// Stamp turns a block's events into records.
func Stamp(block types.BlockNumber, evs []Event, newID IDFunc) ([]Record, error) {
	out := make([]Record, 0, len(evs))
	for i, e := range evs {
		id, err := newID()
		if err != nil {
			return nil, fmt.Errorf("events: record id: %w", err)
		}
		out = append(out, Record{ID: id, Block: block, Seq: i, Event: e})
	}
	return out, nil
}

// Sink receives published records. Implementations must be safe for
// concurrent use.
type Sink interface {
	Publish(ctx context.Context, records []Record) error
	Close() error
}

// ─── Fanout ───────────────────────────────────────────────────────────────────

// Fanout publishes to several sinks. A failing sink does not stop the others.
type Fanout struct {
	sinks []Sink
}

// NewFanout returns a Fanout over sinks. Nil sinks are skipped.
func NewFanout(sinks ...Sink) *Fanout {
	f := &Fanout{}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Add appends a sink.
func (f *Fanout) Add(s Sink) { f.sinks = append(f.sinks, s) }

// Publish implements Sink. It returns every sink error joined.
func (f *Fanout) Publish(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	var errs []error
	for _, s := range f.sinks {
		if err := s.Publish(ctx, records); err != nil {
			slog.Warn("events: sink publish failed", "sink", fmt.Sprintf("%T", s), "records", len(records), "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements Sink.
func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

// ─── Recorder ─────────────────────────────────────────────────────────────────

// Recorder keeps every published record in memory.
type Recorder struct {
	mu      sync.Mutex
	records []Record
}

// Publish implements Sink.
func (r *Recorder) Publish(_ context.Context, records []Record) error {
	r.mu.Lock()
	r.records = append(r.records, records...)
	r.mu.Unlock()
	return nil
}

// Records returns a copy of everything published so far.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.records...)
}

// Close implements Sink.
func (r *Recorder) Close() error { return nil }

// ─── Journal ──────────────────────────────────────────────────────────────────

// Journal appends records to a file, one JSON object per line.
type Journal struct {
	mu   sync.Mutex
	f    *os.File
	enc  *json.Encoder
	path string
}

// OpenJournal opens (or creates) the journal at path for appending.
func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("events: journal dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("events: open journal %s: %w", path, err)
	}
	return &Journal{f: f, enc: json.NewEncoder(f), path: path}, nil
}

// Path returns the journal file path.
func (j *Journal) Path() string { return j.path }

// Publish implements Sink.
func (j *Journal) Publish(_ context.Context, records []Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return os.ErrClosed
	}
	for i := range records {
		if err := j.enc.Encode(&records[i]); err != nil {
			return fmt.Errorf("events: journal write: %w", err)
		}
	}
	return nil
}

// Close implements Sink.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}
