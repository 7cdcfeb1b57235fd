// Package inbox feeds pages dropped into a directory to the block producer.
//
// A page file is named <origin>.page or <origin>-<sent_at>.page and holds
// the raw page bytes (format byte followed by the body). Writers should
// create it under another name (e.g. with a .tmp suffix) and rename it into
// place. Accepted files move to processed/, files that cannot be parsed
// move to rejected/. A file the producer cannot take yet (its queue is full)
// stays put and is retried on the next scan.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/snehjoshi/xcmq/internal/chain"
	"github.com/snehjoshi/xcmq/internal/ingress"
	"github.com/snehjoshi/xcmq/internal/types"
)

const (
	pageExt      = ".page"
	processedDir = "processed"
	rejectedDir  = "rejected"
)

// ErrBadName is returned for a file name that does not encode an origin.
var ErrBadName = errors.New("inbox: bad page file name")

// Submitter accepts pages for inclusion. *chain.Producer implements it.
type Submitter interface {
	Submit(pages ...ingress.Page) error
}

// Inbox watches one directory.
type Inbox struct {
	dir       string
	sub       Submitter
	scanEvery time.Duration
	maxBytes  int

	// mu serialises scans and event handling so a file is never taken twice.
	mu sync.Mutex
}

// Option configures an Inbox.
type Option func(*Inbox)

// WithScanInterval sets how often the directory is rescanned in addition to
// reacting to filesystem events. Default 5s.
func WithScanInterval(d time.Duration) Option {
	return func(ib *Inbox) { ib.scanEvery = d }
}

// WithMaxPageBytes rejects page files larger than n bytes.
func WithMaxPageBytes(n int) Option {
	return func(ib *Inbox) { ib.maxBytes = n }
}

// New returns an Inbox over dir.
func New(dir string, sub Submitter, opts ...Option) *Inbox {
	ib := &Inbox{dir: dir, sub: sub, scanEvery: 5 * time.Second}
	for _, o := range opts {
		o(ib)
	}
	return ib
}

// Dir returns the watched directory.
func (ib *Inbox) Dir() string { return ib.dir }

// ParseName decodes origin and sent-at block from a page file name. A name
// without a sent-at block yields zero, which the producer stamps with the
// current block.
func ParseName(name string) (types.OriginID, types.BlockNumber, error) {
	base := filepath.Base(name)
	if !strings.HasSuffix(base, pageExt) {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadName, base)
	}
	stem := strings.TrimSuffix(base, pageExt)
	originStr, sentStr, hasSent := strings.Cut(stem, "-")
	origin, err := strconv.ParseUint(originStr, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadName, base)
	}
	var sentAt uint64
	if hasSent {
		if sentAt, err = strconv.ParseUint(sentStr, 10, 32); err != nil {
			return 0, 0, fmt.Errorf("%w: %q", ErrBadName, base)
		}
	}
	return types.OriginID(origin), types.BlockNumber(sentAt), nil
}

// Run watches the directory until ctx is cancelled. It returns nil on
// cancellation.
func (ib *Inbox) Run(ctx context.Context) error {
	for _, d := range []string{ib.dir, filepath.Join(ib.dir, processedDir), filepath.Join(ib.dir, rejectedDir)} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return fmt.Errorf("inbox: ensure dir %s: %w", d, err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("inbox: create fsnotify watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(ib.dir); err != nil {
		return fmt.Errorf("inbox: watch %s: %w", ib.dir, err)
	}
	slog.Info("inbox: watching", "dir", ib.dir)

	// Pick up anything dropped while the node was down.
	if _, err := ib.Scan(); err != nil {
		slog.Warn("inbox: initial scan", "err", err)
	}

	ticker := time.NewTicker(ib.scanEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				slog.Debug("inbox: fsnotify", "op", event.Op.String(), "file", event.Name)
				ib.mu.Lock()
				_, err := ib.handle(event.Name)
				ib.mu.Unlock()
				if err != nil {
					slog.Warn("inbox: handle", "file", event.Name, "err", err)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("inbox: fsnotify error", "err", err)
		case <-ticker.C:
			if _, err := ib.Scan(); err != nil {
				slog.Warn("inbox: periodic scan", "err", err)
			}
		}
	}
}

// Scan submits every page file in the directory, oldest name first, and
// returns how many were accepted.
func (ib *Inbox) Scan() (int, error) {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	entries, err := os.ReadDir(ib.dir)
	if err != nil {
		return 0, fmt.Errorf("inbox: read dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), pageExt) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var accepted int
	for _, n := range names {
		ok, err := ib.handle(filepath.Join(ib.dir, n))
		if errors.Is(err, chain.ErrPendingFull) {
			// The rest waits for the next scan too.
			return accepted, nil
		}
		if err != nil {
			slog.Warn("inbox: handle", "file", n, "err", err)
			continue
		}
		if ok {
			accepted++
		}
	}
	return accepted, nil
}

// handle submits one file. It reports whether the file was accepted.
// Callers hold ib.mu.
func (ib *Inbox) handle(path string) (bool, error) {
	if !strings.HasSuffix(path, pageExt) || filepath.Dir(path) != filepath.Clean(ib.dir) {
		return false, nil
	}
	origin, sentAt, err := ParseName(path)
	if err != nil {
		return false, ib.move(path, rejectedDir, err)
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		// Already taken by an earlier event or scan.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("inbox: read %s: %w", path, err)
	}
	if len(data) == 0 {
		// Most likely still being written; a later event or scan retries.
		return false, nil
	}
	if ib.maxBytes > 0 && len(data) > ib.maxBytes {
		return false, ib.move(path, rejectedDir, fmt.Errorf("page of %d bytes exceeds %d", len(data), ib.maxBytes))
	}

	if err := ib.sub.Submit(ingress.Page{Origin: origin, SentAt: sentAt, Data: data}); err != nil {
		return false, err
	}
	return true, ib.move(path, processedDir, nil)
}

func (ib *Inbox) move(path, sub string, reason error) error {
	if reason != nil {
		slog.Warn("inbox: rejecting page file", "file", filepath.Base(path), "reason", reason)
	}
	dst := filepath.Join(ib.dir, sub, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("inbox: move %s to %s: %w", path, sub, err)
	}
	return nil
}
