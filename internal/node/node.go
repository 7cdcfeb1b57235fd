// Package node manages the identity of one xcmq process.
//
// The identity is a ULID generated on first start and kept in the data
// directory, so a restarted node publishes under the same name. It is
// attached to every event record the node sends to an external sink, letting
// consumers tell replicas apart when several nodes run the same chain.
package node

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const idFile = "node_id"

// ID is a ULID string naming a node. It is stable across restarts within
// the same data directory.
type ID string

func (id ID) String() string { return string(id) }

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool { return id == "" }

// Node is the persistent identity of this process.
type Node struct {
	id      ID
	dataDir string
	started time.Time
}

// Open returns the Node stored in dataDir, creating the directory and a new
// identity on first start. An override other than "" or "auto" must be a
// valid ULID and replaces the stored identity without touching it.
func Open(dataDir, override string) (*Node, error) {
	if dataDir == "" {
		return nil, errors.New("node: data dir must not be empty")
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("node: create data dir: %w", err)
	}

	n := &Node{dataDir: dataDir, started: time.Now()}
	if override != "" && override != "auto" {
		if _, err := ulid.ParseStrict(override); err != nil {
			return nil, fmt.Errorf("node: invalid id override %q: %w", override, err)
		}
		n.id = ID(override)
		return n, nil
	}

	id, err := loadOrCreate(filepath.Join(dataDir, idFile))
	if err != nil {
		return nil, err
	}
	n.id = id
	return n, nil
}

// ID returns the node's identity.
func (n *Node) ID() ID { return n.id }

// DataDir returns the node's data directory.
func (n *Node) DataDir() string { return n.dataDir }

// Uptime returns how long ago the node was opened.
func (n *Node) Uptime() time.Duration { return time.Since(n.started) }

func loadOrCreate(path string) (ID, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		s := strings.TrimSpace(string(data))
		if _, err := ulid.ParseStrict(s); err != nil {
			return "", fmt.Errorf("node: stored id %q is invalid: %w", s, err)
		}
		return ID(s), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("node: read id file: %w", err)
	}

	s, err := NewID()
	if err != nil {
		return "", fmt.Errorf("node: generate id: %w", err)
	}
	if err := os.WriteFile(path, []byte(s+"\n"), 0o640); err != nil {
		return "", fmt.Errorf("node: persist id: %w", err)
	}
	return ID(s), nil
}

// A single monotonic entropy source keeps IDs generated within the same
// millisecond in order.
var (
	entropyMu sync.Mutex
	entropy   io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a fresh, time-ordered ULID. Event records use it as their ID.
func NewID() (string, error) {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustNewID is like NewID but panics on error. Use only in tests.
func MustNewID() string {
	id, err := NewID()
	if err != nil {
		panic(fmt.Sprintf("node.MustNewID: %v", err))
	}
	return id
}
