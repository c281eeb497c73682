// Package node owns process identity and id generation for voxpipe.
//
// Every server process has a persistent ULID stored in its data directory.
// The id is stamped on log lines and on job leases so that, when two
// environments share one datastore, the worker that held a stale lease can
// always be traced. Job ids, event ids and lease tokens come from NewID.
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

// ID is a ULID string that identifies a voxpipe process across restarts.
type ID string

func (id ID) String() string { return string(id) }

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool { return id == "" }

// Node holds the persistent identity of this process.
type Node struct {
	id         ID
	dataDir    string
	runtimeTag string
}

// New loads the id from dataDir/node_id, generating and persisting one on
// first start. override wins when it is a valid ULID; "auto" or "" use the file.
func New(dataDir, override, runtimeTag string) (*Node, error) {
	if dataDir == "" {
		return nil, errors.New("node: dataDir must not be empty")
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("node: create data dir: %w", err)
	}

	if override != "" && override != "auto" {
		if _, err := ulid.ParseStrict(override); err != nil {
			return nil, fmt.Errorf("node: invalid id override %q: %w", override, err)
		}
		return &Node{id: ID(override), dataDir: dataDir, runtimeTag: runtimeTag}, nil
	}

	id, err := loadOrGenerate(filepath.Join(dataDir, idFile))
	if err != nil {
		return nil, err
	}
	return &Node{id: id, dataDir: dataDir, runtimeTag: runtimeTag}, nil
}

// ID returns the node's stable ULID.
func (n *Node) ID() ID { return n.id }

// DataDir returns the root data directory.
func (n *Node) DataDir() string { return n.dataDir }

// RuntimeTag returns the environment this process serves.
func (n *Node) RuntimeTag() string { return n.runtimeTag }

// WorkerName is the label used on leases and log lines, e.g. "prod/01H...".
func (n *Node) WorkerName() string {
	return n.runtimeTag + "/" + n.id.String()
}

func loadOrGenerate(path string) (ID, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		raw := strings.TrimSpace(string(data))
		if _, perr := ulid.ParseStrict(raw); perr != nil {
			return "", fmt.Errorf("node: persisted id %q is invalid: %w", raw, perr)
		}
		return ID(raw), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("node: read id file: %w", err)
	}

	raw, err := NewID()
	if err != nil {
		return "", fmt.Errorf("node: generate id: %w", err)
	}
	if err := os.WriteFile(path, []byte(raw+"\n"), 0o640); err != nil {
		return "", fmt.Errorf("node: persist id: %w", err)
	}
	return ID(raw), nil
}

// One monotonic entropy source keeps ids ordered within a millisecond.
var (
	entropyMu sync.Mutex
	entropy   io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a fresh, time-sortable ULID string.
func NewID() (string, error) {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustNewID is like NewID but panics on error.
func MustNewID() string {
	id, err := NewID()
	if err != nil {
		panic(fmt.Sprintf("node.MustNewID: %v", err))
	}
	return id
}
