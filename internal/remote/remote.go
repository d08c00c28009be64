// Package remote defines the authoritative document store the engine syncs
// against, with an in-process backend and a NATS JetStream backend.
package remote

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/errs"
)

// Document is one remote record. Fields is a JSON object.
type Document struct {
	Collection string
	ID         string
	Fields     []byte
	Revision   uint64
	Modified   time.Time
}

// Decode unmarshals the document fields into v.
func (d Document) Decode(v any) error {
	return json.Unmarshal(d.Fields, v)
}

// Batch is one change notification of a subscription. The first batches of a
// subscription carry the current snapshot and are flagged Initial; the batch
// that completes the snapshot also sets InitialDone.
type Batch struct {
	Added       []Document
	Modified    []Document
	Removed     []string
	Initial     bool
	InitialDone bool
}

// Empty reports whether b carries no documents.
func (b Batch) Empty() bool {
	return len(b.Added) == 0 && len(b.Modified) == 0 && len(b.Removed) == 0
}

// Query selects the documents of a collection whose id starts with Prefix.
type Query struct {
	Collection string
	Prefix     string
}

func (q Query) matches(collection, id string) bool {
	return q.Collection == collection && strings.HasPrefix(id, q.Prefix)
}

// Counter addresses a numeric field inside a document. Field may be dotted.
type Counter struct {
	Collection string
	ID         string
	Field      string
}

// Subscription streams change batches until closed. Batches is closed when
// the subscription ends.
type Subscription interface {
	Batches() <-chan Batch
	Close() error
}

// Store is the remote document store.
type Store interface {
	// Write merges fields into the document, creating it if needed, and
	// returns the new revision. Dotted keys address nested fields.
	Write(ctx context.Context, collection, id string, fields map[string]any) (uint64, error)
	Fetch(ctx context.Context, q Query) ([]Document, error)
	Subscribe(ctx context.Context, q Query) (Subscription, error)
	// IncrementCounter atomically adds delta to a counter, clamping at zero,
	// and returns its new value and the document revision.
	IncrementCounter(ctx context.Context, c Counter, delta int64) (int64, uint64, error)
	Count(ctx context.Context, q Query) (int, error)
}

// ObjectStore stores media blobs and returns a URL referencing them.
type ObjectStore interface {
	Upload(ctx context.Context, name string, data []byte) (string, error)
}

// Backend is a complete remote: documents, objects and a connectivity feed.
type Backend interface {
	Store
	ObjectStore
	Online() bool
	// OnConnectivity registers a callback invoked on every online/offline
	// transition.
	OnConnectivity(fn func(online bool))
	Close() error
}

// ErrOffline is returned by operations attempted without connectivity.
var ErrOffline = errs.New(errs.CodeTransient, "remote offline")
