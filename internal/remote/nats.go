package remote

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// casAttempts bounds optimistic read-modify-write retries on revision races.
const casAttempts = 8

// initialChunk caps the number of documents per initial snapshot batch.
const initialChunk = 256

// NATSConfig configures the JetStream backend. Each collection maps to one
// key/value bucket; media goes to an object store bucket.
type NATSConfig struct {
	URL         string
	Name        string
	Buckets     map[string]string
	MediaBucket string
}

// NATS is a Backend on JetStream key/value buckets and an object store.
// Buckets are bound lazily so the daemon can start without connectivity.
type NATS struct {
	cfg    NATSConfig
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *zap.Logger

	mu   sync.Mutex
	kvs  map[string]jetstream.KeyValue
	obj  jetstream.ObjectStore
	subs map[*natsSub]struct{}

	watchMu  sync.Mutex
	watchers []func(bool)
}

// NewNATS connects to the server, retrying in the background when it is
// unreachable.
func NewNATS(cfg NATSConfig, logger *zap.Logger) (*NATS, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &NATS{
		cfg:    cfg,
		logger: logger,
		kvs:    make(map[string]jetstream.KeyValue),
		subs:   make(map[*natsSub]struct{}),
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.ConnectHandler(func(*nats.Conn) {
			logger.Info("remote connected", zap.String("url", cfg.URL))
			n.notify(true)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("remote disconnected", zap.Error(err))
			n.notify(false)
		}),
		nats.ReconnectHandler(func(*nats.Conn) {
			logger.Info("remote reconnected")
			n.notify(true)
		}),
	)
	if err != nil {
		return nil, errs.Transient("connect nats", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, errs.Transient("create jetstream context", err)
	}
	n.nc = nc
	n.js = js
	return n, nil
}

func (n *NATS) Online() bool { return n.nc.IsConnected() }

func (n *NATS) OnConnectivity(fn func(online bool)) {
	n.watchMu.Lock()
	defer n.watchMu.Unlock()
	n.watchers = append(n.watchers, fn)
}

func (n *NATS) notify(online bool) {
	n.watchMu.Lock()
	watchers := slices.Clone(n.watchers)
	n.watchMu.Unlock()
	for _, fn := range watchers {
		fn(online)
	}
}

// bucket returns the key/value bucket of a collection, creating it on first
// use.
func (n *NATS) bucket(ctx context.Context, collection string) (jetstream.KeyValue, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if kv, ok := n.kvs[collection]; ok {
		return kv, nil
	}
	name, ok := n.cfg.Buckets[collection]
	if !ok {
		name = "chatsync_" + collection
	}
	kv, err := n.js.KeyValue(ctx, name)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		n.logger.Info("creating kv bucket", zap.String("bucket", name))
		kv, err = n.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      name,
			Description: "chatsync " + collection,
			Storage:     jetstream.FileStorage,
		})
	}
	if err != nil {
		return nil, errs.Transient("bind bucket "+name, err)
	}
	n.kvs[collection] = kv
	return kv, nil
}

func (n *NATS) objectStore(ctx context.Context) (jetstream.ObjectStore, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.obj != nil {
		return n.obj, nil
	}
	obj, err := n.js.ObjectStore(ctx, n.cfg.MediaBucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		n.logger.Info("creating object store", zap.String("bucket", n.cfg.MediaBucket))
		obj, err = n.js.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
			Bucket:  n.cfg.MediaBucket,
			Storage: jetstream.FileStorage,
		})
	}
	if err != nil {
		return nil, errs.Transient("bind object store", err)
	}
	n.obj = obj
	return obj, nil
}

// update runs a compare-and-swap read-modify-write on one key.
func (n *NATS) update(ctx context.Context, collection, id string, apply func(base []byte) ([]byte, error)) (uint64, error) {
	if !n.Online() {
		return 0, ErrOffline
	}
	kv, err := n.bucket(ctx, collection)
	if err != nil {
		return 0, err
	}
	for range casAttempts {
		entry, err := kv.Get(ctx, id)
		var (
			base []byte
			rev  uint64
		)
		switch {
		case errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted):
		case err != nil:
			return 0, errs.Transient("kv get "+id, err)
		default:
			base, rev = entry.Value(), entry.Revision()
		}
		data, err := apply(base)
		if err != nil {
			return 0, errs.InvalidArg(err.Error())
		}
		var newRev uint64
		if rev == 0 {
			newRev, err = kv.Create(ctx, id, data)
		} else {
			newRev, err = kv.Update(ctx, id, data, rev)
		}
		if isRevisionConflict(err) {
			continue
		}
		if err != nil {
			return 0, errs.Transient("kv write "+id, err)
		}
		return newRev, nil
	}
	return 0, errs.New(errs.CodeConflict, fmt.Sprintf("kv write %s: too many concurrent updates", id))
}

func isRevisionConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

func (n *NATS) Write(ctx context.Context, collection, id string, fields map[string]any) (uint64, error) {
	return n.update(ctx, collection, id, func(base []byte) ([]byte, error) {
		return mergeFields(base, fields)
	})
}

func (n *NATS) IncrementCounter(ctx context.Context, c Counter, delta int64) (int64, uint64, error) {
	var value int64
	rev, err := n.update(ctx, c.Collection, c.ID, func(base []byte) ([]byte, error) {
		data, v, err := addCounter(base, c.Field, delta)
		value = v
		return data, err
	})
	if err != nil {
		return 0, 0, err
	}
	return value, rev, nil
}

// watchPattern narrows a watch to whole key tokens; partial-token prefixes are
// filtered client side.
func watchPattern(prefix string) string {
	if prefix != "" && strings.HasSuffix(prefix, ".") {
		return prefix + ">"
	}
	return ">"
}

// snapshot reads the current values matching q by draining a watcher up to
// its end-of-initial-values marker.
func (n *NATS) snapshot(ctx context.Context, q Query, opts ...jetstream.WatchOpt) ([]Document, error) {
	if !n.Online() {
		return nil, ErrOffline
	}
	kv, err := n.bucket(ctx, q.Collection)
	if err != nil {
		return nil, err
	}
	w, err := kv.Watch(ctx, watchPattern(q.Prefix), append(opts, jetstream.IgnoreDeletes())...)
	if err != nil {
		return nil, errs.Transient("kv watch", err)
	}
	defer func() { _ = w.Stop() }()

	var docs []Document
	for {
		select {
		case <-ctx.Done():
			return nil, errs.Transient("kv snapshot", ctx.Err())
		case entry, ok := <-w.Updates():
			if !ok {
				return docs, nil
			}
			if entry == nil {
				return docs, nil
			}
			if q.matches(q.Collection, entry.Key()) {
				docs = append(docs, entryDocument(q.Collection, entry))
			}
		}
	}
}

func (n *NATS) Fetch(ctx context.Context, q Query) ([]Document, error) {
	return n.snapshot(ctx, q)
}

func (n *NATS) Count(ctx context.Context, q Query) (int, error) {
	docs, err := n.snapshot(ctx, q, jetstream.MetaOnly())
	return len(docs), err
}

func (n *NATS) Upload(ctx context.Context, name string, data []byte) (string, error) {
	if !n.Online() {
		return "", ErrOffline
	}
	obj, err := n.objectStore(ctx)
	if err != nil {
		return "", err
	}
	if _, err := obj.PutBytes(ctx, name, data); err != nil {
		return "", errs.Transient("object put "+name, err)
	}
	return "nats://" + n.cfg.MediaBucket + "/" + name, nil
}

// Subscribe watches the matching keys. The watcher's initial values are
// grouped into Initial batches, the last of which carries InitialDone.
func (n *NATS) Subscribe(ctx context.Context, q Query) (Subscription, error) {
	if !n.Online() {
		return nil, ErrOffline
	}
	kv, err := n.bucket(ctx, q.Collection)
	if err != nil {
		return nil, err
	}
	wctx, cancel := context.WithCancel(ctx)
	w, err := kv.Watch(wctx, watchPattern(q.Prefix))
	if err != nil {
		cancel()
		return nil, errs.Transient("kv watch", err)
	}
	s := &natsSub{owner: n, query: q, watcher: w, cancel: cancel, out: make(chan Batch)}
	n.mu.Lock()
	n.subs[s] = struct{}{}
	n.mu.Unlock()
	go s.run(wctx)
	return s, nil
}

func (n *NATS) Close() error {
	n.mu.Lock()
	subs := make([]*natsSub, 0, len(n.subs))
	for s := range n.subs {
		subs = append(subs, s)
	}
	n.mu.Unlock()

	var err error
	for _, s := range subs {
		err = multierr.Append(err, s.Close())
	}
	if n.nc != nil {
		err = multierr.Append(err, n.nc.Drain())
	}
	return err
}

func entryDocument(collection string, e jetstream.KeyValueEntry) Document {
	return Document{
		Collection: collection,
		ID:         e.Key(),
		Fields:     e.Value(),
		Revision:   e.Revision(),
		Modified:   e.Created(),
	}
}

type natsSub struct {
	owner   *NATS
	query   Query
	watcher jetstream.KeyWatcher
	cancel  context.CancelFunc
	out     chan Batch
	once    sync.Once
	stopErr error
}

func (s *natsSub) Batches() <-chan Batch { return s.out }

func (s *natsSub) Close() error {
	s.once.Do(func() {
		s.owner.mu.Lock()
		delete(s.owner.subs, s)
		s.owner.mu.Unlock()
		err := s.watcher.Stop()
		if errors.Is(err, nats.ErrBadSubscription) {
			err = nil
		}
		s.stopErr = err
		s.cancel()
	})
	return s.stopErr
}

func (s *natsSub) run(ctx context.Context) {
	defer close(s.out)
	seen := make(map[string]struct{})
	initial := true
	var pending []Document

	send := func(b Batch) bool {
		select {
		case s.out <- b:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		var entry jetstream.KeyValueEntry
		select {
		case <-ctx.Done():
			return
		case e, ok := <-s.watcher.Updates():
			if !ok {
				return
			}
			entry = e
		}

		if entry == nil {
			if !send(Batch{Added: pending, Initial: true, InitialDone: true}) {
				return
			}
			pending, initial = nil, false
			continue
		}
		if !s.query.matches(s.query.Collection, entry.Key()) {
			continue
		}

		switch op := entry.Operation(); {
		case op == jetstream.KeyValueDelete || op == jetstream.KeyValuePurge:
			delete(seen, entry.Key())
			if !initial && !send(Batch{Removed: []string{entry.Key()}}) {
				return
			}
		case initial:
			seen[entry.Key()] = struct{}{}
			pending = append(pending, entryDocument(s.query.Collection, entry))
			if len(pending) == initialChunk {
				if !send(Batch{Added: pending, Initial: true}) {
					return
				}
				pending = nil
			}
		default:
			doc := entryDocument(s.query.Collection, entry)
			b := Batch{Added: []Document{doc}}
			if _, ok := seen[entry.Key()]; ok {
				b = Batch{Modified: []Document{doc}}
			}
			seen[entry.Key()] = struct{}{}
			if !send(b) {
				return
			}
		}
	}
}
