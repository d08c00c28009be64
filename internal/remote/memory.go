package remote

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/errs"
)

// Op names a remote operation for failure injection.
type Op string

const (
	OpWrite     Op = "write"
	OpFetch     Op = "fetch"
	OpIncrement Op = "increment"
	OpUpload    Op = "upload"
)

// WriteRecord is one accepted Write, kept in arrival order.
type WriteRecord struct {
	Collection string
	ID         string
	Fields     map[string]any
	Revision   uint64
}

type memDoc struct {
	data     []byte
	rev      uint64
	modified time.Time
}

type fault struct {
	remaining int // negative: until healed
	err       error
}

// Memory is an in-process Backend. It backs the offline demo mode and tests:
// connectivity can be switched and failures injected per operation.
type Memory struct {
	mu       sync.Mutex
	docs     map[string]map[string]*memDoc
	objects  map[string][]byte
	rev      uint64
	online   bool
	subs     map[*memSub]struct{}
	faults   map[Op]*fault
	writes   []WriteRecord
	watchers []func(bool)
}

// NewMemory creates an empty, online in-process backend.
func NewMemory() *Memory {
	return &Memory{
		docs:    make(map[string]map[string]*memDoc),
		objects: make(map[string][]byte),
		online:  true,
		subs:    make(map[*memSub]struct{}),
		faults:  make(map[Op]*fault),
	}
}

func (m *Memory) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline switches connectivity. Subscriptions hold deliveries while
// offline and flush them when connectivity returns.
func (m *Memory) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	watchers := slices.Clone(m.watchers)
	subs := slices.Collect(maps.Keys(m.subs))
	m.mu.Unlock()

	for _, s := range subs {
		s.wake()
	}
	for _, fn := range watchers {
		fn(online)
	}
}

func (m *Memory) OnConnectivity(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchers = append(m.watchers, fn)
}

// Fail makes the next times calls of op fail with err. A negative times
// fails until Heal. A nil err defaults to a transient failure.
func (m *Memory) Fail(op Op, times int, err error) {
	if err == nil {
		err = errs.New(errs.CodeTransient, "injected "+string(op)+" failure")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if times == 0 {
		delete(m.faults, op)
		return
	}
	m.faults[op] = &fault{remaining: times, err: err}
}

// Heal clears injected failures for op.
func (m *Memory) Heal(op Op) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.faults, op)
}

// Writes returns every accepted Write in arrival order.
func (m *Memory) Writes() []WriteRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.writes)
}

// Get returns a stored document.
func (m *Memory) Get(collection, id string) (Document, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[collection][id]
	if !ok {
		return Document{}, false
	}
	return d.document(collection, id), true
}

// Object returns an uploaded object by name.
func (m *Memory) Object(name string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[name]
	return b, ok
}

// check must be called with mu held.
func (m *Memory) check(op Op) error {
	if !m.online {
		return ErrOffline
	}
	f, ok := m.faults[op]
	if !ok {
		return nil
	}
	if f.remaining > 0 {
		f.remaining--
		if f.remaining == 0 {
			delete(m.faults, op)
		}
	}
	return f.err
}

func (m *Memory) Write(ctx context.Context, collection, id string, fields map[string]any) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpWrite); err != nil {
		return 0, err
	}
	coll := m.collection(collection)
	prev, existed := coll[id]
	var base []byte
	if existed {
		base = prev.data
	}
	data, err := mergeFields(base, fields)
	if err != nil {
		return 0, errs.InvalidArg(err.Error())
	}
	d := m.store(collection, id, data)
	m.writes = append(m.writes, WriteRecord{Collection: collection, ID: id, Fields: maps.Clone(fields), Revision: d.rev})
	m.publish(collection, id, d, existed)
	return d.rev, nil
}

func (m *Memory) IncrementCounter(ctx context.Context, c Counter, delta int64) (int64, uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpIncrement); err != nil {
		return 0, 0, err
	}
	prev, existed := m.collection(c.Collection)[c.ID]
	var base []byte
	if existed {
		base = prev.data
	}
	data, value, err := addCounter(base, c.Field, delta)
	if err != nil {
		return 0, 0, errs.InvalidArg(err.Error())
	}
	d := m.store(c.Collection, c.ID, data)
	m.publish(c.Collection, c.ID, d, existed)
	return value, d.rev, nil
}

// Delete removes a document and notifies subscribers.
func (m *Memory) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpWrite); err != nil {
		return err
	}
	if _, ok := m.docs[collection][id]; !ok {
		return nil
	}
	delete(m.docs[collection], id)
	for s := range m.subs {
		if s.query.matches(collection, id) {
			s.push(Batch{Removed: []string{id}})
		}
	}
	return nil
}

func (m *Memory) Fetch(ctx context.Context, q Query) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpFetch); err != nil {
		return nil, err
	}
	return m.matching(q), nil
}

func (m *Memory) Count(ctx context.Context, q Query) (int, error) {
	docs, err := m.Fetch(ctx, q)
	return len(docs), err
}

func (m *Memory) Upload(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpUpload); err != nil {
		return "", err
	}
	m.objects[name] = slices.Clone(data)
	return "mem://objects/" + name, nil
}

// Subscribe delivers the current matching snapshot as one initial batch, then
// every change.
func (m *Memory) Subscribe(ctx context.Context, q Query) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &memSub{
		owner:  m,
		query:  q,
		out:    make(chan Batch),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	m.mu.Lock()
	s.push(Batch{Added: m.matching(q), Initial: true, InitialDone: true})
	m.subs[s] = struct{}{}
	m.mu.Unlock()

	go s.pump()
	return s, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	subs := slices.Collect(maps.Keys(m.subs))
	m.mu.Unlock()
	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}

func (m *Memory) collection(name string) map[string]*memDoc {
	coll, ok := m.docs[name]
	if !ok {
		coll = make(map[string]*memDoc)
		m.docs[name] = coll
	}
	return coll
}

func (m *Memory) store(collection, id string, data []byte) *memDoc {
	m.rev++
	d := &memDoc{data: data, rev: m.rev, modified: time.Now()}
	m.collection(collection)[id] = d
	return d
}

func (m *Memory) publish(collection, id string, d *memDoc, existed bool) {
	doc := d.document(collection, id)
	for s := range m.subs {
		if !s.query.matches(collection, id) {
			continue
		}
		if existed {
			s.push(Batch{Modified: []Document{doc}})
		} else {
			s.push(Batch{Added: []Document{doc}})
		}
	}
}

func (m *Memory) matching(q Query) []Document {
	var docs []Document
	for id, d := range m.docs[q.Collection] {
		if q.matches(q.Collection, id) {
			docs = append(docs, d.document(q.Collection, id))
		}
	}
	slices.SortFunc(docs, func(a, b Document) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return docs
}

func (d *memDoc) document(collection, id string) Document {
	return Document{Collection: collection, ID: id, Fields: slices.Clone(d.data), Revision: d.rev, Modified: d.modified}
}

// memSub queues batches without bound so writers never block on a slow
// subscriber; pump forwards them in order.
type memSub struct {
	owner  *Memory
	query  Query
	out    chan Batch
	signal chan struct{}
	done   chan struct{}

	mu        sync.Mutex
	queue     []Batch
	closeOnce sync.Once
}

func (s *memSub) Batches() <-chan Batch { return s.out }

func (s *memSub) Close() error {
	s.closeOnce.Do(func() {
		s.owner.mu.Lock()
		delete(s.owner.subs, s)
		s.owner.mu.Unlock()
		close(s.done)
	})
	return nil
}

func (s *memSub) push(b Batch) {
	s.mu.Lock()
	s.queue = append(s.queue, b)
	s.mu.Unlock()
	s.wake()
}

func (s *memSub) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *memSub) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}
		for s.owner.Online() {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			b := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			select {
			case s.out <- b:
			case <-s.done:
				return
			}
		}
	}
}
