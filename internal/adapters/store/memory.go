// Package store holds SignalingStore implementations.
package store

import (
	"cmp"
	"context"
	"maps"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/livecam/internal/core"
	"github.com/dkeye/livecam/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type entry struct {
	data    domain.Doc
	created time.Time
	// seq is the write sequence at creation; updates keep it.
	seq uint64
}

type subKind uint8

const (
	subRecord subKind = iota
	subCollection
	subQuery
)

type subscription struct {
	kind    subKind
	path    string
	filters []core.Filter

	onRecord func(domain.Doc, bool)
	onRecs   func([]core.Record)

	mb *mailbox
}

// Option configures a MemoryStore.
type Option func(*MemoryStore)

// WithClock overrides the time source used for record metadata.
func WithClock(now func() time.Time) Option {
	return func(s *MemoryStore) { s.now = now }
}

// WithDuplicateDelivery delivers every subscription event twice.
func WithDuplicateDelivery() Option {
	return func(s *MemoryStore) { s.dup = true }
}

// MemoryStore is an in-process core.Store. Writes are linearized by one
// mutex; subscription callbacks run on a goroutine per subscription.
type MemoryStore struct {
	mu      sync.RWMutex
	docs    map[string]*entry
	seq     uint64
	subs    map[uint64]*subscription
	nextSub uint64

	now func() time.Time
	dup bool
}

var _ core.Store = (*MemoryStore)(nil)

func NewMemoryStore(opts ...Option) *MemoryStore {
	s := &MemoryStore{
		docs: make(map[string]*entry),
		subs: make(map[uint64]*subscription),
		now:  time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *MemoryStore) CreateRecord(ctx context.Context, path string, doc domain.Doc) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !isDocPath(path) {
		return "", core.ErrInvalidPath
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[path]; ok {
		return "", core.ErrAlreadyExists
	}
	s.put(path, copyDoc(doc), true)
	return lastSegment(path), nil
}

func (s *MemoryStore) SetFields(ctx context.Context, path string, fields domain.Doc, merge bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !isDocPath(path) {
		return core.ErrInvalidPath
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.docs[path]
	if !ok {
		s.put(path, copyDoc(fields), true)
		return nil
	}
	data := copyDoc(fields)
	if merge {
		data = copyDoc(e.data)
		maps.Copy(data, fields)
	}
	s.put(path, data, false)
	return nil
}

func (s *MemoryStore) UpdateRecord(ctx context.Context, path string, fields domain.Doc, guard core.Guard) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !isDocPath(path) {
		return core.ErrInvalidPath
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.docs[path]
	if !ok {
		return core.ErrNotFound
	}
	if guard != nil {
		if err := guard(copyDoc(e.data)); err != nil {
			return err
		}
	}
	data := copyDoc(e.data)
	maps.Copy(data, fields)
	s.put(path, data, false)
	return nil
}

func (s *MemoryStore) GetRecord(ctx context.Context, path string) (domain.Doc, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.docs[path]
	if !ok {
		return nil, false, nil
	}
	return copyDoc(e.data), true, nil
}

func (s *MemoryStore) AppendRecord(ctx context.Context, collection string, doc domain.Doc) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !isCollectionPath(collection) {
		return "", core.ErrInvalidPath
	}

	id := uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.put(collection+"/"+id, copyDoc(doc), true)
	return id, nil
}

// DeleteRecord removes the document and everything nested under it.
func (s *MemoryStore) DeleteRecord(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := path + "/"
	removed := make([]string, 0, 1)
	for p := range s.docs {
		if p == path || strings.HasPrefix(p, prefix) {
			removed = append(removed, p)
		}
	}
	if len(removed) == 0 {
		return nil
	}
	collections := make(map[string]struct{})
	for _, p := range removed {
		delete(s.docs, p)
		collections[parentOf(p)] = struct{}{}
	}
	for _, p := range removed {
		for _, sub := range s.subs {
			if sub.kind == subRecord && sub.path == p {
				s.push(sub, func() { sub.onRecord(nil, false) })
			}
		}
	}
	for c := range collections {
		s.notifyQueries(c)
	}
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, collection string, filters ...core.Filter) ([]core.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !isCollectionPath(collection) {
		return nil, core.ErrInvalidPath
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.children(collection, filters), nil
}

func (s *MemoryStore) SubscribeRecord(path string, fn func(domain.Doc, bool)) (core.Unsubscribe, error) {
	if !isDocPath(path) {
		return nil, core.ErrInvalidPath
	}
	return s.subscribe(&subscription{kind: subRecord, path: path, onRecord: fn}, func(sub *subscription) {
		e, ok := s.docs[path]
		var data domain.Doc
		if ok {
			data = copyDoc(e.data)
		}
		s.push(sub, func() { fn(data, ok) })
	})
}

func (s *MemoryStore) SubscribeCollection(collection string, fn func([]core.Record)) (core.Unsubscribe, error) {
	if !isCollectionPath(collection) {
		return nil, core.ErrInvalidPath
	}
	return s.subscribe(&subscription{kind: subCollection, path: collection, onRecs: fn}, func(sub *subscription) {
		existing := s.children(collection, nil)
		if len(existing) > 0 {
			s.push(sub, func() { fn(existing) })
		}
	})
}

func (s *MemoryStore) SubscribeQuery(collection string, filters []core.Filter, fn func([]core.Record)) (core.Unsubscribe, error) {
	if !isCollectionPath(collection) {
		return nil, core.ErrInvalidPath
	}
	filters = slices.Clone(filters)
	return s.subscribe(&subscription{kind: subQuery, path: collection, filters: filters, onRecs: fn}, func(sub *subscription) {
		matched := s.children(collection, filters)
		s.push(sub, func() { fn(matched) })
	})
}

// ActiveSubscriptions is the number of subscriptions not yet cancelled.
func (s *MemoryStore) ActiveSubscriptions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Len is the number of stored documents, nested ones included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

func (s *MemoryStore) subscribe(sub *subscription, initial func(*subscription)) (core.Unsubscribe, error) {
	sub.mb = newMailbox()
	go sub.mb.run()

	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = sub
	initial(sub)
	s.mu.Unlock()

	log.Debug().Str("module", "adapters.store").Str("path", sub.path).Uint64("sub", id).Msg("subscribed")

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			sub.mb.close()
		})
	}, nil
}

// put stores data and fans the change out. Caller holds s.mu.
func (s *MemoryStore) put(path string, data domain.Doc, created bool) {
	s.seq++
	e := &entry{data: data, seq: s.seq, created: s.now()}
	if old, ok := s.docs[path]; ok && !created {
		e.created = old.created
		e.seq = old.seq
	}
	s.docs[path] = e

	parent := parentOf(path)
	for _, sub := range s.subs {
		switch sub.kind {
		case subRecord:
			if sub.path == path {
				snapshot := copyDoc(data)
				s.push(sub, func() { sub.onRecord(snapshot, true) })
			}
		case subCollection:
			if created && sub.path == parent {
				rec := recordOf(path, e)
				s.push(sub, func() { sub.onRecs([]core.Record{rec}) })
			}
		}
	}
	s.notifyQueries(parent)
}

func (s *MemoryStore) notifyQueries(collection string) {
	for _, sub := range s.subs {
		if sub.kind == subQuery && sub.path == collection {
			matched := s.children(collection, sub.filters)
			s.push(sub, func() { sub.onRecs(matched) })
		}
	}
}

func (s *MemoryStore) push(sub *subscription, fn func()) {
	sub.mb.push(fn)
	if s.dup {
		sub.mb.push(fn)
	}
}

// children returns direct children of collection in creation order.
func (s *MemoryStore) children(collection string, filters []core.Filter) []core.Record {
	out := make([]core.Record, 0)
	for p, e := range s.docs {
		if parentOf(p) != collection || !matches(e.data, filters) {
			continue
		}
		out = append(out, recordOf(p, e))
	}
	slices.SortFunc(out, func(a, b core.Record) int {
		return cmp.Compare(a.Seq, b.Seq)
	})
	return out
}

func matches(doc domain.Doc, filters []core.Filter) bool {
	for _, f := range filters {
		v, ok := doc[f.Field]
		if !ok || !reflect.DeepEqual(v, f.Value) {
			return false
		}
	}
	return true
}

func recordOf(path string, e *entry) core.Record {
	return core.Record{
		ID:        lastSegment(path),
		Path:      path,
		Data:      copyDoc(e.data),
		CreatedAt: e.created,
		Seq:       e.seq,
	}
}

func copyDoc(d domain.Doc) domain.Doc {
	if d == nil {
		return domain.Doc{}
	}
	return maps.Clone(d)
}

func segments(path string) []string {
	if path == "" {
		return nil
	}
	parts := strings.Split(path, "/")
	for _, p := range parts {
		if p == "" {
			return nil
		}
	}
	return parts
}

func isDocPath(path string) bool {
	n := len(segments(path))
	return n > 0 && n%2 == 0
}

func isCollectionPath(path string) bool {
	return len(segments(path))%2 == 1
}

func parentOf(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return ""
}

func lastSegment(path string) string {
	return path[strings.LastIndexByte(path, '/')+1:]
}
