package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/livecam/internal/core"
	"github.com/dkeye/livecam/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type docLog struct {
	mu     sync.Mutex
	states []domain.Doc
	exists []bool
}

func (l *docLog) add(d domain.Doc, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, d)
	l.exists = append(l.exists, ok)
}

func (l *docLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.states)
}

func (l *docLog) at(i int) (domain.Doc, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.states[i], l.exists[i]
}

type recLog struct {
	mu   sync.Mutex
	ids  []string
	sets [][]core.Record
}

func (l *recLog) add(recs []core.Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sets = append(l.sets, recs)
	for _, r := range recs {
		l.ids = append(l.ids, r.ID)
	}
}

func (l *recLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ids...)
}

func (l *recLog) last() []core.Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.sets) == 0 {
		return nil
	}
	return l.sets[len(l.sets)-1]
}

func TestCreateRecordRejectsOccupiedPath(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	id, err := s.CreateRecord(ctx, "sessions/CAM-1", domain.Doc{"online": true})
	require.NoError(t, err)
	assert.Equal(t, "CAM-1", id)

	_, err = s.CreateRecord(ctx, "sessions/CAM-1", domain.Doc{"online": false})
	assert.ErrorIs(t, err, core.ErrAlreadyExists)

	_, err = s.CreateRecord(ctx, "sessions", domain.Doc{})
	assert.ErrorIs(t, err, core.ErrInvalidPath)
}

func TestSetFieldsMergeIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.SetFields(ctx, "sessions/a", domain.Doc{"x": 1}, true))
	require.NoError(t, s.SetFields(ctx, "sessions/a", domain.Doc{"y": 2}, true))
	require.NoError(t, s.SetFields(ctx, "sessions/a", domain.Doc{"y": 2}, true))

	doc, ok, err := s.GetRecord(ctx, "sessions/a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.Doc{"x": 1, "y": 2}, doc)

	require.NoError(t, s.SetFields(ctx, "sessions/a", domain.Doc{"z": 3}, false))
	doc, _, _ = s.GetRecord(ctx, "sessions/a")
	assert.Equal(t, domain.Doc{"z": 3}, doc)
}

func TestUpdateRecordRequiresExistingDocument(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	err := s.UpdateRecord(ctx, "sessions/gone", domain.Doc{"updatedAt": time.Now()}, nil)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Equal(t, 0, s.Len())

	_, err = s.CreateRecord(ctx, "sessions/a", domain.Doc{"offer": "o"})
	require.NoError(t, err)

	errTaken := errors.New("taken")
	guard := func(cur domain.Doc) error {
		if _, ok := cur["answer"]; ok {
			return errTaken
		}
		return nil
	}
	require.NoError(t, s.UpdateRecord(ctx, "sessions/a", domain.Doc{"answer": "first"}, guard))
	assert.ErrorIs(t, s.UpdateRecord(ctx, "sessions/a", domain.Doc{"answer": "second"}, guard), errTaken)

	doc, _, _ := s.GetRecord(ctx, "sessions/a")
	assert.Equal(t, "first", doc["answer"])
	assert.Equal(t, "o", doc["offer"])
}

func TestDeleteRecordCascadesAndIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.CreateRecord(ctx, "sessions/a", domain.Doc{})
	require.NoError(t, err)
	_, err = s.AppendRecord(ctx, "sessions/a/offerCandidates", domain.Doc{"candidate": "c1"})
	require.NoError(t, err)
	_, err = s.CreateRecord(ctx, "sessions/ab", domain.Doc{})
	require.NoError(t, err)

	require.NoError(t, s.DeleteRecord(ctx, "sessions/a"))
	require.NoError(t, s.DeleteRecord(ctx, "sessions/a"))

	recs, err := s.Query(ctx, "sessions/a/offerCandidates")
	require.NoError(t, err)
	assert.Empty(t, recs)
	_, ok, _ := s.GetRecord(ctx, "sessions/ab")
	assert.True(t, ok, "sibling with shared prefix must survive")
}

func TestSubscribeRecordDeliversCurrentStateThenChanges(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var l docLog
	unsub, err := s.SubscribeRecord("sessions/a", l.add)
	require.NoError(t, err)
	defer unsub()

	require.Eventually(t, func() bool { return l.len() == 1 }, waitFor, tick)
	_, exists := l.at(0)
	assert.False(t, exists)

	_, err = s.CreateRecord(ctx, "sessions/a", domain.Doc{"n": 1})
	require.NoError(t, err)
	require.NoError(t, s.UpdateRecord(ctx, "sessions/a", domain.Doc{"n": 2}, nil))
	require.NoError(t, s.DeleteRecord(ctx, "sessions/a"))

	require.Eventually(t, func() bool { return l.len() == 4 }, waitFor, tick)
	d1, _ := l.at(1)
	d2, _ := l.at(2)
	_, exists = l.at(3)
	assert.Equal(t, 1, d1["n"])
	assert.Equal(t, 2, d2["n"])
	assert.False(t, exists)
}

func TestSubscribeCollectionDeliversAppendsInOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	coll := "sessions/a/offerCandidates"

	first, err := s.AppendRecord(ctx, coll, domain.Doc{"candidate": "c0"})
	require.NoError(t, err)

	var l recLog
	unsub, err := s.SubscribeCollection(coll, l.add)
	require.NoError(t, err)
	defer unsub()

	ids := []string{first}
	for _, c := range []string{"c1", "c2", "c3"} {
		id, err := s.AppendRecord(ctx, coll, domain.Doc{"candidate": c})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.Eventually(t, func() bool { return len(l.snapshot()) == 4 }, waitFor, tick)
	assert.Equal(t, ids, l.snapshot())
}

func TestSubscribeQueryFiltersMatches(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var l recLog
	unsub, err := s.SubscribeQuery("sessions", []core.Filter{{Field: "ownerId", Value: "u1"}, {Field: "online", Value: true}}, l.add)
	require.NoError(t, err)
	defer unsub()

	_, err = s.CreateRecord(ctx, "sessions/a", domain.Doc{"ownerId": "u1", "online": true})
	require.NoError(t, err)
	_, err = s.CreateRecord(ctx, "sessions/b", domain.Doc{"ownerId": "u2", "online": true})
	require.NoError(t, err)
	_, err = s.CreateRecord(ctx, "sessions/c", domain.Doc{"ownerId": "u1", "online": false})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		last := l.last()
		return len(last) == 1 && last[0].ID == "a"
	}, waitFor, tick)

	require.NoError(t, s.DeleteRecord(ctx, "sessions/a"))
	require.Eventually(t, func() bool { return l.last() != nil && len(l.last()) == 0 }, waitFor, tick)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var l recLog
	unsub, err := s.SubscribeCollection("sessions/a/answerCandidates", l.add)
	require.NoError(t, err)
	assert.Equal(t, 1, s.ActiveSubscriptions())

	unsub()
	unsub()
	assert.Equal(t, 0, s.ActiveSubscriptions())

	_, err = s.AppendRecord(ctx, "sessions/a/answerCandidates", domain.Doc{"candidate": "late"})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, l.snapshot())
}

func TestDuplicateDelivery(t *testing.T) {
	s := NewMemoryStore(WithDuplicateDelivery())
	ctx := context.Background()

	var l recLog
	unsub, err := s.SubscribeCollection("sessions/a/offerCandidates", l.add)
	require.NoError(t, err)
	defer unsub()

	id, err := s.AppendRecord(ctx, "sessions/a/offerCandidates", domain.Doc{"candidate": "c"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(l.snapshot()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{id, id}, l.snapshot())
}

func TestCancelledContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.AppendRecord(ctx, "sessions/a/offerCandidates", domain.Doc{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, s.Len())
}
