package core

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/livecam/internal/domain"
)

var (
	ErrAlreadyExists = errors.New("store: record already exists")
	ErrNotFound      = errors.New("store: record not found")
	ErrInvalidPath   = errors.New("store: invalid path")
)

// Record is a document together with its store metadata.
type Record struct {
	ID        string
	Path      string
	Data      domain.Doc
	CreatedAt time.Time
	// Seq is the store-assigned write order, used to order appends.
	Seq uint64
}

// Filter is an equality match on a top-level field.
type Filter struct {
	Field string
	Value any
}

// Guard inspects the current document inside a conditional update and
// rejects the write by returning an error.
type Guard func(current domain.Doc) error

// Unsubscribe cancels a subscription. Safe to call more than once.
type Unsubscribe func()

// Store is the signaling document store. Paths alternate collection and
// document segments: "sessions/{id}/offerCandidates/{rid}".
//
// Subscriptions are at-least-once: the same state may be delivered more than
// once. Delivery is ordered per path, not across paths. Callbacks run on a
// store goroutine and must not block for long.
type Store interface {
	CreateRecord(ctx context.Context, path string, doc domain.Doc) (string, error)
	SetFields(ctx context.Context, path string, fields domain.Doc, merge bool) error
	UpdateRecord(ctx context.Context, path string, fields domain.Doc, guard Guard) error
	GetRecord(ctx context.Context, path string) (domain.Doc, bool, error)
	AppendRecord(ctx context.Context, collection string, doc domain.Doc) (string, error)
	DeleteRecord(ctx context.Context, path string) error
	Query(ctx context.Context, collection string, filters ...Filter) ([]Record, error)

	SubscribeRecord(path string, fn func(doc domain.Doc, exists bool)) (Unsubscribe, error)
	SubscribeCollection(collection string, fn func(added []Record)) (Unsubscribe, error)
	SubscribeQuery(collection string, filters []Filter, fn func(matched []Record)) (Unsubscribe, error)
}
