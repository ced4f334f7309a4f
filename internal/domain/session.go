// Package domain contains the signaling records and their invariants.
package domain

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// Doc is a store document: a flat field map.
type Doc map[string]any

type (
	SessionID string
	OwnerID   string
)

const SessionsCollection = "sessions"

const (
	FieldID          = "id"
	FieldOwnerID     = "ownerId"
	FieldDeviceLabel = "deviceLabel"
	FieldOfferSDP    = "offerSDP"
	FieldAnswerSDP   = "answerSDP"
	FieldOnline      = "online"
	FieldCreatedAt   = "createdAt"
	FieldUpdatedAt   = "updatedAt"
)

const deviceIDPrefix = "CAM-"

// Session is one broadcaster's offer waiting for (or paired with) a viewer.
type Session struct {
	ID          SessionID `mapstructure:"id" json:"id"`
	OwnerID     OwnerID   `mapstructure:"ownerId" json:"ownerId"`
	DeviceLabel string    `mapstructure:"deviceLabel" json:"deviceLabel"`
	OfferSDP    string    `mapstructure:"offerSDP" json:"-"`
	AnswerSDP   string    `mapstructure:"answerSDP" json:"-"`
	Online      bool      `mapstructure:"online" json:"online"`
	CreatedAt   time.Time `mapstructure:"createdAt" json:"createdAt"`
	UpdatedAt   time.Time `mapstructure:"updatedAt" json:"updatedAt"`
}

// NewDeviceID returns a short human-readable id such as "CAM-0421".
func NewDeviceID() SessionID {
	return SessionID(fmt.Sprintf("%s%04d", deviceIDPrefix, rand.IntN(10000)))
}

func SessionPath(id SessionID) string {
	return SessionsCollection + "/" + string(id)
}

// SessionIDFromPath extracts the id from "sessions/{id}".
func SessionIDFromPath(path string) (SessionID, bool) {
	rest, ok := strings.CutPrefix(path, SessionsCollection+"/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return SessionID(rest), true
}

// Answered reports whether a viewer already claimed the session.
func (s *Session) Answered() bool { return s.AnswerSDP != "" }

// Stale reports whether the heartbeat is older than ttl.
func (s *Session) Stale(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.UpdatedAt) > ttl
}

// Live is the joinability rule: online flag set and heartbeat fresh.
func (s *Session) Live(now time.Time, ttl time.Duration) bool {
	return s.Online && !s.Stale(now, ttl)
}

// Fields is the document written at creation. answerSDP is omitted so that
// it stays absent until a viewer sets it.
func (s *Session) Fields() Doc {
	return Doc{
		FieldID:          string(s.ID),
		FieldOwnerID:     string(s.OwnerID),
		FieldDeviceLabel: s.DeviceLabel,
		FieldOfferSDP:    s.OfferSDP,
		FieldOnline:      s.Online,
		FieldCreatedAt:   s.CreatedAt,
		FieldUpdatedAt:   s.UpdatedAt,
	}
}

// SessionFromDoc decodes a stored session document.
func SessionFromDoc(id SessionID, doc Doc) (Session, error) {
	var s Session
	if err := decode(doc, &s); err != nil {
		return Session{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	s.ID = id
	return s, nil
}

func decode(doc Doc, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(map[string]any(doc))
}
