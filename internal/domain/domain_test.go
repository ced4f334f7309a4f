package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionLiveness(t *testing.T) {
	now := time.Now()
	ttl := 15 * time.Second

	fresh := Session{Online: true, UpdatedAt: now.Add(-5 * time.Second)}
	assert.True(t, fresh.Live(now, ttl))

	stale := Session{Online: true, UpdatedAt: now.Add(-20 * time.Second)}
	assert.True(t, stale.Stale(now, ttl))
	assert.False(t, stale.Live(now, ttl), "stale session must not be joinable even when online")

	offline := Session{Online: false, UpdatedAt: now}
	assert.False(t, offline.Live(now, ttl))
}

func TestSessionFromDoc(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := Session{
		ID:          "CAM-7731",
		OwnerID:     "owner-1",
		DeviceLabel: "Porch",
		OfferSDP:    "v=0 offer",
		Online:      true,
		CreatedAt:   created,
		UpdatedAt:   created.Add(time.Minute),
	}
	doc := s.Fields()
	_, hasAnswer := doc[FieldAnswerSDP]
	require.False(t, hasAnswer, "answer must be absent at creation")

	doc[FieldAnswerSDP] = "v=0 answer"
	got, err := SessionFromDoc("CAM-7731", doc)
	require.NoError(t, err)
	assert.Equal(t, s.OwnerID, got.OwnerID)
	assert.Equal(t, "v=0 answer", got.AnswerSDP)
	assert.True(t, got.Answered())
	assert.True(t, got.UpdatedAt.Equal(s.UpdatedAt))

	// timestamps serialized as text by foreign writers are accepted too
	doc[FieldCreatedAt] = created.Format(time.RFC3339Nano)
	got, err = SessionFromDoc("CAM-7731", doc)
	require.NoError(t, err)
	assert.True(t, got.CreatedAt.Equal(created))
}

func TestCandidateRecordDoc(t *testing.T) {
	mid := "0"
	idx := uint16(1)
	rec := NewCandidateRecord("CAM-1", OriginOfferer, 3, webrtc.ICECandidateInit{
		Candidate:     "candidate:1 1 udp 2130706431 192.168.1.2 50000 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	})
	got, err := CandidateFromDoc(rec.Fields())
	require.NoError(t, err)
	require.NotNil(t, got.SDPMid)
	require.NotNil(t, got.SDPMLineIndex)
	assert.Equal(t, "0", *got.SDPMid)
	assert.Equal(t, uint16(1), *got.SDPMLineIndex)
	assert.Equal(t, rec.Candidate, got.Init().Candidate)

	bare, err := CandidateFromDoc(Doc{FieldCandidate: "c"})
	require.NoError(t, err)
	assert.Nil(t, bare.SDPMid)
	assert.Nil(t, bare.SDPMLineIndex)
}

func TestPaths(t *testing.T) {
	assert.Equal(t, "sessions/CAM-1/offerCandidates", CandidatesPath("CAM-1", OriginOfferer))
	assert.Equal(t, "sessions/CAM-1/answerCandidates", CandidatesPath("CAM-1", OriginAnswerer))
	assert.Equal(t, OriginAnswerer, OriginOfferer.Peer())

	id, ok := SessionIDFromPath("sessions/CAM-1")
	assert.True(t, ok)
	assert.Equal(t, SessionID("CAM-1"), id)
	_, ok = SessionIDFromPath("sessions/CAM-1/offerCandidates")
	assert.False(t, ok)
}

func TestResolveIdentity(t *testing.T) {
	id, label, generated, err := ResolveIdentity("", "CAM-7731")
	require.NoError(t, err)
	assert.Equal(t, SessionID("CAM-7731"), id)
	assert.Equal(t, "CAM-7731", label)
	assert.False(t, generated)

	id, label, generated, err = ResolveIdentity("", "")
	require.NoError(t, err)
	assert.True(t, generated)
	assert.True(t, strings.HasPrefix(string(id), "CAM-"))
	assert.Len(t, string(id), 8)
	assert.Equal(t, string(id), label)

	_, _, _, err = ResolveIdentity("", strings.Repeat("x", MaxDeviceLabelLen+1))
	assert.ErrorIs(t, err, ErrDeviceLabelTooLong)
}

func TestErrorKinds(t *testing.T) {
	err := fmt.Errorf("stop: %w", NewTransportError("monitor", ReasonRestartsExhausted, errors.New("boom")))
	assert.ErrorIs(t, err, ErrTransport)
	assert.NotErrorIs(t, err, ErrNegotiation)
	assert.Equal(t, KindTransport, KindOf(err))
	assert.Contains(t, err.Error(), ReasonRestartsExhausted)

	nf := NewNotFoundError("lookup", ReasonSessionMissing)
	assert.False(t, nf.Fatal())
	assert.True(t, NewCaptureError("capture", nil).Fatal())
	assert.Equal(t, ErrorKind(0), KindOf(errors.New("plain")))
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "NEGOTIATING", BroadcasterNegotiating.String())
	assert.Equal(t, "DISCONNECTED", ViewerDisconnected.String())
	assert.True(t, BroadcasterLive.Running())
	assert.False(t, BroadcasterOffering.Running())
}
