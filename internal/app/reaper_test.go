package app

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/livecam/internal/adapters/store"
	"github.com/dkeye/livecam/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaperSweepRemovesStaleSessionsWithCandidates(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	clk := newClock(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))

	putSession(t, s, "CAM-0001", "alice", true, clk.Now())
	putSession(t, s, "CAM-0002", "alice", true, clk.Now().Add(-time.Minute))

	stale := domain.NewCandidateRecord("CAM-0002", domain.OriginOfferer, 1, webrtc.ICECandidateInit{Candidate: "c1"})
	_, err := s.AppendRecord(ctx, domain.CandidatesPath("CAM-0002", domain.OriginOfferer), stale.Fields())
	require.NoError(t, err)

	r := NewReaper(s, 15*time.Second, time.Second)
	r.now = clk.Now

	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok, err := s.GetRecord(ctx, domain.SessionPath("CAM-0002"))
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = s.GetRecord(ctx, domain.SessionPath("CAM-0001"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, s.Len())

	n, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReaperRunStopsWithContext(t *testing.T) {
	s := store.NewMemoryStore()
	r := NewReaper(s, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("reaper did not stop")
	}
}
