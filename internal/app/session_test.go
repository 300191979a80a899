package app

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Recorder/internal/core/coretest"
	"github.com/dkeye/Recorder/internal/domain"
)

func TestSessionTransitions(t *testing.T) {
	s := newSession("s1", 1, "k", &coretest.Signal{}, fixedClock())

	require.NoError(t, s.Transition(domain.StateOfferReceived))
	require.Error(t, s.Transition(domain.StateRecording))
	require.NoError(t, s.Transition(domain.StateAnswerSent))
	require.NoError(t, s.Transition(domain.StateMediaPending))
	assert.Error(t, s.Transition(domain.StateRecording), "no pipeline attached")

	require.NoError(t, s.AttachMedia(&MediaHandles{}))
	require.NoError(t, s.Transition(domain.StateRecording))
	require.NoError(t, s.Transition(domain.StateStopping))
	require.NoError(t, s.Transition(domain.StateDone))
	assert.Error(t, s.Transition(domain.StateFailed))

	var events []string
	for _, e := range s.Timeline() {
		events = append(events, e.Event)
	}
	assert.Equal(t, []string{"OFFER_RECEIVED", "ANSWER_SENT", "MEDIA_PENDING", "RECORDING", "STOPPING", "DONE"}, events)
}

func TestSessionMediaDetachOnce(t *testing.T) {
	s := newSession("s1", 1, "k", &coretest.Signal{}, fixedClock())
	h := &MediaHandles{}
	require.NoError(t, s.AttachMedia(h))
	assert.Error(t, s.AttachMedia(&MediaHandles{}))
	assert.Same(t, h, s.DetachMedia())
	assert.Nil(t, s.DetachMedia())
}

func TestSessionFlowingNeedsBothKinds(t *testing.T) {
	for _, order := range [][]domain.MediaKind{
		{domain.MediaAudio, domain.MediaVideo},
		{domain.MediaVideo, domain.MediaAudio},
	} {
		s := newSession("s1", 1, "k", &coretest.Signal{}, fixedClock())
		assert.False(t, s.MarkFlowing(order[0]))
		assert.False(t, s.MarkFlowing(order[0]))
		assert.True(t, s.MarkFlowing(order[1]))
	}
}

func TestSessionCleanupOnce(t *testing.T) {
	s := newSession("s1", 1, "k", &coretest.Signal{}, fixedClock())
	calls := 0
	fn := func() string {
		calls++
		return "mem://debug"
	}
	assert.Equal(t, "mem://debug", s.CleanupOnce(fn))
	assert.Equal(t, "mem://debug", s.CleanupOnce(fn))
	assert.Equal(t, 1, calls)
	assert.Equal(t, "mem://debug", s.DebugURL())
}

func TestSessionSnapshotCopiesStatus(t *testing.T) {
	s := newSession("s1", 1, "k", &coretest.Signal{}, fixedClock())
	raw := []byte(`{"fps":30}`)
	s.SetStatus(raw)
	raw[2] = 'X'
	snap := s.Snapshot()
	assert.JSONEq(t, `{"fps":30}`, string(snap.Status))
	assert.Equal(t, domain.StateNew, snap.State)
}

func TestSessionSnapshotWhileCandidateBlocked(t *testing.T) {
	s := newSession("s1", 1, "k", &coretest.Signal{}, fixedClock())
	_, _ = s.Candidates.Enqueue(webrtc.ICECandidateInit{Candidate: "candidate:0"})
	assert.Equal(t, 1, s.Snapshot().PendingCandidates)
	assert.False(t, s.Snapshot().CandidatesFlushed)

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	go func() {
		_, _ = s.Candidates.Flush(func(webrtc.ICECandidateInit) error {
			entered <- struct{}{}
			<-release
			return nil
		})
	}()
	<-entered
	defer close(release)

	done := make(chan SessionSnapshot, 1)
	go func() { done <- s.Snapshot() }()
	select {
	case snap := <-done:
		assert.Zero(t, snap.PendingCandidates)
	case <-time.After(time.Second):
		t.Fatal("snapshot blocked by a pending candidate")
	}
}

func TestSessionSnapshotReportsFlushedQueue(t *testing.T) {
	s := newSession("s1", 1, "k", &coretest.Signal{}, fixedClock())
	_, err := s.Candidates.Flush(func(webrtc.ICECandidateInit) error { return nil })
	require.NoError(t, err)
	assert.True(t, s.Snapshot().CandidatesFlushed)
}
