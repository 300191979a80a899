package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateNew, StateOfferReceived, true},
		{StateNew, StateRecording, false},
		{StateOfferReceived, StateAnswerSent, true},
		{StateAnswerSent, StateMediaPending, true},
		{StateMediaPending, StateRecording, true},
		{StateRecording, StateStopping, true},
		{StateStopping, StateDone, true},
		{StateRecording, StateDone, false},
		{StateNew, StateFailed, true},
		{StateStopping, StateFailed, true},
		{StateDone, StateFailed, false},
		{StateFailed, StateFailed, false},
		{StateDone, StateStopping, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to))
		})
	}
}

func TestStateStoppable(t *testing.T) {
	assert.False(t, StateNew.Stoppable())
	assert.True(t, StateOfferReceived.Stoppable())
	assert.True(t, StateRecording.Stoppable())
	assert.False(t, StateStopping.Stoppable())
	assert.False(t, StateDone.Stoppable())
	assert.Equal(t, "UNKNOWN", State(99).String())
}

func TestErrorKind(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", Protocol(ErrAlreadyStopping))
	assert.Equal(t, KindProtocol, KindOf(err))
	assert.ErrorIs(t, err, ErrAlreadyStopping)
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
}

func TestTimelineEntry(t *testing.T) {
	start := time.Unix(100, 0)
	e := NewTimelineEntry("x", start, start.Add(1500*time.Millisecond))
	assert.Equal(t, int64(1500), e.ElapsedMS)
}

func TestValidateName(t *testing.T) {
	assert.NoError(t, ValidateName("alice"))
	assert.ErrorIs(t, ValidateName(""), ErrNameEmpty)
	assert.ErrorIs(t, ValidateName(string(make([]byte, MaxNameLen+1))), ErrNameTooLong)
}
