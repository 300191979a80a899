package ice

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cand(i int) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%d 1 udp 2122260223 10.0.0.1 %d typ host", i, 50000+i)}
}

type sink struct {
	mu  sync.Mutex
	got []string
}

func (s *sink) apply(c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, c.Candidate)
	return nil
}

func TestQueueBuffersUntilFlush(t *testing.T) {
	q := NewQueue()
	s := &sink{}

	for i := 0; i < 3; i++ {
		applied, err := q.Enqueue(cand(i))
		require.NoError(t, err)
		assert.False(t, applied)
	}
	assert.Equal(t, 3, q.Len())
	assert.Empty(t, s.got)

	n, err := q.Flush(s.apply)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.True(t, q.Ready())
	assert.Equal(t, []string{cand(0).Candidate, cand(1).Candidate, cand(2).Candidate}, s.got)

	applied, err := q.Enqueue(cand(3))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Len(t, s.got, 4)
}

func TestQueueFlushIsOnce(t *testing.T) {
	q := NewQueue()
	s := &sink{}
	_, _ = q.Enqueue(cand(0))

	n, err := q.Flush(s.apply)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	other := &sink{}
	n, err = q.Flush(other.apply)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, other.got)
	assert.Len(t, s.got, 1)
}

func TestQueueFlushContinuesAfterFailure(t *testing.T) {
	q := NewQueue()
	for i := 0; i < 3; i++ {
		_, _ = q.Enqueue(cand(i))
	}
	var got []string
	boom := errors.New("boom")
	_, err := q.Flush(func(c webrtc.ICECandidateInit) error {
		got = append(got, c.Candidate)
		if c.Candidate == cand(1).Candidate {
			return boom
		}
		return nil
	})
	require.ErrorIs(t, err, boom)
	assert.Len(t, got, 3)
}

func TestQueueReset(t *testing.T) {
	q := NewQueue()
	_, _ = q.Enqueue(cand(0))
	q.Reset()
	s := &sink{}
	n, err := q.Flush(s.apply)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, s.got)
}

func TestQueueApplyDoesNotHoldLock(t *testing.T) {
	q := NewQueue()
	_, _ = q.Enqueue(cand(0))

	s := &sink{}
	var once sync.Once
	entered := make(chan struct{})
	release := make(chan struct{})
	slow := func(c webrtc.ICECandidateInit) error {
		once.Do(func() {
			close(entered)
			<-release
		})
		return s.apply(c)
	}
	done := make(chan int)
	go func() {
		n, _ := q.Flush(slow)
		done <- n
	}()
	<-entered

	// a blocked endpoint call must not stall readers or arrivals
	assert.Zero(t, q.Len())
	assert.False(t, q.Ready())
	applied, err := q.Enqueue(cand(1))
	require.NoError(t, err)
	assert.False(t, applied)
	n, err := q.Flush(func(webrtc.ICECandidateInit) error { return errors.New("second flush") })
	require.NoError(t, err)
	assert.Zero(t, n)

	close(release)
	assert.Equal(t, 2, <-done)
	assert.True(t, q.Ready())
	applied, err = q.Enqueue(cand(2))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, []string{cand(0).Candidate, cand(1).Candidate, cand(2).Candidate}, s.got)
}

// Whatever the interleaving of arrivals and the flush, every candidate is
// applied once, in arrival order.
func TestQueueOrderUnderInterleaving(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 200; round++ {
		total := rng.Intn(20)
		flushAt := rng.Intn(total + 1)

		q := NewQueue()
		s := &sink{}
		var want []string
		for i := 0; i < total; i++ {
			if i == flushAt {
				_, err := q.Flush(s.apply)
				require.NoError(t, err)
			}
			_, err := q.Enqueue(cand(i))
			require.NoError(t, err)
			want = append(want, cand(i).Candidate)
		}
		_, err := q.Flush(s.apply)
		require.NoError(t, err)
		require.Equal(t, want, s.got, "round %d flushAt %d", round, flushAt)
	}
}

func TestQueueConcurrentEnqueueAppliesAll(t *testing.T) {
	q := NewQueue()
	s := &sink{}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = q.Enqueue(cand(i))
		}(i)
		if i == 25 {
			_, _ = q.Flush(s.apply)
		}
	}
	wg.Wait()
	_, _ = q.Flush(s.apply)

	seen := make(map[string]int)
	for _, c := range s.got {
		seen[c]++
	}
	assert.Len(t, seen, 50)
	for c, n := range seen {
		assert.Equal(t, 1, n, c)
	}
}
