package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Recorder/internal/app"
	"github.com/dkeye/Recorder/internal/core/coretest"
	"github.com/dkeye/Recorder/internal/domain"
)

type fixture struct {
	fs     afero.Fs
	engine *coretest.Engine
	store  *coretest.Store
	pipes  *Orchestrator
	s      *app.Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fs := afero.NewMemMapFs()
	f := &fixture{
		fs:     fs,
		engine: coretest.NewEngine(fs),
		store:  coretest.NewStore(),
	}
	f.pipes = New(f.engine, f.store, fs, Config{
		RecordingsPath:   "/rec",
		URIBase:          "file:///rec",
		MinArtifactBytes: 1024,
		PollInterval:     time.Millisecond,
		PollTimeout:      200 * time.Millisecond,
	})
	f.s = app.NewRegistry().Create(&coretest.Signal{}, NewKey(time.Now(), "webm"))
	return f
}

func TestInitiateAttachesMedia(t *testing.T) {
	f := newFixture(t)
	answer, err := f.pipes.Initiate(context.Background(), f.s, "O1")
	require.NoError(t, err)
	assert.Equal(t, "A1", answer)

	h := f.s.Media()
	require.NotNil(t, h)
	ep := f.engine.LastEndpoint()
	require.NotNil(t, ep)
	assert.Equal(t, "O1", ep.Offer())
}

func TestInitiateFailureReleasesPipeline(t *testing.T) {
	f := newFixture(t)
	f.engine.FailOffer = errors.New("bad sdp")

	_, err := f.pipes.Initiate(context.Background(), f.s, "garbage")
	require.Error(t, err)
	assert.Equal(t, domain.KindNegotiation, domain.KindOf(err))
	assert.Nil(t, f.s.Media())
	require.Len(t, f.engine.Pipelines(), 1)
	assert.Equal(t, 1, f.engine.Pipelines()[0].Released())
}

func TestStartRecordingPollsUntilRunning(t *testing.T) {
	f := newFixture(t)
	f.engine.PollsToRun = 3
	_, err := f.pipes.Initiate(context.Background(), f.s, "O1")
	require.NoError(t, err)

	require.NoError(t, f.pipes.StartRecording(context.Background(), f.s))
	rec := f.engine.Pipelines()[0].Recorder()
	assert.Equal(t, 4, rec.Polls())
	assert.Equal(t, rec.ID(), f.engine.LastEndpoint().Sink())
}

func TestStartRecordingTimesOut(t *testing.T) {
	f := newFixture(t)
	f.engine.PollsToRun = 1 << 30
	_, err := f.pipes.Initiate(context.Background(), f.s, "O1")
	require.NoError(t, err)

	err = f.pipes.StartRecording(context.Background(), f.s)
	require.Error(t, err)
	assert.Equal(t, domain.KindMediaTimeout, domain.KindOf(err))
}

func TestFinalizeRoundTripsSize(t *testing.T) {
	f := newFixture(t)
	f.engine.RecordBytes = 5000
	ctx := context.Background()
	_, err := f.pipes.Initiate(ctx, f.s, "O1")
	require.NoError(t, err)
	require.NoError(t, f.pipes.StartRecording(ctx, f.s))
	f.s.SetMeta(map[string]string{"user": "alice"})

	art, err := f.pipes.Finalize(ctx, f.s)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), art.Size)
	data, ok := f.store.Object(f.s.Key)
	require.True(t, ok)
	assert.Len(t, data, int(art.Size))
	assert.Equal(t, "alice", f.store.Meta(f.s.Key)["user"])

	exists, err := afero.Exists(f.fs, "/rec/"+f.s.Key)
	require.NoError(t, err)
	assert.False(t, exists, "local file removed after upload")
	assert.Nil(t, f.s.Media())
}

func TestFinalizeBelowThresholdIsEmptyArtifact(t *testing.T) {
	f := newFixture(t)
	f.engine.RecordBytes = 10
	ctx := context.Background()
	_, err := f.pipes.Initiate(ctx, f.s, "O1")
	require.NoError(t, err)
	require.NoError(t, f.pipes.StartRecording(ctx, f.s))

	_, err = f.pipes.Finalize(ctx, f.s)
	require.Error(t, err)
	assert.Equal(t, domain.KindEmptyArtifact, domain.KindOf(err))
}

func TestFinalizeWithoutRecordingIsEmptyArtifact(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipes.Initiate(context.Background(), f.s, "O1")
	require.NoError(t, err)

	_, err = f.pipes.Finalize(context.Background(), f.s)
	assert.Equal(t, domain.KindEmptyArtifact, domain.KindOf(err))
}

func TestFinalizeStorageFailureKeepsLocalFile(t *testing.T) {
	f := newFixture(t)
	f.store.Fail = errors.New("s3 down")
	ctx := context.Background()
	_, err := f.pipes.Initiate(ctx, f.s, "O1")
	require.NoError(t, err)
	require.NoError(t, f.pipes.StartRecording(ctx, f.s))

	_, err = f.pipes.Finalize(ctx, f.s)
	assert.Equal(t, domain.KindStorage, domain.KindOf(err))
	exists, _ := afero.Exists(f.fs, "/rec/"+f.s.Key)
	assert.True(t, exists)
}

func TestReleaseIsIdempotent(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipes.Initiate(context.Background(), f.s, "O1")
	require.NoError(t, err)
	_, err = f.s.Candidates.Enqueue(webrtc.ICECandidateInit{Candidate: "candidate:late"})
	require.NoError(t, err)
	require.NoError(t, f.pipes.Release(context.Background(), f.s))
	require.NoError(t, f.pipes.Release(context.Background(), f.s))
	assert.Equal(t, 1, f.engine.Pipelines()[0].Released())
	assert.Zero(t, f.s.Candidates.Len())
	assert.Empty(t, f.engine.Pipelines()[0].Endpoint().Applied())
}

func TestConfirmMediaFlowingBothOrders(t *testing.T) {
	for _, order := range [][]domain.MediaKind{
		{domain.MediaAudio, domain.MediaVideo},
		{domain.MediaVideo, domain.MediaAudio},
	} {
		f := newFixture(t)
		assert.False(t, f.pipes.ConfirmMediaFlowing(f.s, order[0]))
		assert.True(t, f.pipes.ConfirmMediaFlowing(f.s, order[1]))
	}
}

func TestUploadDumpUsesDebugKey(t *testing.T) {
	f := newFixture(t)
	obj, err := f.pipes.UploadDump(context.Background(), "2024-05-01/kurento1-ab.webm", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "debug/2024-05-01/kurento1-ab.json", obj.Key)
}
