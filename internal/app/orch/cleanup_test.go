package orch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Recorder/internal/app"
	"github.com/dkeye/Recorder/internal/app/pipeline"
	"github.com/dkeye/Recorder/internal/core/coretest"
)

func newCleanup(store *coretest.Store, reporter *coretest.Reporter) (*Cleanup, *app.Session) {
	fs := afero.NewMemMapFs()
	pipes := pipeline.New(coretest.NewEngine(fs), store, fs, pipeline.DefaultConfig())
	s := app.NewRegistry().Create(&coretest.Signal{}, "2024-05-01/kurento1-ab.webm")
	return NewCleanup(pipes, reporter, time.Second), s
}

func TestCleanupUploadsDumpOnce(t *testing.T) {
	store := coretest.NewStore()
	c, s := newCleanup(store, &coretest.Reporter{})
	s.SetStatus([]byte(`{"rtt":12}`))

	url := c.Run(context.Background(), s, "done")
	assert.Equal(t, "mem://debug/2024-05-01/kurento1-ab.json?signed", url)
	assert.Equal(t, url, c.Run(context.Background(), s, "again"))

	raw, ok := store.Object("debug/2024-05-01/kurento1-ab.json")
	require.True(t, ok)
	var dump Dump
	require.NoError(t, json.Unmarshal(raw, &dump))
	assert.Equal(t, "done", dump.Reason)
	assert.JSONEq(t, `{"rtt":12}`, string(dump.Session.Status))
}

func TestCleanupSwallowsStorageFailure(t *testing.T) {
	store := coretest.NewStore()
	store.Fail = errors.New("bucket gone")
	reporter := &coretest.Reporter{}
	c, s := newCleanup(store, reporter)

	assert.Empty(t, c.Run(context.Background(), s, "failed"))
	assert.Len(t, reporter.Errors(), 1)
}

func TestCleanupRunsWithCancelledContext(t *testing.T) {
	store := coretest.NewStore()
	c, s := newCleanup(store, &coretest.Reporter{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NotEmpty(t, c.Run(ctx, s, "disconnected"))
}
