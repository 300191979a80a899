package signal

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Recorder/internal/app"
	"github.com/dkeye/Recorder/internal/app/orch"
	"github.com/dkeye/Recorder/internal/app/pipeline"
	"github.com/dkeye/Recorder/internal/core"
	"github.com/dkeye/Recorder/internal/core/coretest"
)

func newServer(t *testing.T) (*httptest.Server, *orch.Orchestrator) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	fs := afero.NewMemMapFs()
	pipes := pipeline.New(coretest.NewEngine(fs), coretest.NewStore(), fs, pipeline.DefaultConfig())
	o := orch.New(app.NewRegistry(), pipes, nil, orch.DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	ctl := NewSignalWSController(o, Options{ReadLimit: 1 << 16, PingPeriod: time.Second})
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) { ctl.HandleSignal(ctx, c) })
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		cancel()
		o.Shutdown()
	})
	return srv, o
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func readID(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestSignalRoundTrip(t *testing.T) {
	srv, o := newServer(t)
	conn := dial(t, srv)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"ping"}`)))
	assert.Equal(t, "pong", readID(t, conn)["id"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"start","sdpOffer":"O1"}`)))
	m := readID(t, conn)
	assert.Equal(t, "startResponse", m["id"])
	assert.Equal(t, "A1", m["sdpAnswer"])
	assert.Equal(t, 1, o.Registry.Count())
}

func TestSignalDisconnectRemovesSession(t *testing.T) {
	srv, o := newServer(t)
	conn := dial(t, srv)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"ping"}`)))
	readID(t, conn)
	require.Equal(t, 1, o.Registry.Count())

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return o.Registry.Count() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestSignalReadLimitClosesConnection(t *testing.T) {
	srv, o := newServer(t)
	conn := dial(t, srv)
	defer conn.Close()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"ping"}`)))
	readID(t, conn)
	require.Equal(t, 1, o.Registry.Count())

	big := `{"id":"status","dump":"` + strings.Repeat("x", 1<<17) + `"}`
	_ = conn.WriteMessage(websocket.TextMessage, []byte(big))
	assert.Eventually(t, func() bool { return o.Registry.Count() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestTrySendBackpressure(t *testing.T) {
	c := &WsSignalConn{send: make(chan core.Frame, 1)}
	require.NoError(t, c.TrySend(core.Frame("a")))
	assert.ErrorIs(t, c.TrySend(core.Frame("b")), ErrBackpressure)
}
