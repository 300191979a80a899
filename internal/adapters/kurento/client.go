// Package kurento drives a Kurento Media Server over its JSON-RPC
// websocket protocol.
package kurento

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/jsonrpc2"
	jsonrpc2ws "github.com/sourcegraph/jsonrpc2/websocket"
)

// Event is the value of an onEvent notification.
type Event struct {
	Object string          `json:"object"`
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data"`
}

type result struct {
	Value     json.RawMessage `json:"value"`
	SessionID string          `json:"sessionId"`
}

// Client is one JSON-RPC connection to the media server. Events are routed
// to the listener registered for their source object.
type Client struct {
	conn *jsonrpc2.Conn

	mu        sync.RWMutex
	sessionID string
	listeners map[string]func(Event)
}

func Dial(ctx context.Context, url string) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", url)
	}
	return NewClient(ctx, jsonrpc2ws.NewObjectStream(ws)), nil
}

// NewClient runs the protocol over an established stream.
func NewClient(ctx context.Context, stream jsonrpc2.ObjectStream) *Client {
	c := &Client{listeners: make(map[string]func(Event))}
	c.conn = jsonrpc2.NewConn(ctx, stream, c)
	return c
}

// Handle receives server notifications.
func (c *Client) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	if req.Method != "onEvent" || req.Params == nil {
		log.Debug().Str("module", "kurento").Str("method", req.Method).Msg("ignored server request")
		return
	}
	var p struct {
		Value Event `json:"value"`
	}
	if err := json.Unmarshal(*req.Params, &p); err != nil {
		log.Warn().Err(err).Str("module", "kurento").Msg("bad onEvent params")
		return
	}
	ev := p.Value
	if ev.Object == "" {
		var src struct {
			Source string `json:"source"`
		}
		_ = json.Unmarshal(ev.Data, &src)
		ev.Object = src.Source
	}
	c.mu.RLock()
	fn := c.listeners[ev.Object]
	c.mu.RUnlock()
	if fn == nil {
		log.Debug().Str("module", "kurento").Str("object", ev.Object).Str("type", ev.Type).Msg("event without listener")
		return
	}
	fn(ev)
}

func (c *Client) listen(object string, fn func(Event)) {
	c.mu.Lock()
	c.listeners[object] = fn
	c.mu.Unlock()
}

func (c *Client) unlisten(object string) {
	c.mu.Lock()
	delete(c.listeners, object)
	c.mu.Unlock()
}

// call adds the media server session id to params and keeps the one the
// server answers with.
func (c *Client) call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	c.mu.RLock()
	if c.sessionID != "" {
		params["sessionId"] = c.sessionID
	}
	c.mu.RUnlock()

	var res result
	if err := c.conn.Call(ctx, method, params, &res); err != nil {
		return nil, errors.Wrapf(err, "kurento %s", method)
	}
	if res.SessionID != "" {
		c.mu.Lock()
		c.sessionID = res.SessionID
		c.mu.Unlock()
	}
	return res.Value, nil
}

func (c *Client) Create(ctx context.Context, typ string, constructorParams map[string]any) (string, error) {
	if constructorParams == nil {
		constructorParams = map[string]any{}
	}
	v, err := c.call(ctx, "create", map[string]any{
		"type":              typ,
		"constructorParams": constructorParams,
		"properties":        map[string]any{},
	})
	if err != nil {
		return "", err
	}
	var id string
	if err := json.Unmarshal(v, &id); err != nil {
		return "", fmt.Errorf("create %s: bad object id: %w", typ, err)
	}
	return id, nil
}

// Invoke runs operation on object and decodes its value into out, if set.
func (c *Client) Invoke(ctx context.Context, object, operation string, params map[string]any, out any) error {
	req := map[string]any{"object": object, "operation": operation}
	if params != nil {
		req["operationParams"] = params
	}
	v, err := c.call(ctx, "invoke", req)
	if err != nil {
		return errors.Wrap(err, operation)
	}
	if out == nil || len(v) == 0 {
		return nil
	}
	return json.Unmarshal(v, out)
}

func (c *Client) Subscribe(ctx context.Context, object, eventType string) error {
	_, err := c.call(ctx, "subscribe", map[string]any{"object": object, "type": eventType})
	return err
}

func (c *Client) Release(ctx context.Context, object string) error {
	_, err := c.call(ctx, "release", map[string]any{"object": object})
	return err
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// DisconnectNotify is closed when the connection to the server is lost.
func (c *Client) DisconnectNotify() <-chan struct{} {
	return c.conn.DisconnectNotify()
}
