// Package uiclient (C9) makes asynchronous calls to the external UI
// dialog process that the daemon core does not implement (§1, §4.9).
//
// The duplex channel to the UI process is a websocket connection,
// grounded on the teacher's internal/websocket Hub: a single
// read-pump goroutine demultiplexes replies by request-id onto
// per-call channels, and writes are serialised through a mutex rather
// than a register/unregister channel pair since the UI process is a
// single peer, not a fan-out broadcast target.
package uiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/microcosm-cc/bluemonday"

	"github.com/cuemby/signond/internal/apperror"
	"github.com/cuemby/signond/internal/logger"
)

// sanitizer strips markup from the free-text fields a plugin supplies
// before they reach the UI dialog process, since a malicious or buggy
// plugin's Caption/QueryMessage is otherwise rendered verbatim in the
// dialog (§6 well-known keys).
var sanitizer = bluemonday.StrictPolicy()

// sanitizedTextKeys lists the property-map keys known to hold free text
// the UI process renders, as opposed to opaque tokens or booleans.
var sanitizedTextKeys = []string{"Caption", "QueryMessage", "UserName"}

func sanitizeParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	for _, key := range sanitizedTextKeys {
		if s, ok := out[key].(string); ok {
			out[key] = sanitizer.Sanitize(s)
		}
	}
	return out
}

// Well-known property-map keys exchanged with the UI process (§6).
const (
	KeyQueryErrorCode = "QueryErrorCode"
	KeyRequestID      = "requestId"
)

// callType selects the dialog RPC the UI process should perform.
type callType string

const (
	callQuery   callType = "query"
	callRefresh callType = "refresh"
	callCancel  callType = "cancel"
)

type envelope struct {
	RequestID string         `json:"requestId"`
	Type      callType       `json:"type"`
	Params    map[string]any `json:"params,omitempty"`
}

// Client is the daemon-side endpoint of the UI dialog duplex channel.
type Client struct {
	conn *websocket.Conn

	mu      sync.Mutex
	writeMu sync.Mutex
	pending map[string]chan envelope
	closed  bool
}

// Dial connects to the UI dialog process's websocket endpoint.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial ui dialog process: %w", err)
	}
	c := &Client{conn: conn, pending: make(map[string]chan envelope)}
	go c.readLoop()
	return c, nil
}

// NewOverConn wraps an already-established connection, used by tests and
// by an in-process UI stub.
func NewOverConn(conn *websocket.Conn) *Client {
	c := &Client{conn: conn, pending: make(map[string]chan envelope)}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.failAllPending()
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.UI().Warn().Err(err).Msg("malformed ui dialog reply, discarding")
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[env.RequestID]
		if ok {
			delete(c.pending, env.RequestID)
		}
		c.mu.Unlock()
		if ok {
			ch <- env
		}
	}
}

func (c *Client) failAllPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) call(ctx context.Context, typ callType, params map[string]any) (map[string]any, error) {
	requestID := uuid.NewString()
	ch := make(chan envelope, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, apperror.New(apperror.NoConnection, "ui dialog connection closed")
	}
	c.pending[requestID] = ch
	c.mu.Unlock()

	env := envelope{RequestID: requestID, Type: typ, Params: params}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, apperror.Wrap(apperror.InternalServer, "encode ui dialog request", err)
	}

	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
		return nil, apperror.Wrap(apperror.NoConnection, "write ui dialog request", err)
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, apperror.New(apperror.NoConnection, "ui dialog connection closed")
		}
		if _, hasCode := reply.Params[KeyQueryErrorCode]; !hasCode && reply.Params == nil {
			return nil, apperror.New(apperror.InternalServer, "ui dialog reply missing QueryErrorCode")
		}
		return reply.Params, nil
	case <-ctx.Done():
		// Dialog calls use an effectively unbounded wait (§5); a caller
		// context deadline still unblocks this call without closing the
		// connection.
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
		return nil, apperror.Wrap(apperror.TimedOut, "ui dialog call canceled", ctx.Err())
	}
}

// QueryDialog opens a new interactive dialog with the UI process.
func (c *Client) QueryDialog(ctx context.Context, params map[string]any) (map[string]any, error) {
	return c.call(ctx, callQuery, sanitizeParams(params))
}

// RefreshDialog updates an already-open dialog's contents.
func (c *Client) RefreshDialog(ctx context.Context, params map[string]any) (map[string]any, error) {
	return c.call(ctx, callRefresh, sanitizeParams(params))
}

// CancelUiRequest cancels an outstanding dialog by request-id. Like the
// other dialog calls it waits for the UI process's reply, bounded only by
// ctx.
func (c *Client) CancelUiRequest(ctx context.Context, requestID string) error {
	_, err := c.call(ctx, callCancel, map[string]any{KeyRequestID: requestID})
	return err
}

// Close terminates the connection to the UI dialog process.
func (c *Client) Close() error {
	return c.conn.Close()
}
