// Package gateway speaks the direct exchange-connectivity gateway protocol:
// a single authenticated websocket session carrying request/response frames.
// The protocol is not multiplexable, so one connection serves one in-flight
// request at a time.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"brokerhub/internal/config"
	"brokerhub/internal/provider"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const maxDialAttempts = 3

// Conn owns the lifecycle of the stateful gateway session: lazy dial on first
// use, single-writer access behind a mutex, and on-demand reconnect after a
// drop. Never expose the raw websocket handle outside this type.
type Conn struct {
	cfg    config.Gateway
	logger *zap.Logger

	mu  sync.Mutex
	ws  *websocket.Conn
	seq uint64
}

// NewConn creates an unconnected Conn. The session is established on the
// first Call, not at construction; trade calls are rare enough that holding
// an expensive session open when unused is wasteful.
func NewConn(cfg config.Gateway, logger *zap.Logger) *Conn {
	return &Conn{cfg: cfg, logger: logger.Named("gateway-conn")}
}

type frame struct {
	ID     uint64          `json:"id"`
	Op     string          `json:"op"`
	Params json.RawMessage `json:"params,omitempty"`
}

type frameResponse struct {
	ID    uint64          `json:"id"`
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// OpError is a gateway-level business rejection of one operation, as opposed
// to a transport failure.
type OpError struct {
	Op     string
	Detail string
}

func (e *OpError) Error() string {
	return fmt.Sprintf("gateway rejected %s: %s", e.Op, e.Detail)
}

// Call sends one request frame and waits for its response, decoding the data
// payload into out (out may be nil). All calls against this endpoint
// serialize through the connection mutex: correctness over throughput, since
// interleaved wire frames would corrupt the session.
func (c *Conn) Call(ctx context.Context, op string, params any, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return err
	}

	c.seq++
	req := frame{ID: c.seq, Op: op}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to encode %s params: %w", op, err)
		}
		req.Params = raw
	}

	deadline := time.Now().Add(c.cfg.RequestTimeout())
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteJSON(req); err != nil {
		// The frame may not have reached the gateway; drop the session so the
		// next call reconnects. Do not resend here, a resent order op could
		// double-place.
		c.drop(err)
		return fmt.Errorf("%w: writing %s frame: %v", provider.ErrConnectionFailure, op, err)
	}

	_ = c.ws.SetReadDeadline(deadline)
	for {
		var resp frameResponse
		if err := c.ws.ReadJSON(&resp); err != nil {
			c.drop(err)
			return fmt.Errorf("%w: reading %s response: %v", provider.ErrConnectionFailure, op, err)
		}
		if resp.ID != req.ID {
			// Stale frame from a previous timed-out request; skip it.
			c.logger.Debug("Discarding stale gateway frame", zap.Uint64("id", resp.ID))
			continue
		}
		if !resp.OK {
			return &OpError{Op: op, Detail: resp.Error}
		}
		if out != nil && len(resp.Data) > 0 {
			if err := json.Unmarshal(resp.Data, out); err != nil {
				return fmt.Errorf("failed to decode %s response: %w", op, err)
			}
		}
		return nil
	}
}

// ensureConnected dials and authenticates if the session is down, retrying
// the dial with backoff. Caller must hold the mutex.
func (c *Conn) ensureConnected(ctx context.Context) error {
	if c.ws != nil {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < maxDialAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			c.logger.Warn("Gateway dial failed, retrying...",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr),
			)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", provider.ErrConnectionFailure, ctx.Err())
			}
		}

		if err := c.dial(ctx); err != nil {
			lastErr = err
			continue
		}
		c.logger.Info("Gateway session established", zap.String("url", c.cfg.URL))
		return nil
	}

	return fmt.Errorf("%w: dialing %s after %d attempts: %v",
		provider.ErrConnectionFailure, c.cfg.URL, maxDialAttempts, lastErr)
}

type loginParams struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// dial opens the websocket and performs the login handshake.
func (c *Conn) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout()}
	ws, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(c.cfg.RequestTimeout())
	login := frame{ID: 0, Op: "login"}
	raw, _ := json.Marshal(loginParams{Username: c.cfg.Username, Password: c.cfg.Password})
	login.Params = raw

	_ = ws.SetWriteDeadline(deadline)
	if err := ws.WriteJSON(login); err != nil {
		ws.Close()
		return err
	}

	var resp frameResponse
	_ = ws.SetReadDeadline(deadline)
	if err := ws.ReadJSON(&resp); err != nil {
		ws.Close()
		return err
	}
	if !resp.OK {
		ws.Close()
		return fmt.Errorf("login rejected: %s", resp.Error)
	}

	c.ws = ws
	c.seq = 0
	return nil
}

// drop discards the broken session so the next call reconnects. The gateway
// also closes sessions for scheduled maintenance and periodic
// re-authentication; both look like a read error here and heal the same way.
func (c *Conn) drop(cause error) {
	c.logger.Warn("Gateway session dropped", zap.Error(cause))
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
}

// Close shuts the session down. Safe to call when never connected.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return nil
	}
	err := c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.ws.Close()
	c.ws = nil
	return err
}
