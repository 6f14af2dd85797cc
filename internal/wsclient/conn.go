package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sheerbytes/resched/pkg/protocol"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("wsclient: connection closed")

const (
	writeTimeout = 10 * time.Second
	readTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// Conn represents a WebSocket connection to the daemon.
type Conn struct {
	conn      *websocket.Conn
	logger    *slog.Logger
	sendChan  chan protocol.Envelope
	done      chan struct{}
	closing   chan struct{}
	closeOnce sync.Once
	writeMu   sync.Mutex
}

var dialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
}

// WebSocketURL turns a daemon base URL such as http://localhost:8080 into
// the URL of its renderer endpoint.
func WebSocketURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

// Dial establishes a WebSocket connection to the daemon.
// wsURL should be the full WebSocket URL including path.
func Dial(ctx context.Context, wsURL string, logger *slog.Logger) (*Conn, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, err
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, err
	}

	c := &Conn{
		conn:     conn,
		logger:   logger,
		sendChan: make(chan protocol.Envelope, 256),
		done:     make(chan struct{}),
		closing:  make(chan struct{}),
	}

	// Start writer goroutine for serialized writes
	go c.writeLoop()

	return c, nil
}

// ReadLoop reads messages from the WebSocket connection and calls onEnv for each envelope.
// Returns when the connection is closed or context is cancelled.
func (c *Conn) ReadLoop(ctx context.Context, onEnv func(env protocol.Envelope)) error {
	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	// Start pinger
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case <-ticker.C:
				c.writeMu.Lock()
				c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				err := c.conn.WriteMessage(websocket.PingMessage, nil)
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	stop := context.AfterFunc(ctx, func() {
		// Closing the connection forces ReadMessage() to unblock instantly
		c.conn.Close()
	})
	defer stop()

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", "error", err)
			}
			return err
		}

		// Only process text messages
		if messageType != websocket.TextMessage {
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.logger.Warn("invalid JSON envelope", "error", err)
			continue
		}
		onEnv(env)
	}
}

// Send queues an envelope for the writer goroutine.
func (c *Conn) Send(env protocol.Envelope) error {
	select {
	case <-c.closing:
		return ErrClosed
	default:
	}
	select {
	case c.sendChan <- env:
		return nil
	case <-c.closing:
		return ErrClosed
	case <-c.done:
		return ErrClosed
	}
}

// SendMessage wraps payload in a fresh envelope and sends it.
func (c *Conn) SendMessage(msgType string, payload any) error {
	env, err := protocol.NewEnvelope(msgType, protocol.NewMsgID(), payload)
	if err != nil {
		return fmt.Errorf("build %s: %w", msgType, err)
	}
	return c.Send(env)
}

// writeLoop handles serialized writes to the WebSocket connection. Queued
// envelopes are flushed before it exits on Close.
func (c *Conn) writeLoop() {
	defer close(c.done)
	for {
		select {
		case env := <-c.sendChan:
			if err := c.write(env); err != nil {
				c.logger.Error("websocket write error", "error", err)
				return
			}
		case <-c.closing:
			for {
				select {
				case env := <-c.sendChan:
					if err := c.write(env); err != nil {
						return
					}
				default:
					c.writeMu.Lock()
					c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					c.writeMu.Unlock()
					return
				}
			}
		}
	}
}

func (c *Conn) write(env protocol.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(env)
}

// Close flushes queued envelopes and closes the WebSocket connection.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closing) })
	<-c.done // Wait for write loop to finish
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Close()
}
