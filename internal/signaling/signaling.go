// Package signaling opens the WebSocket the session receives its room
// credentials on.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// DefaultURL is where a locally started signaling server listens.
const DefaultURL = "ws://0.0.0.0:8765"

const (
	closeWriteWait = time.Second
	// DefaultReadLimit bounds one signaling message; credentials are a small
	// JSON object.
	DefaultReadLimit = 64 * 1024
)

var ErrClosed = errors.New("signaling connection closed")

// Conn is an open signaling socket. Close may be called any number of times.
type Conn interface {
	ReadMessage() ([]byte, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WSDialer dials signaling sockets with gorilla/websocket.
type WSDialer struct {
	HandshakeTimeout time.Duration
	Header           http.Header
	// ReadLimit is the largest accepted message in bytes. Zero means
	// DefaultReadLimit.
	ReadLimit int64
}

func NewDialer(handshakeTimeout time.Duration) *WSDialer {
	return &WSDialer{HandshakeTimeout: handshakeTimeout, ReadLimit: DefaultReadLimit}
}

func (d *WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:             http.ProxyFromEnvironment,
		HandshakeTimeout:  d.HandshakeTimeout,
		ReadBufferSize:    4096,
		WriteBufferSize:   1024,
		EnableCompression: false,
	}

	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s (status %d): %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	conn.SetReadLimit(limit)
	log.Debug().Str("module", "signaling").Str("url", url).Msg("Signaling socket open")
	return &wsConn{conn: conn, url: url}, nil
}

type wsConn struct {
	conn *websocket.Conn
	url  string

	once     sync.Once
	closed   atomic.Bool
	closeErr error
}

// ReadMessage blocks until the next text message. Binary frames are skipped.
func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("failed to read signaling message: %w", err)
		}
		if messageType != websocket.TextMessage {
			log.Debug().Str("module", "signaling").Int("type", messageType).Msg("Ignoring non-text message")
			continue
		}
		return message, nil
	}
}

// Close sends a close frame best-effort and releases the socket.
func (c *wsConn) Close() error {
	c.once.Do(func() {
		c.closed.Store(true)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
		c.closeErr = c.conn.Close()
		log.Debug().Str("module", "signaling").Str("url", c.url).Msg("Signaling socket closed")
	})
	return c.closeErr
}
