// Package signal carries negotiation messages over WebSocket.
package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"

	"deskcast/native/internal/domain"
)

const (
	writeTimeout = 5 * time.Second
	pingInterval = 20 * time.Second
)

// Conn adapts a WebSocket connection to the domain.Signaler contract. The
// channel performs no retries; durability is the caller's concern.
type Conn struct {
	ws  *websocket.Conn
	log logging.LeveledLogger

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn wraps an established WebSocket connection and starts its ping loop.
func NewConn(ws *websocket.Conn, loggerFactory logging.LoggerFactory) *Conn {
	c := &Conn{
		ws:     ws,
		log:    loggerFactory.NewLogger("signal"),
		closed: make(chan struct{}),
	}
	go c.pingLoop()
	return c
}

// Dial connects to a signaling endpoint and returns the adapted channel.
func Dial(url string, loggerFactory logging.LoggerFactory) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	return NewConn(ws, loggerFactory), nil
}

// Receive blocks until a message arrives or the channel closes. Cancelling
// the context only takes effect once the connection is closed, which unblocks
// the pending read; Session.Close pairs the two.
func (c *Conn) Receive(ctx context.Context) (domain.SignalMessage, error) {
	select {
	case <-ctx.Done():
		return domain.SignalMessage{}, ctx.Err()
	case <-c.closed:
		return domain.SignalMessage{}, domain.ErrChannelClosed
	default:
	}

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return domain.SignalMessage{}, fmt.Errorf("%w: %v", domain.ErrChannelClosed, err)
		}

		var msg domain.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			// Malformed frames are contained; the channel stays usable.
			c.log.Warnf("dropping malformed signal message: %v", err)
			continue
		}

		c.log.Tracef("<<< %s", data)
		return msg, nil
	}
}

// Send transmits a message. Safe for concurrent use.
func (c *Conn) Send(msg domain.SignalMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal signal message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrChannelClosed, err)
	}

	c.log.Tracef(">>> %s", data)
	return nil
}

// Close shuts the WebSocket down. Safe to call more than once; it unblocks
// any pending Receive.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close()
	})
	return nil
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				select {
				case <-c.closed:
				default:
					c.log.Warnf("ping failed: %v", err)
				}
				return
			}
		}
	}
}
