package websocket

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Conn is one websocket client bound to a user and a room.
type Conn struct {
	ws       *websocket.Conn
	username string
	roomID   string
	private  bool

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, username, roomID string, private bool, sendBuffer int) *Conn {
	return &Conn{
		ws:       ws,
		username: username,
		roomID:   roomID,
		private:  private,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}
}

func (c *Conn) Username() string { return c.username }
func (c *Conn) RoomID() string   { return c.roomID }

// Deliver queues payload without blocking. It fails once the connection is
// closing or its queue is full.
func (c *Conn) Deliver(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Close asks both pumps to stop. It is safe to call from any goroutine and
// more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Conn) log() *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"room_id":  c.roomID,
		"username": c.username,
	})
}

// readPump feeds inbound frames to dispatch until the peer goes away.
func (c *Conn) readPump(ctx context.Context, maxMessageSize int64, dispatch func(ctx context.Context, raw []byte) error) error {
	defer c.Close()

	c.ws.SetReadLimit(maxMessageSize)
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return err
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if isExpectedClose(err) {
				c.log().WithField("reason", err).Debug("Client disconnected")
				return nil
			}
			return err
		}

		if err := dispatch(ctx, raw); err != nil {
			if errors.Is(err, ErrUnknownEvent) {
				c.log().WithField("error", err).Debug("Ignoring event")
			} else {
				c.log().WithField("error", err).Warn("Dropped event")
			}
		}
	}
}

// writePump writes queued payloads, one frame each, and pings the peer.
func (c *Conn) writePump() error {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
		_ = c.ws.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return err
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				if isExpectedClose(err) {
					return nil
				}
				return err
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				if isExpectedClose(err) {
					return nil
				}
				return err
			}
		case <-c.done:
			c.drain()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return nil
		}
	}
}

// drain flushes whatever is already queued so a closing client still sees
// events it was sent before the close.
func (c *Conn) drain() {
	for {
		select {
		case payload := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		default:
			return
		}
	}
}

func isExpectedClose(err error) bool {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent)
}
