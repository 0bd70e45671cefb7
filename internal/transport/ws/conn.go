// Package ws implements the signaling channel over gorilla/websocket.
//
// Every connection runs one write pump, which owns all writes including
// pings, and one read pump in the caller's goroutine.
package ws

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrClosed     = errors.New("ws: connection closed")
	ErrBufferFull = errors.New("ws: send buffer full")
)

type Options struct {
	ReadLimit    int64
	PongWait     time.Duration
	PingInterval time.Duration
	WriteTimeout time.Duration
	Buffer       int
	Logger       *slog.Logger
}

func (o *Options) withDefaults() {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 1024 * 1024
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait / 2
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.Buffer < 1 {
		o.Buffer = 64
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type Conn struct {
	ws   *websocket.Conn
	opts Options
	send chan []byte

	done chan struct{}
	once sync.Once
}

func NewConn(ws *websocket.Conn, opts Options) *Conn {
	opts.withDefaults()
	return &Conn{
		ws:   ws,
		opts: opts,
		send: make(chan []byte, opts.Buffer),
		done: make(chan struct{}),
	}
}

// Send queues one text frame without blocking.
func (c *Conn) Send(frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.send <- frame:
		return nil
	default:
		return ErrBufferFull
	}
}

// Close asks the write pump to send a close frame and tear the socket down.
func (c *Conn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// Run pumps the connection until the peer goes away or Close is called,
// passing every text or binary message to onMessage. It returns the read
// error for abnormal closures and nil otherwise.
func (c *Conn) Run(onMessage func(data []byte)) error {
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		c.writePump()
	}()

	err := c.readPump(onMessage)
	c.Close()
	<-pumpDone
	return err
}

func (c *Conn) readPump(onMessage func(data []byte)) error {
	c.ws.SetReadLimit(c.opts.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				select {
				case <-c.done:
					return nil
				default:
				}
				return err
			}
			return nil
		}
		onMessage(data)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.opts.Logger.Debug("websocket write failed", "error", err)
				c.Close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				c.opts.Logger.Debug("websocket ping failed", "error", err)
				c.Close()
				return
			}
		}
	}
}
