// Package history hands connection events, broadcast messages and log records
// to a durable sink without ever blocking the caller.
package history

import (
	"context"
	"time"
)

// Connection channels and actions.
const (
	ChannelPush      = "sse"
	ChannelSignaling = "signaling"

	ActionConnected    = "connected"
	ActionDisconnected = "disconnected"
)

type ConnectionEvent struct {
	ConnectionID string    `json:"connectionId"`
	Channel      string    `json:"channel"`
	Action       string    `json:"action"`
	Reason       string    `json:"reason,omitempty"`
	RemoteAddr   string    `json:"remoteAddr,omitempty"`
	At           time.Time `json:"at"`
}

type Message struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Content    string    `json:"content"`
	Recipients int       `json:"recipients"`
	At         time.Time `json:"at"`
}

type Log struct {
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
	At      time.Time      `json:"at"`
}

// Recorder is what the relay calls. Implementations must return immediately
// and swallow their own failures.
type Recorder interface {
	RecordConnectionEvent(ConnectionEvent)
	RecordMessage(Message)
	RecordLog(Log)
}

// Sink persists records synchronously. It is driven by a Queue.
type Sink interface {
	WriteConnectionEvent(ctx context.Context, e ConnectionEvent) error
	WriteMessage(ctx context.Context, m Message) error
	WriteLog(ctx context.Context, l Log) error
	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordConnectionEvent(ConnectionEvent) {}
func (Nop) RecordMessage(Message)                 {}
func (Nop) RecordLog(Log)                         {}

func (Nop) WriteConnectionEvent(context.Context, ConnectionEvent) error { return nil }
func (Nop) WriteMessage(context.Context, Message) error                 { return nil }
func (Nop) WriteLog(context.Context, Log) error                         { return nil }
func (Nop) Close() error                                                { return nil }
