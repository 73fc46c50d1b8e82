package events

import (
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the part of a WebSocket connection the hub uses.
// *websocket.Conn satisfies it.
//
// ReadMessage and WriteMessage are each called from a single goroutine.
// WriteControl and Close may be called concurrently with everything else.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetCloseHandler(h func(code int, text string) error)
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

// writeDeadliner is implemented by connections that support write timeouts.
type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}
