// Package presence announces a tracked agent on a realtime channel and
// reports other members joining and leaving.
package presence

import (
	"context"
	"time"
)

// Status is the outcome of a subscribe attempt
type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusChannelError Status = "CHANNEL_ERROR"
	StatusTimedOut     Status = "TIMED_OUT"
	StatusClosed       Status = "CLOSED"
)

// Payload is the presence state tracked for one agent
type Payload struct {
	AgentID   string    `json:"agent_id"`
	Status    string    `json:"status"`
	SessionID string    `json:"session_id"`
	OnlineAt  time.Time `json:"online_at"`
}

// EventKind distinguishes presence deliveries
type EventKind string

const (
	EventJoin  EventKind = "join"
	EventLeave EventKind = "leave"
	EventSync  EventKind = "sync"
)

// Event is a presence change seen on the channel
type Event struct {
	Kind    EventKind
	Payload Payload
}

// Handler receives presence events. It runs on the transport's goroutine
// and must not block.
type Handler func(Event)

// Channel is a realtime presence channel
type Channel interface {
	Subscribe(ctx context.Context) (Status, error)
	Track(ctx context.Context, p Payload) error
	Untrack(ctx context.Context) error
	Leave(ctx context.Context) error
}

// kindFor maps a payload status to join or leave
func kindFor(p Payload) EventKind {
	if p.Status == "offline" {
		return EventLeave
	}
	return EventJoin
}

// Nop is a channel that accepts everything and tells nobody
type Nop struct{}

func (Nop) Subscribe(ctx context.Context) (Status, error) { return StatusSubscribed, nil }
func (Nop) Track(ctx context.Context, p Payload) error      { return nil }
func (Nop) Untrack(ctx context.Context) error               { return nil }
func (Nop) Leave(ctx context.Context) error                 { return nil }
