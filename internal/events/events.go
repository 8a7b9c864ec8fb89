// Package events defines the single observer contract the core session
// engine calls into: SessionOpened, Authenticated, AvlRecord,
// CommandResponse, and SessionClosed, per spec.md §6.
package events

import (
	"sync"
	"time"

	"github.com/aarongabrielcy/codec-gateway/internal/codec"
)

// Kind tags which variant an Event carries.
type Kind int

const (
	KindSessionOpened Kind = iota
	KindAuthenticated
	KindAvlRecord
	KindCommandResponse
	KindSessionClosed
)

// Event is the tagged-variant type spec.md §9's Design Notes call for,
// replacing the teacher's ad hoc per-callback signatures. Only the fields
// relevant to Kind are populated.
type Event struct {
	Kind      Kind
	SessionID string
	Source    string
	IMEI      string
	At        time.Time

	Record *codec.AVLRecord

	ResponseText string
	Solicited    bool

	CloseReason string
}

// Sink is the single polymorphic observer the core calls whenever an AVL
// record is parsed, a response is matched, or a session opens/closes. It
// is expected to be non-blocking from the session's perspective; a
// blocking sink applies back-pressure to the read loop.
type Sink interface {
	Handle(Event)
}

// SinkFunc adapts a plain function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Handle(e Event) { f(e) }

// Fanout broadcasts every event to all of its member sinks in order. A
// slow member sink blocks the others; wrap it in its own goroutine/queue
// if it needs to be decoupled (see internal/sink.Broadcast).
type Fanout []Sink

func (f Fanout) Handle(e Event) {
	for _, s := range f {
		s.Handle(e)
	}
}

// MutableFanout is a Fanout whose membership can grow after it has
// already been handed to a collaborator as a Sink — needed because some
// concrete sinks (internal/sink.MQTT) are themselves constructed from a
// collaborator (the dispatcher) that must already hold a Sink reference
// before the MQTT sink exists. cmd/gateway hands the same *MutableFanout
// to both the dispatcher and the listener, then Adds sinks to it as it
// finishes constructing them.
type MutableFanout struct {
	mu    sync.Mutex
	sinks []Sink
}

// Add appends s to the fanout membership.
func (f *MutableFanout) Add(s Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, s)
}

func (f *MutableFanout) Handle(e Event) {
	f.mu.Lock()
	sinks := make([]Sink, len(f.sinks))
	copy(sinks, f.sinks)
	f.mu.Unlock()
	for _, s := range sinks {
		s.Handle(e)
	}
}
