package sink

import (
	"github.com/aarongabrielcy/codec-gateway/internal/events"
)

// Broadcast fans events out over a channel for an admin dashboard or
// live-log stream to consume in-process — the in-process successor of
// the teacher's internal/link package, which dialed a second TCP
// connection and shipped NDJSON over it. A full channel drops the event
// rather than blocking the session that produced it, so a slow or absent
// dashboard consumer never applies back-pressure to device traffic.
type Broadcast struct {
	ch      chan events.Event
	dropped chan struct{}
}

// NewBroadcast creates a Broadcast with the given channel buffer depth.
func NewBroadcast(buffer int) *Broadcast {
	if buffer <= 0 {
		buffer = 256
	}
	return &Broadcast{
		ch:      make(chan events.Event, buffer),
		dropped: make(chan struct{}, 1),
	}
}

// Events returns the read side for consumers to range over.
func (b *Broadcast) Events() <-chan events.Event {
	return b.ch
}

func (b *Broadcast) Handle(e events.Event) {
	select {
	case b.ch <- e:
	default:
		select {
		case b.dropped <- struct{}{}:
		default:
		}
	}
}

// DroppedSignal fires (non-blocking, single-slot) whenever an event had
// to be dropped because no consumer was draining Events() fast enough.
func (b *Broadcast) DroppedSignal() <-chan struct{} {
	return b.dropped
}
