// Package dispatcher implements the command dispatcher of spec.md §4.6:
// send(imei, text, timeout) -> future<response>, FIFO-paired against the
// device's Codec 12 responses since the protocol carries no correlation id.
package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aarongabrielcy/codec-gateway/internal/codec"
	"github.com/aarongabrielcy/codec-gateway/internal/events"
	"github.com/aarongabrielcy/codec-gateway/internal/observability"
	"github.com/aarongabrielcy/codec-gateway/internal/registry"
)

// DefaultMaxPending is the default bound on concurrent in-flight commands
// per session, spec.md §4.6.
const DefaultMaxPending = 8

// ErrBackpressure is returned synchronously by Send when a session already
// has DefaultMaxPending (or the configured max) commands in flight.
var ErrBackpressure = errors.New("dispatcher: too many pending commands for session")

// ResultKind enumerates the Result variants of spec.md §4.6.
type ResultKind int

const (
	ResultResponse ResultKind = iota
	ResultTimeout
	ResultDeviceNotConnected
	ResultWriteError
	ResultSessionGone
)

func (k ResultKind) String() string {
	switch k {
	case ResultResponse:
		return "response"
	case ResultTimeout:
		return "timeout"
	case ResultDeviceNotConnected:
		return "device_not_connected"
	case ResultWriteError:
		return "write_error"
	case ResultSessionGone:
		return "session_gone"
	default:
		return "unknown"
	}
}

// Result is the outcome delivered to a Send caller.
type Result struct {
	Kind ResultKind
	Text string
	Err  error
}

// Session is the subset of session.Session the dispatcher needs: writing a
// framed command and manipulating the session's own pending-command queue.
// The queue is owned and locked by the session; the dispatcher never holds
// it across the WriteFrame call.
type Session interface {
	ID() string
	WriteFrame(frame []byte) error
	EnqueuePending(id string) error
	DequeuePending() (id string, ok bool)
	RemovePending(id string) bool
	DrainPending() []string
	PendingLen() int
}

type pendingFuture struct {
	result chan Result
	once   sync.Once
	timer  *time.Timer
}

func (p *pendingFuture) complete(r Result) {
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		observability.CommandResults.WithLabelValues(r.Kind.String()).Inc()
		p.result <- r
		close(p.result)
	})
}

// Future is returned by Send; Wait blocks until the command resolves or
// ctx is done.
type Future struct {
	f *pendingFuture
}

// Wait blocks for the result, or returns ctx.Err() if ctx completes first.
func (fut Future) Wait(ctx context.Context) (Result, error) {
	select {
	case r := <-fut.f.result:
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Dispatcher resolves an IMEI to its session via the registry, frames and
// writes Codec 12 requests, and pairs incoming Codec 12 responses FIFO.
type Dispatcher struct {
	reg        *registry.Registry
	sink       events.Sink
	maxPending int

	mu       sync.Mutex
	futures  map[string]*pendingFuture      // pending id -> future
	sessions map[string]map[string]struct{} // session id -> set of pending ids, for accounting only

	now func() time.Time
}

// New constructs a Dispatcher. maxPending<=0 uses DefaultMaxPending.
func New(reg *registry.Registry, sink events.Sink, maxPending int) *Dispatcher {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &Dispatcher{
		reg:        reg,
		sink:       sink,
		maxPending: maxPending,
		futures:    make(map[string]*pendingFuture),
		sessions:   make(map[string]map[string]struct{}),
		now:        time.Now,
	}
}

// Send implements spec.md §4.6's algorithm.
func (d *Dispatcher) Send(ctx context.Context, imei, text string, timeout time.Duration) (Future, error) {
	regSess, ok := d.reg.Lookup(imei)
	if !ok {
		return d.immediate(Result{Kind: ResultDeviceNotConnected})
	}
	sess, ok := regSess.(Session)
	if !ok {
		return d.immediate(Result{Kind: ResultDeviceNotConnected})
	}

	if sess.PendingLen() >= d.maxPending {
		return Future{}, ErrBackpressure
	}

	id := uuid.NewString()
	frame := codec.EncodeCodec12Request(text)

	fut := &pendingFuture{result: make(chan Result, 1)}

	d.mu.Lock()
	d.futures[id] = fut
	if d.sessions[sess.ID()] == nil {
		d.sessions[sess.ID()] = make(map[string]struct{})
	}
	d.sessions[sess.ID()][id] = struct{}{}
	observability.CommandPending.Set(float64(len(d.futures)))
	d.mu.Unlock()

	if err := sess.EnqueuePending(id); err != nil {
		d.forget(sess.ID(), id)
		return Future{}, ErrBackpressure
	}

	fut.timer = time.AfterFunc(timeout, func() {
		sess.RemovePending(id)
		d.resolve(sess.ID(), id, Result{Kind: ResultTimeout})
	})

	if err := sess.WriteFrame(frame); err != nil {
		sess.RemovePending(id)
		d.resolve(sess.ID(), id, Result{Kind: ResultWriteError, Err: err})
		return Future{f: fut}, nil
	}

	return Future{f: fut}, nil
}

func (d *Dispatcher) immediate(r Result) (Future, error) {
	ch := make(chan Result, 1)
	ch <- r
	close(ch)
	return Future{f: &pendingFuture{result: ch}}, nil
}

func (d *Dispatcher) forget(sessionID, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.futures, id)
	if set, ok := d.sessions[sessionID]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(d.sessions, sessionID)
		}
	}
	observability.CommandPending.Set(float64(len(d.futures)))
}

func (d *Dispatcher) resolve(sessionID, id string, r Result) {
	d.mu.Lock()
	fut, ok := d.futures[id]
	delete(d.futures, id)
	if set, ok2 := d.sessions[sessionID]; ok2 {
		delete(set, id)
		if len(set) == 0 {
			delete(d.sessions, sessionID)
		}
	}
	observability.CommandPending.Set(float64(len(d.futures)))
	d.mu.Unlock()

	if ok {
		fut.complete(r)
	}
}

// OnResponse is called by a session when it decodes a Codec 12 response.
// It pops the oldest pending entry for that session and resolves it. If
// the session's pending queue is empty, the response is delivered as an
// unsolicited CommandResponse event instead.
func (d *Dispatcher) OnResponse(sess Session, imei, text string) {
	id, ok := sess.DequeuePending()
	if !ok {
		if d.sink != nil {
			d.sink.Handle(events.Event{
				Kind:         events.KindCommandResponse,
				SessionID:    sess.ID(),
				IMEI:         imei,
				ResponseText: text,
				Solicited:    false,
			})
		}
		return
	}
	d.resolve(sess.ID(), id, Result{Kind: ResultResponse, Text: text})
	if d.sink != nil {
		d.sink.Handle(events.Event{
			Kind:         events.KindCommandResponse,
			SessionID:    sess.ID(),
			IMEI:         imei,
			ResponseText: text,
			Solicited:    true,
		})
	}
}

// SessionTornDown completes every remaining pending command for sess with
// SessionGone. Called once by the session on teardown.
func (d *Dispatcher) SessionTornDown(sess Session) {
	ids := sess.DrainPending()
	for _, id := range ids {
		d.resolve(sess.ID(), id, Result{Kind: ResultSessionGone})
	}
}

// PendingCount reports the number of in-flight commands across all
// sessions, for metrics.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.futures)
}
