// Package session implements the per-connection state machine of
// spec.md §4.4: handshake, AVL streaming with acknowledgement, and
// Codec 12 command/response multiplexing, over a single accepted TCP
// connection.
package session

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aarongabrielcy/codec-gateway/internal/admission"
	"github.com/aarongabrielcy/codec-gateway/internal/codec"
	"github.com/aarongabrielcy/codec-gateway/internal/dispatcher"
	"github.com/aarongabrielcy/codec-gateway/internal/events"
	"github.com/aarongabrielcy/codec-gateway/internal/imei"
	"github.com/aarongabrielcy/codec-gateway/internal/observability"
	"github.com/aarongabrielcy/codec-gateway/internal/registry"
)

// State is one of the states in spec.md §4.4's table.
type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateStreaming
	StateClosing
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

const readChunk = 2048

// maxBufferedBytes bounds the read buffer as a defense against a peer that
// never completes a frame; exceeding it is treated as a protocol error.
const maxBufferedBytes = 16 * 1024 * 1024

// Deps bundles the collaborators a session needs, threaded in explicitly
// by the listener rather than reached for as package-level singletons
// (spec.md §9's design note).
type Deps struct {
	Admission  *admission.Controller
	Registry   *registry.Registry
	Dispatcher *dispatcher.Dispatcher
	Sink       events.Sink
	AllowList  imei.AllowList
	Logger     *slog.Logger
}

// Session represents one accepted TCP peer.
type Session struct {
	id        string
	conn      net.Conn
	source    string
	createdAt time.Time

	deps Deps

	stateMu sync.Mutex
	state   State
	imei    string

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   []string

	buf []byte

	log *slog.Logger
}

// New constructs a Session for a freshly accepted connection. source is the
// admission-control key for the peer (its host without the ephemeral port,
// as computed once by the listener) — every session must be constructed
// with the same source string the listener used for its admission checks,
// or per-source accounting (rate limiting, device caps, release) silently
// splits across one bucket per connection instead of per host. Run must be
// called to actually drive it.
func New(conn net.Conn, source string, deps Deps) *Session {
	id := uuid.NewString()
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		id:        id,
		conn:      conn,
		source:    source,
		createdAt: time.Now(),
		deps:      deps,
		state:     StateConnecting,
		log:       log.With("session_id", id, "source", source),
	}
}

// ID returns the session's opaque identifier.
func (s *Session) ID() string { return s.id }

// IMEI returns the bound IMEI, or "" before the handshake completes.
func (s *Session) IMEI() string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.imei
}

// State returns the current state.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
}

// Close closes the underlying connection, unblocking the read loop so it
// can run its normal teardown path. Safe to call more than once.
func (s *Session) Close() {
	_ = s.conn.Close()
}

// WriteFrame serializes writes so a command frame, a handshake ack, and a
// batch ack can never interleave mid-frame.
func (s *Session) WriteFrame(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(frame)
	return err
}

// EnqueuePending appends a dispatcher-issued command id to the FIFO
// pending queue. It never fails; the dispatcher enforces the pipelining
// bound before calling it.
func (s *Session) EnqueuePending(id string) error {
	s.pendingMu.Lock()
	s.pending = append(s.pending, id)
	s.pendingMu.Unlock()
	return nil
}

// DequeuePending pops the oldest pending id, FIFO.
func (s *Session) DequeuePending() (string, bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if len(s.pending) == 0 {
		return "", false
	}
	id := s.pending[0]
	s.pending = s.pending[1:]
	return id, true
}

// RemovePending removes a specific id (used on timeout or synchronous
// write failure), preserving FIFO order of the rest.
func (s *Session) RemovePending(id string) bool {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for i, p := range s.pending {
		if p == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return true
		}
	}
	return false
}

// DrainPending clears the queue and returns everything that was in it, in
// FIFO order, for teardown.
func (s *Session) DrainPending() []string {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	drained := s.pending
	s.pending = nil
	return drained
}

// PendingLen reports the current queue depth.
func (s *Session) PendingLen() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}

// Run drives the session's read loop until the peer disconnects, a
// protocol error occurs, or ctx-equivalent cancellation closes the
// underlying connection out from under it. It always returns once the
// session has reached StateTerminated.
func (s *Session) Run() {
	observability.TCPConnections.Inc()
	observability.SessionsActive.Inc()
	defer observability.SessionsActive.Dec()

	s.setState(StateAuthenticating)
	s.emit(events.KindSessionOpened, "")

	if tcpConn, ok := s.conn.(*net.TCPConn); ok {
		_ = tcpConn.SetKeepAlive(true)
		_ = tcpConn.SetKeepAlivePeriod(60 * time.Second)
		_ = tcpConn.SetNoDelay(true)
	}

	reason := s.readLoop()
	s.teardown(reason)
}

func (s *Session) readLoop() string {
	chunk := make([]byte, readChunk)
	for {
		n, err := s.conn.Read(chunk)
		if n > 0 {
			s.buf = append(s.buf, chunk[:n]...)
			if reason, done := s.drainBuffer(); done {
				return reason
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "peer_closed"
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return "read_error"
		}
	}
}

// drainBuffer repeatedly classifies and decodes the longest complete frame
// at the front of the buffer, per spec.md §4.4. It returns (reason, true)
// when the session must close, and ("", false) once the buffer is empty or
// the frame at its front is still incomplete, so the read loop can fetch
// more bytes.
func (s *Session) drainBuffer() (string, bool) {
	for {
		if len(s.buf) > maxBufferedBytes {
			return "protocol_error", true
		}

		before := len(s.buf)
		kind := codec.Classify(s.buf)
		switch kind {
		case codec.KindNeedMoreBytes:
			return "", false

		case codec.KindMalformed:
			observability.ParseErrors.Inc()
			return "protocol_error", true

		case codec.KindHandshake:
			if reason, done := s.handleHandshake(); done {
				return reason, true
			}

		case codec.KindAVLBatch:
			if reason, done := s.handleAVLBatch(); done {
				return reason, true
			}

		case codec.KindCodec12Response:
			if reason, done := s.handleCodec12Response(); done {
				return reason, true
			}
		}

		// A handler that consumed nothing hit an incomplete frame.
		if len(s.buf) == before {
			return "", false
		}
	}
}

func (s *Session) handleHandshake() (reason string, done bool) {
	if s.State() != StateAuthenticating {
		return "protocol_error", true
	}

	imeiStr, consumed, err := codec.DecodeHandshake(s.buf)
	if err == codec.ErrNeedMoreBytes {
		return "", false
	}
	if err != nil {
		return "protocol_error", true
	}

	result := imei.Validate(imeiStr, s.deps.AllowList)
	if result != imei.Ok {
		s.log.Warn("handshake rejected", "imei", imeiStr, "reason", result.String())
		observability.HandshakeTotal.WithLabelValues(result.String()).Inc()
		_ = s.WriteFrame([]byte{0x00})
		s.consume(consumed)
		return "handshake_rejected:" + result.String(), true
	}

	if s.deps.Admission != nil {
		decision := s.deps.Admission.EvaluateBind(s.source, imeiStr)
		if !decision.Allowed {
			s.log.Warn("handshake denied by admission", "imei", imeiStr, "reason", decision.Reason)
			observability.AdmissionDenied.WithLabelValues(decision.Reason).Inc()
			_ = s.WriteFrame([]byte{0x00})
			s.consume(consumed)
			return "admission_denied:" + decision.Reason, true
		}
	}

	if s.deps.Registry != nil {
		if ok := s.deps.Registry.Bind(imeiStr, s); !ok {
			s.log.Warn("imei already bound to another session", "imei", imeiStr)
			observability.HandshakeTotal.WithLabelValues("registry_conflict").Inc()
			_ = s.WriteFrame([]byte{0x00})
			s.consume(consumed)
			return "registry_conflict", true
		}
	}

	if err := s.WriteFrame([]byte{0x01}); err != nil {
		return "write_error", true
	}

	s.stateMu.Lock()
	s.imei = imeiStr
	s.state = StateStreaming
	s.stateMu.Unlock()

	s.consume(consumed)
	s.log.Info("handshake accepted", "imei", imeiStr)
	observability.HandshakeTotal.WithLabelValues("ok").Inc()
	s.emit(events.KindAuthenticated, imeiStr)
	return "", false
}

func (s *Session) handleAVLBatch() (reason string, done bool) {
	if s.State() != StateStreaming {
		return "protocol_error", true
	}

	parseStart := time.Now()
	batch, err := codec.DecodeAVL(s.buf)
	if err == nil {
		observability.ObserveParseLatency(parseStart)
	}
	if err == codec.ErrNeedMoreBytes {
		return "", false
	}
	if err != nil {
		return "protocol_error", true
	}
	if !batch.CRCValid {
		s.log.Warn("avl batch crc mismatch, records still emitted", "imei", s.IMEI())
	}

	ack := make([]byte, 4)
	ack[0] = byte(batch.Quantity1 >> 24)
	ack[1] = byte(batch.Quantity1 >> 16)
	ack[2] = byte(batch.Quantity1 >> 8)
	ack[3] = byte(batch.Quantity1)
	if err := s.WriteFrame(ack); err != nil {
		s.consume(batch.ConsumedLen)
		return "write_error", true
	}

	observability.AVLRecords.Add(float64(len(batch.Records)))

	imeiStr := s.IMEI()
	for i := range batch.Records {
		if s.deps.Sink != nil {
			s.deps.Sink.Handle(events.Event{
				Kind:      events.KindAvlRecord,
				SessionID: s.id,
				Source:    s.source,
				IMEI:      imeiStr,
				At:        time.Now(),
				Record:    &batch.Records[i],
			})
		}
	}

	s.consume(batch.ConsumedLen)
	return "", false
}

func (s *Session) handleCodec12Response() (reason string, done bool) {
	parseStart := time.Now()
	text, consumed, crcValid, err := codec.DecodeCodec12Response(s.buf)
	if err == nil {
		observability.ObserveParseLatency(parseStart)
	}
	if err == codec.ErrNeedMoreBytes {
		return "", false
	}
	if err != nil {
		return "protocol_error", true
	}
	if !crcValid {
		s.log.Warn("codec12 response crc mismatch, text still delivered", "imei", s.IMEI())
	}

	if s.deps.Dispatcher != nil {
		s.deps.Dispatcher.OnResponse(s, s.IMEI(), text)
	}

	s.consume(consumed)
	return "", false
}

func (s *Session) consume(n int) {
	if n <= 0 || n > len(s.buf) {
		s.buf = s.buf[:0]
		return
	}
	remaining := len(s.buf) - n
	copy(s.buf, s.buf[n:])
	s.buf = s.buf[:remaining]
}

func (s *Session) teardown(reason string) {
	s.setState(StateClosing)

	boundIMEI := s.IMEI()
	if boundIMEI != "" {
		if s.deps.Registry != nil {
			s.deps.Registry.Unbind(boundIMEI, s)
		}
		if s.deps.Admission != nil {
			s.deps.Admission.Release(s.source, boundIMEI)
		}
	}

	if s.deps.Dispatcher != nil {
		s.deps.Dispatcher.SessionTornDown(s)
	}

	_ = s.conn.Close()
	s.setState(StateTerminated)

	s.log.Info("session closed", "imei", boundIMEI, "reason", reason)
	var imeiPtr string
	if boundIMEI != "" {
		imeiPtr = boundIMEI
	}
	s.emit(events.KindSessionClosed, imeiPtr, reason)
}

func (s *Session) emit(kind events.Kind, imeiStr string, reason ...string) {
	if s.deps.Sink == nil {
		return
	}
	ev := events.Event{
		Kind:      kind,
		SessionID: s.id,
		Source:    s.source,
		IMEI:      imeiStr,
		At:        time.Now(),
	}
	if len(reason) > 0 {
		ev.CloseReason = reason[0]
	}
	s.deps.Sink.Handle(ev)
}
