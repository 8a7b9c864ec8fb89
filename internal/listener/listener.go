// Package listener binds the device-facing TCP port, applies admission
// control at accept time, and spawns a session.Session per accepted
// connection, per spec.md §4.7.
package listener

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/aarongabrielcy/codec-gateway/internal/admission"
	"github.com/aarongabrielcy/codec-gateway/internal/dispatcher"
	"github.com/aarongabrielcy/codec-gateway/internal/events"
	"github.com/aarongabrielcy/codec-gateway/internal/imei"
	"github.com/aarongabrielcy/codec-gateway/internal/observability"
	"github.com/aarongabrielcy/codec-gateway/internal/registry"
	"github.com/aarongabrielcy/codec-gateway/internal/session"
)

// Listener owns the accepting socket and threads shared collaborators into
// each Session it spawns.
type Listener struct {
	Admission  *admission.Controller
	Registry   *registry.Registry
	Dispatcher *dispatcher.Dispatcher
	Sink       events.Sink
	AllowList  imei.AllowList
	Logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session.Session
}

// New constructs a Listener from its collaborators.
func New(a *admission.Controller, r *registry.Registry, d *dispatcher.Dispatcher, sink events.Sink, allow imei.AllowList, log *slog.Logger) *Listener {
	return &Listener{
		Admission:  a,
		Registry:   r,
		Dispatcher: d,
		Sink:       sink,
		AllowList:  allow,
		Logger:     log,
		sessions:   make(map[string]*session.Session),
	}
}

// Serve binds addr and accepts connections until ctx is cancelled or an
// unrecoverable listener error occurs. It never returns on a transient
// per-connection error.
func (l *Listener) Serve(ctx context.Context, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	l.Logger.Info("listener started", "addr", addr)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				l.closeAll("shutdown")
				return nil
			default:
			}
			l.Logger.Error("accept error", "err", err)
			return err
		}

		go l.handle(conn)
	}
}

func (l *Listener) handle(conn net.Conn) {
	source := conn.RemoteAddr().String()
	sourceIP, _, _ := net.SplitHostPort(source)
	if sourceIP == "" {
		sourceIP = source
	}

	if l.Admission != nil {
		decision := l.Admission.EvaluateOpen(sourceIP)
		if !decision.Allowed {
			l.Logger.Warn("connection denied by admission", "source", sourceIP, "reason", decision.Reason)
			observability.AdmissionDenied.WithLabelValues(decision.Reason).Inc()
			_ = conn.Close()
			return
		}
	}

	sess := session.New(conn, sourceIP, session.Deps{
		Admission:  l.Admission,
		Registry:   l.Registry,
		Dispatcher: l.Dispatcher,
		Sink:       l.Sink,
		AllowList:  l.AllowList,
		Logger:     l.Logger,
	})

	l.mu.Lock()
	l.sessions[sess.ID()] = sess
	l.mu.Unlock()

	sess.Run()

	l.mu.Lock()
	delete(l.sessions, sess.ID())
	l.mu.Unlock()
}

// closeAll closes every live session's socket, which unblocks each
// session's read loop into its normal teardown path (registry unbind,
// admission release, dispatcher SessionGone) — the graceful-shutdown
// behavior spec.md §5 describes.
func (l *Listener) closeAll(reason string) {
	l.Logger.Info("closing all sessions", "reason", reason)
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, sess := range l.sessions {
		sess.Close()
	}
}
