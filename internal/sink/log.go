package sink

import (
	"log/slog"

	"github.com/aarongabrielcy/codec-gateway/internal/events"
)

// Log is the always-on structured-log sink, the direct successor of the
// teacher's fmt.Printf calls scattered through dispatcher/getver.go and
// iccid.go, now routed through log/slog like the rest of the service.
type Log struct {
	logger *slog.Logger
}

// NewLog wraps logger as an events.Sink.
func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Handle(e events.Event) {
	switch e.Kind {
	case events.KindSessionOpened:
		l.logger.Info("session opened", "session_id", e.SessionID, "source", e.Source)
	case events.KindAuthenticated:
		l.logger.Info("session authenticated", "session_id", e.SessionID, "imei", e.IMEI)
	case events.KindAvlRecord:
		l.logger.Debug("avl record", "imei", e.IMEI, "session_id", e.SessionID)
	case events.KindCommandResponse:
		l.logger.Info("command response", "imei", e.IMEI, "solicited", e.Solicited, "text", e.ResponseText)
	case events.KindSessionClosed:
		l.logger.Info("session closed", "session_id", e.SessionID, "imei", e.IMEI, "reason", e.CloseReason)
	}
}
