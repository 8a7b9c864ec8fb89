package observability

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// NewLogger returns the service's default structured logger, JSON to
// stdout, matching the teacher's logging idiom throughout.
func NewLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

// WithFileSink builds a logger that writes JSON records both to stdout
// and to a file under dir named "<prefix>_YYYYMMDD.log" for the day the
// logger is built; the file is not switched when the date changes — the
// successor of the teacher's internal/utilities.CreateLog, which
// appended a hand-formatted line to a similarly named file on every
// call. Here it is a slog.Handler instead of a free function, so every
// structured field callers already attach (imei, session_id, err)
// reaches the file too.
func WithFileSink(dir, prefix string) (*slog.Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	filename := filepath.Join(dir, prefix+"_"+time.Now().Format("20060102")+".log")
	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	writer := io.MultiWriter(os.Stdout, f)
	return slog.New(slog.NewJSONHandler(writer, nil)), nil
}
