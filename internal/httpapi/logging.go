package httpapi

import (
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// zlog is the structured logger of the HTTP layer. Nop until SetLogger.
var zlog = zerolog.Nop()

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = l }

// LogLevel controls per-request logging behavior.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
)

func parseLevel(s string) LogLevel {
	switch s {
	case "off", "":
		return LevelOff
	case "error":
		return LevelError
	case "info":
		return LevelInfo
	case "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}

// defaultLogLevel is read once from INFERD_REQUEST_LOG (default info).
var defaultLogLevel = func() LogLevel {
	v := os.Getenv("INFERD_REQUEST_LOG")
	if v == "" {
		return LevelInfo
	}
	return parseLevel(v)
}()

func requestLogLevel(r *http.Request) LogLevel {
	if v := r.URL.Query().Get("log"); v != "" {
		if v == "1" {
			return LevelDebug
		}
		return parseLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseLevel(v)
	}
	return defaultLogLevel
}

// reqLog starts a log event for r at the given level, or returns nil when the
// request's log level filters it out.
func reqLog(r *http.Request, lvl LogLevel, need LogLevel, ev func() *zerolog.Event) *zerolog.Event {
	if lvl < need {
		return nil
	}
	e := ev().Str("path", r.URL.Path)
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		e = e.Str("request_id", rid)
	}
	return e
}

// logEnd logs the outcome of a generation request.
func logEnd(r *http.Request, lvl LogLevel, status int, start time.Time, err error) {
	need := LevelInfo
	ev := zlog.Info
	if status >= 500 {
		need, ev = LevelError, zlog.Error
	}
	e := reqLog(r, lvl, need, ev)
	if e == nil {
		return
	}
	e = e.Int("status", status).Dur("dur", time.Since(start))
	if err != nil {
		e = e.Err(err)
	}
	e.Msg("request end")
}
