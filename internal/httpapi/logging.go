package httpapi

import (
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// zlog is an optional structured logger. If unset, requests are not logged.
var zlog *zerolog.Logger

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = &l }

// LogLevel controls per-request logging behavior.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
)

var levelNames = map[string]LogLevel{
	"":      LevelOff,
	"off":   LevelOff,
	"error": LevelError,
	"info":  LevelInfo,
	"debug": LevelDebug,
}

// parseLevel maps a level name; unknown names mean info.
func parseLevel(s string) LogLevel {
	if l, ok := levelNames[s]; ok {
		return l
	}
	return LevelInfo
}

var defaultLogLevel = parseLevel(os.Getenv("ENGINED_HTTP_LOG_LEVEL"))

// requestLogLevel lets a caller raise or silence logging for one request via
// ?log= or X-Log-Level.
func requestLogLevel(r *http.Request) LogLevel {
	for _, v := range []string{r.URL.Query().Get("log"), r.Header.Get("X-Log-Level")} {
		if v != "" {
			return parseLevel(v)
		}
	}
	return defaultLogLevel
}

// shouldLog decides after the fact: server errors always log, /metrics
// scrapes only at debug.
func shouldLog(lvl LogLevel, status int, path string) bool {
	if status >= http.StatusInternalServerError {
		return true
	}
	if path == "/metrics" {
		return lvl >= LevelDebug
	}
	return lvl >= LevelInfo
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lvl := requestLogLevel(r)
		if zlog == nil || lvl == LevelOff {
			next.ServeHTTP(w, r)
			return
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		if !shouldLog(lvl, status, r.URL.Path) {
			return
		}
		ev := zlog.Info()
		if status >= http.StatusInternalServerError {
			ev = zlog.Error()
		}
		ev.Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("dur", time.Since(start)).
			Msg("admin request")
	})
}
