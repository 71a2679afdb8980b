// Package middleware holds the HTTP middleware of the control plane.
package middleware

import (
	"bufio"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"procvisor/pkg/logger"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// quietPaths are polled by monitors and logged at trace level only.
var quietPaths = map[string]bool{
	"/api/v1/health": true,
}

// statusWriter records the status and body size for the access log. It
// forwards Hijack and Flush so WebSocket upgrades still work.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sw *statusWriter) WriteHeader(code int) {
	if sw.status == 0 {
		sw.status = code
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if sw.status == 0 {
		sw.status = http.StatusOK
	}
	n, err := sw.ResponseWriter.Write(b)
	sw.bytes += n
	return n, err
}

func (sw *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	sw.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Logging assigns or echoes X-Request-ID, attaches a request-scoped logger
// to the request context (see zerolog.Ctx) and writes one access-log entry per
// request. Mutating and failed requests log at info, reads at debug.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		reqID := r.Header.Get(RequestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, reqID)

		log := logger.Component("gateway").With().Str("request_id", reqID).Logger()
		r = r.WithContext(log.WithContext(r.Context()))

		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		if sw.status == 0 {
			sw.status = http.StatusOK
		}

		var ev *zerolog.Event
		switch {
		case quietPaths[r.URL.Path]:
			ev = log.Trace()
		case r.Method != http.MethodGet || sw.status >= http.StatusBadRequest:
			ev = log.Info()
		default:
			ev = log.Debug()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Int("bytes", sw.bytes).
			Dur("latency", time.Since(start)).
			Str("remote", remoteAddr(r)).
			Msg("HTTP request")
	})
}

// remoteAddr returns the peer address; unix socket and pipe peers have none.
func remoteAddr(r *http.Request) string {
	if r.RemoteAddr == "" || r.RemoteAddr == "@" {
		return "local"
	}
	return r.RemoteAddr
}
