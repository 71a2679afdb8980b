package middleware

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"

	"procvisor/internal/gateway/handlers"
	"procvisor/pkg/logger"
)

// trackingWriter records whether the response has been started, so a panic
// after the first byte does not append a second status line.
type trackingWriter struct {
	http.ResponseWriter
	started  bool
	hijacked bool
}

func (tw *trackingWriter) WriteHeader(code int) {
	tw.started = true
	tw.ResponseWriter.WriteHeader(code)
}

func (tw *trackingWriter) Write(b []byte) (int, error) {
	tw.started = true
	return tw.ResponseWriter.Write(b)
}

func (tw *trackingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := tw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	tw.hijacked = true
	return h.Hijack()
}

func (tw *trackingWriter) Flush() {
	if f, ok := tw.ResponseWriter.(http.Flusher); ok {
		tw.started = true
		f.Flush()
	}
}

// Recovery turns a handler panic into a 500 INTERNAL_ERROR response. A panic
// raised after the response has started, or on a hijacked connection, is only
// logged. http.ErrAbortHandler is re-raised for net/http to handle.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tw := &trackingWriter{ResponseWriter: w}
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if err, ok := v.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(v)
			}

			err, ok := v.(error)
			if !ok {
				err = fmt.Errorf("%v", v)
			}
			logger.Component("gateway").Error().
				Err(err).
				Str("request_id", w.Header().Get(RequestIDHeader)).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Bool("response_started", tw.started || tw.hijacked).
				Bytes("stack", debug.Stack()).
				Msg("panic recovered")

			if tw.started || tw.hijacked {
				return
			}
			handlers.SendError(w, http.StatusInternalServerError, handlers.ErrCodeInternalError, "internal server error")
		}()

		next.ServeHTTP(tw, r)
	})
}
