package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"procvisor/pkg/logger"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	prev := zerolog.GlobalLevel()
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })
	return &buf
}

func TestLogging_AccessEntry(t *testing.T) {
	buf := captureLogs(t)

	h := Logging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		zerolog.Ctx(r.Context()).Info().Msg("inside handler")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"pid":42}`))
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/processes", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "abc-123", w.Header().Get(RequestIDHeader))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var inner, access map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &inner))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &access))
	assert.Equal(t, "abc-123", inner["request_id"])
	assert.Equal(t, "abc-123", access["request_id"])
	assert.Equal(t, float64(http.StatusCreated), access["status"])
	assert.Equal(t, float64(len(`{"pid":42}`)), access["bytes"])
	assert.Equal(t, "info", access["level"])
}

func TestLogging_AssignsRequestID(t *testing.T) {
	captureLogs(t)

	w := httptest.NewRecorder()
	Logging(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).
		ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/processes", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, w.Header().Get(RequestIDHeader), 36)
}

func TestLogging_HealthIsQuiet(t *testing.T) {
	buf := captureLogs(t)

	w := httptest.NewRecorder()
	Logging(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).
		ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	assert.Zero(t, buf.Len())
}

func TestRemoteAddr(t *testing.T) {
	tests := []struct {
		remote string
		want   string
	}{
		{"127.0.0.1:12345", "127.0.0.1:12345"},
		{"@", "local"},
		{"", "local"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remote
		assert.Equal(t, tt.want, remoteAddr(req), tt.remote)
	}
}

func TestStatusWriter_FirstStatusWins(t *testing.T) {
	sw := &statusWriter{ResponseWriter: httptest.NewRecorder()}
	sw.WriteHeader(http.StatusNotFound)
	sw.WriteHeader(http.StatusOK)
	assert.Equal(t, http.StatusNotFound, sw.status)
}
