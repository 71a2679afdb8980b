// Package handlers implements the HTTP endpoints of the control plane.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// requestIDHeader mirrors middleware.RequestIDHeader; the logging middleware
// sets it on the response before any handler runs.
const requestIDHeader = "X-Request-ID"

// Error codes carried in ErrorDetail.Code.
const (
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeSpawnFailed        = "SPAWN_FAILED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeGatewayTimeout     = "GATEWAY_TIMEOUT"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes a failed request. On the client side it doubles as
// the returned error, with Status filled from the HTTP response.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
	Status    int    `json:"-"`
}

func (e *ErrorDetail) Error() string {
	return e.Code + ": " + e.Message
}

// IsCode reports whether err is an *ErrorDetail with the given code.
func IsCode(err error, code string) bool {
	var d *ErrorDetail
	return errors.As(err, &d) && d.Code == code
}

// SendJSON writes data as JSON with the given status. A nil data writes no body.
func SendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}

// SendError writes an ErrorResponse tagged with the request id.
func SendError(w http.ResponseWriter, status int, code, message string) {
	SendJSON(w, status, ErrorResponse{Error: ErrorDetail{
		Code:      code,
		Message:   message,
		RequestID: w.Header().Get(requestIDHeader),
	}})
}

// ReadError decodes an error body. Bodies that are not an ErrorResponse yield
// a generic detail built from the status line.
func ReadError(res *http.Response) *ErrorDetail {
	var body ErrorResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, maxBodySize)).Decode(&body); err != nil || body.Error.Code == "" {
		return &ErrorDetail{
			Code:      statusCode(res.StatusCode),
			Message:   "unexpected status " + res.Status,
			RequestID: res.Header.Get(requestIDHeader),
			Status:    res.StatusCode,
		}
	}
	body.Error.Status = res.StatusCode
	return &body.Error
}

func statusCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return ErrCodeInvalidRequest
	case http.StatusNotFound:
		return ErrCodeNotFound
	case http.StatusConflict:
		return ErrCodeConflict
	case http.StatusServiceUnavailable:
		return ErrCodeServiceUnavailable
	case http.StatusGatewayTimeout:
		return ErrCodeGatewayTimeout
	default:
		return ErrCodeInternalError
	}
}

// maxBodySize caps request bodies read by DecodeJSON.
const maxBodySize = 1 << 20

// DecodeJSON decodes one JSON object from the request body into v. Unknown
// fields and trailing data are rejected.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON object")
	}
	return nil
}

// DurationParam parses the query parameter name as a Go duration ("5s") or a
// plain number of seconds. A missing parameter returns def; negative values
// are rejected.
func DurationParam(r *http.Request, name string, def time.Duration) (time.Duration, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		secs, ferr := strconv.ParseFloat(raw, 64)
		if ferr != nil {
			return 0, fmt.Errorf("invalid %s: %q", name, raw)
		}
		d = time.Duration(secs * float64(time.Second))
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s: %q is negative", name, raw)
	}
	return d, nil
}
