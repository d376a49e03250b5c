package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/ineyio/neutralgate"
	"github.com/ineyio/neutralgate/quota"
)

// Error codes returned in error bodies.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeNoKey          = "NO_KEY"
	CodeInvalidKey     = "INVALID_KEY"
	CodeNoToken        = "NO_TOKEN"
	CodeInvalidToken   = "INVALID_TOKEN"
	CodePlanRequired   = "PLAN_REQUIRED"
	CodeDeviceLimit    = "DEVICE_LIMIT"
	CodeQuotaExceeded  = "QUOTA_EXCEEDED"
	CodeRateLimited    = "RATE_LIMITED"
	CodeNotFound       = "NOT_FOUND"
	CodeNotAllowed     = "METHOD_NOT_ALLOWED"
	CodeInternal       = "INTERNAL"
)

// Quota response headers.
const (
	HeaderQuotaLimit     = "X-Quota-Limit"
	HeaderQuotaRemaining = "X-Quota-Remaining"
	HeaderQuotaReset     = "X-Quota-Reset"
)

type errorBody struct {
	OK         bool       `json:"ok"`
	Code       string     `json:"code"`
	Error      string     `json:"error"`
	RequestID  string     `json:"requestId,omitempty"`
	Remaining  *int64     `json:"remaining,omitempty"`
	ResetAt    *time.Time `json:"resetAt,omitempty"`
	RetryAfter *int64     `json:"retryAfter,omitempty"`
}

var errorTable = []struct {
	err    error
	status int
	code   string
}{
	{neutralgate.ErrInvalidRequest, http.StatusBadRequest, CodeInvalidRequest},
	{neutralgate.ErrNoKey, http.StatusBadRequest, CodeNoKey},
	{neutralgate.ErrInvalidKey, http.StatusBadRequest, CodeInvalidKey},
	{neutralgate.ErrNoToken, http.StatusUnauthorized, CodeNoToken},
	{neutralgate.ErrInvalidToken, http.StatusUnauthorized, CodeInvalidToken},
	{neutralgate.ErrPlanRequired, http.StatusForbidden, CodePlanRequired},
	{neutralgate.ErrDeviceLimit, http.StatusConflict, CodeDeviceLimit},
	{neutralgate.ErrQuotaExceeded, http.StatusTooManyRequests, CodeQuotaExceeded},
	{neutralgate.ErrRateLimited, http.StatusTooManyRequests, CodeRateLimited},
}

// classify maps err onto an HTTP status and error code.
func classify(err error) (int, string) {
	for _, e := range errorTable {
		if errors.Is(err, e.err) {
			return e.status, e.code
		}
	}
	return http.StatusInternalServerError, CodeInternal
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes err as an error body. Internal errors are logged and replaced with
// a generic message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	s.writeErrorBody(w, r, err, errorBody{})
}

func (s *Server) writeErrorBody(w http.ResponseWriter, r *http.Request, err error, body errorBody) {
	status, code := classify(err)
	body.OK = false
	body.Code = code
	body.RequestID = middleware.GetReqID(r.Context())

	if status == http.StatusInternalServerError {
		s.logger.Error("internal error",
			"request_id", body.RequestID,
			"path", r.URL.Path,
			"error", err,
		)
		body.Error = "internal error"
	} else {
		body.Error = publicError(err)
	}

	if body.RetryAfter != nil {
		w.Header().Set("Retry-After", strconv.FormatInt(*body.RetryAfter, 10))
	}
	writeJSON(w, status, body)
}

// writeQuotaExceeded writes a 429 carrying the window state.
func (s *Server) writeQuotaExceeded(w http.ResponseWriter, r *http.Request, d quota.Decision) {
	remaining := int64(0)
	reset := d.ResetAt
	retry := retryAfterSeconds(d.ResetAt.Sub(s.now()))
	s.writeErrorBody(w, r, neutralgate.ErrQuotaExceeded, errorBody{
		Remaining:  &remaining,
		ResetAt:    &reset,
		RetryAfter: &retry,
	})
}

func publicError(err error) string {
	return strings.TrimPrefix(err.Error(), "neutralgate: ")
}

func retryAfterSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 1
	}
	return int64(math.Ceil(d.Seconds()))
}

// setQuotaHeaders exposes the caller's window. Unlimited and bypassed decisions only
// carry the reset time.
func setQuotaHeaders(w http.ResponseWriter, d quota.Decision) {
	h := w.Header()
	if !d.Unlimited {
		h.Set(HeaderQuotaLimit, strconv.FormatInt(d.Limit, 10))
		h.Set(HeaderQuotaRemaining, strconv.FormatInt(d.Remaining, 10))
	}
	if !d.ResetAt.IsZero() {
		h.Set(HeaderQuotaReset, strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
}

// remainingValue renders the remaining count, null when unlimited.
func remainingValue(d quota.Decision) *int64 {
	if d.Unlimited {
		return nil
	}
	v := d.Remaining
	return &v
}

// decode reads a JSON body bounded by the server's body limit.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return invalid("body too large")
		case errors.Is(err, io.EOF):
			return invalid("empty body")
		default:
			return invalid("malformed JSON body")
		}
	}
	return nil
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", neutralgate.ErrInvalidRequest, msg)
}
