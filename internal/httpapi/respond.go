package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"wagate/internal/dispatch"
)

const maxBody = 1 << 20

type errorBody struct {
	Error             string `json:"error"`
	Code              string `json:"code,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

// decode reads a bounded JSON body. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func retrySeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

// statusFor maps a dispatch outcome onto an HTTP status.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, dispatch.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, dispatch.ErrCampaignPaused):
		return http.StatusConflict
	}
	var de *dispatch.Error
	if !errors.As(err, &de) {
		return http.StatusInternalServerError
	}
	switch de.Code {
	case dispatch.CodeRateLimited:
		return http.StatusTooManyRequests
	case dispatch.CodeComplianceBlocked:
		return http.StatusForbidden
	case dispatch.CodeRecipientInvalid:
		return http.StatusUnprocessableEntity
	case dispatch.CodeCredentialInvalid, dispatch.CodePolicyViolation, dispatch.CodeAccountBlocked:
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

// writeDispatchError renders err with its taxonomy code and Retry-After.
func writeDispatchError(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error()}
	if errors.Is(err, dispatch.ErrCampaignPaused) {
		body.Code = "CAMPAIGN_PAUSED"
	}
	var de *dispatch.Error
	if errors.As(err, &de) {
		body.Code = string(de.Code)
		if s := retrySeconds(de.RetryAfter()); s > 0 && de.Retryable() {
			body.RetryAfterSeconds = s
			w.Header().Set("Retry-After", strconv.Itoa(s))
		}
	}
	writeJSON(w, statusFor(err), body)
}

func queryInt(r *http.Request, name string, def, max int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}
