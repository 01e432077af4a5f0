package upstream

import (
	"fmt"
	"time"
)

// Error is the provider's error signal: HTTP status plus the Graph-style error
// body. Transport failures and timeouts carry Status 0.
type Error struct {
	Status     int
	Code       int
	Subcode    int
	Type       string
	Message    string
	TraceID    string
	Timeout    bool
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("upstream timeout: %v", e.Err)
	case e.Status == 0:
		return fmt.Sprintf("upstream transport: %v", e.Err)
	case e.Code != 0:
		return fmt.Sprintf("upstream %d: code %d: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("upstream %d: %s", e.Status, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }
