package domain

import (
	"errors"
	"fmt"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrAlreadyFilled = errors.New("order already filled")
	ErrRoundClosed   = errors.New("round closed")
	ErrInvalidOrder  = errors.New("invalid order parameters")
	ErrLockHeld      = errors.New("lock already held")
	ErrWSDisconnect  = errors.New("websocket disconnected")
	ErrContextDone   = errors.New("context cancelled")
)

// SubmissionError reports an order rejected by the execution venue.
// Retryable distinguishes transient transport failures from hard rejections
// such as invalid price/size or insufficient balance.
type SubmissionError struct {
	ClientOrderID string
	Reason        string
	Retryable     bool
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submission failed for %s: %s", e.ClientOrderID, e.Reason)
}

// IsRetryable reports whether err (or anything it wraps) is a transient
// failure worth another submission attempt.
func IsRetryable(err error) bool {
	var se *SubmissionError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}
