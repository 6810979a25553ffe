package authority

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrTransport wraps failures where no response was received.
	ErrTransport = errors.New("authority unreachable")
	// ErrNoActiveRun is returned by ActiveRun when the user has nothing to resume.
	ErrNoActiveRun = errors.New("no active run")
)

// Error codes the authority uses for rejected submissions.
const (
	CodeTurnMismatch = "TURN_NO_MISMATCH"
	CodeRunNotFound  = "RUN_NOT_FOUND"
)

// APIError is a non-2xx response from the authority.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Rejected reports whether the authority refused the request on its merits;
// retrying without a fresh snapshot will not help.
func (e *APIError) Rejected() bool {
	switch e.Code {
	case CodeTurnMismatch, CodeRunNotFound:
		return true
	}
	return e.Status == http.StatusConflict || e.Status == http.StatusNotFound
}

// IsRejected reports whether err is a rejected submission.
func IsRejected(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Rejected()
}

// IsTransport reports whether err means no response was received.
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport)
}

// Message renders err the way it is shown to the player.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Error()
	}
	return err.Error()
}
