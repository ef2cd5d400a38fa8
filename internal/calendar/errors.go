package calendar

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/api/googleapi"

	"github.com/teemow/calfanout/internal/instrumentation"
)

// ErrNotFound means the remote event does not exist (404) or was deleted (410).
var ErrNotFound = errors.New("remote event not found")

// RemoteError is any other failed calendar call.
type RemoteError struct {
	Operation  string
	StatusCode int // 0 for transport failures
	Err        error
}

func (e *RemoteError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("calendar %s failed with status %d: %v", e.Operation, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("calendar %s failed: %v", e.Operation, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// classify maps a google API error onto ErrNotFound or *RemoteError.
func classify(operation string, err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone {
			return fmt.Errorf("calendar %s: %w", operation, ErrNotFound)
		}
		return &RemoteError{Operation: operation, StatusCode: gerr.Code, Err: err}
	}
	return &RemoteError{Operation: operation, Err: err}
}

// statusOf is the metrics status label for a classified error.
func statusOf(err error) string {
	switch {
	case err == nil:
		return instrumentation.StatusSuccess
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return instrumentation.StatusError
	}
}
