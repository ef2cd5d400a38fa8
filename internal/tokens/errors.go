package tokens

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

// ErrCredentialInvalid marks a refresh credential the provider permanently
// rejected. The account must be re-linked.
var ErrCredentialInvalid = errors.New("refresh credential rejected by provider")

// TransportError wraps a failure to reach the token endpoint, or a 5xx
// from it. The refresh can be retried later.
type TransportError struct {
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("token endpoint returned %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("token endpoint unreachable: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable is always true; it lets callers test behaviour rather than type.
func (e *TransportError) Retryable() bool { return true }

// IsRetryable reports whether err is a transient refresh failure.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// permanentErrorCodes are OAuth error codes that mean the grant is dead.
var permanentErrorCodes = map[string]bool{
	"invalid_grant":          true,
	"invalid_client":         true,
	"unauthorized_client":    true,
	"unsupported_grant_type": true,
}

// classifyRefreshError maps an oauth2 refresh error onto ErrCredentialInvalid
// or *TransportError.
func classifyRefreshError(err error) error {
	if err == nil {
		return nil
	}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		if permanentErrorCodes[re.ErrorCode] {
			return fmt.Errorf("%w: %s", ErrCredentialInvalid, re.ErrorCode)
		}
		switch {
		case status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusForbidden:
			return fmt.Errorf("%w: status %d", ErrCredentialInvalid, status)
		case status >= 500 || status == http.StatusTooManyRequests:
			return &TransportError{StatusCode: status, Err: err}
		}
		if hasPermanentMarker(string(re.Body)) {
			return fmt.Errorf("%w: %v", ErrCredentialInvalid, err)
		}
		return &TransportError{StatusCode: status, Err: err}
	}

	if hasPermanentMarker(err.Error()) {
		return fmt.Errorf("%w: %v", ErrCredentialInvalid, err)
	}
	return &TransportError{Err: err}
}

func hasPermanentMarker(msg string) bool {
	msg = strings.ToLower(msg)
	for _, marker := range []string{"invalid_grant", "token has been expired or revoked"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
