package tokens

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/teemow/calfanout/internal/credential"
	"github.com/teemow/calfanout/internal/instrumentation"
	"github.com/teemow/calfanout/internal/logging"
)

const (
	// DefaultRefreshThreshold is how close to expiry an access credential
	// may get before it is refreshed.
	DefaultRefreshThreshold = 60 * time.Second

	// DefaultRefreshTimeout bounds a single call to the token endpoint.
	DefaultRefreshTimeout = 10 * time.Second
)

// Outcome distinguishes a usable credential from a refresh the provider
// refused.
type Outcome string

const (
	OutcomeValid         Outcome = "valid"
	OutcomeRefreshFailed Outcome = "refresh_failed"
)

// Credential is the result of GetValidAccessCredential.
type Credential struct {
	AccessToken string
	Expiry      time.Time
	Outcome     Outcome
	// Refreshed is true when the token endpoint was called for this result.
	Refreshed bool
	// Cause explains a RefreshFailed outcome.
	Cause error
}

// Valid reports whether AccessToken can be used.
func (c *Credential) Valid() bool {
	return c != nil && c.Outcome == OutcomeValid && c.AccessToken != ""
}

// CredentialStore persists refreshed credentials.
type CredentialStore interface {
	ReviseAccessCredential(ctx context.Context, workspaceID, accountID, accessCredential string, expiry time.Time) error
	ReviseRefreshCredential(ctx context.Context, workspaceID, accountID, refreshCredential string) error
}

// Config tunes the Manager. Zero values use the defaults.
type Config struct {
	RefreshThreshold time.Duration
	RefreshTimeout   time.Duration
}

// Manager hands out access credentials that are valid for at least the
// refresh threshold, refreshing and persisting them as needed.
type Manager struct {
	store     CredentialStore
	refresher Refresher
	threshold time.Duration
	timeout   time.Duration
	now       func() time.Time
	logger    *slog.Logger
	metrics   *instrumentation.Metrics
}

// NewManager creates a Manager. logger and metrics may be nil.
func NewManager(store CredentialStore, refresher Refresher, config Config, logger *slog.Logger, metrics *instrumentation.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if config.RefreshThreshold <= 0 {
		config.RefreshThreshold = DefaultRefreshThreshold
	}
	if config.RefreshTimeout <= 0 {
		config.RefreshTimeout = DefaultRefreshTimeout
	}
	return &Manager{
		store:     store,
		refresher: refresher,
		threshold: config.RefreshThreshold,
		timeout:   config.RefreshTimeout,
		now:       time.Now,
		logger:    logger,
		metrics:   metrics,
	}
}

func (m *Manager) needsRefresh(conn *credential.Connection) bool {
	if !conn.HasAccessCredential() {
		return true
	}
	if conn.AccessExpiry.IsZero() {
		return false
	}
	return !m.now().Add(m.threshold).Before(conn.AccessExpiry)
}

// GetValidAccessCredential returns a usable access credential for conn.
//
// A provider rejection is not an error: it yields Outcome RefreshFailed
// with the cause attached. Transport failures are returned as
// *TransportError.
func (m *Manager) GetValidAccessCredential(ctx context.Context, conn *credential.Connection) (*Credential, error) {
	if !m.needsRefresh(conn) {
		return &Credential{
			AccessToken: conn.AccessCredential,
			Expiry:      conn.AccessExpiry,
			Outcome:     OutcomeValid,
		}, nil
	}

	logger := m.logger.With(logging.Workspace(conn.WorkspaceID), logging.Account(conn.AccountID))

	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	tok, err := m.refresher.Refresh(callCtx, conn.RefreshCredential)
	if err != nil {
		if errors.Is(err, ErrCredentialInvalid) {
			m.metrics.RecordTokenRefresh(ctx, instrumentation.RefreshResultCredentialInvalid)
			logger.Warn("Refresh credential rejected, account needs re-linking", logging.Err(err))
			return &Credential{Outcome: OutcomeRefreshFailed, Cause: err}, nil
		}
		m.metrics.RecordTokenRefresh(ctx, instrumentation.RefreshResultTransportError)
		logger.Warn("Token refresh failed", logging.Err(err))
		if !IsRetryable(err) {
			err = &TransportError{Err: err}
		}
		return nil, err
	}
	m.metrics.RecordTokenRefresh(ctx, instrumentation.RefreshResultSuccess)

	if err := m.store.ReviseAccessCredential(ctx, conn.WorkspaceID, conn.AccountID, tok.AccessToken, tok.Expiry); err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			// Disconnected while the refresh was in flight.
			logger.Info("Connection revoked during refresh, discarding access credential")
			return &Credential{Outcome: OutcomeRefreshFailed, Cause: err}, nil
		}
		// The fresh token is still usable for this call.
		logger.Warn("Failed to persist refreshed access credential", logging.Err(err))
	}
	if tok.RefreshToken != "" && tok.RefreshToken != conn.RefreshCredential {
		logger.Info("Provider rotated refresh credential")
		if err := m.store.ReviseRefreshCredential(ctx, conn.WorkspaceID, conn.AccountID, tok.RefreshToken); err != nil {
			logger.Error("Failed to persist rotated refresh credential", logging.Err(err))
		}
	}

	logger.Debug("Refreshed access credential", slog.Time("expiry", tok.Expiry))
	return &Credential{
		AccessToken: tok.AccessToken,
		Expiry:      tok.Expiry,
		Outcome:     OutcomeValid,
		Refreshed:   true,
	}, nil
}
