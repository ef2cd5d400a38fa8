// Package link runs the account linking flow: it issues the consent URL
// for a workspace, completes the OAuth callback into a stored credential,
// and disconnects accounts again.
package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/teemow/calfanout/internal/credential"
	"github.com/teemow/calfanout/internal/google"
	"github.com/teemow/calfanout/internal/handshake"
	"github.com/teemow/calfanout/internal/instrumentation"
	"github.com/teemow/calfanout/internal/logging"
	"github.com/teemow/calfanout/internal/registry"
	"github.com/teemow/calfanout/internal/workspace"
)

// ErrNoRefreshToken is returned when the provider did not issue a refresh
// credential, usually because consent was not granted for offline access.
var ErrNoRefreshToken = errors.New("provider did not return a refresh token")

// Provider is the OAuth provider surface the flow needs.
type Provider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	UserInfo(ctx context.Context, accessToken string) (*google.UserInfo, error)
	Revoke(ctx context.Context, token string) error
}

// Result describes a completed link.
type Result struct {
	WorkspaceID string `json:"workspace_id"`
	AccountID   string `json:"account_id"`
	Email       string `json:"email"`
	LinkedBy    string `json:"linked_by"`
	// Relinked is true when the account was already known to the workspace.
	Relinked bool `json:"relinked"`
}

// Account is a linked account as shown to users. It never carries
// credentials.
type Account struct {
	AccountID   string    `json:"account_id"`
	Email       string    `json:"email,omitempty"`
	LinkedBy    string    `json:"linked_by,omitempty"`
	Scopes      []string  `json:"scopes,omitempty"`
	LinkedAt    time.Time `json:"linked_at,omitzero"`
	NeedsRelink bool      `json:"needs_relink,omitempty"`
}

// Disconnection describes a disconnected account.
type Disconnection struct {
	AccountID       string `json:"account_id"`
	Email           string `json:"email"`
	MappingsRemoved int    `json:"mappings_removed"`
	ProviderRevoked bool   `json:"provider_revoked"`
}

// Service runs the linking flow.
type Service struct {
	issuer   *handshake.Issuer
	provider Provider
	creds    *credential.Store
	registry *registry.Registry
	policy   *workspace.Policy
	logger   *slog.Logger
	metrics  *instrumentation.Metrics
	audit    *instrumentation.AuditLogger
}

// Deps are the collaborators of a Service.
type Deps struct {
	Issuer      *handshake.Issuer
	Provider    Provider
	Credentials *credential.Store
	Registry    *registry.Registry
	Policy      *workspace.Policy
}

// NewService creates a Service. logger, metrics and audit may be nil.
func NewService(deps Deps, logger *slog.Logger, metrics *instrumentation.Metrics, audit *instrumentation.AuditLogger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		issuer:   deps.Issuer,
		provider: deps.Provider,
		creds:    deps.Credentials,
		registry: deps.Registry,
		policy:   deps.Policy,
		logger:   logger,
		metrics:  metrics,
		audit:    audit,
	}
}

// Start returns the consent URL the initiating user has to open.
func (s *Service) Start(ctx context.Context, scope workspace.Scope) (string, error) {
	if err := scope.Check(); err != nil {
		return "", err
	}
	if scope.ActorID == "" {
		return "", fmt.Errorf("initiating user is required")
	}
	token, _, err := s.issuer.Issue(ctx, scope.ID, scope.ActorID, string(scope.Kind))
	if err != nil {
		return "", err
	}
	s.logger.Info("Started account link", logging.Workspace(scope.ID))
	return s.provider.AuthCodeURL(token), nil
}

// Complete finishes the consent redirect. Any handshake error aborts the
// flow before the authorization code is used.
func (s *Service) Complete(ctx context.Context, state, code string) (*Result, error) {
	st, err := s.issuer.Verify(ctx, state)
	if err != nil {
		s.metrics.RecordAccountLink(ctx, instrumentation.LinkResultRejected)
		return nil, err
	}

	rec := instrumentation.NewAuditRecord("account.link", st.WorkspaceID, st.InitiatingUserID).WithSpanContext(ctx)
	res, err := s.complete(ctx, st, code)
	s.audit.Log(rec.Complete(err))

	if err != nil {
		s.metrics.RecordAccountLink(ctx, instrumentation.LinkResultFailure)
		s.logger.Warn("Account link failed", logging.Workspace(st.WorkspaceID), logging.Err(err))
		return nil, err
	}
	s.metrics.RecordAccountLink(ctx, instrumentation.LinkResultSuccess)
	s.logger.Info("Account linked",
		logging.Workspace(res.WorkspaceID),
		logging.Account(res.AccountID),
		logging.UserHash(res.Email),
		slog.Bool("relinked", res.Relinked))
	return res, nil
}

func (s *Service) complete(ctx context.Context, st *handshake.State, code string) (*Result, error) {
	if !s.policy.Admits(st.WorkspaceID) {
		return nil, fmt.Errorf("%w: %q", workspace.ErrUnauthorized, st.WorkspaceID)
	}
	if code == "" {
		return nil, fmt.Errorf("authorization code is required")
	}

	tok, err := s.provider.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}
	if tok.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	info, err := s.provider.UserInfo(ctx, tok.AccessToken)
	if err != nil {
		return nil, err
	}

	relinked := false
	if _, err := s.creds.Get(ctx, st.WorkspaceID, info.AccountID()); err == nil {
		relinked = true
	} else if !errors.Is(err, credential.ErrNotFound) && !errors.Is(err, credential.ErrDecryption) {
		return nil, err
	}

	conn, err := s.creds.StoreConnection(ctx, st.WorkspaceID, info.AccountID(), info.Email, tok.RefreshToken, grantedScopes(tok), st.InitiatingUserID)
	if err != nil {
		return nil, err
	}
	if tok.AccessToken != "" {
		if err := s.creds.ReviseAccessCredential(ctx, st.WorkspaceID, conn.AccountID, tok.AccessToken, tok.Expiry); err != nil {
			s.logger.Warn("Failed to cache initial access credential", logging.Account(conn.AccountID), logging.Err(err))
		}
	}

	return &Result{
		WorkspaceID: st.WorkspaceID,
		AccountID:   conn.AccountID,
		Email:       conn.DisplayIdentifier,
		LinkedBy:    st.InitiatingUserID,
		Relinked:    relinked,
	}, nil
}

// grantedScopes reads the scope list the token endpoint returned.
func grantedScopes(tok *oauth2.Token) []string {
	raw, _ := tok.Extra("scope").(string)
	return strings.Fields(raw)
}

// Accounts lists the workspace's linked accounts. Accounts whose stored
// credential cannot be decrypted are listed with NeedsRelink.
func (s *Service) Accounts(ctx context.Context, scope workspace.Scope) ([]Account, error) {
	if err := scope.Check(); err != nil {
		return nil, err
	}
	enum, err := s.creds.Enumerate(ctx, scope.ID)
	if err != nil {
		return nil, err
	}
	out := make([]Account, 0, len(enum.Active)+len(enum.Undecryptable))
	for _, c := range enum.Active {
		out = append(out, Account{
			AccountID: c.AccountID,
			Email:     c.DisplayIdentifier,
			LinkedBy:  c.LinkedBy,
			Scopes:    c.Scopes,
			LinkedAt:  c.CreatedAt,
		})
	}
	for _, id := range enum.Undecryptable {
		out = append(out, Account{AccountID: id, NeedsRelink: true})
	}
	return out, nil
}

// Disconnect revokes an account, identified by account id or email, and
// removes every event mapping that references it. Revocation at the
// provider is best effort.
func (s *Service) Disconnect(ctx context.Context, scope workspace.Scope, ref string) (*Disconnection, error) {
	if err := scope.Check(); err != nil {
		return nil, err
	}
	rec := instrumentation.NewAuditRecord("account.disconnect", scope.ID, scope.ActorID).WithSpanContext(ctx)

	res, err := s.disconnect(ctx, scope, ref)
	s.audit.Log(rec.Complete(err))
	return res, err
}

func (s *Service) disconnect(ctx context.Context, scope workspace.Scope, ref string) (*Disconnection, error) {
	conn, err := s.find(ctx, scope.ID, ref)
	if err != nil {
		return nil, err
	}
	logger := s.logger.With(logging.Workspace(scope.ID), logging.Account(conn.AccountID))

	res := &Disconnection{AccountID: conn.AccountID, Email: conn.DisplayIdentifier}
	if conn.RefreshCredential != "" {
		if err := s.provider.Revoke(ctx, conn.RefreshCredential); err != nil {
			logger.Warn("Failed to revoke token at provider", logging.Err(err))
		} else {
			res.ProviderRevoked = true
		}
	}

	if err := s.creds.Revoke(ctx, scope.ID, conn.AccountID); err != nil {
		return nil, err
	}
	removed, err := s.registry.CascadeRemoveForAccount(ctx, scope.ID, conn.AccountID)
	if err != nil {
		logger.Error("Failed to remove mappings of disconnected account", logging.Err(err))
		return res, fmt.Errorf("account revoked but mappings were not removed: %w", err)
	}
	res.MappingsRemoved = removed

	logger.Info("Account disconnected", slog.Int("mappings_removed", removed))
	return res, nil
}

// find resolves an email or account id to an active connection. An
// undecryptable connection can still be disconnected by account id.
func (s *Service) find(ctx context.Context, workspaceID, ref string) (*credential.Connection, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("account or email is required")
	}
	if strings.Contains(ref, "@") {
		return s.creds.FindByDisplayIdentifier(ctx, workspaceID, ref)
	}
	conn, err := s.creds.Get(ctx, workspaceID, ref)
	switch {
	case errors.Is(err, credential.ErrDecryption):
		return &credential.Connection{WorkspaceID: workspaceID, AccountID: ref}, nil
	case err != nil:
		return nil, err
	case conn.Revoked:
		return nil, credential.ErrNotFound
	}
	return conn, nil
}
