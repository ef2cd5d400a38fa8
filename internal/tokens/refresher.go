package tokens

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

// Refresher exchanges a refresh credential for a new access credential.
// Implementations return an error wrapping ErrCredentialInvalid when the
// provider rejects the grant, and a *TransportError for transient failures.
type Refresher interface {
	Refresh(ctx context.Context, refreshCredential string) (*oauth2.Token, error)
}

// OAuthRefresher refreshes through an OAuth 2.0 token endpoint.
type OAuthRefresher struct {
	config     *oauth2.Config
	httpClient *http.Client
}

// NewOAuthRefresher creates a refresher for config. httpClient may be nil.
func NewOAuthRefresher(config *oauth2.Config, httpClient *http.Client) *OAuthRefresher {
	return &OAuthRefresher{config: config, httpClient: httpClient}
}

// Refresh performs a refresh_token grant.
func (r *OAuthRefresher) Refresh(ctx context.Context, refreshCredential string) (*oauth2.Token, error) {
	if refreshCredential == "" {
		return nil, fmt.Errorf("%w: no refresh credential available", ErrCredentialInvalid)
	}
	if r.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	}

	tok, err := r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshCredential}).Token()
	if err != nil {
		return nil, classifyRefreshError(err)
	}
	return tok, nil
}
