package google

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/teemow/calfanout/internal/instrumentation"
)

const (
	DefaultUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
	DefaultRevokeURL   = "https://oauth2.googleapis.com/revoke"
)

// Config holds the OAuth client registration. Endpoint URLs default to
// Google's and are overridable for tests.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	AuthURL     string
	TokenURL    string
	UserInfoURL string
	RevokeURL   string
}

// UserInfo is the identity of a linked account.
type UserInfo struct {
	// Sub is the stable Google account id.
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	// ID is the v2 endpoint's name for Sub.
	ID string `json:"id,omitempty"`
}

// AccountID returns the stable subject identifier.
func (u *UserInfo) AccountID() string {
	if u.Sub != "" {
		return u.Sub
	}
	return u.ID
}

// Provider talks to Google's OAuth endpoints.
type Provider struct {
	oauth       *oauth2.Config
	userInfoURL string
	revokeURL   string
	httpClient  *http.Client
	metrics     *instrumentation.Metrics
}

// NewProvider validates config and creates a Provider. httpClient and
// metrics may be nil.
func NewProvider(config Config, httpClient *http.Client, metrics *instrumentation.Metrics) (*Provider, error) {
	if config.ClientID == "" || config.ClientSecret == "" {
		return nil, fmt.Errorf("google client id and secret are required")
	}
	if config.RedirectURL == "" {
		return nil, fmt.Errorf("google redirect URL is required")
	}
	if len(config.Scopes) == 0 {
		config.Scopes = DefaultOAuthScopes
	}
	endpoint := google.Endpoint
	if config.AuthURL != "" {
		endpoint.AuthURL = config.AuthURL
	}
	if config.TokenURL != "" {
		endpoint.TokenURL = config.TokenURL
	}
	if config.UserInfoURL == "" {
		config.UserInfoURL = DefaultUserInfoURL
	}
	if config.RevokeURL == "" {
		config.RevokeURL = DefaultRevokeURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Provider{
		oauth: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       config.Scopes,
		},
		userInfoURL: config.UserInfoURL,
		revokeURL:   config.RevokeURL,
		httpClient:  httpClient,
		metrics:     metrics,
	}, nil
}

// OAuthConfig returns the oauth2 configuration, e.g. for token refresh.
func (p *Provider) OAuthConfig() *oauth2.Config {
	return p.oauth
}

// HTTPClient returns the client used for provider calls.
func (p *Provider) HTTPClient() *http.Client {
	return p.httpClient
}

// AuthCodeURL builds the consent URL. Offline access and forced consent
// make Google return a refresh token on every link.
func (p *Provider) AuthCodeURL(state string) string {
	return p.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline, // Request refresh token
		oauth2.ApprovalForce,     // Always show consent screen
	)
}

func (p *Provider) observe(ctx context.Context, operation string, start time.Time, err error) {
	status := instrumentation.StatusSuccess
	if err != nil {
		status = instrumentation.StatusError
	}
	p.metrics.RecordGoogleAPIOperation(ctx, instrumentation.ServiceOAuth, operation, status, time.Since(start))
}

// Exchange trades an authorization code for tokens.
func (p *Provider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	ctx, span := instrumentation.StartGoogleAPISpan(ctx, instrumentation.ServiceOAuth, instrumentation.OperationExchange)
	defer span.End()

	start := time.Now()
	tok, err := p.oauth.Exchange(context.WithValue(ctx, oauth2.HTTPClient, p.httpClient), code)
	p.observe(ctx, instrumentation.OperationExchange, start, err)
	if err != nil {
		instrumentation.SetSpanError(span, err)
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	instrumentation.SetSpanSuccess(span)
	return tok, nil
}

// UserInfo fetches the identity behind accessToken.
func (p *Provider) UserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	ctx, span := instrumentation.StartGoogleAPISpan(ctx, instrumentation.ServiceOAuth, instrumentation.OperationUserInfo)
	defer span.End()

	start := time.Now()
	info, err := p.fetchUserInfo(ctx, accessToken)
	p.observe(ctx, instrumentation.OperationUserInfo, start, err)
	if err != nil {
		instrumentation.SetSpanError(span, err)
		return nil, err
	}
	instrumentation.SetSpanSuccess(span)
	return info, nil
}

func (p *Provider) fetchUserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("google userinfo returned status %d", resp.StatusCode)
	}

	var info UserInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}
	if info.AccountID() == "" {
		return nil, fmt.Errorf("google userinfo has no subject")
	}
	return &info, nil
}

// Revoke invalidates token (access or refresh) at Google. Revoking a
// refresh token also revokes its access tokens.
func (p *Provider) Revoke(ctx context.Context, token string) error {
	ctx, span := instrumentation.StartGoogleAPISpan(ctx, instrumentation.ServiceOAuth, instrumentation.OperationRevoke)
	defer span.End()

	start := time.Now()
	err := p.revoke(ctx, token)
	p.observe(ctx, instrumentation.OperationRevoke, start, err)
	if err != nil {
		instrumentation.SetSpanError(span, err)
		return err
	}
	instrumentation.SetSpanSuccess(span)
	return nil
}

func (p *Provider) revoke(ctx context.Context, token string) error {
	data := url.Values{}
	data.Set("token", token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.revokeURL, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("google token revocation returned status %d", resp.StatusCode)
	}
	return nil
}
