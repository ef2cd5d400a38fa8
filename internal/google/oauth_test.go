package google

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvider(t *testing.T, handler http.Handler) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := NewProvider(Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "https://calfanout.example.com/oauth/callback",
		AuthURL:      srv.URL + "/auth",
		TokenURL:     srv.URL + "/token",
		UserInfoURL:  srv.URL + "/userinfo",
		RevokeURL:    srv.URL + "/revoke",
	}, srv.Client(), nil)
	require.NoError(t, err)
	return p
}

func TestNewProvider_Validation(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"complete", Config{ClientID: "id", ClientSecret: "s", RedirectURL: "https://x/cb"}, false},
		{"missing secret", Config{ClientID: "id", RedirectURL: "https://x/cb"}, true},
		{"missing redirect", Config{ClientID: "id", ClientSecret: "s"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProvider(tt.config, nil, nil)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewProvider() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAuthCodeURL(t *testing.T) {
	p := newTestProvider(t, http.NotFoundHandler())

	u, err := url.Parse(p.AuthCodeURL("state-token"))
	require.NoError(t, err)
	q := u.Query()

	assert.Equal(t, "/auth", u.Path)
	assert.Equal(t, "state-token", q.Get("state"))
	assert.Equal(t, "offline", q.Get("access_type"))
	assert.Equal(t, "consent", q.Get("prompt"))
	assert.Contains(t, q.Get("scope"), CalendarEventsScope)
	assert.Equal(t, "client-id", q.Get("client_id"))
}

func TestExchange(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.Form.Get("code") != "good-code" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at",
			"refresh_token": "rt",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	})
	p := newTestProvider(t, mux)

	tok, err := p.Exchange(context.Background(), "good-code")
	require.NoError(t, err)
	assert.Equal(t, "at", tok.AccessToken)
	assert.Equal(t, "rt", tok.RefreshToken)
	assert.False(t, tok.Expiry.IsZero())

	_, err = p.Exchange(context.Background(), "bad-code")
	assert.Error(t, err)
}

func TestUserInfo(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Authorization") {
		case "Bearer at":
			_ = json.NewEncoder(w).Encode(map[string]any{"sub": "1234", "email": "Jane@Example.com", "email_verified": true})
		case "Bearer legacy":
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "5678", "email": "old@example.com"})
		case "Bearer anonymous":
			_ = json.NewEncoder(w).Encode(map[string]any{"email": "x@example.com"})
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	})
	p := newTestProvider(t, mux)
	ctx := context.Background()

	info, err := p.UserInfo(ctx, "at")
	require.NoError(t, err)
	assert.Equal(t, "1234", info.AccountID())
	assert.Equal(t, "Jane@Example.com", info.Email)

	info, err = p.UserInfo(ctx, "legacy")
	require.NoError(t, err)
	assert.Equal(t, "5678", info.AccountID())

	_, err = p.UserInfo(ctx, "anonymous")
	assert.Error(t, err)

	_, err = p.UserInfo(ctx, "expired")
	assert.Error(t, err)
}

func TestRevoke(t *testing.T) {
	var revoked []string
	mux := http.NewServeMux()
	mux.HandleFunc("/revoke", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		tok := r.PostForm.Get("token")
		if tok == "unknown" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		revoked = append(revoked, tok)
	})
	p := newTestProvider(t, mux)

	require.NoError(t, p.Revoke(context.Background(), "rt"))
	assert.Equal(t, []string{"rt"}, revoked)
	assert.Error(t, p.Revoke(context.Background(), "unknown"))
}
