// Package handshake issues and verifies the signed, single-use state
// tokens that carry workspace context through an OAuth consent redirect.
//
// A token is base64url(payload) "." base64url(HMAC-SHA256(secret, payload)).
// Issuing also writes an existence marker with a ten minute lifetime;
// verification consumes the marker, so a token verifies at most once.
package handshake

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/teemow/calfanout/internal/instrumentation"
	"github.com/teemow/calfanout/internal/kv"
	"github.com/teemow/calfanout/internal/logging"
	"github.com/teemow/calfanout/internal/ratelimit"
)

const (
	// DefaultTTL is how long an issued token stays verifiable.
	DefaultTTL = 10 * time.Minute

	// MinSecretSize is the minimum deployment secret length in bytes.
	MinSecretSize = 32

	nonceSize = 16
)

var (
	ErrInvalidSignature = errors.New("handshake signature invalid")
	ErrExpired          = errors.New("handshake expired")
	ErrReplayed         = errors.New("handshake already used")
	ErrRateLimited      = errors.New("too many handshakes for this workspace")
)

// State is the verified content of a handshake token.
type State struct {
	WorkspaceID      string
	InitiatingUserID string
	WorkspaceKind    string
	Nonce            string
	IssuedAt         time.Time
}

// payload is the signed form. Field order is fixed, so the encoding is
// canonical.
type payload struct {
	WorkspaceID      string `json:"w"`
	InitiatingUserID string `json:"u"`
	WorkspaceKind    string `json:"k"`
	Nonce            string `json:"n"`
	IssuedAt         int64  `json:"t"`
}

type marker struct {
	IssuedAt int64 `json:"t"`
}

// Config configures an Issuer.
type Config struct {
	// Secret is the deployment-wide HMAC key.
	Secret []byte
	// TTL defaults to DefaultTTL.
	TTL time.Duration
	// Limiter optionally bounds Issue per workspace.
	Limiter *ratelimit.Limiter
}

// Issuer issues and verifies handshake tokens.
type Issuer struct {
	secret  []byte
	ttl     time.Duration
	kv      kv.Store
	limiter *ratelimit.Limiter
	now     func() time.Time
	logger  *slog.Logger
	metrics *instrumentation.Metrics
}

// NewIssuer creates an Issuer backed by store.
func NewIssuer(store kv.Store, config Config, logger *slog.Logger, metrics *instrumentation.Metrics) (*Issuer, error) {
	if len(config.Secret) < MinSecretSize {
		return nil, fmt.Errorf("handshake secret must be at least %d bytes, got %d", MinSecretSize, len(config.Secret))
	}
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Issuer{
		secret:  append([]byte(nil), config.Secret...),
		ttl:     config.TTL,
		kv:      store,
		limiter: config.Limiter,
		now:     time.Now,
		logger:  logger,
		metrics: metrics,
	}, nil
}

func liveKey(nonce string) string { return kv.Key("handshake", "live", nonce) }
func usedKey(nonce string) string { return kv.Key("handshake", "used", nonce) }

func (i *Issuer) sign(msg []byte) []byte {
	mac := hmac.New(sha256.New, i.secret)
	mac.Write(msg)
	return mac.Sum(nil)
}

// Issue creates a token for a user starting account linking in a workspace.
func (i *Issuer) Issue(ctx context.Context, workspaceID, initiatingUserID, workspaceKind string) (string, *State, error) {
	if workspaceID == "" || initiatingUserID == "" {
		return "", nil, fmt.Errorf("workspace and initiating user are required")
	}
	if i.limiter != nil && !i.limiter.Allow(workspaceID) {
		i.metrics.RecordHandshake(ctx, instrumentation.HandshakeStageIssue, "rate_limited")
		return "", nil, ErrRateLimited
	}

	raw := make([]byte, nonceSize)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	nonce := hex.EncodeToString(raw)
	issuedAt := i.now().UTC().Truncate(time.Second)

	body, err := json.Marshal(payload{
		WorkspaceID:      workspaceID,
		InitiatingUserID: initiatingUserID,
		WorkspaceKind:    workspaceKind,
		Nonce:            nonce,
		IssuedAt:         issuedAt.Unix(),
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode handshake: %w", err)
	}

	m, _ := json.Marshal(marker{IssuedAt: issuedAt.Unix()})
	if err := i.kv.Put(ctx, liveKey(nonce), m, i.ttl); err != nil {
		return "", nil, fmt.Errorf("failed to store handshake marker: %w", err)
	}

	token := base64.RawURLEncoding.EncodeToString(body) + "." + base64.RawURLEncoding.EncodeToString(i.sign(body))

	i.metrics.RecordHandshake(ctx, instrumentation.HandshakeStageIssue, instrumentation.StatusSuccess)
	i.logger.Debug("Issued handshake", logging.Workspace(workspaceID))

	return token, &State{
		WorkspaceID:      workspaceID,
		InitiatingUserID: initiatingUserID,
		WorkspaceKind:    workspaceKind,
		Nonce:            nonce,
		IssuedAt:         issuedAt,
	}, nil
}

// Verify checks a token and consumes it.
//
// A bad or malformed signature yields ErrInvalidSignature, a token whose
// marker is gone or older than the TTL yields ErrExpired, and a token that
// was already verified yields ErrReplayed.
func (i *Issuer) Verify(ctx context.Context, token string) (*State, error) {
	st, err := i.verify(ctx, token)
	result := instrumentation.StatusSuccess
	switch {
	case errors.Is(err, ErrInvalidSignature):
		result = "invalid_signature"
	case errors.Is(err, ErrExpired):
		result = "expired"
	case errors.Is(err, ErrReplayed):
		result = "replayed"
	case err != nil:
		result = instrumentation.StatusError
	}
	i.metrics.RecordHandshake(ctx, instrumentation.HandshakeStageVerify, result)
	if err != nil {
		i.logger.Warn("Handshake verification failed", logging.Reason(result), logging.Err(err))
	}
	return st, err
}

func (i *Issuer) verify(ctx context.Context, token string) (*State, error) {
	encBody, encSig, ok := strings.Cut(token, ".")
	if !ok {
		return nil, fmt.Errorf("%w: malformed token", ErrInvalidSignature)
	}
	body, err := base64.RawURLEncoding.DecodeString(encBody)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed payload", ErrInvalidSignature)
	}
	sig, err := base64.RawURLEncoding.DecodeString(encSig)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed signature", ErrInvalidSignature)
	}
	if !hmac.Equal(sig, i.sign(body)) {
		return nil, ErrInvalidSignature
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil || p.Nonce == "" {
		return nil, fmt.Errorf("%w: malformed payload", ErrInvalidSignature)
	}

	issuedAt := time.Unix(p.IssuedAt, 0).UTC()
	if !i.now().Before(issuedAt.Add(i.ttl)) {
		return nil, ErrExpired
	}

	if _, err := i.kv.Take(ctx, liveKey(p.Nonce)); err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			return nil, fmt.Errorf("failed to consume handshake marker: %w", err)
		}
		if _, err := i.kv.Get(ctx, usedKey(p.Nonce)); err == nil {
			return nil, ErrReplayed
		}
		return nil, ErrExpired
	}

	// The tombstone only sharpens the error for a replay; the marker is
	// already gone.
	remaining := issuedAt.Add(i.ttl).Sub(i.now())
	if err := i.kv.Put(ctx, usedKey(p.Nonce), []byte{1}, remaining); err != nil {
		i.logger.Warn("Failed to record consumed handshake", logging.Err(err))
	}

	return &State{
		WorkspaceID:      p.WorkspaceID,
		InitiatingUserID: p.InitiatingUserID,
		WorkspaceKind:    p.WorkspaceKind,
		Nonce:            p.Nonce,
		IssuedAt:         issuedAt,
	}, nil
}
