package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/teemow/calfanout/internal/kv"
	"github.com/teemow/calfanout/internal/logging"
)

// ErrNotFound is returned when no connection exists for the given account.
var ErrNotFound = errors.New("account connection not found")

// Connection is a decrypted account connection.
type Connection struct {
	WorkspaceID       string
	AccountID         string
	DisplayIdentifier string
	RefreshCredential string
	AccessCredential  string
	AccessExpiry      time.Time
	Scopes            []string
	Revoked           bool
	LinkedBy          string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// HasAccessCredential reports whether a cached access credential exists.
func (c *Connection) HasAccessCredential() bool {
	return c.AccessCredential != ""
}

// record is the persisted form. Both credentials are sealed.
type record struct {
	WorkspaceID       string    `json:"workspace_id"`
	AccountID         string    `json:"account_id"`
	DisplayIdentifier string    `json:"display_identifier"`
	RefreshCredential string    `json:"refresh_credential"`
	AccessCredential  string    `json:"access_credential,omitempty"`
	AccessExpiry      time.Time `json:"access_expiry,omitzero"`
	Scopes            []string  `json:"scopes,omitempty"`
	Revoked           bool      `json:"revoked"`
	LinkedBy          string    `json:"linked_by"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Enumeration is the result of scanning a workspace's connections.
type Enumeration struct {
	Active []*Connection
	// Undecryptable lists non-revoked accounts whose stored credentials
	// could not be decrypted.
	Undecryptable []string
}

// Store persists account connections, one per (workspace, account).
//
// Every read-modify-write of a record holds that record's lock, so a
// refresh finishing after a Revoke cannot resurrect the connection. The
// lock is per process; deployments sharing one Valkey across replicas
// still rely on Revoke being last.
type Store struct {
	kv     kv.Store
	enc    *Encryptor
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a credential store.
func NewStore(store kv.Store, enc *Encryptor, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{kv: store, enc: enc, logger: logger, now: time.Now, locks: map[string]*sync.Mutex{}}
}

// lock acquires the mutex of one connection and returns its release.
func (s *Store) lock(workspaceID, accountID string) func() {
	key := connectionKey(workspaceID, accountID)
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func connectionKey(workspaceID, accountID string) string {
	return kv.Key("ws", workspaceID, "conn", accountID)
}

func connectionPrefix(workspaceID string) string {
	return kv.Prefix("ws", workspaceID, "conn")
}

// NormalizeIdentifier lower-cases and trims a display identifier.
func NormalizeIdentifier(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// StoreConnection creates or replaces the connection for
// (workspaceID, accountID). Re-linking a revoked account clears the revoked
// flag and drops any cached access credential; the creation time survives.
func (s *Store) StoreConnection(ctx context.Context, workspaceID, accountID, displayID, refreshCredential string, scopes []string, linkedBy string) (*Connection, error) {
	if workspaceID == "" || accountID == "" {
		return nil, fmt.Errorf("workspace and account id are required")
	}
	if refreshCredential == "" {
		return nil, fmt.Errorf("refresh credential is required")
	}

	sealed, err := s.enc.Encrypt(refreshCredential)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt refresh credential: %w", err)
	}

	defer s.lock(workspaceID, accountID)()

	now := s.now().UTC()
	createdAt := now
	existing, err := s.load(ctx, workspaceID, accountID)
	switch {
	case err == nil:
		createdAt = existing.CreatedAt
	case errors.Is(err, ErrDecryption):
		// A corrupt record is replaced; re-linking is how it gets repaired.
		s.logger.Warn("Replacing corrupt connection record",
			logging.Workspace(workspaceID),
			logging.Account(accountID),
			logging.Err(err))
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	rec := &record{
		WorkspaceID:       workspaceID,
		AccountID:         accountID,
		DisplayIdentifier: NormalizeIdentifier(displayID),
		RefreshCredential: sealed,
		Scopes:            append([]string(nil), scopes...),
		Revoked:           false,
		LinkedBy:          linkedBy,
		CreatedAt:         createdAt,
		UpdatedAt:         now,
	}
	if err := s.save(ctx, rec); err != nil {
		return nil, err
	}

	s.logger.Info("Stored account connection",
		logging.Workspace(workspaceID),
		logging.Account(accountID),
		logging.UserHash(rec.DisplayIdentifier))

	return &Connection{
		WorkspaceID:       workspaceID,
		AccountID:         accountID,
		DisplayIdentifier: rec.DisplayIdentifier,
		RefreshCredential: refreshCredential,
		Scopes:            rec.Scopes,
		LinkedBy:          linkedBy,
		CreatedAt:         createdAt,
		UpdatedAt:         now,
	}, nil
}

// Get returns a single connection, revoked or not.
func (s *Store) Get(ctx context.Context, workspaceID, accountID string) (*Connection, error) {
	rec, err := s.load(ctx, workspaceID, accountID)
	if err != nil {
		return nil, err
	}
	return s.open(rec)
}

// Enumerate decrypts every non-revoked connection in the workspace.
// A record that fails to decrypt is logged and reported in Undecryptable;
// it never aborts the scan.
func (s *Store) Enumerate(ctx context.Context, workspaceID string) (*Enumeration, error) {
	entries, err := s.kv.List(ctx, connectionPrefix(workspaceID))
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}

	result := &Enumeration{}
	for _, e := range entries {
		var rec record
		if err := json.Unmarshal(e.Value, &rec); err != nil {
			accountID := kv.LastSegment(e.Key)
			s.logger.Error("Skipping corrupt connection record",
				logging.Workspace(workspaceID),
				logging.Account(accountID),
				logging.Err(err))
			result.Undecryptable = append(result.Undecryptable, accountID)
			continue
		}
		if rec.Revoked {
			continue
		}
		conn, err := s.open(&rec)
		if err != nil {
			s.logger.Error("Skipping connection with undecryptable credentials",
				logging.Workspace(workspaceID),
				logging.Account(rec.AccountID),
				logging.Err(err))
			result.Undecryptable = append(result.Undecryptable, rec.AccountID)
			continue
		}
		result.Active = append(result.Active, conn)
	}

	sort.Slice(result.Active, func(i, j int) bool {
		return result.Active[i].AccountID < result.Active[j].AccountID
	})
	return result, nil
}

// ListActiveConnections returns every non-revoked, decryptable connection.
func (s *Store) ListActiveConnections(ctx context.Context, workspaceID string) ([]*Connection, error) {
	res, err := s.Enumerate(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	return res.Active, nil
}

// FindByDisplayIdentifier returns the active connection whose display
// identifier matches, ignoring case.
func (s *Store) FindByDisplayIdentifier(ctx context.Context, workspaceID, identifier string) (*Connection, error) {
	want := NormalizeIdentifier(identifier)
	conns, err := s.ListActiveConnections(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	for _, c := range conns {
		if c.DisplayIdentifier == want {
			return c, nil
		}
	}
	return nil, ErrNotFound
}

// ReviseAccessCredential caches a fresh access credential and its expiry.
// It returns ErrNotFound for absent and revoked connections.
func (s *Store) ReviseAccessCredential(ctx context.Context, workspaceID, accountID, accessCredential string, expiry time.Time) error {
	defer s.lock(workspaceID, accountID)()

	rec, err := s.loadActive(ctx, workspaceID, accountID)
	if err != nil {
		return err
	}

	sealed, err := s.enc.Encrypt(accessCredential)
	if err != nil {
		return fmt.Errorf("failed to encrypt access credential: %w", err)
	}
	rec.AccessCredential = sealed
	rec.AccessExpiry = expiry.UTC()
	rec.UpdatedAt = s.now().UTC()
	return s.save(ctx, rec)
}

// ReviseRefreshCredential replaces the refresh credential after the provider
// rotated it. It returns ErrNotFound for absent and revoked connections.
func (s *Store) ReviseRefreshCredential(ctx context.Context, workspaceID, accountID, refreshCredential string) error {
	if refreshCredential == "" {
		return fmt.Errorf("refresh credential is required")
	}
	defer s.lock(workspaceID, accountID)()

	rec, err := s.loadActive(ctx, workspaceID, accountID)
	if err != nil {
		return err
	}
	sealed, err := s.enc.Encrypt(refreshCredential)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh credential: %w", err)
	}
	rec.RefreshCredential = sealed
	rec.UpdatedAt = s.now().UTC()
	return s.save(ctx, rec)
}

// Revoke soft-deletes a connection. Revoking an absent or already revoked
// connection succeeds.
func (s *Store) Revoke(ctx context.Context, workspaceID, accountID string) error {
	defer s.lock(workspaceID, accountID)()

	rec, err := s.load(ctx, workspaceID, accountID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.Revoked {
		return nil
	}

	rec.Revoked = true
	rec.AccessCredential = ""
	rec.AccessExpiry = time.Time{}
	rec.UpdatedAt = s.now().UTC()
	if err := s.save(ctx, rec); err != nil {
		return err
	}

	s.logger.Info("Revoked account connection",
		logging.Workspace(workspaceID),
		logging.Account(accountID))
	return nil
}

func (s *Store) load(ctx context.Context, workspaceID, accountID string) (*record, error) {
	raw, err := s.kv.Get(ctx, connectionKey(workspaceID, accountID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load connection: %w", err)
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: corrupt connection record: %v", ErrDecryption, err)
	}
	return &rec, nil
}

func (s *Store) loadActive(ctx context.Context, workspaceID, accountID string) (*record, error) {
	rec, err := s.load(ctx, workspaceID, accountID)
	if err != nil {
		return nil, err
	}
	if rec.Revoked {
		return nil, fmt.Errorf("%w: connection revoked", ErrNotFound)
	}
	return rec, nil
}

func (s *Store) save(ctx context.Context, rec *record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode connection: %w", err)
	}
	if err := s.kv.Put(ctx, connectionKey(rec.WorkspaceID, rec.AccountID), raw, 0); err != nil {
		return fmt.Errorf("failed to save connection: %w", err)
	}
	return nil
}

func (s *Store) open(rec *record) (*Connection, error) {
	refresh, err := s.enc.Decrypt(rec.RefreshCredential)
	if err != nil {
		return nil, err
	}
	if refresh == "" {
		return nil, fmt.Errorf("%w: empty refresh credential", ErrDecryption)
	}
	access, err := s.enc.Decrypt(rec.AccessCredential)
	if err != nil {
		return nil, err
	}
	return &Connection{
		WorkspaceID:       rec.WorkspaceID,
		AccountID:         rec.AccountID,
		DisplayIdentifier: rec.DisplayIdentifier,
		RefreshCredential: refresh,
		AccessCredential:  access,
		AccessExpiry:      rec.AccessExpiry,
		Scopes:            rec.Scopes,
		Revoked:           rec.Revoked,
		LinkedBy:          rec.LinkedBy,
		CreatedAt:         rec.CreatedAt,
		UpdatedAt:         rec.UpdatedAt,
	}, nil
}
