package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/teemow/calfanout/internal/kv"
	"github.com/teemow/calfanout/internal/logging"
)

// ErrMappingNotFound is returned when a uid has no mapping at all, or when
// a short uid cannot be resolved.
var ErrMappingNotFound = errors.New("event mapping not found")

// ErrAmbiguousUID is returned when a short uid matches more than one event.
var ErrAmbiguousUID = errors.New("short event uid is ambiguous")

// Mapping links a logical event to its native id in one account.
type Mapping struct {
	WorkspaceID   string    `json:"workspace_id"`
	EventUID      string    `json:"event_uid"`
	AccountID     string    `json:"account_id"`
	NativeEventID string    `json:"native_event_id"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Registry stores event mappings under ws/<workspace>/map/<uid>/<account>.
type Registry struct {
	kv     kv.Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Registry.
func New(store kv.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{kv: store, logger: logger, now: time.Now}
}

func mappingKey(workspaceID, uid, accountID string) string {
	return kv.Key("ws", workspaceID, "map", uid, accountID)
}

func eventPrefix(workspaceID, uid string) string {
	return kv.Prefix("ws", workspaceID, "map", uid)
}

func workspacePrefix(workspaceID string) string {
	return kv.Prefix("ws", workspaceID, "map")
}

// RecordMapping creates or overwrites the mapping for (uid, account).
// Concurrent writers resolve last-write-wins.
func (r *Registry) RecordMapping(ctx context.Context, workspaceID, uid, accountID, nativeEventID string) error {
	if uid == "" || accountID == "" || nativeEventID == "" {
		return fmt.Errorf("uid, account and native event id are required")
	}

	now := r.now().UTC()
	m := Mapping{
		WorkspaceID:   workspaceID,
		EventUID:      uid,
		AccountID:     accountID,
		NativeEventID: nativeEventID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if raw, err := r.kv.Get(ctx, mappingKey(workspaceID, uid, accountID)); err == nil {
		var prev Mapping
		if json.Unmarshal(raw, &prev) == nil && !prev.CreatedAt.IsZero() {
			m.CreatedAt = prev.CreatedAt
		}
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode mapping: %w", err)
	}
	if err := r.kv.Put(ctx, mappingKey(workspaceID, uid, accountID), raw, 0); err != nil {
		return fmt.Errorf("failed to record mapping: %w", err)
	}
	return nil
}

// MappingsFor returns every mapping of uid, ordered by account. An empty
// result means the event exists nowhere and is not an error.
func (r *Registry) MappingsFor(ctx context.Context, workspaceID, uid string) ([]Mapping, error) {
	entries, err := r.kv.List(ctx, eventPrefix(workspaceID, uid))
	if err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}
	return r.decode(workspaceID, entries), nil
}

// RemoveMapping deletes the mapping for (uid, account). Absent mappings
// are a no-op.
func (r *Registry) RemoveMapping(ctx context.Context, workspaceID, uid, accountID string) error {
	if err := r.kv.Delete(ctx, mappingKey(workspaceID, uid, accountID)); err != nil {
		return fmt.Errorf("failed to remove mapping: %w", err)
	}
	return nil
}

// RemoveAllMappings deletes every mapping of uid.
func (r *Registry) RemoveAllMappings(ctx context.Context, workspaceID, uid string) error {
	mappings, err := r.MappingsFor(ctx, workspaceID, uid)
	if err != nil {
		return err
	}
	for _, m := range mappings {
		if err := r.RemoveMapping(ctx, workspaceID, uid, m.AccountID); err != nil {
			return err
		}
	}
	return nil
}

// CascadeRemoveForAccount removes every mapping in the workspace that
// points at accountID and returns how many were removed. It scans all of
// the workspace's mappings.
func (r *Registry) CascadeRemoveForAccount(ctx context.Context, workspaceID, accountID string) (int, error) {
	entries, err := r.kv.List(ctx, workspacePrefix(workspaceID))
	if err != nil {
		return 0, fmt.Errorf("failed to list mappings: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if kv.LastSegment(e.Key) != accountID {
			continue
		}
		if err := r.kv.Delete(ctx, e.Key); err != nil {
			return removed, fmt.Errorf("failed to remove mapping: %w", err)
		}
		removed++
	}

	if removed > 0 {
		r.logger.Info("Removed mappings for disconnected account",
			logging.Workspace(workspaceID),
			logging.Account(accountID),
			slog.Int("count", removed))
	}
	return removed, nil
}

// Resolve turns a user-supplied reference (canonical or short uid) into a
// canonical uid that has at least one mapping.
func (r *Registry) Resolve(ctx context.Context, workspaceID, ref string) (UID, error) {
	ref = strings.ToLower(strings.TrimSpace(ref))

	if uid, err := ParseUID(ref); err == nil {
		mappings, err := r.MappingsFor(ctx, workspaceID, uid.Canonical)
		if err != nil {
			return UID{}, err
		}
		if len(mappings) == 0 {
			return UID{}, ErrMappingNotFound
		}
		return uid, nil
	}

	if !isShortForm(ref) {
		return UID{}, fmt.Errorf("%w: %q is not an event uid", ErrMappingNotFound, ref)
	}

	// Canonical uids share the short form as a key prefix.
	entries, err := r.kv.List(ctx, workspacePrefix(workspaceID)+ref)
	if err != nil {
		return UID{}, fmt.Errorf("failed to list mappings: %w", err)
	}
	matches := map[string]struct{}{}
	for _, e := range entries {
		segs := kv.Segments(e.Key)
		if len(segs) >= 5 {
			matches[segs[3]] = struct{}{}
		}
	}
	switch len(matches) {
	case 0:
		return UID{}, ErrMappingNotFound
	case 1:
		for canonical := range matches {
			return uidFromCanonical(canonical), nil
		}
	}
	return UID{}, ErrAmbiguousUID
}

// Events lists the distinct uids with at least one mapping in the workspace.
func (r *Registry) Events(ctx context.Context, workspaceID string) ([]string, error) {
	entries, err := r.kv.List(ctx, workspacePrefix(workspaceID))
	if err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}
	seen := map[string]struct{}{}
	var uids []string
	for _, e := range entries {
		segs := kv.Segments(e.Key)
		if len(segs) < 5 {
			continue
		}
		if _, ok := seen[segs[3]]; !ok {
			seen[segs[3]] = struct{}{}
			uids = append(uids, segs[3])
		}
	}
	sort.Strings(uids)
	return uids, nil
}

func (r *Registry) decode(workspaceID string, entries []kv.Entry) []Mapping {
	mappings := make([]Mapping, 0, len(entries))
	for _, e := range entries {
		var m Mapping
		if err := json.Unmarshal(e.Value, &m); err != nil {
			r.logger.Error("Skipping corrupt mapping record",
				logging.Workspace(workspaceID),
				slog.String("key", e.Key),
				logging.Err(err))
			continue
		}
		mappings = append(mappings, m)
	}
	sort.Slice(mappings, func(i, j int) bool { return mappings[i].AccountID < mappings[j].AccountID })
	return mappings
}
