package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/teemow/calfanout/internal/calendar"
	"github.com/teemow/calfanout/internal/credential"
	"github.com/teemow/calfanout/internal/kv"
	"github.com/teemow/calfanout/internal/registry"
	"github.com/teemow/calfanout/internal/tokens"
	"github.com/teemow/calfanout/internal/workspace"
)

const ws = "w1"

// fakeRefresher issues "at-<account>" for refresh credential "r-<account>".
type fakeRefresher struct {
	calls     atomic.Int32
	rejected  map[string]bool
	transport map[string]bool
}

func (f *fakeRefresher) Refresh(_ context.Context, refresh string) (*oauth2.Token, error) {
	f.calls.Add(1)
	account := strings.TrimPrefix(refresh, "r-")
	switch {
	case f.rejected[account]:
		return nil, fmt.Errorf("invalid_grant: %w", tokens.ErrCredentialInvalid)
	case f.transport[account]:
		return nil, &tokens.TransportError{StatusCode: 503, Err: errors.New("service unavailable")}
	}
	return &oauth2.Token{AccessToken: "at-" + account, Expiry: time.Now().Add(time.Hour)}, nil
}

// fakeRemote keeps one calendar per access token.
type fakeRemote struct {
	mu        sync.Mutex
	seq       int
	calendars map[string]map[string]calendar.EventInput
	fail      map[string]error
	delay     time.Duration
	calls     []string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		calendars: map[string]map[string]calendar.EventInput{},
		fail:      map[string]error{},
	}
}

func (r *fakeRemote) wait(ctx context.Context) error {
	if r.delay == 0 {
		return nil
	}
	select {
	case <-time.After(r.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *fakeRemote) CreateEvent(ctx context.Context, token string, input calendar.EventInput) (string, error) {
	if err := r.wait(ctx); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "create:"+token)
	if err := r.fail[token]; err != nil {
		return "", err
	}
	r.seq++
	id := fmt.Sprintf("native-%s-%d", strings.TrimPrefix(token, "at-"), r.seq)
	if r.calendars[token] == nil {
		r.calendars[token] = map[string]calendar.EventInput{}
	}
	r.calendars[token][id] = input
	return id, nil
}

func (r *fakeRemote) UpdateEvent(ctx context.Context, token, nativeID string, input calendar.EventInput) error {
	if err := r.wait(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "update:"+token)
	if err := r.fail[token]; err != nil {
		return err
	}
	ev, ok := r.calendars[token][nativeID]
	if !ok {
		return fmt.Errorf("calendar update: %w", calendar.ErrNotFound)
	}
	if input.Summary != "" {
		ev.Summary = input.Summary
	}
	r.calendars[token][nativeID] = ev
	return nil
}

func (r *fakeRemote) DeleteEvent(ctx context.Context, token, nativeID string) error {
	if err := r.wait(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "delete:"+token)
	if err := r.fail[token]; err != nil {
		return err
	}
	if _, ok := r.calendars[token][nativeID]; !ok {
		return fmt.Errorf("calendar delete: %w", calendar.ErrNotFound)
	}
	delete(r.calendars[token], nativeID)
	return nil
}

func (r *fakeRemote) drop(token, nativeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.calendars[token], nativeID)
}

func (r *fakeRemote) count(token string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calendars[token])
}

func (r *fakeRemote) callLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// failingMappings rejects writes of event mappings.
type failingMappings struct {
	*kv.MemoryStore
}

func (f failingMappings) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if strings.Contains(key, "/map/") {
		return errors.New("disk full")
	}
	return f.MemoryStore.Put(ctx, key, value, ttl)
}

type harness struct {
	orch      *Orchestrator
	creds     *credential.Store
	registry  *registry.Registry
	refresher *fakeRefresher
	remote    *fakeRemote
	kv        *kv.MemoryStore
	scope     workspace.Scope
}

func newHarness(t *testing.T, accounts ...string) *harness {
	t.Helper()
	return newHarnessWith(t, Config{}, nil, accounts...)
}

func newHarnessWith(t *testing.T, config Config, mappingStore kv.Store, accounts ...string) *harness {
	t.Helper()
	mem := kv.NewMemoryStore()
	key, err := credential.GenerateKey()
	require.NoError(t, err)
	enc, err := credential.NewEncryptor(key)
	require.NoError(t, err)

	if mappingStore == nil {
		mappingStore = mem
	}

	h := &harness{
		creds:     credential.NewStore(mem, enc, nil),
		registry:  registry.New(mappingStore, nil),
		refresher: &fakeRefresher{rejected: map[string]bool{}, transport: map[string]bool{}},
		remote:    newFakeRemote(),
		kv:        mem,
		scope:     workspace.NewPolicy(nil).Scope(ws, workspace.KindGroup, "user-1"),
	}
	mgr := tokens.NewManager(h.creds, h.refresher, tokens.Config{}, nil, nil)
	h.orch = New(Deps{
		Credentials: h.creds,
		Tokens:      mgr,
		Registry:    h.registry,
		Remote:      h.remote,
	}, config, nil, nil, nil)

	for _, a := range accounts {
		h.link(t, a)
	}
	return h
}

func (h *harness) link(t *testing.T, account string) {
	t.Helper()
	_, err := h.creds.StoreConnection(context.Background(), ws, account, strings.ToLower(account)+"@example.com", "r-"+account, nil, "user-1")
	require.NoError(t, err)
}

func event() calendar.EventInput {
	start := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	return calendar.EventInput{Summary: "Planning", Start: start, End: start.Add(time.Hour)}
}

func accountsOf(mappings []registry.Mapping) []string {
	out := make([]string, 0, len(mappings))
	for _, m := range mappings {
		out = append(out, m.AccountID)
	}
	return out
}

func TestBroadcastCreate_RefreshRejectionIsIsolated(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "A", "B", "C")
	h.refresher.rejected["B"] = true

	uid, err := registry.Allocate()
	require.NoError(t, err)

	sb, err := h.orch.BroadcastCreate(ctx, h.scope, uid, event())
	require.NoError(t, err)

	assert.Equal(t, 3, sb.AccountsAttempted)
	assert.Equal(t, []string{"A", "C"}, sb.Succeeded)
	require.Len(t, sb.Failed, 1)
	assert.Equal(t, "B", sb.Failed[0].Account)
	assert.Equal(t, ReasonCredential, sb.Failed[0].Reason)
	assert.Equal(t, []string{"B"}, sb.NeedsRelink())
	assert.Equal(t, "partial", sb.Status())

	assert.NotContains(t, h.remote.callLog(), "create:at-B", "no remote call without a credential")

	mappings, err := h.registry.MappingsFor(ctx, ws, uid.Canonical)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C"}, accountsOf(mappings))
}

func TestBroadcastCreate_RemoteServerError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "A", "B")
	h.remote.fail["at-B"] = &calendar.RemoteError{Operation: "create", StatusCode: 500, Err: errors.New("backend error")}

	uid, err := registry.Allocate()
	require.NoError(t, err)

	sb, err := h.orch.BroadcastCreate(ctx, h.scope, uid, event())
	require.NoError(t, err)

	assert.Equal(t, 2, sb.AccountsAttempted)
	assert.Equal(t, []string{"A"}, sb.Succeeded)
	require.Len(t, sb.Failed, 1)
	assert.Equal(t, Failure{
		Account: "B",
		Display: "b@example.com",
		Reason:  ReasonRemote,
		Detail:  sb.Failed[0].Detail,
	}, sb.Failed[0])
	assert.Empty(t, sb.NeedsRelink())

	mappings, err := h.registry.MappingsFor(ctx, ws, uid.Canonical)
	require.NoError(t, err)
	require.Len(t, mappings, 1)
	assert.Equal(t, "A", mappings[0].AccountID)
	assert.Equal(t, "native-A-1", mappings[0].NativeEventID)
}

func TestBroadcastCreate_TransportErrorIsRetryable(t *testing.T) {
	h := newHarness(t, "A", "B")
	h.refresher.transport["B"] = true

	sb, err := h.orch.Create(context.Background(), h.scope, event())
	require.NoError(t, err)

	require.Len(t, sb.Failed, 1)
	assert.Equal(t, ReasonCredential, sb.Failed[0].Reason)
	assert.True(t, sb.Failed[0].Retryable)
	assert.Empty(t, sb.NeedsRelink())
}

func TestBroadcastCreate_UndecryptableAccount(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "A")

	otherKey, err := credential.GenerateKey()
	require.NoError(t, err)
	otherEnc, err := credential.NewEncryptor(otherKey)
	require.NoError(t, err)
	_, err = credential.NewStore(h.kv, otherEnc, nil).StoreConnection(ctx, ws, "X", "x@example.com", "r-X", nil, "user-1")
	require.NoError(t, err)

	sb, err := h.orch.Create(ctx, h.scope, event())
	require.NoError(t, err)

	assert.Equal(t, 2, sb.AccountsAttempted)
	assert.Equal(t, []string{"A"}, sb.Succeeded)
	require.Len(t, sb.Failed, 1)
	assert.Equal(t, "X", sb.Failed[0].Account)
	assert.Equal(t, ReasonCredential, sb.Failed[0].Reason)
	assert.Equal(t, []string{"X"}, sb.NeedsRelink())
}

func TestBroadcastCreate_MappingWriteFailure(t *testing.T) {
	failing := failingMappings{kv.NewMemoryStore()}
	h := newHarnessWith(t, Config{}, failing, "A")

	sb, err := h.orch.Create(context.Background(), h.scope, event())
	require.NoError(t, err)

	require.Len(t, sb.Failed, 1)
	assert.Equal(t, ReasonMapping, sb.Failed[0].Reason)
	assert.Equal(t, 1, h.remote.count("at-A"), "remote create is not rolled back")
}

func TestCreate_AllocatesUID(t *testing.T) {
	h := newHarness(t, "A")

	sb, err := h.orch.Create(context.Background(), h.scope, event())
	require.NoError(t, err)

	uid, err := registry.ParseUID(sb.EventUID)
	require.NoError(t, err)
	assert.Equal(t, uid.Short, sb.ShortUID)
	assert.Equal(t, "success", sb.Status())
}

func TestBroadcastCreate_InvalidEvent(t *testing.T) {
	h := newHarness(t, "A")
	_, err := h.orch.Create(context.Background(), h.scope, calendar.EventInput{Summary: "no times"})
	assert.Error(t, err)
	assert.Empty(t, h.remote.callLog())
}

func TestBroadcast_NoActiveAccounts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.orch.Create(ctx, h.scope, event())
	assert.ErrorIs(t, err, ErrNoActiveAccounts)

	_, err = h.orch.BroadcastDelete(ctx, h.scope, "0f8e1c2a")
	assert.ErrorIs(t, err, ErrNoActiveAccounts)

	h.link(t, "A")
	require.NoError(t, h.creds.Revoke(ctx, ws, "A"))
	_, err = h.orch.Create(ctx, h.scope, event())
	assert.ErrorIs(t, err, ErrNoActiveAccounts)

	assert.Empty(t, h.remote.callLog())
}

func TestBroadcast_UnknownEvent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "A")
	missing, err := registry.Allocate()
	require.NoError(t, err)

	_, err = h.orch.BroadcastUpdate(ctx, h.scope, missing.Canonical, calendar.EventInput{Summary: "x"})
	assert.ErrorIs(t, err, registry.ErrMappingNotFound)

	_, err = h.orch.BroadcastDelete(ctx, h.scope, missing.Short)
	assert.ErrorIs(t, err, registry.ErrMappingNotFound)
}

func TestBroadcast_Unauthorized(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "A")
	scope := workspace.NewPolicy([]string{"elsewhere"}).Scope(ws, workspace.KindGroup, "user-1")

	_, err := h.orch.Create(ctx, scope, event())
	assert.ErrorIs(t, err, workspace.ErrUnauthorized)
	_, err = h.orch.BroadcastDelete(ctx, scope, "0f8e1c2a")
	assert.ErrorIs(t, err, workspace.ErrUnauthorized)
	_, err = h.orch.Locate(ctx, scope, "0f8e1c2a")
	assert.ErrorIs(t, err, workspace.ErrUnauthorized)
}

func TestBroadcastDelete_OnlyWhereMapped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "A", "B", "C")

	sb, err := h.orch.Create(ctx, h.scope, event())
	require.NoError(t, err)
	require.Len(t, sb.Succeeded, 3)

	// An earlier partial delete removed B and C.
	require.NoError(t, h.registry.RemoveMapping(ctx, ws, sb.EventUID, "B"))
	require.NoError(t, h.registry.RemoveMapping(ctx, ws, sb.EventUID, "C"))

	del, err := h.orch.BroadcastDelete(ctx, h.scope, sb.EventUID)
	require.NoError(t, err)
	assert.Equal(t, 1, del.AccountsAttempted)
	assert.Equal(t, []string{"A"}, del.Succeeded)
	assert.Empty(t, del.Failed)

	mappings, err := h.registry.MappingsFor(ctx, ws, sb.EventUID)
	require.NoError(t, err)
	assert.Empty(t, mappings)
}

func TestBroadcastDelete_RemoteNotFoundIsSuccess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "A", "B")

	sb, err := h.orch.Create(ctx, h.scope, event())
	require.NoError(t, err)

	mappings, err := h.registry.MappingsFor(ctx, ws, sb.EventUID)
	require.NoError(t, err)
	h.remote.drop("at-B", mappings[1].NativeEventID)

	del, err := h.orch.BroadcastDelete(ctx, h.scope, sb.ShortUID)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, del.Succeeded)

	mappings, err = h.registry.MappingsFor(ctx, ws, sb.EventUID)
	require.NoError(t, err)
	assert.Empty(t, mappings)
}

func TestBroadcastDelete_RemoteFailureKeepsMapping(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "A", "B")

	sb, err := h.orch.Create(ctx, h.scope, event())
	require.NoError(t, err)

	h.remote.fail["at-B"] = &calendar.RemoteError{Operation: "delete", StatusCode: 503, Err: errors.New("unavailable")}
	del, err := h.orch.BroadcastDelete(ctx, h.scope, sb.EventUID)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, del.Succeeded)
	require.Len(t, del.Failed, 1)
	assert.Equal(t, ReasonRemote, del.Failed[0].Reason)

	mappings, err := h.registry.MappingsFor(ctx, ws, sb.EventUID)
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, accountsOf(mappings), "retrying the delete targets B only")
}

func TestBroadcastUpdate_StaleMappingIsDropped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "A", "B")

	sb, err := h.orch.Create(ctx, h.scope, event())
	require.NoError(t, err)
	mappings, err := h.registry.MappingsFor(ctx, ws, sb.EventUID)
	require.NoError(t, err)
	h.remote.drop("at-B", mappings[1].NativeEventID)

	upd, err := h.orch.BroadcastUpdate(ctx, h.scope, sb.EventUID, calendar.EventInput{Summary: "Renamed"})
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, upd.Succeeded)
	require.Len(t, upd.Failed, 1)
	assert.Equal(t, ReasonRemote, upd.Failed[0].Reason)

	mappings, err = h.registry.MappingsFor(ctx, ws, sb.EventUID)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, accountsOf(mappings))
}

func TestBroadcastUpdate_TargetsMappedAccountsOnly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "A")

	sb, err := h.orch.Create(ctx, h.scope, event())
	require.NoError(t, err)
	h.link(t, "B")

	upd, err := h.orch.BroadcastUpdate(ctx, h.scope, sb.EventUID, calendar.EventInput{Summary: "Renamed"})
	require.NoError(t, err)
	assert.Equal(t, 1, upd.AccountsAttempted)
	assert.Equal(t, []string{"A"}, upd.Succeeded)
}

func TestBroadcastUpdate_ReusesCachedCredential(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "A", "B")

	sb, err := h.orch.Create(ctx, h.scope, event())
	require.NoError(t, err)
	assert.Equal(t, int32(2), h.refresher.calls.Load())

	_, err = h.orch.BroadcastUpdate(ctx, h.scope, sb.EventUID, calendar.EventInput{Summary: "Renamed"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), h.refresher.calls.Load(), "persisted access credentials are reused")
}

func TestRevokeCascade(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "A", "X")

	first, err := h.orch.Create(ctx, h.scope, event())
	require.NoError(t, err)
	second, err := h.orch.Create(ctx, h.scope, event())
	require.NoError(t, err)

	require.NoError(t, h.creds.Revoke(ctx, ws, "X"))
	removed, err := h.registry.CascadeRemoveForAccount(ctx, ws, "X")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	for _, uid := range []string{first.EventUID, second.EventUID} {
		mappings, err := h.registry.MappingsFor(ctx, ws, uid)
		require.NoError(t, err)
		assert.Equal(t, []string{"A"}, accountsOf(mappings))
	}

	upd, err := h.orch.BroadcastUpdate(ctx, h.scope, first.EventUID, calendar.EventInput{Summary: "Renamed"})
	require.NoError(t, err)
	assert.Equal(t, 1, upd.AccountsAttempted)
}

func TestBroadcastUpdate_UnlinkedAccountWithoutCascade(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "A", "B")

	sb, err := h.orch.Create(ctx, h.scope, event())
	require.NoError(t, err)
	require.NoError(t, h.creds.Revoke(ctx, ws, "B"))

	upd, err := h.orch.BroadcastUpdate(ctx, h.scope, sb.EventUID, calendar.EventInput{Summary: "Renamed"})
	require.NoError(t, err)
	assert.Equal(t, 2, upd.AccountsAttempted)
	require.Len(t, upd.Failed, 1)
	assert.Equal(t, "B", upd.Failed[0].Account)
	assert.Equal(t, ReasonCredential, upd.Failed[0].Reason)
}

func TestBroadcast_DeadlineSkipsUnstartedAccounts(t *testing.T) {
	ctx := context.Background()
	h := newHarnessWith(t, Config{
		OverallTimeout: 20 * time.Millisecond,
		MaxParallel:    1,
	}, nil, "A", "B", "C")
	h.remote.delay = 100 * time.Millisecond

	sb, err := h.orch.Create(ctx, h.scope, event())
	require.NoError(t, err)

	assert.Equal(t, 3, sb.AccountsAttempted)
	assert.Equal(t, []string{"A"}, sb.Succeeded, "the started account finishes")
	require.Len(t, sb.Failed, 2)
	for _, f := range sb.Failed {
		assert.Equal(t, ReasonNotAttempted, f.Reason)
	}

	mappings, err := h.registry.MappingsFor(ctx, ws, sb.EventUID)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, accountsOf(mappings))
}

func TestBroadcast_RelinkDoesNotDuplicate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "A", "B")
	h.link(t, "A")

	sb, err := h.orch.Create(ctx, h.scope, event())
	require.NoError(t, err)
	assert.Equal(t, 2, sb.AccountsAttempted)
}

func TestLocate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "A", "B")

	sb, err := h.orch.Create(ctx, h.scope, event())
	require.NoError(t, err)

	loc, err := h.orch.Locate(ctx, h.scope, strings.ToUpper(sb.ShortUID))
	require.NoError(t, err)
	assert.Equal(t, sb.EventUID, loc.EventUID)
	require.Len(t, loc.Placements, 2)
	assert.Equal(t, "a@example.com", loc.Placements[0].Display)
	assert.True(t, strings.HasPrefix(loc.Placements[0].NativeEventID, "native-A-"))

	_, err = h.orch.Locate(ctx, h.scope, "ffffffff")
	assert.ErrorIs(t, err, registry.ErrMappingNotFound)
}
