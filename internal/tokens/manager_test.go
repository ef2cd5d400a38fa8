package tokens

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/teemow/calfanout/internal/credential"
)

type fakeRefresher struct {
	calls atomic.Int32
	delay time.Duration
	fn    func(refresh string) (*oauth2.Token, error)
}

func (f *fakeRefresher) Refresh(ctx context.Context, refresh string) (*oauth2.Token, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.fn(refresh)
}

type revision struct {
	account string
	access  string
	refresh string
}

type fakeStore struct {
	mu        sync.Mutex
	revisions []revision
	err       error
}

func (s *fakeStore) ReviseAccessCredential(_ context.Context, _, accountID, access string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revisions = append(s.revisions, revision{account: accountID, access: access})
	return s.err
}

func (s *fakeStore) ReviseRefreshCredential(_ context.Context, _, accountID, refresh string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revisions = append(s.revisions, revision{account: accountID, refresh: refresh})
	return s.err
}

var fixedNow = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

func newTestManager(store CredentialStore, r Refresher) *Manager {
	m := NewManager(store, r, Config{}, nil, nil)
	m.now = func() time.Time { return fixedNow }
	return m
}

func okRefresher(access string) *fakeRefresher {
	return &fakeRefresher{fn: func(refresh string) (*oauth2.Token, error) {
		return &oauth2.Token{AccessToken: access, RefreshToken: refresh, Expiry: fixedNow.Add(time.Hour)}, nil
	}}
}

func TestManager_RefreshDecision(t *testing.T) {
	tests := []struct {
		name        string
		access      string
		expiry      time.Time
		wantRefresh bool
	}{
		{"no cached credential", "", time.Time{}, true},
		{"expired", "old", fixedNow.Add(-time.Minute), true},
		{"expires within threshold", "old", fixedNow.Add(30 * time.Second), true},
		{"expires exactly at threshold", "old", fixedNow.Add(60 * time.Second), true},
		{"valid beyond threshold", "old", fixedNow.Add(61 * time.Second), false},
		{"no expiry", "old", time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{}
			r := okRefresher("fresh")
			m := newTestManager(store, r)

			conn := &credential.Connection{WorkspaceID: "w1", AccountID: "a", RefreshCredential: "r", AccessCredential: tt.access, AccessExpiry: tt.expiry}
			cred, err := m.GetValidAccessCredential(context.Background(), conn)
			require.NoError(t, err)
			assert.True(t, cred.Valid())
			assert.Equal(t, tt.wantRefresh, cred.Refreshed)

			if tt.wantRefresh {
				assert.Equal(t, "fresh", cred.AccessToken)
				assert.Equal(t, int32(1), r.calls.Load())
				require.Len(t, store.revisions, 1, "refreshed credential is persisted")
				assert.Equal(t, "fresh", store.revisions[0].access)
			} else {
				assert.Equal(t, "old", cred.AccessToken)
				assert.Zero(t, r.calls.Load())
				assert.Empty(t, store.revisions)
			}
		})
	}
}

func TestManager_InvalidGrantIsAnOutcome(t *testing.T) {
	store := &fakeStore{}
	r := &fakeRefresher{fn: func(string) (*oauth2.Token, error) {
		return nil, ErrCredentialInvalid
	}}
	m := newTestManager(store, r)

	cred, err := m.GetValidAccessCredential(context.Background(), &credential.Connection{WorkspaceID: "w1", AccountID: "b", RefreshCredential: "r"})
	require.NoError(t, err, "a provider rejection is not raised")
	assert.Equal(t, OutcomeRefreshFailed, cred.Outcome)
	assert.False(t, cred.Valid())
	assert.ErrorIs(t, cred.Cause, ErrCredentialInvalid)
	assert.Empty(t, store.revisions)
}

func TestManager_TransportErrorIsRetryable(t *testing.T) {
	r := &fakeRefresher{fn: func(string) (*oauth2.Token, error) {
		return nil, errors.New("connection reset")
	}}
	m := newTestManager(&fakeStore{}, r)

	cred, err := m.GetValidAccessCredential(context.Background(), &credential.Connection{AccountID: "a", RefreshCredential: "r"})
	assert.Nil(t, cred)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestManager_RefreshTimeout(t *testing.T) {
	r := &fakeRefresher{delay: time.Second, fn: func(string) (*oauth2.Token, error) {
		return &oauth2.Token{AccessToken: "late"}, nil
	}}
	m := NewManager(&fakeStore{}, r, Config{RefreshTimeout: 20 * time.Millisecond}, nil, nil)

	_, err := m.GetValidAccessCredential(context.Background(), &credential.Connection{AccountID: "a", RefreshCredential: "r"})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestManager_PersistFailureStillReturnsCredential(t *testing.T) {
	store := &fakeStore{err: errors.New("storage unavailable")}
	m := newTestManager(store, okRefresher("fresh"))

	cred, err := m.GetValidAccessCredential(context.Background(), &credential.Connection{AccountID: "a", RefreshCredential: "r"})
	require.NoError(t, err)
	assert.Equal(t, "fresh", cred.AccessToken)
}

func TestManager_RevokedDuringRefresh(t *testing.T) {
	store := &fakeStore{err: credential.ErrNotFound}
	m := newTestManager(store, okRefresher("fresh"))

	cred, err := m.GetValidAccessCredential(context.Background(), &credential.Connection{AccountID: "a", RefreshCredential: "r"})
	require.NoError(t, err)
	assert.False(t, cred.Valid())
	assert.Equal(t, OutcomeRefreshFailed, cred.Outcome)
	assert.ErrorIs(t, cred.Cause, credential.ErrNotFound)
	assert.Len(t, store.revisions, 1, "a rotated refresh credential is not written for a revoked connection")
}

func TestManager_RotatedRefreshCredentialIsStored(t *testing.T) {
	store := &fakeStore{}
	r := &fakeRefresher{fn: func(string) (*oauth2.Token, error) {
		return &oauth2.Token{AccessToken: "fresh", RefreshToken: "rotated", Expiry: fixedNow.Add(time.Hour)}, nil
	}}
	m := newTestManager(store, r)

	_, err := m.GetValidAccessCredential(context.Background(), &credential.Connection{AccountID: "a", RefreshCredential: "original"})
	require.NoError(t, err)
	require.Len(t, store.revisions, 2)
	assert.Equal(t, "rotated", store.revisions[1].refresh)
}

func TestRound_RefreshesAtMostOncePerConnection(t *testing.T) {
	r := okRefresher("fresh")
	r.delay = 10 * time.Millisecond
	m := newTestManager(&fakeStore{}, r)
	round := m.NewRound()

	connA := &credential.Connection{WorkspaceID: "w1", AccountID: "a", RefreshCredential: "ra"}
	connB := &credential.Connection{WorkspaceID: "w1", AccountID: "b", RefreshCredential: "rb"}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = round.GetValidAccessCredential(context.Background(), connA)
		}()
		go func() {
			defer wg.Done()
			_, _ = round.GetValidAccessCredential(context.Background(), connB)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(2), r.calls.Load(), "one refresh per connection per round")

	// A new round refreshes again.
	_, err := m.NewRound().GetValidAccessCredential(context.Background(), connA)
	require.NoError(t, err)
	assert.Equal(t, int32(3), r.calls.Load())
}

func TestRound_SharesFailedOutcome(t *testing.T) {
	r := &fakeRefresher{fn: func(string) (*oauth2.Token, error) { return nil, ErrCredentialInvalid }}
	round := newTestManager(&fakeStore{}, r).NewRound()
	conn := &credential.Connection{WorkspaceID: "w1", AccountID: "b", RefreshCredential: "r"}

	for i := 0; i < 3; i++ {
		cred, err := round.GetValidAccessCredential(context.Background(), conn)
		require.NoError(t, err)
		assert.Equal(t, OutcomeRefreshFailed, cred.Outcome)
	}
	assert.Equal(t, int32(1), r.calls.Load())
}
