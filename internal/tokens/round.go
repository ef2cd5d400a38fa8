package tokens

import (
	"context"
	"sync"

	"github.com/teemow/calfanout/internal/credential"
)

// Round memoizes credential resolution for the duration of one broadcast,
// so each connection is refreshed at most once no matter how many workers
// ask for it.
type Round struct {
	m     *Manager
	mu    sync.Mutex
	calls map[string]*roundCall
}

type roundCall struct {
	once sync.Once
	cred *Credential
	err  error
}

// NewRound starts a new memoization scope.
func (m *Manager) NewRound() *Round {
	return &Round{m: m, calls: make(map[string]*roundCall)}
}

// GetValidAccessCredential resolves conn once per round; concurrent and
// later callers share the first result.
func (r *Round) GetValidAccessCredential(ctx context.Context, conn *credential.Connection) (*Credential, error) {
	key := conn.WorkspaceID + "\x00" + conn.AccountID

	r.mu.Lock()
	call, ok := r.calls[key]
	if !ok {
		call = &roundCall{}
		r.calls[key] = call
	}
	r.mu.Unlock()

	call.once.Do(func() {
		call.cred, call.err = r.m.GetValidAccessCredential(ctx, conn)
	})
	return call.cred, call.err
}
