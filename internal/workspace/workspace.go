// Package workspace carries the authorization decision for a chat
// workspace as an explicit value, so every operation states which
// workspace it acts on and whether that workspace was admitted.
package workspace

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnauthorized is returned for operations on a workspace that the
// policy did not admit.
var ErrUnauthorized = errors.New("workspace not authorized")

// Kind is the type of chat a workspace belongs to.
type Kind string

const (
	KindPrivate    Kind = "private"
	KindGroup      Kind = "group"
	KindSupergroup Kind = "supergroup"
	KindChannel    Kind = "channel"
)

// ParseKind validates a kind name. Empty means private.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return KindPrivate, nil
	case KindPrivate, KindGroup, KindSupergroup, KindChannel:
		return k, nil
	default:
		return "", fmt.Errorf("unknown workspace kind %q", s)
	}
}

// Scope identifies the workspace and actor of one operation. Only a
// Policy can produce an authorized Scope.
type Scope struct {
	ID         string
	Kind       Kind
	ActorID    string
	authorized bool
}

// Authorized reports whether the scope was admitted by a Policy.
func (s Scope) Authorized() bool { return s.authorized && s.ID != "" }

// Check returns ErrUnauthorized unless the scope was admitted.
func (s Scope) Check() error {
	if !s.Authorized() {
		return fmt.Errorf("%w: %q", ErrUnauthorized, s.ID)
	}
	return nil
}

// Policy decides which workspaces may use the service.
type Policy struct {
	allowed map[string]struct{}
}

// NewPolicy admits the listed workspace ids. An empty list admits every
// workspace.
func NewPolicy(allowed []string) *Policy {
	p := &Policy{}
	for _, id := range allowed {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if p.allowed == nil {
			p.allowed = make(map[string]struct{})
		}
		p.allowed[id] = struct{}{}
	}
	return p
}

// Admits reports whether id may use the service.
func (p *Policy) Admits(id string) bool {
	if id == "" {
		return false
	}
	if p == nil || p.allowed == nil {
		return true
	}
	_, ok := p.allowed[id]
	return ok
}

// Scope builds the scope for an operation. The returned Scope is always
// usable for logging; Check tells whether it may proceed.
func (p *Policy) Scope(id string, kind Kind, actorID string) Scope {
	if kind == "" {
		kind = KindPrivate
	}
	return Scope{
		ID:         id,
		Kind:       kind,
		ActorID:    actorID,
		authorized: p.Admits(id),
	}
}

// Authorize is Scope followed by Check.
func (p *Policy) Authorize(id string, kind Kind, actorID string) (Scope, error) {
	s := p.Scope(id, kind, actorID)
	if err := s.Check(); err != nil {
		return s, err
	}
	return s, nil
}
