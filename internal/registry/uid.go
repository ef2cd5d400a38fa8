package registry

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ShortLen is the number of hex digits in a short uid (32 bits).
const ShortLen = 8

// UID identifies one logical event independently of any account.
type UID struct {
	// Canonical is a random (version 4) UUID in its standard string form.
	Canonical string
	// Short is the first ShortLen hex digits of Canonical, for display and
	// chat commands.
	Short string
}

func (u UID) String() string { return u.Canonical }

// Allocate returns a fresh random uid.
func Allocate() (UID, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return UID{}, fmt.Errorf("failed to allocate event uid: %w", err)
	}
	return uidFromCanonical(id.String()), nil
}

// ParseUID accepts a canonical uid and returns it with its short form.
func ParseUID(s string) (UID, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return UID{}, fmt.Errorf("invalid event uid %q: %w", s, err)
	}
	return uidFromCanonical(id.String()), nil
}

func uidFromCanonical(canonical string) UID {
	return UID{Canonical: canonical, Short: canonical[:ShortLen]}
}

// isShortForm reports whether s looks like a short uid.
func isShortForm(s string) bool {
	if len(s) != ShortLen {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return true
}
