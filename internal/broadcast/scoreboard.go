package broadcast

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/teemow/calfanout/internal/instrumentation"
)

// Reason classifies a per-account failure.
type Reason string

const (
	// ReasonCredential means no usable access credential could be
	// obtained. Unless the failure is retryable the account must be
	// re-linked.
	ReasonCredential Reason = "credential"
	// ReasonRemote means the calendar provider rejected or failed the write.
	ReasonRemote Reason = "remote"
	// ReasonMapping means the remote write succeeded but the registry could
	// not be updated.
	ReasonMapping Reason = "mapping"
	// ReasonNotAttempted means the overall deadline passed before the
	// account was started.
	ReasonNotAttempted Reason = "not-attempted"
)

// Failure is one failed account.
type Failure struct {
	Account   string `json:"account"`
	Display   string `json:"display,omitempty"`
	Reason    Reason `json:"reason"`
	Detail    string `json:"detail,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// Scoreboard is the aggregate outcome of one broadcast.
type Scoreboard struct {
	Operation         string    `json:"operation"`
	EventUID          string    `json:"event_uid"`
	ShortUID          string    `json:"short_uid,omitempty"`
	AccountsAttempted int       `json:"accounts_attempted"`
	Succeeded         []string  `json:"succeeded"`
	Failed            []Failure `json:"failed"`

	// Displays maps account ids to display identifiers where known.
	Displays map[string]string `json:"displays,omitempty"`
}

func newScoreboard(operation, uid, short string) *Scoreboard {
	return &Scoreboard{
		Operation: operation,
		EventUID:  uid,
		ShortUID:  short,
		Succeeded: []string{},
		Failed:    []Failure{},
		Displays:  map[string]string{},
	}
}

// add records one account's terminal state.
func (s *Scoreboard) add(o outcome) {
	s.AccountsAttempted++
	if o.display != "" {
		s.Displays[o.account] = o.display
	}
	if o.state == StateSucceeded {
		s.Succeeded = append(s.Succeeded, o.account)
		return
	}
	s.Failed = append(s.Failed, Failure{
		Account:   o.account,
		Display:   o.display,
		Reason:    o.reason,
		Detail:    o.detail,
		Retryable: o.retryable,
	})
}

func (s *Scoreboard) sort() {
	sort.Strings(s.Succeeded)
	sort.Slice(s.Failed, func(i, j int) bool { return s.Failed[i].Account < s.Failed[j].Account })
}

// Status is "success" when every account succeeded, "partial" when some
// did and "error" when none did.
func (s *Scoreboard) Status() string {
	switch {
	case len(s.Failed) == 0:
		return instrumentation.StatusSuccess
	case len(s.Succeeded) > 0:
		return instrumentation.StatusPartial
	default:
		return instrumentation.StatusError
	}
}

// label prefers the display identifier for user-facing text.
func (s *Scoreboard) label(account string) string {
	if d := s.Displays[account]; d != "" {
		return d
	}
	return account
}

// Summary renders "N of M accounts succeeded" followed by the per-account
// failure reasons.
func (s *Scoreboard) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %d of %d accounts succeeded", s.Operation, s.displayUID(), len(s.Succeeded), s.AccountsAttempted)
	for _, f := range s.Failed {
		fmt.Fprintf(&b, "\n- %s: %s", s.label(f.Account), f.Reason)
		if f.Detail != "" {
			fmt.Fprintf(&b, " (%s)", f.Detail)
		}
	}
	if relink := s.NeedsRelink(); len(relink) > 0 {
		labels := make([]string, 0, len(relink))
		for _, a := range relink {
			labels = append(labels, s.label(a))
		}
		fmt.Fprintf(&b, "\nRe-link required for: %s", strings.Join(labels, ", "))
	}
	return b.String()
}

func (s *Scoreboard) displayUID() string {
	if s.ShortUID != "" {
		return s.ShortUID
	}
	return s.EventUID
}

// NeedsRelink lists accounts whose failure can only be fixed by linking
// the account again.
func (s *Scoreboard) NeedsRelink() []string {
	var out []string
	for _, f := range s.Failed {
		if f.Reason == ReasonCredential && !f.Retryable {
			out = append(out, f.Account)
		}
	}
	return out
}

// JSON renders the scoreboard as indented JSON.
func (s *Scoreboard) JSON() string {
	b, _ := json.MarshalIndent(s, "", "  ")
	return string(b)
}
