package broadcast

import (
	"context"

	"github.com/teemow/calfanout/internal/workspace"
)

// Placement is one account an event lives in.
type Placement struct {
	Account       string `json:"account"`
	Display       string `json:"display,omitempty"`
	NativeEventID string `json:"native_event_id"`
}

// Location answers where a logical event currently lives.
type Location struct {
	EventUID   string      `json:"event_uid"`
	ShortUID   string      `json:"short_uid"`
	Placements []Placement `json:"placements"`
}

// Locate resolves ref (canonical or short uid) and lists its placements.
func (o *Orchestrator) Locate(ctx context.Context, scope workspace.Scope, ref string) (*Location, error) {
	if err := scope.Check(); err != nil {
		return nil, err
	}
	uid, err := o.registry.Resolve(ctx, scope.ID, ref)
	if err != nil {
		return nil, err
	}
	mappings, err := o.registry.MappingsFor(ctx, scope.ID, uid.Canonical)
	if err != nil {
		return nil, err
	}

	displays := map[string]string{}
	if conns, err := o.creds.ListActiveConnections(ctx, scope.ID); err == nil {
		for _, c := range conns {
			displays[c.AccountID] = c.DisplayIdentifier
		}
	}

	loc := &Location{EventUID: uid.Canonical, ShortUID: uid.Short, Placements: []Placement{}}
	for _, m := range mappings {
		loc.Placements = append(loc.Placements, Placement{
			Account:       m.AccountID,
			Display:       displays[m.AccountID],
			NativeEventID: m.NativeEventID,
		})
	}
	return loc, nil
}
