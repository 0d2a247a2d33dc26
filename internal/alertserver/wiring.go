package alertserver

import (
	"context"
	"sort"

	"github.com/pgstream/cqengine/internal/trigger"
)

// FireFunc adapts a Server into the fire callback trigger.NewProcessor
// expects: each firing trigger's row is formatted and pushed to whatever
// clients are subscribed to that trigger's full name. Mirrors
// alert_server.c's fire_triggers -> alert_server_push call chain.
func (s *Server) FireFunc() func(ctx context.Context, t trigger.Trigger, c trigger.Change) error {
	return func(ctx context.Context, t trigger.Trigger, c trigger.Change) error {
		row := c.New
		label := "I"
		switch c.Action {
		case trigger.ChangeUpdate:
			label, row = "U", c.New
		case trigger.ChangeDelete:
			label, row = "D", c.Old
		}

		columns := rowColumns(c.Old, c.New)
		s.Push(t.OID, FormatRow(label, columns, row))
		return nil
	}
}

// rowColumns returns the union of old and new's keys in stable, sorted
// order so a subscriber sees a consistent column layout across alerts for
// the same trigger.
func rowColumns(old, newRow map[string]any) []string {
	seen := make(map[string]struct{}, len(old)+len(newRow))
	for k := range old {
		seen[k] = struct{}{}
	}
	for k := range newRow {
		seen[k] = struct{}{}
	}
	cols := make([]string, 0, len(seen))
	for k := range seen {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}
