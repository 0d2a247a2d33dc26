package catalog

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/pgstream/cqengine/internal/plan"
	"github.com/pgstream/cqengine/internal/trigger"
)

const triggerSchema = `
CREATE TABLE IF NOT EXISTS cq_triggers (
	oid        BIGINT PRIMARY KEY,
	matrel_id  BIGINT NOT NULL,
	cv_id      INTEGER NOT NULL,
	name       TEXT NOT NULL,
	cv_name    TEXT NOT NULL,
	events     SMALLINT NOT NULL,
	gc         BOOLEAN NOT NULL DEFAULT false
);
CREATE INDEX IF NOT EXISTS cq_triggers_matrel_idx ON cq_triggers (matrel_id);
`

// EnsureTriggerSchema creates the cq_triggers table if it doesn't already
// exist. Kept separate from EnsureSchema since a deployment running
// without pipeline_triggers enabled has no need for it.
func EnsureTriggerSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, triggerSchema)
	return err
}

// PredicateSource resolves a registered trigger's compiled WHEN predicate
// and sliding-window overlay projection. Compiling `tgqual` text and
// projection expressions is SQL-compilation work out of scope here the
// same way plan.AggFunc stands in for a compiled aggregate
// (internal/trigger/cache.go's Predicate doc); a deployment wires real
// compiled functions in by implementing this interface, and a nil
// PredicateSource falls back to "no WHEN clause, no projection" for every
// trigger, matching trigger.c's unconditional fast path.
type PredicateSource interface {
	PredicateFor(triggerOID int64) (trigger.Predicate, bool)
	ProjectionFor(triggerOID int64) (func(plan.Row) plan.Row, bool)
}

// TriggerStore implements trigger.TriggerSource against the cq_triggers
// table, standing in for trigger.c's diff against a live relation's
// TriggerDesc plus the pipeline_query lookup (get_cv_Info) that decides
// whether a matrel is even a tracked CQ.
type TriggerStore struct {
	DB         *sql.DB
	Queries    *Store
	Predicates PredicateSource // optional
}

// NewTriggerStore builds a TriggerStore. queries is used to decide whether
// matrelID still belongs to a live, non-gc'd continuous query.
func NewTriggerStore(db *sql.DB, queries *Store) *TriggerStore {
	return &TriggerStore{DB: db, Queries: queries}
}

// RegisterTrigger adds (or replaces) one row-level trigger definition.
func (t *TriggerStore) RegisterTrigger(ctx context.Context, tr trigger.Trigger, matrelID int64) error {
	_, err := t.DB.ExecContext(ctx, `
		INSERT INTO cq_triggers (oid, matrel_id, cv_id, name, cv_name, events, gc)
		VALUES ($1, $2, $3, $4, $5, $6, false)
		ON CONFLICT (oid) DO UPDATE SET
			matrel_id = EXCLUDED.matrel_id, cv_id = EXCLUDED.cv_id,
			name = EXCLUDED.name, cv_name = EXCLUDED.cv_name,
			events = EXCLUDED.events, gc = false`,
		tr.OID, matrelID, tr.CVID, tr.Name, tr.CVName, int16(tr.Events))
	if err != nil {
		return errors.Wrapf(err, "catalog: registering trigger %d", tr.OID)
	}
	return nil
}

// DropTrigger marks a trigger as removed, mirroring DROP TRIGGER's effect
// on the next trigger_cache refresh (trigger.c's remove_trigger path).
func (t *TriggerStore) DropTrigger(ctx context.Context, oid int64) error {
	_, err := t.DB.ExecContext(ctx, `UPDATE cq_triggers SET gc = true WHERE oid = $1`, oid)
	return err
}

// TriggersFor implements trigger.TriggerSource: it looks up whether
// matrelID still names a live, non-gc'd continuous query and, if so,
// returns every non-gc'd trigger registered against it.
func (t *TriggerStore) TriggersFor(ctx context.Context, matrelID int64) ([]trigger.Trigger, bool, error) {
	isCQ, err := t.matrelIsLiveCQ(ctx, matrelID)
	if err != nil {
		return nil, false, err
	}
	if !isCQ {
		return nil, false, nil
	}

	rows, err := t.DB.QueryContext(ctx, `
		SELECT oid, cv_id, name, cv_name, events
		FROM cq_triggers WHERE matrel_id = $1 AND gc = false`, matrelID)
	if err != nil {
		return nil, false, errors.Wrapf(err, "catalog: listing triggers for matrel %d", matrelID)
	}
	defer rows.Close()

	var out []trigger.Trigger
	for rows.Next() {
		var tr trigger.Trigger
		var events int16
		if err := rows.Scan(&tr.OID, &tr.CVID, &tr.Name, &tr.CVName, &events); err != nil {
			return nil, false, err
		}
		tr.Events = trigger.TriggerEvent(events)
		t.attachCompiled(&tr)
		out = append(out, tr)
	}
	return out, true, rows.Err()
}

// matrelIsLiveCQ reports whether matrelID names a continuous query's
// matrel relation that hasn't been garbage-collected. It looks matrelID up
// as cq_queries.id: a continuous query's id stands in for its matrel's
// relation id.
func (t *TriggerStore) matrelIsLiveCQ(ctx context.Context, matrelID int64) (bool, error) {
	var exists bool
	err := t.DB.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM cq_queries WHERE id = $1 AND gc = false)`,
		matrelID).Scan(&exists)
	if err != nil {
		return false, errors.Wrapf(err, "catalog: checking matrel %d liveness", matrelID)
	}
	return exists, nil
}

func (t *TriggerStore) attachCompiled(tr *trigger.Trigger) {
	if t.Predicates == nil {
		return
	}
	if pred, ok := t.Predicates.PredicateFor(tr.OID); ok {
		tr.When = pred
	}
	if proj, ok := t.Predicates.ProjectionFor(tr.OID); ok {
		tr.Project = proj
	}
}
