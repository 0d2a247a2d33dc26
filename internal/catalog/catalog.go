// Package catalog is the Postgres adapter for the two persisted-state
// tables spec.md section 6 names: one row per continuous query and one row
// per database participating in continuous-query processing. It stands in
// for the host database's pipeline_query/pipeline_database system catalogs
// (original_source/src/backend/catalog/pipeline_database.c defines the
// latter; the pack never retrieved a pipeline_query.c, so its column list
// here is lifted directly from spec.md section 6 rather than a C source).
//
// Grounded on the teacher's internal/store/postgres adapter shape:
// database/sql with the pgx/v5/stdlib driver, Open/Bootstrap-style
// connectivity checks, one small struct per access pattern.
package catalog

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"

	"github.com/pgstream/cqengine/internal/cqerrors"
)

const schema = `
CREATE TABLE IF NOT EXISTS cq_queries (
	id              INTEGER PRIMARY KEY,
	matrel_ref      TEXT NOT NULL,
	osrel_ref       TEXT,
	seqrel_ref      TEXT,
	hash_expr       TEXT NOT NULL,
	is_sw           BOOLEAN NOT NULL DEFAULT false,
	sw_step_ms      BIGINT NOT NULL DEFAULT 0,
	sw_interval_ms  BIGINT NOT NULL DEFAULT 0,
	sw_arrival_attr TEXT NOT NULL DEFAULT '',
	adhoc           BOOLEAN NOT NULL DEFAULT false,
	gc              BOOLEAN NOT NULL DEFAULT false,
	ttl_column      TEXT NOT NULL DEFAULT '',
	ttl_seconds     BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS cq_databases (
	dbid       BIGINT PRIMARY KEY,
	cq_enabled BOOLEAN NOT NULL DEFAULT true
);
`

// Open opens a PostgreSQL connection using the pgx stdlib driver and
// verifies connectivity.
func Open(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("catalog: postgres DSN is empty")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// EnsureSchema creates this package's tables if they don't already exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, schema)
	return err
}

// ContinuousQuery is one cq_queries row: the persisted identity of a
// continuous query, independent of any particular combiner's compiled
// plan. matrel_ref/osrel_ref/seqrel_ref name the matrel, output-stream, and
// sequence relations the way the source's pipeline_query row carries
// regclass OIDs; here they're opaque relation names since this core has no
// real catalog OIDs to key on (spec.md section 1's Non-goals exclude the
// host type system). hash_expr records the grouping-column expression text
// a real planner would compile into CombinePlan.GroupKey.
type ContinuousQuery struct {
	ID              int32
	MatrelRef       string
	OSRelRef        string
	SeqRelRef       string
	HashExpr        string
	IsSlidingWindow bool
	SWStepMs        int64
	SWIntervalMs    int64
	SWArrivalAttr   string
	Adhoc           bool
	GC              bool

	// TTLColumn/TTLSeconds configure the TTL vacuum (spec.md §2 item 10);
	// TTLColumn empty means this CQ has no TTL and is never vacuumed.
	TTLColumn  string
	TTLSeconds int64
}

// HasTTL reports whether this CQ's matrel is subject to TTL vacuuming.
func (cq ContinuousQuery) HasTTL() bool { return cq.TTLColumn != "" }

// Store implements CRUD for the catalog's two persisted-state tables.
type Store struct {
	DB *sql.DB
}

// New builds a catalog Store.
func New(db *sql.DB) *Store {
	return &Store{DB: db}
}

// CreateCQ inserts a new continuous-query catalog row.
func (s *Store) CreateCQ(ctx context.Context, cq ContinuousQuery) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO cq_queries
			(id, matrel_ref, osrel_ref, seqrel_ref, hash_expr, is_sw, sw_step_ms, sw_interval_ms, sw_arrival_attr, adhoc, gc, ttl_column, ttl_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		cq.ID, cq.MatrelRef, cq.OSRelRef, cq.SeqRelRef, cq.HashExpr,
		cq.IsSlidingWindow, cq.SWStepMs, cq.SWIntervalMs, cq.SWArrivalAttr, cq.Adhoc, cq.GC,
		cq.TTLColumn, cq.TTLSeconds)
	if err != nil {
		return errors.Wrapf(err, "catalog: creating cq %d", cq.ID)
	}
	return nil
}

// GetCQ looks up one continuous query by id. ok is false if no such row
// exists (not an error: a worker racing a concurrent DROP observes this).
func (s *Store) GetCQ(ctx context.Context, id int32) (ContinuousQuery, bool, error) {
	var cq ContinuousQuery
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, matrel_ref, osrel_ref, seqrel_ref, hash_expr, is_sw, sw_step_ms, sw_interval_ms, sw_arrival_attr, adhoc, gc, ttl_column, ttl_seconds
		FROM cq_queries WHERE id = $1`, id)
	err := row.Scan(&cq.ID, &cq.MatrelRef, &cq.OSRelRef, &cq.SeqRelRef, &cq.HashExpr,
		&cq.IsSlidingWindow, &cq.SWStepMs, &cq.SWIntervalMs, &cq.SWArrivalAttr, &cq.Adhoc, &cq.GC,
		&cq.TTLColumn, &cq.TTLSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return ContinuousQuery{}, false, nil
	}
	if err != nil {
		return ContinuousQuery{}, false, errors.Wrapf(cqerrors.ErrFatalCatalogLookup, "cq %d: %v", id, err)
	}
	return cq, true, nil
}

// ListCQs returns every non-garbage-collected continuous query, the set a
// freshly started process group needs to resume combining.
func (s *Store) ListCQs(ctx context.Context) ([]ContinuousQuery, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, matrel_ref, osrel_ref, seqrel_ref, hash_expr, is_sw, sw_step_ms, sw_interval_ms, sw_arrival_attr, adhoc, gc, ttl_column, ttl_seconds
		FROM cq_queries WHERE gc = false ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(cqerrors.ErrFatalCatalogLookup, err.Error())
	}
	defer rows.Close()

	var out []ContinuousQuery
	for rows.Next() {
		var cq ContinuousQuery
		if err := rows.Scan(&cq.ID, &cq.MatrelRef, &cq.OSRelRef, &cq.SeqRelRef, &cq.HashExpr,
			&cq.IsSlidingWindow, &cq.SWStepMs, &cq.SWIntervalMs, &cq.SWArrivalAttr, &cq.Adhoc, &cq.GC,
			&cq.TTLColumn, &cq.TTLSeconds); err != nil {
			return nil, err
		}
		out = append(out, cq)
	}
	return out, rows.Err()
}

// MarkForGC flags a continuous query as pending garbage collection instead
// of deleting its row outright, mirroring the source's deferred-drop
// behavior: a combiner still holding the CQ's matrel open finishes its
// current batch before the row (and its matrel/output-stream relations)
// are actually reclaimed.
func (s *Store) MarkForGC(ctx context.Context, id int32) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE cq_queries SET gc = true WHERE id = $1`, id)
	if err != nil {
		return errors.Wrapf(err, "catalog: marking cq %d for gc", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("catalog: no cq %d", id)
	}
	return nil
}

// SweepGC permanently removes every row already marked for garbage
// collection, the persisted-state counterpart of the matrel/output-stream
// relations a real DROP would also drop.
func (s *Store) SweepGC(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM cq_queries WHERE gc = true`)
	if err != nil {
		return 0, errors.Wrap(err, "catalog: sweeping gc'd cqs")
	}
	return res.RowsAffected()
}

// RegisterDatabase adds a database to continuous-query processing,
// mirroring CreatePipelineDatabaseCatalogEntry.
func (s *Store) RegisterDatabase(ctx context.Context, dbid int64, cqEnabled bool) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO cq_databases (dbid, cq_enabled) VALUES ($1, $2)
		ON CONFLICT (dbid) DO UPDATE SET cq_enabled = EXCLUDED.cq_enabled`,
		dbid, cqEnabled)
	if err != nil {
		return errors.Wrapf(err, "catalog: registering database %d", dbid)
	}
	return nil
}

// RemoveDatabase drops a database's catalog row, mirroring
// RemovePipelineDatabaseByDbId.
func (s *Store) RemoveDatabase(ctx context.Context, dbid int64) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM cq_databases WHERE dbid = $1`, dbid)
	return err
}

// EnabledDatabaseIDs returns every database id with cq_enabled = true, the
// set the scheduler's Refresh call needs on start-up and on every re-scan
// (spec.md section 4.2's "scans the catalog of databases ... and registers
// a group for each").
func (s *Store) EnabledDatabaseIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT dbid FROM cq_databases WHERE cq_enabled = true ORDER BY dbid`)
	if err != nil {
		return nil, errors.Wrap(cqerrors.ErrFatalCatalogLookup, err.Error())
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var dbid int64
		if err := rows.Scan(&dbid); err != nil {
			return nil, err
		}
		out = append(out, dbid)
	}
	return out, rows.Err()
}
