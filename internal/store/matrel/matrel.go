// Package matrel is the Postgres adapter for the materialized relations a
// continuous query maintains: it implements the combiner's, sliding
// window's, and TTL vacuum's storage contracts against real tables,
// standing in for the host database's heap_open/insert/update/delete
// calls that spec.md §6 lists as external contracts. Grounded on the
// teacher's internal/store/postgres adapter shape: plain database/sql
// with the pgx/v5/stdlib driver, one small struct per access pattern.
package matrel

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/pgstream/cqengine/internal/combiner"
	"github.com/pgstream/cqengine/internal/hashkey"
	"github.com/pgstream/cqengine/internal/plan"
)

// validSyncCommitLevels are Postgres's own accepted values for the
// synchronous_commit GUC (synchronous_commit_level in postgresql.conf.sgml).
var validSyncCommitLevels = map[string]bool{
	"on": true, "off": true, "local": true, "remote_write": true, "remote_apply": true,
}

// schema creates the tables this package reads and writes if they don't
// already exist. A continuous query's materialized relation, sliding
// window step rows, and output stream are all represented generically —
// a surrogate key plus an opaque encoded row — since this core's scope
// excludes the host's real type system and on-disk heap format (spec.md
// §1's Non-goals); plan.CombinePlan/OverlayPlan's typed codec is what
// gives the bytes meaning.
const schema = `
CREATE TABLE IF NOT EXISTS cq_matrel (
	pk         BIGSERIAL PRIMARY KEY,
	query_id   INTEGER NOT NULL,
	group_hash BIGINT NOT NULL,
	row        BYTEA NOT NULL
);
CREATE INDEX IF NOT EXISTS cq_matrel_query_hash_idx ON cq_matrel (query_id, group_hash);

CREATE TABLE IF NOT EXISTS cq_step_rows (
	id                BIGSERIAL PRIMARY KEY,
	query_id          INTEGER NOT NULL,
	row               BYTEA NOT NULL,
	arrival_timestamp TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS cq_step_rows_query_arrival_idx ON cq_step_rows (query_id, arrival_timestamp);

CREATE TABLE IF NOT EXISTS cq_output (
	seq        BIGSERIAL PRIMARY KEY,
	query_id   INTEGER NOT NULL,
	old_row    BYTEA,
	new_row    BYTEA,
	emitted_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS cq_output_query_seq_idx ON cq_output (query_id, seq);
`

// Open opens a PostgreSQL connection pool using the pgx stdlib driver and
// verifies connectivity. syncCommit, one of Postgres's synchronous_commit
// levels ("on", "off", "local", "remote_write", "remote_apply"), is applied
// to every pooled connection as it's established (spec.md §4.4/§6's
// combiner_sync_commit, "commit-level for combiner txns"); an empty string
// leaves the server default in place.
func Open(dsn string, syncCommit string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("matrel: postgres DSN is empty")
	}
	if syncCommit != "" && !validSyncCommitLevels[syncCommit] {
		return nil, fmt.Errorf("matrel: invalid synchronous_commit level %q", syncCommit)
	}

	connCfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("matrel: parsing dsn: %w", err)
	}

	var opts []stdlib.OptionOpenDB
	if syncCommit != "" {
		opts = append(opts, stdlib.OptionAfterConnect(func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, "SET synchronous_commit = "+syncCommit)
			return err
		}))
	}

	db := stdlib.OpenDB(*connCfg, opts...)
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

// CombinePlans resolves a query id to its compiled combine plan, the same
// contract internal/combiner.QueryPlans exposes; Store depends on its own
// copy of the method set rather than importing combiner's interface type
// so this package stays a leaf the way the teacher's store package does.
type CombinePlans interface {
	CombinePlan(queryID int32) (*plan.CombinePlan, bool)
}

// Store implements combiner.Matrel against the cq_matrel table.
type Store struct {
	DB    *sql.DB
	Plans CombinePlans
}

// New builds a matrel Store.
func New(db *sql.DB, plans CombinePlans) *Store {
	return &Store{DB: db, Plans: plans}
}

// SelectExisting returns one result per hash, in the same order, nil
// where no matrel row has that group hash.
func (s *Store) SelectExisting(ctx context.Context, queryID int32, hashes []uint64) ([]*combiner.MatrelRow, error) {
	cp, ok := s.Plans.CombinePlan(queryID)
	if !ok {
		return nil, fmt.Errorf("matrel: no combine plan registered for query %d", queryID)
	}
	if len(hashes) == 0 {
		return nil, nil
	}

	rows, err := s.DB.QueryContext(ctx,
		`SELECT pk, group_hash, row FROM cq_matrel WHERE query_id = $1 AND group_hash = ANY($2::bigint[])`,
		queryID, hashArrayLiteral(hashes))
	if err != nil {
		return nil, fmt.Errorf("matrel: selecting existing groups: %w", err)
	}
	defer rows.Close()

	byHash := make(map[uint64]*combiner.MatrelRow, len(hashes))
	for rows.Next() {
		var pk int64
		var groupHash int64
		var encoded []byte
		if err := rows.Scan(&pk, &groupHash, &encoded); err != nil {
			return nil, fmt.Errorf("matrel: scanning matrel row: %w", err)
		}
		row, err := cp.DecodeRow(encoded)
		if err != nil {
			return nil, fmt.Errorf("matrel: decoding matrel row %d: %w", pk, err)
		}
		byHash[uint64(groupHash)] = &combiner.MatrelRow{PK: pk, Row: row}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*combiner.MatrelRow, len(hashes))
	for i, h := range hashes {
		out[i] = byHash[h]
	}
	return out, nil
}

// Insert adds a new matrel row and returns its surrogate primary key.
func (s *Store) Insert(ctx context.Context, queryID int32, row plan.Row) (int64, error) {
	cp, ok := s.Plans.CombinePlan(queryID)
	if !ok {
		return 0, fmt.Errorf("matrel: no combine plan registered for query %d", queryID)
	}
	encoded, err := cp.EncodeRow(row)
	if err != nil {
		return 0, fmt.Errorf("matrel: encoding row: %w", err)
	}
	groupHash := hashkey.GroupHashBytes(cp.GroupKey(row))

	var pk int64
	err = s.DB.QueryRowContext(ctx,
		`INSERT INTO cq_matrel (query_id, group_hash, row) VALUES ($1, $2, $3) RETURNING pk`,
		queryID, int64(groupHash), encoded).Scan(&pk)
	if err != nil {
		return 0, fmt.Errorf("matrel: inserting row: %w", err)
	}
	return pk, nil
}

// Update overwrites an existing matrel row in place.
func (s *Store) Update(ctx context.Context, queryID int32, pk int64, row plan.Row) error {
	cp, ok := s.Plans.CombinePlan(queryID)
	if !ok {
		return fmt.Errorf("matrel: no combine plan registered for query %d", queryID)
	}
	encoded, err := cp.EncodeRow(row)
	if err != nil {
		return fmt.Errorf("matrel: encoding row: %w", err)
	}
	groupHash := hashkey.GroupHashBytes(cp.GroupKey(row))

	res, err := s.DB.ExecContext(ctx,
		`UPDATE cq_matrel SET group_hash = $1, row = $2 WHERE query_id = $3 AND pk = $4`,
		int64(groupHash), encoded, queryID, pk)
	if err != nil {
		return fmt.Errorf("matrel: updating row: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("matrel: no matrel row %d for query %d", pk, queryID)
	}
	return nil
}

// hashArrayLiteral renders hashes as a Postgres array literal text that
// can be cast with ::bigint[]; a uint64 group hash is stored and compared
// by its int64 bit pattern since only exact equality (never arithmetic)
// is ever performed on it.
func hashArrayLiteral(hashes []uint64) string {
	buf := make([]byte, 0, len(hashes)*12+2)
	buf = append(buf, '{')
	for i, h := range hashes {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = appendInt64(buf, int64(h))
	}
	buf = append(buf, '}')
	return string(buf)
}

func appendInt64(buf []byte, v int64) []byte {
	return strconv.AppendInt(buf, v, 10)
}
