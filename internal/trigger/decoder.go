package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/rs/zerolog"
)

// walPollTimeout mirrors wal.c's WAL_POLL_TIMEOUT (10ms): how long one
// ReadBatch call blocks for the next replication message before returning
// control to the caller's main loop (spec.md §1's suspension-point list:
// "the trigger decoder suspends in its WAL reader with a 10 ms poll").
const walPollTimeout = 10 * time.Millisecond

// Decoder is a dedicated per-database logical-replication client acting
// as the WAL-tailing half of trigger.c's trigger_main: it acquires (or
// re-acquires) a persistent replication slot and translates pgoutput
// messages into XactBatches. Grounded on wal.c's create_wal_stream /
// wal_stream_read, with pglogrepl.StartReplication/ReceiveMessage
// replacing the source's CreateDecodingContext/XLogReadRecord pair —
// the pgx-ecosystem-standard way to tail Postgres WAL from a Go client.
type Decoder struct {
	Conn            *pgconn.PgConn
	SlotName        string
	PublicationName string
	Log             zerolog.Logger

	state          *decoderState
	lastReceiveLSN pglogrepl.LSN
}

// NewDecoder builds a Decoder for dbOID's trigger WAL stream, naming the
// replication slot the way wal.c's acquire_my_replication_slot does:
// "pipelinedb_trigger_<dboid>".
func NewDecoder(conn *pgconn.PgConn, dbOID uint32, publication string, log zerolog.Logger) *Decoder {
	return &Decoder{
		Conn:            conn,
		SlotName:        fmt.Sprintf("pipelinedb_trigger_%d", dbOID),
		PublicationName: publication,
		Log:             log,
	}
}

// Start acquires the replication slot (creating it if this is the first
// run) and begins streaming from the server's current WAL position, as
// reported by IDENTIFY_SYSTEM.
func (d *Decoder) Start(ctx context.Context) error {
	sysident, err := pglogrepl.IdentifySystem(ctx, d.Conn)
	if err != nil {
		return fmt.Errorf("trigger: identify system: %w", err)
	}

	// CreateReplicationSlot fails if the slot already exists from a prior
	// run; that's the "re-acquire" path, so the error is swallowed and
	// streaming resumes from the system's current position.
	_, err = pglogrepl.CreateReplicationSlot(ctx, d.Conn, d.SlotName, "pgoutput",
		pglogrepl.CreateReplicationSlotOptions{Mode: pglogrepl.LogicalReplication})
	if err != nil {
		d.Log.Debug().Err(err).Str("slot", d.SlotName).Msg("replication slot already exists, re-acquiring")
	}

	pluginArgs := []string{"proto_version '1'", fmt.Sprintf("publication_names '%s'", d.PublicationName)}
	if err := pglogrepl.StartReplication(ctx, d.Conn, d.SlotName, sysident.XLogPos,
		pglogrepl.StartReplicationOptions{PluginArgs: pluginArgs}); err != nil {
		return fmt.Errorf("trigger: start replication: %w", err)
	}

	d.state = newDecoderState()
	d.lastReceiveLSN = sysident.XLogPos
	return nil
}

// ReadBatch blocks up to walPollTimeout for the next replication message.
// It returns a non-nil batch only when a commit message closes one out;
// nil, nil on a poll timeout, keepalive, or a message mid-transaction.
func (d *Decoder) ReadBatch(ctx context.Context) (*XactBatch, error) {
	pollCtx, cancel := context.WithTimeout(ctx, walPollTimeout)
	defer cancel()

	msg, err := d.Conn.ReceiveMessage(pollCtx)
	if err != nil {
		if pollCtx.Err() != nil && ctx.Err() == nil {
			return nil, nil // poll timeout, not a real error
		}
		return nil, fmt.Errorf("trigger: receiving replication message: %w", err)
	}

	cd, ok := msg.(*pgproto3.CopyData)
	if !ok || len(cd.Data) == 0 {
		return nil, nil
	}

	switch cd.Data[0] {
	case 'k': // PrimaryKeepaliveMessage
		pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(cd.Data[1:])
		if err != nil {
			return nil, fmt.Errorf("trigger: parsing keepalive: %w", err)
		}
		if pkm.ServerWALEnd > d.lastReceiveLSN {
			d.lastReceiveLSN = pkm.ServerWALEnd
		}
		if pkm.ReplyRequested {
			return nil, d.sendStandbyStatus(ctx)
		}
		return nil, nil

	case 'w': // XLogData
		xld, err := pglogrepl.ParseXLogData(cd.Data[1:])
		if err != nil {
			return nil, fmt.Errorf("trigger: parsing xlog data: %w", err)
		}
		d.lastReceiveLSN = xld.WALStart + pglogrepl.LSN(len(xld.WALData))
		return d.state.decodeMessage(xld.WALData, xld.ServerTime)

	default:
		return nil, nil
	}
}

func (d *Decoder) sendStandbyStatus(ctx context.Context) error {
	return pglogrepl.SendStandbyStatusUpdate(ctx, d.Conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: d.lastReceiveLSN,
		WALFlushPosition: d.lastReceiveLSN,
		WALApplyPosition: d.lastReceiveLSN,
	})
}

// Close releases the underlying connection.
func (d *Decoder) Close(ctx context.Context) error {
	return d.Conn.Close(ctx)
}
