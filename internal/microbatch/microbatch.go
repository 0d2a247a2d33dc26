// Package microbatch implements the wire unit of tuple transfer between
// workers, combiners, and stream inserters, plus the ack-based
// at-least-once/at-most-once acknowledgement protocol layered on top of it.
// Grounded on original_source/src/backend/pipeline/ipc/microbatch.c.
package microbatch

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pgstream/cqengine/internal/cqerrors"
)

// Kind distinguishes a batch of rows headed to a worker (fanned out by
// target query) from one headed to a single combiner shard (already
// resolved to one query + group hash).
type Kind uint8

const (
	WorkerTuple Kind = iota
	CombinerTuple
)

// baseOverhead approximates the source's running packed_size tally for the
// kind tag plus the two length-prefix ints (nacks, ntups) every batch pays
// regardless of payload.
const baseOverhead = 1 + 4 + 4

// ColumnDesc is one packed attribute of a row descriptor: name, type, and
// the typmod/collation the source also threads through pack_tupdesc.
type ColumnDesc struct {
	Name      string
	TypeOID   int32
	TypMod    int32
	Collation int32
}

// Descriptor is a packed row shape, equivalent to a TupleDesc.
type Descriptor struct {
	Columns []ColumnDesc
}

// RecordDesc pairs a RECORD subtype's typmod with its own descriptor,
// mirroring the source's per-attribute record_descs list (built only for
// attributes whose atttypid is RECORDOID).
type RecordDesc struct {
	TypMod     int32
	Descriptor Descriptor
}

// Microbatch is a bounded, append-only buffer of tuples plus the
// bookkeeping needed to route and acknowledge them. Once Pack has been
// called it is logically read-only, matching the source's allow_iter flag.
type Microbatch struct {
	Type Kind

	AckIDs     []int64
	Tuples     [][]byte
	packedSize int

	// WorkerTuple fields
	QueryIDs    []int32
	Descriptor  Descriptor
	RecordDescs []RecordDesc

	// CombinerTuple fields
	QueryID   int32
	GroupHash uint64

	maxPacked int
	sealed    bool
}

func descriptorPackedSize(d Descriptor) int {
	n := 4 // natts
	for _, c := range d.Columns {
		n += 4 + len(c.Name) // length-prefixed name
		n += 4 + 4 + 4       // typeOID, typmod, collation
	}
	return n
}

// NewWorkerBatch creates an empty batch fanning out to queryIDs, carrying
// desc as the shape of every tuple added to it.
func NewWorkerBatch(queryIDs []int32, desc Descriptor, maxPacked int) *Microbatch {
	mb := &Microbatch{
		Type:       WorkerTuple,
		QueryIDs:   append([]int32(nil), queryIDs...),
		Descriptor: desc,
		maxPacked:  maxPacked,
	}
	mb.packedSize = baseOverhead + 4 + len(mb.QueryIDs)*4 /* n_queries + query ids */ +
		descriptorPackedSize(desc) + 4 /* n_record_descs */
	return mb
}

// NewCombinerBatch creates an empty batch already resolved to a single
// (queryID, groupHash) shard.
func NewCombinerBatch(queryID int32, groupHash uint64, maxPacked int) *Microbatch {
	mb := &Microbatch{
		Type:      CombinerTuple,
		QueryID:   queryID,
		GroupHash: groupHash,
		maxPacked: maxPacked,
	}
	mb.packedSize = baseOverhead + 4 + 8 /* query id + group hash */
	return mb
}

// AddAck registers ackID as one of the acks that must be notified once this
// batch's tuples are all consumed.
func (mb *Microbatch) AddAck(ackID int64) {
	mb.AckIDs = append(mb.AckIDs, ackID)
	mb.packedSize += 8
}

// AddRecordDesc attaches a RECORD subtype descriptor, used when a column's
// shape is itself a row.
func (mb *Microbatch) AddRecordDesc(rd RecordDesc) {
	mb.RecordDescs = append(mb.RecordDescs, rd)
	mb.packedSize += 4 + descriptorPackedSize(rd.Descriptor)
}

// AddTuple appends tup's bytes to the batch. Returns cqerrors.ErrBatchFull
// if doing so would exceed the configured packed-size cap, signaling the
// caller to flush this batch and start a new one; the batch itself is left
// unmodified in that case. A tuple too large to ever fit in any batch is a
// programming/config error, not a recoverable one.
func (mb *Microbatch) AddTuple(tup []byte) error {
	if mb.sealed {
		return fmt.Errorf("microbatch: cannot add tuple to a packed (read-only) batch")
	}

	tupSize := 4 + len(tup) // length-prefixed
	if tupSize > mb.maxPacked {
		return fmt.Errorf("microbatch: tuple of %d bytes exceeds max packed size %d", len(tup), mb.maxPacked)
	}
	if mb.packedSize+tupSize > mb.maxPacked {
		return cqerrors.ErrBatchFull
	}

	mb.Tuples = append(mb.Tuples, tup)
	mb.packedSize += tupSize
	return nil
}

// NumTuples returns the number of tuples currently held.
func (mb *Microbatch) NumTuples() int { return len(mb.Tuples) }

// PackedSize returns the current running packed-size estimate.
func (mb *Microbatch) PackedSize() int { return mb.packedSize }

func packDescriptor(buf *bytes.Buffer, d Descriptor) {
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(d.Columns)))
	buf.Write(n[:])
	for _, c := range d.Columns {
		binary.LittleEndian.PutUint32(n[:], uint32(len(c.Name)))
		buf.Write(n[:])
		buf.WriteString(c.Name)
		binary.LittleEndian.PutUint32(n[:], uint32(c.TypeOID))
		buf.Write(n[:])
		binary.LittleEndian.PutUint32(n[:], uint32(c.TypMod))
		buf.Write(n[:])
		binary.LittleEndian.PutUint32(n[:], uint32(c.Collation))
		buf.Write(n[:])
	}
}

func unpackDescriptor(r io.Reader) (Descriptor, error) {
	var n [4]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return Descriptor{}, err
	}
	natts := binary.LittleEndian.Uint32(n[:])
	cols := make([]ColumnDesc, natts)
	for i := range cols {
		if _, err := io.ReadFull(r, n[:]); err != nil {
			return Descriptor{}, err
		}
		nameLen := binary.LittleEndian.Uint32(n[:])
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return Descriptor{}, err
		}
		var typeOID, typMod, collation [4]byte
		if _, err := io.ReadFull(r, typeOID[:]); err != nil {
			return Descriptor{}, err
		}
		if _, err := io.ReadFull(r, typMod[:]); err != nil {
			return Descriptor{}, err
		}
		if _, err := io.ReadFull(r, collation[:]); err != nil {
			return Descriptor{}, err
		}
		cols[i] = ColumnDesc{
			Name:      string(name),
			TypeOID:   int32(binary.LittleEndian.Uint32(typeOID[:])),
			TypMod:    int32(binary.LittleEndian.Uint32(typMod[:])),
			Collation: int32(binary.LittleEndian.Uint32(collation[:])),
		}
	}
	return Descriptor{Columns: cols}, nil
}

// Pack serializes the batch to a contiguous buffer:
// [kind][n_acks][ack_id*n_acks][n_tuples][(len,bytes)*n_tuples], followed
// for WorkerTuple by [descriptor][n_record_descs][(typmod,descriptor)*][n_queries][query_id*],
// or for CombinerTuple by [query_id][group_hash].
// Marks the batch sealed: AddTuple fails on it afterward.
func (mb *Microbatch) Pack() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(mb.Type))

	var n [8]byte
	binary.LittleEndian.PutUint32(n[:4], uint32(len(mb.AckIDs)))
	buf.Write(n[:4])
	for _, id := range mb.AckIDs {
		binary.LittleEndian.PutUint64(n[:], uint64(id))
		buf.Write(n[:])
	}

	binary.LittleEndian.PutUint32(n[:4], uint32(len(mb.Tuples)))
	buf.Write(n[:4])
	for _, tup := range mb.Tuples {
		binary.LittleEndian.PutUint32(n[:4], uint32(len(tup)))
		buf.Write(n[:4])
		buf.Write(tup)
	}

	if mb.Type == WorkerTuple {
		packDescriptor(&buf, mb.Descriptor)

		binary.LittleEndian.PutUint32(n[:4], uint32(len(mb.RecordDescs)))
		buf.Write(n[:4])
		for _, rd := range mb.RecordDescs {
			binary.LittleEndian.PutUint32(n[:4], uint32(rd.TypMod))
			buf.Write(n[:4])
			packDescriptor(&buf, rd.Descriptor)
		}

		binary.LittleEndian.PutUint32(n[:4], uint32(len(mb.QueryIDs)))
		buf.Write(n[:4])
		for _, q := range mb.QueryIDs {
			binary.LittleEndian.PutUint32(n[:4], uint32(q))
			buf.Write(n[:4])
		}
	} else {
		binary.LittleEndian.PutUint32(n[:4], uint32(mb.QueryID))
		buf.Write(n[:4])
		binary.LittleEndian.PutUint64(n[:], mb.GroupHash)
		buf.Write(n[:])
	}

	if buf.Len() > mb.maxPacked {
		return nil, fmt.Errorf("microbatch: packed size %d exceeds cap %d", buf.Len(), mb.maxPacked)
	}

	mb.sealed = true
	return buf.Bytes(), nil
}

// Unpack reconstructs a Microbatch from bytes produced by Pack. maxPacked
// is supplied by the caller (it's a cluster-wide config value, not part of
// the wire format) and only used to size the resulting batch for potential
// re-packing.
func Unpack(data []byte, maxPacked int) (*Microbatch, error) {
	r := bytes.NewReader(data)

	kindByte, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("microbatch: reading kind: %w", err)
	}
	kind := Kind(kindByte)

	var n [8]byte
	if _, err := io.ReadFull(r, n[:4]); err != nil {
		return nil, fmt.Errorf("microbatch: reading nacks: %w", err)
	}
	nacks := binary.LittleEndian.Uint32(n[:4])
	ackIDs := make([]int64, nacks)
	for i := range ackIDs {
		if _, err := io.ReadFull(r, n[:]); err != nil {
			return nil, fmt.Errorf("microbatch: reading ack %d: %w", i, err)
		}
		ackIDs[i] = int64(binary.LittleEndian.Uint64(n[:]))
	}

	if _, err := io.ReadFull(r, n[:4]); err != nil {
		return nil, fmt.Errorf("microbatch: reading ntups: %w", err)
	}
	ntups := binary.LittleEndian.Uint32(n[:4])
	tuples := make([][]byte, ntups)
	for i := range tuples {
		if _, err := io.ReadFull(r, n[:4]); err != nil {
			return nil, fmt.Errorf("microbatch: reading tuple %d length: %w", i, err)
		}
		tlen := binary.LittleEndian.Uint32(n[:4])
		tup := make([]byte, tlen)
		if _, err := io.ReadFull(r, tup); err != nil {
			return nil, fmt.Errorf("microbatch: reading tuple %d: %w", i, err)
		}
		tuples[i] = tup
	}

	mb := &Microbatch{
		Type:      kind,
		AckIDs:    ackIDs,
		Tuples:    tuples,
		maxPacked: maxPacked,
		sealed:    true,
	}

	if kind == WorkerTuple {
		desc, err := unpackDescriptor(r)
		if err != nil {
			return nil, fmt.Errorf("microbatch: reading descriptor: %w", err)
		}
		mb.Descriptor = desc

		if _, err := io.ReadFull(r, n[:4]); err != nil {
			return nil, fmt.Errorf("microbatch: reading n_record_descs: %w", err)
		}
		nrd := binary.LittleEndian.Uint32(n[:4])
		mb.RecordDescs = make([]RecordDesc, nrd)
		for i := range mb.RecordDescs {
			if _, err := io.ReadFull(r, n[:4]); err != nil {
				return nil, fmt.Errorf("microbatch: reading record desc %d typmod: %w", i, err)
			}
			typMod := int32(binary.LittleEndian.Uint32(n[:4]))
			rdesc, err := unpackDescriptor(r)
			if err != nil {
				return nil, fmt.Errorf("microbatch: reading record desc %d: %w", i, err)
			}
			mb.RecordDescs[i] = RecordDesc{TypMod: typMod, Descriptor: rdesc}
		}

		if _, err := io.ReadFull(r, n[:4]); err != nil {
			return nil, fmt.Errorf("microbatch: reading n_queries: %w", err)
		}
		nq := binary.LittleEndian.Uint32(n[:4])
		mb.QueryIDs = make([]int32, nq)
		for i := range mb.QueryIDs {
			if _, err := io.ReadFull(r, n[:4]); err != nil {
				return nil, fmt.Errorf("microbatch: reading query id %d: %w", i, err)
			}
			mb.QueryIDs[i] = int32(binary.LittleEndian.Uint32(n[:4]))
		}
	} else {
		if _, err := io.ReadFull(r, n[:4]); err != nil {
			return nil, fmt.Errorf("microbatch: reading query id: %w", err)
		}
		mb.QueryID = int32(binary.LittleEndian.Uint32(n[:4]))
		if _, err := io.ReadFull(r, n[:]); err != nil {
			return nil, fmt.Errorf("microbatch: reading group hash: %w", err)
		}
		mb.GroupHash = binary.LittleEndian.Uint64(n[:])
	}

	return mb, nil
}
