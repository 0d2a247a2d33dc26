package microbatch

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pgstream/cqengine/internal/cqerrors"
)

func testDescriptor() Descriptor {
	return Descriptor{Columns: []ColumnDesc{
		{Name: "k", TypeOID: 25, TypMod: -1, Collation: 100},
		{Name: "count", TypeOID: 20, TypMod: -1, Collation: 0},
	}}
}

func TestWorkerBatchPackUnpackRoundTrip(t *testing.T) {
	mb := NewWorkerBatch([]int32{1, 2, 3}, testDescriptor(), 1<<20)
	mb.AddAck(42)
	if err := mb.AddTuple([]byte("row-one")); err != nil {
		t.Fatalf("unexpected error adding tuple: %v", err)
	}
	if err := mb.AddTuple([]byte("row-two")); err != nil {
		t.Fatalf("unexpected error adding tuple: %v", err)
	}

	packed, err := mb.Pack()
	if err != nil {
		t.Fatalf("pack failed: %v", err)
	}

	got, err := Unpack(packed, 1<<20)
	if err != nil {
		t.Fatalf("unpack failed: %v", err)
	}

	if got.Type != WorkerTuple {
		t.Fatalf("expected WorkerTuple, got %v", got.Type)
	}
	if len(got.Tuples) != 2 || !bytes.Equal(got.Tuples[0], []byte("row-one")) || !bytes.Equal(got.Tuples[1], []byte("row-two")) {
		t.Fatalf("tuples not round-tripped correctly: %v", got.Tuples)
	}
	if len(got.AckIDs) != 1 || got.AckIDs[0] != 42 {
		t.Fatalf("acks not round-tripped correctly: %v", got.AckIDs)
	}
	if len(got.QueryIDs) != 3 || got.QueryIDs[0] != 1 || got.QueryIDs[2] != 3 {
		t.Fatalf("query ids not round-tripped correctly: %v", got.QueryIDs)
	}
	if len(got.Descriptor.Columns) != 2 || got.Descriptor.Columns[0].Name != "k" {
		t.Fatalf("descriptor not round-tripped correctly: %+v", got.Descriptor)
	}

	repacked, err := got.Pack()
	if err != nil {
		t.Fatalf("repack failed: %v", err)
	}
	if !bytes.Equal(packed, repacked) {
		t.Fatalf("pack(unpack(b)) != b")
	}
}

func TestCombinerBatchPackUnpackRoundTrip(t *testing.T) {
	mb := NewCombinerBatch(7, 0xdeadbeef, 1<<20)
	mb.AddTuple([]byte("partial"))

	packed, err := mb.Pack()
	if err != nil {
		t.Fatalf("pack failed: %v", err)
	}

	got, err := Unpack(packed, 1<<20)
	if err != nil {
		t.Fatalf("unpack failed: %v", err)
	}
	if got.Type != CombinerTuple || got.QueryID != 7 || got.GroupHash != 0xdeadbeef {
		t.Fatalf("combiner fields not round-tripped: %+v", got)
	}
}

func TestAddTupleReturnsErrBatchFullWhenOverCap(t *testing.T) {
	mb := NewCombinerBatch(1, 1, 64)
	var err error
	for i := 0; i < 100; i++ {
		err = mb.AddTuple([]byte("0123456789"))
		if err != nil {
			break
		}
	}
	if !errors.Is(err, cqerrors.ErrBatchFull) {
		t.Fatalf("expected ErrBatchFull, got %v", err)
	}
}

func TestAddTupleAfterPackFails(t *testing.T) {
	mb := NewCombinerBatch(1, 1, 1<<20)
	mb.AddTuple([]byte("a"))
	if _, err := mb.Pack(); err != nil {
		t.Fatalf("pack failed: %v", err)
	}
	if err := mb.AddTuple([]byte("b")); err == nil {
		t.Fatalf("expected error adding tuple to sealed batch")
	}
}

func TestAckIsAckedRequiresBothCounters(t *testing.T) {
	a := NewAck()
	a.SetExpected(3, 2)
	if a.IsAcked() {
		t.Fatalf("expected not acked yet")
	}
	a.AckWorkerTuples(3)
	if a.IsAcked() {
		t.Fatalf("expected still not acked: combiner side pending")
	}
	a.AckCombinerTuples(2)
	if !a.IsAcked() {
		t.Fatalf("expected acked once both sides complete")
	}
}

func TestAckWaitAndFreeUnblocksOnAck(t *testing.T) {
	a := NewAck()
	a.SetExpected(1, 1)

	go func() {
		time.Sleep(2 * time.Millisecond)
		a.AckWorkerTuples(1)
		a.AckCombinerTuples(1)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.WaitAndFree(ctx); err != nil {
		t.Fatalf("expected wait to succeed, got %v", err)
	}
}

func TestAckWaitAndFreeHonorsCancellation(t *testing.T) {
	a := NewAck()
	a.SetExpected(5, 5)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if err := a.WaitAndFree(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRegistryRegisterLookupUnregister(t *testing.T) {
	r := NewRegistry()
	a := NewAck()
	r.Register(a)

	got, ok := r.Lookup(a.ID())
	if !ok || got != a {
		t.Fatalf("expected to find registered ack")
	}

	r.Unregister(a.ID())
	if _, ok := r.Lookup(a.ID()); ok {
		t.Fatalf("expected ack to be gone after unregister")
	}
}
