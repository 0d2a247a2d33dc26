package combiner

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pgstream/cqengine/internal/groupcache"
	"github.com/pgstream/cqengine/internal/hashkey"
	"github.com/pgstream/cqengine/internal/ipc"
	"github.com/pgstream/cqengine/internal/microbatch"
	"github.com/pgstream/cqengine/internal/plan"
)

type memMatrel struct {
	rows   map[int32]map[int64]plan.Row
	nextPK int64
}

func newMemMatrel() *memMatrel {
	return &memMatrel{rows: make(map[int32]map[int64]plan.Row)}
}

func (m *memMatrel) SelectExisting(ctx context.Context, queryID int32, hashes []uint64) ([]*MatrelRow, error) {
	out := make([]*MatrelRow, len(hashes))
	for i, h := range hashes {
		for pk, row := range m.rows[queryID] {
			if hashkey.GroupHash(hashkey.Text(row["k"].(string))) == h {
				r := MatrelRow{PK: pk, Row: row}
				out[i] = &r
				break
			}
		}
	}
	return out, nil
}

func (m *memMatrel) Insert(ctx context.Context, queryID int32, row plan.Row) (int64, error) {
	m.nextPK++
	if m.rows[queryID] == nil {
		m.rows[queryID] = make(map[int64]plan.Row)
	}
	m.rows[queryID][m.nextPK] = row.Clone()
	return m.nextPK, nil
}

func (m *memMatrel) Update(ctx context.Context, queryID int32, pk int64, row plan.Row) error {
	m.rows[queryID][pk] = row.Clone()
	return nil
}

type memOutput struct {
	emits []struct {
		queryID  int32
		old, new plan.Row
	}
}

func (o *memOutput) Emit(ctx context.Context, queryID int32, old, newRow plan.Row) error {
	o.emits = append(o.emits, struct {
		queryID  int32
		old, new plan.Row
	}{queryID, old, newRow})
	return nil
}

type staticPlans struct {
	plans map[int32]*plan.CombinePlan
}

func (p *staticPlans) CombinePlan(queryID int32) (*plan.CombinePlan, bool) {
	cp, ok := p.plans[queryID]
	return cp, ok
}

type memAcks struct {
	acks map[int64]*microbatch.Ack
}

func (a *memAcks) Lookup(id int64) (*microbatch.Ack, bool) {
	ack, ok := a.acks[id]
	return ack, ok
}

func countCombinePlan() *plan.CombinePlan {
	return &plan.CombinePlan{
		GroupBy:    []string{"k"},
		Aggregates: []plan.AggSpec{{InputColumn: "k", OutputColumn: "c", Func: plan.CountAgg{}}},
	}
}

func countPartial(k string, cp *plan.CombinePlan) (microbatch.Microbatch, uint64) {
	row := plan.Row{"k": k, "c": int64(1)}
	hash := hashkey.GroupHash(hashkey.Text(k))
	mb := microbatch.NewCombinerBatch(1, hash, 1<<20)
	encoded, err := cp.EncodeRow(row)
	if err != nil {
		panic(err)
	}
	if err := mb.AddTuple(encoded); err != nil {
		panic(err)
	}
	return *mb, hash
}

func TestSyncGroupInsertsNewGroup(t *testing.T) {
	cp := countCombinePlan()
	mb, _ := countPartial("a", cp)

	q := ipc.NewQueue[microbatch.Microbatch](4)
	matrel := newMemMatrel()
	output := &memOutput{}
	c := &Combiner{
		GroupID: 0, NumCombiners: 1, MaxWait: 10 * time.Millisecond, BatchSize: 4,
		Queue: q, Plans: &staticPlans{plans: map[int32]*plan.CombinePlan{1: cp}},
		Matrel: matrel, Output: output, Acks: &memAcks{acks: map[int64]*microbatch.Ack{}},
		Cache: groupcache.New(1 << 20), Log: zerolog.Nop(),
	}

	ctx := context.Background()
	if err := q.Send(ctx, mb); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := c.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if len(matrel.rows[1]) != 1 {
		t.Fatalf("expected 1 matrel row, got %d", len(matrel.rows[1]))
	}
	if len(output.emits) != 1 || output.emits[0].old != nil {
		t.Fatalf("expected 1 insert emit with nil old, got %+v", output.emits)
	}
}

func TestSyncGroupUpdatesExistingGroup(t *testing.T) {
	cp := countCombinePlan()
	q := ipc.NewQueue[microbatch.Microbatch](4)
	matrel := newMemMatrel()
	output := &memOutput{}
	c := &Combiner{
		GroupID: 0, NumCombiners: 1, MaxWait: 10 * time.Millisecond, BatchSize: 4,
		Queue: q, Plans: &staticPlans{plans: map[int32]*plan.CombinePlan{1: cp}},
		Matrel: matrel, Output: output, Acks: &memAcks{acks: map[int64]*microbatch.Ack{}},
		Cache: groupcache.New(1 << 20), Log: zerolog.Nop(),
	}

	ctx := context.Background()
	mb1, _ := countPartial("a", cp)
	if err := q.Send(ctx, mb1); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := c.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce 1: %v", err)
	}

	mb2, _ := countPartial("a", cp)
	if err := q.Send(ctx, mb2); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := c.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce 2: %v", err)
	}

	var finalCount int64
	for _, row := range matrel.rows[1] {
		finalCount = row["c"].(int64)
	}
	if finalCount != 2 {
		t.Fatalf("expected combined count 2, got %d", finalCount)
	}
	if len(output.emits) != 2 {
		t.Fatalf("expected insert + update emits, got %d", len(output.emits))
	}
}

func TestSyncGroupDistinctAlwaysInserts(t *testing.T) {
	cp := &plan.CombinePlan{GroupBy: []string{"k"}, Distinct: true}
	q := ipc.NewQueue[microbatch.Microbatch](4)
	matrel := newMemMatrel()
	output := &memOutput{}
	c := &Combiner{
		GroupID: 0, NumCombiners: 1, MaxWait: 10 * time.Millisecond, BatchSize: 4,
		Queue: q, Plans: &staticPlans{plans: map[int32]*plan.CombinePlan{1: cp}},
		Matrel: matrel, Output: output, Acks: &memAcks{acks: map[int64]*microbatch.Ack{}},
		Cache: groupcache.New(1 << 20), Log: zerolog.Nop(),
	}

	ctx := context.Background()
	mb1, _ := countPartial("a", cp)
	if err := q.Send(ctx, mb1); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := c.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce 1: %v", err)
	}

	mb2, _ := countPartial("a", cp)
	if err := q.Send(ctx, mb2); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := c.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce 2: %v", err)
	}

	if len(matrel.rows[1]) != 2 {
		t.Fatalf("expected a distinct plan to insert a new row every sync, got %d rows", len(matrel.rows[1]))
	}
	if len(output.emits) != 2 || output.emits[0].old != nil || output.emits[1].old != nil {
		t.Fatalf("expected two insert emits with nil old, got %+v", output.emits)
	}
}

func TestCombineQueryUnknownPlanIsNoop(t *testing.T) {
	cp := countCombinePlan()
	mb, _ := countPartial("a", cp)
	q := ipc.NewQueue[microbatch.Microbatch](4)
	c := &Combiner{
		GroupID: 0, NumCombiners: 1, MaxWait: 10 * time.Millisecond, BatchSize: 4,
		Queue: q, Plans: &staticPlans{plans: map[int32]*plan.CombinePlan{}},
		Matrel: newMemMatrel(), Output: &memOutput{}, Acks: &memAcks{acks: map[int64]*microbatch.Ack{}},
		Cache: groupcache.New(1 << 20), Log: zerolog.Nop(),
	}
	ctx := context.Background()
	_ = q.Send(ctx, mb)
	if err := c.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
}

func TestAckCombinerTuplesOnSuccess(t *testing.T) {
	cp := countCombinePlan()
	mb, _ := countPartial("a", cp)
	ack := microbatch.NewAck()
	ack.SetExpected(1, 1)
	mb.AddAck(ack.ID())

	q := ipc.NewQueue[microbatch.Microbatch](4)
	c := &Combiner{
		GroupID: 0, NumCombiners: 1, MaxWait: 10 * time.Millisecond, BatchSize: 4,
		Queue: q, Plans: &staticPlans{plans: map[int32]*plan.CombinePlan{1: cp}},
		Matrel: newMemMatrel(), Output: &memOutput{},
		Acks:  &memAcks{acks: map[int64]*microbatch.Ack{ack.ID(): ack}},
		Cache: groupcache.New(1 << 20), Log: zerolog.Nop(),
	}
	ctx := context.Background()
	_ = q.Send(ctx, mb)
	if err := c.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	_, _, _, numCAcks := ack.Counts()
	if numCAcks != 1 {
		t.Fatalf("expected numCAcks=1, got %d", numCAcks)
	}
}

func TestAckCombinerTuplesCoalescesUntilCommitInterval(t *testing.T) {
	cp := countCombinePlan()
	mb, _ := countPartial("a", cp)
	ack := microbatch.NewAck()
	ack.SetExpected(1, 1)
	mb.AddAck(ack.ID())

	q := ipc.NewQueue[microbatch.Microbatch](4)
	c := &Combiner{
		GroupID: 0, NumCombiners: 1, MaxWait: 10 * time.Millisecond, BatchSize: 4,
		CommitInterval: time.Hour,
		Queue:          q, Plans: &staticPlans{plans: map[int32]*plan.CombinePlan{1: cp}},
		Matrel: newMemMatrel(), Output: &memOutput{},
		Acks:  &memAcks{acks: map[int64]*microbatch.Ack{ack.ID(): ack}},
		Cache: groupcache.New(1 << 20), Log: zerolog.Nop(),
	}
	ctx := context.Background()
	_ = q.Send(ctx, mb)
	if err := c.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if _, _, _, numCAcks := ack.Counts(); numCAcks != 0 {
		t.Fatalf("expected the ack to stay buffered under a long CommitInterval, got numCAcks=%d", numCAcks)
	}
	if len(c.pendingAcks) != 1 {
		t.Fatalf("expected 1 buffered ack, got %d", len(c.pendingAcks))
	}
}

func TestAckCombinerTuplesFlushesImmediatelyUnderSyncStreamInsert(t *testing.T) {
	cp := countCombinePlan()
	mb, _ := countPartial("a", cp)
	ack := microbatch.NewAck()
	ack.SetExpected(1, 1)
	mb.AddAck(ack.ID())

	q := ipc.NewQueue[microbatch.Microbatch](4)
	c := &Combiner{
		GroupID: 0, NumCombiners: 1, MaxWait: 10 * time.Millisecond, BatchSize: 4,
		CommitInterval: time.Hour, SyncStreamInsert: true,
		Queue: q, Plans: &staticPlans{plans: map[int32]*plan.CombinePlan{1: cp}},
		Matrel: newMemMatrel(), Output: &memOutput{},
		Acks:  &memAcks{acks: map[int64]*microbatch.Ack{ack.ID(): ack}},
		Cache: groupcache.New(1 << 20), Log: zerolog.Nop(),
	}
	ctx := context.Background()
	_ = q.Send(ctx, mb)
	if err := c.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if _, _, _, numCAcks := ack.Counts(); numCAcks != 1 {
		t.Fatalf("expected synchronous_stream_insert to flush this batch's ack immediately, got numCAcks=%d", numCAcks)
	}
}
