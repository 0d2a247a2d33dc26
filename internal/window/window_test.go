package window

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pgstream/cqengine/internal/plan"
)

type recordedEmit struct {
	old, new plan.Row
}

type memOutput struct {
	emits []recordedEmit
}

func (o *memOutput) Emit(ctx context.Context, queryID int32, old, newRow plan.Row) error {
	o.emits = append(o.emits, recordedEmit{old, newRow})
	return nil
}

func sumOverlay() *plan.OverlayPlan {
	return &plan.OverlayPlan{
		GroupBy:    []string{"k"},
		Aggregates: []plan.AggSpec{{OutputColumn: "sum", Func: plan.SumAgg{}}},
	}
}

func stepRow(k string, v float64) plan.Row {
	agg := plan.SumAgg{}
	return plan.Row{"k": k, "sum": agg.Transition(agg.Init(), v)}
}

func TestWindowTickExpiresAgedOutSteps(t *testing.T) {
	base := time.Unix(0, 0)
	out := &memOutput{}
	w := &Window{
		QueryID:  1,
		Interval: 5 * time.Second,
		Step:     time.Second,
		Overlay:  sumOverlay(),
		Output:   out,
		Log:      zerolog.Nop(),
	}

	if err := w.AddStep(stepRow("a", 10), base); err != nil {
		t.Fatalf("AddStep: %v", err)
	}
	if err := w.Tick(context.Background(), base.Add(4500*time.Millisecond)); err != nil {
		t.Fatalf("Tick 1: %v", err)
	}
	if len(out.emits) != 1 || out.emits[0].old != nil {
		t.Fatalf("expected 1 insert emit, got %+v", out.emits)
	}
	if got := out.emits[0].new["sum"].(float64); got != 10 {
		t.Fatalf("expected sum=10, got %v", got)
	}

	if err := w.AddStep(stepRow("a", 20), base.Add(4*time.Second)); err != nil {
		t.Fatalf("AddStep: %v", err)
	}
	if err := w.Tick(context.Background(), base.Add(6*time.Second)); err != nil {
		t.Fatalf("Tick 2: %v", err)
	}
	if len(out.emits) != 2 {
		t.Fatalf("expected 2 emits after tick 2, got %d", len(out.emits))
	}
	if got := out.emits[1].new["sum"].(float64); got != 20 {
		t.Fatalf("expected sum=20 after the t=0 step ages out, got %v", got)
	}

	if err := w.Tick(context.Background(), base.Add(10*time.Second)); err != nil {
		t.Fatalf("Tick 3: %v", err)
	}
	if len(out.emits) != 3 {
		t.Fatalf("expected 3 emits after final tick, got %d", len(out.emits))
	}
	last := out.emits[2]
	if last.new != nil {
		t.Fatalf("expected expiry emit with nil new, got %+v", last.new)
	}
	if got := last.old["sum"].(float64); got != 20 {
		t.Fatalf("expected expiry emit's old sum=20, got %v", got)
	}
}

func TestWindowAddStepEnforcesMemoryCap(t *testing.T) {
	w := &Window{
		QueryID:     1,
		Interval:    time.Second,
		Step:        time.Second,
		Overlay:     sumOverlay(),
		Output:      &memOutput{},
		MaxStepRows: 1,
		Log:         zerolog.Nop(),
	}
	if err := w.AddStep(stepRow("a", 1), time.Unix(0, 0)); err != nil {
		t.Fatalf("AddStep 1: %v", err)
	}
	if err := w.AddStep(stepRow("b", 1), time.Unix(0, 0)); err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}
}

func TestSetMinStepAndTickDue(t *testing.T) {
	s := NewSet()
	w1 := &Window{QueryID: 1, Interval: time.Minute, Step: 2 * time.Second, Overlay: sumOverlay(), Output: &memOutput{}, Log: zerolog.Nop()}
	w2 := &Window{QueryID: 2, Interval: time.Minute, Step: 5 * time.Second, Overlay: sumOverlay(), Output: &memOutput{}, Log: zerolog.Nop()}
	s.Register(w1)
	s.Register(w2)

	if got := s.MinStep(); got != 2*time.Second {
		t.Fatalf("expected min step 2s, got %v", got)
	}

	now := time.Unix(100, 0)
	if errs := s.TickDue(context.Background(), now); len(errs) != 0 {
		t.Fatalf("unexpected tick errors: %v", errs)
	}
	if last, ok := s.lastTick[1]; !ok || !last.Equal(now) {
		t.Fatalf("expected window 1 ticked at %v, got %v (ok=%v)", now, last, ok)
	}
	if errs := s.TickDue(context.Background(), now.Add(time.Second)); len(errs) != 0 {
		t.Fatalf("unexpected tick errors: %v", errs)
	}
	if last := s.lastTick[2]; !last.Equal(now) {
		t.Fatalf("expected window 2 (step=5s) not re-ticked after only 1s, got %v", last)
	}
}
