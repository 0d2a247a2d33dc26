package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNicenessBounds(t *testing.T) {
	if n := Niceness(0); n != 20 {
		t.Fatalf("expected niceness 20 at p=0, got %d", n)
	}
	if n := Niceness(1); n != defaultNice {
		t.Fatalf("expected niceness %d at p=1, got %d", defaultNice, n)
	}
	if n := Niceness(-5); n != 20 {
		t.Fatalf("expected clamping of negative p, got %d", n)
	}
	if n := Niceness(5); n != defaultNice {
		t.Fatalf("expected clamping of p>1, got %d", n)
	}
}

func TestGroupRunsWorkersAndCombiners(t *testing.T) {
	var workerCalls, combinerCalls atomic.Int64

	workerTask := func(ctx context.Context, dbID int64, role Role, groupID int) error {
		workerCalls.Add(1)
		time.Sleep(time.Millisecond)
		return nil
	}
	combinerTask := func(ctx context.Context, dbID int64, role Role, groupID int) error {
		combinerCalls.Add(1)
		time.Sleep(time.Millisecond)
		return nil
	}

	s := New(2, 1, true, zerolog.Nop(), workerTask, combinerTask)
	ctx, cancel := context.WithCancel(context.Background())
	s.Refresh(ctx, []int64{1})

	time.Sleep(20 * time.Millisecond)
	cancel()
	s.Shutdown()

	if workerCalls.Load() == 0 {
		t.Fatalf("expected worker task to run")
	}
	if combinerCalls.Load() == 0 {
		t.Fatalf("expected combiner task to run")
	}
}

func TestSoftActivationPausesSlots(t *testing.T) {
	var calls atomic.Int64
	task := func(ctx context.Context, dbID int64, role Role, groupID int) error {
		calls.Add(1)
		return nil
	}

	s := New(1, 0, true, zerolog.Nop(), task, task)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Refresh(ctx, []int64{1})

	g, ok := s.Group(1)
	if !ok {
		t.Fatalf("expected group to be registered")
	}
	g.SetActive(false)
	time.Sleep(5 * time.Millisecond)
	before := calls.Load()
	time.Sleep(20 * time.Millisecond)
	after := calls.Load()
	if after > before+2 {
		t.Fatalf("expected slot to pause while inactive: before=%d after=%d", before, after)
	}
}

func TestTerminateUnknownGroupErrors(t *testing.T) {
	s := New(1, 1, true, zerolog.Nop(), nil, nil)
	if err := s.Terminate(999); err == nil {
		t.Fatalf("expected error terminating unregistered group")
	}
}
