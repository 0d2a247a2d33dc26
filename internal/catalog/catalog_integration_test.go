package catalog

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/pgstream/cqengine/internal/trigger"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("CQENGINE_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CQENGINE_POSTGRES_DSN not set; skipping catalog integration test")
	}
	db, err := Open(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	if err := EnsureSchema(ctx, db); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if err := EnsureTriggerSchema(ctx, db); err != nil {
		t.Fatalf("EnsureTriggerSchema: %v", err)
	}
	return db
}

func TestStoreCreateGetListAndGC(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	ctx := context.Background()
	s := New(db)

	cq := ContinuousQuery{
		ID:              101,
		MatrelRef:       "public.cq101_mrel0",
		OSRelRef:        "public.cq101_osrel",
		HashExpr:        "k",
		IsSlidingWindow: true,
		SWStepMs:        1000,
		SWIntervalMs:    60000,
		SWArrivalAttr:   "arrival_ts",
	}
	if err := s.CreateCQ(ctx, cq); err != nil {
		t.Fatalf("CreateCQ: %v", err)
	}

	got, ok, err := s.GetCQ(ctx, 101)
	if err != nil || !ok {
		t.Fatalf("GetCQ: %v ok=%v", err, ok)
	}
	if got.MatrelRef != cq.MatrelRef || got.SWStepMs != cq.SWStepMs {
		t.Fatalf("unexpected cq: %+v", got)
	}

	list, err := s.ListCQs(ctx)
	if err != nil {
		t.Fatalf("ListCQs: %v", err)
	}
	found := false
	for _, c := range list {
		if c.ID == 101 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected cq 101 in list, got %+v", list)
	}

	if err := s.MarkForGC(ctx, 101); err != nil {
		t.Fatalf("MarkForGC: %v", err)
	}
	_, ok, err = s.GetCQ(ctx, 101)
	if err != nil || !ok {
		t.Fatalf("GetCQ after gc mark: %v ok=%v", err, ok)
	}
	list, err = s.ListCQs(ctx)
	if err != nil {
		t.Fatalf("ListCQs after gc mark: %v", err)
	}
	for _, c := range list {
		if c.ID == 101 {
			t.Fatalf("expected cq 101 excluded from live list after gc mark")
		}
	}

	n, err := s.SweepGC(ctx)
	if err != nil {
		t.Fatalf("SweepGC: %v", err)
	}
	if n < 1 {
		t.Fatalf("expected at least 1 row swept, got %d", n)
	}
	_, ok, err = s.GetCQ(ctx, 101)
	if err != nil {
		t.Fatalf("GetCQ after sweep: %v", err)
	}
	if ok {
		t.Fatalf("expected cq 101 gone after sweep")
	}
}

func TestStoreDatabaseRegistration(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	ctx := context.Background()
	s := New(db)

	if err := s.RegisterDatabase(ctx, 555, true); err != nil {
		t.Fatalf("RegisterDatabase: %v", err)
	}
	ids, err := s.EnabledDatabaseIDs(ctx)
	if err != nil {
		t.Fatalf("EnabledDatabaseIDs: %v", err)
	}
	found := false
	for _, id := range ids {
		if id == 555 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected db 555 enabled, got %v", ids)
	}

	if err := s.RegisterDatabase(ctx, 555, false); err != nil {
		t.Fatalf("RegisterDatabase disable: %v", err)
	}
	ids, err = s.EnabledDatabaseIDs(ctx)
	if err != nil {
		t.Fatalf("EnabledDatabaseIDs: %v", err)
	}
	for _, id := range ids {
		if id == 555 {
			t.Fatalf("expected db 555 no longer enabled")
		}
	}

	if err := s.RemoveDatabase(ctx, 555); err != nil {
		t.Fatalf("RemoveDatabase: %v", err)
	}
}

func TestTriggerStoreRegisterAndDiff(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	ctx := context.Background()

	queries := New(db)
	cq := ContinuousQuery{ID: 202, MatrelRef: "public.cq202_mrel0", HashExpr: "k"}
	if err := queries.CreateCQ(ctx, cq); err != nil {
		t.Fatalf("CreateCQ: %v", err)
	}

	triggers := NewTriggerStore(db, queries)
	tr := trigger.Trigger{
		OID:    9001,
		Name:   "t1",
		CVName: "q",
		CVID:   202,
		Events: trigger.EventInsert | trigger.EventUpdate,
	}
	if err := triggers.RegisterTrigger(ctx, tr, 202); err != nil {
		t.Fatalf("RegisterTrigger: %v", err)
	}

	got, ok, err := triggers.TriggersFor(ctx, 202)
	if err != nil {
		t.Fatalf("TriggersFor: %v", err)
	}
	if !ok || len(got) != 1 || got[0].OID != 9001 {
		t.Fatalf("unexpected triggers: ok=%v got=%+v", ok, got)
	}
	if !got[0].Matches(trigger.ChangeInsert) || !got[0].Matches(trigger.ChangeUpdate) {
		t.Fatalf("expected insert+update events, got %+v", got[0])
	}

	if err := triggers.DropTrigger(ctx, 9001); err != nil {
		t.Fatalf("DropTrigger: %v", err)
	}
	got, ok, err = triggers.TriggersFor(ctx, 202)
	if err != nil {
		t.Fatalf("TriggersFor after drop: %v", err)
	}
	if !ok || len(got) != 0 {
		t.Fatalf("expected no live triggers after drop, got %+v", got)
	}

	if err := queries.MarkForGC(ctx, 202); err != nil {
		t.Fatalf("MarkForGC: %v", err)
	}
	_, ok, err = triggers.TriggersFor(ctx, 202)
	if err != nil {
		t.Fatalf("TriggersFor after cq gc: %v", err)
	}
	if ok {
		t.Fatalf("expected matrel 202 no longer a live CQ after gc mark")
	}
}
