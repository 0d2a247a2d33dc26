package trigger

import "testing"

func TestCacheEntryDiffAddsAndRemoves(t *testing.T) {
	e := newCacheEntry(1)

	added, removed := e.Diff([]Trigger{{OID: 10, Name: "t1", Events: EventInsert}})
	if len(added) != 1 || len(removed) != 0 {
		t.Fatalf("expected 1 added, 0 removed, got %d/%d", len(added), len(removed))
	}
	if len(e.Triggers) != 1 {
		t.Fatalf("expected 1 tracked trigger, got %d", len(e.Triggers))
	}

	added, removed = e.Diff([]Trigger{{OID: 20, Name: "t2", Events: EventUpdate}})
	if len(added) != 1 || added[0].OID != 20 {
		t.Fatalf("expected t2 added, got %+v", added)
	}
	if len(removed) != 1 || removed[0].OID != 10 {
		t.Fatalf("expected t1 removed, got %+v", removed)
	}
	if len(e.Triggers) != 1 {
		t.Fatalf("expected 1 tracked trigger after replace, got %d", len(e.Triggers))
	}
}

func TestCacheEntryDiffNoChange(t *testing.T) {
	e := newCacheEntry(1)
	e.Diff([]Trigger{{OID: 10, Name: "t1", Events: EventInsert}})
	added, removed := e.Diff([]Trigger{{OID: 10, Name: "t1", Events: EventInsert}})
	if len(added) != 0 || len(removed) != 0 {
		t.Fatalf("expected no diff on identical trigger set, got added=%+v removed=%+v", added, removed)
	}
}

func TestCacheRemoveAndMatrelIDs(t *testing.T) {
	c := NewCache()
	c.EntryFor(1)
	c.EntryFor(2)
	if ids := c.MatrelIDs(); len(ids) != 2 {
		t.Fatalf("expected 2 matrels, got %d", len(ids))
	}
	c.Remove(1)
	ids := c.MatrelIDs()
	if len(ids) != 1 || ids[0] != 2 {
		t.Fatalf("expected only matrel 2 remaining, got %+v", ids)
	}
}

func TestTriggerMatches(t *testing.T) {
	tr := Trigger{Events: EventInsert}
	if !tr.Matches(ChangeInsert) {
		t.Fatalf("expected insert trigger to match ChangeInsert")
	}
	if tr.Matches(ChangeUpdate) {
		t.Fatalf("expected insert-only trigger not to match ChangeUpdate")
	}
}
