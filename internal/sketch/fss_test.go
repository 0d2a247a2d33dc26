package sketch

import "testing"

func assertSorted(t *testing.T, f *FSS[string]) {
	t.Helper()
	for i := 1; i < len(f.elements); i++ {
		prev, cur := f.elements[i-1], f.elements[i]
		if elementLess(cur, prev) {
			t.Fatalf("elements not sorted at index %d: %+v before %+v", i, prev, cur)
		}
	}
}

func TestFSSSortedAfterEveryIncrement(t *testing.T) {
	f := NewFSS[string](5)
	values := []string{"a", "b", "a", "c", "a", "b", "d", "a", "e", "f", "a", "a"}
	for _, v := range values {
		f.Increment(v, []byte(v))
		assertSorted(t, f)
	}
}

func TestFSSTopKFindsHeavyHitter(t *testing.T) {
	f := NewFSS[string](3)
	for i := 0; i < 100; i++ {
		f.Increment("heavy", []byte("heavy"))
	}
	for _, v := range []string{"x", "y", "z", "w"} {
		f.Increment(v, []byte(v))
	}
	top := f.TopK(1)
	if len(top) != 1 || top[0] != "heavy" {
		t.Fatalf("expected heavy hitter first, got %v", top)
	}
}

func TestFSSTopKRequestExceedsConfiguredKPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	f := NewFSS[string](2)
	f.TopK(3)
}

func TestFSSTotalTracksObservations(t *testing.T) {
	f := NewFSS[string](5)
	for i := 0; i < 10; i++ {
		f.Increment("a", []byte("a"))
	}
	if f.Total() != 10 {
		t.Fatalf("expected total 10, got %d", f.Total())
	}
}

func TestFSSMergeCombinesFrequencies(t *testing.T) {
	a := NewFSS[string](3)
	b := NewFSS[string](3)
	for i := 0; i < 10; i++ {
		a.Increment("x", []byte("x"))
	}
	for i := 0; i < 5; i++ {
		b.Increment("x", []byte("x"))
	}
	a.Merge(b)
	assertSorted(t, a)
	counts := a.TopKCounts(1)
	if len(counts) != 1 || counts[0] < 15 {
		t.Fatalf("expected merged frequency >= 15, got %v", counts)
	}
}
