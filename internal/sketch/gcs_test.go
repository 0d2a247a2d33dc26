package sketch

import "testing"

func keyFor(i int) []byte {
	return []byte{byte(i), byte(i >> 8), byte(i >> 16), byte(i >> 24)}
}

func TestGCSValuesStrictlyAscendingAfterCompress(t *testing.T) {
	g := NewGolombCodedSetWithPAndN(0.02, 1000)
	for i := 0; i < 200; i++ {
		g.Add(keyFor(i))
	}
	g.Compress()

	vals := g.Values()
	for i := 1; i < len(vals); i++ {
		if vals[i] <= vals[i-1] {
			t.Fatalf("expected strictly ascending values, got %d then %d at index %d", vals[i-1], vals[i], i)
		}
	}
}

func TestGCSPendingEmptyAfterCompress(t *testing.T) {
	g := NewGolombCodedSetWithPAndN(0.02, 1000)
	g.Add(keyFor(1))
	g.Add(keyFor(2))
	if g.PendingCount() != 2 {
		t.Fatalf("expected 2 pending values, got %d", g.PendingCount())
	}
	g.Compress()
	if g.PendingCount() != 0 {
		t.Fatalf("expected pending to be empty after compress, got %d", g.PendingCount())
	}
}

func TestGCSContainsAddedValues(t *testing.T) {
	g := NewGolombCodedSetWithPAndN(0.02, 1000)
	for i := 0; i < 100; i++ {
		g.Add(keyFor(i))
	}
	for i := 0; i < 100; i++ {
		if !g.Contains(keyFor(i)) {
			t.Fatalf("expected gcs to contain key %d", i)
		}
	}
}

func TestGCSRepeatedCompressNoDuplicates(t *testing.T) {
	g := NewGolombCodedSetWithPAndN(0.02, 1000)
	for i := 0; i < 50; i++ {
		g.Add(keyFor(i))
	}
	g.Compress()
	for i := 50; i < 100; i++ {
		g.Add(keyFor(i))
	}
	g.Compress()

	vals := g.Values()
	seen := make(map[int64]bool)
	for _, v := range vals {
		if seen[v] {
			t.Fatalf("found duplicate value %d after repeated compress", v)
		}
		seen[v] = true
	}
}

func TestGCSUnionMergesDistinctValues(t *testing.T) {
	a := NewGolombCodedSetWithPAndN(0.02, 1000)
	b := NewGolombCodedSetWithPAndN(0.02, 1000)
	for i := 0; i < 50; i++ {
		a.Add(keyFor(i))
	}
	for i := 50; i < 100; i++ {
		b.Add(keyFor(i))
	}
	a.Union(b)
	for i := 0; i < 100; i++ {
		if !a.Contains(keyFor(i)) {
			t.Fatalf("expected union to contain key %d", i)
		}
	}
}
