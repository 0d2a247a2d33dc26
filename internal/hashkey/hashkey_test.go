package hashkey

import "testing"

func TestGroupHashDeterministic(t *testing.T) {
	h1 := GroupHash(Text("a"), Int64(1))
	h2 := GroupHash(Text("a"), Int64(1))
	if h1 != h2 {
		t.Fatalf("expected deterministic hash, got %d != %d", h1, h2)
	}
}

func TestGroupHashDistinguishesNullFromEmpty(t *testing.T) {
	h1 := GroupHash(NullValue())
	h2 := GroupHash(Text(""))
	if h1 == h2 {
		t.Fatalf("expected NULL and empty string to hash differently")
	}
}

func TestGroupHashOrderMatters(t *testing.T) {
	h1 := GroupHash(Text("a"), Text("b"))
	h2 := GroupHash(Text("b"), Text("a"))
	if h1 == h2 {
		t.Fatalf("expected column order to affect hash")
	}
}

func TestCombinerShardIsStable(t *testing.T) {
	h := GroupHash(Text("k1"))
	c1 := Combiner(h, 4)
	c2 := Combiner(h, 4)
	if c1 != c2 {
		t.Fatalf("expected stable combiner assignment")
	}
	if c1 < 0 || c1 >= 4 {
		t.Fatalf("combiner index out of range: %d", c1)
	}
}

func TestWorkerSharding(t *testing.T) {
	for q := int32(0); q < 10; q++ {
		w := Worker(q, 3)
		if w < 0 || w >= 3 {
			t.Fatalf("worker index out of range: %d", w)
		}
		if w != int(uint32(q)%3) {
			t.Fatalf("worker(%d) = %d, want %d", q, w, uint32(q)%3)
		}
	}
}
