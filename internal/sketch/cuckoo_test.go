package sketch

import (
	"fmt"
	"testing"
)

func TestCuckooContainsAllInserted(t *testing.T) {
	c := NewCuckooFilterWithBuckets(4096)
	for i := 0; i < 2000; i++ {
		key := keyFor(i)
		if !c.Insert(key) {
			t.Fatalf("insert failed for key %d before filter should be full", i)
		}
	}
	for i := 0; i < 2000; i++ {
		if !c.Contains(keyFor(i)) {
			t.Fatalf("expected cuckoo filter to contain key %d", i)
		}
	}
}

func TestCuckooRemoveThenNotContains(t *testing.T) {
	c := NewCuckooFilterWithBuckets(1024)
	key := keyFor(7)
	c.Insert(key)
	if !c.Contains(key) {
		t.Fatalf("expected filter to contain key after insert")
	}
	if !c.Remove(key) {
		t.Fatalf("expected remove to report success")
	}
	if c.Contains(key) {
		t.Fatalf("expected filter to no longer contain key after remove")
	}
}

func TestCuckooRemoveMissingKeyReturnsFalse(t *testing.T) {
	c := NewCuckooFilterWithBuckets(1024)
	if c.Remove(keyFor(99)) {
		t.Fatalf("expected remove of absent key to return false")
	}
}

func TestCuckooCountTracksInsertsAndRemoves(t *testing.T) {
	c := NewCuckooFilterWithBuckets(1024)
	c.Insert(keyFor(1))
	c.Insert(keyFor(2))
	if c.Count() != 2 {
		t.Fatalf("expected count 2, got %d", c.Count())
	}
	c.Remove(keyFor(1))
	if c.Count() != 1 {
		t.Fatalf("expected count 1 after remove, got %d", c.Count())
	}
}

func TestCuckooLoadFactorBounded(t *testing.T) {
	c := NewCuckooFilterWithBuckets(1024)
	for i := 0; i < 100; i++ {
		c.Insert(keyFor(i))
	}
	lf := c.LoadFactor()
	if lf < 0 || lf > 1 {
		t.Fatalf("load factor out of range: %f", lf)
	}
}

func ExampleCuckooFilter_Insert() {
	c := NewCuckooFilter()
	c.Insert([]byte("group-key"))
	fmt.Println(c.Contains([]byte("group-key")))
	// Output: true
}
