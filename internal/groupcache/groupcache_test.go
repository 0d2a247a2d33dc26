package groupcache

import "testing"

func TestPutGetRoundTrip(t *testing.T) {
	c := New(1 << 20)
	c.Put([]byte("k1"), []byte("tuple-1"))
	v, ok := c.Get([]byte("k1"))
	if !ok || string(v) != "tuple-1" {
		t.Fatalf("expected to get back tuple-1, got %q ok=%v", v, ok)
	}
}

func TestPutTooLargeReturnsFalse(t *testing.T) {
	c := New(32)
	ok := c.Put([]byte("k"), make([]byte, 1000))
	if ok {
		t.Fatalf("expected put of oversized tuple to fail")
	}
	if _, hit := c.Get([]byte("k")); hit {
		t.Fatalf("expected oversized tuple not to be cached")
	}
}

func TestEvictsLRUTailUnderPressure(t *testing.T) {
	c := New(400)
	c.Put([]byte("a"), make([]byte, 50))
	c.Put([]byte("b"), make([]byte, 50))
	c.Put([]byte("c"), make([]byte, 50))

	// touch "a" so "b" becomes the LRU tail
	c.Get([]byte("a"))

	c.Put([]byte("d"), make([]byte, 200))

	if _, ok := c.Get([]byte("b")); ok {
		t.Fatalf("expected b to have been evicted")
	}
	if _, ok := c.Get([]byte("a")); !ok {
		t.Fatalf("expected a (recently touched) to survive eviction")
	}
	if _, ok := c.Get([]byte("d")); !ok {
		t.Fatalf("expected newly inserted d to be present")
	}
}

func TestDeleteRemovesEntryAndFreesSpace(t *testing.T) {
	c := New(300)
	c.Put([]byte("a"), make([]byte, 50))
	before := c.Available()
	c.Delete([]byte("a"))
	if _, ok := c.Get([]byte("a")); ok {
		t.Fatalf("expected a to be deleted")
	}
	if c.Available() <= before {
		t.Fatalf("expected available space to increase after delete")
	}
}

func TestPutOverwritesExistingKey(t *testing.T) {
	c := New(1 << 20)
	c.Put([]byte("k"), []byte("first"))
	c.Put([]byte("k"), []byte("second"))
	if c.Len() != 1 {
		t.Fatalf("expected 1 entry after overwrite, got %d", c.Len())
	}
	v, _ := c.Get([]byte("k"))
	if string(v) != "second" {
		t.Fatalf("expected overwritten value, got %q", v)
	}
}
