package sketch

import (
	"fmt"
	"testing"
)

func TestBloomContainsAllAdded(t *testing.T) {
	b := NewBloomWithPAndN(0.01, 10000)
	for i := uint64(0); i < 5000; i++ {
		b.Add(i)
	}
	for i := uint64(0); i < 5000; i++ {
		if !b.Contains(i) {
			t.Fatalf("expected bloom filter to contain %d", i)
		}
	}
}

func TestBloomFalsePositiveRateNearTarget(t *testing.T) {
	const n = 20000
	const p = 0.03
	b := NewBloomWithPAndN(p, n)
	for i := uint64(0); i < n; i++ {
		b.Add(i)
	}
	falsePositives := 0
	trials := 20000
	for i := uint64(n); i < uint64(n+trials); i++ {
		if b.Contains(i) {
			falsePositives++
		}
	}
	rate := float64(falsePositives) / float64(trials)
	if rate > p*3 {
		t.Fatalf("false positive rate %f far exceeds target %f", rate, p)
	}
}

func TestBloomUnionMismatchedSizesPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on mismatched union")
		}
	}()
	a := NewBloomWithPAndN(0.01, 100)
	b := NewBloomWithPAndN(0.01, 200)
	a.Union(b)
}

func TestBloomUnionCombinesMembership(t *testing.T) {
	a := NewBloomWithPAndN(0.01, 1000)
	b := NewBloomWithPAndN(0.01, 1000)
	a.Add(1)
	b.Add(2)
	a.Union(b)
	if !a.Contains(1) || !a.Contains(2) {
		t.Fatalf("expected union to contain both members")
	}
}

func TestBloomCardinalityEstimateReasonable(t *testing.T) {
	const n = 10000
	b := NewBloomWithPAndN(0.01, n)
	for i := uint64(0); i < n; i++ {
		b.Add(i)
	}
	est := b.Cardinality()
	diff := est - n
	if diff < 0 {
		diff = -diff
	}
	if diff > n*0.1 {
		t.Fatalf("cardinality estimate %f too far from %d", est, n)
	}
}

func TestBloomMarshalBinaryRoundTrip(t *testing.T) {
	a := NewBloomWithPAndN(0.01, 1000)
	a.Add(1)
	a.Add(2)
	a.Add(3)

	data, err := a.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	b := &Bloom{}
	if err := b.UnmarshalBinary(data); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}

	for _, v := range []uint64{1, 2, 3} {
		if !b.Contains(v) {
			t.Fatalf("expected round-tripped filter to contain %d", v)
		}
	}
	m1, k1 := a.Size()
	m2, k2 := b.Size()
	if m1 != m2 || k1 != k2 {
		t.Fatalf("expected (m,k) to survive round trip: got (%d,%d) vs (%d,%d)", m1, k1, m2, k2)
	}
}

func ExampleBloom_Add() {
	b := NewBloom()
	b.Add(42)
	fmt.Println(b.Contains(42))
	// Output: true
}
