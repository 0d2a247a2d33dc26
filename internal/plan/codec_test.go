package plan

import "testing"

func TestEncodeDecodeRowRoundTripPreservesIntVsFloat(t *testing.T) {
	cp := &CombinePlan{
		GroupBy:    []string{"k"},
		Aggregates: []AggSpec{{OutputColumn: "count", Func: CountAgg{}}},
	}
	row := Row{"k": "a", "count": int64(7)}

	encoded, err := cp.EncodeRow(row)
	if err != nil {
		t.Fatalf("EncodeRow: %v", err)
	}
	decoded, err := cp.DecodeRow(encoded)
	if err != nil {
		t.Fatalf("DecodeRow: %v", err)
	}
	if decoded["k"] != "a" {
		t.Fatalf("expected k=a, got %v", decoded["k"])
	}
	if _, ok := decoded["count"].(int64); !ok {
		t.Fatalf("expected count to decode as int64, got %T", decoded["count"])
	}
	if decoded["count"].(int64) != 7 {
		t.Fatalf("expected count=7, got %v", decoded["count"])
	}
}

func TestEncodeDecodeRowRoundTripsDistinctCountSketchState(t *testing.T) {
	agg := DistinctCountAgg{ExpectedN: 100}
	cp := &CombinePlan{
		GroupBy:    []string{"k"},
		Aggregates: []AggSpec{{OutputColumn: "distinct", Func: agg}},
	}

	state := agg.Init()
	state = agg.Transition(state, "x")
	state = agg.Transition(state, "y")
	row := Row{"k": "a", "distinct": state}

	encoded, err := cp.EncodeRow(row)
	if err != nil {
		t.Fatalf("EncodeRow: %v", err)
	}
	decoded, err := cp.DecodeRow(encoded)
	if err != nil {
		t.Fatalf("DecodeRow: %v", err)
	}

	// The decoded transition state must still behave as a live accumulator:
	// combining a fresh "y" observation must not double count it.
	merged := agg.Combine(decoded["distinct"], func() any {
		s := agg.Init()
		return agg.Transition(s, "y")
	}())
	if count := agg.Finalize(merged).(int64); count != 2 {
		t.Fatalf("expected 2 distinct values after round trip + combine, got %d", count)
	}
}

func TestDecodeRowRejectsShapeMismatch(t *testing.T) {
	cp := &CombinePlan{
		GroupBy:    []string{"k"},
		Aggregates: []AggSpec{{OutputColumn: "count", Func: CountAgg{}}},
	}
	encoded, err := cp.EncodeRow(Row{"k": "a", "count": int64(1)})
	if err != nil {
		t.Fatalf("EncodeRow: %v", err)
	}

	wrongShape := &CombinePlan{
		GroupBy:    []string{"k", "k2"},
		Aggregates: []AggSpec{{OutputColumn: "count", Func: CountAgg{}}},
	}
	if _, err := wrongShape.DecodeRow(encoded); err == nil {
		t.Fatalf("expected error decoding with mismatched group-by shape")
	}
}
