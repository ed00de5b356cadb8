package rsi

import "testing"

func TestIsStableBoundary(t *testing.T) {
	w := New(14)
	for i := 0; i < 14; i++ {
		w.Add(float64(100 + i))
		if w.IsStable() {
			t.Fatalf("expected not stable after %d closes", i+1)
		}
	}
	w.Add(115)
	if !w.IsStable() {
		t.Fatalf("expected stable after period+1 closes")
	}
	if w.Value() == nil {
		t.Fatalf("expected a value once stable")
	}
}

func TestReplaceIsIdempotentWithSameClose(t *testing.T) {
	a := New(5)
	b := New(5)
	closes := []float64{100, 101, 99, 102, 103, 101}
	for _, c := range closes {
		a.Add(c)
		b.Add(c)
	}

	a.Replace(105)
	a.Replace(105)
	b.Replace(105)

	if *a.Value() != *b.Value() {
		t.Fatalf("replaying the same replace twice changed state: %v vs %v", *a.Value(), *b.Value())
	}
}

func TestReplaceDoesNotBiasSubsequentAdd(t *testing.T) {
	// Replacing the forming bar several times with noise, then settling on a
	// final value, must produce the same state as having fed that final
	// value directly.
	direct := New(5)
	noisy := New(5)
	seed := []float64{100, 101, 99, 102, 103}
	for _, c := range seed {
		direct.Add(c)
		noisy.Add(c)
	}

	direct.Add(110)

	noisy.Add(90)
	noisy.Replace(95)
	noisy.Replace(80)
	noisy.Replace(110)

	if *direct.Value() != *noisy.Value() {
		t.Fatalf("replace biased the series: direct=%v noisy=%v", *direct.Value(), *noisy.Value())
	}

	direct.Add(107)
	noisy.Add(107)
	if *direct.Value() != *noisy.Value() {
		t.Fatalf("replace biased the next Add: direct=%v noisy=%v", *direct.Value(), *noisy.Value())
	}
}

func TestRollOverAfterReplace(t *testing.T) {
	w := New(3)
	w.Add(100)
	w.Add(101)
	w.Replace(102)
	w.Add(105) // rolls the forming bar into history and opens a new one
	if w.LastClose() != 105 {
		t.Fatalf("expected last close 105, got %v", w.LastClose())
	}
}

func TestDuplicateCloseIsNoop(t *testing.T) {
	w := New(5)
	for _, c := range []float64{100, 101, 99, 102, 103, 101} {
		w.Add(c)
	}
	before := *w.Value()
	w.Replace(101)
	after := *w.Value()
	if before != after {
		t.Fatalf("feeding the same close via replace changed state: %v -> %v", before, after)
	}
}
