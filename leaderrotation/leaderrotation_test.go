package leaderrotation

import (
	"testing"

	"github.com/solumlabs/qcchain"
)

var names = []qcchain.Name{"r0", "r1", "r2", "r3"}

func TestRoundRobinCyclesAllNames(t *testing.T) {
	rr := NewRoundRobin(names)
	seen := make(map[qcchain.Name]int)
	for view := uint64(0); view < 8; view++ {
		seen[rr.Leader(view)]++
	}
	for _, name := range names {
		if seen[name] != 2 {
			t.Errorf("%s led %d view(s) out of 8, want 2", name, seen[name])
		}
	}
	if rr.Leader(1) != rr.Leader(5) {
		t.Error("round-robin is not periodic in the view number")
	}
}

func TestFixed(t *testing.T) {
	f := NewFixed("r2")
	for view := uint64(0); view < 4; view++ {
		if got := f.Leader(view); got != "r2" {
			t.Errorf("Leader(%d) = %s, want r2", view, got)
		}
	}
}

func TestWeightedIsDeterministicPerSeed(t *testing.T) {
	entries := []WeightedEntry{{"r0", 1}, {"r1", 2}, {"r2", 3}}

	a, err := NewWeighted(entries, 42)
	if err != nil {
		t.Fatalf("NewWeighted failed: %v", err)
	}
	b, err := NewWeighted(entries, 42)
	if err != nil {
		t.Fatalf("NewWeighted failed: %v", err)
	}
	for view := uint64(0); view < 16; view++ {
		if x, y := a.Leader(view), b.Leader(view); x != y {
			t.Fatalf("same seed diverged at view %d: %s vs %s", view, x, y)
		}
	}
}

func TestWeightedRejectsEmptyEntries(t *testing.T) {
	if _, err := NewWeighted(nil, 1); err == nil {
		t.Error("NewWeighted accepted an empty entry list")
	}
}
