package egress

import "testing"

func TestPoolWRRDistributesByWeight(t *testing.T) {
	a := NewSource("a", 5)
	b := NewSource("b", 1)
	c := NewSource("c", 1)
	p := NewPool("test", []*Source{a, b, c})

	counts := map[string]int{}
	const rounds = 700 // 100 full cycles of weight-sum 7
	for i := 0; i < rounds; i++ {
		s := p.Next()
		if s == nil {
			t.Fatal("Next returned nil with positive weights")
		}
		counts[s.Name()]++
	}

	// Over many cycles each source's share should converge to its
	// weight/total proportion: a=5/7, b=1/7, c=1/7.
	wantA := rounds * 5 / 7
	if diff := abs(counts["a"] - wantA); diff > rounds/20 {
		t.Errorf("source a got %d selections, want close to %d", counts["a"], wantA)
	}
	if counts["b"] == 0 || counts["c"] == 0 {
		t.Errorf("low-weight sources starved: b=%d c=%d", counts["b"], counts["c"])
	}
}

func TestPoolWRRSkipsZeroWeightSource(t *testing.T) {
	a := NewSource("a", 1)
	b := NewSource("b", 0)
	p := NewPool("test", []*Source{a, b})

	for i := 0; i < 20; i++ {
		s := p.Next()
		if s == nil {
			t.Fatal("Next returned nil")
		}
		if s.Name() == "b" {
			t.Fatal("zero-weight source should never be selected")
		}
	}
}

func TestPoolNextNilWhenEmpty(t *testing.T) {
	p := NewPool("empty", nil)
	if s := p.Next(); s != nil {
		t.Fatalf("expected nil from empty pool, got %v", s)
	}
}

func TestPoolSetWeightRebalances(t *testing.T) {
	a := NewSource("a", 1)
	b := NewSource("b", 1)
	p := NewPool("test", []*Source{a, b})

	if !p.SetWeight("b", 0) {
		t.Fatal("SetWeight should find source b")
	}

	for i := 0; i < 10; i++ {
		s := p.Next()
		if s.Name() != "a" {
			t.Fatalf("expected only source a to be selected after disabling b, got %s", s.Name())
		}
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
