package gateway

import "testing"

func TestEmptyWindowInsufficientData(t *testing.T) {
	lw := NewLatencyWindow(100)
	result := lw.Evaluate(1_000_000)
	if result.Kind != InsufficientData || result.SampleCount != 0 || result.MinRequired != 200 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestBelowMinEventsInsufficient(t *testing.T) {
	lw := NewLatencyWindow(100)
	base := uint64(1_000_000)
	for i := uint64(0); i < 50; i++ {
		lw.Record(10, base+i)
	}
	result := lw.Evaluate(base + 50)
	if result.Kind != InsufficientData || result.SampleCount != 50 || result.MinRequired != 200 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestHealthyP95WithinSLO(t *testing.T) {
	lw := NewLatencyWindow(100)
	base := uint64(1_000_000)
	for i := uint64(0); i < 200; i++ {
		lw.Record(50, base+i)
	}
	result := lw.Evaluate(base + 200)
	if result.Kind != Healthy || result.P95Ms != 50 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestP95CalculationAccuracy(t *testing.T) {
	lw := NewLatencyWindowWithConfig(200, 600_000, 100, 3)
	base := uint64(1_000_000)
	for i := uint64(1); i <= 100; i++ {
		lw.Record(i, base+i)
	}
	result := lw.Evaluate(base + 101)
	if result.Kind != Healthy || result.P95Ms != 95 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestBreachOnHighP95(t *testing.T) {
	lw := NewLatencyWindowWithConfig(100, 600_000, 200, 3)
	base := uint64(1_000_000)
	for i := uint64(0); i < 180; i++ {
		lw.Record(10, base+i)
	}
	for i := uint64(180); i < 200; i++ {
		lw.Record(500, base+i)
	}
	result := lw.Evaluate(base + 200)
	if result.Kind != Breached || result.P95Ms != 500 || result.Consecutive != 1 || result.Threshold != 3 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestConsecutiveBreachIncrements(t *testing.T) {
	lw := NewLatencyWindowWithConfig(100, 600_000, 10, 5)
	base := uint64(1_000_000)

	for i := uint64(0); i < 10; i++ {
		lw.Record(200, base+i)
	}
	r1 := lw.Evaluate(base + 10)
	if r1.Kind != Breached || r1.P95Ms != 200 || r1.Consecutive != 1 || r1.Threshold != 5 {
		t.Fatalf("unexpected r1 %+v", r1)
	}

	for i := uint64(10); i < 20; i++ {
		lw.Record(200, base+i)
	}
	r2 := lw.Evaluate(base + 20)
	if r2.Kind != Breached || r2.P95Ms != 200 || r2.Consecutive != 2 || r2.Threshold != 5 {
		t.Fatalf("unexpected r2 %+v", r2)
	}
}

func TestDegradedAfterThreeBreaches(t *testing.T) {
	lw := NewLatencyWindowWithConfig(100, 600_000, 10, 3)
	base := uint64(1_000_000)

	for eval := uint64(0); eval < 3; eval++ {
		offset := eval * 10
		for i := uint64(0); i < 10; i++ {
			lw.Record(200, base+offset+i)
		}
		result := lw.Evaluate(base + offset + 10)
		if eval < 2 {
			if result.Kind != Breached {
				t.Fatalf("expected breached at eval %d, got %+v", eval, result)
			}
		} else {
			if result.Kind != LatencyDegraded || result.P95Ms != 200 || result.Consecutive != 3 {
				t.Fatalf("unexpected final result %+v", result)
			}
		}
	}
}

func TestHealthyResetsBreachCount(t *testing.T) {
	lw3 := NewLatencyWindowWithConfig(100, 100, 10, 3)
	base3 := uint64(3_000_000)
	for i := uint64(0); i < 10; i++ {
		lw3.Record(200, base3+i)
	}
	lw3.Evaluate(base3 + 10)
	if lw3.ConsecutiveBreaches() != 1 {
		t.Fatalf("expected 1 breach")
	}

	for i := uint64(0); i < 10; i++ {
		lw3.Record(50, base3+200+i)
	}
	result := lw3.Evaluate(base3 + 210)
	if result.Kind != Healthy || result.P95Ms != 50 {
		t.Fatalf("unexpected result %+v", result)
	}
	if lw3.ConsecutiveBreaches() != 0 {
		t.Fatalf("expected breach count reset")
	}
}

func TestOldSamplesPruned(t *testing.T) {
	lw := NewLatencyWindowWithConfig(100, 1000, 1, 3)
	lw.Record(50, 100)
	if lw.SampleCount() != 1 {
		t.Fatalf("expected 1 sample")
	}
	lw.Evaluate(1200)
	if lw.SampleCount() != 0 {
		t.Fatalf("expected sample pruned")
	}
}

func TestWindowPruningLeavesRecent(t *testing.T) {
	lw := NewLatencyWindowWithConfig(100, 1000, 1, 3)
	lw.Record(50, 100)
	lw.Record(60, 1100)
	lw.Record(70, 1150)
	if lw.SampleCount() != 3 {
		t.Fatalf("expected 3 samples")
	}
	result := lw.Evaluate(1200)
	if lw.SampleCount() != 2 {
		t.Fatalf("expected 2 samples after prune")
	}
	if result.Kind != Healthy || result.P95Ms != 70 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestRecordAndEvaluateCycle(t *testing.T) {
	lw := NewLatencyWindowWithConfig(100, 10_000, 5, 2)
	base := uint64(1_000_000)

	for i := uint64(0); i < 5; i++ {
		lw.Record(30, base+i)
	}
	r1 := lw.Evaluate(base + 5)
	if r1.Kind != Healthy || r1.P95Ms != 30 || lw.ConsecutiveBreaches() != 0 {
		t.Fatalf("unexpected r1 %+v", r1)
	}

	for i := uint64(5); i < 10; i++ {
		lw.Record(200, base+i)
	}
	r2 := lw.Evaluate(base + 10)
	if r2.Kind != Breached || lw.ConsecutiveBreaches() != 1 {
		t.Fatalf("unexpected r2 %+v", r2)
	}

	for i := uint64(10); i < 15; i++ {
		lw.Record(200, base+i)
	}
	r3 := lw.Evaluate(base + 15)
	if r3.Kind != LatencyDegraded || lw.ConsecutiveBreaches() != 2 {
		t.Fatalf("unexpected r3 %+v", r3)
	}
}

func TestLatencyCustomConfig(t *testing.T) {
	lw := NewLatencyWindowWithConfig(500, 30_000, 50, 5)
	if lw.SampleCount() != 0 || lw.ConsecutiveBreaches() != 0 {
		t.Fatalf("expected zero state")
	}

	lw = NewLatencyWindowWithConfig(500, 30_000, 50, 5)
	base := uint64(1_000_000)
	for i := uint64(0); i < 49; i++ {
		lw.Record(10, base+i)
	}
	result := lw.Evaluate(base + 49)
	if result.Kind != InsufficientData || result.SampleCount != 49 || result.MinRequired != 50 {
		t.Fatalf("unexpected result %+v", result)
	}

	lw.Record(10, base+49)
	result = lw.Evaluate(base + 50)
	if result.Kind != Healthy || result.P95Ms != 10 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestSingleSampleSufficientIfMinIsOne(t *testing.T) {
	lw := NewLatencyWindowWithConfig(100, 600_000, 1, 3)
	lw.Record(42, 1_000_000)
	result := lw.Evaluate(1_000_001)
	if result.Kind != Healthy || result.P95Ms != 42 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestAllSameLatency(t *testing.T) {
	lw := NewLatencyWindow(100)
	base := uint64(1_000_000)
	for i := uint64(0); i < 200; i++ {
		lw.Record(77, base+i)
	}
	result := lw.Evaluate(base + 200)
	if result.Kind != Healthy || result.P95Ms != 77 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestBoundarySLOExactlyAtThreshold(t *testing.T) {
	lw := NewLatencyWindowWithConfig(100, 600_000, 10, 3)
	base := uint64(1_000_000)
	for i := uint64(0); i < 10; i++ {
		lw.Record(100, base+i)
	}
	result := lw.Evaluate(base + 10)
	if result.Kind != Healthy || result.P95Ms != 100 || lw.ConsecutiveBreaches() != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
}
