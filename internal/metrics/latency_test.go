package metrics

import (
	"math"
	"testing"
)

func TestLatencyTrackerEmpty(t *testing.T) {
	lt := NewLatencyTracker(100)
	st := lt.Snapshot()
	if st.P50 != 0 || st.P95 != 0 || st.P99 != 0 || st.Samples != 0 {
		t.Errorf("empty tracker: got %+v, want zeros", st)
	}
}

func TestLatencyTrackerSingleSample(t *testing.T) {
	lt := NewLatencyTracker(100)
	lt.Record(42.5)

	st := lt.Snapshot()
	if st.Samples != 1 {
		t.Fatalf("Samples = %d, want 1", st.Samples)
	}
	if st.P50 != 42.5 || st.P95 != 42.5 || st.P99 != 42.5 {
		t.Errorf("single sample: got %+v, want all 42.5", st)
	}
}

func TestLatencyTrackerPercentiles(t *testing.T) {
	lt := NewLatencyTracker(0)

	for i := 1; i <= 100; i++ {
		lt.Record(float64(i))
	}

	st := lt.Snapshot()
	if math.Abs(st.P50-50.5) > 1.0 {
		t.Errorf("P50 = %f, want ~50.5", st.P50)
	}
	if math.Abs(st.P95-95.05) > 1.0 {
		t.Errorf("P95 = %f, want ~95.05", st.P95)
	}
	if math.Abs(st.P99-99.01) > 1.0 {
		t.Errorf("P99 = %f, want ~99.01", st.P99)
	}
}

func TestLatencyTrackerWindowEvictsOldest(t *testing.T) {
	lt := NewLatencyTracker(10)

	for i := 1; i <= 20; i++ {
		lt.Record(float64(i))
	}

	st := lt.Snapshot()
	if st.Samples != 10 {
		t.Fatalf("Samples = %d, want 10", st.Samples)
	}
	// Window holds 11..20, so the median is 15.5.
	if math.Abs(st.P50-15.5) > 1.0 {
		t.Errorf("P50 after wrap = %f, want ~15.5", st.P50)
	}
}
