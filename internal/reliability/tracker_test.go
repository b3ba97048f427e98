package reliability

import (
	"fmt"
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func newTestTracker(c *fakeClock, cfg Config) *Tracker {
	return NewTracker(cfg, WithClock(c.Now))
}

func TestCircuitOpensAfterThresholdAndMinSamples(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(clock, Config{FailureThreshold: 3, MinSamples: 3, BackoffBase: time.Minute, BackoffMax: 10 * time.Minute})

	tr.Record("prov", "src", false, "timeout")
	tr.Record("prov", "src", false, "timeout")
	if tr.IsOpen("prov", "src") {
		t.Fatal("circuit open before threshold")
	}
	tr.Record("prov", "src", false, "timeout")
	if !tr.IsOpen("prov", "src") {
		t.Fatal("circuit should be open after 3 consecutive failures")
	}
	if !tr.IsProviderCircuitOpen("PROV") {
		t.Fatal("provider aggregate should be open, lookup is case-insensitive")
	}

	clock.Advance(59 * time.Second)
	if !tr.IsOpen("prov", "src") {
		t.Fatal("circuit should stay open during backoff")
	}
	clock.Advance(2 * time.Second)
	if tr.IsOpen("prov", "src") {
		t.Fatal("circuit should close once the backoff elapsed")
	}
}

func TestMinSamplesGatesCircuit(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(clock, Config{FailureThreshold: 2, MinSamples: 5})
	for i := 0; i < 4; i++ {
		tr.Record("prov", "src", false, "http-status")
	}
	if tr.IsOpen("prov", "src") {
		t.Fatal("circuit must not open below min samples")
	}
	tr.Record("prov", "src", false, "http-status")
	if !tr.IsOpen("prov", "src") {
		t.Fatal("circuit should open at min samples")
	}
}

func TestSuccessResetsStreakButKeepsSamples(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(clock, Config{})
	for i := 0; i < 3; i++ {
		tr.Record("prov", "src", false, "boom")
	}
	if !tr.IsOpen("prov", "src") {
		t.Fatal("expected open circuit")
	}
	tr.Record("prov", "src", true, "")
	if tr.IsOpen("prov", "src") {
		t.Fatal("success should close the circuit")
	}
	snap := tr.Snapshot()
	var found bool
	for _, e := range snap {
		if e.SourceKey != "src" {
			continue
		}
		found = true
		if e.Consecutive != 0 {
			t.Errorf("consecutive = %d, want 0", e.Consecutive)
		}
		if e.Samples != 4 || e.Failures != 3 {
			t.Errorf("samples/failures = %d/%d, want 4/3", e.Samples, e.Failures)
		}
	}
	if !found {
		t.Fatal("source missing from snapshot")
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	tr := NewTracker(Config{FailureThreshold: 3, BackoffBase: 2 * time.Minute, BackoffMax: 15 * time.Minute})
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{1, 2 * time.Minute},
		{3, 2 * time.Minute},
		{4, 4 * time.Minute},
		{5, 8 * time.Minute},
		{6, 15 * time.Minute},
		{20, 15 * time.Minute},
	}
	for _, tt := range tests {
		if got := tr.backoff(tt.failures); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}

func TestRepeatedFailuresExtendWindow(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(clock, Config{FailureThreshold: 3, MinSamples: 1, BackoffBase: time.Minute, BackoffMax: time.Hour})
	for i := 0; i < 4; i++ {
		tr.Record("prov", "src", false, "boom")
	}
	clock.Advance(90 * time.Second)
	if !tr.IsOpen("prov", "src") {
		t.Fatal("fourth failure should double the window to 2m")
	}
}

func TestSourceMapIsLRUCapped(t *testing.T) {
	tr := NewTracker(Config{MaxSourcesPerProvider: 3})
	for i := 0; i < 5; i++ {
		tr.Record("prov", fmt.Sprintf("src-%d", i), true, "")
	}
	// Touch src-2 so src-3 becomes the eviction candidate.
	tr.Record("prov", "src-2", true, "")
	tr.Record("prov", "src-5", true, "")

	rel := tr.ProviderReliability("prov")
	if rel.TrackedSources != 3 {
		t.Fatalf("tracked sources = %d, want 3", rel.TrackedSources)
	}
	keys := map[string]bool{}
	for _, e := range tr.Snapshot() {
		keys[e.SourceKey] = true
	}
	for _, want := range []string{"src-2", "src-4", "src-5"} {
		if !keys[want] {
			t.Errorf("expected %s to survive eviction, got %v", want, keys)
		}
	}
	if keys["src-3"] {
		t.Error("src-3 should have been evicted")
	}
}

func TestPenalty(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(clock, Config{FailureThreshold: 3, MinSamples: 3})
	if got := tr.Penalty("prov", "src"); got != 0 {
		t.Fatalf("unknown source penalty = %v", got)
	}
	tr.Record("prov", "src", true, "")
	tr.Record("prov", "src", false, "boom")
	// consecutive 1 → 6, failure rate 0.5 → 6
	if got := tr.Penalty("prov", "src"); got != 12 {
		t.Fatalf("penalty = %v, want 12", got)
	}
	tr.Record("prov", "src", false, "boom")
	tr.Record("prov", "src", false, "boom")
	if got := tr.Penalty("prov", "src"); got != openPenalty {
		t.Fatalf("open circuit penalty = %v, want %v", got, openPenalty)
	}
}

func TestReset(t *testing.T) {
	tr := NewTracker(Config{})
	tr.Record("a", "s1", false, "x")
	tr.Record("a", "s2", false, "x")
	tr.Record("b", "s1", false, "x")

	tr.Reset("a", "s1")
	if got := tr.ProviderReliability("a").TrackedSources; got != 1 {
		t.Fatalf("after source reset tracked = %d, want 1", got)
	}
	tr.Reset("b", "")
	if got := len(tr.Summary()); got != 1 {
		t.Fatalf("after provider reset providers = %d, want 1", got)
	}
	tr.Reset("", "")
	if got := len(tr.Summary()); got != 0 {
		t.Fatalf("after full reset providers = %d, want 0", got)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	clock := newFakeClock()
	src := newTestTracker(clock, Config{})
	for i := 0; i < 3; i++ {
		src.Record("prov", "src", false, "timeout")
	}
	dst := newTestTracker(clock, Config{})
	dst.Restore(src.Snapshot())
	if !dst.IsOpen("prov", "src") {
		t.Fatal("restored ledger should keep the open circuit")
	}
	got := dst.ProviderReliability("prov")
	if got.Samples != 3 || got.Failures != 3 || got.SuccessRate != 0 {
		t.Fatalf("restored aggregate = %+v", got)
	}
}

func TestNilTrackerIsSafe(t *testing.T) {
	var tr *Tracker
	tr.Record("p", "s", false, "x")
	if tr.IsOpen("p", "s") || tr.IsProviderCircuitOpen("p") || tr.Penalty("p", "s") != 0 {
		t.Fatal("nil tracker should report closed circuits")
	}
}
