package position

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"bitmex-hub/internal/metrics"
)

func at(base time.Time, d time.Duration) time.Time {
	return base.Add(d)
}

// TestPositionScenarioS4 reproduces spec.md §8's S4 scenario verbatim.
func TestPositionScenarioS4(t *testing.T) {
	t.Parallel()

	r := New(metrics.New(), zerolog.Nop())
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	r.ApplyPartial(101, []Row{
		{Account: 101, Symbol: "XBTUSD", CurrentQty: decimal.NewFromInt(200), Timestamp: t0},
		{Account: 101, Symbol: "ETHUSD", CurrentQty: decimal.NewFromInt(-100), Timestamp: t0},
	})

	r.ApplyIncremental(101, []Row{
		{Account: 101, Symbol: "XBTUSD", CurrentQty: decimal.NewFromInt(230), Timestamp: at(t0, 90*time.Second)},
	})
	pos, ok := r.Snapshot(101, "XBTUSD")
	if !ok || !pos.CurrentQty.Equal(decimal.NewFromInt(230)) {
		t.Fatalf("XBTUSD qty = %v, want 230", pos.CurrentQty)
	}

	staleEvents := r.ApplyIncremental(101, []Row{
		{Account: 101, Symbol: "XBTUSD", CurrentQty: decimal.NewFromInt(210), Timestamp: at(t0, -60*time.Second)},
	})
	if len(staleEvents) != 0 {
		t.Errorf("stale update should produce no event, got %d", len(staleEvents))
	}
	pos, _ = r.Snapshot(101, "XBTUSD")
	if !pos.CurrentQty.Equal(decimal.NewFromInt(230)) {
		t.Errorf("stale update should not change qty, got %v", pos.CurrentQty)
	}

	r.ApplyIncremental(101, []Row{
		{Account: 101, Symbol: "ETHUSD", CurrentQty: decimal.Zero, Timestamp: at(t0, 2*time.Minute)},
	})
	if _, ok := r.Snapshot(101, "ETHUSD"); ok {
		t.Error("ETHUSD should have been evicted at qty 0")
	}

	r.ApplyIncremental(101, []Row{
		{Account: 101, Symbol: "ADAUSD", CurrentQty: decimal.NewFromInt(75), Timestamp: at(t0, 3*time.Minute)},
	})
	if _, ok := r.Snapshot(101, "ADAUSD"); !ok {
		t.Error("ADAUSD should be open after being inserted")
	}

	r.ApplyPartial(101, []Row{
		{Account: 101, Symbol: "XBTUSD", CurrentQty: decimal.NewFromInt(150), Timestamp: at(t0, 5*time.Minute)},
		{Account: 101, Symbol: "SOLUSD", CurrentQty: decimal.NewFromInt(30), Timestamp: at(t0, 5*time.Minute)},
	})

	if _, ok := r.Snapshot(101, "XBTUSD"); !ok {
		t.Error("XBTUSD should survive the reconnect partial")
	}
	if pos, ok := r.Snapshot(101, "XBTUSD"); ok && !pos.CurrentQty.Equal(decimal.NewFromInt(150)) {
		t.Errorf("XBTUSD qty = %v, want 150", pos.CurrentQty)
	}
	if _, ok := r.Snapshot(101, "SOLUSD"); !ok {
		t.Error("SOLUSD should be created by the reconnect partial")
	}
	if _, ok := r.Snapshot(101, "ADAUSD"); ok {
		t.Error("ADAUSD should be evicted by the reconnect partial that omits it")
	}
}

func TestIncrementalIgnoredWhileAwaitingPartial(t *testing.T) {
	t.Parallel()

	r := New(metrics.New(), zerolog.Nop())
	events := r.ApplyIncremental(1, []Row{{Account: 1, Symbol: "XBTUSD", CurrentQty: decimal.NewFromInt(5), Timestamp: time.Now()}})
	if events != nil {
		t.Fatalf("incremental before first partial should be ignored, got %v", events)
	}
	if _, ok := r.Snapshot(1, "XBTUSD"); ok {
		t.Error("no position should exist before the first partial")
	}
}

func TestAllReturnsEveryOpenPosition(t *testing.T) {
	t.Parallel()

	r := New(metrics.New(), zerolog.Nop())
	ts := time.Now()
	r.ApplyPartial(1, []Row{{Account: 1, Symbol: "XBTUSD", CurrentQty: decimal.NewFromInt(10), Timestamp: ts}})
	r.ApplyPartial(2, []Row{{Account: 2, Symbol: "ETHUSD", CurrentQty: decimal.NewFromInt(5), Timestamp: ts}})

	all := r.All()
	if len(all) != 2 {
		t.Fatalf("All() = %d positions, want 2", len(all))
	}
}

func TestDuplicatePartialRowSameHashIsSkipped(t *testing.T) {
	t.Parallel()

	r := New(metrics.New(), zerolog.Nop())
	ts := time.Now()
	row := Row{Account: 1, Symbol: "XBTUSD", CurrentQty: decimal.NewFromInt(10), Timestamp: ts}

	first := r.ApplyPartial(1, []Row{row})
	if len(first) != 1 {
		t.Fatalf("first partial events = %d, want 1", len(first))
	}
	second := r.ApplyPartial(1, []Row{row})
	if len(second) != 0 {
		t.Errorf("identical partial row should be a no-op, got %d events", len(second))
	}
}
