package order

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"bitmex-hub/internal/metrics"
	"bitmex-hub/pkg/types"
)

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func decPtr(v int64) *decimal.Decimal {
	d := dec(v)
	return &d
}

// TestOrderScenarioS3 reproduces spec.md §8's S3 scenario verbatim.
func TestOrderScenarioS3(t *testing.T) {
	t.Parallel()

	r := New(metrics.New(), zerolog.Nop())
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	r.ApplyStreamRow(Row{
		OrderID:   "ord-1",
		ClOrdID:   "cl-1",
		Symbol:    "XBTUSD",
		HasSide:   true,
		Side:      types.Buy,
		Qty:       decPtr(100),
		LeavesQty: decPtr(100),
		CumQty:    decPtr(0),
		OrdStatus: "New",
		ExecType:  "New",
		Timestamp: t0,
	})

	r.ApplyStreamRow(Row{
		OrderID:   "ord-1",
		CumQty:    decPtr(60),
		LeavesQty: decPtr(40),
		AvgPx:     decPtr(50100),
		ExecID:    "f1",
		LastQty:   decPtr(60),
		ExecType:  "Trade",
		OrdStatus: "PartiallyFilled",
		Timestamp: t0.Add(1 * time.Second),
	})

	r.ApplyStreamRow(Row{
		OrderID:   "ord-1",
		CumQty:    decPtr(100),
		LeavesQty: decPtr(0),
		AvgPx:     decPtr(50150),
		ExecID:    "f2",
		LastQty:   decPtr(40),
		ExecType:  "Trade",
		OrdStatus: "Filled",
		Timestamp: t0.Add(2 * time.Second),
	})

	dupTs := t0.Add(3 * time.Second)
	final := r.ApplyStreamRow(Row{
		OrderID:   "ord-1",
		CumQty:    decPtr(100),
		LeavesQty: decPtr(0),
		AvgPx:     decPtr(50150),
		ExecID:    "f2",
		LastQty:   decPtr(40),
		ExecType:  "Trade",
		OrdStatus: "Filled",
		Timestamp: dupTs,
	})

	if final.Status != types.StatusFilled {
		t.Errorf("status = %v, want Filled", final.Status)
	}
	if !final.FilledQty.Equal(dec(100)) {
		t.Errorf("filledQty = %v, want 100", final.FilledQty)
	}
	if !final.AvgFillPrice.Equal(dec(50150)) {
		t.Errorf("avgFillPrice = %v, want 50150", final.AvgFillPrice)
	}
	if len(final.Executions) != 2 {
		t.Fatalf("executions = %d, want 2 (f2 duplicate must not append)", len(final.Executions))
	}
	if !final.LastUpdateTs.Equal(dupTs) {
		t.Errorf("lastUpdateTs = %v, want %v (duplicate still updates the timestamp)", final.LastUpdateTs, dupTs)
	}
}

func TestApplyStreamRowCreatesFromUnknownOrderID(t *testing.T) {
	t.Parallel()

	r := New(metrics.New(), zerolog.Nop())
	o := r.ApplyStreamRow(Row{
		OrderID:   "ord-2",
		ClOrdID:   "cl-2",
		Symbol:    "ETHUSD",
		HasSide:   true,
		Side:      types.Sell,
		Qty:       decPtr(10),
		LeavesQty: decPtr(10),
		CumQty:    decPtr(0),
		OrdStatus: "New",
		Timestamp: time.Now(),
	})
	if o.Status != types.StatusPlaced {
		t.Errorf("status = %v, want Placed", o.Status)
	}
	if got, ok := r.ByOrderID("ord-2"); !ok || got.Symbol != "ETHUSD" {
		t.Errorf("ByOrderID lookup failed: %+v ok=%v", got, ok)
	}
}

func TestAllDeduplicatesOrderIDAndClOrdID(t *testing.T) {
	t.Parallel()

	r := New(metrics.New(), zerolog.Nop())
	r.ApplyStreamRow(Row{
		OrderID:   "ord-10",
		ClOrdID:   "cl-10",
		Symbol:    "XBTUSD",
		HasSide:   true,
		Side:      types.Buy,
		Qty:       decPtr(1),
		LeavesQty: decPtr(1),
		CumQty:    decPtr(0),
		OrdStatus: "New",
		Timestamp: time.Now(),
	})
	r.ApplyStreamRow(Row{
		OrderID:   "ord-20",
		ClOrdID:   "cl-20",
		Symbol:    "ETHUSD",
		HasSide:   true,
		Side:      types.Sell,
		Qty:       decPtr(2),
		LeavesQty: decPtr(2),
		CumQty:    decPtr(0),
		OrdStatus: "New",
		Timestamp: time.Now(),
	})

	all := r.All()
	if len(all) != 2 {
		t.Fatalf("All() = %d orders, want 2", len(all))
	}
}

func TestTerminalStatusNeverDowngraded(t *testing.T) {
	t.Parallel()

	r := New(metrics.New(), zerolog.Nop())
	t0 := time.Now()
	r.ApplyStreamRow(Row{
		OrderID: "ord-3", ClOrdID: "cl-3", OrdStatus: "Filled", ExecType: "Trade",
		CumQty: decPtr(5), LeavesQty: decPtr(0), Timestamp: t0,
	})
	after := r.ApplyStreamRow(Row{
		OrderID: "ord-3", OrdStatus: "New", ExecType: "New",
		CumQty: decPtr(5), LeavesQty: decPtr(0), Timestamp: t0.Add(time.Second),
	})
	if after.Status != types.StatusFilled {
		t.Errorf("status = %v, want Filled to remain (terminal never downgraded)", after.Status)
	}
}

func TestPromoteMergesIntoExistingStreamCreatedOrder(t *testing.T) {
	t.Parallel()

	r := New(metrics.New(), zerolog.Nop())
	r.BeginInflight("cl-4", "XBTUSD", types.Buy)

	r.ApplyStreamRow(Row{
		OrderID: "ord-4", ClOrdID: "cl-4", Symbol: "XBTUSD",
		HasSide: true, Side: types.Buy, OrdStatus: "New", ExecType: "New",
		Qty: decPtr(1), LeavesQty: decPtr(1), CumQty: decPtr(0), Timestamp: time.Now(),
	})

	restOrder := types.Order{ClOrdID: "cl-4", Symbol: "XBTUSD", Side: types.Buy, Type: types.OrderTypeLimit}
	merged := r.Promote("cl-4", restOrder)

	if merged.OrderID != "ord-4" {
		t.Errorf("orderID = %q, want ord-4 (stream-created order should win, not a second Order)", merged.OrderID)
	}
	if _, ok := r.ByOrderID("ord-4"); !ok {
		t.Error("expected exactly one Order to exist under ord-4")
	}
}

func TestPromoteCreatesWhenNoStreamRowArrivedYet(t *testing.T) {
	t.Parallel()

	r := New(metrics.New(), zerolog.Nop())
	r.BeginInflight("cl-5", "ETHUSD", types.Sell)

	restOrder := types.Order{OrderID: "ord-5", Symbol: "ETHUSD", Side: types.Sell, Type: types.OrderTypeMarket, Status: types.StatusPlaced}
	got := r.Promote("cl-5", restOrder)

	if got.OrderID != "ord-5" {
		t.Errorf("orderID = %q, want ord-5", got.OrderID)
	}
	if _, ok := r.ByClOrdID("cl-5"); !ok {
		t.Error("expected Order registered under cl-5")
	}
}

func TestMarkCancelingDoesNotTouchExecutions(t *testing.T) {
	t.Parallel()

	r := New(metrics.New(), zerolog.Nop())
	r.ApplyStreamRow(Row{
		OrderID: "ord-6", ClOrdID: "cl-6", OrdStatus: "PartiallyFilled", ExecType: "Trade",
		CumQty: decPtr(3), LeavesQty: decPtr(7), ExecID: "e1", LastQty: decPtr(3), Timestamp: time.Now(),
	})
	updated, ok := r.MarkCanceling("ord-6")
	if !ok {
		t.Fatal("expected ord-6 to exist")
	}
	if updated.Status != types.StatusCanceling {
		t.Errorf("status = %v, want Canceling", updated.Status)
	}
	if len(updated.Executions) != 1 {
		t.Errorf("executions = %d, want 1 (unchanged)", len(updated.Executions))
	}
}
