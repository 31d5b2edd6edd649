package orderbook

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"bitmex-hub/internal/metrics"
	"bitmex-hub/pkg/types"
)

func row(id int64, side types.Side, price, size int64) types.BookRow {
	return types.BookRow{ID: id, Side: side, Price: decimal.NewFromInt(price), Size: decimal.NewFromInt(size)}
}

func TestResetComputesBestBidAsk(t *testing.T) {
	t.Parallel()

	b := New("XBTUSD", metrics.New(), zerolog.Nop())
	b.Reset([]types.BookRow{
		row(1, types.Buy, 100, 2),
		row(2, types.Buy, 101, 4),
		row(3, types.Buy, 101, 3),
		row(4, types.Sell, 103, 5),
		row(5, types.Sell, 102, 1),
	})

	bid, ask, ok := b.BestBidAsk()
	if !ok {
		t.Fatal("expected a best bid/ask")
	}
	if !bid.Price.Equal(decimal.NewFromInt(101)) || !bid.Size.Equal(decimal.NewFromInt(7)) {
		t.Errorf("bestBid = %+v, want {101,7}", bid)
	}
	if !ask.Price.Equal(decimal.NewFromInt(102)) || !ask.Size.Equal(decimal.NewFromInt(1)) {
		t.Errorf("bestAsk = %+v, want {102,1}", ask)
	}
	if b.OutOfSync() {
		t.Error("fresh reset should not be outOfSync")
	}
}

func TestApplyInsertDuplicateIDMarksOutOfSync(t *testing.T) {
	t.Parallel()

	b := New("XBTUSD", metrics.New(), zerolog.Nop())
	b.Reset([]types.BookRow{row(1, types.Buy, 100, 1)})

	changed := b.ApplyInsert([]types.BookRow{row(1, types.Buy, 100, 99)})
	if !b.OutOfSync() {
		t.Error("inserting a duplicate id should mark outOfSync")
	}
	if changed.Bids != 0 {
		t.Errorf("duplicate insert should be skipped, bids changed = %d", changed.Bids)
	}
}

func TestApplyUpdateMissingIDMarksOutOfSync(t *testing.T) {
	t.Parallel()

	b := New("XBTUSD", metrics.New(), zerolog.Nop())
	b.Reset([]types.BookRow{row(1, types.Buy, 100, 1)})

	size := decimal.NewFromInt(5)
	b.ApplyUpdate([]types.BookRowUpdate{{ID: 999, Size: &size}})
	if !b.OutOfSync() {
		t.Error("updating a missing id should mark outOfSync")
	}
}

func TestApplyUpdateOverlaysFields(t *testing.T) {
	t.Parallel()

	b := New("XBTUSD", metrics.New(), zerolog.Nop())
	b.Reset([]types.BookRow{row(1, types.Buy, 100, 1)})

	newSize := decimal.NewFromInt(9)
	changed := b.ApplyUpdate([]types.BookRowUpdate{{ID: 1, Size: &newSize}})
	if changed.Bids != 1 {
		t.Errorf("bids changed = %d, want 1", changed.Bids)
	}
	bid, _, ok := b.BestBidAsk()
	if ok && !bid.Size.Equal(newSize) {
		t.Errorf("bid size = %v, want %v", bid.Size, newSize)
	}
}

func TestApplyDeletePartialMissingStillRemovesRest(t *testing.T) {
	t.Parallel()

	b := New("XBTUSD", metrics.New(), zerolog.Nop())
	b.Reset([]types.BookRow{row(1, types.Buy, 100, 1), row(2, types.Buy, 101, 1)})

	b.ApplyDelete([]int64{1, 999})
	if !b.OutOfSync() {
		t.Error("deleting a missing id should mark outOfSync")
	}
	if b.RowCount() != 1 {
		t.Errorf("row count = %d, want 1 (id 1 removed, id 999 ignored)", b.RowCount())
	}
}

func TestOutOfSyncIsStickyUntilReset(t *testing.T) {
	t.Parallel()

	b := New("XBTUSD", metrics.New(), zerolog.Nop())
	b.Reset([]types.BookRow{row(1, types.Buy, 100, 1)})
	b.ApplyDelete([]int64{999})
	if !b.OutOfSync() {
		t.Fatal("expected outOfSync")
	}

	b.ApplyInsert([]types.BookRow{row(2, types.Buy, 101, 1)})
	if !b.OutOfSync() {
		t.Error("outOfSync should remain sticky across unrelated mutations")
	}

	b.Reset([]types.BookRow{row(1, types.Buy, 100, 1)})
	if b.OutOfSync() {
		t.Error("reset should clear outOfSync")
	}
}

func TestIsStale(t *testing.T) {
	t.Parallel()

	b := New("XBTUSD", metrics.New(), zerolog.Nop())
	if !b.IsStale(time.Second) {
		t.Error("a book with no updates should be stale")
	}
	b.Reset([]types.BookRow{row(1, types.Buy, 100, 1)})
	if b.IsStale(time.Minute) {
		t.Error("freshly updated book should not be stale")
	}
}
