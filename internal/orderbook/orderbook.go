// Package orderbook maintains a per-symbol local mirror of the exchange's
// L2 order book, keyed by exchange row id, with the sticky out-of-sync
// flag described in spec.md §4.3.
package orderbook

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"bitmex-hub/internal/metrics"
	"bitmex-hub/pkg/types"
)

// Book is one symbol's L2 book. All operations are safe for concurrent
// use; readers should prefer BestBidAsk over reaching into rows
// directly.
type Book struct {
	mu        sync.RWMutex
	symbol    string
	rows      map[int64]types.BookRow
	outOfSync bool
	updated   time.Time

	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New creates an empty book for symbol.
func New(symbol string, m *metrics.Metrics, logger zerolog.Logger) *Book {
	return &Book{
		symbol:  symbol,
		rows:    make(map[int64]types.BookRow),
		metrics: m,
		logger:  logger.With().Str("component", "orderbook").Str("symbol", symbol).Logger(),
	}
}

// Reset clears all rows, inserts rows, and clears outOfSync (spec.md §4.3).
func (b *Book) Reset(rows []types.BookRow) types.BookChangeCount {
	b.mu.Lock()
	defer b.mu.Unlock()

	before := b.aggregateLocked()
	b.rows = make(map[int64]types.BookRow, len(rows))
	for _, r := range rows {
		b.rows[r.ID] = r
	}
	b.outOfSync = false
	b.updated = time.Now()

	after := b.aggregateLocked()
	b.recordChange("reset")
	return diffChangeCounts(before, after)
}

// ApplyInsert inserts each row; an id that already exists marks outOfSync
// and is skipped (spec.md §4.3).
func (b *Book) ApplyInsert(rows []types.BookRow) types.BookChangeCount {
	b.mu.Lock()
	defer b.mu.Unlock()

	before := b.aggregateLocked()
	for _, r := range rows {
		if _, exists := b.rows[r.ID]; exists {
			b.markOutOfSyncLocked("insert of existing id", r.ID)
			continue
		}
		b.rows[r.ID] = r
	}
	b.updated = time.Now()

	after := b.aggregateLocked()
	b.recordChange("insert")
	return diffChangeCounts(before, after)
}

// ApplyUpdate overlays each partial onto its existing row; an id that is
// missing marks outOfSync and is skipped (spec.md §4.3).
func (b *Book) ApplyUpdate(partials []types.BookRowUpdate) types.BookChangeCount {
	b.mu.Lock()
	defer b.mu.Unlock()

	before := b.aggregateLocked()
	for _, p := range partials {
		row, exists := b.rows[p.ID]
		if !exists {
			b.markOutOfSyncLocked("update of missing id", p.ID)
			continue
		}
		if p.Price != nil {
			row.Price = *p.Price
		}
		if p.Size != nil {
			row.Size = *p.Size
		}
		b.rows[p.ID] = row
	}
	b.updated = time.Now()

	after := b.aggregateLocked()
	b.recordChange("update")
	return diffChangeCounts(before, after)
}

// ApplyDelete removes each id; any id missing marks outOfSync for that id
// but the rest are still removed (spec.md §4.3).
func (b *Book) ApplyDelete(ids []int64) types.BookChangeCount {
	b.mu.Lock()
	defer b.mu.Unlock()

	before := b.aggregateLocked()
	for _, id := range ids {
		if _, exists := b.rows[id]; !exists {
			b.markOutOfSyncLocked("delete of missing id", id)
			continue
		}
		delete(b.rows, id)
	}
	b.updated = time.Now()

	after := b.aggregateLocked()
	b.recordChange("delete")
	return diffChangeCounts(before, after)
}

func (b *Book) markOutOfSyncLocked(reason string, id int64) {
	b.outOfSync = true
	b.logger.Warn().Str("reason", reason).Int64("id", id).Msg("book out of sync")
	if b.metrics != nil {
		b.metrics.BookOutOfSync.WithLabelValues(b.symbol).Inc()
	}
}

func (b *Book) recordChange(action string) {
	if b.metrics != nil {
		b.metrics.BookUpdates.WithLabelValues(b.symbol, action).Inc()
	}
}

// OutOfSync reports whether the book is in a desynced state. The flag is
// sticky until the next Reset (spec.md §4.3).
func (b *Book) OutOfSync() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.outOfSync
}

// BestBidAsk returns the best bid and ask aggregated price levels.
func (b *Book) BestBidAsk() (bid, ask types.PriceLevel, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var bestBid, bestAsk *types.PriceLevel
	levels := b.levelsLocked()
	for price, lvl := range levels[types.Buy] {
		if bestBid == nil || price.GreaterThan(bestBid.Price) {
			l := lvl
			bestBid = &l
		}
	}
	for price, lvl := range levels[types.Sell] {
		if bestAsk == nil || price.LessThan(bestAsk.Price) {
			l := lvl
			bestAsk = &l
		}
	}

	if bestBid == nil || bestAsk == nil {
		return types.PriceLevel{}, types.PriceLevel{}, false
	}
	return *bestBid, *bestAsk, true
}

// IsStale reports whether the book hasn't mutated within maxAge.
func (b *Book) IsStale(maxAge time.Duration) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.updated.IsZero() {
		return true
	}
	return time.Since(b.updated) > maxAge
}

// LastUpdated returns the timestamp of the last applied mutation.
func (b *Book) LastUpdated() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updated
}

// RowCount returns the number of live rows, for diagnostics.
func (b *Book) RowCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rows)
}

func (b *Book) levelsLocked() map[types.Side]map[decimal.Decimal]types.PriceLevel {
	out := map[types.Side]map[decimal.Decimal]types.PriceLevel{
		types.Buy:  make(map[decimal.Decimal]types.PriceLevel),
		types.Sell: make(map[decimal.Decimal]types.PriceLevel),
	}
	for _, r := range b.rows {
		side := out[r.Side]
		lvl, exists := side[r.Price]
		if !exists {
			lvl = types.PriceLevel{Price: r.Price}
		}
		lvl.Size = lvl.Size.Add(r.Size)
		side[r.Price] = lvl
	}
	return out
}

// aggregateLocked keys aggregated size by side+price string so it can be
// diffed without caring about decimal.Decimal's internal representation.
func (b *Book) aggregateLocked() map[types.Side]map[string]decimal.Decimal {
	out := map[types.Side]map[string]decimal.Decimal{
		types.Buy:  make(map[string]decimal.Decimal),
		types.Sell: make(map[string]decimal.Decimal),
	}
	for _, r := range b.rows {
		key := r.Price.String()
		out[r.Side][key] = out[r.Side][key].Add(r.Size)
	}
	return out
}

func diffChangeCounts(before, after map[types.Side]map[string]decimal.Decimal) types.BookChangeCount {
	return types.BookChangeCount{
		Bids: diffLevelSet(before[types.Buy], after[types.Buy]),
		Asks: diffLevelSet(before[types.Sell], after[types.Sell]),
	}
}

func diffLevelSet(before, after map[string]decimal.Decimal) int {
	changed := 0
	seen := make(map[string]struct{}, len(after))
	for price, size := range after {
		seen[price] = struct{}{}
		if prev, ok := before[price]; !ok || !prev.Equal(size) {
			changed++
		}
	}
	for price := range before {
		if _, ok := seen[price]; !ok {
			changed++
		}
	}
	return changed
}
