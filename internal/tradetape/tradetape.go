// Package tradetape maintains a bounded, deduplicated, time-ordered ring
// of recent trade prints per instrument (spec.md §4.4).
package tradetape

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"bitmex-hub/internal/metrics"
	"bitmex-hub/pkg/types"
)

// TradeBufferMin and TradeBufferMax bound the configurable capacity
// clamp described in spec.md §4.4.
const (
	TradeBufferMin = 100
	TradeBufferMax = 10000
)

// RawTrade is the pre-normalization shape of one incoming trade row: some
// fields may be absent, which Push must detect and either derive or skip
// the row for (spec.md §4.4).
type RawTrade struct {
	Timestamp       *time.Time
	Symbol          string
	Side            string
	Price           *decimal.Decimal
	Size            decimal.Decimal
	ID              string
	ForeignNotional *decimal.Decimal
	OriginalIndex   int
}

// PushOptions controls one Push call.
type PushOptions struct {
	Reset  bool // empty the buffer before applying this batch
	Silent bool // suppress the emitted change notification (caller-level concern)
}

// PushResult reports how many rows were newly stored and how many
// previously-stored rows were evicted to make room.
type PushResult struct {
	Added   int
	Dropped int
}

// Tape is a ring buffer of normalized trades for one symbol.
type Tape struct {
	mu       sync.RWMutex
	symbol   string
	capacity int
	trades   []types.Trade
	head     int
	count    int
	ids      map[string]struct{}

	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New creates a Tape. capacity is clamped to [TradeBufferMin, TradeBufferMax].
func New(symbol string, capacity int, m *metrics.Metrics, logger zerolog.Logger) *Tape {
	capacity = clamp(capacity, TradeBufferMin, TradeBufferMax)
	return &Tape{
		symbol:   symbol,
		capacity: capacity,
		trades:   make([]types.Trade, capacity),
		ids:      make(map[string]struct{}),
		metrics:  m,
		logger:   logger.With().Str("component", "tradetape").Str("symbol", symbol).Logger(),
	}
}

func clamp(n, min, max int) int {
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

// Push normalizes, sorts, and applies a batch of raw trade rows (spec.md
// §4.4). Rows missing a timestamp, side, or derivable price are skipped
// entirely and neither added nor dropped.
func (t *Tape) Push(batch []RawTrade, opts PushOptions) PushResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	if opts.Reset {
		t.trades = make([]types.Trade, t.capacity)
		t.head = 0
		t.count = 0
		t.ids = make(map[string]struct{})
	}

	normalized := make([]types.Trade, 0, len(batch))
	for _, raw := range batch {
		n, ok := normalize(raw)
		if !ok {
			continue
		}
		normalized = append(normalized, n)
	}

	sort.SliceStable(normalized, func(i, j int) bool {
		if !normalized[i].Timestamp.Equal(normalized[j].Timestamp) {
			return normalized[i].Timestamp.Before(normalized[j].Timestamp)
		}
		return normalized[i].OriginalIndex < normalized[j].OriginalIndex
	})

	result := PushResult{}
	for _, tr := range normalized {
		if tr.ID != "" {
			if _, exists := t.ids[tr.ID]; exists {
				continue
			}
		}

		writeIdx := (t.head + t.count) % t.capacity
		if t.count == t.capacity {
			evicted := t.trades[t.head]
			if evicted.ID != "" {
				delete(t.ids, evicted.ID)
			}
			t.head = (t.head + 1) % t.capacity
			result.Dropped++
		} else {
			t.count++
		}
		t.trades[writeIdx] = tr
		if tr.ID != "" {
			t.ids[tr.ID] = struct{}{}
		}
		result.Added++
	}

	if t.metrics != nil && result.Added > 0 {
		t.metrics.TradesReceived.WithLabelValues(t.symbol).Add(float64(result.Added))
	}
	if !opts.Silent && result.Added > 0 {
		t.logger.Debug().Int("added", result.Added).Int("dropped", result.Dropped).Msg("trade tape updated")
	}
	return result
}

// normalize validates and derives fields on one raw row, per spec.md §4.4's
// normalization rules.
func normalize(raw RawTrade) (types.Trade, bool) {
	if raw.Timestamp == nil {
		return types.Trade{}, false
	}
	side := strings.ToLower(strings.TrimSpace(raw.Side))
	if side != "buy" && side != "sell" {
		return types.Trade{}, false
	}

	price, ok := derivePrice(raw)
	if !ok {
		return types.Trade{}, false
	}

	return types.Trade{
		Timestamp:       *raw.Timestamp,
		Symbol:          raw.Symbol,
		Side:            types.Side(side),
		Price:           price,
		Size:            raw.Size,
		ID:              raw.ID,
		ForeignNotional: derefDecimal(raw.ForeignNotional),
		HasForeign:      raw.ForeignNotional != nil,
		OriginalIndex:   raw.OriginalIndex,
	}, true
}

func derivePrice(raw RawTrade) (decimal.Decimal, bool) {
	if raw.Price != nil {
		return *raw.Price, true
	}
	if raw.ForeignNotional != nil && !raw.Size.IsZero() {
		return raw.ForeignNotional.Div(raw.Size), true
	}
	return decimal.Decimal{}, false
}

func derefDecimal(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Decimal{}
	}
	return *d
}

// Recent returns up to limit of the most recently stored trades, oldest
// first. limit <= 0 returns the entire buffer.
func (t *Tape) Recent(limit int) []types.Trade {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := t.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]types.Trade, n)
	start := t.count - n
	for i := 0; i < n; i++ {
		idx := (t.head + start + i) % t.capacity
		out[i] = t.trades[idx]
	}
	return out
}

// Len returns the number of trades currently stored.
func (t *Tape) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}
