// Package position maintains a per-(accountId,symbol) position mirror with
// hash-based no-op detection and timestamp-gated incremental updates
// (spec.md §4.6).
package position

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"bitmex-hub/internal/idutil"
	"bitmex-hub/internal/metrics"
	"bitmex-hub/pkg/types"
)

// Reason values for UpdateEvent, mirroring the wallet engine's convention.
const (
	ReasonPartial = "ws:partial"
	ReasonUpdate  = "ws:update"
)

// Row is one incoming position row.
type Row struct {
	Account    int64
	Symbol     string
	Timestamp  time.Time
	CurrentQty decimal.Decimal
	Fields     map[string]types.FieldValue
}

// UpdateEvent is emitted once per symbol touched by an applied batch.
type UpdateEvent struct {
	Account  int64
	Symbol   string
	Snapshot types.Position
	Reason   string
	Evicted  bool
}

type key struct {
	account int64
	symbol  string
}

type entry struct {
	position      types.Position
	lastAppliedTs time.Time
	lastHash      uint64
}

// Registry holds the live Position for every (account,symbol) pair that
// currently has open size.
type Registry struct {
	mu            sync.Mutex
	entries       map[key]entry
	partialSeen   map[int64]bool // account -> has received at least one ApplyPartial
	events        chan UpdateEvent

	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New creates an empty position registry. Every account starts in the
// awaiting-partial state until its first ApplyPartial.
func New(m *metrics.Metrics, logger zerolog.Logger) *Registry {
	return &Registry{
		entries:         make(map[key]entry),
		partialSeen:     make(map[int64]bool),
		events:          make(chan UpdateEvent, 256),
		metrics:         m,
		logger:          logger.With().Str("component", "position").Logger(),
	}
}

// Events returns the channel UpdateEvents are published on.
func (r *Registry) Events() <-chan UpdateEvent {
	return r.events
}

// Snapshot returns the live Position for (account,symbol), or false if
// none is open.
func (r *Registry) Snapshot(account int64, symbol string) (types.Position, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key{account, symbol}]
	if !ok {
		return types.Position{}, false
	}
	return e.position, true
}

// MarkAwaitingPartial resets account to the awaiting-partial state so
// incrementals are discarded again until the next ApplyPartial, matching
// the reconnect behavior of spec.md §4.11.
func (r *Registry) MarkAwaitingPartial(account int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.partialSeen, account)
}

// All returns every currently open Position across every account
// (spec.md §4.10's read-only collection view).
func (r *Registry) All() []types.Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Position, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.position)
	}
	return out
}

// ApplyPartial establishes the full set of open positions for account,
// evicting any symbol previously held but absent from this batch
// (spec.md §4.6).
func (r *Registry) ApplyPartial(account int64, rows []Row) []UpdateEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.partialSeen[account] = true

	grouped := dedupeNewestPerSymbol(rows)
	var events []UpdateEvent
	seen := make(map[string]struct{}, len(grouped))

	for _, row := range grouped {
		seen[row.Symbol] = struct{}{}
		k := key{account, row.Symbol}
		hash, err := idutil.StableHash(row)
		if err != nil {
			r.logger.Warn().Err(err).Str("symbol", row.Symbol).Msg("position hash failed")
			continue
		}
		if existing, has := r.entries[k]; has && existing.lastAppliedTs.Equal(row.Timestamp) && existing.lastHash == hash {
			continue // duplicate: same timestamp and same snapshot hash
		}

		pos := buildPosition(account, row)
		if pos.Size().Sign() == 0 {
			if _, has := r.entries[k]; has {
				delete(r.entries, k)
				evt := UpdateEvent{Account: account, Symbol: row.Symbol, Snapshot: pos, Reason: ReasonPartial, Evicted: true}
				r.publish(evt)
				events = append(events, evt)
			}
			continue
		}
		r.entries[k] = entry{position: pos, lastAppliedTs: row.Timestamp, lastHash: hash}
		evt := UpdateEvent{Account: account, Symbol: row.Symbol, Snapshot: pos, Reason: ReasonPartial}
		r.observe(row.Timestamp, row.Symbol)
		r.publish(evt)
		events = append(events, evt)
	}

	for k := range r.entries {
		if k.account != account {
			continue
		}
		if _, keep := seen[k.symbol]; keep {
			continue
		}
		zero := r.entries[k].position
		zero.CurrentQty = decimal.Zero
		delete(r.entries, k)
		evt := UpdateEvent{Account: account, Symbol: k.symbol, Snapshot: zero, Reason: ReasonPartial, Evicted: true}
		r.publish(evt)
		events = append(events, evt)
	}

	return events
}

// ApplyIncremental applies insert/update/delete rows, ignored entirely
// while the account is awaiting its first partial (spec.md §4.6).
func (r *Registry) ApplyIncremental(account int64, rows []Row) []UpdateEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.partialSeen[account] {
		return nil
	}

	grouped := dedupeNewestPerSymbol(rows)
	var events []UpdateEvent

	for _, row := range grouped {
		k := key{account, row.Symbol}
		hash, err := idutil.StableHash(row)
		if err != nil {
			r.logger.Warn().Err(err).Str("symbol", row.Symbol).Msg("position hash failed")
			continue
		}

		if existing, has := r.entries[k]; has {
			if row.Timestamp.Before(existing.lastAppliedTs) {
				continue
			}
			if row.Timestamp.Equal(existing.lastAppliedTs) && hash == existing.lastHash {
				continue
			}
		}

		pos := buildPosition(account, row)
		r.observe(row.Timestamp, row.Symbol)

		if pos.Size().Sign() == 0 {
			delete(r.entries, k)
			evt := UpdateEvent{Account: account, Symbol: row.Symbol, Snapshot: pos, Reason: ReasonUpdate, Evicted: true}
			r.publish(evt)
			events = append(events, evt)
			continue
		}

		r.entries[k] = entry{position: pos, lastAppliedTs: row.Timestamp, lastHash: hash}
		evt := UpdateEvent{Account: account, Symbol: row.Symbol, Snapshot: pos, Reason: ReasonUpdate}
		r.publish(evt)
		events = append(events, evt)
	}

	return events
}

func (r *Registry) observe(rowTimestamp time.Time, symbol string) {
	if r.metrics == nil {
		return
	}
	r.metrics.PositionUpdates.WithLabelValues(symbol).Inc()
	if !rowTimestamp.IsZero() {
		r.metrics.PositionApplyLat.Observe(time.Since(rowTimestamp).Seconds())
	}
}

func (r *Registry) publish(evt UpdateEvent) {
	select {
	case r.events <- evt:
	default:
		r.logger.Warn().Int64("account", evt.Account).Str("symbol", evt.Symbol).Msg("position event channel full, dropping event")
	}
}

func buildPosition(account int64, row Row) types.Position {
	return types.Position{
		AccountID:  account,
		Symbol:     row.Symbol,
		CurrentQty: row.CurrentQty,
		Timestamp:  row.Timestamp,
		Fields:     row.Fields,
	}
}

// dedupeNewestPerSymbol folds multiple rows for the same symbol within one
// batch into the newest by timestamp (spec.md §4.6).
func dedupeNewestPerSymbol(rows []Row) []Row {
	latest := make(map[string]Row, len(rows))
	for _, row := range rows {
		cur, exists := latest[row.Symbol]
		if !exists || row.Timestamp.After(cur.Timestamp) {
			latest[row.Symbol] = row
		}
	}
	out := make([]Row, 0, len(latest))
	for _, row := range latest {
		out = append(out, row)
	}
	return out
}
