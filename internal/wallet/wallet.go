// Package wallet maintains a per-account, multi-currency balance mirror
// with timestamp-gated overlays and diff events (spec.md §4.5).
package wallet

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"bitmex-hub/internal/metrics"
	"bitmex-hub/pkg/types"
)

// Reason values for UpdateEvent, per spec.md §4.5.
const (
	ReasonPartial = "ws:partial"
	ReasonUpdate  = "ws:update"
)

// Row is one incoming per-currency wallet row. Pointer fields are nil when
// the wire message omits that field; nil is only meaningful for
// insert/update rows, since a partial row is expected to carry every
// field as a full snapshot.
type Row struct {
	Account        int64
	Currency       string
	Timestamp      time.Time
	Amount         *decimal.Decimal
	PendingCredit  *decimal.Decimal
	PendingDebit   *decimal.Decimal
	ConfirmedDebit *decimal.Decimal
	TransferIn     *decimal.Decimal
	TransferOut    *decimal.Decimal
	Deposited      *decimal.Decimal
	Withdrawn      *decimal.Decimal
}

// UpdateEvent is emitted once per applied batch, per account touched.
type UpdateEvent struct {
	Account  int64
	Snapshot types.WalletSnapshot
	// Diff maps currency -> new Balance for added/changed currencies, or
	// nil for currencies evicted by this batch.
	Diff   map[string]*types.Balance
	Reason string
}

// currencyAliases maps exchange-specific currency codes to their unified
// form (spec.md §4.5); XBt (satoshis-denominated margin currency) is the
// one BitMEX sends on the wire.
var currencyAliases = map[string]string{
	"XBt": "XBT",
}

func normalizeCurrency(code string) string {
	if alias, ok := currencyAliases[code]; ok {
		return alias
	}
	return code
}

// Registry holds one WalletSnapshot per account.
type Registry struct {
	mu          sync.Mutex
	wallets     map[int64]types.WalletSnapshot
	partialSeen map[int64]bool // account -> has received at least one ApplyPartial
	events      chan UpdateEvent

	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New creates an empty wallet registry. Every account starts in the
// awaiting-partial state until its first ApplyPartial.
func New(m *metrics.Metrics, logger zerolog.Logger) *Registry {
	return &Registry{
		wallets:     make(map[int64]types.WalletSnapshot),
		partialSeen: make(map[int64]bool),
		events:      make(chan UpdateEvent, 256),
		metrics:     m,
		logger:      logger.With().Str("component", "wallet").Logger(),
	}
}

// MarkAwaitingPartial resets account to the awaiting-partial state so
// incrementals are discarded again until the next ApplyPartial, matching
// the reconnect behavior of spec.md §4.11.
func (r *Registry) MarkAwaitingPartial(account int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.partialSeen, account)
}

// Events returns the channel UpdateEvents are published on.
func (r *Registry) Events() <-chan UpdateEvent {
	return r.events
}

// Snapshot returns a copy of one account's wallet, or false if unknown.
func (r *Registry) Snapshot(account int64) (types.WalletSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.wallets[account]
	if !ok {
		return types.WalletSnapshot{}, false
	}
	return cloneSnapshot(snap), true
}

// All returns every known account's WalletSnapshot (spec.md §4.10's
// read-only collection view).
func (r *Registry) All() []types.WalletSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.WalletSnapshot, 0, len(r.wallets))
	for _, snap := range r.wallets {
		out = append(out, cloneSnapshot(snap))
	}
	return out
}

// ApplyPartial establishes full per-account snapshots from rows, evicting
// any currency the registry previously held that is absent from this
// batch (spec.md §4.5).
func (r *Registry) ApplyPartial(rows []Row) []UpdateEvent {
	return r.apply(rows, true)
}

// ApplyIncremental applies field-wise overlays gated by timestamp
// (spec.md §4.5). Action is not otherwise distinguished here: insert,
// update, and delete all resolve to "does this row's timestamp permit
// overlaying onto the stored balance".
func (r *Registry) ApplyIncremental(rows []Row) []UpdateEvent {
	return r.apply(rows, false)
}

func (r *Registry) apply(rows []Row, isPartial bool) []UpdateEvent {
	byAccount := make(map[int64][]Row)
	for _, row := range rows {
		row.Currency = normalizeCurrency(row.Currency)
		byAccount[row.Account] = append(byAccount[row.Account], row)
	}

	var events []UpdateEvent
	for account, accountRows := range byAccount {
		deduped := dedupeNewestPerCurrency(accountRows)
		evt, changed := r.applyAccount(account, deduped, isPartial)
		if changed {
			events = append(events, evt)
			r.publish(evt)
		}
	}
	return events
}

// dedupeNewestPerCurrency folds multiple rows for the same currency within
// one batch into the newest by timestamp (spec.md §4.5).
func dedupeNewestPerCurrency(rows []Row) []Row {
	latest := make(map[string]Row, len(rows))
	for _, row := range rows {
		cur, exists := latest[row.Currency]
		if !exists || row.Timestamp.After(cur.Timestamp) {
			latest[row.Currency] = row
		}
	}
	out := make([]Row, 0, len(latest))
	for _, row := range latest {
		out = append(out, row)
	}
	return out
}

func (r *Registry) applyAccount(account int64, rows []Row, isPartial bool) (UpdateEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if isPartial {
		r.partialSeen[account] = true
	} else if !r.partialSeen[account] {
		return UpdateEvent{}, false
	}

	existing, ok := r.wallets[account]
	if !ok {
		existing = types.WalletSnapshot{AccountID: account, Balances: make(map[string]types.Balance)}
	}

	next := cloneSnapshot(existing)
	if next.Balances == nil {
		next.Balances = make(map[string]types.Balance)
	}

	diff := make(map[string]*types.Balance)

	if isPartial {
		seen := make(map[string]struct{}, len(rows))
		for _, row := range rows {
			seen[row.Currency] = struct{}{}
			bal := rowToBalance(row, types.Balance{})
			next.Balances[row.Currency] = bal
		}
		for cur := range existing.Balances {
			if _, keep := seen[cur]; !keep {
				delete(next.Balances, cur)
				diff[cur] = nil
			}
		}
	} else {
		for _, row := range rows {
			stored, hasStored := existing.Balances[row.Currency]
			if hasStored && row.Timestamp.Before(stored.Timestamp) {
				continue // strictly older, rejected
			}
			next.Balances[row.Currency] = rowToBalance(row, stored)
		}
	}

	for cur, bal := range next.Balances {
		before, hadBefore := existing.Balances[cur]
		if !hadBefore || !balancesEqual(before, bal) {
			b := bal
			diff[cur] = &b
		}
	}

	// Partials always emit, even a no-op one; only incrementals are
	// suppressed when nothing changed.
	if !isPartial && len(diff) == 0 {
		return UpdateEvent{}, false
	}

	next.UpdatedAt = maxTimestamp(next.Balances)
	r.wallets[account] = next

	reason := ReasonUpdate
	if isPartial {
		reason = ReasonPartial
	}
	if r.metrics != nil {
		for cur := range diff {
			r.metrics.WalletUpdates.WithLabelValues(cur).Inc()
		}
	}

	return UpdateEvent{
		Account:  account,
		Snapshot: cloneSnapshot(next),
		Diff:     diff,
		Reason:   reason,
	}, true
}

func rowToBalance(row Row, base types.Balance) types.Balance {
	bal := base
	bal.Currency = row.Currency
	bal.Timestamp = row.Timestamp
	if row.Amount != nil {
		bal.Amount = *row.Amount
	}
	if row.PendingCredit != nil {
		bal.PendingCredit = *row.PendingCredit
	}
	if row.PendingDebit != nil {
		bal.PendingDebit = *row.PendingDebit
	}
	if row.ConfirmedDebit != nil {
		bal.ConfirmedDebit = *row.ConfirmedDebit
	}
	if row.TransferIn != nil {
		bal.TransferIn = *row.TransferIn
	}
	if row.TransferOut != nil {
		bal.TransferOut = *row.TransferOut
	}
	if row.Deposited != nil {
		bal.Deposited = *row.Deposited
	}
	if row.Withdrawn != nil {
		bal.Withdrawn = *row.Withdrawn
	}
	return bal
}

func balancesEqual(a, b types.Balance) bool {
	return a.Amount.Equal(b.Amount) &&
		a.PendingCredit.Equal(b.PendingCredit) &&
		a.PendingDebit.Equal(b.PendingDebit) &&
		a.ConfirmedDebit.Equal(b.ConfirmedDebit) &&
		a.TransferIn.Equal(b.TransferIn) &&
		a.TransferOut.Equal(b.TransferOut) &&
		a.Deposited.Equal(b.Deposited) &&
		a.Withdrawn.Equal(b.Withdrawn) &&
		a.Timestamp.Equal(b.Timestamp)
}

func maxTimestamp(balances map[string]types.Balance) time.Time {
	var max time.Time
	for _, bal := range balances {
		if bal.Timestamp.After(max) {
			max = bal.Timestamp
		}
	}
	return max
}

func cloneSnapshot(snap types.WalletSnapshot) types.WalletSnapshot {
	out := types.WalletSnapshot{AccountID: snap.AccountID, UpdatedAt: snap.UpdatedAt}
	out.Balances = make(map[string]types.Balance, len(snap.Balances))
	for k, v := range snap.Balances {
		out.Balances[k] = v
	}
	return out
}

func (r *Registry) publish(evt UpdateEvent) {
	select {
	case r.events <- evt:
	default:
		r.logger.Warn().Int64("account", evt.Account).Msg("wallet event channel full, dropping event")
	}
}

