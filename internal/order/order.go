// Package order implements the order lifecycle state machine: a registry
// indexed by orderId and clOrdId, status-priority resolution across three
// independent candidate mappings, VWAP, and inflight REST/stream
// reconciliation (spec.md §4.7).
package order

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"bitmex-hub/internal/metrics"
	"bitmex-hub/pkg/types"
)

// Row is one incoming private-stream order row. Pointer fields are nil
// when the wire message omits that field.
type Row struct {
	OrderID     string
	ClOrdID     string
	Symbol      string
	Side        types.Side
	HasSide     bool
	Type        types.OrderType
	HasType     bool
	TimeInForce types.TimeInForce
	ExecInst    string
	Price       *decimal.Decimal
	StopPrice   *decimal.Decimal
	Qty         *decimal.Decimal
	LeavesQty   *decimal.Decimal
	CumQty      *decimal.Decimal
	AvgPx       *decimal.Decimal
	OrdStatus   string
	ExecType    string
	ExecID      string
	LastQty     *decimal.Decimal
	LastPx      *decimal.Decimal
	Liquidity   string
	Timestamp   time.Time
	Text        string
}

// Reason values for UpdateEvent.
const (
	ReasonStream   = "ws:order"
	ReasonREST     = "rest:order"
	ReasonCanceled = "local:canceling"
)

// UpdateEvent is emitted once per applied row or lifecycle transition.
type UpdateEvent struct {
	Order  types.Order
	Reason string
}

// InflightEntry tracks a placement whose REST response has not yet
// returned, keyed by clOrdId.
type InflightEntry struct {
	ClOrdID  string
	Symbol   string
	Side     types.Side
	PlacedAt time.Time
}

// Registry holds every known Order plus the inflight placements awaiting
// their REST response (spec.md §4.7).
type Registry struct {
	mu        sync.Mutex
	byOrderID map[string]*types.Order
	byClOrdID map[string]*types.Order
	inflight  map[string]InflightEntry
	events    chan UpdateEvent

	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New creates an empty order registry.
func New(m *metrics.Metrics, logger zerolog.Logger) *Registry {
	return &Registry{
		byOrderID: make(map[string]*types.Order),
		byClOrdID: make(map[string]*types.Order),
		inflight:  make(map[string]InflightEntry),
		events:    make(chan UpdateEvent, 256),
		metrics:   m,
		logger:    logger.With().Str("component", "order").Logger(),
	}
}

// Events returns the channel UpdateEvents are published on.
func (r *Registry) Events() <-chan UpdateEvent {
	return r.events
}

// ByOrderID returns a copy of the Order with that exchange order id.
func (r *Registry) ByOrderID(orderID string) (types.Order, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.byOrderID[orderID]
	if !ok {
		return types.Order{}, false
	}
	return o.Clone(), true
}

// ByClOrdID returns a copy of the Order with that client order id.
func (r *Registry) ByClOrdID(clOrdID string) (types.Order, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.byClOrdID[clOrdID]
	if !ok {
		return types.Order{}, false
	}
	return o.Clone(), true
}

// All returns every known Order, deduplicated by orderId where assigned
// and by clOrdId for orders still awaiting one (spec.md §4.10's read-only
// collection view).
func (r *Registry) All() []types.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[*types.Order]bool, len(r.byOrderID)+len(r.byClOrdID))
	out := make([]types.Order, 0, len(r.byOrderID))
	collect := func(o *types.Order) {
		if seen[o] {
			return
		}
		seen[o] = true
		out = append(out, o.Clone())
	}
	for _, o := range r.byOrderID {
		collect(o)
	}
	for _, o := range r.byClOrdID {
		collect(o)
	}
	return out
}

// BeginInflight records a placement that is about to be sent to the REST
// client, keyed by clOrdId (spec.md §4.8).
func (r *Registry) BeginInflight(clOrdID, symbol string, side types.Side) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inflight[clOrdID] = InflightEntry{ClOrdID: clOrdID, Symbol: symbol, Side: side, PlacedAt: time.Now()}
}

// ApplyStreamRow creates or updates an Order from a private-stream row. If
// a REST placement had already created the Order for this clOrdId (the
// same-tick race described in spec.md §9's Open Question), the row is
// merged field-wise into that existing Order rather than creating a
// second one.
func (r *Registry) ApplyStreamRow(row Row) types.Order {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.inflight, row.ClOrdID)

	existing := r.lookupLocked(row.OrderID, row.ClOrdID)
	var next types.Order
	if existing == nil {
		next = newOrderFromRow(row)
	} else {
		next = applyRowToOrder(*existing, row)
	}

	r.storeLocked(&next)
	r.publish(UpdateEvent{Order: next.Clone(), Reason: ReasonStream})
	return next.Clone()
}

// Promote reconciles a REST placement response with the registry
// (spec.md §4.7's inflight reconciliation). If a stream row already
// created the Order for clOrdId, the REST payload is merged field-wise
// into it instead of creating a second Order; the inflight entry is
// always removed.
func (r *Registry) Promote(clOrdID string, restOrder types.Order) types.Order {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.inflight, clOrdID)

	existing, ok := r.byClOrdID[clOrdID]
	var next types.Order
	if ok {
		next = mergeRESTIntoExisting(*existing, restOrder)
	} else {
		next = restOrder
		next.ClOrdID = clOrdID
	}

	r.storeLocked(&next)
	r.publish(UpdateEvent{Order: next.Clone(), Reason: ReasonREST})
	return next.Clone()
}

// MarkCanceling sets a local Canceling marker without touching
// executions; any subsequent terminal stream update overrides it
// (spec.md §4.7).
func (r *Registry) MarkCanceling(orderID string) (types.Order, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.byOrderID[orderID]
	if !ok {
		return types.Order{}, false
	}
	if types.IsTerminal(existing.Status) {
		return existing.Clone(), true
	}
	next := *existing
	next.Status = types.StatusCanceling
	next.LastUpdateTs = time.Now()
	r.storeLocked(&next)
	r.publish(UpdateEvent{Order: next.Clone(), Reason: ReasonCanceled})
	return next.Clone(), true
}

func (r *Registry) lookupLocked(orderID, clOrdID string) *types.Order {
	if orderID != "" {
		if o, ok := r.byOrderID[orderID]; ok {
			return o
		}
	}
	if clOrdID != "" {
		if o, ok := r.byClOrdID[clOrdID]; ok {
			return o
		}
	}
	return nil
}

func (r *Registry) storeLocked(o *types.Order) {
	if o.OrderID != "" {
		r.byOrderID[o.OrderID] = o
	}
	if o.ClOrdID != "" {
		r.byClOrdID[o.ClOrdID] = o
	}
}

func (r *Registry) publish(evt UpdateEvent) {
	select {
	case r.events <- evt:
	default:
		r.logger.Warn().Str("orderId", evt.Order.OrderID).Msg("order event channel full, dropping event")
	}
}

func newOrderFromRow(row Row) types.Order {
	o := types.Order{
		OrderID:     row.OrderID,
		ClOrdID:     row.ClOrdID,
		Symbol:      row.Symbol,
		TimeInForce: row.TimeInForce,
		ExecInst:    row.ExecInst,
		Text:        row.Text,
	}
	if row.HasSide {
		o.Side = row.Side
	}
	if row.HasType {
		o.Type = row.Type
	}
	return applyRowToOrder(o, row)
}

// applyRowToOrder overlays row's fields onto existing under the status
// priority invariant (spec.md §4.7).
func applyRowToOrder(existing types.Order, row Row) types.Order {
	next := existing.Clone()

	if row.Symbol != "" {
		next.Symbol = row.Symbol
	}
	if row.OrderID != "" {
		next.OrderID = row.OrderID
	}
	if row.ClOrdID != "" {
		next.ClOrdID = row.ClOrdID
	}
	if row.HasSide {
		next.Side = row.Side
	}
	if row.HasType {
		next.Type = row.Type
	}
	if row.TimeInForce != "" {
		next.TimeInForce = row.TimeInForce
	}
	if row.ExecInst != "" {
		next.ExecInst = row.ExecInst
	}
	if row.Price != nil {
		next.Price = *row.Price
		next.HasPrice = true
	}
	if row.StopPrice != nil {
		next.StopPrice = *row.StopPrice
		next.HasStopPrice = true
	}
	if row.Qty != nil {
		next.Qty = *row.Qty
	}
	if row.LeavesQty != nil {
		next.LeavesQty = *row.LeavesQty
	}
	if row.Text != "" {
		next.Text = row.Text
	}

	if row.ExecID != "" || row.LastQty != nil {
		appendExecution(&next, row)
	}

	if row.CumQty != nil {
		next.FilledQty = *row.CumQty
	} else {
		next.FilledQty = sumExecutionQty(next.Executions)
	}
	if row.AvgPx != nil {
		next.AvgFillPrice = *row.AvgPx
	} else {
		next.AvgFillPrice = vwap(next.Executions)
	}

	next.Status = resolveStatus(existing.Status, row, next.FilledQty, next.LeavesQty)
	next.LastUpdateTs = row.Timestamp

	return next
}

func appendExecution(o *types.Order, row Row) {
	if row.ExecID != "" {
		for _, e := range o.Executions {
			if e.ExecID == row.ExecID {
				return // already recorded, skip
			}
		}
	}
	qty := decimal.Zero
	if row.LastQty != nil {
		qty = *row.LastQty
	}
	price := o.AvgFillPrice
	switch {
	case row.LastPx != nil:
		price = *row.LastPx
	case row.AvgPx != nil:
		price = *row.AvgPx
	}
	o.Executions = append(o.Executions, types.Execution{
		ExecID:    row.ExecID,
		Qty:       qty,
		Price:     price,
		Timestamp: row.Timestamp,
		Liquidity: row.Liquidity,
	})
}

func sumExecutionQty(execs []types.Execution) decimal.Decimal {
	total := decimal.Zero
	for _, e := range execs {
		total = total.Add(e.Qty)
	}
	return total
}

func vwap(execs []types.Execution) decimal.Decimal {
	totalQty := decimal.Zero
	totalNotional := decimal.Zero
	for _, e := range execs {
		totalQty = totalQty.Add(e.Qty)
		totalNotional = totalNotional.Add(e.Qty.Mul(e.Price))
	}
	if totalQty.IsZero() {
		return decimal.Zero
	}
	return totalNotional.Div(totalQty)
}

// resolveStatus picks the highest-priority candidate among the
// ord-status, exec-type, and quantity-derived mappings, never downgrading
// a terminal status (spec.md §4.7).
func resolveStatus(existing types.OrderStatus, row Row, filledQty, leavesQty decimal.Decimal) types.OrderStatus {
	if types.IsTerminal(existing) {
		return existing
	}

	best := existing
	bestPriority := types.StatusPriority(existing)
	consider := func(candidate types.OrderStatus, ok bool) {
		if !ok {
			return
		}
		if p := types.StatusPriority(candidate); p > bestPriority {
			best = candidate
			bestPriority = p
		}
	}

	consider(mapOrdStatus(row.OrdStatus))
	consider(mapExecType(row.ExecType, filledQty, leavesQty))
	consider(mapQuantityDerived(row.CumQty, row.LeavesQty))

	return best
}

func mapOrdStatus(ordStatus string) (types.OrderStatus, bool) {
	switch ordStatus {
	case "New", "Triggered":
		return types.StatusPlaced, true
	case "PartiallyFilled":
		return types.StatusPartiallyFilled, true
	case "Filled":
		return types.StatusFilled, true
	case "Canceled":
		return types.StatusCanceled, true
	case "Rejected":
		return types.StatusRejected, true
	case "Expired":
		return types.StatusExpired, true
	default:
		return "", false
	}
}

func mapExecType(execType string, filledQty, leavesQty decimal.Decimal) (types.OrderStatus, bool) {
	switch execType {
	case "Trade":
		if leavesQty.Sign() <= 0 && filledQty.Sign() > 0 {
			return types.StatusFilled, true
		}
		return types.StatusPartiallyFilled, true
	case "Canceled":
		return types.StatusCanceled, true
	case "New":
		if filledQty.Sign() > 0 && leavesQty.Sign() > 0 {
			return types.StatusPartiallyFilled, true
		}
		return types.StatusPlaced, true
	case "Restated", "Calculated", "Settlement":
		if leavesQty.Sign() <= 0 && filledQty.Sign() > 0 {
			return types.StatusFilled, true
		}
		if filledQty.Sign() > 0 {
			return types.StatusPartiallyFilled, true
		}
		return "", false
	default:
		return "", false
	}
}

func mapQuantityDerived(cumQty, leavesQty *decimal.Decimal) (types.OrderStatus, bool) {
	if cumQty == nil || leavesQty == nil {
		return "", false
	}
	if leavesQty.Sign() <= 0 && cumQty.Sign() > 0 {
		return types.StatusFilled, true
	}
	if cumQty.Sign() > 0 {
		return types.StatusPartiallyFilled, true
	}
	return "", false
}

// mergeRESTIntoExisting folds REST-only fields (principally orderID, the
// canonical identifier BitMEX assigns) into an Order a stream row already
// created, per the same-tick reconciliation rule.
func mergeRESTIntoExisting(existing, rest types.Order) types.Order {
	next := existing.Clone()
	if next.OrderID == "" {
		next.OrderID = rest.OrderID
	}
	if !next.HasPrice && rest.HasPrice {
		next.Price = rest.Price
		next.HasPrice = true
	}
	if !next.HasStopPrice && rest.HasStopPrice {
		next.StopPrice = rest.StopPrice
		next.HasStopPrice = true
	}
	if next.Type == "" {
		next.Type = rest.Type
	}
	if next.TimeInForce == "" {
		next.TimeInForce = rest.TimeInForce
	}
	return next
}
