// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the hub — instrument metadata,
// L2 book rows, trades, wallet balances, positions, orders, placement
// intents, and the private WebSocket wire envelopes. It has no dependencies
// on internal packages, so it can be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order or book row: Buy or Sell.
type Side string

const (
	Buy  Side = "Buy"
	Sell Side = "Sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType enumerates the supported order types (spec.md §6.4).
type OrderType string

const (
	OrderTypeMarket    OrderType = "Market"
	OrderTypeLimit     OrderType = "Limit"
	OrderTypeStop      OrderType = "Stop"
	OrderTypeStopLimit OrderType = "StopLimit"
)

// TimeInForce enumerates the supported order time-in-force values.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GoodTillCancel"
	TimeInForceIOC TimeInForce = "ImmediateOrCancel"
	TimeInForceFOK TimeInForce = "FillOrKill"
)

// OrderStatus enumerates the order lifecycle states (spec.md §4.7).
type OrderStatus string

const (
	StatusPlaced          OrderStatus = "Placed"
	StatusPartiallyFilled OrderStatus = "PartiallyFilled"
	StatusFilled          OrderStatus = "Filled"
	StatusCanceling       OrderStatus = "Canceling"
	StatusCanceled        OrderStatus = "Canceled"
	StatusRejected        OrderStatus = "Rejected"
	StatusExpired         OrderStatus = "Expired"
)

// StatusPriority ranks a status for resolving competing candidate updates;
// higher always wins and a terminal status is never downgraded (spec.md
// §4.7).
func StatusPriority(s OrderStatus) int {
	switch s {
	case StatusFilled:
		return 6
	case StatusPartiallyFilled:
		return 5
	case StatusRejected:
		return 4
	case StatusCanceled, StatusExpired:
		return 3
	case StatusCanceling:
		return 2
	case StatusPlaced:
		return 1
	default:
		return 0
	}
}

// IsTerminal reports whether status is one of the terminal states.
func IsTerminal(s OrderStatus) bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

// Action identifies a channel-data message's mutation kind.
type Action string

const (
	ActionPartial Action = "partial"
	ActionInsert  Action = "insert"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
)

// ————————————————————————————————————————————————————————————————————————
// Instrument
// ————————————————————————————————————————————————————————————————————————

// Instrument is keyed by native (exchange-wire) symbol; UnifiedSymbol is the
// venue-neutral alias. One Instrument exists per native symbol — upper,
// lower, and unified aliases all resolve to the same instance (spec.md §3).
type Instrument struct {
	NativeSymbol  string
	UnifiedSymbol string
	TickSize      decimal.Decimal
	LotSize       decimal.Decimal
	State         string // "Open", "Closed", "Unlisted", ...
}

// ————————————————————————————————————————————————————————————————————————
// L2 order book
// ————————————————————————————————————————————————————————————————————————

// BookRow is a single order-book entry keyed by exchange order id.
type BookRow struct {
	ID    int64
	Side  Side
	Price decimal.Decimal
	Size  decimal.Decimal
}

// BookRowUpdate is a partial overlay applied by applyUpdate; Price/Size are
// pointers so "field absent" is distinguishable from "field is zero".
type BookRowUpdate struct {
	ID    int64
	Price *decimal.Decimal
	Size  *decimal.Decimal
}

// PriceLevel is an aggregated price level: total size across all rows
// resting at that price.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// BookChangeCount reports how many distinct price levels changed on each
// side of the book as the result of one mutation.
type BookChangeCount struct {
	Bids int
	Asks int
}

// ————————————————————————————————————————————————————————————————————————
// Trade tape
// ————————————————————————————————————————————————————————————————————————

// Trade is a single print on the public trade tape (spec.md §4.4).
type Trade struct {
	Timestamp       time.Time
	Symbol          string
	Side            Side
	Price           decimal.Decimal
	Size            decimal.Decimal
	ID              string // optional; enables dedup when present
	ForeignNotional decimal.Decimal
	HasForeign      bool
	OriginalIndex   int // position within its arrival batch, for stable ordering
}

// ————————————————————————————————————————————————————————————————————————
// Wallet
// ————————————————————————————————————————————————————————————————————————

// Balance is one currency's balance snapshot within a wallet.
type Balance struct {
	Currency       string
	Amount         decimal.Decimal
	PendingCredit  decimal.Decimal
	PendingDebit   decimal.Decimal
	ConfirmedDebit decimal.Decimal
	TransferIn     decimal.Decimal
	TransferOut    decimal.Decimal
	Deposited      decimal.Decimal
	Withdrawn      decimal.Decimal
	Timestamp      time.Time
}

// WalletSnapshot is the full per-account balance mirror.
type WalletSnapshot struct {
	AccountID int64
	Balances  map[string]Balance // currency -> Balance
	UpdatedAt time.Time          // max balance timestamp across all currencies
}

// ————————————————————————————————————————————————————————————————————————
// Position
// ————————————————————————————————————————————————————————————————————————

// FieldKind identifies the dynamic type carried by a FieldValue.
type FieldKind int

const (
	FieldAbsent FieldKind = iota
	FieldNumber
	FieldString
	FieldBool
)

// FieldValue is a tagged union for one passthrough position field (mark
// price, PnL, margin, liquidation price, ...).
type FieldValue struct {
	Kind FieldKind
	Num  decimal.Decimal
	Str  string
	Bool bool
}

// Position is the per-(accountId,symbol) position mirror. Fields is the
// dynamic passthrough overlay keyed by wire field name (spec.md §4.6).
type Position struct {
	AccountID  int64
	Symbol     string
	CurrentQty decimal.Decimal
	Timestamp  time.Time
	Fields     map[string]FieldValue
}

// Size returns |currentQty|.
func (p Position) Size() decimal.Decimal {
	return p.CurrentQty.Abs()
}

// PositionSide returns Sell for a short (currentQty < 0), Buy otherwise.
func (p Position) PositionSide() Side {
	if p.CurrentQty.Sign() < 0 {
		return Sell
	}
	return Buy
}

// IsOpen reports whether the position carries nonzero size.
func (p Position) IsOpen() bool {
	return p.Size().Sign() > 0
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// Execution is one applied fill against an Order.
type Execution struct {
	ExecID    string
	Qty       decimal.Decimal
	Price     decimal.Decimal
	Timestamp time.Time
	Liquidity string // "Maker" / "Taker", passthrough
}

// Order is the canonical order snapshot, merged from REST responses and
// private-stream rows (spec.md §4.7).
type Order struct {
	OrderID      string
	ClOrdID      string
	Symbol       string
	Side         Side
	Type         OrderType
	TimeInForce  TimeInForce
	ExecInst     string
	Price        decimal.Decimal
	HasPrice     bool
	StopPrice    decimal.Decimal
	HasStopPrice bool
	Qty          decimal.Decimal
	LeavesQty    decimal.Decimal
	FilledQty    decimal.Decimal
	AvgFillPrice decimal.Decimal
	Status       OrderStatus
	Executions   []Execution
	LastUpdateTs time.Time
	Text         string
}

// Clone returns a copy safe for external hand-off; the executions slice is
// copied so callers can't mutate the registry's backing array.
func (o Order) Clone() Order {
	cp := o
	cp.Executions = append([]Execution(nil), o.Executions...)
	return cp
}

// ————————————————————————————————————————————————————————————————————————
// Placement
// ————————————————————————————————————————————————————————————————————————

// PlacementOptions carries the optional, order-type-dependent placement
// fields (spec.md §6.4).
type PlacementOptions struct {
	PostOnly       bool
	ReduceOnly     bool
	TimeInForce    TimeInForce
	HasTimeInForce bool
	ClOrdID        string
	StopLimitPrice decimal.Decimal
	HasStopLimit   bool
}

// PreparedPlacement is the validated, language-neutral placement intent the
// core consumes (spec.md §1, §6.4).
type PreparedPlacement struct {
	Symbol       string
	Side         Side
	Size         decimal.Decimal
	Type         OrderType
	Price        decimal.Decimal
	HasPrice     bool
	StopPrice    decimal.Decimal
	HasStopPrice bool
	Options      PlacementOptions
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket wire envelopes
// ————————————————————————————————————————————————————————————————————————

// WireEnvelope is the outer shape of every server-to-client frame; it is
// decoded first to route to the correct typed handler (spec.md §6.1).
type WireEnvelope struct {
	Info      string          `json:"info,omitempty"`
	Version   string          `json:"version,omitempty"`
	Success   *bool           `json:"success,omitempty"`
	Subscribe string          `json:"subscribe,omitempty"`
	Request   *WireRequestRef `json:"request,omitempty"`
	Error     string          `json:"error,omitempty"`
	Message   string          `json:"message,omitempty"`
	Table     string          `json:"table,omitempty"`
	Action    Action          `json:"action,omitempty"`
}

// WireRequestRef identifies the client request an auth/subscribe-ack frame
// answers.
type WireRequestRef struct {
	Op   string        `json:"op"`
	Args []interface{} `json:"args"`
}

// SubscribeMsg is the client->server subscribe/unsubscribe frame.
type SubscribeMsg struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

// AuthMsg is the client->server authKeyExpires frame (spec.md §4.1).
type AuthMsg struct {
	Op   string        `json:"op"`
	Args []interface{} `json:"args"`
}

// ChannelDataRaw carries the raw JSON rows of a channel-data frame awaiting
// per-table decode.
type ChannelDataRaw struct {
	Table  string
	Action Action
	Data   []map[string]interface{}
}
