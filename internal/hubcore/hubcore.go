// Package hubcore is the Hub: the channel multiplexer (spec.md §4.9) and
// the cross-component registries it owns (spec.md §4.10), grounded on the
// teacher's internal/engine/engine.go component wiring (New/Start/Stop)
// generalized from per-market slots to per-channel dispatch.
package hubcore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bitmex-hub/internal/eventbus"
	"bitmex-hub/internal/instrument"
	"bitmex-hub/internal/metrics"
	"bitmex-hub/internal/order"
	"bitmex-hub/internal/orderbook"
	"bitmex-hub/internal/placement"
	"bitmex-hub/internal/position"
	"bitmex-hub/internal/resync"
	"bitmex-hub/internal/restclient"
	"bitmex-hub/internal/tradetape"
	"bitmex-hub/internal/transport"
	"bitmex-hub/internal/wallet"
	"bitmex-hub/pkg/types"
)

// Channel table names the multiplexer's dispatch table recognizes
// (spec.md §4.9).
const (
	TableOrderBookL2 = "orderBookL2"
	TableTrade       = "trade"
	TableWallet      = "wallet"
	TablePosition    = "position"
	TableOrder       = "order"
)

// Settings configures a Hub at construction (spec.md §4.10).
type Settings struct {
	IsTest               bool
	APIKey               string
	APISecret            string
	SymbolMappingEnabled bool
	AuthExpiresSkewSec   int
}

// envLabel returns the metric label for s (spec.md §4.10: env ∈
// {mainnet, testnet}).
func (s Settings) envLabel() string {
	if s.IsTest {
		return "testnet"
	}
	return "mainnet"
}

// Hub owns the core transport, the REST client, and every registry; it
// exposes read-only collection views, and routes mutating operations
// exclusively through its channel handlers and the placement pipeline
// (spec.md §4.10).
type Hub struct {
	settings Settings
	env      string

	transport   *transport.Transport
	rest        *restclient.Client
	instruments *instrument.Registry
	positions   *position.Registry
	wallets     *wallet.Registry
	orders      *order.Registry
	placement   *placement.Pipeline
	resync      *resync.Coordinator
	bus         *eventbus.Hub

	tradeTapeCapacity int
	booksMu           sync.RWMutex
	books             map[string]*orderbook.Book
	bookReady         map[string]bool // symbol -> has applied at least one partial
	tapes             map[string]*tradetape.Tape

	knownAccountsMu sync.Mutex
	knownAccounts   map[int64]bool

	metrics *metrics.Metrics
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a Hub from its already-constructed components. Callers build
// the transport, REST client, and registries (each independently testable)
// and hand them to New for orchestration.
func New(
	settings Settings,
	tr *transport.Transport,
	rest *restclient.Client,
	instruments *instrument.Registry,
	positions *position.Registry,
	wallets *wallet.Registry,
	orders *order.Registry,
	pipeline *placement.Pipeline,
	resyncCoord *resync.Coordinator,
	bus *eventbus.Hub,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		settings:          settings,
		env:               settings.envLabel(),
		transport:         tr,
		rest:              rest,
		instruments:       instruments,
		positions:         positions,
		wallets:           wallets,
		orders:            orders,
		placement:         pipeline,
		resync:            resyncCoord,
		bus:               bus,
		tradeTapeCapacity: 1000,
		books:             make(map[string]*orderbook.Book),
		bookReady:         make(map[string]bool),
		tapes:             make(map[string]*tradetape.Tape),
		knownAccounts:     make(map[int64]bool),
		metrics:           m,
		logger:            logger.With().Str("component", "hub").Str("env", settings.envLabel()).Logger(),
		ctx:               ctx,
		cancel:            cancel,
	}
}

// Start launches the transport, the instrument poller, the resync
// coordinator, and the dispatch goroutines that consume their event
// channels (spec.md §4.10, grounded on the teacher's Engine.Start fan-out).
func (h *Hub) Start() error {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.instruments.Run(h.ctx)
	}()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.resync.Run(h.ctx)
	}()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.dispatchTransportEvents()
	}()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.dispatchResyncSignals()
	}()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.dispatchWalletEvents()
	}()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.dispatchPositionEvents()
	}()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.dispatchOrderEvents()
	}()

	if err := h.transport.Connect(h.ctx); err != nil {
		h.logger.Error().Err(err).Msg("initial connect failed, reconnect loop will retry")
	}

	return nil
}

// Stop cancels every background goroutine, disconnects the transport, and
// waits for shutdown to complete (spec.md §4.10, grounded on the teacher's
// Engine.Stop cancel-then-drain-then-close sequence).
func (h *Hub) Stop() {
	h.logger.Info().Msg("stopping hub")
	h.cancel()
	h.transport.Disconnect(true)
	h.wg.Wait()
	h.logger.Info().Msg("hub stopped")
}

// dispatchTransportEvents routes the transport's lifecycle events to the
// channel multiplexer (for message frames) and the event bus (for
// hub-level open/close/authed/auth_error events).
func (h *Hub) dispatchTransportEvents() {
	for {
		select {
		case <-h.ctx.Done():
			return
		case evt, ok := <-h.transport.Events():
			if !ok {
				return
			}
			h.handleTransportEvent(evt)
		}
	}
}

func (h *Hub) handleTransportEvent(evt transport.Event) {
	switch evt.Kind {
	case transport.EventOpen:
		h.bus.Publish(eventbus.Event{Kind: eventbus.KindOpen, Timestamp: time.Now()})
	case transport.EventClose:
		h.markAwaitingPartial()
		h.bus.Publish(eventbus.Event{Kind: eventbus.KindClose, Reason: evt.CloseReason, Timestamp: time.Now()})
	case transport.EventAuthed:
		h.bus.Publish(eventbus.Event{Kind: eventbus.KindAuthed, Timestamp: time.Now()})
	case transport.EventAuthError:
		reason := ""
		if evt.Err != nil {
			reason = evt.Err.Error()
		}
		h.bus.Publish(eventbus.Event{Kind: eventbus.KindAuthError, Reason: reason, Timestamp: time.Now()})
	case transport.EventMessage:
		h.handleMessage(evt.Message)
	}
}

// markAwaitingPartial resets every book and every known account to the
// awaiting-partial state after a disconnect, so incrementals arriving
// before the reconnect's fresh partials are discarded (spec.md §4.11).
func (h *Hub) markAwaitingPartial() {
	h.booksMu.Lock()
	for symbol := range h.bookReady {
		h.bookReady[symbol] = false
	}
	h.booksMu.Unlock()

	h.knownAccountsMu.Lock()
	accounts := make([]int64, 0, len(h.knownAccounts))
	for account := range h.knownAccounts {
		accounts = append(accounts, account)
	}
	h.knownAccountsMu.Unlock()

	for _, account := range accounts {
		h.positions.MarkAwaitingPartial(account)
		h.wallets.MarkAwaitingPartial(account)
	}
}

// handleMessage decodes one raw transport frame and, if it carries
// channel data, dispatches it by table (spec.md §4.9); unknown tables are
// ignored with a debug log.
func (h *Hub) handleMessage(raw []byte) {
	var env types.WireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		h.logger.Debug().Err(err).Msg("failed to decode frame")
		return
	}
	if env.Table == "" {
		return
	}

	var data types.ChannelDataRaw
	if err := json.Unmarshal(raw, &data); err != nil {
		h.logger.Debug().Str("table", env.Table).Err(err).Msg("failed to decode channel data")
		return
	}

	rows := make([]row, len(data.Data))
	for i, r := range data.Data {
		rows[i] = row(r)
	}

	h.dispatch(env.Table, env.Action, rows)
}

// dispatch routes one decoded channel-data frame to its table handler
// (spec.md §4.9's static channel -> handler-set mapping).
func (h *Hub) dispatch(table string, action types.Action, rows []row) {
	switch table {
	case TableOrderBookL2:
		h.handleBook(action, rows)
	case TableTrade:
		h.handleTrade(action, rows)
	case TableWallet:
		h.handleWallet(action, rows)
	case TablePosition:
		h.handlePosition(action, rows)
	case TableOrder:
		h.handleOrder(action, rows)
	default:
		h.logger.Debug().Str("table", table).Msg("unrecognized channel, ignoring")
	}
}

func (h *Hub) bookFor(symbol string) *orderbook.Book {
	h.booksMu.Lock()
	defer h.booksMu.Unlock()
	b, ok := h.books[symbol]
	if !ok {
		b = orderbook.New(symbol, h.metrics, h.logger)
		h.books[symbol] = b
	}
	return b
}

func (h *Hub) tapeFor(symbol string) *tradetape.Tape {
	h.booksMu.Lock()
	defer h.booksMu.Unlock()
	tp, ok := h.tapes[symbol]
	if !ok {
		tp = tradetape.New(symbol, h.tradeTapeCapacity, h.metrics, h.logger)
		h.tapes[symbol] = tp
	}
	return tp
}

func symbolOf(rows []row) string {
	for _, r := range rows {
		if s := getString(r, "symbol"); s != "" {
			return s
		}
	}
	return ""
}

// handleBook dispatches one orderBookL2 frame. Incrementals arriving
// before this symbol's first partial are discarded (spec.md §5's ordering
// guarantee); a partial establishes readiness and resets state.
func (h *Hub) handleBook(action types.Action, rows []row) {
	symbol := symbolOf(rows)
	if symbol == "" {
		return
	}
	book := h.bookFor(symbol)

	h.booksMu.Lock()
	ready := h.bookReady[symbol]
	if action == types.ActionPartial {
		h.bookReady[symbol] = true
	}
	h.booksMu.Unlock()

	if !ready && action != types.ActionPartial {
		return
	}

	switch action {
	case types.ActionPartial:
		book.Reset(decodeBookRows(rows))
	case types.ActionInsert:
		book.ApplyInsert(decodeBookRows(rows))
	case types.ActionUpdate:
		book.ApplyUpdate(decodeBookRowUpdates(rows))
	case types.ActionDelete:
		book.ApplyDelete(decodeBookRowIDs(rows))
	}

	if book.OutOfSync() {
		h.resync.Report(resync.DesyncReport{Symbol: symbol, Reason: "book out of sync", Timestamp: time.Now()})
	}
}

func (h *Hub) handleTrade(action types.Action, rows []row) {
	symbol := symbolOf(rows)
	if symbol == "" {
		return
	}
	tape := h.tapeFor(symbol)
	tape.Push(decodeTradeRows(rows), tradetape.PushOptions{Reset: action == types.ActionPartial})
}

func (h *Hub) rememberAccounts(rows []row) {
	h.knownAccountsMu.Lock()
	defer h.knownAccountsMu.Unlock()
	for _, r := range rows {
		if account, ok := getInt64(r, "account"); ok {
			h.knownAccounts[account] = true
		}
	}
}

func (h *Hub) handleWallet(action types.Action, rows []row) {
	h.rememberAccounts(rows)
	walletRows := decodeWalletRows(rows)
	if action == types.ActionPartial {
		h.wallets.ApplyPartial(walletRows)
		return
	}
	h.wallets.ApplyIncremental(walletRows)
}

func (h *Hub) handlePosition(action types.Action, rows []row) {
	h.rememberAccounts(rows)
	positionRows := decodePositionRows(rows)
	byAccount := make(map[int64][]position.Row)
	for _, r := range positionRows {
		byAccount[r.Account] = append(byAccount[r.Account], r)
	}
	for account, accountRows := range byAccount {
		if action == types.ActionPartial {
			h.positions.ApplyPartial(account, accountRows)
		} else {
			h.positions.ApplyIncremental(account, accountRows)
		}
	}
}

func (h *Hub) handleOrder(action types.Action, rows []row) {
	for _, r := range decodeOrderRows(rows) {
		if r.OrderID == "" {
			continue
		}
		h.orders.ApplyStreamRow(r)
	}
}

// dispatchResyncSignals drives book resubscribe requests from the resync
// coordinator: unsubscribe/subscribe the L2 channel for symbol, the hub's
// resubscribeOrderBook (spec.md §4.11).
func (h *Hub) dispatchResyncSignals() {
	for {
		select {
		case <-h.ctx.Done():
			return
		case sig, ok := <-h.resync.Signals():
			if !ok {
				return
			}
			h.resubscribeOrderBook(sig.Symbol)
		}
	}
}

func (h *Hub) resubscribeOrderBook(symbol string) {
	h.booksMu.Lock()
	h.bookReady[symbol] = false
	h.booksMu.Unlock()

	arg := TableOrderBookL2 + ":" + symbol
	if err := h.transport.Unsubscribe([]string{arg}); err != nil {
		h.logger.Warn().Err(err).Str("symbol", symbol).Msg("unsubscribe failed")
	}
	if err := h.transport.Subscribe([]string{arg}); err != nil {
		h.logger.Warn().Err(err).Str("symbol", symbol).Msg("resubscribe failed")
	}
}

func (h *Hub) dispatchWalletEvents() {
	for {
		select {
		case <-h.ctx.Done():
			return
		case evt, ok := <-h.wallets.Events():
			if !ok {
				return
			}
			changed := make([]string, 0, len(evt.Diff))
			for cur := range evt.Diff {
				changed = append(changed, cur)
			}
			h.bus.Publish(eventbus.Event{
				Kind:      eventbus.KindUpdate,
				Entity:    "wallet",
				Snapshot:  evt.Snapshot,
				Diff:      eventbus.Diff{Changed: changed},
				Reason:    evt.Reason,
				Timestamp: time.Now(),
			})
		}
	}
}

func (h *Hub) dispatchPositionEvents() {
	for {
		select {
		case <-h.ctx.Done():
			return
		case evt, ok := <-h.positions.Events():
			if !ok {
				return
			}
			h.bus.Publish(eventbus.Event{
				Kind:      eventbus.KindUpdate,
				Entity:    "position",
				Snapshot:  evt.Snapshot,
				Reason:    evt.Reason,
				Timestamp: time.Now(),
			})
		}
	}
}

func (h *Hub) dispatchOrderEvents() {
	for {
		select {
		case <-h.ctx.Done():
			return
		case evt, ok := <-h.orders.Events():
			if !ok {
				return
			}
			h.bus.Publish(eventbus.Event{
				Kind:      eventbus.KindUpdate,
				Entity:    "order",
				Snapshot:  evt.Order,
				Reason:    evt.Reason,
				Timestamp: time.Now(),
			})
		}
	}
}

// Place submits pp through the placement pipeline (the only mutating
// entry point besides the channel handlers, spec.md §4.10).
func (h *Hub) Place(ctx context.Context, pp types.PreparedPlacement) (types.Order, error) {
	return h.placement.Place(ctx, pp)
}

// Orders returns the hub's live order registry (not a copy).
func (h *Hub) Orders() *order.Registry { return h.orders }

// Positions returns the hub's live position registry (not a copy).
func (h *Hub) Positions() *position.Registry { return h.positions }

// Wallets returns the hub's live wallet registry (not a copy).
func (h *Hub) Wallets() *wallet.Registry { return h.wallets }

// Instruments returns the hub's live instrument registry (not a copy).
func (h *Hub) Instruments() *instrument.Registry { return h.instruments }

// Book returns the L2 book for symbol, creating an empty one if none
// exists yet.
func (h *Hub) Book(symbol string) *orderbook.Book {
	return h.bookFor(symbol)
}

// Tape returns the trade tape for symbol, creating an empty one if none
// exists yet.
func (h *Hub) Tape(symbol string) *tradetape.Tape {
	return h.tapeFor(symbol)
}

// TransportState reports the current connection state, for status
// surfaces that want it without reaching into the transport directly.
func (h *Hub) TransportState() string {
	return h.transport.State().String()
}
