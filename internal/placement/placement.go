// Package placement implements the prepared-placement -> wire payload ->
// REST -> Order registry merge pipeline (spec.md §4.8).
package placement

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"bitmex-hub/internal/errs"
	"bitmex-hub/internal/metrics"
	"bitmex-hub/internal/order"
	"bitmex-hub/internal/restclient"
	"bitmex-hub/pkg/types"
)

const (
	defaultTimeout = 8 * time.Second
	exchangeLabel  = "bitmex"
)

// REST is the subset of *restclient.Client the pipeline calls, narrowed so
// tests can supply a fake.
type REST interface {
	PlaceOrder(ctx context.Context, req restclient.OrderRequest) (*restclient.OrderResponse, error)
}

// Pipeline drives PreparedPlacement through invariant re-check, wire
// mapping, inflight registration, REST submission, and registry merge.
type Pipeline struct {
	rest     REST
	registry *order.Registry
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// New builds a placement pipeline.
func New(rest REST, registry *order.Registry, m *metrics.Metrics, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		rest:     rest,
		registry: registry,
		metrics:  m,
		logger:   logger.With().Str("component", "placement").Logger(),
	}
}

// Place validates, submits, and reconciles one prepared placement,
// returning the resulting Order (spec.md §4.8).
func (p *Pipeline) Place(ctx context.Context, pp types.PreparedPlacement) (types.Order, error) {
	if err := checkInvariants(pp); err != nil {
		if p.metrics != nil {
			p.metrics.OrderRejects.WithLabelValues(pp.Symbol, "invariant").Inc()
		}
		return types.Order{}, err
	}

	clOrdID := pp.Options.ClOrdID
	if clOrdID == "" {
		clOrdID = uuid.NewString()
	}

	req := buildWireRequest(pp, clOrdID)

	p.registry.BeginInflight(clOrdID, pp.Symbol, pp.Side)
	if p.metrics != nil {
		p.metrics.OrdersPlaced.WithLabelValues(pp.Symbol, string(pp.Side)).Inc()
	}

	start := time.Now()
	resp, err := p.submitWithRetry(ctx, req)
	elapsedMs := float64(time.Since(start)) / float64(time.Millisecond)
	if p.metrics != nil {
		p.metrics.CreateOrderLat.WithLabelValues(exchangeLabel, pp.Symbol).Observe(elapsedMs)
	}
	if err != nil {
		if p.metrics != nil {
			p.metrics.OrderRejects.WithLabelValues(pp.Symbol, classifyReason(err)).Inc()
		}
		return types.Order{}, err
	}

	restOrder := responseToOrder(clOrdID, *resp)
	merged := p.registry.Promote(clOrdID, restOrder)
	return merged, nil
}

// submitWithRetry issues one POST /order attempt, retrying exactly once
// when the failure is classified Network or ExchangeDown (spec.md §4.8).
func (p *Pipeline) submitWithRetry(ctx context.Context, req restclient.OrderRequest) (*restclient.OrderResponse, error) {
	resp, err := p.rest.PlaceOrder(ctx, req)
	if err == nil {
		return resp, nil
	}
	if !isRetryable(err) {
		return nil, err
	}
	p.logger.Warn().Err(err).Str("clOrdID", req.ClOrdID).Msg("placement failed, retrying once")
	return p.rest.PlaceOrder(ctx, req)
}

func isRetryable(err error) bool {
	e, ok := err.(*errs.Error)
	if !ok {
		return false
	}
	return e.Kind == errs.KindNetwork || e.Kind == errs.KindExchangeDown
}

func classifyReason(err error) string {
	if e, ok := err.(*errs.Error); ok {
		return e.Kind.String()
	}
	return "unknown"
}

// checkInvariants re-validates the prepared placement defensively even
// though the caller's preparation layer should have already enforced these
// (spec.md §4.8 step 1).
func checkInvariants(pp types.PreparedPlacement) error {
	if pp.Options.PostOnly && pp.Type != types.OrderTypeLimit {
		return errs.Newf(errs.KindValidation, "postOnly requires Limit order type")
	}
	if (pp.Type == types.OrderTypeStop || pp.Type == types.OrderTypeStopLimit) && !pp.HasStopPrice {
		return errs.Newf(errs.KindValidation, "%s requires a stopPrice", pp.Type)
	}
	if pp.Type == types.OrderTypeStopLimit && (!pp.HasPrice || !pp.Options.HasStopLimit) {
		return errs.Newf(errs.KindValidation, "StopLimit requires both price and stopLimitPrice")
	}
	return nil
}

// buildWireRequest maps a PreparedPlacement to the POST /order body
// (spec.md §4.8 step 2).
func buildWireRequest(pp types.PreparedPlacement, clOrdID string) restclient.OrderRequest {
	req := restclient.OrderRequest{
		Symbol:   pp.Symbol,
		Side:     wireSide(pp.Side),
		OrderQty: toFloat(pp.Size),
		OrdType:  string(pp.Type),
		ClOrdID:  clOrdID,
	}
	if pp.HasPrice {
		v := toFloat(pp.Price)
		req.Price = &v
	}
	if pp.HasStopPrice {
		v := toFloat(pp.StopPrice)
		req.StopPx = &v
	}
	if pp.Options.HasTimeInForce {
		req.TimeInForce = string(pp.Options.TimeInForce)
	}
	req.ExecInst = execInstFlags(pp.Options)
	return req
}

func wireSide(s types.Side) string {
	switch s {
	case types.Buy:
		return "Buy"
	case types.Sell:
		return "Sell"
	default:
		return string(s)
	}
}

func execInstFlags(opts types.PlacementOptions) string {
	var flags []string
	if opts.PostOnly {
		flags = append(flags, "ParticipateDoNotInitiate")
	}
	if opts.ReduceOnly {
		flags = append(flags, "ReduceOnly")
	}
	return strings.Join(flags, ",")
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := strconv.ParseFloat(d.String(), 64)
	return f
}

// responseToOrder converts the REST response into the Order shape the
// registry merges (spec.md §4.7's inflight reconciliation).
func responseToOrder(clOrdID string, resp restclient.OrderResponse) types.Order {
	o := types.Order{
		OrderID:     resp.OrderID,
		ClOrdID:     clOrdID,
		Symbol:      resp.Symbol,
		Side:        types.Side(resp.Side),
		Type:        types.OrderType(resp.OrdType),
		TimeInForce: types.TimeInForce(resp.TimeInForce),
		Qty:         decimal.NewFromFloat(resp.OrderQty),
		LeavesQty:   decimal.NewFromFloat(resp.LeavesQty),
		FilledQty:   decimal.NewFromFloat(resp.CumQty),
		Text:        resp.Text,
	}
	if resp.Price != 0 {
		o.Price = decimal.NewFromFloat(resp.Price)
		o.HasPrice = true
	}
	if resp.StopPx != 0 {
		o.StopPrice = decimal.NewFromFloat(resp.StopPx)
		o.HasStopPrice = true
	}
	if resp.AvgPx != 0 {
		o.AvgFillPrice = decimal.NewFromFloat(resp.AvgPx)
	}
	o.Status = mapRESTOrdStatus(resp.OrdStatus)
	if ts, err := time.Parse(time.RFC3339, resp.Timestamp); err == nil {
		o.LastUpdateTs = ts
	} else {
		o.LastUpdateTs = time.Now()
	}
	return o
}

func mapRESTOrdStatus(ordStatus string) types.OrderStatus {
	switch ordStatus {
	case "New", "Triggered":
		return types.StatusPlaced
	case "PartiallyFilled":
		return types.StatusPartiallyFilled
	case "Filled":
		return types.StatusFilled
	case "Canceled":
		return types.StatusCanceled
	case "Rejected":
		return types.StatusRejected
	case "Expired":
		return types.StatusExpired
	default:
		return types.StatusPlaced
	}
}

// InferOrderType implements the order-type inference helper used by the
// preparation layer (spec.md §4.8): given a side, an optional limit price,
// and the best known opposite-side quotes, it picks Market/Limit/Stop.
// StopLimit is the caller's explicit choice and is not inferred here.
func InferOrderType(side types.Side, price *decimal.Decimal, bestBid, bestAsk *decimal.Decimal, stopLimit bool) types.OrderType {
	if stopLimit {
		return types.OrderTypeStopLimit
	}
	if price == nil {
		return types.OrderTypeMarket
	}
	switch side {
	case types.Buy:
		if bestAsk != nil && price.GreaterThanOrEqual(*bestAsk) {
			return types.OrderTypeStop
		}
	case types.Sell:
		if bestBid != nil && price.LessThanOrEqual(*bestBid) {
			return types.OrderTypeStop
		}
	}
	return types.OrderTypeLimit
}
