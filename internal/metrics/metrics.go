// Package metrics exposes the Prometheus counters, gauges, and histograms
// the hub updates during operation. Unlike the pack's typical pattern of
// registering against the global default registry in init(), each Metrics
// instance owns a private prometheus.Registry so multiple hubs can coexist
// in the same test binary without colliding on metric names.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every series the hub emits:
//
//   - hub_book_updates_total{symbol,action}   book mutations applied
//   - hub_book_out_of_sync_total{symbol}      desync detections
//   - hub_trades_received_total{symbol}       trade tape pushes
//   - hub_wallet_updates_total{currency}       wallet balance updates
//   - hub_position_updates_total{symbol}       position updates applied
//   - hub_position_update_latency_seconds      lag from position row timestamp to apply
//   - hub_orders_placed_total{symbol,side}     placement attempts
//   - hub_order_rejects_total{symbol,reason}   rejected placements
//   - create_order_latency_ms{exchange,symbol} POST /order placement latency (ms)
//   - hub_ws_reconnects_total                  transport reconnects
//   - hub_ws_state                             transport state gauge; no component sets it, so it stays 0
type Metrics struct {
	Registry *prometheus.Registry

	BookUpdates      *prometheus.CounterVec
	BookOutOfSync    *prometheus.CounterVec
	TradesReceived   *prometheus.CounterVec
	WalletUpdates    *prometheus.CounterVec
	PositionUpdates  *prometheus.CounterVec
	PositionApplyLat prometheus.Histogram
	OrdersPlaced     *prometheus.CounterVec
	OrderRejects     *prometheus.CounterVec
	CreateOrderLat   *prometheus.HistogramVec
	WSReconnects     prometheus.Counter
	WSState          prometheus.Gauge
}

// New builds and registers the metric set against a fresh, private
// registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		BookUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_book_updates_total",
				Help: "Order book mutations applied, by symbol and action.",
			},
			[]string{"symbol", "action"},
		),
		BookOutOfSync: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_book_out_of_sync_total",
				Help: "Order book desync detections, by symbol.",
			},
			[]string{"symbol"},
		),
		TradesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_trades_received_total",
				Help: "Trade tape prints received, by symbol.",
			},
			[]string{"symbol"},
		),
		WalletUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_wallet_updates_total",
				Help: "Wallet balance updates applied, by currency.",
			},
			[]string{"currency"},
		),
		PositionUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_position_updates_total",
				Help: "Position updates applied, by symbol.",
			},
			[]string{"symbol"},
		),
		PositionApplyLat: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "hub_position_update_latency_seconds",
				Help:    "Delay from a position row's timestamp to when it was applied.",
				Buckets: prometheus.DefBuckets,
			},
		),
		OrdersPlaced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_orders_placed_total",
				Help: "Placement attempts submitted, by symbol and side.",
			},
			[]string{"symbol", "side"},
		),
		OrderRejects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_order_rejects_total",
				Help: "Rejected placements, by symbol and reason.",
			},
			[]string{"symbol", "reason"},
		),
		CreateOrderLat: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "create_order_latency_ms",
				Help:    "End-to-end latency of a POST /order placement, in milliseconds.",
				Buckets: prometheus.ExponentialBuckets(5, 2, 12),
			},
			[]string{"exchange", "symbol"},
		),
		WSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "hub_ws_reconnects_total",
				Help: "Number of times the private transport reconnected.",
			},
		),
		WSState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "hub_ws_state",
				Help: "Transport state (ordinal); not set by any component, so it stays 0.",
			},
		),
	}

	reg.MustRegister(
		m.BookUpdates,
		m.BookOutOfSync,
		m.TradesReceived,
		m.WalletUpdates,
		m.PositionUpdates,
		m.PositionApplyLat,
		m.OrdersPlaced,
		m.OrderRejects,
		m.CreateOrderLat,
		m.WSReconnects,
		m.WSState,
	)

	return m
}
