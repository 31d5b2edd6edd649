// Command hub runs the BitMEX client-side integration runtime: it connects
// the private WebSocket stream and the signed REST client, mirrors
// instruments/order books/trades/wallets/positions/orders locally, and
// exposes a minimal status surface over HTTP.
//
// Architecture:
//
//	cmd/hub/main.go         — entry point: loads config, wires every component, waits for SIGINT/SIGTERM
//	internal/hubcore        — Hub: channel multiplexer + cross-component registries
//	internal/transport      — authenticated private WebSocket connection, auto-reconnect
//	internal/restclient     — signed REST client (request signing, retries, rate limiting)
//	internal/orderbook      — local L2 order book mirror per symbol
//	internal/tradetape      — recent-trades ring buffer per symbol
//	internal/wallet         — per-account multi-currency balance mirror
//	internal/position       — per-(account,symbol) position mirror
//	internal/order          — order lifecycle state machine + inflight REST reconciliation
//	internal/placement      — prepared-placement -> wire payload -> REST -> registry merge
//	internal/instrument     — instrument registry with periodic active-instrument refresh
//	internal/resync         — order-book resubscribe/resync coordinator
//	internal/eventbus       — WebSocket fan-out of domain update events
//	internal/statusapi      — minimal external HTTP surface: /healthz, /snapshot, /events
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"bitmex-hub/internal/config"
	"bitmex-hub/internal/eventbus"
	"bitmex-hub/internal/hubcore"
	"bitmex-hub/internal/instrument"
	"bitmex-hub/internal/metrics"
	"bitmex-hub/internal/order"
	"bitmex-hub/internal/placement"
	"bitmex-hub/internal/position"
	"bitmex-hub/internal/restclient"
	"bitmex-hub/internal/resync"
	"bitmex-hub/internal/statusapi"
	"bitmex-hub/internal/transport"
	"bitmex-hub/internal/wallet"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("BITMEX_HUB_CONFIG"); p != "" {
		cfgPath = p
	}

	logger := newLogger("info", "console")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error().Err(err).Str("path", cfgPath).Msg("failed to load config")
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid config")
		os.Exit(1)
	}

	logger = newLogger(cfg.Logging.Level, cfg.Logging.Format)

	m := metrics.New()

	creds := restclient.Credentials{APIKey: cfg.Auth.APIKey, APISecret: cfg.Auth.APISecret}
	rest := restclient.New(cfg.REST, creds, cfg.Auth.AuthExpiresSkewSec, logger, m)
	tr := transport.New(cfg.Transport, logger, m)

	instruments := instrument.New(rest, cfg.Instrument.PollInterval, logger)
	positions := position.New(m, logger)
	wallets := wallet.New(m, logger)
	orders := order.New(m, logger)
	pipeline := placement.New(rest, orders, m, logger)
	resyncCoord := resync.New(cfg.Resync.DebounceWindow, logger)
	bus := eventbus.NewHub(logger)

	settings := hubcore.Settings{
		IsTest:               cfg.Auth.IsTest,
		APIKey:               cfg.Auth.APIKey,
		APISecret:            cfg.Auth.APISecret,
		SymbolMappingEnabled: cfg.Auth.SymbolMapping,
		AuthExpiresSkewSec:   cfg.Auth.AuthExpiresSkewSec,
	}
	hub := hubcore.New(settings, tr, rest, instruments, positions, wallets, orders, pipeline, resyncCoord, bus, m, logger)

	statusCtx, cancelStatus := context.WithCancel(context.Background())
	defer cancelStatus()

	var status *statusapi.Server
	if cfg.Status.Enabled {
		status = statusapi.NewServer(cfg.Status, hubSnapshotProvider{hub: hub}, bus, logger)
		go func() {
			if err := status.Start(statusCtx); err != nil {
				logger.Error().Err(err).Msg("status server failed")
			}
		}()
		logger.Info().Str("url", fmt.Sprintf("http://localhost:%d", cfg.Status.Port)).Msg("status server started")
	}

	if err := hub.Start(); err != nil {
		logger.Error().Err(err).Msg("failed to start hub")
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn().Msg("dry_run is set, but the placement pipeline does not read it: placements are still sent to the REST client")
	}

	logger.Info().
		Bool("is_test", cfg.Auth.IsTest).
		Bool("dry_run", cfg.DryRun).
		Msg("bitmex hub started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	if status != nil {
		if err := status.Stop(); err != nil {
			logger.Error().Err(err).Msg("failed to stop status server")
		}
	}
	cancelStatus()

	hub.Stop()
}

func newLogger(level, format string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	var w = os.Stdout
	if format == "console" || format == "" {
		return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).Level(lvl).With().Timestamp().Logger()
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// hubSnapshotProvider adapts hub's read-only registry views into the
// statusapi.Snapshot shape.
type hubSnapshotProvider struct {
	hub *hubcore.Hub
}

func (p hubSnapshotProvider) Snapshot() statusapi.Snapshot {
	return statusapi.Snapshot{
		Timestamp:   time.Now(),
		Instruments: p.hub.Instruments().All(),
		Orders:      p.hub.Orders().All(),
		Positions:   p.hub.Positions().All(),
		Wallets:     p.hub.Wallets().All(),
		Transport:   p.hub.TransportState(),
	}
}
