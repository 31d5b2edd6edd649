// Package resync debounces order-book desync reports into per-symbol
// resubscribe signals (spec.md §4.11).
package resync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DesyncReport is submitted when a channel handler observes outOfSync on a
// symbol's order book.
type DesyncReport struct {
	Symbol    string
	Reason    string
	Timestamp time.Time
}

// ResubscribeSignal tells the hub to unsubscribe and resubscribe the L2
// channel for Symbol (spec.md §4.11).
type ResubscribeSignal struct {
	Symbol string
	Reason string
}

type pending struct {
	reason    string
	firstSeen time.Time
}

// Coordinator debounces repeated desync reports for the same symbol within
// DebounceWindow into a single resubscribe signal, grounded on the
// teacher's risk.Manager report-channel + periodic-ticker + drain-then-send
// signal-channel pattern.
type Coordinator struct {
	debounceWindow time.Duration
	logger         zerolog.Logger

	mu      sync.Mutex
	pending map[string]pending

	reportCh chan DesyncReport
	signalCh chan ResubscribeSignal
}

// New creates a resync coordinator. A zero debounceWindow defaults to two
// seconds.
func New(debounceWindow time.Duration, logger zerolog.Logger) *Coordinator {
	if debounceWindow <= 0 {
		debounceWindow = 2 * time.Second
	}
	return &Coordinator{
		debounceWindow: debounceWindow,
		logger:         logger.With().Str("component", "resync").Logger(),
		pending:        make(map[string]pending),
		reportCh:       make(chan DesyncReport, 64),
		signalCh:       make(chan ResubscribeSignal, 16),
	}
}

// Report submits a desync observation (non-blocking).
func (c *Coordinator) Report(report DesyncReport) {
	select {
	case c.reportCh <- report:
	default:
		c.logger.Warn().Str("symbol", report.Symbol).Msg("resync report channel full, dropping report")
	}
}

// Signals returns the channel ResubscribeSignals are published on.
func (c *Coordinator) Signals() <-chan ResubscribeSignal {
	return c.signalCh
}

// Run drives the debounce loop until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.debounceWindow)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case report := <-c.reportCh:
			c.track(report)
		case <-ticker.C:
			c.flushExpired()
		}
	}
}

func (c *Coordinator) track(report DesyncReport) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.pending[report.Symbol]; exists {
		return // already debouncing this symbol, first report's timer governs
	}
	c.pending[report.Symbol] = pending{reason: report.Reason, firstSeen: report.Timestamp}
}

// flushExpired emits a ResubscribeSignal for every symbol whose debounce
// window has elapsed since its first report.
func (c *Coordinator) flushExpired() {
	c.mu.Lock()
	now := time.Now()
	var ready []ResubscribeSignal
	for symbol, p := range c.pending {
		if now.Sub(p.firstSeen) >= c.debounceWindow {
			ready = append(ready, ResubscribeSignal{Symbol: symbol, Reason: p.reason})
			delete(c.pending, symbol)
		}
	}
	c.mu.Unlock()

	for _, sig := range ready {
		c.emit(sig)
	}
}

func (c *Coordinator) emit(sig ResubscribeSignal) {
	select {
	case c.signalCh <- sig:
	default:
		select {
		case <-c.signalCh:
		default:
		}
		select {
		case c.signalCh <- sig:
		default:
		}
	}
	c.logger.Info().Str("symbol", sig.Symbol).Str("reason", sig.Reason).Msg("resubscribe requested")
}
