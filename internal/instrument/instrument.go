// Package instrument maintains the native-symbol-keyed instrument registry
// with alias resolution and a periodic GET /instrument/active refresh
// (spec.md §3, supplemental).
package instrument

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"bitmex-hub/internal/restclient"
	"bitmex-hub/pkg/types"
)

// REST is the subset of *restclient.Client the registry polls, narrowed so
// tests can supply a fake.
type REST interface {
	GetActiveInstruments(ctx context.Context) ([]restclient.InstrumentWire, error)
}

// RefreshResult is published on the results channel after every poll,
// mirroring the teacher's scanner.ScanResult shape.
type RefreshResult struct {
	Instruments []types.Instrument
	ScannedAt   time.Time
	Err         error
}

// Registry holds one Instrument per native symbol, addressable by native,
// lowercase, or unified alias (spec.md §3's "one Instrument per native
// symbol" invariant).
type Registry struct {
	rest         REST
	pollInterval time.Duration
	logger       zerolog.Logger

	mu      sync.RWMutex
	byAlias map[string]*types.Instrument

	resultCh chan RefreshResult
}

// New creates an instrument registry. A zero pollInterval defaults to one
// minute.
func New(rest REST, pollInterval time.Duration, logger zerolog.Logger) *Registry {
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}
	return &Registry{
		rest:         rest,
		pollInterval: pollInterval,
		logger:       logger.With().Str("component", "instrument").Logger(),
		byAlias:      make(map[string]*types.Instrument),
		resultCh:     make(chan RefreshResult, 1),
	}
}

// Results returns the channel refreshes are published on.
func (r *Registry) Results() <-chan RefreshResult {
	return r.resultCh
}

// Run polls GET /instrument/active on pollInterval, with an immediate poll
// on startup, until ctx is cancelled (grounded on the teacher's
// Scanner.Run poll loop).
func (r *Registry) Run(ctx context.Context) {
	r.refresh(ctx)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

func (r *Registry) refresh(ctx context.Context) {
	wire, err := r.rest.GetActiveInstruments(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("instrument refresh failed")
		r.publish(RefreshResult{Err: err, ScannedAt: time.Now()})
		return
	}

	instruments := make([]types.Instrument, 0, len(wire))
	for _, w := range wire {
		instruments = append(instruments, fromWire(w))
	}
	r.Replace(instruments)

	r.publish(RefreshResult{Instruments: instruments, ScannedAt: time.Now()})
}

func (r *Registry) publish(res RefreshResult) {
	select {
	case r.resultCh <- res:
	default:
		select {
		case <-r.resultCh:
		default:
		}
		select {
		case r.resultCh <- res:
		default:
		}
	}
}

// Replace installs a fresh instrument set, rebuilding every alias index
// (native symbol, lowercased native symbol, and unified symbol).
func (r *Registry) Replace(instruments []types.Instrument) {
	next := make(map[string]*types.Instrument, len(instruments)*2)
	for i := range instruments {
		inst := instruments[i]
		next[inst.NativeSymbol] = &inst
		next[strings.ToLower(inst.NativeSymbol)] = &inst
		if inst.UnifiedSymbol != "" {
			next[inst.UnifiedSymbol] = &inst
			next[strings.ToLower(inst.UnifiedSymbol)] = &inst
		}
	}

	r.mu.Lock()
	r.byAlias = next
	r.mu.Unlock()
}

// All returns every known Instrument, one entry per native symbol
// (spec.md §4.10's read-only collection view).
func (r *Registry) All() []types.Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool, len(r.byAlias))
	out := make([]types.Instrument, 0, len(r.byAlias))
	for _, inst := range r.byAlias {
		if seen[inst.NativeSymbol] {
			continue
		}
		seen[inst.NativeSymbol] = true
		out = append(out, *inst)
	}
	return out
}

// Lookup resolves any alias (native, lowercase, or unified symbol) to its
// Instrument.
func (r *Registry) Lookup(alias string) (types.Instrument, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.byAlias[alias]
	if !ok {
		inst, ok = r.byAlias[strings.ToLower(alias)]
	}
	if !ok {
		return types.Instrument{}, false
	}
	return *inst, true
}

// fromWire maps the REST wire shape to the domain Instrument. The unified
// symbol defaults to the native symbol when BitMEX carries no separate
// alias, matching spec.md §3's fallback behavior for exchanges without a
// unified symbol taxonomy.
func fromWire(w restclient.InstrumentWire) types.Instrument {
	return types.Instrument{
		NativeSymbol:  w.Symbol,
		UnifiedSymbol: w.Symbol,
		TickSize:      decimal.NewFromFloat(w.TickSize),
		LotSize:       decimal.NewFromFloat(w.LotSize),
		State:         w.State,
	}
}
