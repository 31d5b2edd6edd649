package instrument

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"bitmex-hub/internal/restclient"
)

type fakeREST struct {
	calls []func() ([]restclient.InstrumentWire, error)
	idx   int
}

func (f *fakeREST) GetActiveInstruments(ctx context.Context) ([]restclient.InstrumentWire, error) {
	fn := f.calls[f.idx]
	if f.idx < len(f.calls)-1 {
		f.idx++
	}
	return fn()
}

func TestRefreshPopulatesAliases(t *testing.T) {
	t.Parallel()

	rest := &fakeREST{calls: []func() ([]restclient.InstrumentWire, error){
		func() ([]restclient.InstrumentWire, error) {
			return []restclient.InstrumentWire{
				{Symbol: "XBTUSD", TickSize: 0.5, LotSize: 1, State: "Open"},
			}, nil
		},
	}}

	reg := New(rest, time.Hour, zerolog.Nop())
	reg.refresh(context.Background())

	inst, ok := reg.Lookup("XBTUSD")
	if !ok {
		t.Fatal("expected XBTUSD to resolve")
	}
	if inst.State != "Open" {
		t.Errorf("state = %q, want Open", inst.State)
	}

	if _, ok := reg.Lookup("xbtusd"); !ok {
		t.Error("expected lowercase alias to resolve")
	}
}

func TestAllDeduplicatesCaseAliases(t *testing.T) {
	t.Parallel()

	rest := &fakeREST{calls: []func() ([]restclient.InstrumentWire, error){
		func() ([]restclient.InstrumentWire, error) {
			return []restclient.InstrumentWire{
				{Symbol: "XBTUSD", State: "Open"},
				{Symbol: "ETHUSD", State: "Open"},
			}, nil
		},
	}}

	reg := New(rest, time.Hour, zerolog.Nop())
	reg.refresh(context.Background())

	all := reg.All()
	if len(all) != 2 {
		t.Fatalf("All() = %d instruments, want 2 (alias/lowercase entries must be deduplicated)", len(all))
	}
}

func TestReplaceEvictsStaleInstruments(t *testing.T) {
	t.Parallel()

	rest := &fakeREST{calls: []func() ([]restclient.InstrumentWire, error){
		func() ([]restclient.InstrumentWire, error) {
			return []restclient.InstrumentWire{{Symbol: "XBTUSD", State: "Open"}, {Symbol: "ETHUSD", State: "Open"}}, nil
		},
	}}
	reg := New(rest, time.Hour, zerolog.Nop())
	reg.refresh(context.Background())

	reg.Replace(nil)

	if _, ok := reg.Lookup("XBTUSD"); ok {
		t.Error("expected XBTUSD to be evicted after Replace(nil)")
	}
}

func TestRefreshErrorPublishesWithoutMutatingRegistry(t *testing.T) {
	t.Parallel()

	rest := &fakeREST{calls: []func() ([]restclient.InstrumentWire, error){
		func() ([]restclient.InstrumentWire, error) {
			return []restclient.InstrumentWire{{Symbol: "XBTUSD", State: "Open"}}, nil
		},
		func() ([]restclient.InstrumentWire, error) {
			return nil, errors.New("network down")
		},
	}}
	reg := New(rest, time.Hour, zerolog.Nop())
	reg.refresh(context.Background())
	reg.refresh(context.Background())

	if _, ok := reg.Lookup("XBTUSD"); !ok {
		t.Error("a failed refresh should not evict the previous snapshot")
	}

	select {
	case res := <-reg.Results():
		if res.Err == nil {
			t.Error("expected the latest queued result to carry the refresh error")
		}
	default:
		t.Fatal("expected a result on the channel")
	}
}
