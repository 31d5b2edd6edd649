package types

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestSideOpposite(t *testing.T) {
	t.Parallel()

	tests := []struct {
		side Side
		want Side
	}{
		{Buy, Sell},
		{Sell, Buy},
	}

	for _, tt := range tests {
		if got := tt.side.Opposite(); got != tt.want {
			t.Errorf("Side(%q).Opposite() = %q, want %q", tt.side, got, tt.want)
		}
	}
}

func TestStatusPriority(t *testing.T) {
	t.Parallel()

	if StatusPriority(StatusFilled) <= StatusPriority(StatusPartiallyFilled) {
		t.Errorf("Filled must outrank PartiallyFilled")
	}
	if StatusPriority(StatusPartiallyFilled) <= StatusPriority(StatusPlaced) {
		t.Errorf("PartiallyFilled must outrank Placed")
	}
	if StatusPriority(StatusCanceling) <= StatusPriority(StatusPlaced) {
		t.Errorf("Canceling must outrank Placed")
	}
}

func TestIsTerminal(t *testing.T) {
	t.Parallel()

	terminal := []OrderStatus{StatusFilled, StatusCanceled, StatusRejected, StatusExpired}
	for _, s := range terminal {
		if !IsTerminal(s) {
			t.Errorf("IsTerminal(%q) = false, want true", s)
		}
	}

	nonTerminal := []OrderStatus{StatusPlaced, StatusPartiallyFilled, StatusCanceling}
	for _, s := range nonTerminal {
		if IsTerminal(s) {
			t.Errorf("IsTerminal(%q) = true, want false", s)
		}
	}
}

func TestPositionSideAndSize(t *testing.T) {
	t.Parallel()

	long := Position{CurrentQty: decimal.NewFromInt(100)}
	if long.PositionSide() != Buy {
		t.Errorf("long position side = %q, want Buy", long.PositionSide())
	}
	if !long.Size().Equal(decimal.NewFromInt(100)) {
		t.Errorf("long size = %s, want 100", long.Size())
	}
	if !long.IsOpen() {
		t.Errorf("long position should be open")
	}

	short := Position{CurrentQty: decimal.NewFromInt(-50)}
	if short.PositionSide() != Sell {
		t.Errorf("short position side = %q, want Sell", short.PositionSide())
	}
	if !short.Size().Equal(decimal.NewFromInt(50)) {
		t.Errorf("short size = %s, want 50", short.Size())
	}

	flat := Position{CurrentQty: decimal.Zero}
	if flat.IsOpen() {
		t.Errorf("flat position should not be open")
	}
}

func TestOrderCloneIsIndependent(t *testing.T) {
	t.Parallel()

	orig := Order{
		OrderID:    "abc",
		Executions: []Execution{{ExecID: "e1", Qty: decimal.NewFromInt(1)}},
	}
	clone := orig.Clone()
	clone.Executions[0].ExecID = "mutated"

	if orig.Executions[0].ExecID != "e1" {
		t.Errorf("cloning Order must not alias the Executions backing array")
	}
}
