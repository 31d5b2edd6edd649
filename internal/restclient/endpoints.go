package restclient

import (
	"context"
	"encoding/json"
	"fmt"

	"bitmex-hub/internal/errs"
)

// InstrumentWire is the subset of GET /instrument/active fields the
// instrument registry cares about (spec.md §6.2).
type InstrumentWire struct {
	Symbol   string  `json:"symbol"`
	TickSize float64 `json:"tickSize"`
	LotSize  float64 `json:"lotSize"`
	State    string  `json:"state"`
}

// GetActiveInstruments calls GET /instrument/active.
func (c *Client) GetActiveInstruments(ctx context.Context) ([]InstrumentWire, error) {
	body, err := c.Do(ctx, "GET", "/api/v1/instrument/active", RequestOptions{})
	if err != nil {
		return nil, err
	}
	var out []InstrumentWire
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errs.New(errs.KindValidation, fmt.Errorf("decode instrument/active: %w", err))
	}
	return out, nil
}

// OrderRequest is the POST /order body shape (spec.md §6.2). Pointer fields
// distinguish "absent" from "zero" so optional keys aren't sent at all.
type OrderRequest struct {
	Symbol      string   `json:"symbol"`
	Side        string   `json:"side"`
	OrderQty    float64  `json:"orderQty"`
	OrdType     string   `json:"ordType"`
	ClOrdID     string   `json:"clOrdID"`
	Price       *float64 `json:"price,omitempty"`
	StopPx      *float64 `json:"stopPx,omitempty"`
	ExecInst    string   `json:"execInst,omitempty"`
	TimeInForce string   `json:"timeInForce,omitempty"`
}

// OrderResponse is the subset of the POST /order response the order
// registry needs to create or promote an Order.
type OrderResponse struct {
	OrderID      string  `json:"orderID"`
	ClOrdID      string  `json:"clOrdID"`
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	OrdType      string  `json:"ordType"`
	TimeInForce  string  `json:"timeInForce"`
	Price        float64 `json:"price"`
	StopPx       float64 `json:"stopPx"`
	OrderQty     float64 `json:"orderQty"`
	LeavesQty    float64 `json:"leavesQty"`
	CumQty       float64 `json:"cumQty"`
	AvgPx        float64 `json:"avgPx"`
	OrdStatus    string  `json:"ordStatus"`
	Text         string  `json:"text"`
	Timestamp    string  `json:"timestamp"`
	TransactTime string  `json:"transactTime"`
}

// PlaceOrder calls POST /order. It always signs (auth: true) since
// placement always carries credentials per spec.md §4.1's Settings.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	body, err := c.Do(ctx, "POST", "/api/v1/order", RequestOptions{Auth: true, Body: req})
	if err != nil {
		return nil, err
	}
	var out OrderResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errs.New(errs.KindValidation, fmt.Errorf("decode order response: %w", err))
	}
	return &out, nil
}
