package hubcore

import (
	"time"

	"github.com/shopspring/decimal"

	"bitmex-hub/internal/idutil"
	"bitmex-hub/internal/order"
	"bitmex-hub/internal/position"
	"bitmex-hub/internal/tradetape"
	"bitmex-hub/internal/wallet"
	"bitmex-hub/pkg/types"
)

// row is one raw channel-data record: a JSON object decoded into a
// generic map, awaiting per-table typed decode.
type row = map[string]interface{}

func getString(r row, key string) string {
	v, ok := r[key]
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func getInt64(r row, key string) (int64, bool) {
	v, ok := r[key]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	}
	return 0, false
}

func getDecimal(r row, key string) *decimal.Decimal {
	v, ok := r[key]
	if !ok || v == nil {
		return nil
	}
	switch n := v.(type) {
	case float64:
		d := decimal.NewFromFloat(n)
		return &d
	case string:
		d, err := decimal.NewFromString(n)
		if err != nil {
			return nil
		}
		return &d
	}
	return nil
}

func getDecimalOr(r row, key string, fallback decimal.Decimal) decimal.Decimal {
	if d := getDecimal(r, key); d != nil {
		return *d
	}
	return fallback
}

func decodeBookRows(rows []row) []types.BookRow {
	out := make([]types.BookRow, 0, len(rows))
	for _, r := range rows {
		id, _ := getInt64(r, "id")
		side := types.Side(getString(r, "side"))
		price := getDecimalOr(r, "price", decimal.Zero)
		size := getDecimalOr(r, "size", decimal.Zero)
		out = append(out, types.BookRow{ID: id, Side: side, Price: price, Size: size})
	}
	return out
}

func decodeBookRowUpdates(rows []row) []types.BookRowUpdate {
	out := make([]types.BookRowUpdate, 0, len(rows))
	for _, r := range rows {
		id, _ := getInt64(r, "id")
		out = append(out, types.BookRowUpdate{ID: id, Price: getDecimal(r, "price"), Size: getDecimal(r, "size")})
	}
	return out
}

func decodeBookRowIDs(rows []row) []int64 {
	out := make([]int64, 0, len(rows))
	for _, r := range rows {
		if id, ok := getInt64(r, "id"); ok {
			out = append(out, id)
		}
	}
	return out
}

func decodeTradeRows(rows []row) []tradetape.RawTrade {
	out := make([]tradetape.RawTrade, 0, len(rows))
	for i, r := range rows {
		var ts *time.Time
		if s := getString(r, "timestamp"); s != "" {
			if parsed, err := idutil.ParseTimestamp(s); err == nil {
				ts = &parsed
			}
		}
		out = append(out, tradetape.RawTrade{
			Timestamp:       ts,
			Symbol:          getString(r, "symbol"),
			Side:            getString(r, "side"),
			Price:           getDecimal(r, "price"),
			Size:            getDecimalOr(r, "size", decimal.Zero),
			ID:              getString(r, "trdMatchID"),
			ForeignNotional: getDecimal(r, "foreignNotional"),
			OriginalIndex:   i,
		})
	}
	return out
}

func decodeWalletRows(rows []row) []wallet.Row {
	out := make([]wallet.Row, 0, len(rows))
	for _, r := range rows {
		account, _ := getInt64(r, "account")
		ts, _ := idutil.ParseTimestamp(getString(r, "timestamp"))
		out = append(out, wallet.Row{
			Account:        account,
			Currency:       getString(r, "currency"),
			Timestamp:      ts,
			Amount:         getDecimal(r, "amount"),
			PendingCredit:  getDecimal(r, "pendingCredit"),
			PendingDebit:   getDecimal(r, "pendingDebit"),
			ConfirmedDebit: getDecimal(r, "confirmedDebit"),
			TransferIn:     getDecimal(r, "transferIn"),
			TransferOut:    getDecimal(r, "transferOut"),
			Deposited:      getDecimal(r, "deposited"),
			Withdrawn:      getDecimal(r, "withdrawn"),
		})
	}
	return out
}

// positionPassthroughKeys are skipped when building the Fields overlay
// because they're already surfaced as first-class Position fields.
var positionPassthroughKeys = map[string]bool{
	"account":    true,
	"symbol":     true,
	"timestamp":  true,
	"currentQty": true,
}

func decodePositionRows(rows []row) []position.Row {
	out := make([]position.Row, 0, len(rows))
	for _, r := range rows {
		account, _ := getInt64(r, "account")
		ts, _ := idutil.ParseTimestamp(getString(r, "timestamp"))
		fields := make(map[string]types.FieldValue)
		for k, v := range r {
			if positionPassthroughKeys[k] || v == nil {
				continue
			}
			switch val := v.(type) {
			case float64:
				fields[k] = types.FieldValue{Kind: types.FieldNumber, Num: decimal.NewFromFloat(val)}
			case string:
				fields[k] = types.FieldValue{Kind: types.FieldString, Str: val}
			case bool:
				fields[k] = types.FieldValue{Kind: types.FieldBool, Bool: val}
			}
		}
		out = append(out, position.Row{
			Account:    account,
			Symbol:     getString(r, "symbol"),
			Timestamp:  ts,
			CurrentQty: getDecimalOr(r, "currentQty", decimal.Zero),
			Fields:     fields,
		})
	}
	return out
}

func decodeOrderRows(rows []row) []order.Row {
	out := make([]order.Row, 0, len(rows))
	for _, r := range rows {
		ts, _ := idutil.ParseTimestamp(getString(r, "timestamp"))

		row := order.Row{
			OrderID:     getString(r, "orderID"),
			ClOrdID:     getString(r, "clOrdID"),
			Symbol:      getString(r, "symbol"),
			ExecInst:    getString(r, "execInst"),
			Price:       getDecimal(r, "price"),
			StopPrice:   getDecimal(r, "stopPx"),
			Qty:         getDecimal(r, "orderQty"),
			LeavesQty:   getDecimal(r, "leavesQty"),
			CumQty:      getDecimal(r, "cumQty"),
			AvgPx:       getDecimal(r, "avgPx"),
			OrdStatus:   getString(r, "ordStatus"),
			ExecType:    getString(r, "execType"),
			ExecID:      getString(r, "execID"),
			LastQty:     getDecimal(r, "lastQty"),
			LastPx:      getDecimal(r, "lastPx"),
			Liquidity:   getString(r, "lastLiquidityInd"),
			Timestamp:   ts,
			Text:        getString(r, "text"),
		}
		if side := getString(r, "side"); side != "" {
			row.Side = types.Side(side)
			row.HasSide = true
		}
		if ordType := getString(r, "ordType"); ordType != "" {
			row.Type = types.OrderType(ordType)
			row.HasType = true
		}
		if tif := getString(r, "timeInForce"); tif != "" {
			row.TimeInForce = types.TimeInForce(tif)
		}
		out = append(out, row)
	}
	return out
}
