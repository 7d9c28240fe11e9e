package pipeline

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/optionledger/optionledger/internal/models"
)

// Order is a group of transactions sharing (account, underlying, order id)
// after normalization. Orders live in memory through the ledger and chain
// stages; lots and closings are the durable record.
type Order struct {
	OrderID       string
	AccountNumber string
	Underlying    string
	Type          models.OrderType
	ExecutedAt    time.Time
	Transactions  []models.RawTransaction
}

// OpeningTransactions returns the legs that open positions.
func (o *Order) OpeningTransactions() []models.RawTransaction {
	var out []models.RawTransaction
	for _, tx := range o.Transactions {
		if isOpeningTx(&tx) {
			out = append(out, tx)
		}
	}
	return out
}

// ClosingTransactions returns the legs that close positions, including
// system events (expiration, assignment, exercise).
func (o *Order) ClosingTransactions() []models.RawTransaction {
	var out []models.RawTransaction
	for _, tx := range o.Transactions {
		if isClosingTx(&tx) {
			out = append(out, tx)
		}
	}
	return out
}

func isOpeningTx(tx *models.RawTransaction) bool {
	return tx.Action.IsOpening()
}

func isClosingTx(tx *models.RawTransaction) bool {
	if tx.Action.IsClosing() {
		return true
	}
	// Actionless system events close positions.
	return tx.Action == "" && models.IsSystemSubType(tx.TransactionSubType)
}

// Assemble is Stage 2: it classifies and groups raw rows into typed orders
// and separates out the stock side of assignments and exercises. Pure
// function, no DB access.
func Assemble(rows []models.RawTransaction) ([]Order, []models.RawTransaction) {
	rows = pairSymbolChanges(rows)

	grouped := make(map[string][]models.RawTransaction)
	var keys []string
	var stockRows []models.RawTransaction

	for _, row := range rows {
		if row.Symbol == "" {
			continue
		}
		if row.Action == "" && !models.IsSystemSubType(row.TransactionSubType) {
			continue
		}

		// An equity row with no order id but with an action is the stock
		// side of an assignment, exercise or transfer, not an ordinary
		// trade. It is matched up in the ledger post-pass.
		if !row.IsOption() && row.OrderID == "" && row.Action != "" &&
			row.TransactionSubType != models.SubTypeSymbolChange {
			stockRows = append(stockRows, row)
			continue
		}

		orderID := row.OrderID
		if orderID == "" {
			orderID = systemOrderID(&row)
			row.OrderID = orderID
		}

		key := row.AccountNumber + "|" + orderID
		if _, seen := grouped[key]; !seen {
			keys = append(keys, key)
		}
		grouped[key] = append(grouped[key], row)
	}

	var orders []Order
	for _, key := range keys {
		txs := normalizeFills(grouped[key])
		order := Order{
			OrderID:       txs[0].OrderID,
			AccountNumber: txs[0].AccountNumber,
			Underlying:    txs[0].UnderlyingSymbol,
			ExecutedAt:    txs[0].ExecutedAt,
			Transactions:  txs,
		}
		for _, tx := range txs {
			if tx.ExecutedAt.Before(order.ExecutedAt) {
				order.ExecutedAt = tx.ExecutedAt
			}
		}
		order.Type = classifyOrder(&order)
		orders = append(orders, order)
	}

	sort.SliceStable(orders, func(i, j int) bool {
		return orders[i].ExecutedAt.Before(orders[j].ExecutedAt)
	})
	sort.SliceStable(stockRows, func(i, j int) bool {
		return stockRows[i].ExecutedAt.Before(stockRows[j].ExecutedAt)
	})

	return orders, stockRows
}

// pairSymbolChanges groups same-day Symbol Change legs per account under a
// single paired order id, so the close side of the old symbol and the open
// side of the new symbol assemble into one rolling order and stay in one
// chain. Row-level ids keep the close/open distinction for drill-down.
func pairSymbolChanges(rows []models.RawTransaction) []models.RawTransaction {
	type pairKey struct {
		account string
		date    string
	}
	oldUnderlying := make(map[pairKey]string)

	for _, row := range rows {
		if row.TransactionSubType != models.SubTypeSymbolChange {
			continue
		}
		key := pairKey{row.AccountNumber, row.ExecutedAt.Format("20060102")}
		if row.Action.IsClosing() || row.Action == "" {
			if _, ok := oldUnderlying[key]; !ok {
				oldUnderlying[key] = row.UnderlyingSymbol
			}
		}
	}

	out := make([]models.RawTransaction, len(rows))
	copy(out, rows)
	for i := range out {
		row := &out[i]
		if row.TransactionSubType != models.SubTypeSymbolChange {
			continue
		}
		date := row.ExecutedAt.Format("20060102")
		key := pairKey{row.AccountNumber, date}
		oldUnder, ok := oldUnderlying[key]
		if !ok {
			oldUnder = row.UnderlyingSymbol
		}
		row.OrderID = fmt.Sprintf("SYMCHG_%s_%s_%s", row.AccountNumber, oldUnder, date)
	}
	return out
}

// systemOrderID builds a deterministic id for broker-side events that
// arrive without an order id.
func systemOrderID(tx *models.RawTransaction) string {
	subType := tx.TransactionSubType
	if subType == "" {
		subType = tx.TransactionType
	}
	return fmt.Sprintf("SYSTEM_%s_%s_%s_%s",
		subType, tx.ExecutedAt.UTC().Format("20060102T150405"), tx.Symbol, tx.Action)
}

// normalizeFills merges fills with identical (action, symbol, price) inside
// one order by summing quantities and fees. Different-price fills remain
// separate legs.
func normalizeFills(txs []models.RawTransaction) []models.RawTransaction {
	type fillKey struct {
		action models.Action
		symbol string
		price  string
	}

	var out []models.RawTransaction
	index := make(map[fillKey]int)

	for _, tx := range txs {
		key := fillKey{tx.Action, tx.Symbol, tx.Price.String()}
		if i, ok := index[key]; ok {
			merged := &out[i]
			merged.Quantity = merged.Quantity.Add(tx.Quantity)
			merged.Fees = merged.Fees.Add(tx.Fees)
			merged.Value = merged.Value.Add(tx.Value)
			if tx.ExecutedAt.Before(merged.ExecutedAt) {
				merged.ExecutedAt = tx.ExecutedAt
			}
			continue
		}
		index[key] = len(out)
		out = append(out, tx)
	}
	return out
}

// classifyOrder examines the normalized actions: only opens make an
// OPENING order, only closes a CLOSING one, both a ROLLING one.
func classifyOrder(order *Order) models.OrderType {
	hasOpen, hasClose := false, false
	for i := range order.Transactions {
		tx := &order.Transactions[i]
		if isOpeningTx(tx) {
			hasOpen = true
		}
		if isClosingTx(tx) {
			hasClose = true
		}
	}

	switch {
	case hasOpen && hasClose:
		return models.OrderRolling
	case hasOpen:
		return models.OrderOpening
	case hasClose:
		return models.OrderClosing
	default:
		log.Warn().Str("order_id", order.OrderID).Msg("Order with no recognizable actions, treating as closing")
		return models.OrderClosing
	}
}
