// Package reconcile compares the ledger's open lots against the broker's
// reported positions and repairs drift.
package reconcile

import (
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/optionledger/optionledger/internal/models"
	"github.com/optionledger/optionledger/internal/pipeline"
)

// BrokerPosition is one open position as the broker reports it.
type BrokerPosition struct {
	AccountNumber string
	Symbol        string
	Quantity      decimal.Decimal
}

// Status classifies one compared position.
type Status string

const (
	// Matched: ledger and broker agree on the open quantity.
	Matched Status = "MATCHED"
	// QuantityMismatch: both sides know the symbol but disagree on size.
	QuantityMismatch Status = "QUANTITY_MISMATCH"
	// Unlinked: the broker holds a position the ledger has no lots for.
	Unlinked Status = "UNLINKED"
	// Stale: the ledger holds open lots the broker no longer reports.
	Stale Status = "STALE"
)

// Result is the comparison outcome for one (account, symbol).
type Result struct {
	AccountNumber  string
	Symbol         string
	Status         Status
	LedgerQuantity decimal.Decimal
	BrokerQuantity decimal.Decimal
	LotIDs         []string
}

type positionKey struct {
	account string
	symbol  string
}

// Compare matches the ledger's open lots against broker positions.
// Results come back in ledger-then-broker order, deterministic for a
// given input.
func Compare(ctx *pipeline.Context, positions []BrokerPosition) ([]Result, error) {
	var lots []models.Lot
	err := ctx.DB.
		Where("user_id = ? AND status <> ?", ctx.UserID, models.LotClosed).
		Order("account_number ASC, symbol ASC, entry_date ASC, transaction_id ASC").
		Find(&lots).Error
	if err != nil {
		return nil, err
	}

	ledger := make(map[positionKey]*Result)
	var order []positionKey
	for i := range lots {
		lot := &lots[i]
		key := positionKey{lot.AccountNumber, lot.Symbol}
		res, ok := ledger[key]
		if !ok {
			res = &Result{
				AccountNumber:  lot.AccountNumber,
				Symbol:         lot.Symbol,
				LedgerQuantity: decimal.Zero,
			}
			ledger[key] = res
			order = append(order, key)
		}
		res.LedgerQuantity = res.LedgerQuantity.Add(lot.RemainingQuantity)
		res.LotIDs = append(res.LotIDs, lot.TransactionID)
	}

	broker := make(map[positionKey]decimal.Decimal, len(positions))
	for _, pos := range positions {
		key := positionKey{pos.AccountNumber, pos.Symbol}
		broker[key] = broker[key].Add(pos.Quantity)
	}

	var results []Result
	for _, key := range order {
		res := ledger[key]
		brokerQty, held := broker[key]
		if held {
			res.BrokerQuantity = brokerQty
			if res.LedgerQuantity.Equal(brokerQty) {
				res.Status = Matched
			} else {
				res.Status = QuantityMismatch
			}
			delete(broker, key)
		} else {
			res.Status = Stale
		}
		results = append(results, *res)
	}

	for _, pos := range positions {
		key := positionKey{pos.AccountNumber, pos.Symbol}
		qty, ok := broker[key]
		if !ok {
			continue
		}
		results = append(results, Result{
			AccountNumber:  pos.AccountNumber,
			Symbol:         pos.Symbol,
			Status:         Unlinked,
			BrokerQuantity: qty,
		})
		delete(broker, key)
	}
	return results, nil
}

// AutoCloseStale force-closes the lots behind STALE results: remaining
// quantity zeroed with no P&L booked, since the real closing event never
// reached us. Affected groups refresh afterwards.
func AutoCloseStale(ctx *pipeline.Context, results []Result) (int, error) {
	closed := 0
	touched := make(map[string]bool)

	for _, res := range results {
		if res.Status != Stale {
			continue
		}
		for _, lotID := range res.LotIDs {
			err := ctx.DB.Model(&models.Lot{}).
				Where("user_id = ? AND transaction_id = ?", ctx.UserID, lotID).
				Updates(map[string]any{
					"remaining_quantity": decimal.Zero,
					"status":             models.LotClosed,
				}).Error
			if err != nil {
				return closed, err
			}
			closed++
			log.Info().
				Str("lot", lotID).
				Str("symbol", res.Symbol).
				Msg("Force-closed stale lot")

			var groupIDs []string
			if err := ctx.DB.Model(&models.PositionGroupLot{}).
				Where("user_id = ? AND transaction_id = ?", ctx.UserID, lotID).
				Pluck("group_id", &groupIDs).Error; err != nil {
				return closed, err
			}
			for _, id := range groupIDs {
				touched[id] = true
			}
		}
	}

	for groupID := range touched {
		if err := pipeline.RefreshGroupStatus(ctx, groupID); err != nil {
			return closed, err
		}
	}
	return closed, nil
}
