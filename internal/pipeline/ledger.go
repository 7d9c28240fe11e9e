package pipeline

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/optionledger/optionledger/internal/models"
)

// EquityNettingOrderID marks the synthetic closings written by the equity
// netting post-pass.
const EquityNettingOrderID = "EQUITY_NETTING"

// assignmentWindow is how far apart the option event and its stock ticket
// may execute and still be treated as one assignment or exercise.
const assignmentWindow = 60 * time.Second

var optionMultiplier = decimal.NewFromInt(100)

// ProcessLots is Stage 3: it creates lots on opens, FIFO-closes lots on
// closes, derives stock lots from assignments and exercises, and nets
// opposing equity lots. Chain ids assigned here are provisional; Stage 4
// renumbers them.
func ProcessLots(ctx *Context, orders []Order, stockRows []models.RawTransaction) error {
	for i := range orders {
		if err := processOrder(ctx, &orders[i]); err != nil {
			return err
		}
	}
	if err := deriveOptionEvents(ctx, orders, stockRows); err != nil {
		return err
	}
	return NetEquityLots(ctx)
}

func processOrder(ctx *Context, order *Order) error {
	tempChainID := ""

	switch order.Type {
	case models.OrderOpening:
		tempChainID = provisionalChainID(order)
	case models.OrderClosing, models.OrderRolling:
		affected, err := affectedChainIDs(ctx, order)
		if err != nil {
			return err
		}
		// New lots opened by a roll inherit the chain of the lots the roll
		// closes.
		if order.Type == models.OrderRolling && len(affected) > 0 {
			tempChainID = affected[0]
		}
	}

	for idx := range order.Transactions {
		tx := &order.Transactions[idx]
		switch {
		case isOpeningTx(tx):
			if err := createLot(ctx, tx, tempChainID, idx, order.OrderID); err != nil {
				return err
			}
		case isClosingTx(tx):
			// An equity Receive-Deliver close is the stock side of an
			// assignment; the derivation post-pass accounts for it.
			if !tx.IsOption() && tx.TransactionType == models.TypeReceiveDeliver {
				continue
			}
			closeLong, constrained := tx.Action.CloseDirection()
			closingType := models.ClosingTypeForSubType(tx.TransactionSubType)
			if err := closeFIFO(ctx, tx, order.OrderID, closingType, closeLong, constrained); err != nil {
				return err
			}
		}
	}
	return nil
}

// affectedChainIDs captures, before any close executes, the chains the
// closing legs will touch.
func affectedChainIDs(ctx *Context, order *Order) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, tx := range order.ClosingTransactions() {
		lots, err := openLots(ctx, tx.AccountNumber, tx.Symbol)
		if err != nil {
			return nil, err
		}
		for _, lot := range lots {
			if lot.ChainID != "" && !seen[lot.ChainID] {
				seen[lot.ChainID] = true
				out = append(out, lot.ChainID)
			}
		}
	}
	return out, nil
}

// openLots returns the FIFO candidates for (account, symbol): every lot
// with remaining quantity, oldest entry first. Ties break on transaction id
// for determinism.
func openLots(ctx *Context, account, symbol string) ([]models.Lot, error) {
	var lots []models.Lot
	err := ctx.DB.
		Where("user_id = ? AND account_number = ? AND symbol = ? AND status <> ?",
			ctx.UserID, account, symbol, models.LotClosed).
		Order("entry_date ASC, transaction_id ASC").
		Find(&lots).Error
	return lots, err
}

func createLot(ctx *Context, tx *models.RawTransaction, chainID string, legIndex int, openingOrderID string) error {
	quantity := tx.Quantity.Abs()
	if tx.Action.IsShortOpen() {
		quantity = quantity.Neg()
	}

	lot := models.Lot{
		TransactionID:     tx.ID,
		UserID:            ctx.UserID,
		AccountNumber:     tx.AccountNumber,
		Symbol:            tx.Symbol,
		Underlying:        tx.UnderlyingSymbol,
		InstrumentType:    tx.InstrumentType,
		Quantity:          quantity,
		EntryPrice:        tx.Price,
		EntryDate:         tx.ExecutedAt,
		RemainingQuantity: quantity,
		OriginalQuantity:  quantity.Abs(),
		ChainID:           chainID,
		LegIndex:          legIndex,
		OpeningOrderID:    openingOrderID,
		Status:            models.LotOpen,
	}

	if tx.IsOption() {
		details, err := models.ParseOCCSymbol(tx.Symbol)
		if err != nil {
			log.Warn().Err(err).Str("symbol", tx.Symbol).Msg("Unparseable option symbol, leaving option fields empty")
		} else {
			lot.OptionType = details.OptionType
			lot.Strike = details.Strike
			expiry := details.Expiration
			lot.Expiration = &expiry
		}
	}

	if err := ctx.DB.Create(&lot).Error; err != nil {
		return fmt.Errorf("create lot %s: %w", tx.ID, err)
	}
	return nil
}

// closeFIFO consumes open lots oldest-first until the closing quantity is
// exhausted. closeLong constrains matching to long lots (sell-to-close) or
// short lots (buy-to-close); system events match either side.
func closeFIFO(ctx *Context, tx *models.RawTransaction, closingOrderID string, closingType models.ClosingType, closeLong, constrained bool) error {
	stillToClose := tx.Quantity.Abs()
	if stillToClose.IsZero() {
		return nil
	}

	lots, err := openLots(ctx, tx.AccountNumber, tx.Symbol)
	if err != nil {
		return err
	}

	for i := range lots {
		if stillToClose.IsZero() {
			break
		}
		lot := &lots[i]
		if lot.RemainingQuantity.IsZero() {
			continue
		}
		if constrained && lot.RemainingQuantity.IsPositive() != closeLong {
			continue
		}

		closeAmount := decimal.Min(lot.RemainingQuantity.Abs(), stillToClose)
		if _, err := applyClosing(ctx, lot, closeAmount, tx.Price, tx.ExecutedAt, closingOrderID, tx.ID, closingType); err != nil {
			return err
		}
		stillToClose = stillToClose.Sub(closeAmount)
	}

	// The broker may report a close with no prior open in our window; a
	// zero-P&L closing keeps the event visible to reconciliation.
	if stillToClose.IsPositive() {
		log.Warn().
			Str("symbol", tx.Symbol).
			Str("quantity", stillToClose.String()).
			Msg("Close matched no open lots")
		closing := models.LotClosing{
			UserID:               ctx.UserID,
			LotID:                "",
			ClosingOrderID:       closingOrderID,
			ClosingTransactionID: tx.ID,
			QuantityClosed:       stillToClose,
			ClosingPrice:         tx.Price,
			ClosingDate:          tx.ExecutedAt,
			ClosingType:          closingType,
			RealizedPnL:          decimal.Zero,
		}
		if err := ctx.DB.Create(&closing).Error; err != nil {
			return err
		}
	}
	return nil
}

// applyClosing books one FIFO match: realized P&L, remaining-quantity
// decrement, status transition, and the append-only closing row.
func applyClosing(ctx *Context, lot *models.Lot, closeAmount, closingPrice decimal.Decimal, closingDate time.Time, closingOrderID, closingTxID string, closingType models.ClosingType) (*models.LotClosing, error) {
	multiplier := lot.Multiplier()

	var pnl decimal.Decimal
	if lot.IsLong() {
		pnl = closingPrice.Sub(lot.EntryPrice).Mul(closeAmount).Mul(multiplier)
	} else {
		pnl = lot.EntryPrice.Sub(closingPrice).Mul(closeAmount).Mul(multiplier)
	}

	if lot.IsLong() {
		lot.RemainingQuantity = lot.RemainingQuantity.Sub(closeAmount)
	} else {
		lot.RemainingQuantity = lot.RemainingQuantity.Add(closeAmount)
	}
	lot.Status = lotStatus(lot.RemainingQuantity, lot.OriginalQuantity)

	err := ctx.DB.Model(&models.Lot{}).
		Where("transaction_id = ? AND user_id = ?", lot.TransactionID, ctx.UserID).
		Updates(map[string]any{
			"remaining_quantity": lot.RemainingQuantity,
			"status":             lot.Status,
		}).Error
	if err != nil {
		return nil, err
	}

	closing := models.LotClosing{
		UserID:               ctx.UserID,
		LotID:                lot.TransactionID,
		ClosingOrderID:       closingOrderID,
		ClosingTransactionID: closingTxID,
		QuantityClosed:       closeAmount,
		ClosingPrice:         closingPrice,
		ClosingDate:          closingDate,
		ClosingType:          closingType,
		RealizedPnL:          pnl,
	}
	if err := ctx.DB.Create(&closing).Error; err != nil {
		return nil, err
	}
	return &closing, nil
}

func lotStatus(remaining, original decimal.Decimal) models.LotStatus {
	switch {
	case remaining.IsZero():
		return models.LotClosed
	case remaining.Abs().LessThan(original):
		return models.LotPartial
	default:
		return models.LotOpen
	}
}

// deriveOptionEvents is the assignment/exercise post-pass: it pairs option
// events with their stock tickets, creates derived stock lots at the
// strike, and back-links the closing rows. Leftover Receive-Deliver rows
// with opening actions become standalone equity lots (ACAT transfers).
func deriveOptionEvents(ctx *Context, orders []Order, stockRows []models.RawTransaction) error {
	used := make([]bool, len(stockRows))

	for oi := range orders {
		order := &orders[oi]
		for ti := range order.Transactions {
			tx := &order.Transactions[ti]
			if !tx.IsOption() {
				continue
			}
			subType := tx.TransactionSubType
			if subType != models.SubTypeAssignment && subType != models.SubTypeExercise {
				continue
			}

			stockIdx := matchStockRow(tx, stockRows, used)
			if stockIdx < 0 {
				log.Warn().
					Str("symbol", tx.Symbol).
					Str("sub_type", subType).
					Msg("No matching stock ticket for option event, skipping derivation")
				continue
			}
			stock := &stockRows[stockIdx]

			if subType == models.SubTypeExercise && stock.Action.IsClosing() {
				// The exercise delivers into existing shares.
				closeLong, constrained := stock.Action.CloseDirection()
				if err := closeFIFO(ctx, stock, systemOrderID(stock), models.ClosingExercise, closeLong, constrained); err != nil {
					return err
				}
				used[stockIdx] = true
				continue
			}

			if err := createDerivedLot(ctx, tx, stock); err != nil {
				return err
			}
			used[stockIdx] = true
		}
	}

	for i := range stockRows {
		if used[i] {
			continue
		}
		stock := &stockRows[i]
		if stock.TransactionType == models.TypeReceiveDeliver && stock.Action.IsOpening() {
			orderID := systemOrderID(stock)
			chainID := chainIDFor(stock.UnderlyingSymbol, stock.ExecutedAt, orderID)
			if err := createLot(ctx, stock, chainID, 0, orderID); err != nil {
				return err
			}
			continue
		}
		if stock.Action.IsClosing() {
			log.Debug().Str("id", stock.ID).Msg("Unmatched closing stock row left alone")
			continue
		}
		log.Warn().Str("id", stock.ID).Str("symbol", stock.Symbol).Msg("Unmatched stock row")
	}
	return nil
}

// matchStockRow finds the stock ticket for an option event: same
// underlying, executed within the assignment window, share quantity equal
// to contracts x 100.
func matchStockRow(optTx *models.RawTransaction, stockRows []models.RawTransaction, used []bool) int {
	wantShares := optTx.Quantity.Abs().Mul(optionMultiplier)
	for i := range stockRows {
		if used[i] {
			continue
		}
		stock := &stockRows[i]
		if stock.UnderlyingSymbol != optTx.UnderlyingSymbol {
			continue
		}
		delta := stock.ExecutedAt.Sub(optTx.ExecutedAt)
		if delta < 0 {
			delta = -delta
		}
		if delta > assignmentWindow {
			continue
		}
		if !stock.Quantity.Abs().Equal(wantShares) {
			continue
		}
		return i
	}
	return -1
}

// createDerivedLot builds the stock lot produced by an assignment or
// exercise: entry price is the strike of the parent option, the chain is
// inherited, and the parent's closing row points at the new lot.
func createDerivedLot(ctx *Context, optTx, stock *models.RawTransaction) error {
	closing, parent, err := findDerivationClosing(ctx, optTx)
	if err != nil {
		return err
	}
	if closing == nil {
		log.Warn().Str("symbol", optTx.Symbol).Msg("No open closing row for option event, skipping derivation")
		return nil
	}

	derivationType := models.DerivedAssignment
	if optTx.TransactionSubType == models.SubTypeExercise {
		derivationType = models.DerivedExercise
	}

	// A put assignment delivers shares in (long); a call assignment
	// delivers shares out (short). Exercises follow the stock ticket side.
	quantity := stock.Quantity.Abs()
	switch {
	case stock.Action == models.ActionSell || stock.Action == models.ActionSellToOpen:
		quantity = quantity.Neg()
	case stock.Action == models.ActionBuy || stock.Action == models.ActionBuyToOpen:
		// long as-is
	case parent.OptionType == models.OptionCall:
		quantity = quantity.Neg()
	}

	lot := models.Lot{
		TransactionID:     stock.ID,
		UserID:            ctx.UserID,
		AccountNumber:     stock.AccountNumber,
		Symbol:            stock.Symbol,
		Underlying:        stock.UnderlyingSymbol,
		InstrumentType:    models.InstrumentEquity,
		Quantity:          quantity,
		EntryPrice:        parent.Strike,
		EntryDate:         stock.ExecutedAt,
		RemainingQuantity: quantity,
		OriginalQuantity:  quantity.Abs(),
		ChainID:           parent.ChainID,
		OpeningOrderID:    stock.OrderID,
		DerivedFromLotID:  parent.TransactionID,
		DerivationType:    derivationType,
		Status:            models.LotOpen,
	}
	if err := ctx.DB.Create(&lot).Error; err != nil {
		return fmt.Errorf("create derived lot %s: %w", stock.ID, err)
	}

	return ctx.DB.Model(&models.LotClosing{}).
		Where("id = ?", closing.ID).
		Update("resulting_lot_id", lot.TransactionID).Error
}

// findDerivationClosing locates the just-created assignment or exercise
// closing for the option transaction, together with the option lot it
// closed.
func findDerivationClosing(ctx *Context, optTx *models.RawTransaction) (*models.LotClosing, *models.Lot, error) {
	closingType := models.ClosingTypeForSubType(optTx.TransactionSubType)

	var closings []models.LotClosing
	err := ctx.DB.
		Where("user_id = ? AND closing_transaction_id = ? AND closing_type = ? AND resulting_lot_id = ? AND lot_id <> ?",
			ctx.UserID, optTx.ID, closingType, "", "").
		Order("id ASC").
		Find(&closings).Error
	if err != nil {
		return nil, nil, err
	}
	if len(closings) == 0 {
		return nil, nil, nil
	}

	closing := closings[0]
	var lot models.Lot
	if err := ctx.DB.First(&lot, "transaction_id = ? AND user_id = ?", closing.LotID, ctx.UserID).Error; err != nil {
		return nil, nil, err
	}
	return &closing, &lot, nil
}

// NetEquityLots closes opposing long and short equity lots of the same
// (account, symbol) against each other at the short lot's entry price.
// Realized P&L books on the long side; the short side gets a synthetic
// zero-P&L closing.
func NetEquityLots(ctx *Context) error {
	var lots []models.Lot
	err := ctx.DB.
		Where("user_id = ? AND instrument_type = ? AND status <> ?",
			ctx.UserID, models.InstrumentEquity, models.LotClosed).
		Order("account_number ASC, symbol ASC, entry_date ASC, transaction_id ASC").
		Find(&lots).Error
	if err != nil {
		return err
	}

	byPair := make(map[string][]*models.Lot)
	var pairs []string
	for i := range lots {
		key := lots[i].AccountNumber + "|" + lots[i].Symbol
		if _, ok := byPair[key]; !ok {
			pairs = append(pairs, key)
		}
		byPair[key] = append(byPair[key], &lots[i])
	}

	for _, key := range pairs {
		group := byPair[key]
		var longs, shorts []*models.Lot
		for _, lot := range group {
			switch {
			case lot.RemainingQuantity.IsPositive():
				longs = append(longs, lot)
			case lot.RemainingQuantity.IsNegative():
				shorts = append(shorts, lot)
			}
		}
		if len(longs) == 0 || len(shorts) == 0 {
			continue
		}

		for _, short := range shorts {
			matched := decimal.Zero
			closingDate := short.EntryDate

			for _, long := range longs {
				if short.RemainingQuantity.IsZero() {
					break
				}
				if long.RemainingQuantity.IsZero() || long.RemainingQuantity.IsNegative() {
					continue
				}
				amount := decimal.Min(long.RemainingQuantity, short.RemainingQuantity.Abs())
				if _, err := applyClosing(ctx, long, amount, short.EntryPrice, maxTime(short.EntryDate, long.EntryDate),
					EquityNettingOrderID, "", models.ClosingManual); err != nil {
					return err
				}
				short.RemainingQuantity = short.RemainingQuantity.Add(amount)
				matched = matched.Add(amount)
				closingDate = maxTime(closingDate, long.EntryDate)
			}

			if matched.IsZero() {
				continue
			}

			short.Status = lotStatus(short.RemainingQuantity, short.OriginalQuantity)
			err := ctx.DB.Model(&models.Lot{}).
				Where("transaction_id = ? AND user_id = ?", short.TransactionID, ctx.UserID).
				Updates(map[string]any{
					"remaining_quantity": short.RemainingQuantity,
					"status":             short.Status,
				}).Error
			if err != nil {
				return err
			}

			closing := models.LotClosing{
				UserID:         ctx.UserID,
				LotID:          short.TransactionID,
				ClosingOrderID: EquityNettingOrderID,
				QuantityClosed: matched,
				ClosingPrice:   short.EntryPrice,
				ClosingDate:    closingDate,
				ClosingType:    models.ClosingManual,
				RealizedPnL:    decimal.Zero,
			}
			if err := ctx.DB.Create(&closing).Error; err != nil {
				return err
			}
		}
	}
	return nil
}

func maxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
