package pipeline

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optionledger/optionledger/internal/models"
	"github.com/optionledger/optionledger/internal/strategy"
)

// chainIDFor builds the deterministic chain id from the earliest order:
// underlying + date + short order id.
func chainIDFor(underlying string, date time.Time, orderID string) string {
	short := orderID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s_OPENING_%s_%s", underlying, date.Format("20060102"), short)
}

func provisionalChainID(order *Order) string {
	return chainIDFor(order.Underlying, order.ExecutedAt, order.OrderID)
}

// cachedPosition is one row of the per-order JSON payload in
// order_chain_cache, kept cheap for UI reads.
type cachedPosition struct {
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Quantity    string `json:"quantity"`
	Price       string `json:"price"`
	RealizedPnL string `json:"realized_pnl,omitempty"`
}

// DeriveChains is Stage 4: union-find over lot/closing edges yields
// connected components of order ids; each component becomes one chain. The
// previously cached chains for the touched underlyings are replaced.
func DeriveChains(ctx *Context, underlyings []string) error {
	lotQuery := ctx.DB.Where("user_id = ?", ctx.UserID)
	if len(underlyings) > 0 {
		lotQuery = lotQuery.Where("underlying IN ?", underlyings)
	}
	var lots []models.Lot
	if err := lotQuery.Order("entry_date ASC, transaction_id ASC").Find(&lots).Error; err != nil {
		return err
	}

	lotByID := make(map[string]*models.Lot, len(lots))
	lotIDs := make([]string, 0, len(lots))
	for i := range lots {
		lotByID[lots[i].TransactionID] = &lots[i]
		lotIDs = append(lotIDs, lots[i].TransactionID)
	}

	var closings []models.LotClosing
	if len(lotIDs) > 0 {
		if err := ctx.DB.
			Where("user_id = ? AND lot_id IN ?", ctx.UserID, lotIDs).
			Order("id ASC").
			Find(&closings).Error; err != nil {
			return err
		}
	}
	closingsByLot := make(map[string][]models.LotClosing)
	for _, cl := range closings {
		closingsByLot[cl.LotID] = append(closingsByLot[cl.LotID], cl)
	}

	dsu := newUnionFind()
	orderTime := make(map[string]time.Time)
	note := func(orderID string, t time.Time) {
		if cur, ok := orderTime[orderID]; !ok || t.Before(cur) {
			orderTime[orderID] = t
		}
	}

	for i := range lots {
		lot := &lots[i]
		if lot.OpeningOrderID == "" {
			continue
		}
		dsu.add(lot.OpeningOrderID)
		note(lot.OpeningOrderID, lot.EntryDate)
	}

	// Edge 1: opening order -> closing order, for every closing. Netting
	// closings share one synthetic order id and would weld unrelated
	// chains together, so they contribute no edges.
	for _, cl := range closings {
		if cl.ClosingOrderID == "" || cl.ClosingOrderID == EquityNettingOrderID {
			continue
		}
		lot := lotByID[cl.LotID]
		if lot == nil || lot.OpeningOrderID == "" {
			continue
		}
		dsu.union(lot.OpeningOrderID, cl.ClosingOrderID)
		note(cl.ClosingOrderID, cl.ClosingDate)
	}

	// Edge 2: derived lot -> parent. A derived lot without its own opening
	// order (the stock side of an assignment) attaches through the
	// parent's assignment closing.
	for i := range lots {
		derived := &lots[i]
		if derived.DerivedFromLotID == "" {
			continue
		}
		parent := lotByID[derived.DerivedFromLotID]
		if parent == nil || parent.OpeningOrderID == "" {
			continue
		}
		endpoint := derived.OpeningOrderID
		if endpoint == "" {
			for _, cl := range closingsByLot[parent.TransactionID] {
				if cl.ResultingLotID == derived.TransactionID {
					endpoint = cl.ClosingOrderID
					break
				}
			}
		}
		if endpoint == "" {
			continue
		}
		dsu.union(endpoint, parent.OpeningOrderID)
		note(endpoint, derived.EntryDate)
	}

	// Replace the cached chains in scope.
	listQuery := ctx.DB.Model(&models.OrderChain{}).Where("user_id = ?", ctx.UserID)
	deleteQuery := ctx.DB.Where("user_id = ?", ctx.UserID)
	if len(underlyings) > 0 {
		listQuery = listQuery.Where("underlying IN ?", underlyings)
		deleteQuery = deleteQuery.Where("underlying IN ?", underlyings)
	}
	var staleChainIDs []string
	if err := listQuery.Pluck("chain_id", &staleChainIDs).Error; err != nil {
		return err
	}
	if len(staleChainIDs) > 0 {
		if err := ctx.DB.Where("user_id = ? AND chain_id IN ?", ctx.UserID, staleChainIDs).
			Delete(&models.ChainCacheEntry{}).Error; err != nil {
			return err
		}
	}
	if err := deleteQuery.Delete(&models.OrderChain{}).Error; err != nil {
		return err
	}

	lotsByOrder := make(map[string][]*models.Lot)
	for i := range lots {
		lotsByOrder[lots[i].OpeningOrderID] = append(lotsByOrder[lots[i].OpeningOrderID], &lots[i])
	}
	closingsByOrder := make(map[string][]models.LotClosing)
	for _, cl := range closings {
		closingsByOrder[cl.ClosingOrderID] = append(closingsByOrder[cl.ClosingOrderID], cl)
	}

	components := dsu.components()
	roots := make([]string, 0, len(components))
	for root := range components {
		roots = append(roots, root)
	}
	sort.Strings(roots)

	for _, root := range roots {
		members := components[root]
		memberSet := make(map[string]bool, len(members))
		for _, m := range members {
			memberSet[m] = true
		}

		var chainLots []*models.Lot
		for i := range lots {
			lot := &lots[i]
			if memberSet[lot.OpeningOrderID] {
				chainLots = append(chainLots, lot)
				continue
			}
			if lot.DerivedFromLotID != "" {
				if parent := lotByID[lot.DerivedFromLotID]; parent != nil && memberSet[parent.OpeningOrderID] {
					chainLots = append(chainLots, lot)
				}
			}
		}
		if len(chainLots) == 0 {
			continue
		}

		if err := persistChain(ctx, members, chainLots, closingsByLot, lotsByOrder, closingsByOrder, orderTime); err != nil {
			return err
		}
	}
	return nil
}

func persistChain(
	ctx *Context,
	members []string,
	chainLots []*models.Lot,
	closingsByLot map[string][]models.LotClosing,
	lotsByOrder map[string][]*models.Lot,
	closingsByOrder map[string][]models.LotClosing,
	orderTime map[string]time.Time,
) error {
	earliest := members[0]
	for _, m := range members[1:] {
		ti, tj := orderTime[m], orderTime[earliest]
		if ti.Before(tj) || (ti.Equal(tj) && m < earliest) {
			earliest = m
		}
	}

	chainID := chainIDFor(chainLots[0].Underlying, orderTime[earliest], earliest)

	status := models.ChainClosed
	anyOpen := false
	assigned := false
	realized := decimal.Zero
	openedAt := chainLots[0].EntryDate
	var closedAt time.Time

	for _, lot := range chainLots {
		if !lot.RemainingQuantity.IsZero() {
			anyOpen = true
		}
		if lot.EntryDate.Before(openedAt) {
			openedAt = lot.EntryDate
		}
		for _, cl := range closingsByLot[lot.TransactionID] {
			realized = realized.Add(cl.RealizedPnL)
			if cl.ClosingType == models.ClosingAssignment {
				assigned = true
			}
			if cl.ClosingDate.After(closedAt) {
				closedAt = cl.ClosingDate
			}
		}
	}
	if anyOpen {
		status = models.ChainOpen
		if assigned {
			status = models.ChainAssigned
		}
	}

	label := chainStrategyLabel(chainLots)

	chain := models.OrderChain{
		ChainID:       chainID,
		UserID:        ctx.UserID,
		AccountNumber: chainLots[0].AccountNumber,
		Underlying:    chainLots[0].Underlying,
		Status:        status,
		StrategyLabel: label,
		OrderCount:    len(members),
		RealizedPnL:   realized,
		OpenedAt:      openedAt,
	}
	if status == models.ChainClosed && !closedAt.IsZero() {
		chain.ClosedAt = &closedAt
	}
	if err := ctx.DB.Create(&chain).Error; err != nil {
		return err
	}

	// Rewrite lot chain ids to the final value.
	lotIDs := make([]string, len(chainLots))
	for i, lot := range chainLots {
		lotIDs[i] = lot.TransactionID
		lot.ChainID = chainID
	}
	if err := ctx.DB.Model(&models.Lot{}).
		Where("user_id = ? AND transaction_id IN ?", ctx.UserID, lotIDs).
		Update("chain_id", chainID).Error; err != nil {
		return err
	}

	// Per-order JSON payloads for the chains view.
	sorted := make([]string, len(members))
	copy(sorted, members)
	sort.Slice(sorted, func(i, j int) bool {
		ti, tj := orderTime[sorted[i]], orderTime[sorted[j]]
		if ti.Equal(tj) {
			return sorted[i] < sorted[j]
		}
		return ti.Before(tj)
	})

	for seq, orderID := range sorted {
		var positions []cachedPosition
		for _, lot := range lotsByOrder[orderID] {
			positions = append(positions, cachedPosition{
				Symbol:   lot.Symbol,
				Side:     "OPEN",
				Quantity: lot.Quantity.String(),
				Price:    lot.EntryPrice.String(),
			})
		}
		for _, cl := range closingsByOrder[orderID] {
			positions = append(positions, cachedPosition{
				Symbol:      symbolForClosing(&cl, chainLots),
				Side:        "CLOSE",
				Quantity:    cl.QuantityClosed.String(),
				Price:       cl.ClosingPrice.String(),
				RealizedPnL: cl.RealizedPnL.String(),
			})
		}
		payload, err := json.Marshal(positions)
		if err != nil {
			return err
		}
		entry := models.ChainCacheEntry{
			UserID:   ctx.UserID,
			ChainID:  chainID,
			OrderID:  orderID,
			Sequence: seq,
			Payload:  string(payload),
		}
		if err := ctx.DB.Create(&entry).Error; err != nil {
			return err
		}
	}
	return nil
}

func symbolForClosing(cl *models.LotClosing, chainLots []*models.Lot) string {
	for _, lot := range chainLots {
		if lot.TransactionID == cl.LotID {
			return lot.Symbol
		}
	}
	return ""
}

// chainStrategyLabel recognizes the strategy from the open legs, falling
// back to the original legs for fully closed chains.
func chainStrategyLabel(chainLots []*models.Lot) string {
	open := make([]models.Lot, 0, len(chainLots))
	all := make([]models.Lot, 0, len(chainLots))
	for _, lot := range chainLots {
		all = append(all, *lot)
		if !lot.RemainingQuantity.IsZero() {
			open = append(open, *lot)
		}
	}
	if len(open) > 0 {
		return strategy.Recognize(strategy.LegsFromLots(open)).Name
	}
	return strategy.Recognize(strategy.LegsFromOriginalLots(all)).Name
}
