package pipeline

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optionledger/optionledger/internal/models"
)

func TestOpenCloseRealizesPnL(t *testing.T) {
	ctx := newTestContext(t)

	open := optTx("ord-1", "AAPL", aaplPut170, models.ActionSellToOpen, 1, 5.00, baseTime)
	close := optTx("ord-2", "AAPL", aaplPut170, models.ActionBuyToClose, 1, 2.00, baseTime.Add(5*24*time.Hour))
	ingestAndReprocess(t, ctx, []models.RawTransaction{open, close})

	lots := loadLots(t, ctx)
	require.Len(t, lots, 1)
	lot := lots[0]
	assert.Equal(t, "-1", lot.Quantity.String())
	assert.True(t, lot.RemainingQuantity.IsZero())
	assert.Equal(t, models.LotClosed, lot.Status)
	assert.Equal(t, models.OptionPut, lot.OptionType)
	assert.Equal(t, "170", lot.Strike.String())

	closings := loadClosings(t, ctx)
	require.Len(t, closings, 1)
	assert.Equal(t, "300", closings[0].RealizedPnL.String())
	assert.Equal(t, models.ClosingManual, closings[0].ClosingType)
}

func TestPartialCloseLeavesRemainder(t *testing.T) {
	ctx := newTestContext(t)

	open := optTx("ord-1", "AAPL", aaplPut170, models.ActionSellToOpen, 3, 2.00, baseTime)
	close := optTx("ord-2", "AAPL", aaplPut170, models.ActionBuyToClose, 1, 0, baseTime.Add(24*time.Hour))
	ingestAndReprocess(t, ctx, []models.RawTransaction{open, close})

	lots := loadLots(t, ctx)
	require.Len(t, lots, 1)
	assert.Equal(t, "-2", lots[0].RemainingQuantity.String())
	assert.Equal(t, models.LotPartial, lots[0].Status)

	closings := loadClosings(t, ctx)
	require.Len(t, closings, 1)
	assert.Equal(t, "200", closings[0].RealizedPnL.String())
	assert.Equal(t, "1", closings[0].QuantityClosed.String())
}

func TestFIFOConsumesOldestFirst(t *testing.T) {
	ctx := newTestContext(t)

	first := optTx("ord-1", "AAPL", aaplPut170, models.ActionSellToOpen, 1, 5.00, baseTime)
	second := optTx("ord-2", "AAPL", aaplPut170, models.ActionSellToOpen, 1, 4.00, baseTime.Add(time.Hour))
	close := optTx("ord-3", "AAPL", aaplPut170, models.ActionBuyToClose, 1, 1.00, baseTime.Add(2*time.Hour))
	ingestAndReprocess(t, ctx, []models.RawTransaction{first, second, close})

	lots := loadLots(t, ctx)
	require.Len(t, lots, 2)
	assert.Equal(t, models.LotClosed, lots[0].Status, "oldest lot closes first")
	assert.Equal(t, models.LotOpen, lots[1].Status)

	closings := loadClosings(t, ctx)
	require.Len(t, closings, 1)
	assert.Equal(t, first.ID, closings[0].LotID)
	assert.Equal(t, "400", closings[0].RealizedPnL.String())
}

func TestCloseDirectionConstraint(t *testing.T) {
	ctx := newTestContext(t)

	// A long and a short of the same contract coexist; buy-to-close must
	// only consume the short.
	short := optTx("ord-1", "AAPL", aaplPut170, models.ActionSellToOpen, 1, 5.00, baseTime)
	long := optTx("ord-2", "AAPL", aaplPut170, models.ActionBuyToOpen, 1, 5.00, baseTime.Add(time.Minute))
	close := optTx("ord-3", "AAPL", aaplPut170, models.ActionBuyToClose, 1, 2.00, baseTime.Add(time.Hour))
	ingestAndReprocess(t, ctx, []models.RawTransaction{short, long, close})

	lots := loadLots(t, ctx)
	require.Len(t, lots, 2)
	byID := map[string]models.Lot{}
	for _, lot := range lots {
		byID[lot.TransactionID] = lot
	}
	assert.Equal(t, models.LotClosed, byID[short.ID].Status)
	assert.Equal(t, models.LotOpen, byID[long.ID].Status)
}

func TestUnmatchedCloseKeepsZeroPnLRecord(t *testing.T) {
	ctx := newTestContext(t)

	close := optTx("ord-1", "AAPL", aaplPut170, models.ActionBuyToClose, 1, 2.00, baseTime)
	ingestAndReprocess(t, ctx, []models.RawTransaction{close})

	assert.Empty(t, loadLots(t, ctx))
	closings := loadClosings(t, ctx)
	require.Len(t, closings, 1)
	assert.Equal(t, "", closings[0].LotID)
	assert.True(t, closings[0].RealizedPnL.IsZero())
}

func TestExpirationClosesAtZero(t *testing.T) {
	ctx := newTestContext(t)

	open := optTx("ord-1", "AAPL", aaplPut170, models.ActionSellToOpen, 2, 1.50, baseTime)
	exp := sysOptTx("AAPL", aaplPut170, models.SubTypeExpiration, 2, baseTime.Add(30*24*time.Hour))
	ingestAndReprocess(t, ctx, []models.RawTransaction{open, exp})

	lots := loadLots(t, ctx)
	require.Len(t, lots, 1)
	assert.Equal(t, models.LotClosed, lots[0].Status)

	closings := loadClosings(t, ctx)
	require.Len(t, closings, 1)
	assert.Equal(t, models.ClosingExpiration, closings[0].ClosingType)
	// Short premium is fully kept: (1.50 - 0) x 2 x 100.
	assert.Equal(t, "300", closings[0].RealizedPnL.String())
}

func TestPutAssignmentDerivesStockLot(t *testing.T) {
	ctx := newTestContext(t)

	open := optTx("ord-1", "AAPL", aaplPut170, models.ActionSellToOpen, 1, 5.00, baseTime)
	assignedAt := baseTime.Add(30 * 24 * time.Hour)
	assignment := sysOptTx("AAPL", aaplPut170, models.SubTypeAssignment, 1, assignedAt)
	shares := receiveDeliverStock("AAPL", models.ActionBuy, 100, 0, assignedAt.Add(10*time.Second))
	ingestAndReprocess(t, ctx, []models.RawTransaction{open, assignment, shares})

	lots := loadLots(t, ctx)
	require.Len(t, lots, 2)

	var optionLot, stockLot *models.Lot
	for i := range lots {
		if lots[i].InstrumentType == models.InstrumentOption {
			optionLot = &lots[i]
		} else {
			stockLot = &lots[i]
		}
	}
	require.NotNil(t, optionLot)
	require.NotNil(t, stockLot)

	assert.Equal(t, models.LotClosed, optionLot.Status)

	assert.Equal(t, "100", stockLot.Quantity.String())
	assert.Equal(t, "170", stockLot.EntryPrice.String(), "derived shares enter at the strike")
	assert.Equal(t, optionLot.TransactionID, stockLot.DerivedFromLotID)
	assert.Equal(t, models.DerivedAssignment, stockLot.DerivationType)
	assert.Equal(t, optionLot.ChainID, stockLot.ChainID, "derived lot stays in the parent chain")

	// The assignment closing points at the derived lot.
	closings := loadClosings(t, ctx)
	require.Len(t, closings, 1)
	assert.Equal(t, models.ClosingAssignment, closings[0].ClosingType)
	assert.Equal(t, stockLot.TransactionID, closings[0].ResultingLotID)

	chains := loadChains(t, ctx)
	require.Len(t, chains, 1)
	assert.Equal(t, models.ChainAssigned, chains[0].Status)
}

func TestCallAssignmentDeliversSharesOut(t *testing.T) {
	ctx := newTestContext(t)

	open := optTx("ord-1", "SPY", spyCall600, models.ActionSellToOpen, 1, 3.00, baseTime)
	assignedAt := baseTime.Add(20 * 24 * time.Hour)
	assignment := sysOptTx("SPY", spyCall600, models.SubTypeAssignment, 1, assignedAt)
	shares := receiveDeliverStock("SPY", models.ActionSell, 100, 0, assignedAt.Add(5*time.Second))
	ingestAndReprocess(t, ctx, []models.RawTransaction{open, assignment, shares})

	lots := loadLots(t, ctx)
	require.Len(t, lots, 2)
	for _, lot := range lots {
		if lot.InstrumentType == models.InstrumentEquity {
			assert.Equal(t, "-100", lot.Quantity.String())
			assert.Equal(t, "600", lot.EntryPrice.String())
		}
	}
}

func TestEquityNettingClosesOpposingLots(t *testing.T) {
	ctx := newTestContext(t)

	// Put assignment brings in 100 shares at 170; call assignment later
	// delivers 100 shares out at 180. Netting realizes the 10-point gain on
	// the long side.
	putOpen := optTx("ord-1", "AAPL", aaplPut170, models.ActionSellToOpen, 1, 5.00, baseTime)
	putAssignedAt := baseTime.Add(10 * 24 * time.Hour)
	putAssignment := sysOptTx("AAPL", aaplPut170, models.SubTypeAssignment, 1, putAssignedAt)
	putShares := receiveDeliverStock("AAPL", models.ActionBuy, 100, 0, putAssignedAt.Add(5*time.Second))

	callSym := "AAPL  250418C00180000"
	callOpen := optTx("ord-2", "AAPL", callSym, models.ActionSellToOpen, 1, 2.00, putAssignedAt.Add(24*time.Hour))
	callAssignedAt := putAssignedAt.Add(20 * 24 * time.Hour)
	callAssignment := sysOptTx("AAPL", callSym, models.SubTypeAssignment, 1, callAssignedAt)
	callShares := receiveDeliverStock("AAPL", models.ActionSell, 100, 0, callAssignedAt.Add(5*time.Second))

	ingestAndReprocess(t, ctx, []models.RawTransaction{
		putOpen, putAssignment, putShares, callOpen, callAssignment, callShares,
	})

	lots := loadLots(t, ctx)
	require.Len(t, lots, 4)
	for _, lot := range lots {
		assert.Equal(t, models.LotClosed, lot.Status, "lot %s should be fully closed", lot.TransactionID)
		assert.True(t, lot.RemainingQuantity.IsZero())
	}

	// Long entered at 170, netted against the short at its 180 entry:
	// (180 - 170) x 100 shares = 1000.
	closings := loadClosings(t, ctx)
	nettingPnL := decimal.Zero
	for _, cl := range closings {
		if cl.ClosingOrderID == EquityNettingOrderID {
			nettingPnL = nettingPnL.Add(cl.RealizedPnL)
		}
	}
	assert.Equal(t, "1000", nettingPnL.String())
}
