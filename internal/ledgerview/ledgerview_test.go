package ledgerview

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optionledger/optionledger/internal/database"
	"github.com/optionledger/optionledger/internal/models"
	"github.com/optionledger/optionledger/internal/pipeline"
)

const (
	testUser    = "user-1"
	testAccount = "5WX12345"
	aaplPut170  = "AAPL  250321P00170000"
	spyCall600  = "SPY   250321C00600000"
)

var baseTime = time.Date(2025, 2, 3, 14, 30, 0, 0, time.UTC)

var txSeq int

func tx(orderID, underlying, symbol string, action models.Action, qty, price float64, at time.Time) models.RawTransaction {
	txSeq++
	return models.RawTransaction{
		ID:               fmt.Sprintf("vtx-%04d", txSeq),
		AccountNumber:    testAccount,
		OrderID:          orderID,
		Symbol:           symbol,
		UnderlyingSymbol: underlying,
		Action:           action,
		InstrumentType:   models.InstrumentOption,
		TransactionType:  "Trade",
		Quantity:         decimal.NewFromFloat(qty),
		Price:            decimal.NewFromFloat(price),
		ExecutedAt:       at,
	}
}

func newTestContext(t *testing.T) *pipeline.Context {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	return &pipeline.Context{UserID: testUser, DB: db.DB()}
}

func seed(t *testing.T, ctx *pipeline.Context, rows []models.RawTransaction) {
	t.Helper()
	_, err := pipeline.SaveRawTransactions(ctx, rows)
	require.NoError(t, err)
	require.NoError(t, pipeline.Reprocess(ctx, nil))
}

func TestGroupsListing(t *testing.T) {
	ctx := newTestContext(t)
	seed(t, ctx, []models.RawTransaction{
		tx("ord-1", "AAPL", aaplPut170, models.ActionSellToOpen, 1, 5.00, baseTime),
		tx("ord-2", "AAPL", aaplPut170, models.ActionBuyToClose, 1, 2.00, baseTime.Add(24*time.Hour)),
		tx("ord-3", "SPY", spyCall600, models.ActionSellToOpen, 1, 3.00, baseTime.Add(time.Hour)),
	})

	all, err := Groups(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)

	spyOnly, err := Groups(ctx, Filter{Underlying: "SPY"})
	require.NoError(t, err)
	require.Len(t, spyOnly, 1)
	assert.Equal(t, 1, spyOnly[0].OpenLots)
	assert.True(t, spyOnly[0].RealizedPnL.IsZero())

	open, err := Groups(ctx, Filter{OpenOnly: true})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "SPY", open[0].Group.Underlying)

	aapl, err := Groups(ctx, Filter{Underlying: "AAPL"})
	require.NoError(t, err)
	require.Len(t, aapl, 1)
	assert.Equal(t, models.ChainClosed, aapl[0].Group.Status)
	assert.Equal(t, "300", aapl[0].RealizedPnL.String())
	require.Len(t, aapl[0].Lots, 1)
}

func TestChainsListing(t *testing.T) {
	ctx := newTestContext(t)
	seed(t, ctx, []models.RawTransaction{
		tx("ord-1", "AAPL", aaplPut170, models.ActionSellToOpen, 1, 5.00, baseTime),
		tx("ord-2", "AAPL", aaplPut170, models.ActionBuyToClose, 1, 2.00, baseTime.Add(24*time.Hour)),
	})

	chains, err := Chains(ctx, Filter{Underlying: "AAPL"})
	require.NoError(t, err)
	require.Len(t, chains, 1)

	chain := chains[0]
	assert.Equal(t, models.ChainClosed, chain.Chain.Status)
	require.Len(t, chain.Orders, 2)
	assert.Equal(t, "ord-1", chain.Orders[0].OrderID)
	require.Len(t, chain.Orders[0].Positions, 1)
	assert.Equal(t, "OPEN", chain.Orders[0].Positions[0].Side)
	require.Len(t, chain.Orders[1].Positions, 1)
	assert.Equal(t, "300", chain.Orders[1].Positions[0].RealizedPnL)
}

func TestUpdateGroupStrategy(t *testing.T) {
	ctx := newTestContext(t)
	seed(t, ctx, []models.RawTransaction{
		tx("ord-1", "AAPL", aaplPut170, models.ActionSellToOpen, 1, 5.00, baseTime),
	})

	groups, err := Groups(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, groups, 1)

	require.NoError(t, UpdateGroupStrategy(ctx, groups[0].Group.GroupID, "The Wheel"))
	updated, err := Group(ctx, groups[0].Group.GroupID)
	require.NoError(t, err)
	assert.Equal(t, "The Wheel", updated.Group.StrategyLabel)

	assert.Error(t, UpdateGroupStrategy(ctx, "missing", "X"))
}

func TestMoveLotsBetweenGroups(t *testing.T) {
	ctx := newTestContext(t)
	seed(t, ctx, []models.RawTransaction{
		tx("ord-1", "AAPL", aaplPut170, models.ActionSellToOpen, 1, 5.00, baseTime),
	})

	groups, err := Groups(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	source := groups[0]
	require.Len(t, source.Lots, 1)
	lotID := source.Lots[0].TransactionID

	target, err := CreateGroup(ctx, testAccount, "AAPL", "My Wheel")
	require.NoError(t, err)

	require.NoError(t, MoveLots(ctx, []string{lotID}, target.GroupID))

	moved, err := Group(ctx, target.GroupID)
	require.NoError(t, err)
	require.Len(t, moved.Lots, 1)
	assert.Empty(t, moved.Group.SourceChainID, "manual group stays detached from chains")
	// Label recomputed from the moved legs.
	assert.Equal(t, "Cash-Secured Put", moved.Group.StrategyLabel)

	// The emptied auto-group is gone.
	remaining, err := Groups(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, target.GroupID, remaining[0].Group.GroupID)
}

func TestManualRegroupingSurvivesReprocess(t *testing.T) {
	ctx := newTestContext(t)
	seed(t, ctx, []models.RawTransaction{
		tx("ord-1", "AAPL", aaplPut170, models.ActionSellToOpen, 1, 5.00, baseTime),
	})

	groups, err := Groups(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	lotID := groups[0].Lots[0].TransactionID

	target, err := CreateGroup(ctx, testAccount, "AAPL", "My Wheel")
	require.NoError(t, err)
	require.NoError(t, MoveLots(ctx, []string{lotID}, target.GroupID))

	// A replay rebuilds the lot under the same id and must leave the
	// user's regrouping in place.
	require.NoError(t, pipeline.Reprocess(ctx, []string{"AAPL"}))

	after, err := Groups(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, target.GroupID, after[0].Group.GroupID)
	assert.Equal(t, "Cash-Secured Put", after[0].Group.StrategyLabel)
	require.Len(t, after[0].Lots, 1)
	assert.Equal(t, lotID, after[0].Lots[0].TransactionID)
}

func TestMoveLotsRejectsMixedUnderlyings(t *testing.T) {
	ctx := newTestContext(t)
	seed(t, ctx, []models.RawTransaction{
		tx("ord-1", "AAPL", aaplPut170, models.ActionSellToOpen, 1, 5.00, baseTime),
		tx("ord-2", "SPY", spyCall600, models.ActionSellToOpen, 1, 3.00, baseTime),
	})

	groups, err := Groups(ctx, Filter{Underlying: "SPY"})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	spyLot := groups[0].Lots[0].TransactionID

	target, err := CreateGroup(ctx, testAccount, "AAPL", "Mixed")
	require.NoError(t, err)

	err = MoveLots(ctx, []string{spyLot}, target.GroupID)
	assert.ErrorIs(t, err, ErrMixedLots)
}

func TestDeleteGroup(t *testing.T) {
	ctx := newTestContext(t)

	empty, err := CreateGroup(ctx, testAccount, "AAPL", "Scratch")
	require.NoError(t, err)
	require.NoError(t, DeleteGroup(ctx, empty.GroupID))

	seed(t, ctx, []models.RawTransaction{
		tx("ord-1", "AAPL", aaplPut170, models.ActionSellToOpen, 1, 5.00, baseTime),
	})
	groups, err := Groups(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.ErrorIs(t, DeleteGroup(ctx, groups[0].Group.GroupID), ErrGroupNotEmpty)
}

func TestRecognizedStrategiesSorted(t *testing.T) {
	names := RecognizedStrategies()
	require.NotEmpty(t, names)
	assert.IsIncreasing(t, names)
	assert.Contains(t, names, "Iron Condor")
}
