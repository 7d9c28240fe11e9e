package pipeline

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/optionledger/optionledger/internal/database"
	"github.com/optionledger/optionledger/internal/models"
)

const (
	testUser    = "user-1"
	testAccount = "5WX12345"
)

var baseTime = time.Date(2025, 2, 3, 14, 30, 0, 0, time.UTC)

func newTestContext(t *testing.T) *Context {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	_, err = db.GetOrCreateUser(testUser, "trader@example.com")
	require.NoError(t, err)
	return &Context{UserID: testUser, DB: db.DB()}
}

func dec(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

var txSeq int

func nextTxID() string {
	txSeq++
	return fmt.Sprintf("tx-%04d", txSeq)
}

// optTx builds an option transaction row. Symbol follows OCC format.
func optTx(orderID, underlying, symbol string, action models.Action, qty, price float64, at time.Time) models.RawTransaction {
	return models.RawTransaction{
		ID:               nextTxID(),
		UserID:           testUser,
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

// sysOptTx builds an actionless broker event (expiration, assignment).
func sysOptTx(underlying, symbol, subType string, qty float64, at time.Time) models.RawTransaction {
	return models.RawTransaction{
		ID:                 nextTxID(),
		UserID:             testUser,
		AccountNumber:      testAccount,
		Symbol:             symbol,
		UnderlyingSymbol:   underlying,
		InstrumentType:     models.InstrumentOption,
		TransactionType:    models.TypeReceiveDeliver,
		TransactionSubType: subType,
		Quantity:           decimal.NewFromFloat(qty),
		Price:              decimal.Zero,
		ExecutedAt:         at,
	}
}

// stockTx builds an equity transaction row.
func stockTx(orderID, symbol string, action models.Action, qty, price float64, at time.Time) models.RawTransaction {
	return models.RawTransaction{
		ID:               nextTxID(),
		UserID:           testUser,
		AccountNumber:    testAccount,
		OrderID:          orderID,
		Symbol:           symbol,
		UnderlyingSymbol: symbol,
		Action:           action,
		InstrumentType:   models.InstrumentEquity,
		TransactionType:  "Trade",
		Quantity:         decimal.NewFromFloat(qty),
		Price:            decimal.NewFromFloat(price),
		ExecutedAt:       at,
	}
}

// receiveDeliverStock builds the stock ticket side of an assignment,
// exercise or transfer: no order id, Receive Deliver type.
func receiveDeliverStock(symbol string, action models.Action, qty, price float64, at time.Time) models.RawTransaction {
	tx := stockTx("", symbol, action, qty, price, at)
	tx.TransactionType = models.TypeReceiveDeliver
	return tx
}

func ingestAndReprocess(t *testing.T, ctx *Context, rows []models.RawTransaction) {
	t.Helper()
	n, err := SaveRawTransactions(ctx, rows)
	require.NoError(t, err)
	require.Equal(t, len(rows), n)
	require.NoError(t, Reprocess(ctx, nil))
}

func loadLots(t *testing.T, ctx *Context) []models.Lot {
	t.Helper()
	var lots []models.Lot
	require.NoError(t, ctx.DB.
		Where("user_id = ?", ctx.UserID).
		Order("entry_date ASC, transaction_id ASC").
		Find(&lots).Error)
	return lots
}

func loadClosings(t *testing.T, ctx *Context) []models.LotClosing {
	t.Helper()
	var closings []models.LotClosing
	require.NoError(t, ctx.DB.
		Where("user_id = ?", ctx.UserID).
		Order("id ASC").
		Find(&closings).Error)
	return closings
}

func loadChains(t *testing.T, ctx *Context) []models.OrderChain {
	t.Helper()
	var chains []models.OrderChain
	require.NoError(t, ctx.DB.
		Where("user_id = ?", ctx.UserID).
		Order("chain_id ASC").
		Find(&chains).Error)
	return chains
}

func totalRealized(closings []models.LotClosing) decimal.Decimal {
	sum := decimal.Zero
	for _, cl := range closings {
		sum = sum.Add(cl.RealizedPnL)
	}
	return sum
}
