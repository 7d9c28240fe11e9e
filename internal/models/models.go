package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// RawTransaction is the broker-native event, persisted verbatim and never
// mutated. Uniqueness is (ID, UserID).
type RawTransaction struct {
	ID                 string `gorm:"primaryKey"`
	UserID             string `gorm:"primaryKey;index"`
	AccountNumber      string `gorm:"index"`
	OrderID            string `gorm:"index"`
	Symbol             string
	UnderlyingSymbol   string `gorm:"index"`
	Action             Action
	InstrumentType     InstrumentType
	TransactionType    string
	TransactionSubType string
	Quantity           decimal.Decimal `gorm:"type:decimal(20,6)"`
	Price              decimal.Decimal `gorm:"type:decimal(20,6)"`
	Value              decimal.Decimal `gorm:"type:decimal(20,6)"`
	Fees               decimal.Decimal `gorm:"type:decimal(20,6)"`
	ExecutedAt         time.Time       `gorm:"index"`
	CreatedAt          time.Time
}

func (RawTransaction) TableName() string { return "raw_transactions" }

// IsOption reports whether the row trades an option contract.
func (t *RawTransaction) IsOption() bool { return t.InstrumentType == InstrumentOption }

// Multiplier is the contract multiplier used in every P&L computation.
func (t *RawTransaction) Multiplier() decimal.Decimal {
	if t.IsOption() {
		return decimal.NewFromInt(100)
	}
	return decimal.NewFromInt(1)
}

// Lot is an open position unit created by an opening transaction. Quantity
// is signed (positive long, negative short); RemainingQuantity moves toward
// zero as closings are matched against it.
type Lot struct {
	TransactionID     string `gorm:"primaryKey"`
	UserID            string `gorm:"primaryKey;index"`
	AccountNumber     string `gorm:"index"`
	Symbol            string `gorm:"index"`
	Underlying        string `gorm:"index"`
	InstrumentType    InstrumentType
	OptionType        OptionType
	Strike            decimal.Decimal `gorm:"type:decimal(20,6)"`
	Expiration        *time.Time
	Quantity          decimal.Decimal `gorm:"type:decimal(20,6)"`
	EntryPrice        decimal.Decimal `gorm:"type:decimal(20,6)"`
	EntryDate         time.Time       `gorm:"index"`
	RemainingQuantity decimal.Decimal `gorm:"type:decimal(20,6)"`
	OriginalQuantity  decimal.Decimal `gorm:"type:decimal(20,6)"`
	ChainID           string          `gorm:"index"`
	LegIndex          int
	OpeningOrderID    string `gorm:"index"`
	DerivedFromLotID  string
	DerivationType    DerivationType
	Status            LotStatus `gorm:"index"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (Lot) TableName() string { return "position_lots" }

// IsLong reports the direction of the lot.
func (l *Lot) IsLong() bool { return l.Quantity.IsPositive() }

// Multiplier is 100 for option lots, 1 for equity.
func (l *Lot) Multiplier() decimal.Decimal {
	if l.InstrumentType == InstrumentOption {
		return decimal.NewFromInt(100)
	}
	return decimal.NewFromInt(1)
}

// CostBasis is entry price x original quantity x multiplier.
func (l *Lot) CostBasis() decimal.Decimal {
	return l.EntryPrice.Mul(l.OriginalQuantity).Mul(l.Multiplier())
}

// LotClosing is one FIFO match event against a lot. Append-only.
type LotClosing struct {
	ID                   uint   `gorm:"primaryKey;autoIncrement"`
	UserID               string `gorm:"index"`
	LotID                string `gorm:"index"`
	ClosingOrderID       string `gorm:"index"`
	ClosingTransactionID string
	QuantityClosed       decimal.Decimal `gorm:"type:decimal(20,6)"`
	ClosingPrice         decimal.Decimal `gorm:"type:decimal(20,6)"`
	ClosingDate          time.Time
	ClosingType          ClosingType
	RealizedPnL          decimal.Decimal `gorm:"type:decimal(20,6)"`
	ResultingLotID       string
	CreatedAt            time.Time
}

func (LotClosing) TableName() string { return "lot_closings" }

// OrderChain is the cached summary of a derived chain. Recomputed on every
// pipeline run; reproducible from lots and closings.
type OrderChain struct {
	ChainID       string `gorm:"primaryKey"`
	UserID        string `gorm:"primaryKey;index"`
	AccountNumber string `gorm:"index"`
	Underlying    string `gorm:"index"`
	Status        ChainStatus
	StrategyLabel string
	OrderCount    int
	RealizedPnL   decimal.Decimal `gorm:"type:decimal(20,6)"`
	OpenedAt      time.Time
	ClosedAt      *time.Time
	UpdatedAt     time.Time
}

func (OrderChain) TableName() string { return "order_chains" }

// ChainCacheEntry is one order's position payload within a chain, stored as
// JSON for cheap UI reads.
type ChainCacheEntry struct {
	ID       uint   `gorm:"primaryKey;autoIncrement"`
	UserID   string `gorm:"index"`
	ChainID  string `gorm:"index"`
	OrderID  string
	Sequence int
	Payload  string
}

func (ChainCacheEntry) TableName() string { return "order_chain_cache" }

// PositionGroup is the user-facing, user-editable grouping of lots.
type PositionGroup struct {
	GroupID       string `gorm:"primaryKey"`
	UserID        string `gorm:"primaryKey;index"`
	AccountNumber string `gorm:"index"`
	Underlying    string `gorm:"index"`
	StrategyLabel string
	Status        ChainStatus
	SourceChainID string `gorm:"index"`
	OpenedAt      time.Time
	ClosedAt      *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (PositionGroup) TableName() string { return "position_groups" }

// UngroupedLabel names the fallback group for lots without a chain.
const UngroupedLabel = "Ungrouped"

// PositionGroupLot links a lot (by transaction id) into a group.
type PositionGroupLot struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	UserID        string `gorm:"uniqueIndex:idx_group_lot_user_tx"`
	GroupID       string `gorm:"index"`
	TransactionID string `gorm:"uniqueIndex:idx_group_lot_user_tx"`
}

func (PositionGroupLot) TableName() string { return "position_group_lots" }

// User is a ledger tenant.
type User struct {
	ID        string `gorm:"primaryKey"`
	Email     string `gorm:"uniqueIndex"`
	CreatedAt time.Time
}

func (User) TableName() string { return "users" }

// UserCredential holds an encrypted broker token for one provider.
type UserCredential struct {
	UserID         string `gorm:"primaryKey"`
	Provider       string `gorm:"primaryKey"`
	AccountNumber  string
	EncryptedToken []byte
	UpdatedAt      time.Time
}

func (UserCredential) TableName() string { return "user_credentials" }

// All lists every model for AutoMigrate.
func All() []any {
	return []any{
		&RawTransaction{}, &Lot{}, &LotClosing{},
		&OrderChain{}, &ChainCacheEntry{},
		&PositionGroup{}, &PositionGroupLot{},
		&User{}, &UserCredential{},
	}
}
