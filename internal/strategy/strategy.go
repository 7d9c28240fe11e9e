// Package strategy identifies named option structures from the open legs
// of a chain or position group. Pure functions, no DB access.
package strategy

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optionledger/optionledger/internal/models"
)

var hundred = decimal.NewFromInt(100)

// Leg is the structural summary of one or more lots sharing the same
// instrument, type, strike, expiration and direction.
type Leg struct {
	Instrument models.InstrumentType
	OptionType models.OptionType
	Strike     decimal.Decimal
	Expiration *time.Time
	Long       bool
	Quantity   decimal.Decimal
}

// IsEquity reports whether the leg is shares rather than contracts.
func (l *Leg) IsEquity() bool { return l.Instrument == models.InstrumentEquity }

// Direction is the market bias of a recognized strategy.
type Direction string

const (
	Bullish Direction = "bullish"
	Bearish Direction = "bearish"
	Neutral Direction = "neutral"
)

// CreditDebit records whether the structure is typically entered for a
// credit, a debit, or a mix.
type CreditDebit string

const (
	Credit CreditDebit = "credit"
	Debit  CreditDebit = "debit"
	Mixed  CreditDebit = "mixed"
)

// Info is the registry entry for a recognized strategy.
type Info struct {
	Direction   Direction
	CreditDebit CreditDebit
	LegCount    int
}

// Match is the recognizer result.
type Match struct {
	Name       string
	Confidence float64
}

// Strategy names.
const (
	CoveredCall    = "Covered Call"
	Collar         = "Collar"
	CashSecuredPut = "Cash-Secured Put"
	JadeLizard     = "Jade Lizard"
	IronButterfly  = "Iron Butterfly"
	IronCondor     = "Iron Condor"
	ShortStraddle  = "Short Straddle"
	LongStraddle   = "Long Straddle"
	ShortStrangle  = "Short Strangle"
	LongStrangle   = "Long Strangle"
	CalendarSpread = "Calendar Spread"
	PMCC           = "Poor Man's Covered Call"
	DiagonalSpread = "Diagonal Spread"
	BullPutSpread  = "Bull Put Spread"
	BearPutSpread  = "Bear Put Spread"
	BullCallSpread = "Bull Call Spread"
	BearCallSpread = "Bear Call Spread"
	LongCall       = "Long Call"
	ShortCall      = "Short Call"
	LongPut        = "Long Put"
	Shares         = "Shares"
)

// Registry holds the static pattern metadata. A single short put always
// recognizes as Cash-Secured Put, so no separate Short Put entry exists.
var Registry = map[string]Info{
	CoveredCall:    {Neutral, Mixed, 2},
	Collar:         {Neutral, Mixed, 3},
	CashSecuredPut: {Bullish, Credit, 1},
	JadeLizard:     {Neutral, Credit, 3},
	IronButterfly:  {Neutral, Credit, 4},
	IronCondor:     {Neutral, Credit, 4},
	ShortStraddle:  {Neutral, Credit, 2},
	LongStraddle:   {Neutral, Debit, 2},
	ShortStrangle:  {Neutral, Credit, 2},
	LongStrangle:   {Neutral, Debit, 2},
	CalendarSpread: {Neutral, Debit, 2},
	PMCC:           {Bullish, Debit, 2},
	DiagonalSpread: {Neutral, Mixed, 2},
	BullPutSpread:  {Bullish, Credit, 2},
	BearPutSpread:  {Bearish, Debit, 2},
	BullCallSpread: {Bullish, Debit, 2},
	BearCallSpread: {Bearish, Credit, 2},
	LongCall:       {Bullish, Debit, 1},
	ShortCall:      {Bearish, Credit, 1},
	LongPut:        {Bearish, Debit, 1},
	Shares:         {Bullish, Debit, 1},
}

type legKey struct {
	instrument models.InstrumentType
	optionType models.OptionType
	strike     string
	expiration string
	long       bool
}

func keyFor(instrument models.InstrumentType, optionType models.OptionType, strike decimal.Decimal, expiration *time.Time, long bool) legKey {
	exp := ""
	if expiration != nil {
		exp = expiration.Format("2006-01-02")
	}
	return legKey{instrument, optionType, strike.String(), exp, long}
}

// LegsFromLots drops closed lots and folds the rest into legs by
// structural identity, summing absolute remaining quantity.
func LegsFromLots(lots []models.Lot) []Leg {
	return buildLegs(lots, func(lot *models.Lot) decimal.Decimal {
		return lot.RemainingQuantity.Abs()
	})
}

// LegsFromOriginalLots folds every lot at its original quantity, used to
// label fully closed chains.
func LegsFromOriginalLots(lots []models.Lot) []Leg {
	return buildLegs(lots, func(lot *models.Lot) decimal.Decimal {
		return lot.OriginalQuantity
	})
}

func buildLegs(lots []models.Lot, quantity func(*models.Lot) decimal.Decimal) []Leg {
	index := make(map[legKey]int)
	var legs []Leg
	for i := range lots {
		lot := &lots[i]
		qty := quantity(lot)
		if qty.IsZero() {
			continue
		}
		key := keyFor(lot.InstrumentType, lot.OptionType, lot.Strike, lot.Expiration, lot.Quantity.IsPositive())
		if j, ok := index[key]; ok {
			legs[j].Quantity = legs[j].Quantity.Add(qty)
			continue
		}
		index[key] = len(legs)
		legs = append(legs, Leg{
			Instrument: lot.InstrumentType,
			OptionType: lot.OptionType,
			Strike:     lot.Strike,
			Expiration: lot.Expiration,
			Long:       lot.Quantity.IsPositive(),
			Quantity:   qty,
		})
	}
	sortLegs(legs)
	return legs
}

func sortLegs(legs []Leg) {
	sort.SliceStable(legs, func(i, j int) bool {
		if legs[i].Instrument != legs[j].Instrument {
			return legs[i].Instrument == models.InstrumentEquity
		}
		if !legs[i].Strike.Equal(legs[j].Strike) {
			return legs[i].Strike.LessThan(legs[j].Strike)
		}
		return legs[i].OptionType < legs[j].OptionType
	})
}
