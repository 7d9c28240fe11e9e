package models

import "strings"

// Action is the broker-native open/close verb on a transaction. System
// events (expirations, assignments) arrive with an empty action.
type Action string

const (
	ActionBuyToOpen   Action = "Buy to Open"
	ActionSellToOpen  Action = "Sell to Open"
	ActionBuyToClose  Action = "Buy to Close"
	ActionSellToClose Action = "Sell to Close"
	ActionBuy         Action = "Buy"
	ActionSell        Action = "Sell"
)

// IsOpening reports whether the action opens a position. Plain Buy/Sell
// rows (ACAT transfers and the like) count as opening on the buy side.
func (a Action) IsOpening() bool {
	switch a {
	case ActionBuyToOpen, ActionSellToOpen, ActionBuy:
		return true
	}
	return false
}

// IsClosing reports whether the action closes a position.
func (a Action) IsClosing() bool {
	switch a {
	case ActionBuyToClose, ActionSellToClose, ActionSell:
		return true
	}
	return false
}

// CloseDirection returns the FIFO direction filter for a closing action:
// closeLong=true matches long lots only, closeLong=false short lots only,
// constrained=false means the close matches either side.
func (a Action) CloseDirection() (closeLong, constrained bool) {
	switch a {
	case ActionSellToClose, ActionSell:
		return true, true
	case ActionBuyToClose:
		return false, true
	}
	return false, false
}

// IsShortOpen reports whether the action opens a short position.
func (a Action) IsShortOpen() bool { return a == ActionSellToOpen }

// OrderType classifies an assembled order.
type OrderType string

const (
	OrderOpening OrderType = "OPENING"
	OrderRolling OrderType = "ROLLING"
	OrderClosing OrderType = "CLOSING"
)

// ClosingType records how a lot was (partially) closed.
type ClosingType string

const (
	ClosingManual     ClosingType = "MANUAL"
	ClosingExpiration ClosingType = "EXPIRATION"
	ClosingAssignment ClosingType = "ASSIGNMENT"
	ClosingExercise   ClosingType = "EXERCISE"
)

// DerivationType marks a stock lot created from an option event.
type DerivationType string

const (
	DerivedAssignment DerivationType = "ASSIGNMENT"
	DerivedExercise   DerivationType = "EXERCISE"
)

// LotStatus tracks how much of a lot remains open.
type LotStatus string

const (
	LotOpen    LotStatus = "OPEN"
	LotPartial LotStatus = "PARTIAL"
	LotClosed  LotStatus = "CLOSED"
)

// ChainStatus applies to both chains and position groups.
type ChainStatus string

const (
	ChainOpen     ChainStatus = "OPEN"
	ChainClosed   ChainStatus = "CLOSED"
	ChainAssigned ChainStatus = "ASSIGNED"
)

// InstrumentType distinguishes shares from option contracts.
type InstrumentType string

const (
	InstrumentEquity InstrumentType = "Equity"
	InstrumentOption InstrumentType = "Equity Option"
)

// OptionType is the parsed contract type.
type OptionType string

const (
	OptionCall OptionType = "Call"
	OptionPut  OptionType = "Put"
)

// IsCall reports whether the option is a call.
func (o OptionType) IsCall() bool { return o == OptionCall }

// IsPut reports whether the option is a put.
func (o OptionType) IsPut() bool { return o == OptionPut }

// Transaction sub-types that carry system events.
const (
	SubTypeExpiration   = "Expiration"
	SubTypeAssignment   = "Assignment"
	SubTypeExercise     = "Exercise"
	SubTypeSymbolChange = "Symbol Change"

	TypeReceiveDeliver = "Receive Deliver"
)

// IsSystemSubType reports whether the sub-type represents a broker-side
// event rather than a user-entered order.
func IsSystemSubType(subType string) bool {
	switch subType {
	case SubTypeExpiration, SubTypeAssignment, SubTypeExercise, SubTypeSymbolChange:
		return true
	}
	return false
}

// ClosingTypeForSubType maps a system sub-type to the closing kind it
// produces. Anything else is a manual close.
func ClosingTypeForSubType(subType string) ClosingType {
	switch subType {
	case SubTypeExpiration:
		return ClosingExpiration
	case SubTypeAssignment:
		return ClosingAssignment
	case SubTypeExercise:
		return ClosingExercise
	}
	return ClosingManual
}

// NormalizeInstrument folds broker spellings onto the two instrument types.
func NormalizeInstrument(raw string) InstrumentType {
	if strings.Contains(strings.ToLower(raw), "option") {
		return InstrumentOption
	}
	return InstrumentEquity
}
