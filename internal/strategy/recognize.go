package strategy

import "fmt"

// Recognize pattern-matches a leg set against the registry. Patterns are
// tried in a fixed order; the first match wins. Unrecognized structures
// fall back to a zero-confidence custom label.
func Recognize(legs []Leg) Match {
	matchers := []func([]Leg) (string, bool){
		matchEquityCombo,
		matchOptionCombo,
		matchSameExpirationGroup,
		matchCrossExpiration,
		matchVertical,
		matchSingleton,
	}
	for _, m := range matchers {
		if name, ok := m(legs); ok {
			return Match{Name: name, Confidence: 1.0}
		}
	}
	return Match{Name: fmt.Sprintf("Custom (%d-leg)", len(legs)), Confidence: 0}
}

func splitLegs(legs []Leg) (equity, options []Leg) {
	for _, leg := range legs {
		if leg.IsEquity() {
			equity = append(equity, leg)
		} else {
			options = append(options, leg)
		}
	}
	return equity, options
}

// matchEquityCombo handles structures that pair shares with options.
func matchEquityCombo(legs []Leg) (string, bool) {
	equity, options := splitLegs(legs)
	if len(equity) != 1 || !equity[0].Long {
		return "", false
	}
	shares := equity[0].Quantity

	switch len(options) {
	case 1:
		call := options[0]
		if call.OptionType != "" && call.OptionType.IsCall() && !call.Long &&
			shares.GreaterThanOrEqual(call.Quantity.Mul(hundred)) {
			return CoveredCall, true
		}
	case 2:
		var shortCall, longPut *Leg
		for i := range options {
			leg := &options[i]
			switch {
			case leg.OptionType.IsCall() && !leg.Long:
				shortCall = leg
			case leg.OptionType.IsPut() && leg.Long:
				longPut = leg
			}
		}
		if shortCall != nil && longPut != nil {
			return Collar, true
		}
	}
	return "", false
}

// matchOptionCombo covers the option-only structures recognized ahead of
// the expiry-grouped patterns.
func matchOptionCombo(legs []Leg) (string, bool) {
	equity, options := splitLegs(legs)
	if len(equity) > 0 {
		return "", false
	}

	if len(options) == 1 {
		leg := options[0]
		if leg.OptionType.IsPut() && !leg.Long {
			return CashSecuredPut, true
		}
		return "", false
	}

	if len(options) == 3 {
		var shortPut, shortCall, longCall *Leg
		for i := range options {
			leg := &options[i]
			switch {
			case leg.OptionType.IsPut() && !leg.Long && shortPut == nil:
				shortPut = leg
			case leg.OptionType.IsCall() && !leg.Long && shortCall == nil:
				shortCall = leg
			case leg.OptionType.IsCall() && leg.Long && longCall == nil:
				longCall = leg
			}
		}
		if shortPut != nil && shortCall != nil && longCall != nil &&
			longCall.Strike.GreaterThan(shortCall.Strike) {
			return JadeLizard, true
		}
	}
	return "", false
}

// matchSameExpirationGroup handles four-leg wings and two-leg straddles
// and strangles, all at one expiry.
func matchSameExpirationGroup(legs []Leg) (string, bool) {
	equity, options := splitLegs(legs)
	if len(equity) > 0 || !sameExpiration(options) {
		return "", false
	}

	if len(options) == 4 {
		var longPut, shortPut, shortCall, longCall *Leg
		for i := range options {
			leg := &options[i]
			switch {
			case leg.OptionType.IsPut() && leg.Long:
				longPut = leg
			case leg.OptionType.IsPut():
				shortPut = leg
			case leg.OptionType.IsCall() && leg.Long:
				longCall = leg
			case leg.OptionType.IsCall():
				shortCall = leg
			}
		}
		if longPut == nil || shortPut == nil || shortCall == nil || longCall == nil {
			return "", false
		}
		if longPut.Strike.LessThan(shortPut.Strike) && longCall.Strike.GreaterThan(shortCall.Strike) {
			if shortPut.Strike.Equal(shortCall.Strike) {
				return IronButterfly, true
			}
			if shortPut.Strike.LessThan(shortCall.Strike) {
				return IronCondor, true
			}
		}
		return "", false
	}

	if len(options) == 2 {
		a, b := options[0], options[1]
		if a.OptionType == b.OptionType || a.Long != b.Long {
			return "", false
		}
		if a.Strike.Equal(b.Strike) {
			if a.Long {
				return LongStraddle, true
			}
			return ShortStraddle, true
		}
		if a.Long {
			return LongStrangle, true
		}
		return ShortStrangle, true
	}
	return "", false
}

// matchCrossExpiration handles two-leg same-type structures across
// expirations: calendars, poor man's covered calls and diagonals.
func matchCrossExpiration(legs []Leg) (string, bool) {
	equity, options := splitLegs(legs)
	if len(equity) > 0 || len(options) != 2 {
		return "", false
	}
	a, b := options[0], options[1]
	if a.OptionType != b.OptionType || a.Expiration == nil || b.Expiration == nil {
		return "", false
	}
	if a.Expiration.Equal(*b.Expiration) {
		return "", false
	}

	if a.Strike.Equal(b.Strike) {
		return CalendarSpread, true
	}

	far, near := a, b
	if near.Expiration.After(*far.Expiration) {
		far, near = near, far
	}
	if a.OptionType.IsCall() && far.Long && !near.Long && far.Strike.LessThan(near.Strike) {
		return PMCC, true
	}
	return DiagonalSpread, true
}

// matchVertical handles two-leg same-expiry same-type spreads with
// distinct strikes.
func matchVertical(legs []Leg) (string, bool) {
	equity, options := splitLegs(legs)
	if len(equity) > 0 || len(options) != 2 {
		return "", false
	}
	a, b := options[0], options[1]
	if a.OptionType != b.OptionType || !sameExpiration(options) ||
		a.Strike.Equal(b.Strike) || a.Long == b.Long {
		return "", false
	}

	lower, higher := a, b
	if lower.Strike.GreaterThan(higher.Strike) {
		lower, higher = higher, lower
	}

	if a.OptionType.IsPut() {
		if !higher.Long && lower.Long {
			return BullPutSpread, true
		}
		return BearPutSpread, true
	}
	if lower.Long && !higher.Long {
		return BullCallSpread, true
	}
	return BearCallSpread, true
}

// matchSingleton labels one-leg positions. A single short put never
// reaches here; it recognizes as Cash-Secured Put.
func matchSingleton(legs []Leg) (string, bool) {
	if len(legs) != 1 {
		return "", false
	}
	leg := legs[0]
	if leg.IsEquity() {
		return Shares, true
	}
	switch {
	case leg.OptionType.IsCall() && leg.Long:
		return LongCall, true
	case leg.OptionType.IsCall():
		return ShortCall, true
	case leg.OptionType.IsPut() && leg.Long:
		return LongPut, true
	}
	return "", false
}

func sameExpiration(options []Leg) bool {
	if len(options) == 0 {
		return false
	}
	first := options[0].Expiration
	if first == nil {
		return false
	}
	for _, leg := range options[1:] {
		if leg.Expiration == nil || !leg.Expiration.Equal(*first) {
			return false
		}
	}
	return true
}
