package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OptionDetails are the fields parsed out of an OCC option symbol.
type OptionDetails struct {
	Underlying string
	OptionType OptionType
	Strike     decimal.Decimal
	Expiration time.Time
}

// ParseOCCSymbol parses the OCC format "UNDERLYING  YYMMDD[C|P]NNNNNNNN",
// e.g. "AAPL  250321C00170000". The strike field is an integer in
// thousandths of a dollar.
func ParseOCCSymbol(symbol string) (*OptionDetails, error) {
	trimmed := strings.TrimSpace(symbol)
	idx := strings.IndexByte(trimmed, ' ')
	if idx < 0 {
		return nil, fmt.Errorf("option symbol %q has no underlying separator", symbol)
	}
	underlying := trimmed[:idx]
	rest := strings.TrimLeft(trimmed[idx:], " ")
	if len(rest) != 15 {
		return nil, fmt.Errorf("option symbol %q has malformed contract part %q", symbol, rest)
	}

	expiry, err := time.Parse("060102", rest[:6])
	if err != nil {
		return nil, fmt.Errorf("option symbol %q has bad expiration: %w", symbol, err)
	}

	var optType OptionType
	switch rest[6] {
	case 'C':
		optType = OptionCall
	case 'P':
		optType = OptionPut
	default:
		return nil, fmt.Errorf("option symbol %q has bad type byte %q", symbol, rest[6])
	}

	strikeRaw, err := strconv.ParseInt(rest[7:], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("option symbol %q has bad strike: %w", symbol, err)
	}

	return &OptionDetails{
		Underlying: underlying,
		OptionType: optType,
		Strike:     decimal.NewFromInt(strikeRaw).Div(decimal.NewFromInt(1000)),
		Expiration: expiry,
	}, nil
}
