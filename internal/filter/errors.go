package filter

import (
	"errors"
	"fmt"
)

var (
	ErrDecimal       = errors.New("FILTER DECIMAL")
	ErrPrecision     = errors.New("FILTER PRECISION")
	ErrLotSize       = errors.New("FILTER LOTSIZE")
	ErrMarketLotSize = errors.New("FILTER MARKET_LOT_SIZE")
	ErrNotional      = errors.New("FILTER NOTIONAL")
	ErrMinNotional   = errors.New("FILTER MIN_NOTIONAL")
)

func violation(kind error, format string, args ...any) error {
	return fmt.Errorf("%w %s", kind, fmt.Sprintf(format, args...))
}

// DecimalError reports a filter value that is not a valid decimal.
func DecimalError(field, value string, err error) error {
	return fmt.Errorf("%w %s %q: %v", ErrDecimal, field, value, err)
}
