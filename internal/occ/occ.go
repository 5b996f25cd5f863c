// Package occ encodes and decodes option contract tickers in the provider's
// OCC-style form: O:<TICKER><YYMMDD><C|P><8-digit strike in thousandths>.
package occ

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Prefix marks an options ticker on the provider.
const Prefix = "O:"

// MaxStrike is the first strike (in thousandths) that no longer fits the 8 digit field.
const MaxStrike Strike = 100_000_000

var (
	// ErrInvalidSymbol is returned by Encode when a field cannot be represented.
	ErrInvalidSymbol = errors.New("invalid option symbol")

	symbolRe     = regexp.MustCompile(`^O:([A-Z]{1,6}[0-9]?)([0-9]{6})([CP])([0-9]{8})$`)
	underlyingRe = regexp.MustCompile(`^[A-Z]{1,6}[0-9]?$`)
)

type Side string

const (
	Call Side = "C"
	Put  Side = "P"
)

func (s Side) Valid() bool { return s == Call || s == Put }

// Word returns "call" or "put".
func (s Side) Word() string {
	switch s {
	case Call:
		return "call"
	case Put:
		return "put"
	}
	return ""
}

// ParseSide accepts C/P or call/put in any case.
func ParseSide(v string) (Side, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "c", "call":
		return Call, true
	case "p", "put":
		return Put, true
	}
	return "", false
}

// Strike is a strike price in thousandths of a dollar.
type Strike int64

// StrikeFromDecimal scales d by 1000; d must be non-negative, land on a whole
// thousandth and fit the 8 digit field.
func StrikeFromDecimal(d decimal.Decimal) (Strike, error) {
	scaled := d.Shift(3)
	if d.IsNegative() || !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("%w: strike %s", ErrInvalidSymbol, d)
	}
	if scaled.GreaterThanOrEqual(decimal.NewFromInt(int64(MaxStrike))) {
		return 0, fmt.Errorf("%w: strike %s exceeds field width", ErrInvalidSymbol, d)
	}
	return Strike(scaled.IntPart()), nil
}

func (s Strike) Decimal() decimal.Decimal { return decimal.New(int64(s), -3) }

// String formats the strike as dollars, keeping the third decimal only when set.
func (s Strike) String() string {
	if s%10 != 0 {
		return s.Decimal().StringFixed(3)
	}
	return s.Decimal().StringFixed(2)
}

// ContractSymbol identifies one option contract. Expiry is a calendar date at UTC midnight.
type ContractSymbol struct {
	Underlying string
	Expiry     time.Time
	Strike     Strike
	Side       Side
}

// Encode validates the parts and builds a ContractSymbol.
func Encode(underlying string, expiry time.Time, strike decimal.Decimal, side Side) (ContractSymbol, error) {
	k, err := StrikeFromDecimal(strike)
	if err != nil {
		return ContractSymbol{}, err
	}
	return New(underlying, expiry, k, side)
}

// New is Encode for a strike already in thousandths.
func New(underlying string, expiry time.Time, strike Strike, side Side) (ContractSymbol, error) {
	if !underlyingRe.MatchString(underlying) {
		return ContractSymbol{}, fmt.Errorf("%w: underlying %q", ErrInvalidSymbol, underlying)
	}
	if !side.Valid() {
		return ContractSymbol{}, fmt.Errorf("%w: side %q", ErrInvalidSymbol, side)
	}
	if strike < 0 || strike >= MaxStrike {
		return ContractSymbol{}, fmt.Errorf("%w: strike %d", ErrInvalidSymbol, strike)
	}
	y, m, d := expiry.Date()
	if y < 2000 || y > 2099 {
		return ContractSymbol{}, fmt.Errorf("%w: expiry year %d", ErrInvalidSymbol, y)
	}
	return ContractSymbol{
		Underlying: underlying,
		Expiry:     time.Date(y, m, d, 0, 0, 0, 0, time.UTC),
		Strike:     strike,
		Side:       side,
	}, nil
}

// String renders the provider ticker.
func (c ContractSymbol) String() string {
	return fmt.Sprintf("%s%s%s%s%08d", Prefix, c.Underlying, c.Expiry.Format("060102"), c.Side, int64(c.Strike))
}

// ParseError reports a ticker that does not follow the option grammar. Callers
// display the raw string instead of failing.
type ParseError struct {
	Raw    string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("occ: cannot parse %q: %s", e.Raw, e.Reason)
}

// Decode parses a provider ticker.
func Decode(raw string) (ContractSymbol, error) {
	m := symbolRe.FindStringSubmatch(raw)
	if m == nil {
		return ContractSymbol{}, &ParseError{Raw: raw, Reason: "does not match O:<TICKER><YYMMDD><C|P><8 digits>"}
	}
	expiry, ok := parseYYMMDD(m[2])
	if !ok {
		return ContractSymbol{}, &ParseError{Raw: raw, Reason: "bad expiry " + m[2]}
	}
	strike, err := strconv.ParseInt(m[4], 10, 64)
	if err != nil {
		return ContractSymbol{}, &ParseError{Raw: raw, Reason: "bad strike " + m[4]}
	}
	return ContractSymbol{
		Underlying: m[1],
		Expiry:     expiry,
		Strike:     Strike(strike),
		Side:       Side(m[3]),
	}, nil
}

// parseYYMMDD reads years as 20YY; time.Parse would fold 69-99 into the 1900s.
func parseYYMMDD(s string) (time.Time, bool) {
	yy, _ := strconv.Atoi(s[0:2])
	mm, _ := strconv.Atoi(s[2:4])
	dd, _ := strconv.Atoi(s[4:6])
	t := time.Date(2000+yy, time.Month(mm), dd, 0, 0, 0, 0, time.UTC)
	if int(t.Month()) != mm || t.Day() != dd {
		return time.Time{}, false
	}
	return t, true
}

// Underlying extracts the underlying ticker, or "" when raw is not an option ticker.
func Underlying(raw string) string {
	c, err := Decode(raw)
	if err != nil {
		return ""
	}
	return c.Underlying
}
