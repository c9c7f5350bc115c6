// Package money implements Decimal, a fixed-point scalar: scale 10^8,
// range ±9.22e13, used for price, quantity, margin and PnL at the
// persistence boundary. It wraps github.com/shopspring/decimal (an
// arbitrary-precision decimal) and pins the exponent so every value
// round-trips through storage at the same scale.
package money

import (
	"database/sql/driver"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Scale is the fixed number of fractional digits every Decimal carries.
const Scale = 8

// MaxAbs is the largest magnitude a Decimal may hold.
const MaxAbs = 9.22e13

// Decimal is a fixed-point scalar at Scale precision.
type Decimal struct {
	d decimal.Decimal
}

// Zero is the additive identity.
var Zero = Decimal{d: decimal.Zero}

// NewFromFloat builds a Decimal from a float64, rounding to Scale digits.
// Returns an error if the magnitude exceeds MaxAbs or is non-finite.
func NewFromFloat(f float64) (Decimal, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Decimal{}, fmt.Errorf("money: non-finite value %v", f)
	}
	if math.Abs(f) > MaxAbs {
		return Decimal{}, fmt.Errorf("money: magnitude %v exceeds max %v", f, MaxAbs)
	}
	return Decimal{d: decimal.NewFromFloat(f).Round(Scale)}, nil
}

// MustFromFloat is NewFromFloat for call sites that already know the
// value is in range (e.g. it was itself derived from two in-range
// Decimals); it panics on failure.
func MustFromFloat(f float64) Decimal {
	d, err := NewFromFloat(f)
	if err != nil {
		panic(err)
	}
	return d
}

// NewFromInt builds a Decimal from an integer (contract quantities).
func NewFromInt(i int64) Decimal {
	return Decimal{d: decimal.NewFromInt(i)}
}

// Add returns a+b.
func (a Decimal) Add(b Decimal) Decimal { return Decimal{d: a.d.Add(b.d).Round(Scale)} }

// Sub returns a-b.
func (a Decimal) Sub(b Decimal) Decimal { return Decimal{d: a.d.Sub(b.d).Round(Scale)} }

// Mul returns a*b.
func (a Decimal) Mul(b Decimal) Decimal { return Decimal{d: a.d.Mul(b.d).Round(Scale)} }

// MulInt64 returns a*n, exact for integer n.
func (a Decimal) MulInt64(n int64) Decimal {
	return Decimal{d: a.d.Mul(decimal.NewFromInt(n)).Round(Scale)}
}

// Neg returns -a.
func (a Decimal) Neg() Decimal { return Decimal{d: a.d.Neg()} }

// Abs returns |a|.
func (a Decimal) Abs() Decimal { return Decimal{d: a.d.Abs()} }

// Cmp returns -1, 0, 1 comparing a to b.
func (a Decimal) Cmp(b Decimal) int { return a.d.Cmp(b.d) }

// IsZero reports whether a is exactly zero.
func (a Decimal) IsZero() bool { return a.d.IsZero() }

// Sign returns -1, 0, or 1.
func (a Decimal) Sign() int { return a.d.Sign() }

// Float64 returns the IEEE-754 double approximation, for internal
// computation where double precision is sufficient.
func (a Decimal) Float64() float64 {
	f, _ := a.d.Float64()
	return f
}

// String renders the fixed-point value, e.g. "4000.00000000".
func (a Decimal) String() string { return a.d.StringFixed(Scale) }

// BankersRound rounds v to the nearest integer, ties to even — banker's
// rounding, used wherever a fractional contract count must become an
// integer position.
func BankersRound(v float64) int64 {
	floor := math.Floor(v)
	diff := v - floor
	n := int64(floor)
	switch {
	case diff < 0.5:
		return n
	case diff > 0.5:
		return n + 1
	default:
		if n%2 == 0 {
			return n
		}
		return n + 1
	}
}

// Value implements driver.Valuer so a Decimal can be written directly by
// database/sql as its canonical fixed-point string.
func (a Decimal) Value() (driver.Value, error) { return a.String(), nil }

// Scan implements sql.Scanner, reading back the canonical string (or a
// float64/int64, for columns declared as REAL/INTEGER) into a Decimal.
func (a *Decimal) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*a = Zero
		return nil
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("money: scan string %q: %w", v, err)
		}
		*a = Decimal{d: d.Round(Scale)}
		return nil
	case []byte:
		d, err := decimal.NewFromString(string(v))
		if err != nil {
			return fmt.Errorf("money: scan bytes %q: %w", v, err)
		}
		*a = Decimal{d: d.Round(Scale)}
		return nil
	case float64:
		out, err := NewFromFloat(v)
		if err != nil {
			return err
		}
		*a = out
		return nil
	case int64:
		*a = NewFromInt(v)
		return nil
	default:
		return fmt.Errorf("money: cannot scan %T into Decimal", src)
	}
}
