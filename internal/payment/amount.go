package payment

import (
	"fmt"

	"github.com/cockroachdb/apd/v3"

	"github.com/golemfactory/yagna/internal/protocol"
)

// Amounts are arbitrary-precision decimals. Floats never enter billing
// arithmetic: a reconciliation law over float sums would not hold.
var apdCtx = apd.BaseContext.WithPrecision(34)

// Amount is an immutable decimal money value.
type Amount struct {
	d apd.Decimal
}

// AmountZero is the zero amount.
var AmountZero = Amount{}

// ParseAmount parses a decimal string into an Amount.
func ParseAmount(s string) (Amount, error) {
	var a Amount
	if _, _, err := a.d.SetString(s); err != nil {
		return Amount{}, protocol.Errorf(protocol.CodeValidation, "malformed amount %q", s)
	}
	return a, nil
}

// MustAmount parses a decimal string, panicking on malformed input.
// For literals in tests and fixtures.
func MustAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// AmountFromInt64 converts an integer to an Amount.
func AmountFromInt64(v int64) Amount {
	var a Amount
	a.d.SetInt64(v)
	return a
}

// Add returns a + b.
func (a Amount) Add(b Amount) Amount {
	var out Amount
	if _, err := apdCtx.Add(&out.d, &a.d, &b.d); err != nil {
		// Precision 34 cannot overflow on validated money values.
		panic(fmt.Sprintf("amount add: %v", err))
	}
	return out
}

// Sub returns a - b.
func (a Amount) Sub(b Amount) Amount {
	var out Amount
	if _, err := apdCtx.Sub(&out.d, &a.d, &b.d); err != nil {
		panic(fmt.Sprintf("amount sub: %v", err))
	}
	return out
}

// Cmp returns -1, 0 or 1 as a is less than, equal to or greater than b.
func (a Amount) Cmp(b Amount) int {
	return a.d.Cmp(&b.d)
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool {
	return a.d.IsZero()
}

// Negative reports whether the amount is below zero.
func (a Amount) Negative() bool {
	return a.d.Negative && !a.d.IsZero()
}

// String renders the amount in plain decimal notation with trailing
// zeros stripped, so arithmetically equal amounts render identically
// ("1.0" and "1" both print as "1"). Persisted traces rely on this.
func (a Amount) String() string {
	var r apd.Decimal
	r.Set(&a.d)
	r.Reduce(&r)
	if r.IsZero() {
		return "0"
	}
	return r.Text('f')
}
