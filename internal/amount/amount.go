// Package amount implements the checked 128-bit unsigned arithmetic used
// for token balances, and the decimal-text encoding used to persist them
// in a storage engine with no native wide-integer support.
package amount

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// ErrOverflow is returned when an add would exceed the 128-bit range.
// A mint that overflows is a fatal protocol violation.
var ErrOverflow = errors.New("amount: overflow")

// ErrInsufficientBalance is returned when a subtract would go negative.
// A burn or transfer that underflows is a fatal protocol violation.
var ErrInsufficientBalance = errors.New("amount: insufficient balance")

// ErrOutOfRange is returned when a decoded 256-bit value does not fit in
// 128 bits. Treated as a protocol violation rather than silently
// truncating to the low 128 bits.
var ErrOutOfRange = errors.New("amount: value exceeds 128 bits")

// Amount is a non-negative integer bounded to [0, 2^128-1].
type Amount struct {
	v uint256.Int
}

// Zero is the additive identity.
var Zero = Amount{}

// FromUint64 builds an Amount from a uint64.
func FromUint64(n uint64) Amount {
	var a Amount
	a.v.SetUint64(n)
	return a
}

// FromDecimalString parses a base-10 string as stored in the database.
func FromDecimalString(s string) (Amount, error) {
	var a Amount
	if err := a.v.SetFromDecimal(s); err != nil {
		return Amount{}, fmt.Errorf("amount: parsing %q: %w", s, err)
	}
	return a, nil
}

// String renders the amount as decimal text, the form persisted in
// current_balances.amount and historical_balances.amount.
func (a Amount) String() string {
	return a.v.Dec()
}

// IsZero reports whether the amount is exactly zero.
func (a Amount) IsZero() bool {
	return a.v.IsZero()
}

// Add returns a+b, or ErrOverflow if the sum exceeds 2^128-1.
func (a Amount) Add(b Amount) (Amount, error) {
	var sum uint256.Int
	_, overflow := sum.AddOverflow(&a.v, &b.v)
	if overflow || sum.BitLen() > 128 {
		return Amount{}, ErrOverflow
	}
	return Amount{v: sum}, nil
}

// Sub returns a-b, or ErrInsufficientBalance if b > a.
func (a Amount) Sub(b Amount) (Amount, error) {
	if a.v.Lt(&b.v) {
		return Amount{}, ErrInsufficientBalance
	}
	var diff uint256.Int
	diff.Sub(&a.v, &b.v)
	return Amount{v: diff}, nil
}

// Cmp compares two amounts: -1, 0, or 1.
func (a Amount) Cmp(b Amount) int {
	return a.v.Cmp(&b.v)
}

// FromWord256 decodes a 32-byte big-endian word — the full ERC-20
// Transfer `data` field — into a 128-bit-bounded Amount. bytes[16:32]
// carry the amount; a nonzero upper 128 bits (bytes[0:16]) is rejected
// as a protocol violation instead of silently discarded.
func FromWord256(word [32]byte) (Amount, error) {
	var full uint256.Int
	full.SetBytes(word[:])
	if full.BitLen() > 128 {
		return Amount{}, ErrOutOfRange
	}
	return Amount{v: full}, nil
}
