package chain

import (
	"fmt"
	"math/big"
)

// U128 is an unsigned 128-bit integer stored as two 64-bit limbs, matching
// the wire representation the canonical encoding uses. Arithmetic is
// overflow-checked: operations that would wrap return an error rather than
// silently truncating, per spec.md §3's "value + fee fits in u128" invariant.
type U128 struct {
	Hi uint64
	Lo uint64
}

var maxU128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// Zero128 returns the additive identity.
func Zero128() U128 { return U128{} }

// big returns the big.Int value of v. Internal helper; the Hi/Lo limbs
// remain the canonical in-memory and on-wire form.
func (v U128) big() *big.Int {
	x := new(big.Int).Lsh(new(big.Int).SetUint64(v.Hi), 64)
	x.Or(x, new(big.Int).SetUint64(v.Lo))
	return x
}

func u128FromBig(x *big.Int) (U128, error) {
	if x.Sign() < 0 || x.Cmp(maxU128) > 0 {
		return U128{}, fmt.Errorf("value out of u128 range")
	}
	lo := new(big.Int).And(x, new(big.Int).SetUint64(^uint64(0)))
	hi := new(big.Int).Rsh(x, 64)
	return U128{Hi: hi.Uint64(), Lo: lo.Uint64()}, nil
}

// MustU128FromString parses a base-10 string into a U128, panicking on
// malformed input. Intended for static genesis/parameter tables only.
func MustU128FromString(s string) U128 {
	x, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("chain: invalid u128 literal: " + s)
	}
	v, err := u128FromBig(x)
	if err != nil {
		panic(err)
	}
	return v
}

func U128FromUint64(n uint64) U128 { return U128{Lo: n} }

// U128FromString parses a base-10 string into a U128, returning an error on
// malformed or out-of-range input. Used for config-file-sourced values,
// unlike MustU128FromString's static-table panic.
func U128FromString(s string) (U128, error) {
	x, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return U128{}, fmt.Errorf("chain: invalid u128 literal: %q", s)
	}
	return u128FromBig(x)
}

func (v U128) String() string { return v.big().String() }

// Add returns v+w, or an error if the result would overflow 128 bits.
func (v U128) Add(w U128) (U128, error) {
	return u128FromBig(new(big.Int).Add(v.big(), w.big()))
}

// Sub returns v-w, or an error if w > v (underflow).
func (v U128) Sub(w U128) (U128, error) {
	if v.Cmp(w) < 0 {
		return U128{}, fmt.Errorf("u128 underflow")
	}
	return u128FromBig(new(big.Int).Sub(v.big(), w.big()))
}

// Mul returns v*w, or an error if the result would overflow 128 bits.
func (v U128) Mul(w U128) (U128, error) {
	return u128FromBig(new(big.Int).Mul(v.big(), w.big()))
}

// Div returns floor(v/w), or an error if w is zero.
func (v U128) Div(w U128) (U128, error) {
	if w.IsZero() {
		return U128{}, fmt.Errorf("u128 division by zero")
	}
	return u128FromBig(new(big.Int).Div(v.big(), w.big()))
}

// Cmp returns -1, 0, or 1 as v is less than, equal to, or greater than w.
func (v U128) Cmp(w U128) int {
	if v.Hi != w.Hi {
		if v.Hi < w.Hi {
			return -1
		}
		return 1
	}
	switch {
	case v.Lo < w.Lo:
		return -1
	case v.Lo > w.Lo:
		return 1
	default:
		return 0
	}
}

func (v U128) IsZero() bool { return v.Hi == 0 && v.Lo == 0 }

// Rshift returns v >> n, used by the halving schedule (spec.md §4.5 step 6).
func (v U128) Rshift(n uint) U128 {
	if n == 0 {
		return v
	}
	if n >= 128 {
		return Zero128()
	}
	r, err := u128FromBig(new(big.Int).Rsh(v.big(), n))
	if err != nil {
		// unreachable: right-shift of an in-range value cannot overflow.
		panic(err)
	}
	return r
}
