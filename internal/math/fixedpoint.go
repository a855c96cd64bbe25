package math

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

var (
	ErrDivisionByZero = errors.New("fixedpoint: division by zero")
	ErrOverflow       = errors.New("fixedpoint: overflow")
)

type RoundingMode int

const (
	RoundDown RoundingMode = iota
	RoundUp
)

func (m RoundingMode) String() string {
	switch m {
	case RoundDown:
		return "down"
	case RoundUp:
		return "up"
	default:
		return "unknown"
	}
}

// pow10 caches 10^0 .. 10^77; 10^78 no longer fits in 256 bits.
var pow10 [78]uint256.Int

func init() {
	pow10[0].SetOne()
	ten := uint256.NewInt(10)
	for i := 1; i < len(pow10); i++ {
		pow10[i].Mul(&pow10[i-1], ten)
	}
}

// Pow10 returns a fresh copy of 10^n.
func Pow10(n uint8) (*uint256.Int, error) {
	if int(n) >= len(pow10) {
		return nil, fmt.Errorf("%w: 10^%d", ErrOverflow, n)
	}
	return new(uint256.Int).Set(&pow10[n]), nil
}

// MulDiv computes a * b / d with a 512-bit intermediate product.
func MulDiv(a, b, d *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}

	z, overflow := new(uint256.Int).MulDivOverflow(a, b, d)
	if overflow {
		return nil, fmt.Errorf("%w: %s * %s / %s", ErrOverflow, a.Dec(), b.Dec(), d.Dec())
	}

	if mode == RoundUp && !new(uint256.Int).MulMod(a, b, d).IsZero() {
		if _, carry := z.AddOverflow(z, uint256.NewInt(1)); carry {
			return nil, fmt.Errorf("%w: rounding up %s", ErrOverflow, z.Dec())
		}
	}

	return z, nil
}

// Mul returns a * b, failing on overflow.
func Mul(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return nil, fmt.Errorf("%w: %s * %s", ErrOverflow, a.Dec(), b.Dec())
	}
	return z, nil
}

// Add returns a + b, failing on overflow.
func Add(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, fmt.Errorf("%w: %s + %s", ErrOverflow, a.Dec(), b.Dec())
	}
	return z, nil
}

// Rescale converts a value between decimal precisions, rounding down when
// precision is lost.
func Rescale(v *uint256.Int, fromDecimals, toDecimals uint8) (*uint256.Int, error) {
	switch {
	case fromDecimals == toDecimals:
		return new(uint256.Int).Set(v), nil
	case fromDecimals < toDecimals:
		f, err := Pow10(toDecimals - fromDecimals)
		if err != nil {
			return nil, err
		}
		return Mul(v, f)
	default:
		f, err := Pow10(fromDecimals - toDecimals)
		if err != nil {
			return nil, err
		}
		return new(uint256.Int).Div(v, f), nil
	}
}
