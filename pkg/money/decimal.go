package money

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Domain-level error values returned by decimal operations.
var (
	ErrInvalidDecimal = errors.New("invalid decimal")
	ErrDecimalRange   = errors.New("decimal out of range")
)

// Decimal is an exact non-negative decimal quantity stored as an unscaled
// integer and a scale (number of digits to the right of the point). Currency
// math stays exact until a single presentation-time rounding.
type Decimal struct {
	unscaled *big.Int
	scale    int
}

// Parse accepts an unsigned integer or an unsigned decimal with a single
// point. Signs, exponents, and separators are rejected.
func Parse(text string) (Decimal, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Decimal{}, fmt.Errorf("%w: empty value", ErrInvalidDecimal)
	}
	integerPart, fractionPart, hasPoint := strings.Cut(trimmed, ".")
	if !isDigits(integerPart) {
		return Decimal{}, fmt.Errorf("%w: %q", ErrInvalidDecimal, text)
	}
	if hasPoint && !isDigits(fractionPart) {
		return Decimal{}, fmt.Errorf("%w: %q", ErrInvalidDecimal, text)
	}
	unscaled, ok := new(big.Int).SetString(integerPart+fractionPart, 10)
	if !ok {
		return Decimal{}, fmt.Errorf("%w: %q", ErrInvalidDecimal, text)
	}
	return Decimal{unscaled: unscaled, scale: len(fractionPart)}, nil
}

// New builds a decimal from an unscaled integer value and a scale.
func New(unscaled int64, scale int) Decimal {
	if scale < 0 {
		scale = 0
	}
	return Decimal{unscaled: big.NewInt(unscaled), scale: scale}
}

// String renders canonical decimal text. A scale of zero renders without a
// point; trailing fraction zeros are preserved.
func (decimal Decimal) String() string {
	unscaled := decimal.big()
	digits := new(big.Int).Abs(unscaled).String()
	sign := ""
	if unscaled.Sign() < 0 {
		sign = "-"
	}
	if decimal.scale == 0 {
		return sign + digits
	}
	if len(digits) <= decimal.scale {
		digits = strings.Repeat("0", decimal.scale-len(digits)+1) + digits
	}
	split := len(digits) - decimal.scale
	return sign + digits[:split] + "." + digits[split:]
}

// MulInt multiplies by an integer count. Exact, no rounding.
func (decimal Decimal) MulInt(count int64) Decimal {
	product := new(big.Int).Mul(decimal.big(), big.NewInt(count))
	return Decimal{unscaled: product, scale: decimal.scale}
}

// Rescale adjusts the scale, rounding half up on discarded digits.
func (decimal Decimal) Rescale(targetScale int) Decimal {
	if targetScale < 0 {
		targetScale = 0
	}
	if decimal.scale == targetScale {
		return Decimal{unscaled: new(big.Int).Set(decimal.big()), scale: targetScale}
	}
	if decimal.scale < targetScale {
		factor := pow10(targetScale - decimal.scale)
		widened := new(big.Int).Mul(decimal.big(), factor)
		return Decimal{unscaled: widened, scale: targetScale}
	}
	factor := pow10(decimal.scale - targetScale)
	quotient, remainder := new(big.Int).QuoRem(decimal.big(), factor, new(big.Int))
	doubled := new(big.Int).Lsh(remainder, 1)
	if doubled.Cmp(factor) >= 0 {
		quotient.Add(quotient, big.NewInt(1))
	}
	return Decimal{unscaled: quotient, scale: targetScale}
}

// CentsToMajor reinterprets a minor-unit (hundredths) quantity as a
// major-unit quantity. Pure relabeling, no rounding.
func (decimal Decimal) CentsToMajor() Decimal {
	return Decimal{unscaled: new(big.Int).Set(decimal.big()), scale: decimal.scale + 2}
}

// RoundToInt64 rounds half up to a whole number.
func (decimal Decimal) RoundToInt64() (int64, error) {
	whole := decimal.Rescale(0)
	if !whole.big().IsInt64() {
		return 0, fmt.Errorf("%w: %s", ErrDecimalRange, whole.String())
	}
	return whole.big().Int64(), nil
}

// IsZero reports whether the quantity equals zero at any scale.
func (decimal Decimal) IsZero() bool {
	return decimal.big().Sign() == 0
}

func (decimal Decimal) big() *big.Int {
	if decimal.unscaled == nil {
		return new(big.Int)
	}
	return decimal.unscaled
}

func isDigits(value string) bool {
	if value == "" {
		return false
	}
	for _, character := range value {
		if character < '0' || character > '9' {
			return false
		}
	}
	return true
}

func pow10(exponent int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exponent)), nil)
}
