package canonical

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// maxExponentDigits bounds the exponent part of a number literal.
const maxExponentDigits = 9

// Number is an exact decimal. Its text is normalized so that every
// mathematically equal literal ("100", "100.0", "1e2", "1.00E+2") shares one
// form. Monetary amounts therefore never pass through a binary float.
type Number struct {
	lit string
}

// String returns the canonical text of n.
func (n Number) String() string {
	if n.lit == "" {
		return "0"
	}
	return n.lit
}

// Int returns a Number for an integer.
func Int(i int64) Number {
	n, _ := ParseNumber(strconv.FormatInt(i, 10))
	return n
}

// Float returns a Number for a finite float64. NaN and infinities have no
// JSON representation and are rejected.
func Float(f float64) (Number, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Number{}, fmt.Errorf("non-finite number %v", f)
	}
	return ParseNumber(strconv.FormatFloat(f, 'g', -1, 64))
}

// MustNumber is like ParseNumber but panics on malformed input. Intended for
// literals in tests and fixtures.
func MustNumber(s string) Number {
	n, err := ParseNumber(s)
	if err != nil {
		panic(err)
	}
	return n
}

// ParseNumber validates s against the JSON number grammar and normalizes it.
func ParseNumber(s string) (Number, error) {
	if s == "" {
		return Number{}, fmt.Errorf("empty number")
	}

	i := 0
	neg := false
	if s[i] == '-' {
		neg = true
		i++
	}

	start := i
	for i < len(s) && isDigit(s[i]) {
		i++
	}
	intPart := s[start:i]
	if intPart == "" {
		return Number{}, fmt.Errorf("invalid number %q", s)
	}
	if len(intPart) > 1 && intPart[0] == '0' {
		return Number{}, fmt.Errorf("invalid number %q: leading zero", s)
	}

	var fracPart string
	if i < len(s) && s[i] == '.' {
		i++
		start = i
		for i < len(s) && isDigit(s[i]) {
			i++
		}
		fracPart = s[start:i]
		if fracPart == "" {
			return Number{}, fmt.Errorf("invalid number %q", s)
		}
	}

	exp := 0
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		i++
		expNeg := false
		if i < len(s) && (s[i] == '+' || s[i] == '-') {
			expNeg = s[i] == '-'
			i++
		}
		start = i
		for i < len(s) && isDigit(s[i]) {
			i++
		}
		digits := s[start:i]
		if digits == "" {
			return Number{}, fmt.Errorf("invalid number %q", s)
		}
		digits = strings.TrimLeft(digits, "0")
		if len(digits) > maxExponentDigits {
			return Number{}, fmt.Errorf("number %q: exponent out of range", s)
		}
		if digits != "" {
			exp, _ = strconv.Atoi(digits)
		}
		if expNeg {
			exp = -exp
		}
	}
	if i != len(s) {
		return Number{}, fmt.Errorf("invalid number %q", s)
	}

	// value = digits * 10^exp10
	digits := strings.TrimLeft(intPart+fracPart, "0")
	exp10 := exp - len(fracPart)
	if digits == "" {
		return Number{lit: "0"}, nil
	}
	for strings.HasSuffix(digits, "0") {
		digits = digits[:len(digits)-1]
		exp10++
	}

	return Number{lit: formatDecimal(neg, digits, exp10)}, nil
}

// formatDecimal renders digits*10^exp10 following the layout rules of
// ECMAScript Number.prototype.toString, applied to an exact decimal.
func formatDecimal(neg bool, digits string, exp10 int) string {
	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}

	k := len(digits)
	n := k + exp10 // position of the decimal point relative to the first digit

	switch {
	case k <= n && n <= 21:
		b.WriteString(digits)
		b.WriteString(strings.Repeat("0", n-k))
	case 0 < n && n <= 21:
		b.WriteString(digits[:n])
		b.WriteByte('.')
		b.WriteString(digits[n:])
	case -6 < n && n <= 0:
		b.WriteString("0.")
		b.WriteString(strings.Repeat("0", -n))
		b.WriteString(digits)
	default:
		b.WriteByte(digits[0])
		if k > 1 {
			b.WriteByte('.')
			b.WriteString(digits[1:])
		}
		b.WriteByte('e')
		if n-1 >= 0 {
			b.WriteByte('+')
		}
		b.WriteString(strconv.Itoa(n - 1))
	}
	return b.String()
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
