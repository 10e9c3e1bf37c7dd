package privacy

import (
	"regexp"
	"strconv"
	"strings"
)

var strictTaxID = regexp.MustCompile(`^[A-Z]{6}[0-9]{2}[ABCDEHLMPRST][0-9]{2}[A-Z][0-9]{3}[A-Z]$`)

// ValidTaxIDStructure checks the 16-character national tax-id layout:
// surname and name letters, birth year digits, a month letter, a birth day
// (01-31 or 41-71 for women), a municipality code and a control letter.
func ValidTaxIDStructure(value string) bool {
	v := strings.ToUpper(value)
	if !strictTaxID.MatchString(v) {
		return false
	}
	day, err := strconv.Atoi(v[9:11])
	if err != nil {
		return false
	}
	return (day >= 1 && day <= 31) || (day >= 41 && day <= 71)
}

// ValidVATID verifies an 11-digit VAT id. Digits at even (0-based)
// positions are summed directly; digits at odd positions are doubled and
// reduced by 9 when the result is 10 or more. The last digit must equal
// (10 - sum mod 10) mod 10.
func ValidVATID(value string) bool {
	digits := strings.TrimPrefix(strings.ToUpper(value), "IT")
	if len(digits) != 11 {
		return false
	}
	sum := 0
	for i := 0; i < 10; i++ {
		d := int(digits[i] - '0')
		if d < 0 || d > 9 {
			return false
		}
		if i%2 == 1 {
			d *= 2
			if d >= 10 {
				d -= 9
			}
		}
		sum += d
	}
	check := int(digits[10] - '0')
	if check < 0 || check > 9 {
		return false
	}
	return (10-sum%10)%10 == check
}

// ValidLuhn verifies a payment-card number, ignoring spaces and dashes.
func ValidLuhn(value string) bool {
	digits := stripSeparators(value)
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if d < 0 || d > 9 {
			return false
		}
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// ValidIBAN verifies the ISO 13616 mod-97 check.
func ValidIBAN(value string) bool {
	iban := strings.ToUpper(stripSeparators(value))
	if len(iban) < 15 || len(iban) > 34 {
		return false
	}
	rearranged := iban[4:] + iban[:4]
	remainder := 0
	for _, r := range rearranged {
		switch {
		case r >= '0' && r <= '9':
			remainder = (remainder*10 + int(r-'0')) % 97
		case r >= 'A' && r <= 'Z':
			n := int(r-'A') + 10
			remainder = (remainder*100 + n) % 97
		default:
			return false
		}
	}
	return remainder == 1
}

func stripSeparators(value string) string {
	return strings.NewReplacer(" ", "", "-", "").Replace(value)
}

// MaskTail keeps the last visible characters of value and masks the rest.
func MaskTail(value string, visible int) string {
	runes := []rune(value)
	if len(runes) <= visible {
		return value
	}
	return strings.Repeat("*", len(runes)-visible) + string(runes[len(runes)-visible:])
}
