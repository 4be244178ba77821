package gateway

import "strings"

// Last4 returns the last four digits found in a card number, or "" when
// there are fewer than four.
func Last4(cardNumber string) string {
	digits := make([]byte, 0, len(cardNumber))
	for i := 0; i < len(cardNumber); i++ {
		if c := cardNumber[i]; c >= '0' && c <= '9' {
			digits = append(digits, c)
		}
	}
	if len(digits) < 4 {
		return ""
	}
	return string(digits[len(digits)-4:])
}

// MaskCard replaces everything but the last four digits with asterisks
func MaskCard(cardNumber string) string {
	last4 := Last4(cardNumber)
	if last4 == "" {
		return ""
	}
	return strings.Repeat("*", 12) + last4
}
