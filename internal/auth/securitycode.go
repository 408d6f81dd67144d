package auth

import (
	"math/rand"
	"strings"
)

// SecurityCodeLength is the number of digits in a delivered code.
const SecurityCodeLength = 7

// GenerateSecurityCode returns seven distinct digits in random order.
// Drawing without replacement keeps the code free of repeated digits,
// which makes it easier to read back from an email.
func GenerateSecurityCode() string {
	digits := []byte("0123456789")
	rand.Shuffle(len(digits), func(i, j int) {
		digits[i], digits[j] = digits[j], digits[i]
	})
	return string(digits[:SecurityCodeLength])
}

// MaskEmail hides the local part for display, keeping the first two
// characters, or only the first when the local part has three or fewer.
// "someone@example.com" becomes "so*****@example.com".
func MaskEmail(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at <= 0 {
		return email
	}
	local := email[:at]
	keep := 2
	if len(local) <= 3 {
		keep = 1
	}
	return local[:keep] + strings.Repeat("*", len(local)-keep) + email[at:]
}
