package mfa

import (
	"strings"
	"unicode"
)

// MaskDestination renders a destination for display without revealing it:
// phones as ***-***-1234, emails as a***@example.com.
func MaskDestination(kind Kind, destination string) string {
	switch kind {
	case KindSMS:
		digits := digitsOf(destination)
		if len(digits) < 4 {
			return "***-***-****"
		}
		return "***-***-" + digits[len(digits)-4:]
	case KindEmail:
		at := strings.LastIndexByte(destination, '@')
		if at <= 0 {
			return "***"
		}
		return destination[:1] + "***" + destination[at:]
	case KindTOTP:
		return "authenticator app"
	case KindBackupCodes:
		return "backup codes"
	default:
		return "***"
	}
}

func digitsOf(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func validDestination(kind Kind, destination string) bool {
	switch kind {
	case KindSMS:
		n := len(digitsOf(destination))
		return n >= 7 && n <= 15
	case KindEmail:
		at := strings.LastIndexByte(destination, '@')
		return at > 0 && at < len(destination)-1 && !strings.ContainsAny(destination, " \t\r\n")
	default:
		return false
	}
}
