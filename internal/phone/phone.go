package phone

import (
	"errors"
	"fmt"
	"strings"
)

const countryCode = "254"

// ErrInvalidPhone indicates the input could not be reduced to a valid
// Kenyan MSISDN (254 followed by nine digits).
var ErrInvalidPhone = errors.New("invalid phone number")

// Normalize canonicalizes a user-supplied phone number into the
// 2547XXXXXXXX form the gateway requires. Accepted inputs:
//
//	+254712345678  -> 254712345678
//	0712345678     -> 254712345678
//	712345678      -> 254712345678
//	254712345678   -> 254712345678
//
// Separators (spaces, dashes, dots, parentheses) are stripped first.
func Normalize(raw string) (string, error) {
	cleaned := stripSeparators(raw)
	if cleaned == "" {
		return "", fmt.Errorf("%w: empty input", ErrInvalidPhone)
	}

	cleaned = strings.TrimPrefix(cleaned, "+")
	if !isDigits(cleaned) {
		return "", fmt.Errorf("%w: %q contains non-digit characters", ErrInvalidPhone, raw)
	}

	switch {
	case strings.HasPrefix(cleaned, countryCode):
		// already international
	case strings.HasPrefix(cleaned, "0"):
		cleaned = countryCode + cleaned[1:]
	case len(cleaned) == 9:
		cleaned = countryCode + cleaned
	}

	if len(cleaned) != len(countryCode)+9 || !strings.HasPrefix(cleaned, countryCode) {
		return "", fmt.Errorf("%w: %q does not reduce to %s followed by 9 digits", ErrInvalidPhone, raw, countryCode)
	}
	return cleaned, nil
}

func stripSeparators(raw string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		switch r {
		case ' ', '-', '.', '(', ')':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
