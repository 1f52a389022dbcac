package convo

import (
	"regexp"
	"strconv"
	"strings"

	"mpesa-bot/internal/phone"
)

// M-Pesa moves whole shillings, so amounts are parsed as integers.
var (
	amountPattern     = regexp.MustCompile(`(?i)\b(?:pay|send|tuma|lipa)\s+(?:ksh?s?\.?\s*|kes\.?\s*)?(\d+)\b`)
	bareNumberPattern = regexp.MustCompile(`^(?:ksh?s?\.?\s*|kes\.?\s*)?(\d+)$`)
	phoneCandidate    = regexp.MustCompile(`\+?\d[\d\s().-]{6,14}\d`)
	statusPattern     = regexp.MustCompile(`(?i)\b(?:status|check|did it go through)\b`)
)

// ExtractAmount pulls a payment amount from free text. A number only counts
// when paired with a pay keyword ("pay 100", "lipa ksh 50"); bare numbers are
// ambiguous with till codes and phone fragments, so callers opt into them via
// ExtractBareNumber when the conversation state makes the meaning unambiguous.
func ExtractAmount(text string) (int64, bool) {
	m := amountPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	return parsePositive(m[1])
}

// ExtractBareNumber parses a message that consists of nothing but a number,
// optionally prefixed with a currency marker.
func ExtractBareNumber(text string) (int64, bool) {
	m := bareNumberPattern.FindStringSubmatch(strings.ToLower(strings.TrimSpace(text)))
	if m == nil {
		return 0, false
	}
	return parsePositive(m[1])
}

func parsePositive(digits string) (int64, bool) {
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// ExtractPhone scans the text for the first digit run that normalizes to a
// valid phone number.
func ExtractPhone(text string) (string, bool) {
	for _, candidate := range phoneCandidate.FindAllString(text, -1) {
		if normalized, err := phone.Normalize(candidate); err == nil {
			return normalized, true
		}
	}
	return "", false
}

// ExtractTill interprets a short bare digit run as a till / account reference.
// Till codes are 4 to 8 digits, too short to pass phone normalization.
func ExtractTill(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < 4 || len(trimmed) > 8 {
		return "", false
	}
	for _, r := range trimmed {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return trimmed, true
}

// IsStatusCheck reports whether the user is asking about an earlier payment.
func IsStatusCheck(text string) bool {
	return statusPattern.MatchString(text)
}
