package daraja

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// The gateway's response schema is not uniform across environments and API
// versions: result codes arrive as "ResponseCode", "ResultCode" or
// "errorCode", as strings or numbers, and identifiers under several names.
// Extraction is therefore an ordered list of named strategies; the first
// match wins. Adding support for a new schema variant means appending a
// matcher, not touching call sites.

// FieldMatcher attempts to pull one value out of a decoded payload.
type FieldMatcher struct {
	Name    string
	Extract func(map[string]any) (string, bool)
}

// MatchField matches a key case-insensitively by exact name.
func MatchField(key string) FieldMatcher {
	return FieldMatcher{
		Name: "field:" + key,
		Extract: func(data map[string]any) (string, bool) {
			for k, v := range data {
				if strings.EqualFold(k, key) {
					if s, ok := scalarString(v); ok {
						return s, true
					}
				}
			}
			return "", false
		},
	}
}

// MatchSuffix matches any key whose lowercase form ends in suffix. Keys are
// visited in sorted order so the match is deterministic.
func MatchSuffix(suffix string) FieldMatcher {
	lowered := strings.ToLower(suffix)
	return FieldMatcher{
		Name: "suffix:" + suffix,
		Extract: func(data map[string]any) (string, bool) {
			keys := make([]string, 0, len(data))
			for k := range data {
				if strings.HasSuffix(strings.ToLower(k), lowered) {
					keys = append(keys, k)
				}
			}
			sort.Strings(keys)
			for _, k := range keys {
				if s, ok := scalarString(data[k]); ok {
					return s, true
				}
			}
			return "", false
		},
	}
}

var (
	resultCodeMatchers = []FieldMatcher{
		MatchField("ResponseCode"),
		MatchField("ResultCode"),
		MatchField("errorCode"),
		MatchSuffix("code"),
	}

	checkoutIDMatchers = []FieldMatcher{
		MatchField("CheckoutRequestID"),
		MatchField("TransactionID"),
		MatchSuffix("requestid"),
	}

	merchantIDMatchers = []FieldMatcher{
		MatchField("MerchantRequestID"),
	}

	descriptionMatchers = []FieldMatcher{
		MatchField("ResponseDescription"),
		MatchField("ResultDesc"),
		MatchField("errorMessage"),
		MatchField("CustomerMessage"),
		MatchSuffix("description"),
	}
)

// firstMatch applies matchers in order, returning the first extracted value.
func firstMatch(data map[string]any, matchers []FieldMatcher) (string, bool) {
	for _, m := range matchers {
		if v, ok := m.Extract(data); ok {
			return v, true
		}
	}
	return "", false
}

// firstMatch2 is firstMatch with the ok flag collapsed to an empty string.
func firstMatch2(data map[string]any, matchers []FieldMatcher) string {
	v, _ := firstMatch(data, matchers)
	return v
}

// isZeroCode reports whether a result code value is the zero-equivalent the
// gateway uses as its success indicator ("0", 0, 0.0).
func isZeroCode(code string) bool {
	trimmed := strings.TrimSpace(code)
	if trimmed == "0" {
		return true
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return f == 0
	}
	return false
}

// scalarString converts a scalar JSON value to its string form. Empty
// strings, nested objects and arrays do not count as matches; numeric zero
// does, because "0" is a meaningful result code.
func scalarString(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		trimmed := strings.TrimSpace(val)
		return trimmed, trimmed != ""
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case int:
		return strconv.Itoa(val), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case bool:
		return strconv.FormatBool(val), true
	case json.Number:
		return val.String(), true
	default:
		return "", false
	}
}

// decodeMap decodes a JSON object body into a generic map.
func decodeMap(body []byte) (map[string]any, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" || trimmed == "null" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}

// nestedMap walks a path of keys through nested objects, case-insensitively.
func nestedMap(data map[string]any, path ...string) map[string]any {
	current := data
	for _, key := range path {
		var next map[string]any
		for k, v := range current {
			if strings.EqualFold(k, key) {
				if m, ok := v.(map[string]any); ok {
					next = m
				}
				break
			}
		}
		if next == nil {
			return nil
		}
		current = next
	}
	return current
}

func mapKeys(data map[string]any) []string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
