package convo

import "strings"

// Confirmation matching is deliberately independent of whatever the upstream
// agent claims the user wants: the literal last utterance is re-checked here
// before any money-moving call is allowed. Case-insensitive substring match
// against a fixed phrase set.
var confirmationPhrases = []string{
	"confirm",
	"proceed",
	"yes",
	"yeah",
	"yep",
	"pay",
	"go ahead",
	"sawa",
	"ndio",
	"lipa",
}

var cancellationPhrases = []string{
	"cancel",
	"stop",
	"abort",
	"nevermind",
	"never mind",
}

// IsConfirmation reports whether the utterance contains an explicit
// confirmation signal.
func IsConfirmation(text string) bool {
	lowered := strings.ToLower(text)
	for _, phrase := range confirmationPhrases {
		if strings.Contains(lowered, phrase) {
			return true
		}
	}
	return false
}

// IsCancellation reports whether the utterance asks to abandon the pending
// payment. A bare "no" counts; "no" as a substring does not, it would match
// words like "now".
func IsCancellation(text string) bool {
	lowered := strings.ToLower(strings.TrimSpace(text))
	if lowered == "no" {
		return true
	}
	for _, phrase := range cancellationPhrases {
		if strings.Contains(lowered, phrase) {
			return true
		}
	}
	return false
}
