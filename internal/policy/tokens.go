package policy

import "unicode/utf8"

// EstimateTokens approximates model tokens as one per four characters,
// rounded up, with a minimum of one for non-empty text.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
