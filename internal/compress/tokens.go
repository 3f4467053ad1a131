package compress

import "unicode/utf8"

// charsPerToken is the fixed divisor of the estimate. Chunk boundaries and
// context truncation are defined relative to it, so changing it changes
// observable behavior for stored sessions.
const charsPerToken = 4

// EstimateTokens approximates the token cost of text as
// floor(characters / 4) + 1, counting characters as runes.
func EstimateTokens(text string) int {
	return utf8.RuneCountInString(text)/charsPerToken + 1
}
