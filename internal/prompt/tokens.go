package prompt

import "unicode/utf8"

// =============================================================================
// Token Estimation
// =============================================================================
// The pipeline never tokenizes for real; budgets are byte-based and token
// counts are estimates for the caller's accounting. The heuristic is
// calibrated at ~4 characters per token.

const charsPerToken = 4.0

// EstimateTokens approximates the token count of a string.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	// Rune count for proper unicode handling.
	runeCount := utf8.RuneCountInString(s)
	return int(float64(runeCount) / charsPerToken)
}
