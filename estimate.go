package neutralgate

// EstimateTokens provides a rough token count estimate for a piece of text.
// Uses the approximation: ~4 chars per token + a small fixed overhead.
func EstimateTokens(text string) int64 {
	if text == "" {
		return 0
	}
	// ~4 chars per token
	total := int64(len(text)) / 4
	// role/formatting overhead
	total += 4
	return total
}
