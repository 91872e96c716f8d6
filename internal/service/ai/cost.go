package ai

// Cost prices a call in USD. It returns nil when any operand is unknown.
func Cost(inputTokens, outputTokens *int, inputPricePer1M, outputPricePer1M *float64) *float64 {
	if inputTokens == nil || outputTokens == nil || inputPricePer1M == nil || outputPricePer1M == nil {
		return nil
	}
	in := float64(*inputTokens) / 1e6 * *inputPricePer1M
	out := float64(*outputTokens) / 1e6 * *outputPricePer1M
	c := in + out
	return &c
}
