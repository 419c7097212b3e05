package compress

import (
	"unicode/utf8"

	"finflow/internal/domain"
)

// charsPerToken is the character-to-token proxy used for budget math. The
// downstream consumer sees the compact content rendering, so that rendering
// is what gets measured.
const charsPerToken = 4

// EstimateTokens approximates the delivery cost of a trajectory. The
// estimate is a pure function of message content, so equal trajectories
// always land in the same compression band.
func EstimateTokens(messages []domain.Message) int {
	total := 0
	for _, msg := range messages {
		total += estimateMessageTokens(msg)
	}
	return total
}

func estimateMessageTokens(msg domain.Message) int {
	chars := utf8.RuneCountInString(domain.MarshalContent(msg.Content))
	if chars == 0 {
		return 0
	}
	return (chars + charsPerToken - 1) / charsPerToken
}
