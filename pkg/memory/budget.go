package memory

import (
	"math"
	"strings"
)

const (
	DefaultTokenBudget   = 1200
	DefaultCharsPerToken = 4.0
	DigestCardTokens     = 700

	// ConfiguredBudget asks Retrieve for the configured token budget.
	ConfiguredBudget = -1
)

// tokenBudget tracks greedy admission under a hard token cap.
type tokenBudget struct {
	limit         int
	used          int
	charsPerToken float64
	exhausted     bool
}

func newTokenBudget(limit int, charsPerToken float64) *tokenBudget {
	if charsPerToken <= 0 {
		charsPerToken = DefaultCharsPerToken
	}
	return &tokenBudget{limit: limit, charsPerToken: charsPerToken}
}

// admit charges text against the budget. Once an item is refused the
// budget stays exhausted so nothing after it is admitted.
func (b *tokenBudget) admit(text string) bool {
	if b.exhausted {
		return false
	}
	cost := estimateTokens(text, b.charsPerToken)
	if b.used+cost > b.limit {
		b.exhausted = true
		return false
	}
	b.used += cost
	return true
}

// estimateTokens approximates tokens with a fixed characters-per-token ratio.
func estimateTokens(text string, charsPerToken float64) int {
	n := len([]rune(text))
	if n == 0 {
		return 0
	}
	if charsPerToken <= 0 {
		charsPerToken = DefaultCharsPerToken
	}
	return int(math.Ceil(float64(n) / charsPerToken))
}

// EstimateTokens uses the default characters-per-token ratio.
func EstimateTokens(text string) int {
	return estimateTokens(text, DefaultCharsPerToken)
}

// FormatBundle renders a bundle as a sectioned block for the generation step.
func FormatBundle(b ContextBundle) string {
	var sb strings.Builder
	section := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("## " + title + "\n")
		for _, it := range items {
			sb.WriteString("- " + it + "\n")
		}
	}
	section("Commitments", b.Commitments)
	section("Known facts", b.Facts)
	section("Recent events", b.Events)
	return sb.String()
}
