package qa

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kalambet/docqa/internal/retrieval"
)

const (
	// MaxAnswerChars caps the composed answer text.
	MaxAnswerChars = 1000

	// DefaultSummaryChars bounds the answer summary stored per turn.
	DefaultSummaryChars = 200

	answerSnippets = 3

	notFoundAnswer  = "I couldn't find relevant information in the documents you have access to. Please try rephrasing your question."
	nothingFoundSum = "no relevant passages found"
)

// Source identifies one passage backing an answer.
type Source struct {
	Document   string `json:"document"`
	Page       int    `json:"page,omitempty"`
	Similarity string `json:"similarity"`
}

// Summarize digests results into a short text stored as the turn's answer.
// Only text of the ranked results is used, joined by spaces and truncated to
// maxChars runes. An empty result set still yields a summary so the turn
// participates in later context.
func Summarize(results []retrieval.SearchResult, maxChars int) string {
	if len(results) == 0 {
		return nothingFoundSum
	}
	parts := make([]string, 0, len(results))
	for _, r := range results {
		parts = append(parts, strings.Join(strings.Fields(r.Text), " "))
	}
	return truncate(strings.Join(parts, " "), maxChars, "...")
}

// ComposeAnswer builds the user-facing answer from ranked results. Results
// scoring below minScore are dropped; the top three that remain are joined
// by blank lines and capped at MaxAnswerChars.
func ComposeAnswer(results []retrieval.SearchResult, minScore float64, allowed []string) (string, []Source) {
	if len(results) == 0 {
		return notFoundAnswer, []Source{}
	}

	var parts []string
	sources := []Source{}
	for _, r := range results {
		if r.Score < minScore {
			continue
		}
		parts = append(parts, r.Text)
		sources = append(sources, Source{
			Document:   r.DocumentID,
			Page:       r.Page,
			Similarity: fmt.Sprintf("%.2f", r.Score),
		})
		if len(parts) == answerSnippets {
			break
		}
	}

	if len(parts) == 0 {
		return fmt.Sprintf("I couldn't find highly relevant information in the documents you have access to (%s). "+
			"The search results didn't meet the relevance threshold (minimum similarity: %.2f). "+
			"Please try rephrasing your question or asking about topics that might be in your accessible documents.",
			strings.Join(allowed, ", "), minScore), sources
	}
	return truncate(strings.Join(parts, "\n\n"), MaxAnswerChars, "..."), sources
}

// truncate shortens s to at most n runes, appending suffix when cut.
// n <= 0 disables truncation.
func truncate(s string, n int, suffix string) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos] + suffix
		}
		i++
	}
	return s
}
