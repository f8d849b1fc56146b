package transcript

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/DylanDHubert/machinterview/internal/domain"
)

var (
	closingPhrases = []string{
		"thank you",
		"thanks for",
		"we'll be in touch",
		"next steps",
		"wrapping up",
		"to summarize",
		"in conclusion",
		"great interview",
		"appreciate your time",
	}

	interrogatives = []string{
		"what", "when", "where", "who", "why", "how",
		"can you", "could you", "would you", "do you", "did you",
		"have you", "are you", "is there", "tell me", "describe",
		"explain", "walk me through",
	}

	// prompts phrase a question without a question mark.
	prompts = []string{
		"tell me about",
		"describe",
		"explain",
		"walk me through",
		"can you tell me",
		"could you describe",
	}
)

// CountQuestions returns 1 when text asks the candidate something and 0
// otherwise. Multi-part questions count once.
func CountQuestions(text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	lower := strings.ToLower(text)
	if !strings.Contains(lower, "?") && containsAny(lower, closingPhrases) {
		return 0
	}

	sentences := splitSentences(text)
	for _, s := range sentences {
		s = strings.ToLower(strings.TrimSpace(s))
		if strings.HasSuffix(s, "?") && containsAny(s, interrogatives) {
			return 1
		}
	}
	if len(sentences) > 0 && containsAny(strings.ToLower(sentences[0]), prompts) {
		return 1
	}
	return 0
}

// IsQuestion reports whether text counts as a question.
func IsQuestion(text string) bool {
	return CountQuestions(text) > 0
}

// QuestionCount counts questions across finalized assistant turns. A turn is
// counted once even if it appears more than once.
func QuestionCount(turns []domain.Turn) int {
	seen := make(map[string]struct{}, len(turns))
	total := 0
	for _, t := range turns {
		if t.Role != domain.RoleAssistant || !t.IsFinal {
			continue
		}
		if _, ok := seen[t.ID]; ok {
			continue
		}
		seen[t.ID] = struct{}{}
		total += CountQuestions(t.Text)
	}
	return total
}

// RecentQuestions returns, in order, those of the last n finalized assistant
// turns that ask a question.
func RecentQuestions(turns []domain.Turn, n int) []domain.Turn {
	if n <= 0 {
		return nil
	}
	var finals []domain.Turn
	for _, t := range turns {
		if t.Role == domain.RoleAssistant && t.IsFinal {
			finals = append(finals, t)
		}
	}
	if len(finals) > n {
		finals = finals[len(finals)-n:]
	}
	out := make([]domain.Turn, 0, len(finals))
	for _, t := range finals {
		if IsQuestion(t.Text) {
			out = append(out, t)
		}
	}
	return out
}

// splitSentences breaks text after terminal punctuation followed by
// whitespace and an upper-case letter.
func splitSentences(text string) []string {
	var (
		out   []string
		start int
	)
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		if r != '.' && r != '!' && r != '?' {
			i += size
			continue
		}
		end := i + size
		j := end
		for j < len(text) {
			ws, wsize := utf8.DecodeRuneInString(text[j:])
			if !unicode.IsSpace(ws) {
				break
			}
			j += wsize
		}
		if j > end && j < len(text) {
			next, _ := utf8.DecodeRuneInString(text[j:])
			if unicode.IsUpper(next) {
				if s := strings.TrimSpace(text[start:end]); s != "" {
					out = append(out, s)
				}
				start = j
			}
		}
		i = end
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
