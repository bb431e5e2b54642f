package analyzers

import (
	"strings"

	"github.com/Ramsey-B/yarrow/pkg/normalizers"
	"github.com/Ramsey-B/yarrow/pkg/similarity"
	"github.com/Ramsey-B/yarrow/pkg/stores"
)

// Tokenize converts raw field text into index terms per the analyzer kind.
// Index build and query must run through the same tokenizer or relevance
// scores lose meaning.
func Tokenize(text string, def stores.AnalyzerDefinition) []string {
	normalized := normalizers.Matching(text)
	if normalized == "" {
		return nil
	}

	switch def.Kind {
	case stores.AnalyzerExact:
		return []string{normalized}
	case stores.AnalyzerPhonetic:
		scorer := similarity.NewScorer()
		var tokens []string
		for _, word := range strings.Fields(normalized) {
			var key string
			if def.Encoder == string(similarity.EncoderMetaphone) {
				key = scorer.Metaphone(word)
			} else {
				key = scorer.Soundex(word)
			}
			if key != "" {
				tokens = append(tokens, key)
			}
		}
		return tokens
	default: // ngram
		n := def.N
		if n < 1 {
			n = 3
		}
		runes := []rune(normalized)
		if len(runes) < n {
			return []string{normalized}
		}
		tokens := make([]string, 0, len(runes)-n+1)
		for i := 0; i+n <= len(runes); i++ {
			tokens = append(tokens, string(runes[i:i+n]))
		}
		if def.PreserveOriginal {
			tokens = append(tokens, normalized)
		}
		return tokens
	}
}
