package memory

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"unicode"
)

// Tokenizer splits text into lowercase terms. Letters and digits form
// words, each Han character is its own term, and stopwords are dropped.
type Tokenizer struct {
	stopWords map[string]struct{}
}

// NewTokenizer returns a tokenizer with the built-in stopword list plus
// any extra words.
func NewTokenizer(extra ...string) *Tokenizer {
	t := &Tokenizer{stopWords: defaultStopWords()}
	for _, w := range extra {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			t.stopWords[w] = struct{}{}
		}
	}
	return t
}

// LoadStopWords reads one stopword per line from path. Blank lines and
// lines starting with '#' are ignored.
func LoadStopWords(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open stopwords file: %w", err)
	}
	defer f.Close()

	var words []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		words = append(words, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read stopwords file: %w", err)
	}
	return words, nil
}

// Tokenize returns the terms of text in order, duplicates included.
func (t *Tokenizer) Tokenize(text string) []string {
	text = strings.ToLower(text)

	tokens := make([]string, 0, len(text)/4)
	var current strings.Builder

	flush := func() {
		if current.Len() == 0 {
			return
		}
		t.appendToken(&tokens, current.String())
		current.Reset()
	}

	for _, r := range text {
		switch {
		case unicode.Is(unicode.Han, r):
			flush()
			t.appendToken(&tokens, string(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			current.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return tokens
}

// TermSet returns the distinct terms of text.
func (t *Tokenizer) TermSet(text string) map[string]struct{} {
	tokens := t.Tokenize(text)
	set := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		set[tok] = struct{}{}
	}
	return set
}

func (t *Tokenizer) appendToken(tokens *[]string, token string) {
	if _, stop := t.stopWords[token]; stop {
		return
	}
	*tokens = append(*tokens, token)
}

func defaultStopWords() map[string]struct{} {
	words := []string{
		"a", "an", "the", "is", "are", "was", "were", "be", "been", "being",
		"have", "has", "had", "do", "does", "did", "will", "would", "could",
		"should", "may", "might", "shall", "can", "need", "ought",
		"to", "of", "in", "for", "on", "with", "at", "by", "from",
		"as", "into", "through", "during", "before", "after", "above", "below",
		"between", "out", "off", "over", "under", "again", "further", "then",
		"once", "and", "but", "or", "nor", "not", "so", "yet", "both",
		"either", "neither", "each", "every", "all", "any", "few", "more",
		"most", "other", "some", "such", "no", "only", "own", "same", "than",
		"too", "very", "just", "because", "if", "when", "where", "how", "what",
		"which", "who", "whom", "this", "that", "these", "those", "i", "me",
		"my", "myself", "we", "our", "ours", "ourselves", "you", "your",
		"yours", "yourself", "yourselves", "he", "him", "his", "himself",
		"she", "her", "hers", "herself", "it", "its", "itself", "they",
		"them", "their", "theirs", "themselves",
		// common Chinese function characters
		"的", "了", "是", "在", "和", "也", "就", "都", "而", "及", "与", "着", "或", "之",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
