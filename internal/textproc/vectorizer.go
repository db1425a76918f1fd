// Package textproc normalizes utterances and turns them into fixed-length
// integer sequences over a bounded vocabulary.
package textproc

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const (
	// PadID is the id used to right-pad short sequences.
	PadID = 0
	// OOVID is the id every out-of-vocabulary token maps to.
	OOVID = 1

	PadToken = "<PAD>"
	OOVToken = "<OOV>"

	reservedIDs = 2
)

// Clean lower-cases text, strips punctuation and collapses whitespace.
// Letters, digits, combining marks and underscores are kept.
func Clean(text string) string {
	text = norm.NFC.String(text)
	var b strings.Builder
	b.Grow(len(text))
	space := false
	for _, r := range text {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r) || r == '_':
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(unicode.ToLower(r))
		case unicode.IsSpace(r):
			space = true
		}
	}
	return b.String()
}

// Tokenize splits an already cleaned text into tokens.
func Tokenize(clean string) []string {
	return strings.Fields(clean)
}

// Vocabulary maps normalized tokens to integer ids.
// Id 0 is padding, id 1 is the out-of-vocabulary bucket.
type Vocabulary struct {
	maxVocabSize int
	maxLen       int
	tokens       []string
	index        map[string]int
}

// Fit builds a vocabulary from cleaned texts. At most maxVocabSize ids are
// issued, the two reserved ids included; ties in frequency keep first-seen order.
func Fit(corpus []string, maxVocabSize, maxLen int) (*Vocabulary, error) {
	if maxVocabSize <= reservedIDs {
		return nil, fmt.Errorf("max vocabulary size must exceed %d, got %d", reservedIDs, maxVocabSize)
	}
	if maxLen <= 0 {
		return nil, fmt.Errorf("max sequence length must be positive, got %d", maxLen)
	}

	counts := make(map[string]int)
	var order []string
	for _, text := range corpus {
		for _, tok := range Tokenize(text) {
			if _, seen := counts[tok]; !seen {
				order = append(order, tok)
			}
			counts[tok]++
		}
	}

	sort.SliceStable(order, func(a, b int) bool {
		return counts[order[a]] > counts[order[b]]
	})

	limit := maxVocabSize - reservedIDs
	if len(order) > limit {
		order = order[:limit]
	}

	tokens := make([]string, 0, len(order)+reservedIDs)
	tokens = append(tokens, PadToken, OOVToken)
	tokens = append(tokens, order...)
	return newVocabulary(tokens, maxVocabSize, maxLen)
}

// Restore rebuilds a vocabulary from its persisted token list.
func Restore(tokens []string, maxVocabSize, maxLen int) (*Vocabulary, error) {
	if len(tokens) < reservedIDs || tokens[PadID] != PadToken || tokens[OOVID] != OOVToken {
		return nil, fmt.Errorf("vocabulary must start with %s and %s", PadToken, OOVToken)
	}
	if len(tokens) > maxVocabSize {
		return nil, fmt.Errorf("vocabulary has %d tokens, cap is %d", len(tokens), maxVocabSize)
	}
	if maxLen <= 0 {
		return nil, fmt.Errorf("max sequence length must be positive, got %d", maxLen)
	}
	return newVocabulary(append([]string(nil), tokens...), maxVocabSize, maxLen)
}

func newVocabulary(tokens []string, maxVocabSize, maxLen int) (*Vocabulary, error) {
	index := make(map[string]int, len(tokens))
	for id, tok := range tokens {
		if _, dup := index[tok]; dup {
			return nil, fmt.Errorf("duplicate vocabulary token %q", tok)
		}
		index[tok] = id
	}
	return &Vocabulary{
		maxVocabSize: maxVocabSize,
		maxLen:       maxLen,
		tokens:       tokens,
		index:        index,
	}, nil
}

// Size is the number of ids in use, reserved ids included.
func (v *Vocabulary) Size() int { return len(v.tokens) }

// MaxVocabSize is the cap the vocabulary was fit with.
func (v *Vocabulary) MaxVocabSize() int { return v.maxVocabSize }

// MaxLen is the fixed sequence length produced by Encode.
func (v *Vocabulary) MaxLen() int { return v.maxLen }

// Tokens returns a copy of the id-ordered token list.
func (v *Vocabulary) Tokens() []string { return append([]string(nil), v.tokens...) }

// ID returns the id for a normalized token.
func (v *Vocabulary) ID(token string) int {
	if id, ok := v.index[token]; ok && id >= reservedIDs {
		return id
	}
	return OOVID
}

// Encode cleans text and returns exactly MaxLen ids: leading tokens are
// kept when the text is too long, padding is appended when it is short.
func (v *Vocabulary) Encode(text string) []int {
	toks := Tokenize(Clean(text))
	seq := make([]int, v.maxLen)
	for i := 0; i < len(toks) && i < v.maxLen; i++ {
		seq[i] = v.ID(toks[i])
	}
	return seq
}

// EncodeAll encodes every text in order.
func (v *Vocabulary) EncodeAll(texts []string) [][]int {
	out := make([][]int, len(texts))
	for i, t := range texts {
		out[i] = v.Encode(t)
	}
	return out
}

// Decode maps ids back to tokens. Unknown ids decode to the OOV token.
func (v *Vocabulary) Decode(ids []int) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		if id >= 0 && id < len(v.tokens) {
			out[i] = v.tokens[id]
		} else {
			out[i] = OOVToken
		}
	}
	return out
}
