package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"unicode"
)

// HashingEmbedder maps tokens and token bigrams into a fixed number of
// buckets with a signed hash. It needs no model and is deterministic.
type HashingEmbedder struct {
	dims int
}

func NewHashing(dims int) *HashingEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashingEmbedder{dims: dims}
}

func (h *HashingEmbedder) Model() string   { return fmt.Sprintf("hashing-fnv1a-%d", h.dims) }
func (h *HashingEmbedder) Dimensions() int { return h.dims }

func (h *HashingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make([]float32, h.dims)
	tokens := Tokenize(text)
	for i, tok := range tokens {
		h.add(vec, tok, 1)
		if i > 0 {
			h.add(vec, tokens[i-1]+" "+tok, 0.5)
		}
	}
	return vec, nil
}

func (h *HashingEmbedder) add(vec []float32, feature string, weight float32) {
	f := fnv.New64a()
	_, _ = f.Write([]byte(feature))
	sum := f.Sum64()
	idx := int(sum % uint64(h.dims))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}

// Tokenize lowercases text and splits it on anything that is not a letter
// or digit.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
