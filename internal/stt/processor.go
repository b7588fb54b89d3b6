package stt

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
)

const normalizeEpsilon = 1e-7

// FeatureExtractor prepares raw samples for the acoustic model.
type FeatureExtractor struct {
	SampleRate int
	Normalize  bool
}

// Extract validates the sample rate and applies zero-mean, unit-variance
// normalization when enabled. The input slice is not modified.
func (e FeatureExtractor) Extract(samples []float32, sampleRate int) (Features, error) {
	if sampleRate != e.SampleRate {
		return Features{}, fmt.Errorf("%w: got %d Hz, model expects %d Hz", ErrSampleRate, sampleRate, e.SampleRate)
	}
	values := make([]float32, len(samples))
	copy(values, samples)
	if e.Normalize && len(values) > 0 {
		var mean float64
		for _, v := range values {
			mean += float64(v)
		}
		mean /= float64(len(values))
		var variance float64
		for _, v := range values {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(len(values))
		scale := 1 / math.Sqrt(variance+normalizeEpsilon)
		for i, v := range values {
			values[i] = float32((float64(v) - mean) * scale)
		}
	}
	return Features{SampleRate: sampleRate, Values: values}, nil
}

// Default special tokens of CTC character vocabularies.
const (
	PadToken       = "<pad>"
	BOSToken       = "<s>"
	EOSToken       = "</s>"
	UnkToken       = "<unk>"
	WordDelimiter  = "|"
	wordPieceSpace = "▁"
)

// Vocabulary maps CTC output ids to tokens.
type Vocabulary struct {
	tokens    []string
	blank     int
	delimiter string
	special   map[string]struct{}
}

// NewVocabulary builds a vocabulary from a token->id map. blankToken names the
// CTC blank; an empty value selects <pad>.
func NewVocabulary(ids map[string]int, blankToken, delimiter string) (*Vocabulary, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("vocabulary is empty")
	}
	if blankToken == "" {
		blankToken = PadToken
	}
	if delimiter == "" {
		delimiter = WordDelimiter
	}
	size := 0
	for _, id := range ids {
		if id < 0 {
			return nil, fmt.Errorf("vocabulary id %d is negative", id)
		}
		if id+1 > size {
			size = id + 1
		}
	}
	tokens := make([]string, size)
	seen := make([]bool, size)
	for tok, id := range ids {
		if seen[id] {
			return nil, fmt.Errorf("vocabulary id %d assigned twice", id)
		}
		seen[id] = true
		tokens[id] = tok
	}
	blank, ok := ids[blankToken]
	if !ok {
		return nil, fmt.Errorf("blank token %q not in vocabulary", blankToken)
	}
	v := &Vocabulary{
		tokens:    tokens,
		blank:     blank,
		delimiter: delimiter,
		special:   make(map[string]struct{}),
	}
	for _, s := range []string{PadToken, BOSToken, EOSToken, UnkToken, blankToken} {
		v.special[s] = struct{}{}
	}
	return v, nil
}

// LoadVocabulary reads a JSON object of token -> id.
func LoadVocabulary(path, blankToken, delimiter string) (*Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vocabulary: %w", err)
	}
	var ids map[string]int
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("decode vocabulary: %w", err)
	}
	return NewVocabulary(ids, blankToken, delimiter)
}

func (v *Vocabulary) Size() int  { return len(v.tokens) }
func (v *Vocabulary) Blank() int { return v.blank }

// Token returns the string for id, or "" when id is out of range.
func (v *Vocabulary) Token(id int) string {
	if id < 0 || id >= len(v.tokens) {
		return ""
	}
	return v.tokens[id]
}

func (v *Vocabulary) isSpecial(tok string) bool {
	_, ok := v.special[tok]
	return ok
}

// Tokens lists the vocabulary ordered by id.
func (v *Vocabulary) Tokens() []string {
	out := make([]string, len(v.tokens))
	copy(out, v.tokens)
	return out
}

// Collapse performs greedy CTC collapsing of an id sequence: repeated ids are
// merged, blanks removed, the delimiter becomes a space.
func (v *Vocabulary) Collapse(ids []int) string {
	var b strings.Builder
	prev := -1
	for _, id := range ids {
		if id == prev {
			continue
		}
		prev = id
		if id == v.blank {
			continue
		}
		tok := v.Token(id)
		switch {
		case tok == v.delimiter:
			b.WriteByte(' ')
		case v.isSpecial(tok):
		default:
			b.WriteString(strings.ReplaceAll(tok, wordPieceSpace, " "))
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Processor pairs the feature extractor with the decoder of a model bundle.
type Processor struct {
	Extractor FeatureExtractor
	Decoder   Decoder
}

func sortHypotheses(hyps []Hypothesis) {
	sort.SliceStable(hyps, func(i, j int) bool {
		if hyps[i].Score != hyps[j].Score {
			return hyps[i].Score > hyps[j].Score
		}
		return hyps[i].Text < hyps[j].Text
	})
}
