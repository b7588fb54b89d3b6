package stt

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-transcribe/internal/lm"
)

var negInf = math.Inf(-1)

// ARPA scores are log10; beam scores are natural log.
var log10ToLn = math.Log(10)

// BeamOptions tunes the prefix beam search.
type BeamOptions struct {
	BeamWidth int
	// Alpha weights the language model, Beta rewards each completed word.
	Alpha float64
	Beta  float64
	// Tokens whose log probability in a frame is below TokenMinLogp are not
	// expanded, except the frame's best token.
	TokenMinLogp float64
	// Beams scoring more than BeamPruneLogp below the best beam are dropped.
	BeamPruneLogp float64
	// UnkOffset is added when a completed word is not in the model's unigrams.
	UnkOffset float64
}

func DefaultBeamOptions() BeamOptions {
	return BeamOptions{
		BeamWidth:     100,
		Alpha:         0.5,
		Beta:          1.0,
		TokenMinLogp:  -5,
		BeamPruneLogp: -10,
		UnkOffset:     -10,
	}
}

// BeamDecoder is a CTC prefix beam search with optional word-level n-gram
// shallow fusion. It holds no per-call state and is safe to share.
type BeamDecoder struct {
	vocab *Vocabulary
	lm    *lm.Model
	opts  BeamOptions
}

// NewBeamDecoder creates a decoder. model may be nil for acoustic-only search.
func NewBeamDecoder(vocab *Vocabulary, model *lm.Model, opts BeamOptions) *BeamDecoder {
	if opts.BeamWidth <= 0 {
		opts.BeamWidth = DefaultBeamOptions().BeamWidth
	}
	return &BeamDecoder{vocab: vocab, lm: model, opts: opts}
}

type beam struct {
	key       string
	words     []string
	partial   string
	last      int
	pBlank    float64
	pNonBlank float64
	lmScore   float64
}

func (b *beam) acoustic() float64 { return logAddExp(b.pBlank, b.pNonBlank) }
func (b *beam) score() float64    { return b.acoustic() + b.lmScore }

func (b *beam) withWord(word string, delta float64) {
	b.words = append(b.words[:len(b.words):len(b.words)], word)
	b.lmScore += delta
	b.partial = ""
}

// Decode returns hypotheses ordered best first; there is at least one.
func (d *BeamDecoder) Decode(ctx context.Context, l Logits) ([]Hypothesis, error) {
	if l.Frames > 0 && l.Vocab != d.vocab.Size() {
		return nil, fmt.Errorf("logits have %d classes, vocabulary has %d", l.Vocab, d.vocab.Size())
	}

	beams := []*beam{{last: -1, pBlank: 0, pNonBlank: negInf}}
	logp := make([]float64, l.Vocab)
	for t := 0; t < l.Frames; t++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		logSoftmax(l.Row(t), logp)
		candidates := d.candidates(logp)
		next := make(map[string]*beam, len(beams)*len(candidates))

		for _, b := range beams {
			for _, c := range candidates {
				p := logp[c]
				switch {
				case c == d.vocab.Blank():
					same := d.same(next, b)
					same.pBlank = logAddExp(same.pBlank, b.acoustic()+p)
				case c == b.last:
					same := d.same(next, b)
					same.pNonBlank = logAddExp(same.pNonBlank, b.pNonBlank+p)
					ext := d.extend(next, b, c)
					ext.pNonBlank = logAddExp(ext.pNonBlank, b.pBlank+p)
				default:
					ext := d.extend(next, b, c)
					ext.pNonBlank = logAddExp(ext.pNonBlank, b.acoustic()+p)
				}
			}
		}
		beams = d.prune(next)
	}
	return d.finalize(beams), nil
}

func (d *BeamDecoder) candidates(logp []float64) []int {
	best := 0
	for i, v := range logp {
		if v > logp[best] {
			best = i
		}
	}
	out := make([]int, 0, 8)
	for i, v := range logp {
		if v >= d.opts.TokenMinLogp || i == best {
			out = append(out, i)
		}
	}
	return out
}

// same returns the next-frame beam that keeps b's prefix.
func (d *BeamDecoder) same(next map[string]*beam, b *beam) *beam {
	if nb, ok := next[b.key]; ok {
		return nb
	}
	nb := &beam{
		key:       b.key,
		words:     b.words,
		partial:   b.partial,
		last:      b.last,
		pBlank:    negInf,
		pNonBlank: negInf,
		lmScore:   b.lmScore,
	}
	next[b.key] = nb
	return nb
}

// extend returns the next-frame beam for b's prefix followed by token c.
func (d *BeamDecoder) extend(next map[string]*beam, b *beam, c int) *beam {
	key := b.key + "," + strconv.Itoa(c)
	if nb, ok := next[key]; ok {
		return nb
	}
	nb := &beam{
		key:       key,
		words:     b.words,
		partial:   b.partial,
		last:      c,
		pBlank:    negInf,
		pNonBlank: negInf,
		lmScore:   b.lmScore,
	}
	tok := d.vocab.Token(c)
	switch {
	case tok == d.vocab.delimiter:
		d.completeWord(nb)
	case d.vocab.isSpecial(tok):
	case strings.HasPrefix(tok, wordPieceSpace):
		d.completeWord(nb)
		nb.partial = strings.TrimPrefix(tok, wordPieceSpace)
	default:
		nb.partial += tok
	}
	next[key] = nb
	return nb
}

func (d *BeamDecoder) completeWord(b *beam) {
	if b.partial == "" {
		return
	}
	b.withWord(b.partial, d.wordScore(b.words, b.partial))
}

func (d *BeamDecoder) history(words []string) []string {
	return append([]string{lm.SentenceStart}, words...)
}

func (d *BeamDecoder) wordScore(prev []string, word string) float64 {
	if d.lm == nil {
		return 0
	}
	var score float64
	if s, ok := d.lm.Score(d.history(prev), word); ok {
		score = s * log10ToLn
	}
	score = d.opts.Alpha*score + d.opts.Beta
	if !d.lm.Contains(word) {
		score += d.opts.UnkOffset
	}
	return score
}

func (d *BeamDecoder) endScore(words []string) float64 {
	if d.lm == nil {
		return 0
	}
	s, ok := d.lm.Score(d.history(words), lm.SentenceEnd)
	if !ok {
		return 0
	}
	return d.opts.Alpha * s * log10ToLn
}

func sortBeams(beams []*beam) {
	sort.Slice(beams, func(i, j int) bool {
		si, sj := beams[i].score(), beams[j].score()
		if si != sj {
			return si > sj
		}
		return beams[i].key < beams[j].key
	})
}

func (d *BeamDecoder) prune(next map[string]*beam) []*beam {
	beams := make([]*beam, 0, len(next))
	for _, b := range next {
		beams = append(beams, b)
	}
	sortBeams(beams)
	if len(beams) > d.opts.BeamWidth {
		beams = beams[:d.opts.BeamWidth]
	}
	best := beams[0].score()
	keep := len(beams)
	for i, b := range beams {
		if b.score() < best+d.opts.BeamPruneLogp {
			keep = i
			break
		}
	}
	return beams[:keep]
}

func (d *BeamDecoder) finalize(beams []*beam) []Hypothesis {
	byText := make(map[string]int)
	hyps := make([]Hypothesis, 0, len(beams))
	for _, b := range beams {
		final := *b
		d.completeWord(&final)
		final.lmScore += d.endScore(final.words)
		h := Hypothesis{
			Text:       strings.Join(final.words, " "),
			LogitScore: final.acoustic(),
			LMScore:    final.lmScore,
			Score:      final.score(),
		}
		if i, ok := byText[h.Text]; ok {
			if h.Score > hyps[i].Score {
				hyps[i] = h
			}
			continue
		}
		byText[h.Text] = len(hyps)
		hyps = append(hyps, h)
	}
	sortHypotheses(hyps)
	return hyps
}

func logSoftmax(row []float32, out []float64) {
	maxV := negInf
	for _, v := range row {
		if float64(v) > maxV {
			maxV = float64(v)
		}
	}
	var sum float64
	for _, v := range row {
		sum += math.Exp(float64(v) - maxV)
	}
	norm := maxV + math.Log(sum)
	for i, v := range row {
		out[i] = float64(v) - norm
	}
}

func logAddExp(a, b float64) float64 {
	if math.IsInf(a, -1) {
		return b
	}
	if math.IsInf(b, -1) {
		return a
	}
	if a > b {
		return a + math.Log1p(math.Exp(b-a))
	}
	return b + math.Log1p(math.Exp(a-b))
}
