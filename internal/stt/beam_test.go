package stt

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-transcribe/internal/lm"
)

const greetingARPA = `\data\
ngram 1=5
ngram 2=3

\1-grams:
-1.0	<s>	-0.5
-0.8	</s>
-1.2	hello	-0.3
-1.5	world	-0.2
-1.4	yellow	-0.2

\2-grams:
-0.2	<s> hello
-0.1	hello world
-0.4	world </s>

\end\
`

// frames builds logits where each step strongly prefers one token. A step
// of two tokens splits the mass between them, favouring the first by bias.
func frames(t *testing.T, v *Vocabulary, steps [][]string, bias float32) Logits {
	t.Helper()
	ids := testVocabIDs()
	rows := make([][]float32, 0, len(steps))
	for _, step := range steps {
		row := make([]float32, v.Size())
		for i := range row {
			row[i] = -10
		}
		for i, tok := range step {
			id, ok := ids[tok]
			if !ok {
				t.Fatalf("unknown token %q", tok)
			}
			row[id] = 10
			if i == 0 && len(step) > 1 {
				row[id] += bias
			}
		}
		rows = append(rows, row)
	}
	l, err := NewLogits(rows)
	if err != nil {
		t.Fatalf("logits: %v", err)
	}
	return l
}

func spell(s string) [][]string {
	var steps [][]string
	for _, r := range s {
		switch r {
		case ' ':
			steps = append(steps, []string{"|"})
		case '_':
			steps = append(steps, []string{"<pad>"})
		default:
			steps = append(steps, []string{string(r)})
		}
	}
	return steps
}

func greetingLM(t *testing.T) *lm.Model {
	t.Helper()
	m, err := lm.ReadARPA(strings.NewReader(greetingARPA))
	if err != nil {
		t.Fatalf("read arpa: %v", err)
	}
	return m
}

func TestBeamDecodeClearSpeech(t *testing.T) {
	v := testVocab(t)
	d := NewBeamDecoder(v, nil, DefaultBeamOptions())
	logits := frames(t, v, spell("hhel_llo  wworld"), 0)

	hyps, err := d.Decode(context.Background(), logits)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(hyps) == 0 {
		t.Fatal("expected at least one hypothesis")
	}
	if hyps[0].Text != "hello world" {
		t.Fatalf("expected %q, got %q", "hello world", hyps[0].Text)
	}
	for i := 1; i < len(hyps); i++ {
		if hyps[i].Score > hyps[i-1].Score {
			t.Fatalf("hypotheses not ranked: %v", hyps)
		}
	}
}

func TestBeamDecodeRepeatWithoutBlankCollapses(t *testing.T) {
	v := testVocab(t)
	d := NewBeamDecoder(v, nil, DefaultBeamOptions())
	hyps, err := d.Decode(context.Background(), frames(t, v, spell("hello"), 0))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if hyps[0].Text != "helo" {
		t.Fatalf("expected repeated l to collapse, got %q", hyps[0].Text)
	}
}

func ambiguousGreeting() [][]string {
	steps := spell("h")
	steps = append(steps, []string{"a", "e"})
	return append(steps, spell("l_lo world")...)
}

func TestBeamDecodeAcousticOnlyPrefersLouderToken(t *testing.T) {
	v := testVocab(t)
	d := NewBeamDecoder(v, nil, DefaultBeamOptions())
	hyps, err := d.Decode(context.Background(), frames(t, v, ambiguousGreeting(), 0.2))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if hyps[0].Text != "hallo world" {
		t.Fatalf("expected acoustic winner %q, got %q", "hallo world", hyps[0].Text)
	}
	if hyps[0].LMScore != 0 {
		t.Fatalf("expected no lm score without a model, got %v", hyps[0].LMScore)
	}
}

func TestBeamDecodeLanguageModelRescores(t *testing.T) {
	v := testVocab(t)
	d := NewBeamDecoder(v, greetingLM(t), DefaultBeamOptions())
	hyps, err := d.Decode(context.Background(), frames(t, v, ambiguousGreeting(), 0.2))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if hyps[0].Text != "hello world" {
		t.Fatalf("expected lm winner %q, got %q", "hello world", hyps[0].Text)
	}
	var sawAlternative bool
	for _, h := range hyps[1:] {
		if h.Text == "hallo world" {
			sawAlternative = true
			if h.Score >= hyps[0].Score {
				t.Fatalf("alternative outranks best: %+v vs %+v", h, hyps[0])
			}
		}
	}
	if !sawAlternative {
		t.Fatalf("expected the acoustic alternative among hypotheses: %+v", hyps)
	}
}

func TestBeamDecodeEmptyLogits(t *testing.T) {
	v := testVocab(t)
	d := NewBeamDecoder(v, greetingLM(t), DefaultBeamOptions())
	hyps, err := d.Decode(context.Background(), Logits{})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(hyps) != 1 || hyps[0].Text != "" {
		t.Fatalf("expected a single empty hypothesis, got %+v", hyps)
	}
}

func TestBeamDecodeAllBlank(t *testing.T) {
	v := testVocab(t)
	d := NewBeamDecoder(v, nil, DefaultBeamOptions())
	hyps, err := d.Decode(context.Background(), frames(t, v, spell("_____"), 0))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if hyps[0].Text != "" {
		t.Fatalf("expected empty transcript for blank frames, got %q", hyps[0].Text)
	}
}

func TestBeamDecodeVocabMismatch(t *testing.T) {
	v := testVocab(t)
	d := NewBeamDecoder(v, nil, DefaultBeamOptions())
	l, _ := NewLogits([][]float32{{1, 2, 3}})
	if _, err := d.Decode(context.Background(), l); err == nil {
		t.Fatal("expected vocabulary mismatch error")
	}
}

func TestBeamDecodeCancelled(t *testing.T) {
	v := testVocab(t)
	d := NewBeamDecoder(v, nil, DefaultBeamOptions())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.Decode(ctx, frames(t, v, spell("hello"), 0)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBeamWidthOneIsGreedy(t *testing.T) {
	v := testVocab(t)
	opts := DefaultBeamOptions()
	opts.BeamWidth = 1
	d := NewBeamDecoder(v, nil, opts)
	steps := spell("wor_ld")
	logits := frames(t, v, steps, 0)
	hyps, err := d.Decode(context.Background(), logits)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var greedy []int
	for i := 0; i < logits.Frames; i++ {
		row := logits.Row(i)
		best := 0
		for j := range row {
			if row[j] > row[best] {
				best = j
			}
		}
		greedy = append(greedy, best)
	}
	if want := v.Collapse(greedy); hyps[0].Text != want {
		t.Fatalf("expected greedy result %q, got %q", want, hyps[0].Text)
	}
}

func TestNewLogitsRejectsRaggedRows(t *testing.T) {
	if _, err := NewLogits([][]float32{{1, 2}, {1}}); err == nil {
		t.Fatal("expected ragged rows error")
	}
}
