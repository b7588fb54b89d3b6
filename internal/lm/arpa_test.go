package lm

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const tinyARPA = `
\data\
ngram 1=6
ngram 2=4

\1-grams:
-1.0	<s>	-0.5
-0.8	</s>
-1.2	hello	-0.3
-1.5	world	-0.2
-2.0	word	-0.1
-3.0	<unk>

\2-grams:
-0.2	<s> hello
-0.1	hello world
-0.4	world </s>
-1.0	hello word

\end\
`

func loadTiny(t *testing.T) *Model {
	t.Helper()
	m, err := ReadARPA(strings.NewReader(tinyARPA))
	if err != nil {
		t.Fatalf("read arpa: %v", err)
	}
	return m
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestReadARPA(t *testing.T) {
	m := loadTiny(t)
	if m.Order() != 2 {
		t.Fatalf("expected order 2, got %d", m.Order())
	}
	if !m.Contains("hello") || m.Contains("goodbye") {
		t.Fatal("unexpected unigram membership")
	}
}

func TestScoreExplicitBigram(t *testing.T) {
	m := loadTiny(t)
	got, ok := m.Score([]string{SentenceStart}, "hello")
	if !ok || !approx(got, -0.2) {
		t.Fatalf("expected -0.2, got %v (ok=%v)", got, ok)
	}
}

func TestScoreBackoff(t *testing.T) {
	m := loadTiny(t)
	// world -> word is not listed: backoff(world) + P(word).
	got, ok := m.Score([]string{"world"}, "word")
	if !ok || !approx(got, -0.2+-2.0) {
		t.Fatalf("expected -2.2, got %v", got)
	}
}

func TestScoreTruncatesHistory(t *testing.T) {
	m := loadTiny(t)
	got, _ := m.Score([]string{"world", "world", "hello"}, "world")
	if !approx(got, -0.1) {
		t.Fatalf("expected bigram score -0.1, got %v", got)
	}
}

func TestScoreUnknownWord(t *testing.T) {
	m := loadTiny(t)
	got, ok := m.Score([]string{"hello"}, "zebra")
	if !ok || !approx(got, -0.3+-3.0) {
		t.Fatalf("expected <unk> with backoff -3.3, got %v", got)
	}
}

func TestScoreUnknownWithoutUnk(t *testing.T) {
	arpa := strings.Replace(tinyARPA, "-3.0\t<unk>\n", "", 1)
	arpa = strings.Replace(arpa, "ngram 1=6", "ngram 1=5", 1)
	m, err := ReadARPA(strings.NewReader(arpa))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if _, ok := m.Score(nil, "zebra"); ok {
		t.Fatal("expected unknown word to be unscored")
	}
}

func TestSentenceScore(t *testing.T) {
	m := loadTiny(t)
	got := m.SentenceScore([]string{"hello", "world"})
	want := -0.2 + -0.1 + -0.4
	if !approx(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if m.SentenceScore([]string{"hello", "world"}) <= m.SentenceScore([]string{"world", "hello"}) {
		t.Fatal("expected fluent order to score higher")
	}
}

func TestReadARPAErrors(t *testing.T) {
	cases := map[string]string{
		"missing end":  "\\data\\\nngram 1=1\n\\1-grams:\n-1.0 a\n",
		"bad prob":     "\\data\\\nngram 1=1\n\\1-grams:\nx a\n\\end\\\n",
		"bad arity":    "\\data\\\nngram 1=1\nngram 2=1\n\\1-grams:\n-1 a\n\\2-grams:\n-1 a\n\\end\\\n",
		"no sections":  "\\data\\\n\\end\\\n",
		"bad count":    "\\data\\\nngram 1=x\n\\end\\\n",
		"undeclared 2": "\\data\\\nngram 1=1\n\\1-grams:\n-1 a\n\\2-grams:\n-1 a a\n\\end\\\n",
	}
	for name, body := range cases {
		if _, err := ReadARPA(strings.NewReader(body)); !errors.Is(err, ErrFormat) {
			t.Fatalf("%s: expected ErrFormat, got %v", name, err)
		}
	}
}

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lm.arpa")
	if err := os.WriteFile(path, []byte(tinyARPA), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if m.Order() != 2 {
		t.Fatalf("expected order 2, got %d", m.Order())
	}
}
