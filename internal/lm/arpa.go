// Package lm implements a back-off n-gram language model read from the ARPA
// text format, used to rescore word sequences during beam search.
package lm

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

const (
	SentenceStart = "<s>"
	SentenceEnd   = "</s>"
	Unknown       = "<unk>"
)

// ErrFormat reports a malformed ARPA file.
var ErrFormat = errors.New("malformed arpa model")

type entry struct {
	logProb float64
	backoff float64
}

// Model is an immutable back-off n-gram model. Probabilities are log10, as
// stored in the ARPA file. Safe for concurrent readers.
type Model struct {
	order  int
	grams  map[string]entry
	counts []int
}

// Open reads an ARPA model from path.
func Open(path string) (*Model, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open language model: %w", err)
	}
	defer fh.Close()
	return ReadARPA(fh)
}

// ReadARPA parses the ARPA text format.
func ReadARPA(r io.Reader) (*Model, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	m := &Model{grams: make(map[string]entry)}
	section := -1 // -1 before \data\, 0 inside \data\, n inside \n-grams:
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch {
		case line == `\data\`:
			section = 0
			continue
		case line == `\end\`:
			return m, m.check()
		case strings.HasPrefix(line, `\`) && strings.HasSuffix(line, "-grams:"):
			n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(line, `\`), "-grams:"))
			if err != nil || n < 1 {
				return nil, fmt.Errorf("%w: line %d: bad section %q", ErrFormat, lineNo, line)
			}
			section = n
			if n > m.order {
				m.order = n
			}
			continue
		}

		switch {
		case section < 0:
			continue
		case section == 0:
			if !strings.HasPrefix(line, "ngram ") {
				return nil, fmt.Errorf("%w: line %d: expected ngram count", ErrFormat, lineNo)
			}
			parts := strings.SplitN(strings.TrimPrefix(line, "ngram "), "=", 2)
			if len(parts) != 2 {
				return nil, fmt.Errorf("%w: line %d: bad ngram count", ErrFormat, lineNo)
			}
			count, err := strconv.Atoi(strings.TrimSpace(parts[1]))
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrFormat, lineNo, err)
			}
			m.counts = append(m.counts, count)
		default:
			fields := strings.Fields(line)
			if len(fields) != section+1 && len(fields) != section+2 {
				return nil, fmt.Errorf("%w: line %d: expected %d-gram", ErrFormat, lineNo, section)
			}
			logProb, err := strconv.ParseFloat(fields[0], 64)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrFormat, lineNo, err)
			}
			e := entry{logProb: logProb}
			if len(fields) == section+2 {
				if e.backoff, err = strconv.ParseFloat(fields[section+1], 64); err != nil {
					return nil, fmt.Errorf("%w: line %d: %v", ErrFormat, lineNo, err)
				}
			}
			m.grams[key(fields[1:section+1])] = e
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read language model: %w", err)
	}
	return nil, fmt.Errorf(`%w: missing \end\`, ErrFormat)
}

func (m *Model) check() error {
	if m.order == 0 {
		return fmt.Errorf("%w: no n-gram sections", ErrFormat)
	}
	if len(m.counts) < m.order {
		return fmt.Errorf("%w: \\data\\ declares %d orders, found %d", ErrFormat, len(m.counts), m.order)
	}
	return nil
}

func key(words []string) string {
	return strings.Join(words, " ")
}

// Order is the highest n-gram order in the model.
func (m *Model) Order() int { return m.order }

// Contains reports whether word is a known unigram.
func (m *Model) Contains(word string) bool {
	_, ok := m.grams[word]
	return ok
}

// Score returns log10 P(word | history) using Katz back-off. Only the last
// Order()-1 words of history are considered. Unknown words fall back to the
// <unk> unigram, or ok is false when the model has none.
func (m *Model) Score(history []string, word string) (logProb float64, ok bool) {
	if n := m.order - 1; len(history) > n {
		history = history[len(history)-n:]
	}
	if !m.Contains(word) {
		if !m.Contains(Unknown) {
			return 0, false
		}
		word = Unknown
	}

	var backoff float64
	for start := 0; start <= len(history); start++ {
		ctx := history[start:]
		words := append(append(make([]string, 0, len(ctx)+1), ctx...), word)
		if e, found := m.grams[key(words)]; found {
			return backoff + e.logProb, true
		}
		if len(ctx) > 0 {
			if e, found := m.grams[key(ctx)]; found {
				backoff += e.backoff
			}
		}
	}
	return backoff, true
}

// SentenceScore scores a full word sequence including the </s> transition.
func (m *Model) SentenceScore(words []string) float64 {
	history := []string{SentenceStart}
	var total float64
	for _, w := range append(append([]string{}, words...), SentenceEnd) {
		if s, ok := m.Score(history, w); ok {
			total += s
		}
		history = append(history, w)
	}
	return total
}
