// Package chunking splits resource text into deterministic chunks
// sized for embedding, carrying a configurable overlap between
// consecutive chunks so context survives chunk boundaries.
package chunking

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// sentencePattern covers the whole input: every position belongs either
// to a terminator run or to a non-terminator run followed by optional
// terminators and whitespace.
var sentencePattern = regexp.MustCompile(`[^.!?]*[.!?]+\s*|[^.!?]+\s*`)

// Chunk is one split unit. Overlap counts the runes at the head of Text
// carried over from the previous chunk; Text[Overlap:] is content that
// appears in no earlier chunk.
type Chunk struct {
	Text    string
	Overlap int
}

// Chunker splits text deterministically by sentence packing.
type Chunker struct {
	chunkSize    int
	chunkOverlap int
}

// NewChunker creates a chunker. chunkSize and chunkOverlap are measured
// in runes; the overlap must be strictly smaller than the chunk size.
func NewChunker(chunkSize, chunkOverlap int) (*Chunker, error) {
	if chunkSize < 2 {
		return nil, fmt.Errorf("chunk size must be at least 2, got %d", chunkSize)
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		return nil, fmt.Errorf("chunk overlap must be within [0, chunk size), got %d", chunkOverlap)
	}
	return &Chunker{chunkSize: chunkSize, chunkOverlap: chunkOverlap}, nil
}

// ChunkSize returns the configured maximum chunk length in runes.
func (c *Chunker) ChunkSize() int { return c.chunkSize }

// Split divides text into chunks of at most chunkSize runes. Empty or
// whitespace-only input yields no chunks; input that already fits
// yields a single chunk. Sentences longer than the chunk size are
// word-split, and words longer than the chunk size are sliced at the
// chunk boundary, so no non-whitespace content is ever dropped.
func (c *Chunker) Split(text string) []Chunk {
	text = strings.TrimSpace(norm.NFC.String(text))
	if text == "" {
		return nil
	}
	if len([]rune(text)) <= c.chunkSize {
		return []Chunk{{Text: text}}
	}

	var units []string
	for _, sentence := range sentencePattern.FindAllString(text, -1) {
		units = append(units, c.splitOversized(sentence)...)
	}

	var chunks []Chunk
	var cur []rune
	curOverlap := 0

	flush := func() {
		chunks = append(chunks, Chunk{Text: string(cur), Overlap: curOverlap})
		carry := c.chunkOverlap
		if carry > len(cur) {
			carry = len(cur)
		}
		next := make([]rune, carry)
		copy(next, cur[len(cur)-carry:])
		cur = next
		curOverlap = carry
	}

	for _, unit := range units {
		ur := []rune(unit)
		if len(cur)+len(ur) > c.chunkSize && len(cur) > curOverlap {
			flush()
		}
		if curOverlap > 0 && len(cur)+len(ur) > c.chunkSize {
			// The carried overlap plus this unit exceed capacity; shrink
			// the overlap. Only duplicated runes are removed here.
			excess := len(cur) + len(ur) - c.chunkSize
			if excess >= curOverlap {
				cur = cur[curOverlap:]
				curOverlap = 0
			} else {
				cur = cur[excess:]
				curOverlap -= excess
			}
		}
		cur = append(cur, ur...)
	}
	if len(cur) > curOverlap {
		flush()
	}
	return chunks
}

// SplitTexts returns only the chunk texts.
func (c *Chunker) SplitTexts(text string) []string {
	chunks := c.Split(text)
	out := make([]string, len(chunks))
	for i, ch := range chunks {
		out[i] = ch.Text
	}
	return out
}

// splitOversized breaks a sentence that exceeds the chunk size into
// word-packed pieces, slicing single words that are themselves too
// long. Whitespace inside the sentence is normalized to single spaces.
// Every returned piece fits in the chunk size; pieces that end a word
// carry a trailing space so packed units stay separated, while raw
// mid-word segments do not, letting sliced words rejoin exactly on
// concatenation.
func (c *Chunker) splitOversized(sentence string) []string {
	if len([]rune(sentence)) <= c.chunkSize {
		return []string{sentence}
	}

	words := strings.Fields(sentence)
	if len(words) == 0 {
		return nil
	}

	// Reserve one rune per piece for the separating space.
	capacity := c.chunkSize - 1

	var pieces []string
	var cur []rune
	emit := func() {
		if len(cur) > 0 {
			pieces = append(pieces, string(cur)+" ")
			cur = nil
		}
	}

	for _, word := range words {
		wr := []rune(word)
		for len(wr) > capacity {
			emit()
			pieces = append(pieces, string(wr[:capacity]))
			wr = wr[capacity:]
		}
		if len(wr) == 0 {
			// The word ended exactly on a segment boundary; the last
			// raw segment takes the separating space instead.
			if n := len(pieces); n > 0 {
				pieces[n-1] += " "
			}
			continue
		}
		need := len(wr)
		if len(cur) > 0 {
			need++ // joining space
		}
		if len(cur)+need > capacity {
			emit()
		}
		if len(cur) > 0 {
			cur = append(cur, ' ')
		}
		cur = append(cur, wr...)
	}
	emit()
	return pieces
}
