package ingestion_engine

import (
	"fmt"
	"unicode"
)

// Chunk is one window of source text, with rune offsets into the original.
//
// Index:  stable, zero-based position of the chunk inside the document.
// Start, End: rune offsets such that chunk text == source[Start:End].
type Chunk struct {
	Index int
	Text  string
	Start int
	End   int
}

// Chunker splits extracted text into overlapping character windows. Adjacent
// chunks share exactly `overlap` runes so context survives window boundaries.
// Within `tolerance` runes of the target size it prefers to break after
// whitespace or sentence punctuation instead of mid-word, falling back to a
// hard cut when the window has no such boundary.
type Chunker struct {
	size      int
	overlap   int
	tolerance int
}

const (
	DefaultChunkSize    = 2000
	DefaultChunkOverlap = 150

	boundaryTolerance = 100
)

// NewChunker validates the window parameters once, at construction. Overlap
// must be strictly smaller than size.
func NewChunker(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("overlap (%d) must be non-negative and smaller than chunk size (%d)", overlap, size)
	}
	tol := boundaryTolerance
	// The next window starts overlap runes before the cut, so the cut must
	// always land past the previous start or the walk would stall.
	if max := (size - overlap - 1) / 2; tol > max {
		tol = max
	}
	return &Chunker{size: size, overlap: overlap, tolerance: tol}, nil
}

// Split walks the text and returns its ordered chunk windows. Empty input
// yields zero chunks; input no longer than one window yields exactly one.
func (c *Chunker) Split(text string) []Chunk {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	var chunks []Chunk
	start := 0
	for {
		end := start + c.size
		if end >= len(runes) {
			chunks = append(chunks, Chunk{
				Index: len(chunks),
				Text:  string(runes[start:]),
				Start: start,
				End:   len(runes),
			})
			return chunks
		}

		cut := c.findCut(runes, start, end)
		chunks = append(chunks, Chunk{
			Index: len(chunks),
			Text:  string(runes[start:cut]),
			Start: start,
			End:   cut,
		})
		start = cut - c.overlap
	}
}

// findCut looks backward from the hard limit for a break point after
// whitespace or sentence-ending punctuation, within the tolerance window.
func (c *Chunker) findCut(runes []rune, start, end int) int {
	for j := end; j > end-c.tolerance && j > start+1; j-- {
		prev := runes[j-1]
		if unicode.IsSpace(prev) || isSentenceEnd(prev) {
			return j
		}
	}
	return end
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?':
		return true
	}
	return false
}
