package ingestion_engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChunker_Validation(t *testing.T) {
	_, err := NewChunker(0, 0)
	assert.Error(t, err)

	_, err = NewChunker(-5, 0)
	assert.Error(t, err)

	_, err = NewChunker(100, 100)
	assert.Error(t, err)

	_, err = NewChunker(100, 150)
	assert.Error(t, err)

	_, err = NewChunker(100, -1)
	assert.Error(t, err)

	c, err := NewChunker(100, 10)
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestSplit_EmptyText(t *testing.T) {
	c, err := NewChunker(2000, 150)
	require.NoError(t, err)
	assert.Empty(t, c.Split(""))
}

func TestSplit_ShortTextSingleChunk(t *testing.T) {
	c, err := NewChunker(2000, 150)
	require.NoError(t, err)

	chunks := c.Split("a short document")
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, "a short document", chunks[0].Text)
	assert.Equal(t, 0, chunks[0].Start)
	assert.Equal(t, 16, chunks[0].End)
}

func TestSplit_ExactWindowBoundaries(t *testing.T) {
	// 5000 unbreakable characters with size 2000 / overlap 150 must cut at
	// [0,2000), [1850,3850), [3700,5000).
	c, err := NewChunker(2000, 150)
	require.NoError(t, err)

	text := strings.Repeat("a", 5000)
	chunks := c.Split(text)
	require.Len(t, chunks, 3)

	assert.Equal(t, 0, chunks[0].Start)
	assert.Equal(t, 2000, chunks[0].End)
	assert.Equal(t, 1850, chunks[1].Start)
	assert.Equal(t, 3850, chunks[1].End)
	assert.Equal(t, 3700, chunks[2].Start)
	assert.Equal(t, 5000, chunks[2].End)

	for i, ch := range chunks {
		assert.Equal(t, i, ch.Index)
		assert.LessOrEqual(t, len([]rune(ch.Text)), 2000)
	}
}

func TestSplit_OverlapInvariant(t *testing.T) {
	c, err := NewChunker(200, 30)
	require.NoError(t, err)

	text := strings.Repeat("the quick brown fox jumps over the lazy dog. ", 60)
	chunks := c.Split(text)
	require.Greater(t, len(chunks), 2)

	for i := 0; i < len(chunks)-1; i++ {
		cur := []rune(chunks[i].Text)
		next := []rune(chunks[i+1].Text)
		require.GreaterOrEqual(t, len(cur), 30)
		require.GreaterOrEqual(t, len(next), 30)
		assert.Equal(t, string(cur[len(cur)-30:]), string(next[:30]),
			"chunks %d and %d must share exactly the overlap", i, i+1)
	}
}

func TestSplit_CoverageReconstructsText(t *testing.T) {
	c, err := NewChunker(200, 30)
	require.NoError(t, err)

	texts := []string{
		strings.Repeat("lorem ipsum dolor sit amet, consectetur adipiscing elit. ", 40),
		strings.Repeat("x", 999),
		"short",
	}
	for _, text := range texts {
		chunks := c.Split(text)
		require.NotEmpty(t, chunks)

		var b strings.Builder
		b.WriteString(chunks[0].Text)
		for _, ch := range chunks[1:] {
			runes := []rune(ch.Text)
			b.WriteString(string(runes[30:]))
		}
		assert.Equal(t, text, b.String())
	}
}

func TestSplit_PrefersWhitespaceBoundary(t *testing.T) {
	c, err := NewChunker(100, 10)
	require.NoError(t, err)

	// A space sits shortly before the hard limit; the cut should land after
	// it instead of splitting the following word.
	text := strings.Repeat("b", 90) + " " + strings.Repeat("c", 100)
	chunks := c.Split(text)
	require.Greater(t, len(chunks), 1)
	assert.Equal(t, 91, chunks[0].End)
	assert.True(t, strings.HasSuffix(chunks[0].Text, " "))
}

func TestSplit_HardCutWithoutBoundary(t *testing.T) {
	c, err := NewChunker(100, 10)
	require.NoError(t, err)

	chunks := c.Split(strings.Repeat("z", 250))
	require.Greater(t, len(chunks), 1)
	assert.Equal(t, 100, chunks[0].End)
}

func TestSplit_ContiguousZeroBasedIndices(t *testing.T) {
	c, err := NewChunker(50, 5)
	require.NoError(t, err)

	chunks := c.Split(strings.Repeat("words and more words ", 30))
	for i, ch := range chunks {
		assert.Equal(t, i, ch.Index)
	}
}
