package retrieval

import (
	"sort"
	"strings"
	"unicode"

	"github.com/davekalu/docquery/internal/core/ingestion_engine"
)

// LegacyRetriever serves jobs that have extracted text but no vectors yet:
// embedding may have failed outright or simply not finished. It windows the
// raw text with the same chunker the pipeline uses, so legacy results look
// like vector results to the caller, and scores windows by query term
// overlap. Degrading to "something useful" beats returning nothing.
type LegacyRetriever struct {
	chunker    *ingestion_engine.Chunker
	maxWindows int
}

func NewLegacyRetriever(chunker *ingestion_engine.Chunker, maxWindows int) *LegacyRetriever {
	if maxWindows <= 0 {
		maxWindows = 3
	}
	return &LegacyRetriever{chunker: chunker, maxWindows: maxWindows}
}

// Retrieve scores the text's windows against the query and returns the best
// few, already tagged with the legacy search mode. Scores are the fraction of
// distinct query terms present in the window, so they live on the same 0..1
// scale as normalized vector similarities.
func (r *LegacyRetriever) Retrieve(jobID, query, text string) []Result {
	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil
	}

	windows := r.chunker.Split(text)
	scored := make([]Result, 0, len(windows))
	for _, w := range windows {
		score := overlapScore(terms, w.Text)
		if score <= 0 {
			continue
		}
		scored = append(scored, Result{
			JobID:      jobID,
			ChunkIndex: w.Index,
			ChunkText:  w.Text,
			Score:      score,
			SearchMode: ModeLegacy,
		})
	}

	// Highest score first; earlier window wins a tie.
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].ChunkIndex < scored[j].ChunkIndex
	})
	if len(scored) > r.maxWindows {
		scored = scored[:r.maxWindows]
	}
	return scored
}

// queryTerms lowercases and splits the query into distinct terms.
func queryTerms(query string) []string {
	fields := splitTerms(query)
	seen := make(map[string]bool, len(fields))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if !seen[f] {
			seen[f] = true
			terms = append(terms, f)
		}
	}
	return terms
}

// overlapScore is the fraction of query terms that occur in the window.
func overlapScore(terms []string, window string) float64 {
	if len(terms) == 0 {
		return 0
	}
	present := make(map[string]bool)
	for _, tok := range splitTerms(window) {
		present[tok] = true
	}
	matched := 0
	for _, t := range terms {
		if present[t] {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}

func splitTerms(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
