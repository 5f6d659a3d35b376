package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/davekalu/docquery/internal/core"
)

const (
	ModeVector = "vector"
	ModeLegacy = "legacy"

	// legacyFanout bounds how many extracted-content lookups run at once.
	legacyFanout = 4
)

// Query is one retrieval request against a user's queryable documents.
// An empty JobIDs set means "all of the user's jobs".
type Query struct {
	UserID   string
	Text     string
	JobIDs   []string
	TopK     int
	MinScore float64
}

// Result is one retrieved chunk, tagged with how it was found.
type Result struct {
	JobID      string  `json:"job_id"`
	ChunkIndex int     `json:"chunk_index"`
	ChunkText  string  `json:"chunk_text"`
	Score      float64 `json:"score"`
	SearchMode string  `json:"search_mode"`
}

// Response carries the ranked results. NoQueryableDocuments distinguishes "no
// document has any searchable content" from "nothing matched".
type Response struct {
	Results              []Result `json:"results"`
	NoQueryableDocuments bool     `json:"no_queryable_documents"`
}

// Engine answers retrieval queries: it embeds the query with the same
// collaborator and metric the pipeline indexes with, runs a cosine
// nearest-neighbor search over the candidates' chunks, and routes candidates
// without vectors through the legacy keyword retriever. Vector and legacy
// scores are both on a 0..1 scale before the merged ranking.
type Engine struct {
	db       core.DbClient
	embedder core.EmbeddingProvider
	legacy   *LegacyRetriever
	topK     int
	log      *slog.Logger
}

func NewEngine(db core.DbClient, embedder core.EmbeddingProvider, legacy *LegacyRetriever, defaultTopK int, logger *slog.Logger) *Engine {
	if defaultTopK <= 0 {
		defaultTopK = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{db: db, embedder: embedder, legacy: legacy, topK: defaultTopK, log: logger}
}

// Search returns the top-K most relevant chunks across the candidate jobs.
// Collaborator trouble degrades the search mode rather than erroring: an
// unavailable embedder pushes every candidate through the legacy retriever.
func (e *Engine) Search(ctx context.Context, q Query) (*Response, error) {
	if q.TopK <= 0 {
		q.TopK = e.topK
	}

	jobs, err := e.db.ListQueryableJobs(ctx, q.UserID, q.JobIDs)
	if err != nil {
		return nil, fmt.Errorf("list queryable jobs: %w", err)
	}
	if len(jobs) == 0 {
		return &Response{Results: []Result{}, NoQueryableDocuments: true}, nil
	}

	// Split candidates by index availability: vectors where they exist,
	// keyword fallback where only extracted text does.
	var vectorIDs, legacyIDs []string
	for _, job := range jobs {
		n, err := e.db.CountJobChunks(ctx, job.ID)
		if err != nil {
			e.log.Warn("chunk count failed, using legacy path", "job_id", job.ID, "err", err)
			legacyIDs = append(legacyIDs, job.ID)
			continue
		}
		if n > 0 {
			vectorIDs = append(vectorIDs, job.ID)
		} else {
			legacyIDs = append(legacyIDs, job.ID)
		}
	}

	var results []Result
	hasContent := len(vectorIDs) > 0

	queryVec, embedErr := e.embedQuery(ctx, q.Text)
	if embedErr != nil {
		// Query embedding unavailable: serve everything via keyword scoring.
		e.log.Warn("query embedding unavailable, falling back to legacy for all candidates", "err", embedErr)
		legacyIDs = append(legacyIDs, vectorIDs...)
		vectorIDs = nil
	}

	if len(vectorIDs) > 0 {
		matches, err := e.db.SearchChunks(ctx, vectorIDs, queryVec, q.TopK)
		if err != nil {
			return nil, fmt.Errorf("vector search: %w", err)
		}
		for _, m := range matches {
			results = append(results, Result{
				JobID:      m.JobID,
				ChunkIndex: m.ChunkIndex,
				ChunkText:  m.Text,
				Score:      normalizeSimilarity(m.Similarity),
				SearchMode: ModeVector,
			})
		}
	}

	legacyResults, legacyHadContent, err := e.searchLegacy(ctx, q.Text, legacyIDs)
	if err != nil {
		return nil, err
	}
	results = append(results, legacyResults...)
	hasContent = hasContent || legacyHadContent

	if !hasContent {
		return &Response{Results: []Result{}, NoQueryableDocuments: true}, nil
	}

	results = rankResults(results, q.MinScore, q.TopK)
	return &Response{Results: results}, nil
}

// searchLegacy fans the keyword retriever out over the fallback candidates.
// The second return reports whether any candidate had extracted text at all.
func (e *Engine) searchLegacy(ctx context.Context, query string, jobIDs []string) ([]Result, bool, error) {
	if len(jobIDs) == 0 {
		return nil, false, nil
	}

	var (
		mu         sync.Mutex
		results    []Result
		hadContent bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(legacyFanout)

	for _, jobID := range jobIDs {
		g.Go(func() error {
			content, err := e.db.GetExtractedContent(gctx, jobID)
			if err != nil {
				return fmt.Errorf("load extracted content for %s: %w", jobID, err)
			}
			if content == nil || content.Text == "" {
				return nil
			}
			hits := e.legacy.Retrieve(jobID, query, content.Text)
			mu.Lock()
			hadContent = true
			results = append(results, hits...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, false, err
	}
	return results, hadContent, nil
}

func (e *Engine) embedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.embedder.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("expected 1 query vector, got %d", len(vecs))
	}
	return core.NormalizeVector(vecs[0]), nil
}

// normalizeSimilarity maps raw cosine similarity [-1,1] onto the 0..1 scale
// shared with legacy scores.
func normalizeSimilarity(cos float64) float64 {
	s := (cos + 1) / 2
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// rankResults sorts by score descending with deterministic tie-breaks (chunk
// index, then job id), drops entries below the floor, and caps at topK.
func rankResults(results []Result, minScore float64, topK int) []Result {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].ChunkIndex != results[j].ChunkIndex {
			return results[i].ChunkIndex < results[j].ChunkIndex
		}
		return results[i].JobID < results[j].JobID
	})

	out := results[:0]
	for _, r := range results {
		if minScore > 0 && r.Score < minScore {
			continue
		}
		out = append(out, r)
		if len(out) == topK {
			break
		}
	}
	if out == nil {
		out = []Result{}
	}
	return out
}
