package processors

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"videoSearch/core"
	"videoSearch/storage"
)

// SearchRequest 检索请求；零值的 Limit 与 nil 的 MinConfidence 使用默认值
type SearchRequest struct {
	UserID        string
	Query         string
	Limit         int
	MinConfidence *float64
}

// ResultVideo 检索结果中的视频信息
type ResultVideo struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Duration    *float64 `json:"duration,omitempty"`
	Thumbnail   string   `json:"thumbnail"`
}

// SearchResult 一条命中的台词
type SearchResult struct {
	ID              string      `json:"id"`
	Text            string      `json:"text"`
	StartTime       float64     `json:"start_time"`
	EndTime         float64     `json:"end_time"`
	Confidence      *float64    `json:"confidence"`
	SimilarityScore float64     `json:"similarity_score"`
	Video           ResultVideo `json:"video"`

	segmentIndex int
}

// SearchResponse 检索响应
type SearchResponse struct {
	Query          string         `json:"query"`
	Results        []SearchResult `json:"results"`
	Total          int            `json:"total"`
	ElapsedSeconds float64        `json:"processing_time"`
	Warnings       []string       `json:"warnings,omitempty"`
}

// RetrievalOptions 检索默认参数
type RetrievalOptions struct {
	DefaultLimit         int
	DefaultMinConfidence float64
	OverFetch            int
}

// Retriever runs embed → vector search → owner/confidence filter → rank.
type Retriever struct {
	store    storage.Store
	index    *storage.VectorIndex
	embedder Embedder
	opts     RetrievalOptions
	metrics  *core.Metrics
	logger   *slog.Logger
}

// NewRetriever 创建检索器
func NewRetriever(store storage.Store, index *storage.VectorIndex, embedder Embedder, opts RetrievalOptions, metrics *core.Metrics, logger *slog.Logger) *Retriever {
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 10
	}
	if opts.OverFetch < 1 {
		opts.OverFetch = 3
	}
	if metrics == nil {
		metrics = core.NewMetrics(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{store: store, index: index, embedder: embedder, opts: opts, metrics: metrics, logger: logger}
}

// Search never fails: embedding errors, an empty index and missing rows all
// produce an empty result. Internal faults are reported in Warnings.
//
// Total counts every authorized match found in the over-fetched candidate
// window, before truncation to Limit.
func (r *Retriever) Search(ctx context.Context, req SearchRequest) SearchResponse {
	start := time.Now()
	limit := req.Limit
	if limit <= 0 {
		limit = r.opts.DefaultLimit
	}
	minConfidence := r.opts.DefaultMinConfidence
	if req.MinConfidence != nil {
		minConfidence = *req.MinConfidence
	}

	resp := SearchResponse{Query: req.Query, Results: []SearchResult{}}
	finish := func(cause string) SearchResponse {
		elapsed := time.Since(start)
		resp.ElapsedSeconds = elapsed.Seconds()
		r.metrics.SearchDuration.Observe(elapsed.Seconds())
		r.metrics.SearchResults.Observe(float64(len(resp.Results)))
		if len(resp.Results) == 0 {
			r.metrics.SearchEmpty.WithLabelValues(cause).Inc()
		}
		return resp
	}
	logger := r.logger.With("user_id", req.UserID)

	// 1. 查询向量化
	if strings.TrimSpace(req.Query) == "" {
		return finish("empty_query")
	}
	vec, err := r.embedder.Embed(ctx, req.Query)
	if err != nil {
		logger.Warn("query embedding failed", "err", err)
		resp.Warnings = append(resp.Warnings, "query embedding failed")
		return finish("embedding_error")
	}

	// 2. 过量召回以抵消归属与置信度过滤的损失
	hits, err := r.index.Search(ctx, vec, limit*r.opts.OverFetch)
	if err != nil {
		logger.Error("vector search failed", "err", err)
		resp.Warnings = append(resp.Warnings, "vector search failed")
		return finish("index_error")
	}
	if len(hits) == 0 {
		return finish("empty_index")
	}

	// 3. 关系库过滤：只保留该用户的视频且满足置信度
	scores := make(map[string]float32, len(hits))
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		if _, dup := scores[h.ID]; dup {
			continue
		}
		scores[h.ID] = h.Score
		ids = append(ids, h.ID)
	}
	matches, err := r.store.FindByVectorIDs(ctx, req.UserID, ids, minConfidence)
	if err != nil {
		logger.Error("transcript lookup failed", "err", err)
		resp.Warnings = append(resp.Warnings, "transcript lookup failed")
		return finish("store_error")
	}

	// 4. 按 vector_id 找回相似度
	results := make([]SearchResult, 0, len(matches))
	for _, m := range matches {
		if m.Transcript.VectorID == nil {
			continue
		}
		score, ok := scores[*m.Transcript.VectorID]
		if !ok {
			continue
		}
		results = append(results, SearchResult{
			ID:              m.Transcript.ID,
			Text:            m.Transcript.Text,
			StartTime:       m.Transcript.StartTime,
			EndTime:         m.Transcript.EndTime,
			Confidence:      m.Transcript.Confidence,
			SimilarityScore: float64(score),
			Video: ResultVideo{
				ID:          m.Video.ID,
				Title:       m.Video.Title,
				Description: m.Video.Description,
				Duration:    m.Video.Duration,
				Thumbnail:   core.ThumbnailPath(m.Video.ID),
			},
			segmentIndex: m.Transcript.SegmentIndex,
		})
	}

	// 5. 排序并截断
	sortResults(results)
	resp.Total = len(results)
	if len(results) > limit {
		results = results[:limit]
	}
	resp.Results = results
	return finish("no_authorized_match")
}

// sortResults orders by score, then segment index, then transcript id.
func sortResults(results []SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.SimilarityScore != b.SimilarityScore {
			return a.SimilarityScore > b.SimilarityScore
		}
		if a.segmentIndex != b.segmentIndex {
			return a.segmentIndex < b.segmentIndex
		}
		return a.ID < b.ID
	})
}
