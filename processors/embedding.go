package processors

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"videoSearch/config"
	"videoSearch/core"
)

// Embedder 文本向量化
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OpenAIEmbedder 通过 OpenAI 兼容的 /embeddings 接口生成向量
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
	dim    int
}

// NewOpenAIEmbedder 创建向量化客户端；httpClient 为空时使用默认客户端
func NewOpenAIEmbedder(cfg config.EmbeddingConfig, httpClient *http.Client) *OpenAIEmbedder {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if httpClient != nil {
		oc.HTTPClient = httpClient
	}
	return &OpenAIEmbedder{client: openai.NewClientWithConfig(oc), model: cfg.Model, dim: cfg.Dimension}
}

// Dimension 输出向量维度
func (e *OpenAIEmbedder) Dimension() int { return e.dim }

// Embed returns an L2-normalized vector of the configured dimension.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, &core.EmbeddingError{Err: errors.New("empty text")}
	}
	req := openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(e.model),
		Input: []string{text},
	}
	// text-embedding-3 系列支持服务端降维
	if strings.HasPrefix(e.model, "text-embedding-3") {
		req.Dimensions = e.dim
	}
	resp, err := e.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, &core.EmbeddingError{Err: fmt.Errorf("embedding api: %w", err)}
	}
	if len(resp.Data) == 0 {
		return nil, &core.EmbeddingError{Err: errors.New("no embeddings returned")}
	}
	vec := resp.Data[0].Embedding
	if len(vec) != e.dim {
		return nil, &core.EmbeddingError{Err: fmt.Errorf("embedding dimension %d, want %d", len(vec), e.dim)}
	}
	if err := Normalize(vec); err != nil {
		return nil, &core.EmbeddingError{Err: err}
	}
	return vec, nil
}

// Normalize scales vec to unit length in place.
func Normalize(vec []float32) error {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return errors.New("cannot normalize zero or non-finite vector")
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return nil
}
