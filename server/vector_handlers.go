package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"videoSearch/storage"
)

// VectorHandlers 向量索引管理（仅管理员）
type VectorHandlers struct {
	index     *storage.VectorIndex
	rebuilder *storage.Rebuilder
	logger    *slog.Logger
}

// NewVectorHandlers 创建向量索引处理器
func NewVectorHandlers(index *storage.VectorIndex, rebuilder *storage.Rebuilder, logger *slog.Logger) *VectorHandlers {
	return &VectorHandlers{index: index, rebuilder: rebuilder, logger: logger}
}

// VectorStatusHandler 向量索引状态
func (h *VectorHandlers) VectorStatusHandler(c *gin.Context) {
	if h.index == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "vector index not available"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"backend":   h.index.Backend(),
		"dimension": h.index.Dimension(),
		"entries":   h.index.Len(),
	})
}

// VectorRebuildHandler reloads the index from embeddings stored with the transcripts.
// Searches issued during the rebuild may see a partial index.
func (h *VectorHandlers) VectorRebuildHandler(c *gin.Context) {
	if h.rebuilder == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "vector index not available"})
		return
	}
	start := time.Now()
	n, err := h.rebuilder.Rebuild(c.Request.Context())
	if err != nil {
		h.logger.Error("index rebuild failed", "loaded", n, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "index rebuild failed", "loaded": n})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries":         n,
		"backend":         h.index.Backend(),
		"processing_time": time.Since(start).Seconds(),
	})
}
