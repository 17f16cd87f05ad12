package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"videoSearch/processors"
)

// SearchHandlers 台词检索
type SearchHandlers struct {
	retriever *processors.Retriever
	timeout   time.Duration
}

// NewSearchHandlers 创建检索处理器
func NewSearchHandlers(r *processors.Retriever, timeout time.Duration) *SearchHandlers {
	return &SearchHandlers{retriever: r, timeout: timeout}
}

// SearchQuery 检索请求体
type SearchQuery struct {
	Query         string   `json:"query" binding:"required"`
	Limit         int      `json:"limit" binding:"omitempty,min=1,max=100"`
	MinConfidence *float64 `json:"min_confidence" binding:"omitempty,min=0,max=1"`
}

// SearchHandler runs a transcript search scoped to the caller's videos.
func (h *SearchHandlers) SearchHandler(c *gin.Context) {
	var q SearchQuery
	if err := c.ShouldBindJSON(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID, _ := currentUser(c)

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()
	resp := h.retriever.Search(ctx, processors.SearchRequest{
		UserID:        userID,
		Query:         q.Query,
		Limit:         q.Limit,
		MinConfidence: q.MinConfidence,
	})
	c.JSON(http.StatusOK, resp)
}
