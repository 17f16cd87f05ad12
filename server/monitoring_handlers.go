package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"videoSearch/core"
	"videoSearch/storage"
)

// MonitoringHandlers 健康检查与指标
type MonitoringHandlers struct {
	index    *storage.VectorIndex
	pool     *core.IngestPool
	gatherer prometheus.Gatherer
	started  time.Time
}

// NewMonitoringHandlers 创建监控处理器
func NewMonitoringHandlers(index *storage.VectorIndex, pool *core.IngestPool, gatherer prometheus.Gatherer, started time.Time) *MonitoringHandlers {
	return &MonitoringHandlers{index: index, pool: pool, gatherer: gatherer, started: started}
}

// HealthCheckHandler 健康检查；索引未就绪时为 degraded
func (h *MonitoringHandlers) HealthCheckHandler(c *gin.Context) {
	status := "healthy"
	services := gin.H{}

	if h.index == nil || h.index.Backend() == "" {
		services["vector_index"] = "inactive"
		status = "degraded"
	} else {
		services["vector_index"] = gin.H{"backend": h.index.Backend(), "entries": h.index.Len()}
	}
	if h.pool == nil {
		services["ingest_pool"] = "external"
	} else {
		services["ingest_pool"] = gin.H{"active": len(h.pool.Active())}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    status,
		"timestamp": time.Now().Unix(),
		"uptime":    time.Since(h.started).Round(time.Second).String(),
		"services":  services,
	})
}

// MetricsHandler exposes Prometheus metrics.
func (h *MonitoringHandlers) MetricsHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
}
