package handlers

import (
	"net/http"
	"sync/atomic"

	"production-pulse-api/pkg/services"

	"github.com/gin-gonic/gin"
)

// isMaintenanceMode はサーバーがメンテナンスモードかどうかを示します。
var isMaintenanceMode atomic.Bool

// AdminHandler は管理者向け操作のハンドラです。
type AdminHandler struct {
	engine *services.Engine
}

// NewAdminHandler は新しいAdminHandlerを生成します。
func NewAdminHandler(engine *services.Engine) *AdminHandler {
	return &AdminHandler{engine: engine}
}

// StartMaintenance はメンテナンスモードを開始します。ヘルスチェックが503を返すようになります。
func (h *AdminHandler) StartMaintenance(c *gin.Context) {
	isMaintenanceMode.Store(true)
	c.JSON(http.StatusOK, gin.H{"message": "Maintenance mode started"})
}

// StopMaintenance はメンテナンスモードを停止します。
func (h *AdminHandler) StopMaintenance(c *gin.Context) {
	isMaintenanceMode.Store(false)
	c.JSON(http.StatusOK, gin.H{"message": "Maintenance mode stopped"})
}

// GetHealthStatus はエンジンの状態を返します。
func (h *AdminHandler) GetHealthStatus(c *gin.Context) {
	summary := h.engine.Summary()
	c.JSON(http.StatusOK, gin.H{
		"isMaintenanceMode": isMaintenanceMode.Load(),
		"subscribers":       h.engine.SubscriberCount(),
		"droppedEvents":     h.engine.DroppedCount(),
		"activeProducts":    summary.ActiveProducts,
		"lastUpdate":        summary.LastUpdate,
		"weights":           h.engine.Weights(),
	})
}

// HealthCheck は外部のヘルスチェッカー（例: ロードバランサー）からのリクエストに応答します。
func HealthCheck(c *gin.Context) {
	if isMaintenanceMode.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "message": "Server is in maintenance mode"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
