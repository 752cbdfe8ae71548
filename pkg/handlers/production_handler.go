package handlers

import (
	"errors"
	"net/http"

	"production-pulse-api/pkg/models"
	"production-pulse-api/pkg/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// maxBatchSize 一括取り込みの上限件数
const maxBatchSize = 5000

// ProductionHandler 生産イベントの取り込みと集計のハンドラー
type ProductionHandler struct {
	engine *services.Engine
}

// NewProductionHandler 新しい生産ハンドラーを作成
func NewProductionHandler(engine *services.Engine) *ProductionHandler {
	return &ProductionHandler{engine: engine}
}

// BatchIngestRequest 一括取り込みのリクエスト
type BatchIngestRequest struct {
	Events []models.RawEvent `json:"events" binding:"required"`
}

// BatchRejection 取り込めなかったイベント
type BatchRejection struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
	Error  string `json:"error"`
}

// IngestEvent 1件のイベントを取り込む
func (h *ProductionHandler) IngestEvent(c *gin.Context) {
	var raw models.RawEvent
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "リクエストの解析に失敗しました: " + err.Error(),
		})
		return
	}

	event, err := h.engine.IngestRaw(raw)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":  err.Error(),
			"reason": rejectionReason(err),
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"data":    event,
	})
}

// IngestBatch 複数のイベントを取り込む。不正なイベントはスキップして理由を返す。
func (h *ProductionHandler) IngestBatch(c *gin.Context) {
	var request BatchIngestRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "リクエストの解析に失敗しました: " + err.Error(),
		})
		return
	}
	if len(request.Events) > maxBatchSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": "一度に取り込めるイベントは5000件までです",
		})
		return
	}

	accepted := 0
	rejections := []BatchRejection{}
	for i, raw := range request.Events {
		if _, err := h.engine.IngestRaw(raw); err != nil {
			rejections = append(rejections, BatchRejection{Index: i, Reason: rejectionReason(err), Error: err.Error()})
			continue
		}
		accepted++
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"batch_id":   uuid.New().String(),
		"accepted":   accepted,
		"rejected":   len(rejections),
		"rejections": rejections,
	})
}

// GetSummary 現在の集計スナップショットを返す
func (h *ProductionHandler) GetSummary(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    h.engine.Summary(),
	})
}

// GetRate 製品ごとのレートを返す
func (h *ProductionHandler) GetRate(c *gin.Context) {
	product := c.Param("product")
	rate, ok := h.engine.RateFor(product)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "指定された製品のイベントがありません: " + product,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    rate,
	})
}

// ResetSession 集計セッションをリセットする
func (h *ProductionHandler) ResetSession(c *gin.Context) {
	h.engine.Reset()
	c.JSON(http.StatusOK, gin.H{"message": "Session reset"})
}

func rejectionReason(err error) string {
	if errors.Is(err, services.ErrOutsideWindow) {
		return "OutsideWindow"
	}
	return services.RejectionReason(err)
}
