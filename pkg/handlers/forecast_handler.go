package handlers

import (
	"net/http"
	"strconv"
	"time"

	"production-pulse-api/pkg/models"
	"production-pulse-api/pkg/services"

	"github.com/gin-gonic/gin"
)

const dateLayout = "2006-01-02"

// ForecastHandler 需要予測ハンドラー
type ForecastHandler struct {
	engine *services.Engine
}

// NewForecastHandler 新しい需要予測ハンドラーを作成
func NewForecastHandler(engine *services.Engine) *ForecastHandler {
	return &ForecastHandler{engine: engine}
}

// OutcomeRequest 予測実績の記録リクエスト
type OutcomeRequest struct {
	Date            string   `json:"date" binding:"required"`
	PredictedWeight *float64 `json:"predicted_weight" binding:"required"`
	ActualWeight    *float64 `json:"actual_weight" binding:"required"`
	ModelSource     string   `json:"model_source" binding:"required"`
}

// AdjustRequest 外部要因補正のリクエスト
type AdjustRequest struct {
	BasePrediction float64                `json:"base_prediction"`
	Insight        models.ExternalInsight `json:"insight"`
}

// InsightsRequest 外部要因の登録リクエスト
type InsightsRequest struct {
	Insights []models.ExternalInsight `json:"insights" binding:"required"`
}

// GetForecast 指定日（既定は今日）の予測を返す
func (h *ForecastHandler) GetForecast(c *gin.Context) {
	date, ok := h.parseDate(c, "date")
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    h.engine.Forecast(date),
	})
}

// GetForecastRange 開始日から days 日分の予測を返す
func (h *ForecastHandler) GetForecastRange(c *gin.Context) {
	start, ok := h.parseDate(c, "start")
	if !ok {
		return
	}

	days := services.DefaultForecastHorizon
	if daysStr := c.Query("days"); daysStr != "" {
		n, err := strconv.Atoi(daysStr)
		if err != nil || n <= 0 || n > services.MaxForecastDays {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "days は1〜60の整数で指定してください",
			})
			return
		}
		days = n
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    h.engine.ForecastRange(start, days),
	})
}

// RecordOutcome 予測値と実績値を記録する
func (h *ForecastHandler) RecordOutcome(c *gin.Context) {
	var request OutcomeRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "リクエストの解析に失敗しました: " + err.Error(),
		})
		return
	}

	outcome, retrained, err := h.engine.RecordPredictionOutcome(
		c.Request.Context(), request.Date, *request.PredictedWeight, *request.ActualWeight, request.ModelSource)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"data":      outcome,
		"retrained": retrained,
		"weights":   h.engine.Weights(),
	})
}

// GetWeights 現在のアンサンブル重みを返す
func (h *ForecastHandler) GetWeights(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    h.engine.Weights(),
	})
}

// GetPatterns 曜日パターンを返す
func (h *ForecastHandler) GetPatterns(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    h.engine.Patterns(),
	})
}

// SetInsights 日付ごとの外部要因を登録する
func (h *ForecastHandler) SetInsights(c *gin.Context) {
	var request InsightsRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "リクエストの解析に失敗しました: " + err.Error(),
		})
		return
	}
	if err := h.engine.SetInsights(request.Insights); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"count":   len(request.Insights),
	})
}

// Adjust 任意の予測値に外部要因の補正をかける
func (h *ForecastHandler) Adjust(c *gin.Context) {
	var request AdjustRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "リクエストの解析に失敗しました: " + err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    h.engine.Adjust(request.BasePrediction, request.Insight),
	})
}

// parseDate クエリの日付（YYYY-MM-DD）。未指定なら現在時刻。
func (h *ForecastHandler) parseDate(c *gin.Context, key string) (time.Time, bool) {
	value := c.Query(key)
	if value == "" {
		return time.Now().In(h.engine.Location()), true
	}
	date, err := time.ParseInLocation(dateLayout, value, h.engine.Location())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": key + " の形式が不正です（YYYY-MM-DD）",
		})
		return time.Time{}, false
	}
	return date, true
}
