package handlers

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"production-pulse-api/pkg/services"

	"github.com/gin-gonic/gin"
)

// HistoryHandler 履歴データの取り込みとパターン再構築のハンドラー
type HistoryHandler struct {
	engine *services.Engine
}

// NewHistoryHandler 新しい履歴ハンドラーを作成
func NewHistoryHandler(engine *services.Engine) *HistoryHandler {
	return &HistoryHandler{engine: engine}
}

// UploadHistory Excel/CSVの生産実績から曜日パターンを構築する
func (h *HistoryHandler) UploadHistory(c *gin.Context) {
	file, fileHeader, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ファイルの取得に失敗しました。"})
		return
	}
	defer file.Close()

	var result *services.ExcelImportResult
	fileName := strings.ToLower(fileHeader.Filename)
	switch {
	case strings.HasSuffix(fileName, ".xlsx"):
		result, err = services.ReadExcelEvents(file, h.engine.Normalizer())
	case strings.HasSuffix(fileName, ".csv"):
		result, err = services.ReadCSVEvents(file, h.engine.Normalizer())
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "サポートされていないファイル形式です。.xlsxまたは.csvをアップロードしてください。"})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	log.Printf("📊 [履歴] %s を取り込みます（%d件）", fileHeader.Filename, len(result.Events))
	set := h.engine.LoadHistory(result.Events)

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"rows":     result.Rows,
		"accepted": len(result.Events),
		"rejected": result.Rejected,
		"days":     len(set.Daily),
		"patterns": set.Buckets,
	})
}

// RebuildPatterns 設定済みの履歴ソースからパターンを再構築する
func (h *HistoryHandler) RebuildPatterns(c *gin.Context) {
	if err := h.engine.RebuildPatterns(c.Request.Context()); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, services.ErrNoHistorySource) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"patterns": h.engine.Patterns(),
	})
}
