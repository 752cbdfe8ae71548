package services

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"production-pulse-api/pkg/models"
)

// ExcelImportResult Excel取り込みの結果
type ExcelImportResult struct {
	Events   []models.ProductionEvent
	Rows     int
	Rejected int
}

// excelColumns 検出した列インデックス
type excelColumns struct {
	timestamp, product, quantity, clientID, clientName, source int
}

// ExcelHistorySource 生産実績のExcelエクスポートを履歴として読み込む
type ExcelHistorySource struct {
	path       string
	normalizer *EventNormalizer
}

// NewExcelHistorySource 新しいExcel履歴ソースを作成
func NewExcelHistorySource(path string, normalizer *EventNormalizer) *ExcelHistorySource {
	return &ExcelHistorySource{path: path, normalizer: normalizer}
}

// LoadEvents [from, to) の範囲のイベントを返す
func (s *ExcelHistorySource) LoadEvents(ctx context.Context, from, to time.Time) ([]models.ProductionEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := excelize.OpenFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("Excelファイルの読み込みに失敗: %w", err)
	}
	defer f.Close()

	result, err := parseWorkbook(f, s.normalizer)
	if err != nil {
		return nil, err
	}
	return filterRange(result.Events, from, to), nil
}

// ReadExcelEvents アップロードされたExcelからイベントを読み込む
func ReadExcelEvents(r io.Reader, normalizer *EventNormalizer) (*ExcelImportResult, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("Excelファイルの読み込みに失敗: %w", err)
	}
	defer f.Close()
	return parseWorkbook(f, normalizer)
}

// ReadCSVEvents 同じ列構成のCSVからイベントを読み込む
func ReadCSVEvents(r io.Reader, normalizer *EventNormalizer) (*ExcelImportResult, error) {
	rows, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("CSVファイルの解析に失敗: %w", err)
	}
	return parseRows(rows, normalizer, "csv")
}

func parseWorkbook(f *excelize.File, normalizer *EventNormalizer) (*ExcelImportResult, error) {
	rows, err := f.GetRows(f.GetSheetName(0))
	if err != nil {
		return nil, fmt.Errorf("Excelシートの行取得に失敗: %w", err)
	}
	return parseRows(rows, normalizer, "excel")
}

// parseRows 1行目をヘッダーとして列を検出し、各行を正規化する
func parseRows(rows [][]string, normalizer *EventNormalizer, defaultSource string) (*ExcelImportResult, error) {
	if len(rows) < 2 {
		return nil, fmt.Errorf("ファイルにはヘッダー行と少なくとも1行のデータが必要です")
	}

	cols, err := detectColumns(rows[0])
	if err != nil {
		return nil, err
	}

	result := &ExcelImportResult{Events: make([]models.ProductionEvent, 0, len(rows)-1)}
	for _, row := range rows[1:] {
		if isBlankRow(row) {
			continue
		}
		result.Rows++
		raw := models.RawEvent{
			Timestamp:   cell(row, cols.timestamp),
			ProductName: cell(row, cols.product),
			Quantity:    parseQuantity(cell(row, cols.quantity)),
			ClientID:    cell(row, cols.clientID),
			ClientName:  cell(row, cols.clientName),
			Source:      cell(row, cols.source),
		}
		if raw.Source == "" {
			raw.Source = defaultSource
		}
		event, err := normalizer.Normalize(raw)
		if err != nil {
			result.Rejected++
			continue
		}
		result.Events = append(result.Events, event)
	}

	log.Printf("[履歴] %sから%d行を読み込みました（取り込み%d件、除外%d件）", defaultSource, result.Rows, len(result.Events), result.Rejected)
	return result, nil
}

func detectColumns(header []string) (excelColumns, error) {
	cols := excelColumns{
		timestamp:  findIndex(header, "timestamp", "datetime", "date", "日時", "日付"),
		product:    findIndex(header, "product_name", "product", "製品名", "製品", "商品名"),
		quantity:   findIndex(header, "quantity", "weight", "qty", "数量", "重量"),
		clientID:   findIndex(header, "client_id", "取引先ID", "顧客ID"),
		clientName: findIndex(header, "client_name", "client", "取引先名", "取引先", "顧客名"),
		source:     findIndex(header, "source", "ソース", "ライン"),
	}

	var missing []string
	if cols.timestamp == -1 {
		missing = append(missing, "日時")
	}
	if cols.product == -1 {
		missing = append(missing, "製品名")
	}
	if cols.quantity == -1 {
		missing = append(missing, "数量")
	}
	if len(missing) > 0 {
		return cols, fmt.Errorf("必要な列が見つかりませんでした: %s。ヘッダー: %v", strings.Join(missing, ", "), header)
	}
	return cols, nil
}

// findIndex 候補のいずれかに一致する最初の列
func findIndex(slice []string, candidates ...string) int {
	for _, candidate := range candidates {
		for i, item := range slice {
			if strings.EqualFold(strings.TrimSpace(item), candidate) {
				return i
			}
		}
	}
	return -1
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func isBlankRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// parseQuantity 解析できない値は NaN（正規化で NonPositiveQuantity になる）
func parseQuantity(value string) float64 {
	q, err := strconv.ParseFloat(strings.ReplaceAll(value, ",", ""), 64)
	if err != nil {
		return math.NaN()
	}
	return q
}

func filterRange(events []models.ProductionEvent, from, to time.Time) []models.ProductionEvent {
	out := make([]models.ProductionEvent, 0, len(events))
	for _, e := range events {
		if !from.IsZero() && e.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && !e.Timestamp.Before(to) {
			continue
		}
		out = append(out, e)
	}
	return out
}
