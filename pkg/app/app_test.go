package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	config "production-pulse-api/configs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

// writeHistory 1週間前と2週間前の同じ曜日に2件ずつの実績を書き出す
func writeHistory(t *testing.T, path string, now time.Time) {
	t.Helper()
	f := excelize.NewFile()
	rows := [][]any{{"timestamp", "product_name", "quantity", "client_id"}}
	for _, weeks := range []int{1, 2} {
		day := now.AddDate(0, 0, -7*weeks)
		date := time.Date(day.Year(), day.Month(), day.Day(), 9, 0, 0, 0, time.UTC)
		rows = append(rows,
			[]any{date.Format(time.RFC3339), "Shirts", 300, "C1"},
			[]any{date.Add(2 * time.Hour).Format(time.RFC3339), "Towels", 500, "C2"},
		)
	}
	for i, row := range rows {
		axis, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("Sheet1", axis, &row))
	}
	require.NoError(t, f.SaveAs(path))
}

func TestBuildWithExcelHistory(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().UTC()
	historyPath := filepath.Join(dir, "history.xlsx")
	writeHistory(t, historyPath, now)

	enginePath := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(enginePath, []byte("aggregation:\n  top_n: 3\n"), 0o644))

	cfg := &config.Config{
		Port:             "0",
		Timezone:         "UTC",
		HistoryFile:      historyPath,
		HistoryDays:      30,
		EngineConfigPath: enginePath,
	}

	application, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	defer application.Close()

	assert.Equal(t, 3, application.EngineConfig.Aggregation.TopN)

	bucket := application.Engine.Patterns()[now.Weekday()]
	assert.Equal(t, 2, bucket.SampleDayCount)
	assert.Equal(t, 800.0, bucket.AvgWeight)

	require.NoError(t, application.Engine.RebuildPatterns(context.Background()))
}

func TestBuildSkipsUnreachableBackends(t *testing.T) {
	cfg := &config.Config{
		Timezone:    "UTC",
		RedisURL:    "not-a-url",
		HistoryDays: 30,
	}

	application, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	defer application.Close()

	// 履歴ソースなしでも起動する
	assert.Error(t, application.Engine.RebuildPatterns(context.Background()))
}
