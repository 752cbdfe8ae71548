package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"production-pulse-api/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryHistory 固定のイベントを返す履歴ソース
type memoryHistory struct {
	events []models.ProductionEvent
	err    error
	calls  int
}

func (h *memoryHistory) LoadEvents(_ context.Context, from, to time.Time) ([]models.ProductionEvent, error) {
	h.calls++
	if h.err != nil {
		return nil, h.err
	}
	return filterRange(h.events, from, to), nil
}

// memoryOutcomes メモリ上の実績ストア
type memoryOutcomes struct {
	mu       sync.Mutex
	outcomes []models.PredictionOutcome
	err      error
}

func (s *memoryOutcomes) Append(_ context.Context, o models.PredictionOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.outcomes = append(s.outcomes, o)
	return nil
}

func (s *memoryOutcomes) Load(context.Context) ([]models.PredictionOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.PredictionOutcome(nil), s.outcomes...), nil
}

// 2025-01-20 は月曜
var engineNow = time.Date(2025, 1, 20, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, history HistorySource, outcomes OutcomeStore) (*Engine, *testClock) {
	t.Helper()
	e, err := NewEngine(EngineOptions{Location: time.UTC}, history, outcomes)
	require.NoError(t, err)
	clock := newTestClock(engineNow)
	e.SetClock(clock.Now)
	t.Cleanup(e.Close)
	return e, clock
}

func TestEngineIngestRaw(t *testing.T) {
	e, _ := newTestEngine(t, nil, nil)

	event, err := e.IngestRaw(models.RawEvent{Timestamp: "2025-01-20T11:00:00Z", ProductName: "Shirts", Quantity: 10})
	require.NoError(t, err)
	assert.Equal(t, "Shirts", event.ProductName)

	_, err = e.IngestRaw(models.RawEvent{Timestamp: "2025-01-20T11:00:00Z", ProductName: "unknown", Quantity: 10})
	assert.ErrorIs(t, err, ErrExcludedProduct)
	_, err = e.IngestRaw(models.RawEvent{Timestamp: "not a time", ProductName: "Shirts", Quantity: 10})
	assert.ErrorIs(t, err, ErrInvalidTimestamp)

	assert.Equal(t, uint64(2), e.DroppedCount())
	assert.Equal(t, 10.0, e.Summary().TotalItems)

	rate, ok := e.RateFor("Shirts")
	require.True(t, ok)
	assert.Equal(t, 1, rate.EntriesCount)
}

func TestEngineForecastWithoutHistory(t *testing.T) {
	e, _ := newTestEngine(t, nil, nil)

	f := e.Forecast(engineNow)
	assert.Equal(t, "2025-01-20", f.Date)
	assert.Equal(t, "Monday", f.DayOfWeek)
	assert.True(t, f.InsufficientHistory)
	assert.Equal(t, 0.0, f.Confidence)
	assert.Equal(t, 0.0, f.PredictedWeight)
	assert.Equal(t, "N/A", f.AccuracyLabel)
}

func TestEngineForecastPipeline(t *testing.T) {
	e, _ := newTestEngine(t, nil, nil)
	e.LoadHistory(mondayHistory())

	f := e.Forecast(engineNow)
	require.False(t, f.InsufficientHistory)
	assert.Equal(t, 850.0, f.HistoricalAverage)
	assert.Equal(t, 0.90, f.SeasonalMultiplier)
	assert.InDelta(t, f.RawPrediction*0.90, f.SeasonallyAdjusted, 1e-9)
	assert.InDelta(t, f.SeasonallyAdjusted, f.PredictedWeight, 1e-9)
	assert.Nil(t, f.Adjustment)
	assert.Len(t, f.ModelOutputs, 4)

	assert.LessOrEqual(t, f.ConfidenceInterval.Lower, f.PredictedWeight)
	assert.GreaterOrEqual(t, f.ConfidenceInterval.Upper, f.PredictedWeight)
	assert.Greater(t, f.Confidence, 0.0)
	assert.LessOrEqual(t, f.Confidence, 0.5) // バケットの信頼度 2/4 が上限
	assert.NotEmpty(t, f.Severity)

	// 同曜日データのない日
	tuesday := e.Forecast(engineNow.AddDate(0, 0, 1))
	assert.True(t, tuesday.InsufficientHistory)
	assert.Equal(t, 0.0, tuesday.Confidence)
}

func TestEngineForecastAppliesInsight(t *testing.T) {
	e, _ := newTestEngine(t, nil, nil)
	e.LoadHistory(mondayHistory())

	before := e.Forecast(engineNow)
	require.NoError(t, e.SetInsights([]models.ExternalInsight{{Date: "2025-01-20", HolidayImpact: ptr(-0.5), Confidence: 1}}))
	after := e.Forecast(engineNow)

	require.NotNil(t, after.Adjustment)
	assert.Len(t, after.Adjustment.Reasoning, 1)
	assert.InDelta(t, before.PredictedWeight*0.5, after.PredictedWeight, 1e-9)

	assert.Error(t, e.SetInsights([]models.ExternalInsight{{Date: "20/01/2025"}}))
}

func TestEngineForecastRange(t *testing.T) {
	e, _ := newTestEngine(t, nil, nil)

	forecasts := e.ForecastRange(engineNow, 0)
	require.Len(t, forecasts, DefaultForecastHorizon)
	assert.Equal(t, "2025-01-20", forecasts[0].Date)
	assert.Equal(t, "2025-01-26", forecasts[6].Date)

	assert.Len(t, e.ForecastRange(engineNow, 365), MaxForecastDays)
}

func TestEngineRecordOutcomeCheckpoints(t *testing.T) {
	store := &memoryOutcomes{}
	e, _ := newTestEngine(t, nil, store)

	outcome, retrained, err := e.RecordPredictionOutcome(context.Background(), "2025-01-19", 800, 820, ModelPattern)
	require.NoError(t, err)
	assert.False(t, retrained)
	assert.True(t, outcome.RecordedAt.Equal(engineNow))

	stored, _ := store.Load(context.Background())
	assert.Len(t, stored, 1)

	// 保存に失敗しても記録は成功する
	store.err = errors.New("unavailable")
	_, _, err = e.RecordPredictionOutcome(context.Background(), "2025-01-18", 800, 820, ModelPattern)
	assert.NoError(t, err)

	_, _, err = e.RecordPredictionOutcome(context.Background(), "bad", 800, 820, ModelPattern)
	assert.Error(t, err)
}

func TestEngineWarmup(t *testing.T) {
	history := &memoryHistory{events: append(mondayHistory(),
		models.ProductionEvent{Timestamp: engineNow.Add(-time.Hour), ProductName: "Shirts", Quantity: 25, Source: "replay"},
	)}
	store := &memoryOutcomes{outcomes: []models.PredictionOutcome{
		{Date: "2025-01-13", PredictedWeight: 900, ActualWeight: 900, ModelSource: ModelEMA},
	}}
	e, _ := newTestEngine(t, history, store)

	require.NoError(t, e.Warmup(context.Background(), engineNow.AddDate(0, 0, -30), engineNow))

	assert.Equal(t, 1, history.calls)
	assert.Equal(t, 25.0, e.Summary().TotalItems)
	// 当日分は集計にだけ入り、パターンは前日までの2日分
	monday := e.Patterns()[time.Monday]
	assert.Equal(t, 2, monday.SampleDayCount)
	assert.Equal(t, 850.0, monday.AvgWeight)
	assert.Len(t, e.forecaster.Outcomes(), 1)
}

func TestEngineRebuildSkipsPartialToday(t *testing.T) {
	history := &memoryHistory{events: append(mondayHistory(),
		models.ProductionEvent{Timestamp: time.Date(2025, 1, 20, 9, 0, 0, 0, time.UTC), ProductName: "Shirts", Quantity: 100, ClientID: "C1"},
	)}
	e, _ := newTestEngine(t, history, nil)

	require.NoError(t, e.RebuildPatterns(context.Background()))

	monday := e.Patterns()[time.Monday]
	assert.Equal(t, 2, monday.SampleDayCount)
	assert.Equal(t, 850.0, monday.AvgWeight)

	forecast := e.Forecast(engineNow)
	assert.Equal(t, 850.0, forecast.HistoricalAverage)
	assert.Equal(t, 850.0, forecast.ModelOutputs[ModelPattern])
}

func TestEngineRebuildPatterns(t *testing.T) {
	e, _ := newTestEngine(t, nil, nil)
	assert.ErrorIs(t, e.RebuildPatterns(context.Background()), ErrNoHistorySource)

	history := &memoryHistory{events: mondayHistory()}
	e.SetHistorySource(history)
	require.NoError(t, e.RebuildPatterns(context.Background()))
	assert.Equal(t, 850.0, e.Patterns()[time.Monday].AvgWeight)

	history.err = errors.New("connection refused")
	assert.Error(t, e.RebuildPatterns(context.Background()))
	// 失敗時は直前のパターンを維持
	assert.Equal(t, 850.0, e.Patterns()[time.Monday].AvgWeight)
}

func TestEngineApplyTuning(t *testing.T) {
	e, _ := newTestEngine(t, nil, nil)

	seasonal := []float64{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1}
	require.NoError(t, e.ApplyTuning(Tuning{Exclusions: []string{"samples"}, SeasonalMultipliers: seasonal}))
	assert.Equal(t, 1.0, e.Forecast(engineNow).SeasonalMultiplier)

	_, err := e.IngestRaw(models.RawEvent{Timestamp: "2025-01-20T11:00:00Z", ProductName: "unknown", Quantity: 1})
	assert.NoError(t, err)
	_, err = e.IngestRaw(models.RawEvent{Timestamp: "2025-01-20T11:00:00Z", ProductName: "Samples", Quantity: 1})
	assert.ErrorIs(t, err, ErrExcludedProduct)

	assert.Error(t, e.ApplyTuning(Tuning{SeasonalMultipliers: []float64{1}}))
}

func TestEnginePublishesChanges(t *testing.T) {
	e, clock := newTestEngine(t, nil, nil)

	updates := make(chan models.Update, 16)
	id, err := e.Subscribe(func(u models.Update) error {
		updates <- u
		return nil
	})
	require.NoError(t, err)

	assert.True(t, e.publishIfChanged())
	assert.False(t, e.publishIfChanged())

	_, err = e.IngestRaw(models.RawEvent{Timestamp: "2025-01-20T11:59:00Z", ProductName: "Shirts", Quantity: 4})
	require.NoError(t, err)
	assert.True(t, e.publishIfChanged())

	// 時間経過で非稼働になったときも配信する
	clock.Advance(31 * time.Minute)
	assert.True(t, e.publishIfChanged())

	received := 0
	timeout := time.After(2 * time.Second)
	for received < 3 {
		select {
		case u := <-updates:
			assert.Equal(t, models.UpdateSummary, u.Kind)
			received++
		case <-timeout:
			t.Fatalf("received %d updates, want 3", received)
		}
	}

	// 予測の配信
	e.LoadHistory(mondayHistory())
	select {
	case u := <-updates:
		assert.Equal(t, models.UpdateForecast, u.Kind)
		assert.Len(t, u.Forecasts, DefaultForecastHorizon)
	case <-time.After(2 * time.Second):
		t.Fatal("forecast update was not delivered")
	}

	assert.True(t, e.Unsubscribe(id))
	assert.Equal(t, 0, e.SubscriberCount())
}

func TestEngineRunStopsOnCancel(t *testing.T) {
	e, err := NewEngine(EngineOptions{Location: time.UTC, PublishInterval: 10 * time.Millisecond}, nil, nil)
	require.NoError(t, err)

	updates := make(chan models.Update, 4)
	_, err = e.Subscribe(func(u models.Update) error {
		select {
		case updates <- u:
		default:
		}
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	select {
	case u := <-updates:
		assert.Equal(t, models.UpdateSummary, u.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("no update published by Run")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	assert.Equal(t, 0, e.SubscriberCount())
}
