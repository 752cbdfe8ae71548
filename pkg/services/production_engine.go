package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"production-pulse-api/pkg/metrics"
	"production-pulse-api/pkg/models"
)

const (
	DefaultPublishInterval = time.Second
	DefaultRebuildInterval = time.Hour
	DefaultHistoryDays     = 90
	DefaultForecastHorizon = 7
	MaxForecastDays        = 60
)

// ErrNoHistorySource 履歴ソースが設定されていない
var ErrNoHistorySource = errors.New("history source is not configured")

// HistorySource 過去の生産イベントの読み込み元
type HistorySource interface {
	LoadEvents(ctx context.Context, from, to time.Time) ([]models.ProductionEvent, error)
}

// OutcomeStore 予測実績ログのチェックポイント
type OutcomeStore interface {
	Append(ctx context.Context, outcome models.PredictionOutcome) error
	Load(ctx context.Context) ([]models.PredictionOutcome, error)
}

// EngineOptions エンジン全体の設定
type EngineOptions struct {
	Aggregator            AggregatorOptions
	Forecaster            ForecasterOptions
	Exclusions            []string
	SeasonalMultipliers   []float64
	SampleVarianceMinDays int
	SubscriberBuffer      int
	PublishInterval       time.Duration
	RebuildInterval       time.Duration
	HistoryDays           int
	ForecastHorizon       int
	Location              *time.Location
}

func (o EngineOptions) withDefaults() EngineOptions {
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.Aggregator.Location == nil {
		o.Aggregator.Location = o.Location
	}
	if o.Forecaster.Location == nil {
		o.Forecaster.Location = o.Location
	}
	if o.Exclusions == nil {
		o.Exclusions = DefaultExclusions
	}
	if o.PublishInterval <= 0 {
		o.PublishInterval = DefaultPublishInterval
	}
	if o.RebuildInterval <= 0 {
		o.RebuildInterval = DefaultRebuildInterval
	}
	if o.HistoryDays <= 0 {
		o.HistoryDays = DefaultHistoryDays
	}
	if o.ForecastHorizon <= 0 {
		o.ForecastHorizon = DefaultForecastHorizon
	}
	return o
}

// Tuning 実行中に差し替え可能な設定
type Tuning struct {
	Exclusions          []string
	SeasonalMultipliers []float64
}

// Engine 集計・予測の各コンポーネントをまとめるファサード
type Engine struct {
	opts        EngineOptions
	normalizer  *EventNormalizer
	aggregator  *RateAggregator
	builder     *WeeklyPatternBuilder
	forecaster  *EnsembleForecaster
	analyzer    *ForecastAnalyzer
	adjuster    *ExternalFactorAdjuster
	broadcaster *Broadcaster
	history     HistorySource
	outcomes    OutcomeStore

	insightsMu sync.RWMutex
	insights   map[string]models.ExternalInsight

	rebuildMu sync.Mutex

	publishMu     sync.Mutex
	lastVersion   uint64
	lastActive    int
	everPublished bool

	now func() time.Time
}

// NewEngine 新しいエンジンを作成する。history と outcomes は nil でもよい。
func NewEngine(opts EngineOptions, history HistorySource, outcomes OutcomeStore) (*Engine, error) {
	opts = opts.withDefaults()

	analyzer, err := NewForecastAnalyzer(opts.SeasonalMultipliers, opts.SampleVarianceMinDays)
	if err != nil {
		return nil, fmt.Errorf("予測分析器の初期化に失敗: %w", err)
	}

	normalizer := NewEventNormalizer(opts.Exclusions, opts.Location)
	return &Engine{
		opts:        opts,
		normalizer:  normalizer,
		aggregator:  NewRateAggregator(opts.Aggregator, normalizer.Validate),
		builder:     NewWeeklyPatternBuilder(opts.Location),
		forecaster:  NewEnsembleForecaster(opts.Forecaster),
		analyzer:    analyzer,
		adjuster:    NewExternalFactorAdjuster(),
		broadcaster: NewBroadcaster(opts.SubscriberBuffer),
		history:     history,
		outcomes:    outcomes,
		insights:    make(map[string]models.ExternalInsight),
		now:         time.Now,
	}, nil
}

// SetClock テスト用に時計を差し替える
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.aggregator.SetClock(now)
	e.forecaster.mu.Lock()
	e.forecaster.now = now
	e.forecaster.mu.Unlock()
}

// SetHistorySource 履歴ソースを差し替える。Run の開始前に呼ぶこと。
func (e *Engine) SetHistorySource(history HistorySource) {
	e.rebuildMu.Lock()
	e.history = history
	e.rebuildMu.Unlock()
}

// Normalizer 取り込みに使う正規化器
func (e *Engine) Normalizer() *EventNormalizer { return e.normalizer }

// Location 日付計算のタイムゾーン
func (e *Engine) Location() *time.Location { return e.opts.Location }

// --- ingest / rates ---------------------------------------------------------

// IngestRaw 生イベントを正規化して取り込む
func (e *Engine) IngestRaw(raw models.RawEvent) (models.ProductionEvent, error) {
	event, err := e.normalizer.Normalize(raw)
	if err != nil {
		e.aggregator.drop(RejectionReason(err), models.ProductionEvent{ProductName: raw.ProductName, Quantity: raw.Quantity}, err)
		return models.ProductionEvent{}, err
	}
	if err := e.aggregator.Ingest(event); err != nil {
		return models.ProductionEvent{}, err
	}
	return event, nil
}

// Ingest 正規化済みイベントを取り込む
func (e *Engine) Ingest(event models.ProductionEvent) error {
	return e.aggregator.Ingest(event)
}

// Summary 現在の集計スナップショット
func (e *Engine) Summary() models.ProductionSummary {
	return e.aggregator.Summary()
}

// RateFor 製品のレート
func (e *Engine) RateFor(productName string) (models.ProductionRate, bool) {
	return e.aggregator.RateFor(productName)
}

// Reset 集計セッションをリセットし、購読者に通知する
func (e *Engine) Reset() {
	e.aggregator.Reset()
	e.PublishSummary()
}

// DroppedCount 破棄したイベント数
func (e *Engine) DroppedCount() uint64 {
	return e.aggregator.DroppedCount()
}

// --- forecast ---------------------------------------------------------------

// Forecast 指定日の需要予測。アンサンブル → 季節補正 → 外部要因補正 → 信頼区間・異常判定。
func (e *Engine) Forecast(date time.Time) models.AnnotatedForecast {
	day := e.startOfDay(date)
	dateKey := day.Format(dateLayout)

	snap := e.forecaster.Snapshot(day)
	bucket, outputs, ensemble := snap.Bucket, snap.Outputs, snap.Ensemble

	seasonal := e.analyzer.SeasonalMultiplier(day.Month())
	adjusted := ensemble.Prediction * seasonal

	result := models.AnnotatedForecast{
		Date:               dateKey,
		DayOfWeek:          day.Weekday().String(),
		ModelOutputs:       outputs,
		RawPrediction:      ensemble.Prediction,
		EnsembleConfidence: ensemble.Confidence,
		SeasonalMultiplier: seasonal,
		SeasonallyAdjusted: adjusted,
		HistoricalAverage:  bucket.AvgWeight,
	}

	predicted := adjusted
	if insight, ok := e.Insight(dateKey); ok {
		adj := e.adjuster.Adjust(predicted, insight)
		result.Adjustment = &adj
		predicted = adj.AdjustedPrediction
	}
	if predicted < 0 {
		predicted = 0
	}
	result.PredictedWeight = predicted

	stdDev := e.analyzer.StdDevFor(bucket)
	result.ConfidenceInterval = e.analyzer.ConfidenceInterval(predicted, bucket)
	result.ZScore = ZScore(predicted, bucket.AvgWeight, stdDev)
	result.IsAnomalous = IsAnomalous(result.ZScore)
	result.Severity = Severity(result.ZScore)
	result.AccuracyLabel = AccuracyLabel(predicted, bucket.AvgWeight)

	volatilityStdDev := stdDev
	if bucket.SampleDayCount >= 2 {
		volatilityStdDev = bucket.StdDevWeight
	}
	result.VolatilityLabel = VolatilityLabel(volatilityStdDev*volatilityStdDev, bucket.AvgWeight)

	if bucket.SampleDayCount == 0 {
		result.InsufficientHistory = true
		result.Confidence = 0
	} else {
		result.Confidence = clamp(ensemble.Confidence*bucket.Confidence, 0, 1)
	}
	return result
}

// ForecastRange start から days 日分の予測
func (e *Engine) ForecastRange(start time.Time, days int) []models.AnnotatedForecast {
	if days <= 0 {
		days = e.opts.ForecastHorizon
	}
	if days > MaxForecastDays {
		days = MaxForecastDays
	}
	day := e.startOfDay(start)
	forecasts := make([]models.AnnotatedForecast, 0, days)
	for i := 0; i < days; i++ {
		forecasts = append(forecasts, e.Forecast(day.AddDate(0, 0, i)))
	}
	return forecasts
}

// Adjust 外部要因による補正を単体で行う
func (e *Engine) Adjust(basePrediction float64, insight models.ExternalInsight) models.AdjustmentResult {
	return e.adjuster.Adjust(basePrediction, insight)
}

// SetInsights 日付ごとの外部要因を登録（同じ日付は上書き）し、予測を再配信する
func (e *Engine) SetInsights(insights []models.ExternalInsight) error {
	for _, in := range insights {
		if _, err := time.ParseInLocation(dateLayout, in.Date, e.opts.Location); err != nil {
			return fmt.Errorf("日付の形式が不正です（YYYY-MM-DD）: %q", in.Date)
		}
	}

	e.insightsMu.Lock()
	for _, in := range insights {
		e.insights[in.Date] = in
	}
	e.insightsMu.Unlock()

	e.PublishForecast()
	return nil
}

// Insight 日付の外部要因
func (e *Engine) Insight(date string) (models.ExternalInsight, bool) {
	e.insightsMu.RLock()
	defer e.insightsMu.RUnlock()
	in, ok := e.insights[date]
	return in, ok
}

// RecordPredictionOutcome 実績を記録する。重みを再計算した場合は予測を再配信する。
// チェックポイントへの保存失敗はログに残すのみ。
func (e *Engine) RecordPredictionOutcome(ctx context.Context, date string, predicted, actual float64, modelSource string) (models.PredictionOutcome, bool, error) {
	outcome, retrained, err := e.forecaster.RecordPredictionOutcome(date, predicted, actual, modelSource)
	if err != nil {
		return outcome, false, err
	}

	if e.outcomes != nil {
		if err := e.outcomes.Append(ctx, outcome); err != nil {
			log.Printf("[予測] 実績ログの保存に失敗しました: %v", err)
		}
	}
	if retrained {
		e.PublishForecast()
	}
	return outcome, retrained, nil
}

// Weights 現在のアンサンブル重み
func (e *Engine) Weights() models.EnsembleWeights {
	return e.forecaster.Weights()
}

// Patterns 曜日パターン
func (e *Engine) Patterns() [7]models.WeeklyPatternBucket {
	return e.forecaster.Patterns().Buckets
}

// --- history ----------------------------------------------------------------

// Warmup 実績ログを復元し、[from, to) のうち前日までの履歴から曜日パターンを構築する。
// 現在のセッションに含まれるイベントは集計ウィンドウにも取り込む。
func (e *Engine) Warmup(ctx context.Context, from, to time.Time) error {
	if e.outcomes != nil {
		restored, err := e.outcomes.Load(ctx)
		if err != nil {
			log.Printf("[予測] 実績ログの復元に失敗しました: %v", err)
		} else {
			e.forecaster.Restore(restored)
		}
	}

	if e.history == nil {
		return nil
	}
	events, err := e.history.LoadEvents(ctx, from, to)
	if err != nil {
		return fmt.Errorf("履歴の読み込みに失敗: %w", err)
	}

	// パターンは前日までの確定した日だけで作る
	today := e.startOfDay(e.now())
	completed := make([]models.ProductionEvent, 0, len(events))
	for _, ev := range events {
		if ev.Timestamp.Before(today) {
			completed = append(completed, ev)
		}
	}
	e.LoadHistory(completed)

	cutoff := e.windowStart()
	replayed := 0
	for _, ev := range events {
		if ev.Timestamp.Before(cutoff) {
			continue
		}
		if err := e.aggregator.Ingest(ev); err == nil {
			replayed++
		}
	}
	log.Printf("[集計] ウォームアップ完了: 履歴%d件（パターン%d件）、セッションへ再投入%d件", len(events), len(completed), replayed)
	return nil
}

// RebuildPatterns 履歴ソースから直近 HistoryDays 日分を読み直してパターンを再構築する
func (e *Engine) RebuildPatterns(ctx context.Context) error {
	if e.history == nil {
		return ErrNoHistorySource
	}
	// 当日分は途中なので含めない
	to := e.startOfDay(e.now())
	from := to.AddDate(0, 0, -e.opts.HistoryDays)
	events, err := e.history.LoadEvents(ctx, from, to)
	if err != nil {
		return fmt.Errorf("履歴の読み込みに失敗: %w", err)
	}
	e.LoadHistory(events)
	return nil
}

// LoadHistory 渡されたイベントから曜日パターンを構築して差し替える
func (e *Engine) LoadHistory(events []models.ProductionEvent) *PatternSet {
	e.rebuildMu.Lock()
	start := time.Now()
	set := e.builder.Fold(events)
	e.forecaster.SetPatterns(set)
	metrics.PatternRebuildDuration.Observe(time.Since(start).Seconds())
	e.rebuildMu.Unlock()

	log.Printf("[予測] 曜日パターンを再構築しました: イベント%d件、%d日分", set.Events, len(set.Daily))
	e.PublishForecast()
	return set
}

// ApplyTuning 除外リストと季節係数を差し替える
func (e *Engine) ApplyTuning(t Tuning) error {
	if t.SeasonalMultipliers != nil {
		if err := e.analyzer.SetSeasonalMultipliers(t.SeasonalMultipliers); err != nil {
			return err
		}
	}
	if t.Exclusions != nil {
		e.normalizer.SetExclusions(t.Exclusions)
	}
	log.Printf("[予測] 設定を再読み込みしました")
	e.PublishForecast()
	return nil
}

// --- subscriptions ----------------------------------------------------------

// Subscribe 集計・予測の更新を購読する
func (e *Engine) Subscribe(listener Listener) (SubscriptionID, error) {
	return e.broadcaster.Subscribe(listener)
}

// Unsubscribe 購読を解除する
func (e *Engine) Unsubscribe(id SubscriptionID) bool {
	return e.broadcaster.Unsubscribe(id)
}

// SubscriberCount 現在の購読者数
func (e *Engine) SubscriberCount() int {
	return e.broadcaster.Count()
}

// PublishSummary 集計スナップショットを配信する
func (e *Engine) PublishSummary() {
	summary := e.aggregator.Summary()
	version := e.aggregator.Version()

	e.publishMu.Lock()
	e.lastVersion = version
	e.lastActive = summary.ActiveProducts
	e.everPublished = true
	e.publishMu.Unlock()

	e.broadcaster.Publish(models.Update{
		Kind:        models.UpdateSummary,
		Summary:     &summary,
		PublishedAt: e.now(),
	})
}

// PublishForecast 今日から ForecastHorizon 日分の予測を配信する
func (e *Engine) PublishForecast() {
	if e.broadcaster.Count() == 0 {
		return
	}
	forecasts := e.ForecastRange(e.now(), e.opts.ForecastHorizon)
	e.broadcaster.Publish(models.Update{
		Kind:        models.UpdateForecast,
		Forecasts:   forecasts,
		PublishedAt: e.now(),
	})
}

// publishIfChanged ウィンドウの変更、または稼働中製品数の変化（時間経過による非稼働化）があれば配信する
func (e *Engine) publishIfChanged() bool {
	version := e.aggregator.Version()
	summary := e.aggregator.Summary()

	e.publishMu.Lock()
	changed := !e.everPublished || version != e.lastVersion || summary.ActiveProducts != e.lastActive
	if changed {
		e.lastVersion = version
		e.lastActive = summary.ActiveProducts
		e.everPublished = true
	}
	e.publishMu.Unlock()

	if !changed {
		return false
	}
	e.broadcaster.Publish(models.Update{
		Kind:        models.UpdateSummary,
		Summary:     &summary,
		PublishedAt: e.now(),
	})
	return true
}

// Run ctx が終了するまで定期的に古いイベントを削除し、変更を配信し、パターンを再構築する
func (e *Engine) Run(ctx context.Context) {
	publishTicker := time.NewTicker(e.opts.PublishInterval)
	defer publishTicker.Stop()
	rebuildTicker := time.NewTicker(e.opts.RebuildInterval)
	defer rebuildTicker.Stop()
	defer e.broadcaster.Close()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[配信] エンジンを停止します")
			return
		case <-publishTicker.C:
			if removed := e.aggregator.Prune(e.now()); removed > 0 {
				log.Printf("[集計] 保持期間外のイベントを%d件削除しました", removed)
			}
			e.publishIfChanged()
		case <-rebuildTicker.C:
			if e.history == nil {
				continue
			}
			if err := e.RebuildPatterns(ctx); err != nil {
				log.Printf("[予測] 定期再構築に失敗しました: %v", err)
			}
		}
	}
}

// Close 購読をすべて解除する
func (e *Engine) Close() {
	e.broadcaster.Close()
}

// --- internal ---------------------------------------------------------------

func (e *Engine) startOfDay(t time.Time) time.Time {
	local := t.In(e.opts.Location)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, e.opts.Location)
}

func (e *Engine) windowStart() time.Time {
	e.aggregator.mu.RLock()
	defer e.aggregator.mu.RUnlock()
	return e.aggregator.cutoffLocked(e.aggregator.now())
}
