package services

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"production-pulse-api/pkg/metrics"
	"production-pulse-api/pkg/models"
)

// サブモデル名
const (
	ModelPattern       = "pattern"
	ModelClient        = "client"
	ModelEMA           = "ema"
	ModelMovingAverage = "moving_average"
)

const (
	DefaultRetrainThreshold    = 10
	DefaultEMAAlpha            = 0.3
	DefaultMovingAverageWindow = 7

	// inverseErrorEpsilon 誤差0のモデルでのゼロ除算を避ける
	inverseErrorEpsilon = 1e-6
)

// ErrRetrainSkipped 重みを再計算できるだけの結果がない
var ErrRetrainSkipped = errors.New("retrain skipped: no model has usable outcomes")

// SubModel アンサンブルを構成する単純な予測モデル
type SubModel interface {
	Name() string
	Predict(date time.Time) float64
}

// patternModel 曜日バケットの平均
type patternModel struct {
	set      *PatternSet
	location *time.Location
}

func (m *patternModel) Name() string { return ModelPattern }

func (m *patternModel) Predict(date time.Time) float64 {
	return m.set.Bucket(date.In(m.location).Weekday()).AvgWeight
}

// clientTrendModel クライアントごとの日次合計に直線を当てはめて外挿し、合算する
type clientTrendModel struct {
	set      *PatternSet
	location *time.Location
}

func (m *clientTrendModel) Name() string { return ModelClient }

func (m *clientTrendModel) Predict(date time.Time) float64 {
	clients := make([]string, 0, len(m.set.ByClient))
	for key := range m.set.ByClient {
		clients = append(clients, key)
	}
	sort.Strings(clients)

	target := date.In(m.location)
	var total float64
	for _, key := range clients {
		total += m.predictClient(m.set.ByClient[key], target)
	}
	return total
}

func (m *clientTrendModel) predictClient(series []models.DailyTotal, target time.Time) float64 {
	if len(series) == 0 {
		return 0
	}
	origin, err := time.ParseInLocation(dateLayout, series[0].Date, m.location)
	if err != nil {
		return 0
	}

	xs := make([]float64, 0, len(series))
	ys := make([]float64, 0, len(series))
	for _, d := range series {
		t, err := time.ParseInLocation(dateLayout, d.Date, m.location)
		if err != nil {
			continue
		}
		xs = append(xs, daysBetween(origin, t))
		ys = append(ys, d.Weight)
	}

	reg, err := linearRegression(xs, ys)
	if err != nil {
		return math.Max(0, calculateMean(ys))
	}
	return math.Max(0, reg.Slope*daysBetween(origin, target)+reg.Intercept)
}

// emaModel 日次合計の指数移動平均
type emaModel struct {
	set   *PatternSet
	alpha float64
}

func (m *emaModel) Name() string { return ModelEMA }

func (m *emaModel) Predict(time.Time) float64 {
	if len(m.set.Daily) == 0 {
		return 0
	}
	ema := m.set.Daily[0].Weight
	for _, d := range m.set.Daily[1:] {
		ema = m.alpha*d.Weight + (1-m.alpha)*ema
	}
	return ema
}

// movingAverageModel 直近N日の日次合計の単純平均
type movingAverageModel struct {
	set    *PatternSet
	window int
}

func (m *movingAverageModel) Name() string { return ModelMovingAverage }

func (m *movingAverageModel) Predict(time.Time) float64 {
	daily := m.set.Daily
	if len(daily) > m.window {
		daily = daily[len(daily)-m.window:]
	}
	values := make([]float64, 0, len(daily))
	for _, d := range daily {
		values = append(values, d.Weight)
	}
	return calculateMean(values)
}

// ForecasterOptions アンサンブル予測の設定
type ForecasterOptions struct {
	EMAAlpha            float64
	MovingAverageWindow int
	RetrainThreshold    int
	Location            *time.Location
}

func (o ForecasterOptions) withDefaults() ForecasterOptions {
	if o.EMAAlpha <= 0 || o.EMAAlpha > 1 {
		o.EMAAlpha = DefaultEMAAlpha
	}
	if o.MovingAverageWindow <= 0 {
		o.MovingAverageWindow = DefaultMovingAverageWindow
	}
	if o.RetrainThreshold <= 0 {
		o.RetrainThreshold = DefaultRetrainThreshold
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	return o
}

// EnsembleForecaster 複数のサブモデルを重み付き平均で統合し、実績から重みを自己調整する
type EnsembleForecaster struct {
	mu             sync.RWMutex
	opts           ForecasterOptions
	patterns       *PatternSet
	subModels      []SubModel
	weights        models.EnsembleWeights
	outcomes       []models.PredictionOutcome
	lastRetrainLen int
	now            func() time.Time
}

// NewEnsembleForecaster 均等な重みで初期化する
func NewEnsembleForecaster(opts ForecasterOptions) *EnsembleForecaster {
	f := &EnsembleForecaster{
		opts:    opts.withDefaults(),
		weights: make(models.EnsembleWeights),
		now:     time.Now,
	}
	for _, name := range ModelNames() {
		f.weights[name] = 1.0 / float64(len(ModelNames()))
	}
	f.SetPatterns(&PatternSet{ByClient: map[string][]models.DailyTotal{}})
	return f
}

// ModelNames サブモデル名（固定順）
func ModelNames() []string {
	return []string{ModelPattern, ModelClient, ModelEMA, ModelMovingAverage}
}

// SetPatterns 履歴の畳み込み結果を差し替え、サブモデルを再構築する
func (f *EnsembleForecaster) SetPatterns(set *PatternSet) {
	if set == nil {
		return
	}
	subModels := []SubModel{
		&patternModel{set: set, location: f.opts.Location},
		&clientTrendModel{set: set, location: f.opts.Location},
		&emaModel{set: set, alpha: f.opts.EMAAlpha},
		&movingAverageModel{set: set, window: f.opts.MovingAverageWindow},
	}

	f.mu.Lock()
	f.patterns = set
	f.subModels = subModels
	f.mu.Unlock()
}

// Patterns 現在の畳み込み結果
func (f *EnsembleForecaster) Patterns() *PatternSet {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.patterns
}

// PredictAll 全サブモデルの予測値を返す
func (f *EnsembleForecaster) PredictAll(date time.Time) map[string]float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.predictLocked(date)
}

// ForecastSnapshot 同じパターン世代・同じ重みから得た予測一式
type ForecastSnapshot struct {
	Bucket   models.WeeklyPatternBucket
	Outputs  map[string]float64
	Ensemble models.EnsemblePrediction
}

// Snapshot 曜日バケット・サブモデル予測・加重平均を一度のロックで求める
func (f *EnsembleForecaster) Snapshot(date time.Time) ForecastSnapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	outputs := f.predictLocked(date)
	return ForecastSnapshot{
		Bucket:   f.patterns.Bucket(date.In(f.opts.Location).Weekday()),
		Outputs:  outputs,
		Ensemble: ensemblePrediction(outputs, f.weights),
	}
}

func (f *EnsembleForecaster) predictLocked(date time.Time) map[string]float64 {
	outputs := make(map[string]float64, len(f.subModels))
	for _, m := range f.subModels {
		outputs[m.Name()] = m.Predict(date)
	}
	return outputs
}

// CalculateEnsemblePrediction 現在の重みで加重平均する。
// 信頼度はサブモデル間の一致度（変動係数が小さいほど高い）を [0,1] に収めたもの。
func (f *EnsembleForecaster) CalculateEnsemblePrediction(outputs map[string]float64) models.EnsemblePrediction {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return ensemblePrediction(outputs, f.weights)
}

func ensemblePrediction(outputs map[string]float64, weights models.EnsembleWeights) models.EnsemblePrediction {
	names := make([]string, 0, len(outputs))
	for name := range outputs {
		names = append(names, name)
	}
	sort.Strings(names)

	values := make([]float64, 0, len(names))
	var weighted, weightSum float64
	for _, name := range names {
		v := outputs[name]
		values = append(values, v)
		w := weights[name]
		weighted += w * v
		weightSum += w
	}
	if len(values) == 0 {
		return models.EnsemblePrediction{}
	}

	var prediction float64
	if weightSum > 0 {
		prediction = weighted / weightSum
	} else {
		prediction = calculateMean(values)
	}

	return models.EnsemblePrediction{
		Prediction: math.Max(0, prediction),
		Confidence: agreementConfidence(values),
	}
}

// RecordPredictionOutcome 実績を追記し、前回の再計算から閾値件数増えていれば重みを再計算する
func (f *EnsembleForecaster) RecordPredictionOutcome(date string, predicted, actual float64, modelSource string) (models.PredictionOutcome, bool, error) {
	if _, err := time.Parse(dateLayout, date); err != nil {
		return models.PredictionOutcome{}, false, fmt.Errorf("日付の形式が不正です（YYYY-MM-DD）: %w", err)
	}
	if math.IsNaN(predicted) || math.IsNaN(actual) || predicted < 0 || actual < 0 {
		return models.PredictionOutcome{}, false, fmt.Errorf("予測値・実績値は0以上である必要があります")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	outcome := models.PredictionOutcome{
		Date:            date,
		PredictedWeight: predicted,
		ActualWeight:    actual,
		ModelSource:     modelSource,
		RecordedAt:      f.now(),
	}
	f.outcomes = append(f.outcomes, outcome)

	if len(f.outcomes)-f.lastRetrainLen < f.opts.RetrainThreshold {
		return outcome, false, nil
	}
	if _, err := f.retuneLocked(); err != nil {
		if errors.Is(err, ErrRetrainSkipped) {
			return outcome, false, nil
		}
		return outcome, false, err
	}
	return outcome, true, nil
}

// RetuneWeights モデルごとのMAPEから重みを再計算する（重み ∝ 1/(誤差+ε)）。
// 結果のないモデルは従来の重みを維持する。
func (f *EnsembleForecaster) RetuneWeights() (models.EnsembleWeights, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.retuneLocked()
}

// Restore チェックポイントから結果ログを復元する
func (f *EnsembleForecaster) Restore(outcomes []models.PredictionOutcome) {
	if len(outcomes) == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, outcomes...)
	log.Printf("[予測] 実績ログを復元しました: %d件", len(outcomes))
	if len(f.outcomes)-f.lastRetrainLen >= f.opts.RetrainThreshold {
		if _, err := f.retuneLocked(); err != nil {
			log.Printf("[予測] 復元後の重み再計算をスキップ: %v", err)
		}
	}
}

// Weights 現在の重みのコピー
func (f *EnsembleForecaster) Weights() models.EnsembleWeights {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return copyWeights(f.weights)
}

// Outcomes 結果ログのコピー
func (f *EnsembleForecaster) Outcomes() []models.PredictionOutcome {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]models.PredictionOutcome, len(f.outcomes))
	copy(out, f.outcomes)
	return out
}

func (f *EnsembleForecaster) retuneLocked() (models.EnsembleWeights, error) {
	errorsByModel := make(map[string][]float64)
	for _, o := range f.outcomes {
		if _, known := f.weights[o.ModelSource]; !known || o.ActualWeight == 0 {
			continue
		}
		ape := math.Abs(o.PredictedWeight-o.ActualWeight) / math.Abs(o.ActualWeight)
		errorsByModel[o.ModelSource] = append(errorsByModel[o.ModelSource], ape)
	}
	if len(errorsByModel) == 0 {
		// 同じ件数で再試行しないよう、次の判定はここから数える
		f.lastRetrainLen = len(f.outcomes)
		metrics.RecordRetrain("skipped")
		log.Printf("[予測] 重みの再計算をスキップ: 利用可能な実績がありません（%d件）", len(f.outcomes))
		return nil, ErrRetrainSkipped
	}

	prior := normalizeWeights(f.weights)

	// 実績のないモデルの重みは固定し、残りを誤差の逆数で配分する
	fixedMass := 0.0
	inverse := make(map[string]float64)
	inverseSum := 0.0
	for _, name := range ModelNames() {
		apes, ok := errorsByModel[name]
		if !ok {
			fixedMass += prior[name]
			continue
		}
		inv := 1 / (calculateMean(apes) + inverseErrorEpsilon)
		inverse[name] = inv
		inverseSum += inv
	}
	free := 1 - fixedMass

	next := make(models.EnsembleWeights, len(prior))
	for name, w := range prior {
		if inv, ok := inverse[name]; ok {
			next[name] = free * inv / inverseSum
		} else {
			next[name] = w
		}
	}

	f.weights = normalizeWeights(next)
	f.lastRetrainLen = len(f.outcomes)
	metrics.RecordRetrain("ok")
	log.Printf("[予測] 重みを再計算しました（実績%d件）: %v", len(f.outcomes), f.weights)
	return copyWeights(f.weights), nil
}

// agreementConfidence 1 - 変動係数 を [0,1] に収める
func agreementConfidence(values []float64) float64 {
	mean := calculateMean(values)
	if mean <= 0 {
		return 0
	}
	cv := calculateStandardDeviation(values) / mean
	return clamp(1-cv, 0, 1)
}

func normalizeWeights(weights models.EnsembleWeights) models.EnsembleWeights {
	out := make(models.EnsembleWeights, len(weights))
	var total float64
	for _, w := range weights {
		if w > 0 {
			total += w
		}
	}
	for name, w := range weights {
		switch {
		case total == 0:
			out[name] = 1.0 / float64(len(weights))
		case w > 0:
			out[name] = w / total
		default:
			out[name] = 0
		}
	}
	return out
}

func copyWeights(weights models.EnsembleWeights) models.EnsembleWeights {
	out := make(models.EnsembleWeights, len(weights))
	for k, v := range weights {
		out[k] = v
	}
	return out
}

func daysBetween(from, to time.Time) float64 {
	return to.Sub(from).Hours() / 24
}
