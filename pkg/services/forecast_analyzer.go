package services

import (
	"fmt"
	"math"
	"sync"
	"time"

	"production-pulse-api/pkg/models"
)

const (
	// confidenceZ 95%信頼区間のz値
	confidenceZ = 1.96

	// AnomalyZThreshold |z| がこれを超えると異常
	AnomalyZThreshold = 2.5

	// HeuristicStdDevRatio 分散が得られないときの標準偏差の近似（平均の15%）。
	// 統計的に導いた値ではなく、運用上の経験則。
	HeuristicStdDevRatio = 0.15

	labelNotAvailable = "N/A"
)

// DefaultSeasonalMultipliers 月ごとの需要変動（1月〜12月）
var DefaultSeasonalMultipliers = []float64{
	0.90, // 1月
	0.92, // 2月
	1.00, // 3月
	1.02, // 4月
	1.05, // 5月
	1.08, // 6月
	1.10, // 7月
	1.05, // 8月
	1.00, // 9月
	1.00, // 10月
	1.10, // 11月
	1.15, // 12月
}

// ForecastAnalyzer 予測値に信頼区間・季節補正を付与する
type ForecastAnalyzer struct {
	mu       sync.RWMutex
	seasonal [12]float64
	// sampleVarianceMinDays > 0 のとき、同曜日サンプルがこの日数以上あれば標本標準偏差を使う
	sampleVarianceMinDays int
}

// NewForecastAnalyzer seasonal が nil なら既定の季節係数を使う
func NewForecastAnalyzer(seasonal []float64, sampleVarianceMinDays int) (*ForecastAnalyzer, error) {
	a := &ForecastAnalyzer{sampleVarianceMinDays: sampleVarianceMinDays}
	if seasonal == nil {
		seasonal = DefaultSeasonalMultipliers
	}
	if err := a.SetSeasonalMultipliers(seasonal); err != nil {
		return nil, err
	}
	return a, nil
}

// SetSeasonalMultipliers 季節係数を差し替える（12個、すべて正）
func (a *ForecastAnalyzer) SetSeasonalMultipliers(values []float64) error {
	if len(values) != 12 {
		return fmt.Errorf("季節係数は12個必要です（%d個）", len(values))
	}
	var table [12]float64
	for i, v := range values {
		if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%d月の季節係数が不正です: %v", i+1, v)
		}
		table[i] = v
	}
	a.mu.Lock()
	a.seasonal = table
	a.mu.Unlock()
	return nil
}

// SeasonalMultiplier 月の季節係数
func (a *ForecastAnalyzer) SeasonalMultiplier(month time.Month) float64 {
	if month < time.January || month > time.December {
		return 1.0
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.seasonal[month-1]
}

// StdDevFor 曜日バケットの標準偏差
func (a *ForecastAnalyzer) StdDevFor(bucket models.WeeklyPatternBucket) float64 {
	if a.sampleVarianceMinDays > 0 && bucket.SampleDayCount >= a.sampleVarianceMinDays && bucket.StdDevWeight > 0 {
		return bucket.StdDevWeight
	}
	return bucket.AvgWeight * HeuristicStdDevRatio
}

// ConfidenceInterval 正規近似で margin = 1.96σ。下限は0で切る。
func (a *ForecastAnalyzer) ConfidenceInterval(prediction float64, bucket models.WeeklyPatternBucket) models.ConfidenceInterval {
	margin := confidenceZ * math.Abs(a.StdDevFor(bucket))
	lower := prediction - margin
	if lower < 0 && prediction >= 0 {
		lower = 0
	}
	return models.ConfidenceInterval{
		Lower:  lower,
		Upper:  prediction + margin,
		Margin: margin,
	}
}

// ZScore (予測 - 過去平均) / 標準偏差。標準偏差が0なら0。
func ZScore(prediction, historicalAvg, stdDev float64) float64 {
	if stdDev <= 0 {
		return 0
	}
	return (prediction - historicalAvg) / stdDev
}

// IsAnomalous |z| > 2.5
func IsAnomalous(zScore float64) bool {
	return math.Abs(zScore) > AnomalyZThreshold
}

// Severity 異常の深刻度
func Severity(zScore float64) string {
	abs := math.Abs(zScore)
	switch {
	case abs > 4.0:
		return "critical" // 極めて異常
	case abs > 3.5:
		return "high"
	case abs > 3.0:
		return "medium"
	case abs > AnomalyZThreshold:
		return "low"
	default:
		return "normal"
	}
}

// AccuracyLabel 精度 = 100 - |予測-実績|/実績*100 に基づくラベル
func AccuracyLabel(predicted, historical float64) string {
	if historical == 0 {
		return labelNotAvailable
	}
	accuracy := 100 - math.Abs(predicted-historical)*100/math.Abs(historical)
	switch {
	case accuracy >= 95:
		return "Excellent"
	case accuracy >= 85:
		return "Good"
	case accuracy >= 70:
		return "Fair"
	default:
		return "Needs Improvement"
	}
}

// VolatilityLabel 変動係数（%）に基づくラベル
func VolatilityLabel(variance, mean float64) string {
	if mean == 0 {
		return labelNotAvailable
	}
	cv := math.Sqrt(math.Max(0, variance)) / math.Abs(mean) * 100
	switch {
	case cv < 10:
		return "Low"
	case cv < 25:
		return "Moderate"
	default:
		return "High"
	}
}
