package services

import (
	"fmt"
	"math"

	"production-pulse-api/pkg/models"
)

// ExternalFactorAdjuster 呼び出し側から渡された外部要因で予測値を補正する。
// 外部データの取得は行わない。
type ExternalFactorAdjuster struct{}

// NewExternalFactorAdjuster 新しい補正器を作成
func NewExternalFactorAdjuster() *ExternalFactorAdjuster {
	return &ExternalFactorAdjuster{}
}

// externalFactor 補正に使う1要因
type externalFactor struct {
	label  string
	impact *float64
}

// Adjust 各要因の乗数 max(0, 1 + impact×信頼度) の積を掛ける。存在しない要因は1.0。
func (a *ExternalFactorAdjuster) Adjust(basePrediction float64, insight models.ExternalInsight) models.AdjustmentResult {
	weight := insight.Confidence
	if weight <= 0 || math.IsNaN(weight) {
		weight = 1.0 // 信頼度未指定
	}
	weight = clamp(weight, 0, 1)

	factors := []externalFactor{
		{label: "天候", impact: insight.WeatherImpact},
		{label: "祝日", impact: insight.HolidayImpact},
		{label: "経済", impact: insight.EconomicImpact},
	}

	adjustment := 1.0
	reasoning := []string{}
	for _, f := range factors {
		if f.impact == nil || math.IsNaN(*f.impact) {
			continue
		}
		multiplier := math.Max(0, 1+*f.impact*weight)
		adjustment *= multiplier
		reasoning = append(reasoning, describeFactor(f.label, multiplier))
	}

	return models.AdjustmentResult{
		AdjustedPrediction: basePrediction * adjustment,
		AdjustmentFactor:   adjustment,
		Reasoning:          reasoning,
	}
}

func describeFactor(label string, multiplier float64) string {
	change := (multiplier - 1) * 100
	switch {
	case change > 0:
		return fmt.Sprintf("%s要因: +%.1f%%（需要増加）", label, change)
	case change < 0:
		return fmt.Sprintf("%s要因: %.1f%%（需要減少）", label, change)
	default:
		return fmt.Sprintf("%s要因: 影響なし", label)
	}
}
