package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"production-pulse-api/pkg/services"
)

// EngineConfig はengine.yamlの構造を定義
type EngineConfig struct {
	// Exclusions 集計から除外する製品名（大文字小文字は区別しない）
	Exclusions  []string          `yaml:"exclusions"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Forecast    ForecastConfig    `yaml:"forecast"`
	Stream      StreamConfig      `yaml:"stream"`
}

// AggregationConfig レート集計の設定
type AggregationConfig struct {
	// Retention 0 なら当日のセッションを保持する
	Retention         time.Duration `yaml:"retention"`
	ActivityThreshold time.Duration `yaml:"activity_threshold"`
	TopN              int           `yaml:"top_n"`
	RecentN           int           `yaml:"recent_n"`
	MaxClockSkew      time.Duration `yaml:"max_clock_skew"`
}

// ForecastConfig 予測の設定
type ForecastConfig struct {
	RetrainThreshold      int       `yaml:"retrain_threshold"`
	EMAAlpha              float64   `yaml:"ema_alpha"`
	MovingAverageWindow   int       `yaml:"moving_average_window"`
	SeasonalMultipliers   []float64 `yaml:"seasonal_multipliers"`
	SampleVarianceMinDays int       `yaml:"sample_variance_min_days"`
	HorizonDays           int       `yaml:"horizon_days"`
}

// StreamConfig 配信・再構築の設定
type StreamConfig struct {
	PublishInterval  time.Duration `yaml:"publish_interval"`
	RebuildInterval  time.Duration `yaml:"rebuild_interval"`
	SubscriberBuffer int           `yaml:"subscriber_buffer"`
}

// DefaultEngineConfig 設定ファイルがない場合の既定値
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		Exclusions: append([]string(nil), services.DefaultExclusions...),
		Aggregation: AggregationConfig{
			ActivityThreshold: services.DefaultActivityThreshold,
			TopN:              services.DefaultTopProducts,
			RecentN:           services.DefaultRecentEntries,
			MaxClockSkew:      services.DefaultMaxClockSkew,
		},
		Forecast: ForecastConfig{
			RetrainThreshold:    services.DefaultRetrainThreshold,
			EMAAlpha:            services.DefaultEMAAlpha,
			MovingAverageWindow: services.DefaultMovingAverageWindow,
			SeasonalMultipliers: append([]float64(nil), services.DefaultSeasonalMultipliers...),
			HorizonDays:         services.DefaultForecastHorizon,
		},
		Stream: StreamConfig{
			PublishInterval:  services.DefaultPublishInterval,
			RebuildInterval:  services.DefaultRebuildInterval,
			SubscriberBuffer: services.DefaultSubscriberBuffer,
		},
	}
}

// LoadEngine engine.yaml を読み込む。path が空なら既定値を返す。
func LoadEngine(path string) (*EngineConfig, error) {
	if path == "" {
		return DefaultEngineConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("engine config: read %q: %w", path, err)
	}
	return parseEngine(data)
}

func parseEngine(data []byte) (*EngineConfig, error) {
	cfg := DefaultEngineConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("engine config: parse yaml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	return cfg, nil
}

// Validate 値の範囲を検証する
func (c *EngineConfig) Validate() error {
	a := c.Aggregation
	if a.Retention < 0 {
		return fmt.Errorf("aggregation.retention must not be negative")
	}
	if a.ActivityThreshold < 0 {
		return fmt.Errorf("aggregation.activity_threshold must not be negative")
	}
	if a.MaxClockSkew < 0 {
		return fmt.Errorf("aggregation.max_clock_skew must not be negative")
	}
	if a.TopN < 0 || a.RecentN < 0 {
		return fmt.Errorf("aggregation.top_n and recent_n must not be negative")
	}

	f := c.Forecast
	if f.RetrainThreshold < 0 {
		return fmt.Errorf("forecast.retrain_threshold must not be negative")
	}
	if f.EMAAlpha < 0 || f.EMAAlpha > 1 || math.IsNaN(f.EMAAlpha) {
		return fmt.Errorf("forecast.ema_alpha %v is out of range [0, 1]", f.EMAAlpha)
	}
	if f.MovingAverageWindow < 0 {
		return fmt.Errorf("forecast.moving_average_window must not be negative")
	}
	if len(f.SeasonalMultipliers) != 0 && len(f.SeasonalMultipliers) != 12 {
		return fmt.Errorf("forecast.seasonal_multipliers needs 12 values, got %d", len(f.SeasonalMultipliers))
	}
	for i, v := range f.SeasonalMultipliers {
		if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("forecast.seasonal_multipliers[%d] must be positive, got %v", i, v)
		}
	}
	if f.SampleVarianceMinDays < 0 {
		return fmt.Errorf("forecast.sample_variance_min_days must not be negative")
	}
	if f.HorizonDays < 0 || f.HorizonDays > services.MaxForecastDays {
		return fmt.Errorf("forecast.horizon_days %d is out of range [0, %d]", f.HorizonDays, services.MaxForecastDays)
	}

	if c.Stream.PublishInterval < 0 || c.Stream.RebuildInterval < 0 {
		return fmt.Errorf("stream intervals must not be negative")
	}
	if c.Stream.SubscriberBuffer < 0 {
		return fmt.Errorf("stream.subscriber_buffer must not be negative")
	}
	return nil
}

// EngineOptions エンジンの設定に変換する
func (c *EngineConfig) EngineOptions(loc *time.Location, historyDays int) services.EngineOptions {
	var seasonal []float64
	if len(c.Forecast.SeasonalMultipliers) == 12 {
		seasonal = c.Forecast.SeasonalMultipliers
	}
	return services.EngineOptions{
		Aggregator: services.AggregatorOptions{
			Retention:         c.Aggregation.Retention,
			ActivityThreshold: c.Aggregation.ActivityThreshold,
			TopN:              c.Aggregation.TopN,
			RecentN:           c.Aggregation.RecentN,
			MaxClockSkew:      c.Aggregation.MaxClockSkew,
			Location:          loc,
		},
		Forecaster: services.ForecasterOptions{
			EMAAlpha:            c.Forecast.EMAAlpha,
			MovingAverageWindow: c.Forecast.MovingAverageWindow,
			RetrainThreshold:    c.Forecast.RetrainThreshold,
			Location:            loc,
		},
		Exclusions:            c.Exclusions,
		SeasonalMultipliers:   seasonal,
		SampleVarianceMinDays: c.Forecast.SampleVarianceMinDays,
		SubscriberBuffer:      c.Stream.SubscriberBuffer,
		PublishInterval:       c.Stream.PublishInterval,
		RebuildInterval:       c.Stream.RebuildInterval,
		HistoryDays:           historyDays,
		ForecastHorizon:       c.Forecast.HorizonDays,
		Location:              loc,
	}
}

// Tuning 実行中に差し替え可能な部分
func (c *EngineConfig) Tuning() services.Tuning {
	t := services.Tuning{Exclusions: c.Exclusions}
	if t.Exclusions == nil {
		t.Exclusions = []string{}
	}
	if len(c.Forecast.SeasonalMultipliers) == 12 {
		t.SeasonalMultipliers = c.Forecast.SeasonalMultipliers
	}
	return t
}
