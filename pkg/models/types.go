package models

import "time"

// RawEvent 上流の生産記録システムから届く未検証のイベント
type RawEvent struct {
	Timestamp   string  `json:"timestamp"`
	ProductName string  `json:"product_name"`
	Quantity    float64 `json:"quantity"`
	ClientID    string  `json:"client_id,omitempty"`
	ClientName  string  `json:"client_name,omitempty"`
	Source      string  `json:"source,omitempty"`
}

// ProductionEvent 検証済みの生産イベント（作成後は不変）
type ProductionEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	ProductName string    `json:"product_name"`
	Quantity    float64   `json:"quantity"`
	ClientID    string    `json:"client_id,omitempty"`
	ClientName  string    `json:"client_name,omitempty"`
	Source      string    `json:"source,omitempty"`
}

// ProductionRate 製品ごとの集計ウィンドウから導出されるレート
type ProductionRate struct {
	ProductName      string    `json:"product_name"`
	TotalQuantity    float64   `json:"total_quantity"`
	EntriesCount     int       `json:"entries_count"`
	RatePerHour      float64   `json:"rate_per_hour"`
	DurationMinutes  float64   `json:"duration_minutes"`
	IsActive         bool      `json:"is_active"`
	LastEventAt      time.Time `json:"last_event_at"`
	InsufficientData bool      `json:"insufficient_data"` // イベントが1件のみ
}

// ProductionSummary ダッシュボード向けスナップショット
type ProductionSummary struct {
	TotalItems          float64           `json:"total_items"`
	TotalUniqueProducts int               `json:"total_unique_products"`
	ActiveProducts      int               `json:"active_products"`
	TopProducts         []ProductionRate  `json:"top_products"`
	RecentEntries       []ProductionEvent `json:"recent_entries"`
	LastUpdate          time.Time         `json:"last_update"`
}

// WeeklyPatternBucket 曜日ごとの基準値
type WeeklyPatternBucket struct {
	DayOfWeek      int     `json:"day_of_week"` // 0=日曜 ... 6=土曜
	AvgWeight      float64 `json:"avg_weight"`
	AvgEntries     float64 `json:"avg_entries"`
	SampleDayCount int     `json:"sample_day_count"`
	Confidence     float64 `json:"confidence"`
	StdDevWeight   float64 `json:"std_dev_weight"` // 日次合計の標本標準偏差
}

// DailyTotal 1日分の合計
type DailyTotal struct {
	Date    string  `json:"date"` // YYYY-MM-DD
	Weight  float64 `json:"weight"`
	Entries int     `json:"entries"`
}

// PredictionOutcome 予測値と実績値の記録（追記のみ）
type PredictionOutcome struct {
	Date            string    `json:"date" binding:"required"`
	PredictedWeight float64   `json:"predicted_weight"`
	ActualWeight    float64   `json:"actual_weight"`
	ModelSource     string    `json:"model_source" binding:"required"`
	RecordedAt      time.Time `json:"recorded_at"`
}

// EnsembleWeights モデル名 → 重み（合計1.0）
type EnsembleWeights map[string]float64

// EnsemblePrediction アンサンブル予測の結果
type EnsemblePrediction struct {
	Prediction float64 `json:"prediction"`
	Confidence float64 `json:"confidence"`
}

// ConfidenceInterval 信頼区間
type ConfidenceInterval struct {
	Lower  float64 `json:"lower"`
	Upper  float64 `json:"upper"`
	Margin float64 `json:"margin"`
}

// ExternalInsight 外部要因（天候・祝日・経済）の日付別レコード
type ExternalInsight struct {
	Date           string   `json:"date,omitempty"`
	WeatherImpact  *float64 `json:"weather_impact,omitempty"`
	HolidayImpact  *float64 `json:"holiday_impact,omitempty"`
	EconomicImpact *float64 `json:"economic_impact,omitempty"`
	Confidence     float64  `json:"confidence"`
}

// AdjustmentResult 外部要因による補正結果
type AdjustmentResult struct {
	AdjustedPrediction float64  `json:"adjusted_prediction"`
	AdjustmentFactor   float64  `json:"adjustment_factor"`
	Reasoning          []string `json:"reasoning"`
}

// AnnotatedForecast 1日分の注釈付き予測
type AnnotatedForecast struct {
	Date                string             `json:"date"`
	DayOfWeek           string             `json:"day_of_week"`
	ModelOutputs        map[string]float64 `json:"model_outputs"`
	RawPrediction       float64            `json:"raw_prediction"`
	EnsembleConfidence  float64            `json:"ensemble_confidence"`
	SeasonalMultiplier  float64            `json:"seasonal_multiplier"`
	SeasonallyAdjusted  float64            `json:"seasonally_adjusted_prediction"`
	Adjustment          *AdjustmentResult  `json:"adjustment,omitempty"`
	PredictedWeight     float64            `json:"predicted_weight"`
	ConfidenceInterval  ConfidenceInterval `json:"confidence_interval"`
	HistoricalAverage   float64            `json:"historical_average"`
	ZScore              float64            `json:"z_score"`
	IsAnomalous         bool               `json:"is_anomalous"`
	Severity            string             `json:"severity"`
	AccuracyLabel       string             `json:"accuracy_label"`
	VolatilityLabel     string             `json:"volatility_label"`
	Confidence          float64            `json:"confidence"`
	InsufficientHistory bool               `json:"insufficient_history"`
}

// UpdateKind 配信メッセージの種別
type UpdateKind string

const (
	UpdateSummary  UpdateKind = "summary"
	UpdateForecast UpdateKind = "forecast"
)

// Update 購読者へ配信されるメッセージ
type Update struct {
	Kind        UpdateKind          `json:"kind"`
	Summary     *ProductionSummary  `json:"summary,omitempty"`
	Forecasts   []AnnotatedForecast `json:"forecasts,omitempty"`
	PublishedAt time.Time           `json:"published_at"`
}
