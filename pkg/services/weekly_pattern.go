package services

import (
	"sort"
	"time"

	"production-pulse-api/pkg/models"
)

const (
	dateLayout = "2006-01-02"

	// DefaultConfidenceSaturationDays この日数以上の同曜日サンプルで信頼度1.0
	DefaultConfidenceSaturationDays = 4

	unassignedClient = "unassigned"
)

// PatternSet 履歴イベントを畳み込んだ結果。予測モデルの入力になる。
type PatternSet struct {
	Buckets  [7]models.WeeklyPatternBucket
	Daily    []models.DailyTotal            // 日付昇順
	ByClient map[string][]models.DailyTotal // クライアント別の日次合計（日付昇順）
	Events   int
}

// Bucket 曜日のバケットを返す
func (p *PatternSet) Bucket(weekday time.Weekday) models.WeeklyPatternBucket {
	return p.Buckets[int(weekday)]
}

// WeeklyPatternBuilder 履歴イベントを曜日別の基準値に畳み込む
type WeeklyPatternBuilder struct {
	location       *time.Location
	saturationDays int
}

// NewWeeklyPatternBuilder 日付の境界に使うタイムゾーンを指定して作成
func NewWeeklyPatternBuilder(location *time.Location) *WeeklyPatternBuilder {
	if location == nil {
		location = time.Local
	}
	return &WeeklyPatternBuilder{
		location:       location,
		saturationDays: DefaultConfidenceSaturationDays,
	}
}

// Build 7曜日分のバケットを返す。入力順に依存しない。
func (b *WeeklyPatternBuilder) Build(events []models.ProductionEvent) [7]models.WeeklyPatternBucket {
	return b.Fold(events).Buckets
}

// Fold 曜日バケット・日次合計・クライアント別日次合計をまとめて計算する
func (b *WeeklyPatternBuilder) Fold(events []models.ProductionEvent) *PatternSet {
	sorted := canonicalOrder(events)

	daily := b.groupByDate(sorted)
	byClient := make(map[string][]models.DailyTotal)
	clientGroups := make(map[string][]models.ProductionEvent)
	for _, e := range sorted {
		key := clientKey(e)
		clientGroups[key] = append(clientGroups[key], e)
	}
	for key, group := range clientGroups {
		byClient[key] = b.groupByDate(group)
	}

	return &PatternSet{
		Buckets:  b.buildBuckets(daily),
		Daily:    daily,
		ByClient: byClient,
		Events:   len(sorted),
	}
}

// groupByDate 暦日ごとに数量と件数を合計する（日付昇順）
func (b *WeeklyPatternBuilder) groupByDate(events []models.ProductionEvent) []models.DailyTotal {
	totals := make(map[string]*models.DailyTotal)
	for _, e := range events {
		key := e.Timestamp.In(b.location).Format(dateLayout)
		t, ok := totals[key]
		if !ok {
			t = &models.DailyTotal{Date: key}
			totals[key] = t
		}
		t.Weight += e.Quantity
		t.Entries++
	}

	keys := make([]string, 0, len(totals))
	for key := range totals {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]models.DailyTotal, 0, len(keys))
	for _, key := range keys {
		out = append(out, *totals[key])
	}
	return out
}

// buildBuckets 同じ曜日の日次合計を平均する
func (b *WeeklyPatternBuilder) buildBuckets(daily []models.DailyTotal) [7]models.WeeklyPatternBucket {
	weights := make([][]float64, 7)
	entries := make([][]float64, 7)
	for _, d := range daily {
		date, err := time.ParseInLocation(dateLayout, d.Date, b.location)
		if err != nil {
			continue
		}
		wd := int(date.Weekday())
		weights[wd] = append(weights[wd], d.Weight)
		entries[wd] = append(entries[wd], float64(d.Entries))
	}

	var buckets [7]models.WeeklyPatternBucket
	for wd := 0; wd < 7; wd++ {
		n := len(weights[wd])
		bucket := models.WeeklyPatternBucket{DayOfWeek: wd, SampleDayCount: n}
		if n > 0 {
			bucket.AvgWeight = calculateMean(weights[wd])
			bucket.AvgEntries = calculateMean(entries[wd])
			bucket.StdDevWeight = calculateSampleStandardDeviation(weights[wd])
			bucket.Confidence = b.bucketConfidence(n)
		}
		buckets[wd] = bucket
	}
	return buckets
}

// bucketConfidence サンプル日数に比例し、1.0で頭打ち
func (b *WeeklyPatternBuilder) bucketConfidence(sampleDays int) float64 {
	if sampleDays <= 0 || b.saturationDays <= 0 {
		return 0
	}
	c := float64(sampleDays) / float64(b.saturationDays)
	if c > 1 {
		return 1
	}
	return c
}

// canonicalOrder 入力順によらず同じ合計値になるよう並べ替えたコピーを返す
func canonicalOrder(events []models.ProductionEvent) []models.ProductionEvent {
	sorted := make([]models.ProductionEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.ProductName != b.ProductName {
			return a.ProductName < b.ProductName
		}
		if a.ClientID != b.ClientID {
			return a.ClientID < b.ClientID
		}
		if a.Quantity != b.Quantity {
			return a.Quantity < b.Quantity
		}
		if a.ClientName != b.ClientName {
			return a.ClientName < b.ClientName
		}
		return a.Source < b.Source
	})
	return sorted
}

func clientKey(e models.ProductionEvent) string {
	if e.ClientID != "" {
		return e.ClientID
	}
	if e.ClientName != "" {
		return e.ClientName
	}
	return unassignedClient
}
