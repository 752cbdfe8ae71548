package services

import (
	"errors"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"production-pulse-api/pkg/metrics"
	"production-pulse-api/pkg/models"
)

// ErrOutsideWindow 保持期間より古い、または現在時刻より先のイベント
var ErrOutsideWindow = errors.New("OutsideWindow")

const (
	DefaultActivityThreshold = 30 * time.Minute
	DefaultTopProducts       = 5
	DefaultRecentEntries     = 10
	DefaultMaxClockSkew      = 5 * time.Minute

	// minRateDuration 1件だけのウィンドウでのゼロ除算を避けるための下限
	minRateDuration = time.Minute
)

// AggregatorOptions レート集計の設定
type AggregatorOptions struct {
	// Retention > 0 なら now-Retention 以降のイベントを保持する。
	// 0 の場合は当日の0時（またはそれ以降の Reset）からのセッションを保持する。
	Retention         time.Duration
	ActivityThreshold time.Duration
	TopN              int
	RecentN           int
	// MaxClockSkew 現在時刻よりこれ以上先のイベントは受け付けない
	MaxClockSkew      time.Duration
	Location          *time.Location
}

func (o AggregatorOptions) withDefaults() AggregatorOptions {
	if o.ActivityThreshold <= 0 {
		o.ActivityThreshold = DefaultActivityThreshold
	}
	if o.TopN <= 0 {
		o.TopN = DefaultTopProducts
	}
	if o.RecentN <= 0 {
		o.RecentN = DefaultRecentEntries
	}
	if o.MaxClockSkew <= 0 {
		o.MaxClockSkew = DefaultMaxClockSkew
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	return o
}

// productWindow 1製品分のイベント（タイムスタンプ昇順）
type productWindow struct {
	events []models.ProductionEvent
}

// RateAggregator 製品ごとのローリングウィンドウを保持し、レートを導出する。
// 全メソッドは並行呼び出しに対して安全。
type RateAggregator struct {
	mu           sync.RWMutex
	windows      map[string]*productWindow
	opts         AggregatorOptions
	sessionStart time.Time
	lastUpdate   time.Time
	version      uint64

	dropped  atomic.Uint64
	validate func(models.ProductionEvent) error
	now      func() time.Time
}

// NewRateAggregator 新しいRateAggregatorを生成します。
// validate が nil でない場合、取り込み前にイベントを再検証する。
func NewRateAggregator(opts AggregatorOptions, validate func(models.ProductionEvent) error) *RateAggregator {
	return &RateAggregator{
		windows:  make(map[string]*productWindow),
		opts:     opts.withDefaults(),
		validate: validate,
		now:      time.Now,
	}
}

// SetClock テスト用に時計を差し替える
func (a *RateAggregator) SetClock(now func() time.Time) {
	a.mu.Lock()
	a.now = now
	a.mu.Unlock()
}

// Ingest イベントをウィンドウに追加する。不正なイベントは破棄してログに残す。
func (a *RateAggregator) Ingest(event models.ProductionEvent) error {
	if a.validate != nil {
		if err := a.validate(event); err != nil {
			a.drop(RejectionReason(err), event, err)
			return err
		}
	}

	a.mu.Lock()
	now := a.now()
	cutoff := a.cutoffLocked(now)
	if event.Timestamp.Before(cutoff) || event.Timestamp.After(now.Add(a.opts.MaxClockSkew)) {
		a.mu.Unlock()
		a.drop("OutsideWindow", event, ErrOutsideWindow)
		return ErrOutsideWindow
	}

	w, ok := a.windows[event.ProductName]
	if !ok {
		w = &productWindow{}
		a.windows[event.ProductName] = w
	}
	w.events = append(w.events, event)
	if n := len(w.events); n > 1 && w.events[n-1].Timestamp.Before(w.events[n-2].Timestamp) {
		sort.SliceStable(w.events, func(i, j int) bool {
			return w.events[i].Timestamp.Before(w.events[j].Timestamp)
		})
	}
	a.pruneLocked(cutoff)
	a.touchLocked(now)
	a.mu.Unlock()

	metrics.RecordIngested(event.Source)
	return nil
}

// Prune 保持期間外のイベントを削除し、削除件数を返す
func (a *RateAggregator) Prune(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	removed := a.pruneLocked(a.cutoffLocked(now))
	if removed > 0 {
		a.touchLocked(now)
	}
	return removed
}

// Reset 集計セッションをリセットする
func (a *RateAggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	a.windows = make(map[string]*productWindow)
	a.sessionStart = now
	a.touchLocked(now)
	log.Printf("[集計] セッションをリセットしました: %s", now.Format(time.RFC3339))
}

// RateFor 製品のレートを返す。ウィンドウにイベントがなければ false。
func (a *RateAggregator) RateFor(productName string) (models.ProductionRate, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	now := a.now()
	w, ok := a.windows[productName]
	if !ok {
		return models.ProductionRate{}, false
	}
	rate, ok := a.rateLocked(productName, w, a.cutoffLocked(now), now)
	return rate, ok
}

// Summary ダッシュボード用のスナップショットを生成する
func (a *RateAggregator) Summary() models.ProductionSummary {
	a.mu.RLock()
	defer a.mu.RUnlock()

	now := a.now()
	cutoff := a.cutoffLocked(now)

	// 浮動小数点の合計を安定させるため製品名順に走査する
	names := make([]string, 0, len(a.windows))
	for name := range a.windows {
		names = append(names, name)
	}
	sort.Strings(names)

	summary := models.ProductionSummary{
		TopProducts:   []models.ProductionRate{},
		RecentEntries: []models.ProductionEvent{},
		LastUpdate:    a.lastUpdate,
	}
	rates := make([]models.ProductionRate, 0, len(names))
	var recent []models.ProductionEvent

	for _, name := range names {
		w := a.windows[name]
		rate, ok := a.rateLocked(name, w, cutoff, now)
		if !ok {
			continue
		}
		rates = append(rates, rate)
		summary.TotalItems += rate.TotalQuantity
		if rate.IsActive {
			summary.ActiveProducts++
		}
		for _, e := range w.events {
			if !e.Timestamp.Before(cutoff) {
				recent = append(recent, e)
			}
		}
	}
	summary.TotalUniqueProducts = len(rates)

	sortRates(rates)
	if len(rates) > a.opts.TopN {
		rates = rates[:a.opts.TopN]
	}
	summary.TopProducts = append(summary.TopProducts, rates...)

	sort.SliceStable(recent, func(i, j int) bool {
		return recent[i].Timestamp.After(recent[j].Timestamp)
	})
	if len(recent) > a.opts.RecentN {
		recent = recent[:a.opts.RecentN]
	}
	summary.RecentEntries = append(summary.RecentEntries, recent...)

	return summary
}

// Version ウィンドウが変更されるたびに増加する
func (a *RateAggregator) Version() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.version
}

// DroppedCount 破棄したイベント数
func (a *RateAggregator) DroppedCount() uint64 {
	return a.dropped.Load()
}

// --- internal ---------------------------------------------------------------

func (a *RateAggregator) drop(reason string, event models.ProductionEvent, err error) {
	a.dropped.Add(1)
	metrics.RecordDropped(reason)
	log.Printf("[集計] イベントを破棄しました（%s）: product=%q quantity=%v err=%v", reason, event.ProductName, event.Quantity, err)
}

func (a *RateAggregator) touchLocked(now time.Time) {
	a.version++
	a.lastUpdate = now
}

// cutoffLocked 保持期間の開始時刻
func (a *RateAggregator) cutoffLocked(now time.Time) time.Time {
	if a.opts.Retention > 0 {
		return now.Add(-a.opts.Retention)
	}
	local := now.In(a.opts.Location)
	startOfDay := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, a.opts.Location)
	if a.sessionStart.After(startOfDay) {
		return a.sessionStart
	}
	return startOfDay
}

func (a *RateAggregator) pruneLocked(cutoff time.Time) int {
	removed := 0
	for name, w := range a.windows {
		idx := sort.Search(len(w.events), func(i int) bool {
			return !w.events[i].Timestamp.Before(cutoff)
		})
		if idx == 0 {
			continue
		}
		removed += idx
		if idx == len(w.events) {
			delete(a.windows, name)
			continue
		}
		w.events = append([]models.ProductionEvent(nil), w.events[idx:]...)
	}
	return removed
}

// rateLocked ratePerHour = 合計数量 / 実効時間。
// 実効時間は (最終 - 最初) × n/(n-1)。各イベントは平均間隔ぶんの作業の完了を表す。
func (a *RateAggregator) rateLocked(name string, w *productWindow, cutoff, now time.Time) (models.ProductionRate, bool) {
	var total float64
	var count int
	var first, last time.Time
	for _, e := range w.events {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		if count == 0 {
			first = e.Timestamp
		}
		last = e.Timestamp
		total += e.Quantity
		count++
	}
	if count == 0 {
		return models.ProductionRate{}, false
	}

	duration := minRateDuration
	if count > 1 {
		span := last.Sub(first)
		effective := time.Duration(float64(span) * float64(count) / float64(count-1))
		if effective > duration {
			duration = effective
		}
	}

	rate := total / duration.Hours()
	if rate < 0 {
		rate = 0
	}

	return models.ProductionRate{
		ProductName:      name,
		TotalQuantity:    total,
		EntriesCount:     count,
		RatePerHour:      rate,
		DurationMinutes:  duration.Minutes(),
		IsActive:         now.Sub(last) < a.opts.ActivityThreshold,
		LastEventAt:      last,
		InsufficientData: count == 1,
	}, true
}

// sortRates ratePerHour 降順、同値は totalQuantity 降順、製品名昇順
func sortRates(rates []models.ProductionRate) {
	sort.SliceStable(rates, func(i, j int) bool {
		if rates[i].RatePerHour != rates[j].RatePerHour {
			return rates[i].RatePerHour > rates[j].RatePerHour
		}
		if rates[i].TotalQuantity != rates[j].TotalQuantity {
			return rates[i].TotalQuantity > rates[j].TotalQuantity
		}
		return rates[i].ProductName < rates[j].ProductName
	})
}
