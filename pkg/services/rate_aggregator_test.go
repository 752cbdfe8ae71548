package services

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"production-pulse-api/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClock テスト用の進められる時計
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(now time.Time) *testClock {
	return &testClock{now: now}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestAggregator(t *testing.T, opts AggregatorOptions, now time.Time) (*RateAggregator, *testClock) {
	t.Helper()
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	clock := newTestClock(now)
	n := NewEventNormalizer(DefaultExclusions, time.UTC)
	a := NewRateAggregator(opts, n.Validate)
	a.SetClock(clock.Now)
	return a, clock
}

func event(product string, qty float64, ts time.Time) models.ProductionEvent {
	return models.ProductionEvent{Timestamp: ts, ProductName: product, Quantity: qty, Source: "test"}
}

func TestShirtsScenario(t *testing.T) {
	start := time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)
	a, _ := newTestAggregator(t, AggregatorOptions{}, start.Add(25*time.Minute))

	require.NoError(t, a.Ingest(event("Shirts", 10, start)))
	require.NoError(t, a.Ingest(event("Shirts", 20, start.Add(10*time.Minute))))
	require.NoError(t, a.Ingest(event("Shirts", 30, start.Add(20*time.Minute))))

	rate, ok := a.RateFor("Shirts")
	require.True(t, ok)
	assert.InDelta(t, 120.0, rate.RatePerHour, 1e-9)
	assert.Equal(t, 3, rate.EntriesCount)
	assert.Equal(t, 60.0, rate.TotalQuantity)
	assert.InDelta(t, 30.0, rate.DurationMinutes, 1e-9)
	assert.True(t, rate.IsActive)
	assert.False(t, rate.InsufficientData)
}

func TestSingleEventRate(t *testing.T) {
	start := time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)
	a, _ := newTestAggregator(t, AggregatorOptions{}, start)

	require.NoError(t, a.Ingest(event("Towels", 5, start)))

	rate, ok := a.RateFor("Towels")
	require.True(t, ok)
	assert.True(t, rate.InsufficientData)
	assert.Equal(t, 1, rate.EntriesCount)
	assert.InDelta(t, 300.0, rate.RatePerHour, 1e-9)
}

func TestInactiveAfterThreshold(t *testing.T) {
	start := time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)
	a, clock := newTestAggregator(t, AggregatorOptions{}, start)

	require.NoError(t, a.Ingest(event("Shirts", 10, start)))
	clock.Advance(31 * time.Minute)

	rate, ok := a.RateFor("Shirts")
	require.True(t, ok)
	assert.False(t, rate.IsActive)
	assert.Equal(t, 0, a.Summary().ActiveProducts)
}

func TestSummaryTotalsAndRejections(t *testing.T) {
	start := time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)
	a, _ := newTestAggregator(t, AggregatorOptions{}, start.Add(time.Hour))

	require.NoError(t, a.Ingest(event("Shirts", 10, start)))
	require.NoError(t, a.Ingest(event("Towels", 2.5, start.Add(5*time.Minute))))
	require.NoError(t, a.Ingest(event("Shirts", 7.5, start.Add(10*time.Minute))))
	assert.Error(t, a.Ingest(event("unknown", 100, start)))
	assert.Error(t, a.Ingest(event("Shirts", -1, start)))

	summary := a.Summary()
	assert.Equal(t, 20.0, summary.TotalItems)
	assert.Equal(t, 2, summary.TotalUniqueProducts)
	assert.Len(t, summary.RecentEntries, 3)
	assert.Equal(t, uint64(2), a.DroppedCount())

	// 新しい順
	assert.Equal(t, 7.5, summary.RecentEntries[0].Quantity)
	assert.Equal(t, 10.0, summary.RecentEntries[2].Quantity)
}

func TestSummaryOrderingAndTies(t *testing.T) {
	start := time.Date(2025, 1, 6, 8, 0, 0, 0, time.UTC)
	a, _ := newTestAggregator(t, AggregatorOptions{TopN: 10}, start.Add(3*time.Hour))

	// P: 60/h 合計60、R: 60/h 合計120、X/Y: 単発の同一レート
	require.NoError(t, a.Ingest(event("P", 30, start)))
	require.NoError(t, a.Ingest(event("P", 30, start.Add(30*time.Minute))))
	require.NoError(t, a.Ingest(event("R", 60, start)))
	require.NoError(t, a.Ingest(event("R", 60, start.Add(time.Hour))))
	require.NoError(t, a.Ingest(event("Y", 5, start)))
	require.NoError(t, a.Ingest(event("X", 5, start)))

	summary := a.Summary()
	names := make([]string, 0, len(summary.TopProducts))
	for _, r := range summary.TopProducts {
		names = append(names, r.ProductName)
	}
	assert.Equal(t, []string{"X", "Y", "R", "P"}, names)
}

func TestSummaryTopNLimit(t *testing.T) {
	start := time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)
	a, _ := newTestAggregator(t, AggregatorOptions{TopN: 2, RecentN: 3}, start)

	for i := 0; i < 5; i++ {
		require.NoError(t, a.Ingest(event(fmt.Sprintf("P%d", i), float64(i+1), start)))
	}

	summary := a.Summary()
	assert.Len(t, summary.TopProducts, 2)
	assert.Len(t, summary.RecentEntries, 3)
	assert.Equal(t, 5, summary.TotalUniqueProducts)
	assert.Equal(t, "P4", summary.TopProducts[0].ProductName)
}

func TestSummaryIdempotent(t *testing.T) {
	start := time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)
	a, clock := newTestAggregator(t, AggregatorOptions{}, start.Add(30*time.Minute))

	for i := 0; i < 20; i++ {
		require.NoError(t, a.Ingest(event(fmt.Sprintf("P%d", i%7), 0.1*float64(i+1), start.Add(time.Duration(i)*time.Minute))))
	}
	clock.Advance(time.Second)

	first := a.Summary()
	second := a.Summary()
	assert.Equal(t, first, second)
}

func TestRetentionWindow(t *testing.T) {
	now := time.Date(2025, 1, 6, 12, 0, 0, 0, time.UTC)
	a, clock := newTestAggregator(t, AggregatorOptions{Retention: time.Hour}, now)

	err := a.Ingest(event("Shirts", 10, now.Add(-2*time.Hour)))
	assert.ErrorIs(t, err, ErrOutsideWindow)

	require.NoError(t, a.Ingest(event("Shirts", 10, now.Add(-30*time.Minute))))
	require.NoError(t, a.Ingest(event("Shirts", 10, now)))

	clock.Advance(45 * time.Minute)
	assert.Equal(t, 1, a.Prune(clock.Now()))

	summary := a.Summary()
	assert.Equal(t, 10.0, summary.TotalItems)
}

func TestRejectsFutureEvents(t *testing.T) {
	now := time.Date(2025, 1, 20, 12, 0, 0, 0, time.UTC)
	a, clock := newTestAggregator(t, AggregatorOptions{}, now)

	require.NoError(t, a.Ingest(event("Shirts", 10, now.Add(-4*time.Hour))))
	// 許容範囲内の時計のずれは受け付ける
	require.NoError(t, a.Ingest(event("Shirts", 10, now.Add(2*time.Minute))))
	assert.ErrorIs(t, a.Ingest(event("Shirts", 10, time.Date(2035, 1, 20, 0, 0, 0, 0, time.UTC))), ErrOutsideWindow)
	assert.Equal(t, uint64(1), a.DroppedCount())

	rate, ok := a.RateFor("Shirts")
	require.True(t, ok)
	assert.Equal(t, 2, rate.EntriesCount)

	clock.Advance(72 * time.Hour)
	a.Prune(clock.Now())
	_, ok = a.RateFor("Shirts")
	assert.False(t, ok)
	assert.Equal(t, 0, a.Summary().ActiveProducts)
}

func TestSessionResetAndDayBoundary(t *testing.T) {
	now := time.Date(2025, 1, 6, 12, 0, 0, 0, time.UTC)
	a, clock := newTestAggregator(t, AggregatorOptions{}, now)

	// 前日のイベントはセッション外
	assert.ErrorIs(t, a.Ingest(event("Shirts", 10, now.Add(-13*time.Hour))), ErrOutsideWindow)
	require.NoError(t, a.Ingest(event("Shirts", 10, now.Add(-time.Hour))))

	a.Reset()
	assert.Equal(t, 0.0, a.Summary().TotalItems)
	assert.ErrorIs(t, a.Ingest(event("Shirts", 10, now.Add(-time.Minute))), ErrOutsideWindow)
	require.NoError(t, a.Ingest(event("Shirts", 10, now)))

	// 日付が変わるとセッションは翌日0時から
	clock.Advance(13 * time.Hour)
	a.Prune(clock.Now())
	_, ok := a.RateFor("Shirts")
	assert.False(t, ok)
}

func TestOutOfOrderIngest(t *testing.T) {
	start := time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)
	a, _ := newTestAggregator(t, AggregatorOptions{}, start.Add(time.Hour))

	require.NoError(t, a.Ingest(event("Shirts", 30, start.Add(20*time.Minute))))
	require.NoError(t, a.Ingest(event("Shirts", 10, start)))
	require.NoError(t, a.Ingest(event("Shirts", 20, start.Add(10*time.Minute))))

	rate, ok := a.RateFor("Shirts")
	require.True(t, ok)
	assert.InDelta(t, 120.0, rate.RatePerHour, 1e-9)
	assert.True(t, rate.LastEventAt.Equal(start.Add(20*time.Minute)))
}

func TestConcurrentIngest(t *testing.T) {
	start := time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)
	a, _ := newTestAggregator(t, AggregatorOptions{}, start.Add(time.Hour))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = a.Ingest(event(fmt.Sprintf("P%d", g%3), 1, start.Add(time.Duration(i)*time.Second)))
				_ = a.Summary()
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, 400.0, a.Summary().TotalItems)
	assert.Equal(t, uint64(400), a.Version())
}
