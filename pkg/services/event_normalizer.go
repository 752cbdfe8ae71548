package services

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"production-pulse-api/pkg/models"
)

// 拒否理由
var (
	ErrInvalidTimestamp    = errors.New("InvalidTimestamp")
	ErrNonPositiveQuantity = errors.New("NonPositiveQuantity")
	ErrExcludedProduct     = errors.New("ExcludedProduct")
)

// DefaultExclusions 集計対象外の製品名（重量加算の明細など）
var DefaultExclusions = []string{"unknown", "weight surcharge"}

// timestampLayouts 受け付けるタイムスタンプ形式
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006/01/02 15:04:05",
	"2006/01/02 15:04",
	"2006-01-02",
	"2006/1/2",
}

// ValidationError 不正なイベントを表すエラー
type ValidationError struct {
	Reason error
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s", e.Reason, e.Detail)
}

func (e *ValidationError) Unwrap() error {
	return e.Reason
}

// RejectionReason エラーから拒否理由名を取り出す（メトリクスのラベル用）
func RejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidTimestamp):
		return "InvalidTimestamp"
	case errors.Is(err, ErrNonPositiveQuantity):
		return "NonPositiveQuantity"
	case errors.Is(err, ErrExcludedProduct):
		return "ExcludedProduct"
	default:
		return "Other"
	}
}

// EventNormalizer 生イベントを検証して ProductionEvent に整形する
type EventNormalizer struct {
	mu         sync.RWMutex
	exclusions map[string]struct{}
	location   *time.Location
}

// NewEventNormalizer 除外リストとタイムゾーンを指定して作成
func NewEventNormalizer(exclusions []string, location *time.Location) *EventNormalizer {
	if location == nil {
		location = time.Local
	}
	n := &EventNormalizer{location: location}
	n.SetExclusions(exclusions)
	return n
}

// SetExclusions 除外リストを差し替える（設定のホットリロード用）
func (n *EventNormalizer) SetExclusions(exclusions []string) {
	set := make(map[string]struct{}, len(exclusions))
	for _, name := range exclusions {
		key := normalizeProductKey(name)
		if key != "" {
			set[key] = struct{}{}
		}
	}

	n.mu.Lock()
	n.exclusions = set
	n.mu.Unlock()
}

// Normalize イベントを検証する。副作用はない。
func (n *EventNormalizer) Normalize(raw models.RawEvent) (models.ProductionEvent, error) {
	ts, err := n.parseTimestamp(raw.Timestamp)
	if err != nil {
		return models.ProductionEvent{}, &ValidationError{Reason: ErrInvalidTimestamp, Detail: fmt.Sprintf("%q", raw.Timestamp)}
	}

	if math.IsNaN(raw.Quantity) || math.IsInf(raw.Quantity, 0) || raw.Quantity <= 0 {
		return models.ProductionEvent{}, &ValidationError{Reason: ErrNonPositiveQuantity, Detail: fmt.Sprintf("%v", raw.Quantity)}
	}

	productName := strings.TrimSpace(raw.ProductName)
	if n.isExcluded(productName) {
		return models.ProductionEvent{}, &ValidationError{Reason: ErrExcludedProduct, Detail: fmt.Sprintf("%q", raw.ProductName)}
	}

	return models.ProductionEvent{
		Timestamp:   ts,
		ProductName: productName,
		Quantity:    raw.Quantity,
		ClientID:    strings.TrimSpace(raw.ClientID),
		ClientName:  strings.TrimSpace(raw.ClientName),
		Source:      strings.TrimSpace(raw.Source),
	}, nil
}

// Validate 既に型付けされたイベントを再検証する（アグリゲータの入口でも使う）
func (n *EventNormalizer) Validate(event models.ProductionEvent) error {
	if event.Timestamp.IsZero() {
		return &ValidationError{Reason: ErrInvalidTimestamp, Detail: "zero time"}
	}
	if math.IsNaN(event.Quantity) || math.IsInf(event.Quantity, 0) || event.Quantity <= 0 {
		return &ValidationError{Reason: ErrNonPositiveQuantity, Detail: fmt.Sprintf("%v", event.Quantity)}
	}
	if n.isExcluded(event.ProductName) {
		return &ValidationError{Reason: ErrExcludedProduct, Detail: fmt.Sprintf("%q", event.ProductName)}
	}
	return nil
}

func (n *EventNormalizer) isExcluded(productName string) bool {
	key := normalizeProductKey(productName)
	if key == "" {
		return true
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, excluded := n.exclusions[key]
	return excluded
}

func (n *EventNormalizer) parseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("タイムスタンプが空です")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, n.location); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("タイムスタンプを解析できません: %s", value)
}

func normalizeProductKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
