package services

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"production-pulse-api/pkg/metrics"
	"production-pulse-api/pkg/models"
)

// DefaultSubscriberBuffer 購読者ごとの送信キューの深さ
const DefaultSubscriberBuffer = 16

// ErrBroadcasterClosed Close 後の購読
var ErrBroadcasterClosed = errors.New("broadcaster is closed")

// SubscriptionID 購読解除に使うハンドル
type SubscriptionID string

// Listener 更新を受け取るコールバック。エラーやpanicは他の購読者に影響しない。
type Listener func(models.Update) error

// subscriber 1購読者。キューを1つのgoroutineが順に処理するため配信順が保たれる。
type subscriber struct {
	id       SubscriptionID
	listener Listener
	queue    chan models.Update
}

// Broadcaster 集計・予測の更新を購読者へ配信する
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[SubscriptionID]*subscriber
	bufferSize  int
	closed      bool
	wg          sync.WaitGroup
}

// NewBroadcaster bufferSize <= 0 なら既定値
func NewBroadcaster(bufferSize int) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = DefaultSubscriberBuffer
	}
	return &Broadcaster{
		subscribers: make(map[SubscriptionID]*subscriber),
		bufferSize:  bufferSize,
	}
}

// Subscribe 購読を登録し、解除用のハンドルを返す
func (b *Broadcaster) Subscribe(listener Listener) (SubscriptionID, error) {
	if listener == nil {
		return "", fmt.Errorf("listener is nil")
	}

	s := &subscriber{
		id:       SubscriptionID(uuid.New().String()),
		listener: listener,
		queue:    make(chan models.Update, b.bufferSize),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrBroadcasterClosed
	}
	b.subscribers[s.id] = s
	b.wg.Add(1)
	go s.run(&b.wg)

	return s.id, nil
}

// Unsubscribe 購読を解除する。次回以降の Publish からは配信されない。
// キューに残っている更新は届く可能性がある。
func (b *Broadcaster) Unsubscribe(id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subscribers[id]
	if !ok {
		return false
	}
	delete(b.subscribers, id)
	close(s.queue)
	return true
}

// Publish 全購読者のキューに積む。キューが満杯の購読者はこの更新をスキップする。
// 戻り値はキューに積めた購読者数。
func (b *Broadcaster) Publish(update models.Update) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, s := range b.subscribers {
		select {
		case s.queue <- update:
			delivered++
		default:
			metrics.SubscriberDrops.Inc()
			log.Printf("[配信] 購読者 %s のキューが満杯のため %s をスキップしました", s.id, update.Kind)
		}
	}
	return delivered
}

// Count 現在の購読者数
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close 全購読を解除し、配信goroutineの終了を待つ
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, s := range b.subscribers {
		close(s.queue)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()

	b.wg.Wait()
}

func (s *subscriber) run(wg *sync.WaitGroup) {
	defer wg.Done()
	for update := range s.queue {
		s.deliver(update)
	}
}

func (s *subscriber) deliver(update models.Update) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordSubscriberError("panic")
			log.Printf("[配信] 購読者 %s のコールバックでpanicが発生しました: %v", s.id, r)
		}
	}()
	if err := s.listener(update); err != nil {
		metrics.RecordSubscriberError("error")
		log.Printf("[配信] 購読者 %s への配信に失敗しました: %v", s.id, err)
	}
}
