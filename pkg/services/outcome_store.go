package services

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"github.com/redis/go-redis/v9"

	"production-pulse-api/pkg/models"
)

// DefaultOutcomeKey 実績ログを保存するRedisリストのキー
const DefaultOutcomeKey = "production:prediction_outcomes"

// RedisOutcomeStore 実績ログをRedisリストへ追記するチェックポイント
type RedisOutcomeStore struct {
	client *redis.Client
	key    string
}

// NewRedisOutcomeStore 既存のクライアントから作成
func NewRedisOutcomeStore(client *redis.Client, key string) *RedisOutcomeStore {
	if key == "" {
		key = DefaultOutcomeKey
	}
	return &RedisOutcomeStore{client: client, key: key}
}

// NewRedisOutcomeStoreWithURL redis:// URL から作成
func NewRedisOutcomeStoreWithURL(url, key string) (*RedisOutcomeStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return NewRedisOutcomeStore(redis.NewClient(opts), key), nil
}

// Append 1件追記する
func (s *RedisOutcomeStore) Append(ctx context.Context, outcome models.PredictionOutcome) error {
	data, err := json.Marshal(outcome)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, s.key, data).Err()
}

// Load 全件を追記順に読み込む。壊れたレコードはスキップする。
func (s *RedisOutcomeStore) Load(ctx context.Context) ([]models.PredictionOutcome, error) {
	values, err := s.client.LRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	outcomes := make([]models.PredictionOutcome, 0, len(values))
	for _, v := range values {
		var o models.PredictionOutcome
		if err := json.Unmarshal([]byte(v), &o); err != nil {
			log.Printf("[予測] 壊れた実績レコードをスキップしました: %v", err)
			continue
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, nil
}

// Ping 接続確認
func (s *RedisOutcomeStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close 接続を閉じる
func (s *RedisOutcomeStore) Close() error {
	return s.client.Close()
}
