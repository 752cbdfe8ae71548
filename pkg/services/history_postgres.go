package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"

	"production-pulse-api/pkg/models"
)

const historyQuery = `SELECT occurred_at, product_name, quantity, COALESCE(client_id, ''), COALESCE(client_name, ''), COALESCE(source, '') FROM production_events WHERE occurred_at >= $1 AND occurred_at < $2 ORDER BY occurred_at`

// pgQuerier *pgxpool.Pool と pgxmock の共通部分
type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresHistorySource production_events テーブルから履歴を読み込む（読み取り専用）
type PostgresHistorySource struct {
	db         pgQuerier
	normalizer *EventNormalizer
}

// NewPostgresHistorySource 新しいPostgres履歴ソースを作成
func NewPostgresHistorySource(db pgQuerier, normalizer *EventNormalizer) *PostgresHistorySource {
	return &PostgresHistorySource{db: db, normalizer: normalizer}
}

// LoadEvents [from, to) の範囲のイベントを返す。検証に通らない行はスキップする。
func (s *PostgresHistorySource) LoadEvents(ctx context.Context, from, to time.Time) ([]models.ProductionEvent, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}

	rows, err := s.db.Query(ctx, historyQuery, from, to)
	if err != nil {
		return nil, fmt.Errorf("履歴の取得に失敗: %w", err)
	}
	defer rows.Close()

	var events []models.ProductionEvent
	skipped := 0
	for rows.Next() {
		var e models.ProductionEvent
		if err := rows.Scan(&e.Timestamp, &e.ProductName, &e.Quantity, &e.ClientID, &e.ClientName, &e.Source); err != nil {
			return nil, fmt.Errorf("履歴行の読み取りに失敗: %w", err)
		}
		if s.normalizer != nil {
			if err := s.normalizer.Validate(e); err != nil {
				skipped++
				continue
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("履歴の読み取り中にエラー: %w", err)
	}

	if skipped > 0 {
		log.Printf("[履歴] 不正な履歴行を%d件スキップしました", skipped)
	}
	return events, nil
}
