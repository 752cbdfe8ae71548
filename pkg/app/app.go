// Package app はサーバーとサーバーレス関数で共有する初期化処理です。
package app

import (
	"context"
	"fmt"
	"log"
	"time"

	config "production-pulse-api/configs"
	"production-pulse-api/pkg/handlers"
	"production-pulse-api/pkg/services"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
)

// App 初期化済みのエンジンとルーター
type App struct {
	Config       *config.Config
	EngineConfig *config.EngineConfig
	Engine       *services.Engine
	Router       *gin.Engine

	closers []func()
}

// Build 設定から履歴ソース・実績ストア・エンジン・ルーターを組み立てる。
// 外部の接続に失敗した場合は警告を出して、その機能なしで起動する。
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	engineCfg, err := config.LoadEngine(cfg.EngineConfigPath)
	if err != nil {
		return nil, err
	}

	loc := cfg.Location()
	a := &App{Config: cfg, EngineConfig: engineCfg}

	// 予測実績のチェックポイント
	var outcomes services.OutcomeStore
	if cfg.RedisURL != "" {
		store, err := services.NewRedisOutcomeStoreWithURL(cfg.RedisURL, "")
		if err != nil {
			log.Printf("⚠️ REDIS_URL が不正です。実績ログは保存されません: %v", err)
		} else if err := store.Ping(ctx); err != nil {
			log.Printf("⚠️ Redisに接続できません。実績ログは保存されません: %v", err)
			store.Close()
		} else {
			a.closers = append(a.closers, func() { store.Close() })
			outcomes = store
			log.Printf("🧠 実績ログ: Redis")
		}
	}

	engine, err := services.NewEngine(engineCfg.EngineOptions(loc, cfg.HistoryDays), nil, outcomes)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("エンジンの初期化に失敗: %w", err)
	}
	a.Engine = engine
	a.closers = append(a.closers, engine.Close)

	// 履歴ソース: Postgres → Excel の順。除外リストの再読み込みが反映されるようエンジンの正規化器を共有する。
	switch {
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Printf("⚠️ データベースに接続できません。履歴なしで起動します: %v", err)
			break
		}
		a.closers = append(a.closers, pool.Close)
		engine.SetHistorySource(services.NewPostgresHistorySource(pool, engine.Normalizer()))
		log.Printf("🗄️ 履歴ソース: PostgreSQL")
	case cfg.HistoryFile != "":
		engine.SetHistorySource(services.NewExcelHistorySource(cfg.HistoryFile, engine.Normalizer()))
		log.Printf("📊 履歴ソース: %s", cfg.HistoryFile)
	}

	now := time.Now()
	from := now.In(loc).AddDate(0, 0, -cfg.HistoryDays)
	if err := engine.Warmup(ctx, from, now); err != nil {
		log.Printf("⚠️ ウォームアップに失敗しました: %v", err)
	}

	a.Router = handlers.NewRouter(engine, cfg.APIKey)
	return a, nil
}

// WatchEngineConfig ENGINE_CONFIG が指定されていれば変更を監視して反映する
func (a *App) WatchEngineConfig(ctx context.Context) {
	path := a.Config.EngineConfigPath
	if path == "" {
		return
	}
	go func() {
		err := config.WatchEngine(ctx, path, func(cfg *config.EngineConfig) {
			if err := a.Engine.ApplyTuning(cfg.Tuning()); err != nil {
				log.Printf("❌ エンジン設定の適用に失敗しました: %v", err)
			}
		})
		if err != nil {
			log.Printf("❌ エンジン設定の監視を開始できません: %v", err)
		}
	}()
}

// Close 接続を後ろから順に閉じる
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
