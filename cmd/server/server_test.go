package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	config "production-pulse-api/configs"
	"production-pulse-api/pkg/app"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	// テスト環境の設定
	gin.SetMode(gin.TestMode)

	// テスト実行
	code := m.Run()

	// 終了
	os.Exit(code)
}

// clearBackends 外部接続を使わない設定にする
func clearBackends(t *testing.T) {
	t.Helper()
	for _, key := range []string{"API_KEY", "REDIS_URL", "DATABASE_URL", "HISTORY_FILE", "ENGINE_CONFIG"} {
		t.Setenv(key, "")
	}
	t.Setenv("TIMEZONE", "UTC")
}

func TestApplicationSetup(t *testing.T) {
	clearBackends(t)

	// 設定の読み込みテスト
	cfg := config.LoadConfig()
	assert.NotNil(t, cfg, "Config should not be nil")

	// 初期化テスト
	application, err := app.Build(context.Background(), cfg)
	require.NoError(t, err)
	defer application.Close()

	assert.NotNil(t, application.Engine, "Engine should not be nil")
	assert.NotNil(t, application.Router, "Router should not be nil")
	assert.NotNil(t, application.EngineConfig, "EngineConfig should not be nil")
}

func TestRouterSetup(t *testing.T) {
	clearBackends(t)

	application, err := app.Build(context.Background(), config.LoadConfig())
	require.NoError(t, err)
	defer application.Close()

	// ヘルスチェックのテスト
	req, _ := http.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	application.Router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// 集計APIのテスト
	req, _ = http.NewRequest("GET", "/api/v1/production/summary", nil)
	w = httptest.NewRecorder()
	application.Router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// メトリクスのテスト
	req, _ = http.NewRequest("GET", "/metrics", nil)
	w = httptest.NewRecorder()
	application.Router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "production_http_requests_total")
}

func TestInvalidEngineConfig(t *testing.T) {
	clearBackends(t)
	t.Setenv("ENGINE_CONFIG", "/nonexistent/engine.yaml")

	_, err := app.Build(context.Background(), config.LoadConfig())
	assert.Error(t, err)
}
