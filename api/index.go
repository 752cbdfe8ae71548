package handler

import (
	"context"
	"log"
	"net/http"
	"sync"

	config "production-pulse-api/configs"
	"production-pulse-api/pkg/app"
	"production-pulse-api/pkg/handlers"

	"github.com/gin-gonic/gin"
)

var (
	router *gin.Engine
	once   sync.Once
)

// setupApp はGinアプリケーションを初期化します。
// サーバーレス環境では、リクエストごとに初期化が走らないようsync.Onceで一度だけ実行します。
// 常駐しないため Engine.Run による定期配信は行いません。
func setupApp() *gin.Engine {
	once.Do(func() {
		// .envファイルはVercelの環境変数設定から読み込まれるため、ここではgodotenvを呼び出しません。
		cfg := config.LoadConfig()

		application, err := app.Build(context.Background(), cfg)
		if err != nil {
			log.Printf("❌ [setupApp] 初期化に失敗しました: %v", err)
			r := gin.New()
			r.GET("/health", handlers.HealthCheck)
			r.NoRoute(func(c *gin.Context) {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service is not initialized"})
			})
			router = r
			return
		}

		log.Printf("🟢 [setupApp] Gin application initialized")
		router = application.Router
	})
	return router
}

// Handler はVercelからのすべてのリクエストを処理するエントリーポイントです。
func Handler(w http.ResponseWriter, r *http.Request) {
	setupApp().ServeHTTP(w, r)
}
