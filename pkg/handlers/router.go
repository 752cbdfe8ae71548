package handlers

import (
	"log"
	"net/http"

	"production-pulse-api/pkg/metrics"
	"production-pulse-api/pkg/services"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// APIKeyMiddleware X-API-KEY ヘッダーを検証する。apiKey が空なら認証しない。
func APIKeyMiddleware(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" || apiKey == "default_secret_key" {
			c.Next()
			return
		}
		providedKey := c.GetHeader("X-API-KEY")
		if providedKey == "" {
			// WebSocketはヘッダーを付けられないクライアントがあるためクエリも受け付ける
			providedKey = c.Query("api_key")
		}
		if providedKey != apiKey {
			log.Printf("❌ [認証] 無効なAPI Keyです: %s %s", c.Request.Method, c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Next()
	}
}

// NewRouter ルーティングを構築する。cmd/server と api/index.go で共有する。
func NewRouter(engine *services.Engine, apiKey string) *gin.Engine {
	r := gin.Default()

	// ミドルウェアの登録
	r.Use(metrics.GinMiddleware())
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AddAllowHeaders("X-API-KEY")
	r.Use(cors.New(corsConfig))

	productionHandler := NewProductionHandler(engine)
	forecastHandler := NewForecastHandler(engine)
	historyHandler := NewHistoryHandler(engine)
	streamHandler := NewStreamHandler(engine)
	adminHandler := NewAdminHandler(engine)

	// ヘルスチェックとメトリクス
	r.GET("/health", HealthCheck)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	v1.Use(APIKeyMiddleware(apiKey))
	{
		// イベント取り込み
		v1.POST("/events", productionHandler.IngestEvent)
		v1.POST("/events/batch", productionHandler.IngestBatch)

		// 生産レート
		production := v1.Group("/production")
		{
			production.GET("/summary", productionHandler.GetSummary)
			production.GET("/rates/:product", productionHandler.GetRate)
			production.POST("/reset", productionHandler.ResetSession)
		}

		// 需要予測
		forecast := v1.Group("/forecast")
		{
			forecast.GET("", forecastHandler.GetForecast)
			forecast.GET("/range", forecastHandler.GetForecastRange)
			forecast.POST("/outcomes", forecastHandler.RecordOutcome)
			forecast.GET("/weights", forecastHandler.GetWeights)
			forecast.GET("/patterns", forecastHandler.GetPatterns)
		}
		v1.POST("/insights", forecastHandler.SetInsights)
		v1.POST("/adjust", forecastHandler.Adjust)

		// 履歴データ
		history := v1.Group("/history")
		{
			history.POST("/upload", historyHandler.UploadHistory)
			history.POST("/rebuild", historyHandler.RebuildPatterns)
		}

		// ダッシュボード配信
		v1.GET("/stream", streamHandler.Stream)

		// 管理者向けAPI
		admin := v1.Group("/admin")
		{
			admin.GET("/health-status", adminHandler.GetHealthStatus)
			admin.POST("/maintenance/start", adminHandler.StartMaintenance)
			admin.POST("/maintenance/stop", adminHandler.StopMaintenance)
		}
	}

	return r
}
