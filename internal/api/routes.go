package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/qmtlab/qmt-bridge-go/internal/api/handlers"
	"github.com/qmtlab/qmt-bridge-go/internal/database"
	"github.com/qmtlab/qmt-bridge-go/internal/qmt"
)

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	Services  Services  `json:"services"`
}

type Services struct {
	Native   string `json:"native"`
	Database string `json:"database,omitempty"`
	Redis    string `json:"redis,omitempty"`
}

// Dependencies carries everything the route tree needs. Database and Redis
// are optional and may be nil.
type Dependencies struct {
	Native    qmt.NativeAPI
	Download  *handlers.DownloadHandler
	Market    *handlers.MarketHandler
	Scheduler *handlers.SchedulerHandler
	System    *handlers.SystemHandler
	DB        *database.PostgresDB
	Redis     *database.RedisClient
}

func SetupRoutes(router *gin.Engine, deps Dependencies) {
	// Health check endpoint
	router.GET("/health", healthCheck(deps))

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		// Manual download triggers
		download := v1.Group("/download")
		{
			download.POST("/kline", deps.Download.DownloadKline)
			download.POST("/kline/incremental", deps.Download.DownloadKlineIncremental)
			download.POST("/financial", deps.Download.DownloadFinancial)
			download.POST("/universe/:kind", deps.Download.DownloadUniverse)
		}

		// Local-cache reads
		market := v1.Group("/market")
		{
			market.GET("/kline/:instrument", deps.Market.GetKline)
			market.GET("/financial/:instrument", deps.Market.GetFinancial)
			market.GET("/sector/:name", deps.Market.GetSectorStocks)
		}

		// Scheduler state
		scheduler := v1.Group("/scheduler")
		{
			scheduler.GET("/status", deps.Scheduler.GetStatus)
			scheduler.GET("/runs", deps.Scheduler.GetRuns)
		}

		// Process and host health
		system := v1.Group("/system")
		{
			system.GET("/status", deps.System.GetStatus)
		}
	}
}

func healthCheck(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		response := HealthResponse{
			Status:    "ok",
			Timestamp: time.Now(),
			Version:   "1.0.0",
			Services:  Services{Native: "ok"},
		}

		// The native sidecar is the one hard dependency
		if err := deps.Native.HealthCheck(c.Request.Context()); err != nil {
			response.Services.Native = "error"
			response.Status = "degraded"
		}

		if deps.DB != nil {
			response.Services.Database = "ok"
			if err := deps.DB.HealthCheck(c.Request.Context()); err != nil {
				response.Services.Database = "error"
				response.Status = "degraded"
			}
		}

		if deps.Redis != nil {
			response.Services.Redis = "ok"
			if err := deps.Redis.HealthCheck(c.Request.Context()); err != nil {
				response.Services.Redis = "error"
				response.Status = "degraded"
			}
		}

		statusCode := http.StatusOK
		if response.Status == "degraded" {
			statusCode = http.StatusServiceUnavailable
		}

		c.JSON(statusCode, response)
	}
}
