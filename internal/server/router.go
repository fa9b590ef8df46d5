package server

import "github.com/gin-gonic/gin"

type Config struct {
	TradeHandler *TradeHandler
}

func NewRouter(cfg *Config) *gin.Engine {
	router := gin.Default()

	api := router.Group("/api/v1")
	registerTradeRoutes(api, cfg.TradeHandler)

	return router
}

func registerTradeRoutes(api *gin.RouterGroup, h *TradeHandler) {
	trades := api.Group("/trades")
	trades.POST("/upload", h.UploadTrades)
	trades.GET("", h.ListTrades)
	trades.GET("/statistics", h.GetStatistics)
	trades.GET("/:id", h.GetTrade)
	trades.DELETE("", h.ClearTrades)
}
