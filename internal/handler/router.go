package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func SetupRouter(h *Handler, gatherer prometheus.Gatherer, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(RecoveryMiddleware(logger))
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	api := r.Group("/api/v1")
	{
		wallet := api.Group("/wallet")
		{
			wallet.GET("/balance", h.GetBalance)
			wallet.POST("/debit", h.Debit)
			wallet.POST("/recharge", h.Recharge)
		}
	}

	ops := r.Group("/ops")
	{
		outbox := ops.Group("/outbox")
		{
			outbox.POST("/publish", h.PublishOutbox)
			outbox.GET("/failed", h.ListFailedOutbox)
		}

		dlq := ops.Group("/dlq")
		{
			dlq.GET("/stats", h.DlqStatistics)
			dlq.GET("/stats/:topic", h.DlqTopicStatistics)
			dlq.GET("/inspect/:topic", h.InspectDlq)
			dlq.POST("/reprocess", h.ReprocessDlq)
			dlq.POST("/reprocess/cancel", h.CancelReprocessing)
			dlq.POST("/alerts/check", h.CheckAlerts)
			dlq.DELETE("/:topic", h.DeleteDlq)
		}
	}

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}
