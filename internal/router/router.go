package router

import (
	"xr-compress-lab/internal/handler"
	"xr-compress-lab/internal/middleware"
	"xr-compress-lab/internal/predictor"
	"xr-compress-lab/internal/service"

	"github.com/gin-gonic/gin"
)

func SetupRouter(svc *service.ServiceContext) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.Logger())

	// CORS
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	var pred predictor.Predictor
	if svc.Predictor != nil {
		pred = svc.Predictor
	}
	experimentHandler := handler.NewExperimentHandler(svc.Experiments, svc.Store, pred)

	r.GET("/health", experimentHandler.Health)

	// API路由
	api := r.Group("/api", middleware.JWTAuth(svc.Config.Server.JWTSecret))
	{
		experiments := api.Group("/experiments")
		{
			experiments.POST("/run", experimentHandler.RunExperiment)
			experiments.GET("", experimentHandler.ListExperiments)
			experiments.GET("/:id", experimentHandler.GetExperiment)
			experiments.GET("/:id/summary", experimentHandler.GetSummary)
			experiments.POST("/:id/cancel", experimentHandler.CancelExperiment)
		}
	}

	return r
}
