package handler

import (
	"context"

	"github.com/ethaccount/userop/src/service"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

type RouterConfig struct {
	UserOperationService *service.UserOperationService
	HealthChecks         map[string]HealthCheck
	// Gatherer backs /metrics; nil leaves the route out.
	Gatherer     prometheus.Gatherer
	AllowOrigins []string
	// APISecret guards approve and reject when set.
	APISecret string
}

func RegisterRoutes(ctx context.Context, router *gin.Engine, config RouterConfig) {
	if len(config.AllowOrigins) > 0 {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowOrigins = config.AllowOrigins
		corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Requested-With", "X-API-Secret"}
		corsConfig.AllowCredentials = true
		router.Use(cors.New(corsConfig))
	}

	SetMiddlewares(ctx, router)

	// Swagger documentation
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	if config.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(config.Gatherer, promhttp.HandlerOpts{})))
	}

	healthHandler := NewHealthHandler(config.HealthChecks)
	userOpHandler := NewUserOperationHandler(config.UserOperationService)

	router.GET("/health", healthHandler.HandleHealthCheck)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/health", healthHandler.HandleHealthCheck)

		v1.GET("/user-operations", userOpHandler.ListUserOperations)
		v1.GET("/user-operations/:id", userOpHandler.GetUserOperation)
		v1.GET("/user-operations/:id/status", userOpHandler.GetUserOperationStatus)
		v1.POST("/user-operations", userOpHandler.AddUserOperation)

		decisions := v1.Group("/user-operations/:id")
		if config.APISecret != "" {
			decisions.Use(SharedSecretMiddleware(config.APISecret))
		}
		decisions.POST("/approve", userOpHandler.ApproveUserOperation)
		decisions.POST("/reject", userOpHandler.RejectUserOperation)
	}
}
