package handler

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/rvcd/internal/middleware"
)

type RouterDeps struct {
	Convert         *ConvertHandler
	Models          *ModelHandler
	Params          *ParamsHandler
	Device          *DeviceHandler
	Health          *HealthHandler
	AdminSecret     []byte
	AdminRateWindow time.Duration
}

func RegisterRoutes(api *gin.RouterGroup, deps RouterDeps) {
	api.GET("/health", deps.Health.Health)
	api.GET("/status", deps.Health.Status)

	api.POST("/convert", deps.Convert.Convert)
	api.POST("/separate", deps.Convert.Separate)

	api.GET("/models", deps.Models.List)
	api.POST("/models/:name", deps.Models.Load)
	api.GET("/params", deps.Params.Get)

	adminGroup := api.Group("")
	adminGroup.Use(middleware.AdminAuth(deps.AdminSecret), middleware.RateLimit(deps.AdminRateWindow))
	adminGroup.POST("/params", deps.Params.Set)
	adminGroup.POST("/set_device", deps.Device.SetDevice)
}
