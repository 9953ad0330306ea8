// Package server 通过 gin 暴露叠加图会话的 HTTP 接口
package server

import (
	"net/http"

	"github.com/chaos-io/photobooth/config"
	"github.com/gin-gonic/gin"
)

var Version = "dev"

// NewRouter 注册路由
func NewRouter(cfg *config.Config, h *Handler) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(Logger())
	if cfg.Upload.MaxSize > 0 {
		r.MaxMultipartMemory = cfg.Upload.MaxSize
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"version":  Version,
			"sessions": h.manager.Len(),
		})
	})

	api := r.Group("/api/v1")
	{
		api.POST("/sessions", h.CreateSession)
		api.DELETE("/sessions/:id", h.DeleteSession)

		s := api.Group("/sessions/:id")
		s.GET("/overlay", h.GetOverlay)
		s.GET("/overlay/image", h.GetOverlayImage)
		s.POST("/overlay", h.UploadOverlay)
		s.DELETE("/overlay", h.RemoveOverlay)
		s.POST("/overlay/cancel", h.CancelOverlay)
		s.POST("/overlay/fit", h.FitOverlay)
		s.POST("/overlay/crop", h.CropOverlay)
		s.PUT("/overlay/scale", h.SetScale)
		s.PUT("/overlay/rotation", h.SetRotation)
		s.PUT("/canvas", h.SetCanvas)
		s.POST("/pointer", h.Pointer)
		s.POST("/render", h.Render)
	}

	return r
}
