package http

import "github.com/gin-gonic/gin"

// Register attaches the project routes to an authenticated router group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("", h.create)
	rg.GET("", h.list)
	rg.POST("/:id/start", h.start)
	rg.POST("/:id/stop", h.stop)
	rg.DELETE("/:id", h.remove)
	rg.GET("/:id/status", h.status)
	rg.GET("/:id/logs", h.logs)
	rg.GET("/:id/events", h.events)
}
