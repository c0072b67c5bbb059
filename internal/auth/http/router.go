package http

import "github.com/gin-gonic/gin"

// Register attaches the auth routes. The limiter throttles the unauthenticated
// credential routes; authRequired guards the verify route.
func (h *Handler) Register(rg *gin.RouterGroup, limiter, authRequired gin.HandlerFunc) {
	rg.POST("/signup", limiter, h.signup)
	rg.POST("/login", limiter, h.login)
	rg.GET("/verify", authRequired, h.verify)
}
