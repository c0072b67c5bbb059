package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/afkfleet/afkfleet-backend/internal/auth/domain"
	"github.com/afkfleet/afkfleet-backend/internal/auth/middleware"
	"github.com/afkfleet/afkfleet-backend/internal/auth/service"
)

type Handler struct {
	authService *service.Service
}

func NewHandler(authService *service.Service) *Handler {
	return &Handler{authService: authService}
}

func (h *Handler) signup(c *gin.Context) {
	var req credentialsReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Username and password are required"})
		return
	}

	if err := h.authService.CreateUser(req.Username, req.Password); err != nil {
		if errors.Is(err, domain.ErrUserExists) {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Username already exists"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Internal server error"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"success": true, "message": "User created successfully"})
}

func (h *Handler) login(c *gin.Context) {
	var req credentialsReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Username and password are required"})
		return
	}

	token, err := h.authService.Authenticate(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Invalid username or password"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "token": token, "username": req.Username})
}

// verify confirms the caller's token and reports admin standing.
func (h *Handler) verify(c *gin.Context) {
	username := middleware.Username(c)
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"user":    gin.H{"username": username},
		"isAdmin": h.authService.IsAdmin(username),
		"message": "Token is valid",
	})
}
