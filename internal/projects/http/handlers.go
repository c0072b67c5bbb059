package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/afkfleet/afkfleet-backend/internal/auth/middleware"
	"github.com/afkfleet/afkfleet-backend/internal/projects/capture"
	"github.com/afkfleet/afkfleet-backend/internal/projects/domain"
	"github.com/afkfleet/afkfleet-backend/internal/projects/supervisor"
)

type Handler struct {
	supervisor *supervisor.Supervisor
}

func NewHandler(sup *supervisor.Supervisor) *Handler {
	return &Handler{supervisor: sup}
}

func (h *Handler) create(c *gin.Context) {
	var req createReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "All fields are required"})
		return
	}

	username := middleware.Username(c)
	projectID, err := h.supervisor.Create(req.IP, req.Port, req.Version, domain.Kind(req.Type), username)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success":   true,
		"projectId": projectID,
		"message":   "Project created successfully",
	})
}

func (h *Handler) list(c *gin.Context) {
	projects := h.supervisor.List(middleware.Username(c))
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"projects": projects,
		"count":    len(projects),
	})
}

func (h *Handler) start(c *gin.Context) {
	pid, err := h.supervisor.Start(c.Param("id"), middleware.Username(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "pid": pid, "message": "Project started successfully"})
}

func (h *Handler) stop(c *gin.Context) {
	if err := h.supervisor.Stop(c.Param("id"), middleware.Username(c)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Project stopped successfully"})
}

func (h *Handler) remove(c *gin.Context) {
	if err := h.supervisor.Delete(c.Param("id"), middleware.Username(c)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Project deleted successfully"})
}

func (h *Handler) status(c *gin.Context) {
	view, err := h.supervisor.Status(c.Param("id"), middleware.Username(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "status": view.Status, "details": view})
}

func (h *Handler) logs(c *gin.Context) {
	lines, err := h.supervisor.Logs(c.Param("id"), middleware.Username(c), linesParam(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "log": strings.Join(lines, "\n")})
}

func (h *Handler) events(c *gin.Context) {
	lines, err := h.supervisor.Events(c.Param("id"), middleware.Username(c), linesParam(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "events": strings.Join(lines, "\n")})
}

// AllEvents merges the event streams of every project the caller owns.
func (h *Handler) AllEvents(c *gin.Context) {
	lines, err := h.supervisor.AllEvents(middleware.Username(c), linesParam(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to fetch events"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "events": strings.Join(lines, "\n")})
}

func linesParam(c *gin.Context) int {
	n, err := strconv.Atoi(c.DefaultQuery("lines", ""))
	if err != nil || n <= 0 {
		return capture.DefaultTailLines
	}
	return n
}

// respondError maps the supervisor's typed errors to transport status codes:
// not-found 404, permission-denied 403, validation 400, state-conflict 409,
// everything environmental or internal 500.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidProjectID),
		errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrQuotaExceeded):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrAlreadyRunning), errors.Is(err, domain.ErrNotRunning):
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"success": false, "error": err.Error()})
}
