package http

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
)

type BedrockStatus struct {
	Installed bool   `json:"installed"`
	Error     string `json:"error,omitempty"`
}

type HealthResponse struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Service   string        `json:"service"`
	Version   string        `json:"version"`
	Platform  string        `json:"platform"`
	Bedrock   BedrockStatus `json:"bedrock"`
}

// HealthHandler reports service identity and whether the native dependency
// bedrock bots need is present on this host.
type HealthHandler struct {
	serviceName  string
	version      string
	bedrockProbe func() error
}

func NewHealthHandler(serviceName, version string, bedrockProbe func() error) *HealthHandler {
	return &HealthHandler{
		serviceName:  serviceName,
		version:      version,
		bedrockProbe: bedrockProbe,
	}
}

func (h *HealthHandler) HealthCheck(c *gin.Context) {
	bedrock := BedrockStatus{Installed: true}
	if err := h.bedrockProbe(); err != nil {
		bedrock.Installed = false
		bedrock.Error = err.Error()
	}

	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Service:   h.serviceName,
		Version:   h.version,
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		Bedrock:   bedrock,
	})
}

func (h *HealthHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", h.HealthCheck)
	r.GET("/healthz", h.HealthCheck)
}
