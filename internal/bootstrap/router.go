package bootstrap

import (
	"log/slog"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	apihttp "github.com/afkfleet/afkfleet-backend/internal/api/http"
	authhttp "github.com/afkfleet/afkfleet-backend/internal/auth/http"
	"github.com/afkfleet/afkfleet-backend/internal/auth/middleware"
	authservice "github.com/afkfleet/afkfleet-backend/internal/auth/service"
	"github.com/afkfleet/afkfleet-backend/internal/observability"
	projhttp "github.com/afkfleet/afkfleet-backend/internal/projects/http"
	"github.com/afkfleet/afkfleet-backend/internal/projects/supervisor"
)

type RouterDeps struct {
	ServiceName string
	Version     string
	Logger      *slog.Logger
	Auth        *authservice.Service
	Supervisor  *supervisor.Supervisor
	Metrics     *prometheus.Registry
}

func BuildRouter(dep RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID(dep.Logger))
	r.Use(cors.Default())

	healthHandler := apihttp.NewHealthHandler(dep.ServiceName, dep.Version, dep.Supervisor.ProbeBedrock)
	healthHandler.RegisterRoutes(r)

	if dep.Metrics != nil {
		r.GET("/metrics", gin.WrapH(observability.Handler(dep.Metrics)))
	}

	api := r.Group("/api")
	healthHandler.RegisterRoutes(api)

	// ~10 credential attempts per 15 minutes per client IP.
	authLimiter := middleware.RateLimit(rate.Every(90*time.Second), 10)
	authRequired := middleware.RequireAuth(dep.Auth)

	authHandler := authhttp.NewHandler(dep.Auth)
	authHandler.Register(api.Group("/auth"), authLimiter, authRequired)

	projectHandler := projhttp.NewHandler(dep.Supervisor)
	authed := api.Group("")
	authed.Use(authRequired)
	projectHandler.Register(authed.Group("/projects"))
	authed.GET("/events", projectHandler.AllEvents)

	return r
}
