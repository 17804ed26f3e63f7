package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"github.com/testexechq/control-plane/internal/cluster"
)

type componentHealth struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components []componentHealth `json:"components"`
}

// HealthHandler reports per-component status on the anonymous endpoint.
type HealthHandler struct {
	DB      *gorm.DB
	Backend cluster.Backend
}

func (h *HealthHandler) AddRoutes(e *echo.Echo) {
	e.GET("/health/", h.Health)
}

func (h *HealthHandler) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	components := []componentHealth{}
	healthy := true

	dbHealth := componentHealth{Name: "database", Status: "healthy"}
	sqlDB, err := h.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		healthy = false
		dbHealth.Status = "unhealthy"
		dbHealth.Detail = err.Error()
	}
	components = append(components, dbHealth)

	clusterHealth := componentHealth{Name: "cluster", Status: "healthy"}
	if _, err := h.Backend.ListNodes(ctx); err != nil {
		healthy = false
		clusterHealth.Status = "unhealthy"
		clusterHealth.Detail = err.Error()
	}
	components = append(components, clusterHealth)

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	return c.JSON(code, healthResponse{Status: status, Components: components})
}
