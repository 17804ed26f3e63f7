package tenant

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"

	"github.com/testexechq/control-plane/cmd/server/internal/jobs"
	servermiddleware "github.com/testexechq/control-plane/cmd/server/internal/middleware"
	"github.com/testexechq/control-plane/cmd/server/internal/models"
	"github.com/testexechq/control-plane/cmd/server/internal/policy"
	"github.com/testexechq/control-plane/cmd/server/internal/ratelimit"
	"github.com/testexechq/control-plane/cmd/server/internal/scheduler"
	"github.com/testexechq/control-plane/cmd/server/internal/tracker"
	"github.com/testexechq/control-plane/internal/config"
	"github.com/testexechq/control-plane/internal/logger"
	"github.com/testexechq/control-plane/internal/queue"
)

const name = "github.com/testexechq/control-plane/cmd/server/internal/routes/tenant"

var tracer = otel.Tracer(name)

// Handler serves the tenant-facing surface: job submission and lifecycle,
// schedules and user configurations.
type Handler struct {
	DB           *gorm.DB
	Submitter    *jobs.Submitter
	Orchestrator *jobs.Orchestrator
	Tracker      *tracker.Tracker
	Scheduler    *scheduler.Engine
	Policy       *policy.Store
	CleanupQueue queue.Queuer
	Config       *config.Config
}

func NewRedisLimiter(
	redisHost string,
	limiterKey string,
	perMinute int64,
	failOpen bool,
	onlyMethod *string,
) middleware.RateLimiterConfig {
	l := logger.Logger
	var store middleware.RateLimiterStore

	redisAddr := redisHost + ":6379"
	l.Debug("Setting up rate limiter with Redis", "redis", redisAddr)
	rdb := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	rdConf := &ratelimit.RedisLimiterConfig{
		PerMinute:   perMinute,
		RedisClient: rdb,
		LimiterKey:  limiterKey,
		FailOpen:    failOpen,
	}
	store = ratelimit.NewRedisLimitStore(*rdConf)

	skipper := middleware.DefaultSkipper
	if onlyMethod != nil {
		skipper = func(c echo.Context) bool {
			return c.Request().Method != *onlyMethod
		}
	}

	return middleware.RateLimiterConfig{
		Skipper: skipper,
		Store:   store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			auth, ok := c.Get("auth").(*models.Auth)
			if !ok {
				return "", echo.NewHTTPError(http.StatusUnauthorized)
			}

			return auth.ID.String(), nil
		},
	}
}

func (h *Handler) AddRoutes(e *echo.Echo, middlewareHandler *servermiddleware.Handler) {
	l := logger.Logger

	group := e.Group("", middleware.BasicAuth(middlewareHandler.BasicAuthValidator))

	if h.Config.RateLimit != nil && h.Config.RateLimit.GlobalPerMinute > 0 {
		group.Use(
			middleware.RateLimiterWithConfig(
				NewRedisLimiter(
					h.Config.RateLimit.RedisHost,
					"global",
					h.Config.RateLimit.GlobalPerMinute,
					h.Config.RateLimit.FailOpen,
					nil,
				),
			),
		)
	} else {
		l.Warn("not configured to have a global rate limit")
	}

	jobsGroup := group.Group("/jobs")
	if h.Config.RateLimit != nil && h.Config.RateLimit.SubmitPerMinute > 0 {
		post := http.MethodPost
		jobsGroup.Use(
			middleware.RateLimiterWithConfig(
				NewRedisLimiter(
					h.Config.RateLimit.RedisHost,
					"submit",
					h.Config.RateLimit.SubmitPerMinute,
					h.Config.RateLimit.FailOpen,
					&post,
				),
			),
		)
	}

	jobsGroup.POST("/", h.SubmitJob)
	jobsGroup.GET("/:job_id/", h.GetJobStatus)
	jobsGroup.GET("/:job_id/results/", h.GetJobResults)
	jobsGroup.POST("/:job_id/cleanup/", h.CleanupJob)

	schedulesGroup := group.Group("/schedules")
	schedulesGroup.POST("/", h.CreateSchedule)
	schedulesGroup.GET("/", h.ListSchedules)
	schedulesGroup.GET("/:schedule_id/", h.GetSchedule)
	schedulesGroup.PUT("/:schedule_id/", h.UpdateSchedule)
	schedulesGroup.DELETE("/:schedule_id/", h.DeleteSchedule)

	configurationsGroup := group.Group("/configurations")
	configurationsGroup.POST("/", h.CreateConfiguration)
	configurationsGroup.GET("/", h.ListConfigurations)
	configurationsGroup.GET("/:configuration_id/", h.GetConfiguration)
	configurationsGroup.PUT("/:configuration_id/", h.UpdateConfiguration)
	configurationsGroup.DELETE("/:configuration_id/", h.DeleteConfiguration)
}
