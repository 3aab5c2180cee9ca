package httpgin

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/kirinyoku/freightgo/internal/auth"
	"github.com/kirinyoku/freightgo/internal/metrics"
	redisrepo "github.com/kirinyoku/freightgo/internal/repository/redis"
	"github.com/kirinyoku/freightgo/internal/service"
	"github.com/kirinyoku/freightgo/internal/service/booking"
	"github.com/kirinyoku/freightgo/internal/service/scheduling"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

type Deps struct {
	Services *service.Services
	// Auth protects /api and serves /api/token. Nil disables both.
	Auth        *auth.Issuer
	Idempotency *redisrepo.IdempotencyStore
	Metrics     *metrics.Metrics
}

// NewRouter mounts the routes of the services present in deps.Services.
func NewRouter(deps Deps, logger *slog.Logger, middlewares ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery(), LoggingMiddleware(logger), RequestIDMiddleware(), CORS())
	for _, m := range middlewares {
		if m != nil {
			r.Use(m)
		}
	}

	// Swagger UI
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// health
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	api := r.Group("/api")
	if deps.Auth != nil {
		api.POST("/token", handleIssueToken(deps.Auth))
		api.Use(AuthMiddleware(deps.Auth))
	}

	svcs := deps.Services
	if svcs == nil {
		svcs = &service.Services{}
	}

	if svcs.Scheduling != nil {
		schedules := api.Group("/schedules")
		{
			schedules.GET("", handleListSchedules(svcs.Scheduling))
			schedules.POST("", handleCreateSchedule(svcs.Scheduling))
			schedules.GET("/:id", handleGetSchedule(svcs.Scheduling))
			schedules.PUT("/:id", handleUpdateSchedule(svcs.Scheduling))
			schedules.POST("/:id/cancel", handleCancelSchedule(svcs.Scheduling))
		}
	}

	if svcs.Booking != nil {
		bookings := api.Group("/bookings")
		{
			bookings.GET("", handleListBookings(svcs.Booking))
			bookings.POST("", handleCreateBooking(svcs.Booking, deps.Idempotency))
			bookings.GET("/:id", handleGetBooking(svcs.Booking))
			bookings.PUT("/:id", handleUpdateBooking(svcs.Booking))
			bookings.POST("/:id/cancel", handleCancelBooking(svcs.Booking))
		}
	}

	return r
}

// @Summary  Issue an access token
// @Tags     auth
// @Param    req body  TokenRequest true "payload"
// @Success  200 {object} auth.Token
// @Failure  400 {object} ErrorResponse
// @Router   /api/token [post]
func handleIssueToken(issuer *auth.Issuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		tok, err := issuer.Issue(uuid.MustParse(req.UserID))
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusOK, tok)
	}
}

// --- Helpers ---

func parseUUIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		badRequest(c, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func parseUUIDQuery(c *gin.Context, name string) (*uuid.UUID, bool) {
	s := c.Query(name)
	if s == "" {
		return nil, true
	}
	id, err := uuid.Parse(s)
	if err != nil {
		badRequest(c, "invalid "+name)
		return nil, false
	}
	return &id, true
}

func parseTimeQuery(c *gin.Context, name string) (*time.Time, bool) {
	s := c.Query(name)
	if s == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		badRequest(c, "invalid "+name+" (RFC3339)")
		return nil, false
	}
	return &t, true
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg})
}

func respondErr(c *gin.Context, err error) {
	if err == nil {
		c.Status(http.StatusNoContent)
		return
	}

	var (
		schedInvalid scheduling.ValidationError
		bookInvalid  booking.ValidationError
		limited      booking.RateLimitedError
	)

	switch {
	case errors.As(err, &schedInvalid):
		badRequest(c, schedInvalid.Error())
	case errors.As(err, &bookInvalid):
		badRequest(c, bookInvalid.Error())
	case errors.Is(err, scheduling.ErrScheduleNotFound),
		errors.Is(err, booking.ErrScheduleNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "schedule not found"})
	case errors.Is(err, booking.ErrBookingNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "booking not found"})
	case errors.Is(err, scheduling.ErrScheduleClosed):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "schedule is cancelled"})
	case errors.Is(err, scheduling.ErrCapacityBelowReserved):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "capacity below reserved units"})
	case errors.Is(err, booking.ErrBookingClosed):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "booking is cancelled"})
	case errors.As(err, &limited):
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(limited.RetryAfter)))
		c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "rate limited"})
	case errors.Is(err, booking.ErrBusTimeout):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusGatewayTimeout, ErrorResponse{Error: "schedule validation timed out"})
	case errors.Is(err, booking.ErrBusUnavailable):
		c.Header("Retry-After", "5")
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "schedule validation unavailable"})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}
}

func retryAfterSeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		return 1
	}
	return s
}

// rateKey identifies the caller for rate limiting.
func rateKey(c *gin.Context) string {
	if sub := subject(c); sub != uuid.Nil {
		return "sub:" + sub.String()
	}
	return "ip:" + strings.ReplaceAll(c.ClientIP(), ":", "_")
}
