package httpgin

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kirinyoku/freightgo/internal/domain"
	"github.com/kirinyoku/freightgo/internal/repository"
	"github.com/kirinyoku/freightgo/internal/service/scheduling"
)

// @Summary  List schedules
// @Tags     schedules
// @Security BearerAuth
// @Param    origin       query  string  false  "origin"
// @Param    destination  query  string  false  "destination"
// @Param    status       query  string  false  "status"
// @Param    depart_from  query  string  false  "RFC3339"
// @Param    depart_to    query  string  false  "RFC3339"
// @Param    limit        query  int     false  "page size"
// @Param    offset       query  int     false  "offset"
// @Success  200  {array}   domain.Schedule
// @Router   /api/schedules [get]
func handleListSchedules(svc *scheduling.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		from, ok := parseTimeQuery(c, "depart_from")
		if !ok {
			return
		}
		to, ok := parseTimeQuery(c, "depart_to")
		if !ok {
			return
		}

		out, err := svc.List(c.Request.Context(), repository.ScheduleFilter{
			Origin:      c.Query("origin"),
			Destination: c.Query("destination"),
			Status:      domain.ScheduleStatus(c.Query("status")),
			DepartFrom:  from,
			DepartTo:    to,
			Limit:       parseIntDefault(c.Query("limit"), 50),
			Offset:      parseIntDefault(c.Query("offset"), 0),
		})
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusOK, out)
	}
}

// @Summary  Create schedule
// @Tags     schedules
// @Security BearerAuth
// @Param    req body  CreateScheduleRequest true "payload"
// @Success  201 {object} domain.Schedule
// @Failure  400 {object} ErrorResponse
// @Router   /api/schedules [post]
func handleCreateSchedule(svc *scheduling.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateScheduleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		sc, err := svc.Create(c.Request.Context(), req.input())
		if err != nil {
			respondErr(c, err)
			return
		}

		c.Header("Location", "/api/schedules/"+sc.ID.String())
		c.JSON(http.StatusCreated, sc)
	}
}

// @Summary  Get schedule with its bookings
// @Tags     schedules
// @Security BearerAuth
// @Param    id  path  string  true  "Schedule ID (uuid)"
// @Success  200  {object}  domain.ScheduleWithBookings
// @Failure  404  {object}  ErrorResponse
// @Router   /api/schedules/{id} [get]
func handleGetSchedule(svc *scheduling.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}

		sc, err := svc.Get(c.Request.Context(), id)
		if err != nil {
			respondErr(c, err)
			return
		}

		writeJSONWithETag(c, http.StatusOK, sc, "no-cache")
	}
}

// @Summary  Update schedule
// @Tags     schedules
// @Security BearerAuth
// @Param    id  path  string  true  "Schedule ID (uuid)"
// @Param    req body  UpdateScheduleRequest true "payload"
// @Success  200 {object} domain.Schedule
// @Failure  404 {object} ErrorResponse
// @Failure  409 {object} ErrorResponse "cancelled / capacity below reserved"
// @Router   /api/schedules/{id} [put]
func handleUpdateSchedule(svc *scheduling.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}

		var req UpdateScheduleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		sc, err := svc.Update(c.Request.Context(), id, req.input())
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusOK, sc)
	}
}

// @Summary  Cancel schedule
// @Tags     schedules
// @Security BearerAuth
// @Param    id  path  string  true  "Schedule ID (uuid)"
// @Success  200 {object} domain.Schedule
// @Failure  404 {object} ErrorResponse
// @Router   /api/schedules/{id}/cancel [post]
func handleCancelSchedule(svc *scheduling.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}

		sc, err := svc.Cancel(c.Request.Context(), id)
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusOK, sc)
	}
}
