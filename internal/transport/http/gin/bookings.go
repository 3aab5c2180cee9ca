package httpgin

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kirinyoku/freightgo/internal/domain"
	"github.com/kirinyoku/freightgo/internal/repository"
	redisrepo "github.com/kirinyoku/freightgo/internal/repository/redis"
	"github.com/kirinyoku/freightgo/internal/service/booking"
)

const idemLockTTL = 60 * time.Second

// @Summary  List bookings
// @Tags     bookings
// @Security BearerAuth
// @Param    customer_id  query  string  false  "customer (uuid)"
// @Param    schedule_id  query  string  false  "schedule (uuid)"
// @Param    status       query  string  false  "Pending, Confirmed or Cancelled"
// @Param    limit        query  int     false  "page size"
// @Param    offset       query  int     false  "offset"
// @Success  200  {array}   domain.Booking
// @Router   /api/bookings [get]
func handleListBookings(svc *booking.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		customerID, ok := parseUUIDQuery(c, "customer_id")
		if !ok {
			return
		}
		scheduleID, ok := parseUUIDQuery(c, "schedule_id")
		if !ok {
			return
		}

		out, err := svc.List(c.Request.Context(), repository.BookingFilter{
			CustomerID: customerID,
			ScheduleID: scheduleID,
			Status:     domain.BookingStatus(c.Query("status")),
			Limit:      parseIntDefault(c.Query("limit"), 50),
			Offset:     parseIntDefault(c.Query("offset"), 0),
		})
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusOK, out)
	}
}

// @Summary  Create booking (idempotent)
// @Description Validates the schedule with the scheduling service, then stores a Pending booking.
// @Description The booking becomes Confirmed or Cancelled once capacity was reconciled.
// @Tags     bookings
// @Security BearerAuth
// @Param    req body  CreateBookingRequest true "payload"
// @Header   201 {string} Idempotency-Key "echo"
// @Success  201 {object} domain.Booking
// @Failure  400 {object} ErrorResponse
// @Failure  404 {object} ErrorResponse "schedule not found"
// @Failure  409 {object} ErrorResponse "idempotency key in progress"
// @Failure  429 {object} ErrorResponse "rate limited"
// @Failure  504 {object} ErrorResponse "schedule validation timed out"
// @Router   /api/bookings [post]
func handleCreateBooking(svc *booking.Service, idem *redisrepo.IdempotencyStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateBookingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		idemKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
		var idemStorageKey string
		if idem != nil && idemKey != "" {
			idemStorageKey = redisrepo.KeyIdemBooking(rateKey(c), idemKey)

			if replayIdempotent(c, idem, idemStorageKey, idemKey) {
				return
			}

			locked, err := idem.AcquireLock(c.Request.Context(), idemStorageKey, idemLockTTL)
			if err != nil {
				respondErr(c, err)
				return
			}
			if !locked {
				if replayIdempotent(c, idem, idemStorageKey, idemKey) {
					return
				}
				c.Header("Retry-After", "1")
				c.JSON(http.StatusConflict, ErrorResponse{Error: "idempotency key in progress"})
				return
			}
		}

		in := req.input(subject(c))
		in.RateKey = rateKey(c)

		b, err := svc.Create(c.Request.Context(), in)
		if err != nil {
			if idemStorageKey != "" {
				_ = idem.Release(c.Request.Context(), idemStorageKey)
			}
			respondErr(c, err)
			return
		}

		if idemStorageKey != "" {
			payload, _ := json.Marshal(b)
			_ = idem.SaveResult(c.Request.Context(), idemStorageKey, string(payload))
			c.Header("Idempotency-Key", idemKey)
		}

		c.Header("Location", "/api/bookings/"+b.ID.String())
		c.JSON(http.StatusCreated, b)
	}
}

// replayIdempotent answers with a stored result for key, if there is one.
func replayIdempotent(c *gin.Context, idem *redisrepo.IdempotencyStore, key, idemKey string) bool {
	payload, ok, _ := idem.GetResult(c.Request.Context(), key)
	if !ok {
		return false
	}

	c.Header("Idempotency-Key", idemKey)
	c.Data(http.StatusCreated, "application/json; charset=utf-8", []byte(payload))
	return true
}

// @Summary  Get booking
// @Tags     bookings
// @Security BearerAuth
// @Param    id  path  string  true  "Booking ID (uuid)"
// @Success  200  {object}  domain.Booking
// @Failure  404  {object}  ErrorResponse
// @Router   /api/bookings/{id} [get]
func handleGetBooking(svc *booking.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}

		b, err := svc.Get(c.Request.Context(), id)
		if err != nil {
			respondErr(c, err)
			return
		}

		writeJSONWithETag(c, http.StatusOK, b, "no-cache")
	}
}

// @Summary  Update booking
// @Tags     bookings
// @Security BearerAuth
// @Param    id  path  string  true  "Booking ID (uuid)"
// @Param    req body  UpdateBookingRequest true "payload"
// @Success  200 {object} domain.Booking
// @Failure  404 {object} ErrorResponse
// @Failure  409 {object} ErrorResponse "booking is cancelled"
// @Router   /api/bookings/{id} [put]
func handleUpdateBooking(svc *booking.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}

		var req UpdateBookingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		b, err := svc.Update(c.Request.Context(), id, req.input())
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusOK, b)
	}
}

// @Summary  Cancel booking
// @Tags     bookings
// @Security BearerAuth
// @Param    id  path  string  true  "Booking ID (uuid)"
// @Param    req body  CancelBookingRequest false "payload"
// @Success  200 {object} domain.Booking
// @Failure  404 {object} ErrorResponse
// @Router   /api/bookings/{id}/cancel [post]
func handleCancelBooking(svc *booking.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}

		var req CancelBookingRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				badRequest(c, err.Error())
				return
			}
		}

		b, err := svc.Cancel(c.Request.Context(), id, req.Reason)
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusOK, b)
	}
}
