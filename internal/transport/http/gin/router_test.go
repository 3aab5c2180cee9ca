package httpgin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/kirinyoku/freightgo/internal/auth"
	"github.com/kirinyoku/freightgo/internal/bus"
	"github.com/kirinyoku/freightgo/internal/domain"
	"github.com/kirinyoku/freightgo/internal/metrics"
	"github.com/kirinyoku/freightgo/internal/outbox"
	"github.com/kirinyoku/freightgo/internal/repository"
	"github.com/kirinyoku/freightgo/internal/repository/memory"
	redisrepo "github.com/kirinyoku/freightgo/internal/repository/redis"
	"github.com/kirinyoku/freightgo/internal/service"
	"github.com/kirinyoku/freightgo/internal/service/booking"
	"github.com/kirinyoku/freightgo/internal/service/scheduling"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type discardPublisher struct{}

func (discardPublisher) Publish(context.Context, bus.Message) error { return nil }

type stubValidator struct {
	exists bool
	err    error
}

func (v *stubValidator) ValidateSchedule(context.Context, uuid.UUID) (bool, error) {
	return v.exists, v.err
}

type testServer struct {
	router    *gin.Engine
	issuer    *auth.Issuer
	validator *stubValidator
	token     string
	caller    uuid.UUID
	bookings  *memory.BookingStore
}

func newTestServer(t *testing.T, opts ...func(*Deps)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	issuer, err := auth.New(auth.Config{Secret: "secret", Issuer: "freightgo", TTL: time.Minute})
	require.NoError(t, err)

	schedules := memory.NewScheduleStore()
	bookings := memory.NewBookingStore()
	validator := &stubValidator{exists: true}

	svcs := &service.Services{
		Scheduling: scheduling.New(schedules,
			outbox.NewRelay(scheduling.Producer, schedules, discardPublisher{}, logger, nil, outbox.Config{}),
			nil, nil, nil, logger, scheduling.Config{}),
		Booking: booking.New(bookings, validator,
			outbox.NewRelay(booking.Producer, bookings, discardPublisher{}, logger, nil, outbox.Config{}),
			nil, nil, logger),
	}

	caller := uuid.New()
	tok, err := issuer.Issue(caller)
	require.NoError(t, err)

	deps := Deps{Services: svcs, Auth: issuer, Metrics: metrics.New()}
	for _, o := range opts {
		o(&deps)
	}

	return &testServer{
		router:    NewRouter(deps, logger),
		issuer:    issuer,
		validator: validator,
		token:     tok.AccessToken,
		caller:    caller,
		bookings:  bookings,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}

	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) createSchedule(t *testing.T, capacity int) domain.Schedule {
	t.Helper()

	dep := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)
	w := s.do(t, http.MethodPost, "/api/schedules", CreateScheduleRequest{
		Origin:            "Gdansk",
		Destination:       "Prague",
		DepartureTime:     dep,
		ArrivalTime:       dep.Add(9 * time.Hour),
		TotalCapacity:     capacity,
		PricePerUnitCents: 400,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var sc domain.Schedule
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sc))
	return sc
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestAPIRequiresBearerToken(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/schedules", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/schedules", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestIssueTokenIsPublic(t *testing.T) {
	s := newTestServer(t)
	user := uuid.New()

	body, _ := json.Marshal(TokenRequest{UserID: user.String()})
	req := httptest.NewRequest(http.MethodPost, "/api/token", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var tok auth.Token
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tok))

	claims, err := s.issuer.Verify(tok.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user, claims.Subject)
}

func TestScheduleLifecycle(t *testing.T) {
	s := newTestServer(t)
	sc := s.createSchedule(t, 12)
	assert.Equal(t, 12, sc.AvailableCapacity)
	assert.Equal(t, "Gdansk - Prague", sc.Route.Name)

	path := "/api/schedules/" + sc.ID.String()

	w := s.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	etag := w.Header().Get("ETag")
	require.NotEmpty(t, etag)

	w = s.do(t, http.MethodGet, path, nil, "If-None-Match", etag)
	assert.Equal(t, http.StatusNotModified, w.Code)

	total := 20
	w = s.do(t, http.MethodPut, path, UpdateScheduleRequest{TotalCapacity: &total})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var updated domain.Schedule
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &updated))
	assert.Equal(t, 20, updated.AvailableCapacity)

	w = s.do(t, http.MethodPost, path+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPut, path, UpdateScheduleRequest{TotalCapacity: &total})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodGet, "/api/schedules?status=Cancelled", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []domain.Schedule
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list, 1)
}

func TestScheduleErrors(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/schedules/not-a-uuid", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/schedules/"+uuid.NewString(), nil).Code)

	dep := time.Now().UTC()
	w := s.do(t, http.MethodPost, "/api/schedules", CreateScheduleRequest{
		Origin:        "A",
		Destination:   "B",
		DepartureTime: dep,
		ArrivalTime:   dep.Add(-time.Hour),
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "arrival_time")
}

func TestCreateBookingDefaultsCustomerToCaller(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/bookings", CreateBookingRequest{
		ScheduleID: uuid.NewString(),
		CargoType:  "crates",
		Quantity:   2,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var b domain.Booking
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &b))
	assert.Equal(t, s.caller, b.Customer.ID)
	assert.Equal(t, domain.BookingPending, b.Status)

	w = s.do(t, http.MethodGet, "/api/bookings/"+b.ID.String(), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, fmt.Sprintf("/api/bookings?customer_id=%s", s.caller), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []domain.Booking
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	w = s.do(t, http.MethodPost, "/api/bookings/"+b.ID.String()+"/cancel", CancelBookingRequest{Reason: "no longer needed"})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &b))
	assert.Equal(t, domain.BookingCancelled, b.Status)
	assert.Equal(t, "no longer needed", b.CancelReason)

	notes := "late edit"
	w = s.do(t, http.MethodPut, "/api/bookings/"+b.ID.String(), UpdateBookingRequest{Notes: &notes})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCreateBookingValidationOutcomes(t *testing.T) {
	s := newTestServer(t)
	req := CreateBookingRequest{ScheduleID: uuid.NewString(), Quantity: 1}

	s.validator.exists = false
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/api/bookings", req).Code)

	s.validator.err = fmt.Errorf("%w: schedule.validate", bus.ErrTimeout)
	w := s.do(t, http.MethodPost, "/api/bookings", req)
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	s.validator.err = fmt.Errorf("%w: connection refused", bus.ErrClosed)
	assert.Equal(t, http.StatusServiceUnavailable, s.do(t, http.MethodPost, "/api/bookings", req).Code)

	s.validator.err = nil
	s.validator.exists = true
	bad := CreateBookingRequest{ScheduleID: "nope"}
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/bookings", bad).Code)
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 1, retryAfterSeconds(0))
	assert.Equal(t, 1, retryAfterSeconds(300*time.Millisecond))
	assert.Equal(t, 3, retryAfterSeconds(2500*time.Millisecond))
}

func newIdempotentServer(t *testing.T) (*testServer, *redisrepo.IdempotencyStore) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	idem := redisrepo.NewIdempotencyStore(rdb, time.Hour)
	return newTestServer(t, func(d *Deps) { d.Idempotency = idem }), idem
}

func TestCreateBookingReplaysIdempotencyKey(t *testing.T) {
	s, _ := newIdempotentServer(t)
	req := CreateBookingRequest{ScheduleID: uuid.NewString(), CargoType: "crates", Quantity: 2}

	first := s.do(t, http.MethodPost, "/api/bookings", req, "Idempotency-Key", "order-17")
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	assert.Equal(t, "order-17", first.Header().Get("Idempotency-Key"))

	second := s.do(t, http.MethodPost, "/api/bookings", req, "Idempotency-Key", "order-17")
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "order-17", second.Header().Get("Idempotency-Key"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	all, err := s.bookings.ListBookings(context.Background(), repository.BookingFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	other := s.do(t, http.MethodPost, "/api/bookings", req, "Idempotency-Key", "order-18")
	require.Equal(t, http.StatusCreated, other.Code)
	assert.NotEqual(t, first.Body.String(), other.Body.String())
}

func TestCreateBookingKeyInProgressConflicts(t *testing.T) {
	s, idem := newIdempotentServer(t)
	req := CreateBookingRequest{ScheduleID: uuid.NewString(), Quantity: 1}

	key := redisrepo.KeyIdemBooking("sub:"+s.caller.String(), "order-19")
	ok, err := idem.AcquireLock(context.Background(), key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	w := s.do(t, http.MethodPost, "/api/bookings", req, "Idempotency-Key", "order-19")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestCreateBookingFailureReleasesIdempotencyKey(t *testing.T) {
	s, _ := newIdempotentServer(t)
	req := CreateBookingRequest{ScheduleID: uuid.NewString(), Quantity: 1}

	s.validator.exists = false
	w := s.do(t, http.MethodPost, "/api/bookings", req, "Idempotency-Key", "order-20")
	require.Equal(t, http.StatusNotFound, w.Code)

	s.validator.exists = true
	w = s.do(t, http.MethodPost, "/api/bookings", req, "Idempotency-Key", "order-20")
	assert.Equal(t, http.StatusCreated, w.Code)
}
