package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kirinyoku/freightgo/internal/auth"
	"github.com/kirinyoku/freightgo/internal/bus"
	"github.com/kirinyoku/freightgo/internal/bus/memory"
	"github.com/kirinyoku/freightgo/internal/bus/rabbitmq"
	"github.com/kirinyoku/freightgo/internal/config"
	"github.com/kirinyoku/freightgo/internal/metrics"
	"github.com/kirinyoku/freightgo/internal/outbox"
	"github.com/kirinyoku/freightgo/internal/postgres"
	"github.com/kirinyoku/freightgo/internal/redis"
	"github.com/kirinyoku/freightgo/internal/repository"
	memrepo "github.com/kirinyoku/freightgo/internal/repository/memory"
	postgresrepo "github.com/kirinyoku/freightgo/internal/repository/postgres"
	redisrepo "github.com/kirinyoku/freightgo/internal/repository/redis"
	"github.com/kirinyoku/freightgo/internal/service"
	"github.com/kirinyoku/freightgo/internal/service/booking"
	"github.com/kirinyoku/freightgo/internal/service/scheduling"
	httpgin "github.com/kirinyoku/freightgo/internal/transport/http/gin"
	"github.com/kirinyoku/freightgo/internal/transport/messaging"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// Role selects which services a process hosts.
type Role string

const (
	RoleBooking    Role = "booking"
	RoleScheduling Role = "scheduling"
	RoleAll        Role = "all"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleBooking, RoleScheduling, RoleAll:
		return r, nil
	default:
		return "", fmt.Errorf("unknown service %q (want booking, scheduling or all)", s)
	}
}

func (r Role) hostsBooking() bool    { return r == RoleBooking || r == RoleAll }
func (r Role) hostsScheduling() bool { return r == RoleScheduling || r == RoleAll }

const localCacheTTL = 5 * time.Second

type App struct {
	cfg     *config.Config
	role    Role
	logger  *slog.Logger
	metrics *metrics.Metrics

	httpServer *http.Server

	rdb     *goredis.Client
	pools   map[string]*pgxpool.Pool
	memBus  *memory.Bus
	buses   []bus.Bus
	workers []func(ctx context.Context) error
}

func New(ctx context.Context, cfg *config.Config, role Role, logger *slog.Logger) (*App, error) {
	a := &App{
		cfg:     cfg,
		role:    role,
		logger:  logger,
		metrics: metrics.New(),
		pools:   make(map[string]*pgxpool.Pool),
	}

	if err := a.init(ctx); err != nil {
		a.close()
		return nil, err
	}

	return a, nil
}

func (a *App) init(ctx context.Context) error {
	if a.cfg.Redis.Addr != "" {
		rdb, err := redis.New(ctx, redis.Config{Addr: a.cfg.Redis.Addr, Password: a.cfg.Redis.Password, DB: a.cfg.Redis.DB})
		if err != nil {
			return fmt.Errorf("failed to initialize redis: %w", err)
		}
		a.rdb = rdb
	} else {
		a.logger.Warn("REDIS_ADDR not set, running without cache, rate limit and idempotency keys")
	}

	if a.cfg.Bus.Driver == config.DriverMemory && a.role != RoleAll {
		a.logger.Warn("memory bus only reaches services in this process", "role", a.role)
	}

	svcs := &service.Services{}

	if a.role.hostsScheduling() {
		svc, err := a.initScheduling(ctx)
		if err != nil {
			return err
		}
		svcs.Scheduling = svc
	}

	var idem *redisrepo.IdempotencyStore
	if a.role.hostsBooking() {
		svc, err := a.initBooking(ctx)
		if err != nil {
			return err
		}
		svcs.Booking = svc

		if a.rdb != nil {
			idem = redisrepo.NewIdempotencyStore(a.rdb, a.cfg.Booking.IdempotencyTTL)
		}
	}

	var issuer *auth.Issuer
	if a.cfg.Auth.Secret != "" {
		var err error
		issuer, err = auth.New(auth.Config{
			Secret:   a.cfg.Auth.Secret,
			Issuer:   a.cfg.Auth.Issuer,
			Audience: a.cfg.Auth.Audience,
			TTL:      a.cfg.Auth.TTL,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize auth: %w", err)
		}
	} else {
		a.logger.Warn("JWT_SECRET not set, API is unauthenticated")
	}

	router := httpgin.NewRouter(httpgin.Deps{
		Services:    svcs,
		Auth:        issuer,
		Idempotency: idem,
		Metrics:     a.metrics,
	}, a.logger)

	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return nil
}

func (a *App) initScheduling(ctx context.Context) (*scheduling.Service, error) {
	store, err := a.scheduleStore(ctx)
	if err != nil {
		return nil, err
	}

	b, err := a.bus(ctx, scheduling.Producer)
	if err != nil {
		return nil, err
	}

	var (
		cache  *redisrepo.Cache
		pubsub *redisrepo.SchedulesPubSub
	)
	if a.rdb != nil {
		cache = redisrepo.New(a.rdb, localCacheTTL)
		pubsub = redisrepo.NewSchedulesPubSub(a.rdb)

		a.workers = append(a.workers, func(ctx context.Context) error {
			return pubsub.Subscribe(ctx, func(_ context.Context, id uuid.UUID) {
				cache.DropLocal(redisrepo.KeySchedule(id), redisrepo.KeyScheduleKnown(id))
			})
		})
	}

	relay := a.relay(scheduling.Producer, store, b)
	svc := scheduling.New(store, relay, cache, pubsub, a.metrics, a.logger, scheduling.Config{})

	if err := messaging.RegisterScheduling(b, svc, a.logger); err != nil {
		return nil, fmt.Errorf("failed to register scheduling handlers: %w", err)
	}

	return svc, nil
}

func (a *App) initBooking(ctx context.Context) (*booking.Service, error) {
	store, err := a.bookingStore(ctx)
	if err != nil {
		return nil, err
	}

	b, err := a.bus(ctx, booking.Producer)
	if err != nil {
		return nil, err
	}

	var limiter *redisrepo.SlidingWindowLimiter
	if a.rdb != nil && a.cfg.Booking.RateLimit > 0 {
		limiter = redisrepo.NewSlidingWindowLimiter(a.rdb, "bookings", a.cfg.Booking.RateLimit, a.cfg.Booking.RateWindow)
	}

	client := messaging.NewScheduleClient(b, a.cfg.Bus.RequestTimeout, a.metrics, a.logger)
	relay := a.relay(booking.Producer, store, b)
	svc := booking.New(store, client, relay, limiter, a.metrics, a.logger)

	if err := messaging.RegisterBooking(b, svc, a.logger); err != nil {
		return nil, fmt.Errorf("failed to register booking handlers: %w", err)
	}

	return svc, nil
}

func (a *App) relay(producer string, store repository.Outbox, pub bus.Publisher) *outbox.Relay {
	r := outbox.NewRelay(producer, store, pub, a.logger, a.metrics, outbox.Config{
		SweepInterval: a.cfg.Outbox.SweepInterval,
		StaleAfter:    a.cfg.Outbox.StaleAfter,
		BatchSize:     a.cfg.Outbox.BatchSize,
	})
	a.workers = append(a.workers, r.Run)
	return r
}

// bus returns the bus a service talks through. The memory bus is shared by
// every service in the process; the broker gets one connection per service
// so queue names match a split deployment.
func (a *App) bus(ctx context.Context, service string) (bus.Bus, error) {
	if a.cfg.Bus.Driver == config.DriverMemory {
		if a.memBus == nil {
			a.memBus = memory.New(memory.Config{}, a.logger)
			a.buses = append(a.buses, a.memBus)
		}
		return a.memBus, nil
	}

	b, err := rabbitmq.New(ctx, rabbitmq.Config{
		URL:      a.cfg.RabbitMQ.URL,
		Exchange: a.cfg.RabbitMQ.Exchange,
		Service:  service,
		Prefetch: a.cfg.RabbitMQ.Prefetch,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize rabbitmq: %w", err)
	}

	a.buses = append(a.buses, b)
	return b, nil
}

func (a *App) scheduleStore(ctx context.Context) (repository.ScheduleStore, error) {
	if a.cfg.Storage.Driver == config.DriverMemory {
		return memrepo.NewScheduleStore(), nil
	}

	store, err := a.postgresStore(ctx, a.cfg.Postgres.SchedulingDB, postgresrepo.SchedulingSchema)
	if err != nil {
		return nil, err
	}
	return store.Schedules(), nil
}

func (a *App) bookingStore(ctx context.Context) (repository.BookingStore, error) {
	if a.cfg.Storage.Driver == config.DriverMemory {
		return memrepo.NewBookingStore(), nil
	}

	store, err := a.postgresStore(ctx, a.cfg.Postgres.BookingDB, postgresrepo.BookingSchema)
	if err != nil {
		return nil, err
	}
	return store.Bookings(), nil
}

func (a *App) postgresStore(ctx context.Context, dbName string, schema []string) (*postgresrepo.Store, error) {
	pool, ok := a.pools[dbName]
	if !ok {
		pg := a.cfg.Postgres

		var err error
		pool, err = postgres.New(ctx, postgres.Config{
			DSN:      postgres.DSN(pg.User, pg.Password, pg.Host, pg.Port, dbName, pg.SSLMode),
			MaxConns: pg.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize postgres %s: %w", dbName, err)
		}
		a.pools[dbName] = pool
	}

	store := postgresrepo.NewStore(pool)
	if err := store.EnsureSchema(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema to %s: %w", dbName, err)
	}

	return store, nil
}

func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	defer a.close()

	g, gCtx := errgroup.WithContext(ctx)

	for _, b := range a.buses {
		b := b
		g.Go(func() error { return b.Run(gCtx) })
	}

	for _, w := range a.workers {
		w := w
		g.Go(func() error { return w(gCtx) })
	}

	// Start HTTP server
	g.Go(func() error {
		a.logger.Info("HTTP server listening", "host", a.cfg.Server.Host, "port", a.cfg.Server.Port, "role", a.role)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gCtx.Done()
		a.logger.Info("shutting down HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.httpServer.Shutdown(ctx)
	})

	return g.Wait()
}

func (a *App) close() {
	for _, b := range a.buses {
		if err := b.Close(); err != nil {
			a.logger.Warn("close bus", "error", err)
		}
	}

	for _, p := range a.pools {
		p.Close()
	}

	if a.rdb != nil {
		_ = a.rdb.Close()
	}
}
