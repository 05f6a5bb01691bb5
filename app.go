// Package authflow wires the authentication orchestration core into a
// runnable service.
package authflow

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	wmevents "github.com/layer-3/authflow/adapters/events"
	"github.com/layer-3/authflow/adapters/identity"
	"github.com/layer-3/authflow/adapters/ratelimit"
	"github.com/layer-3/authflow/adapters/store"
	"github.com/layer-3/authflow/adapters/tokenizer"
	"github.com/layer-3/authflow/events"
	"github.com/layer-3/authflow/internal/clock"
	"github.com/layer-3/authflow/internal/config"
	"github.com/layer-3/authflow/internal/logger"
	"github.com/layer-3/authflow/internal/metrics"
	"github.com/layer-3/authflow/internal/schedule"
	"github.com/layer-3/authflow/ports"
	"github.com/layer-3/authflow/resolver"
	"github.com/layer-3/authflow/service"
	"github.com/layer-3/authflow/session"
	transport "github.com/layer-3/authflow/transport/http"
	"github.com/layer-3/authflow/wallet"
)

const (
	shutdownTimeout    = 10 * time.Second
	schedulerTick      = time.Second
	rateLimitPrefix    = "authflow:rl:"
	readHeaderTimeout  = 10 * time.Second
	pubsubOutputBuffer = 256
)

// App owns every long-lived component of the service.
type App struct {
	cfg *config.Config
	log *zap.Logger

	registry *prometheus.Registry
	sched    *schedule.Scheduler
	sessions *session.Store
	events   *events.Store
	service  *service.AuthService
	identity *wmevents.IdentitySubscriber
	router   *gin.Engine

	redis      redis.UniversalClient
	pool       *pgxpool.Pool
	publisher  message.Publisher
	subscriber message.Subscriber
}

// New builds the App from cfg. Redis and Postgres are used when their URLs
// are set; otherwise everything runs in memory on one instance.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	log = logger.OrNop(log)
	a := &App{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(a.registry)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	clk := clock.Real{}
	a.sched = schedule.New(clk, log)

	signKey, err := a.signingKey()
	if err != nil {
		return nil, err
	}

	var (
		nonces  ports.NonceStore
		tokens  ports.Store
		limiter ports.RateLimiter
		backend ports.IdentityBackend
	)
	wmLog := logger.Watermill(log)

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		a.redis = client
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		nonces = store.NewRedisNonceStore(client)
		tokens = store.NewRedisStore(client)
		limiter = ratelimit.NewRedis(client, rateLimitPrefix, clk)

		pub, err := redisstream.NewPublisher(redisstream.PublisherConfig{Client: client}, wmLog)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis publisher: %w", err)
		}
		a.publisher = pub
		// No consumer group: every instance sees every event.
		sub, err := redisstream.NewSubscriber(redisstream.SubscriberConfig{Client: client}, wmLog)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis subscriber: %w", err)
		}
		a.subscriber = sub
	} else {
		log.Warn("REDIS_URL not set, using in-memory stores")
		nonces = store.NewMemoryNonceStore(clk)
		tokens = store.NewMemoryStore(clk)
		limiter = ratelimit.NewMemory(clk)

		ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: pubsubOutputBuffer}, wmLog)
		a.publisher, a.subscriber = ps, ps
	}

	if cfg.DatabaseURL != "" {
		pool, err := identity.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		pg := identity.NewPostgres(pool, clk)
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		backend = pg
	} else {
		log.Warn("DATABASE_URL not set, identities are kept in memory")
		backend = identity.NewMemory(clk)
	}

	publisher := wmevents.NewWatermillPublisher(a.publisher, wmevents.Topics{Events: cfg.EventsTopic})

	a.events = events.NewStore(events.Config{
		IdleTimeout:         cfg.EventIdleTimeout,
		SweepInterval:       cfg.EventSweepInterval,
		MaxEventsPerSession: cfg.MaxEventsPerSession,
	},
		events.WithScheduler(a.sched),
		events.WithLogger(log),
		events.WithMetrics(m),
		events.WithPublisher(publisher),
	)
	a.sessions = session.NewStore(session.Config{
		Timeout:       cfg.SessionTimeout,
		MaxAttempts:   cfg.MaxAttempts,
		SweepInterval: cfg.SessionSweepInterval,
	},
		session.WithScheduler(a.sched),
		session.WithLogger(log),
		session.WithMetrics(m),
		session.WithObserver(a.events),
	)

	tok := tokenizer.NewJWTTokenizer(signKey, clk)
	proto := wallet.New(wallet.Config{
		ProductName: cfg.ProductName,
		NonceTTL:    cfg.NonceTTL,
		TokenTTL:    cfg.WalletTokenTTL,
	}, nonces, tok, wallet.WithLogger(log), wallet.WithMetrics(m))

	res := resolver.New(resolver.Config{
		RecentTTL:     cfg.RecentIdentityTTL,
		LookupRetries: cfg.LookupRetries,
	}, backend, proto, resolver.WithLogger(log), resolver.WithMetrics(m))

	a.service = service.NewAuthService(service.Config{
		AccessTTL:      cfg.AccessTTL,
		RefreshTTL:     cfg.RefreshTTL,
		StartLimit:     service.Limit{Max: cfg.ChallengeRateMax, Window: cfg.ChallengeRateWindow},
		ChallengeLimit: service.Limit{Max: cfg.ChallengeRateMax, Window: cfg.ChallengeRateWindow},
		SignInLimit:    service.Limit{Max: cfg.SignInRateMax, Window: cfg.SignInRateWindow},
	}, service.Deps{
		Sessions:  a.sessions,
		Events:    a.events,
		Wallet:    proto,
		Resolver:  res,
		Tokenizer: tok,
		Store:     tokens,
		Limiter:   limiter,
		Publisher: publisher,
	}, service.WithLogger(log), service.WithMetrics(m))

	a.identity = wmevents.NewIdentitySubscriber(a.subscriber, cfg.EventsTopic, res, log)

	if cfg.IsProd() {
		gin.SetMode(gin.ReleaseMode)
	}
	a.router = transport.SetupRouter(a.service, transport.RouterConfig{
		Logger:   log,
		Metrics:  m,
		Gatherer: a.registry,
	})

	ok = true
	return a, nil
}

func (a *App) signingKey() (*ecdsa.PrivateKey, error) {
	if a.cfg.SigningKeyFile != "" {
		return tokenizer.LoadSigningKey(a.cfg.SigningKeyFile)
	}
	a.log.Warn("SIGNING_KEY_FILE not set, generating an ephemeral signing key")
	return tokenizer.GenerateSigningKey()
}

// Service exposes the orchestration API for in-process callers.
func (a *App) Service() Client { return a.service }

// Handler is the HTTP API.
func (a *App) Handler() http.Handler { return a.router }

// Run serves HTTP and consumes identity events until ctx is done, then
// shuts the server down gracefully.
func (a *App) Run(ctx context.Context) error {
	a.sched.Start(schedulerTick)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.identity.Run(gctx)
	})
	g.Go(func() error {
		a.log.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Close releases every resource New acquired. It is safe on a partly built
// App.
func (a *App) Close() {
	if a.sessions != nil {
		a.sessions.Close()
	}
	if a.events != nil {
		a.events.Close()
	}
	if a.sched != nil {
		a.sched.Close()
	}
	if a.subscriber != nil {
		if err := a.subscriber.Close(); err != nil {
			a.log.Warn("close subscriber", logger.Err(err))
		}
	}
	// gochannel is both ends; closing it twice is harmless.
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.log.Warn("close publisher", logger.Err(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("close redis", logger.Err(err))
		}
	}
}
