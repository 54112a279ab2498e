package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"marketrelay/internal/access"
	"marketrelay/internal/api"
	"marketrelay/internal/auth"
	"marketrelay/internal/collaborator"
	"marketrelay/internal/config"
	"marketrelay/internal/database"
	"marketrelay/internal/hub"
	"marketrelay/internal/longpoll"
	"marketrelay/internal/mongostore"
	"marketrelay/internal/relay"
	"marketrelay/internal/rooms"
	"marketrelay/internal/websocket"
	pkgdatabase "marketrelay/pkg/database"
	"marketrelay/pkg/interfaces"
)

const startupGrace = 100 * time.Millisecond

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config *config.Config

	store        interfaces.MessageStore
	redisClient  *redis.Client
	localLimiter *relay.RateLimiter
	registry     *rooms.Registry
	policy       *access.Policy
	messageHub   *hub.Hub
	wsHandler    *websocket.Handler
	poller       *longpoll.Server
	apiServer    *api.Server
	httpServer   *http.Server

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	workers  sync.WaitGroup
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Store → Limiter → Registry → Access → Hub → Transports → API → HTTP
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	app := &Application{config: cfg}

	// STEP 1: Durable store (foundation layer)
	store, err := newStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	app.store = store

	// STEP 2: Rate limiter, shared through Redis when configured
	limiter, err := app.newLimiter(cfg.Relay)
	if err != nil {
		app.closeResources()
		return nil, err
	}

	// STEP 3: Room registry and access policy
	app.registry = rooms.NewRegistry()
	app.policy = access.NewPolicy(store, cfg.Relay.ParticipantCacheTTL)

	// STEP 4: Hub (relay, typing tracker, operator inboxes)
	app.messageHub, err = hub.NewHub(app.registry, store, app.policy, hub.Options{
		TypingWindow: cfg.Relay.TypingWindow,
		MaxBodyRunes: cfg.Relay.MaxBodyRunes,
		Limiter:      limiter,
	})
	if err != nil {
		app.closeResources()
		return nil, fmt.Errorf("failed to create hub: %w", err)
	}

	// STEP 5: Transports share one authenticator
	authenticator, err := newAuthenticator(cfg.Auth)
	if err != nil {
		app.closeResources()
		return nil, err
	}

	app.wsHandler, err = websocket.NewHandler(authenticator, app.messageHub, websocket.Config{
		ReadTimeout:     cfg.WebSocket.ReadTimeout,
		PingInterval:    cfg.WebSocket.PingInterval,
		WriteTimeout:    cfg.WebSocket.WriteTimeout,
		MaxMessageBytes: cfg.WebSocket.MaxMessageBytes,
		AllowedOrigins:  cfg.WebSocket.AllowedOrigins,
	})
	if err != nil {
		app.closeResources()
		return nil, fmt.Errorf("failed to create websocket handler: %w", err)
	}

	if cfg.Polling.Enabled {
		app.poller, err = longpoll.NewServer(authenticator, app.messageHub, longpoll.Config{
			Prefix:      cfg.Polling.Path,
			WaitTimeout: cfg.Polling.WaitTimeout,
			IdleTimeout: cfg.Polling.IdleTimeout,
			BufferSize:  cfg.Polling.BufferSize,
		})
		if err != nil {
			app.closeResources()
			return nil, fmt.Errorf("failed to create polling server: %w", err)
		}
	}

	// STEP 6: HTTP API
	app.apiServer = api.NewServer(store, app.messageHub, app.policy, cfg.Auth.ResourceSecret)

	// STEP 7: HTTP server with API, WebSocket and polling endpoints
	app.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:           app.Handler(),
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		// Long-polls and WebSocket upgrades outlive the API timeouts, so the
		// write timeout only bounds plain API handlers through TimeoutHandler.
		IdleTimeout: cfg.HTTP.ReadTimeout * 2,
	}

	return app, nil
}

// Handler returns the routing of every HTTP endpoint.
func (app *Application) Handler() http.Handler {
	mux := http.NewServeMux()
	apiHandler := http.TimeoutHandler(app.apiServer, app.config.HTTP.WriteTimeout, `{"error":"timeout"}`)
	mux.Handle("/api/", apiHandler)
	mux.Handle("/health", apiHandler)
	mux.HandleFunc(app.config.WebSocket.Path, app.wsHandler.HandleWebSocket)
	if app.poller != nil {
		mux.Handle(app.poller.Prefix(), app.poller)
		mux.Handle(app.poller.Prefix()+"/", app.poller)
	}
	return mux
}

func newStore(cfg *config.StoreConfig) (interfaces.MessageStore, error) {
	switch cfg.Mode {
	case config.StoreREST:
		client, err := collaborator.NewClient(collaborator.Config{
			BaseURL:      cfg.BaseURL,
			ServiceToken: cfg.ServiceToken,
			Timeout:      cfg.Timeout,
			MaxRetries:   cfg.MaxRetries,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create store client: %w", err)
		}
		slog.Info("[APP] using marketplace REST store", "base_url", cfg.BaseURL)
		return client, nil

	case config.StoreMongo:
		store, err := mongostore.Open(context.Background(), mongostore.Config{
			URI:      cfg.MongoURI,
			Database: cfg.MongoDatabase,
			Timeout:  cfg.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open mongo store: %w", err)
		}
		slog.Info("[APP] using mongo store", "database", cfg.MongoDatabase)
		return store, nil

	default:
		dbConfig := pkgdatabase.DefaultConfig()
		dbConfig.DatabasePath = cfg.DatabasePath
		dbConfig.MaxConnections = cfg.MaxConnections
		manager, err := database.NewManager(dbConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database manager: %w", err)
		}
		slog.Info("[APP] using sqlite store", "path", cfg.DatabasePath)
		return manager, nil
	}
}

func (app *Application) newLimiter(cfg *config.RelayConfig) (relay.Limiter, error) {
	if cfg.RedisURL == "" {
		app.localLimiter = relay.NewRateLimiter(cfg.RateLimit, cfg.RateWindow)
		return app.localLimiter, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	app.redisClient = redis.NewClient(opts)
	slog.Info("[APP] using redis rate limiter", "addr", opts.Addr)
	return relay.NewRedisLimiter(app.redisClient, cfg.RedisKeyPrefix, cfg.RateLimit, cfg.RateWindow), nil
}

func newAuthenticator(cfg *config.AuthConfig) (*auth.Authenticator, error) {
	var verifier interfaces.IdentityVerifier
	if cfg.JWTSecret != "" {
		v, err := auth.NewVerifier(cfg.JWTSecret, cfg.Issuer)
		if err != nil {
			return nil, fmt.Errorf("failed to create token verifier: %w", err)
		}
		verifier = v
	}
	return auth.NewAuthenticator(verifier, cfg.AllowAnonymous), nil
}

// Start begins application execution
// Hub starts first to handle messages, then background workers, then the HTTP server
func (app *Application) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	return app.Serve(ctx, listener)
}

// Serve runs the application on an existing listener.
func (app *Application) Serve(ctx context.Context, listener net.Listener) error {
	workerCtx, cancel := context.WithCancel(context.Background())

	// STEP 1: Start message hub
	if err := app.messageHub.Start(workerCtx); err != nil {
		cancel()
		_ = listener.Close()
		return fmt.Errorf("failed to start message hub: %w", err)
	}

	// STEP 2: Background workers
	if app.localLimiter != nil {
		app.goWorker(func() { app.localLimiter.RunCleanup(workerCtx) })
	}
	if app.poller != nil {
		app.goWorker(func() { app.poller.Run(workerCtx) })
	}

	app.mu.Lock()
	app.listener = listener
	app.cancel = cancel
	app.mu.Unlock()

	// STEP 3: Start HTTP server
	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		app.stopWorkers()
		return err
	case <-time.After(startupGrace):
		slog.Info("[APP] marketrelay started", "addr", listener.Addr().String())
		return nil
	case <-ctx.Done():
		_ = app.httpServer.Close()
		app.stopWorkers()
		return ctx.Err()
	}
}

func (app *Application) goWorker(run func()) {
	app.workers.Add(1)
	go func() {
		defer app.workers.Done()
		run()
	}()
}

// Addr returns the bound address once serving, otherwise the configured one.
func (app *Application) Addr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Stop gracefully shuts down the application
// Reverse dependency order: HTTP → connections → workers → Hub → store
func (app *Application) Stop(ctx context.Context) error {
	slog.Info("[APP] shutting down")
	var errs []error

	// STEP 1: Stop accepting new connections
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	// STEP 2: Tear down live WebSocket connections, which Shutdown does not track
	if n := app.messageHub.DisconnectAll(); n > 0 {
		slog.Info("[APP] closed live connections", "count", n)
	}

	// STEP 3: Workers (the poller closes its sessions on the way out) and the hub
	app.stopWorkers()
	if err := app.messageHub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = append(errs, fmt.Errorf("hub stop: %w", err))
	}

	// STEP 4: Store and Redis
	if err := app.closeResources(); err != nil {
		errs = append(errs, err)
	}

	slog.Info("[APP] shutdown complete")
	return errors.Join(errs...)
}

func (app *Application) stopWorkers() {
	app.mu.Lock()
	cancel := app.cancel
	app.cancel = nil
	app.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	app.workers.Wait()
}

func (app *Application) closeResources() error {
	var errs []error
	if app.store != nil {
		if err := app.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}
	if app.redisClient != nil {
		if err := app.redisClient.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Hub exposes the hub for diagnostics and tests.
func (app *Application) Hub() *hub.Hub {
	return app.messageHub
}

// Store exposes the configured message store.
func (app *Application) Store() interfaces.MessageStore {
	return app.store
}
