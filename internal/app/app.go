// Package app wires the dmcat service components and manages their lifecycle.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	grpcapi "github.com/dmcatalog/dmcat/internal/api/grpc"
	httpapi "github.com/dmcatalog/dmcat/internal/api/http"
	"github.com/dmcatalog/dmcat/internal/catalog"
	"github.com/dmcatalog/dmcat/internal/config"
	"github.com/dmcatalog/dmcat/internal/metrics"
	"github.com/dmcatalog/dmcat/internal/notify"
	"github.com/dmcatalog/dmcat/internal/reconcile"
	"github.com/dmcatalog/dmcat/internal/server"
	"github.com/dmcatalog/dmcat/internal/storage"
)

// App owns the catalog, storage resolver, notifiers and servers of dmcat.
type App struct {
	cfg *config.Config

	// Shared resources
	catalog  *catalog.SQLCatalog
	resolver storage.Resolver
	bus      *notify.Bus
	nats     *notify.NATSPublisher
	service  *reconcile.Service
	shutdown *server.ShutdownManager

	// Servers
	httpServer   *http.Server
	httpListener net.Listener
	grpcServer   *grpc.Server
	grpcListener net.Listener
	health       *health.Server

	mu          sync.Mutex
	initialized bool
	running     bool
	wg          sync.WaitGroup
}

// New creates a new App with the given configuration.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	return &App{
		cfg:      cfg,
		shutdown: server.NewShutdownManager(server.DefaultShutdownConfig()),
	}, nil
}

// Init opens the catalog and builds the reconciliation service without
// starting any server. Start calls it implicitly.
func (a *App) Init() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initialized {
		return nil
	}

	cat, err := catalog.Open(a.cfg.Catalog.Driver, a.cfg.Catalog.DSN)
	if err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}
	a.catalog = cat
	a.shutdown.RegisterCloser("catalog", cat)
	log.Info().Str("driver", a.cfg.Catalog.Driver).Msg("catalog opened")

	switch a.cfg.Storage.Type {
	case "local":
		a.resolver = storage.NewLocalResolver(a.cfg.Storage.Path)
	case "s3":
		s3Cfg := storage.DefaultS3Config()
		if a.cfg.Storage.S3.Region != "" {
			s3Cfg.Region = a.cfg.Storage.S3.Region
		}
		s3Cfg.Endpoint = a.cfg.Storage.S3.Endpoint
		s3Cfg.UsePathStyle = a.cfg.Storage.S3.UsePathStyle
		a.resolver = storage.NewS3Resolver(s3Cfg)
	default:
		return fmt.Errorf("unsupported storage type: %s", a.cfg.Storage.Type)
	}
	log.Info().Str("type", a.cfg.Storage.Type).Msg("storage initialized")

	a.bus = notify.NewBus(a.cfg.Notify.BufferSize)
	events := a.bus.Subscribe("event-log")
	go notify.LogEvents(events)
	a.shutdown.RegisterCloser("event-log", server.CloserFunc(func() error {
		a.bus.Unsubscribe(events.ID)
		return nil
	}))
	notifiers := notify.Multi{a.bus}
	if a.cfg.Notify.NATSURL != "" {
		pub, err := notify.DialNATS(a.cfg.Notify.NATSURL, a.cfg.Notify.Subject)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		a.nats = pub
		a.shutdown.RegisterCloser("nats", pub)
		notifiers = append(notifiers, pub)
		log.Info().Str("subject", a.cfg.Notify.Subject).Msg("publishing status changes to NATS")
	}

	opts := []reconcile.Option{
		reconcile.WithNotifier(notifiers),
		reconcile.WithTimeout(a.cfg.Reconcile.Timeout),
		reconcile.WithMaxProbes(a.cfg.Reconcile.MaxProbes),
	}
	if a.cfg.Metrics.Enabled {
		opts = append(opts, reconcile.WithMetrics(metrics.Default()))
	}
	a.service = reconcile.NewService(a.catalog, a.resolver, opts...)

	a.initialized = true
	return nil
}

// Start initializes shared resources and starts the HTTP and gRPC servers.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	if err := a.Init(); err != nil {
		a.Close()
		return err
	}
	if err := a.startHTTP(); err != nil {
		a.Close()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if a.cfg.GRPC.Enabled {
		if err := a.startGRPC(); err != nil {
			a.Close()
			return fmt.Errorf("failed to start gRPC server: %w", err)
		}
	}

	log.Info().Str("http", a.HTTPAddr()).Str("grpc", a.GRPCAddr()).Msg("dmcat started")
	return nil
}

func (a *App) startHTTP() error {
	mux := http.NewServeMux()
	mux.Handle(httpapi.InvalidationPath, httpapi.NewInvalidationHandler(a.service))
	mux.HandleFunc("/health", a.healthHandler)
	if a.cfg.Metrics.Enabled {
		mux.Handle(a.cfg.Metrics.Path, metrics.Handler())
	}

	handler := httpapi.ChainMiddleware(
		server.ShutdownMiddleware(a.shutdown),
		httpapi.DefaultMiddleware(),
	)(mux)

	lis, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return err
	}
	a.httpListener = lis
	a.httpServer = &http.Server{
		Handler:      handler,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}
	a.shutdown.RegisterCloser("http", server.HTTPServerCloser(a.httpServer, 10*time.Second))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()
	return nil
}

func (a *App) startGRPC() error {
	lis, err := net.Listen("tcp", a.cfg.GRPC.Addr)
	if err != nil {
		return err
	}
	a.grpcListener = lis
	a.grpcServer = grpc.NewServer()
	grpcapi.RegisterBusinessObjectDataServer(a.grpcServer, grpcapi.NewServer(a.service))

	a.health = health.NewServer()
	a.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	a.health.SetServingStatus(grpcapi.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(a.grpcServer, a.health)

	a.shutdown.RegisterCloser("grpc", server.CloserFunc(func() error {
		a.health.Shutdown()
		a.grpcServer.GracefulStop()
		return nil
	}))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.grpcServer.Serve(lis); err != nil {
			log.Error().Err(err).Msg("gRPC server error")
		}
	}()
	return nil
}

// Stop gracefully stops all servers and releases resources.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	err := a.shutdown.Shutdown(ctx, "stop requested")

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("shutdown timeout, some servers may not have finished")
	}

	log.Info().Msg("dmcat stopped")
	return err
}

// Close releases resources opened by Init without a running server.
func (a *App) Close() error {
	return a.shutdown.Shutdown(context.Background(), "close")
}

// Service returns the reconciliation service. Valid after Init.
func (a *App) Service() *reconcile.Service { return a.service }

// Catalog returns the catalog. Valid after Init.
func (a *App) Catalog() *catalog.SQLCatalog { return a.catalog }

// Resolver returns the storage resolver. Valid after Init.
func (a *App) Resolver() storage.Resolver { return a.resolver }

// Bus returns the in-process status change bus. Valid after Init.
func (a *App) Bus() *notify.Bus { return a.bus }

// HTTPAddr returns the bound HTTP address, or "" before Start.
func (a *App) HTTPAddr() string {
	if a.httpListener == nil {
		return ""
	}
	return a.httpListener.Addr().String()
}

// GRPCAddr returns the bound gRPC address, or "" when gRPC is not running.
func (a *App) GRPCAddr() string {
	if a.grpcListener == nil {
		return ""
	}
	return a.grpcListener.Addr().String()
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if err := a.catalog.Ping(r.Context()); err != nil {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  status,
		"service": "dmcat",
		"storage": a.cfg.Storage.Type,
		"catalog": a.cfg.Catalog.Driver,
	})
}
