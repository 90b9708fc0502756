/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/bragi_rooms/internal/api"
	"github.com/friendsincode/bragi_rooms/internal/audit"
	"github.com/friendsincode/bragi_rooms/internal/cache"
	"github.com/friendsincode/bragi_rooms/internal/catalog"
	"github.com/friendsincode/bragi_rooms/internal/config"
	"github.com/friendsincode/bragi_rooms/internal/db"
	"github.com/friendsincode/bragi_rooms/internal/eventbus"
	"github.com/friendsincode/bragi_rooms/internal/events"
	"github.com/friendsincode/bragi_rooms/internal/logbuffer"
	"github.com/friendsincode/bragi_rooms/internal/scheduler"
	"github.com/friendsincode/bragi_rooms/internal/telemetry"
)

// Server bundles HTTP and supporting services.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server
	closers    []func() error

	db            *gorm.DB
	cache         *cache.Cache
	logBuffer     *logbuffer.Buffer
	api           *api.API
	scheduler     *scheduler.Service
	auditSvc      *audit.Service
	bus           eventbus.Bus
	metricsServer *http.Server

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New constructs the server and wires dependencies.
func New(cfg *config.Config, logBuf *logbuffer.Buffer, logger zerolog.Logger) (*Server, error) {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(telemetry.TracingMiddleware("bragi-rooms-api"))
	router.Use(telemetry.MetricsMiddleware)
	// Skip timeout for WebSocket connections
	router.Use(func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(60 * time.Second)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Upgrade") == "websocket" {
				next.ServeHTTP(w, r)
				return
			}
			timeout(next).ServeHTTP(w, r)
		})
	})

	srv := &Server{
		cfg:       cfg,
		logger:    logger,
		router:    router,
		logBuffer: logBuf,
	}

	if err := srv.initDependencies(); err != nil {
		return nil, err
	}

	srv.configureRoutes()
	srv.startBackgroundWorkers()

	addr := fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort)
	srv.httpServer = &http.Server{
		Addr:              addr,
		Handler:           srv.router,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       0,
		// WriteTimeout 0 so event streams are not cut off; the middleware
		// timeout covers non-streaming routes.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	return srv, nil
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("X-Frame-Options", "DENY")

		// Only advertise HSTS for requests served over HTTPS.
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) initDependencies() error {
	database, err := db.Connect(s.cfg)
	if err != nil {
		return err
	}
	if err := db.Migrate(database); err != nil {
		return err
	}
	if err := db.RegisterCallbacks(database); err != nil {
		s.logger.Warn().Err(err).Msg("database telemetry callbacks not registered")
	}
	s.db = database
	s.DeferClose(func() error { return db.Close(database) })

	// Redis cache for hot room reads
	cacheCfg := cache.DefaultConfig()
	cacheCfg.RedisAddr = s.cfg.RedisAddr
	cacheCfg.RedisPassword = s.cfg.RedisPassword
	cacheCfg.RedisDB = s.cfg.RedisDB
	roomCache, err := cache.New(cacheCfg, s.logger)
	if err != nil {
		s.logger.Warn().Err(err).Msg("cache initialization failed, continuing without cache")
	} else {
		s.cache = roomCache
		s.DeferClose(func() error { return s.cache.Close() })
	}

	s.bus = s.buildBus()
	s.DeferClose(func() error { return s.bus.Close() })

	var lookup catalog.Lookup
	if s.cfg.CatalogBaseURL != "" {
		lookup = catalog.NewHTTPLookup(s.cfg.CatalogBaseURL, s.cfg.CatalogTimeout, s.logger)
	}

	var readCache scheduler.RoomCache
	if s.cache != nil {
		readCache = s.cache
	}
	s.scheduler = scheduler.New(database, s.bus, lookup, readCache, s.logger)
	s.auditSvc = audit.NewService(database, s.bus, s.logger)

	defaults := scheduler.RoomDefaults{
		MaxPerContributor: s.cfg.DefaultMaxPerContributor,
		MuteDuration:      s.cfg.DefaultMuteDuration,
		FallbackEnabled:   s.cfg.DefaultFallbackEnabled,
	}
	s.api = api.New(s.db, []byte(s.cfg.JWTSigningKey), s.scheduler, s.auditSvc, s.bus, s.logBuffer, defaults, s.logger)

	return nil
}

// buildBus selects the event transport. NATS when configured, Redis
// pub/sub when an instance ID marks a multi-instance deployment,
// in-process otherwise.
func (s *Server) buildBus() eventbus.Bus {
	nodeID := s.cfg.InstanceID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}

	if s.cfg.NATSURL != "" {
		natsCfg := eventbus.DefaultNATSConfig()
		natsCfg.URL = s.cfg.NATSURL
		bus, err := eventbus.NewNATSBus(natsCfg, nodeID, s.logger)
		if err != nil {
			s.logger.Warn().Err(err).Msg("NATS bus unavailable, using in-process events")
			return eventbus.NewMemoryBus()
		}
		return bus
	}

	if s.cfg.InstanceID != "" {
		redisCfg := eventbus.DefaultRedisConfig()
		redisCfg.Addr = s.cfg.RedisAddr
		redisCfg.Password = s.cfg.RedisPassword
		redisCfg.DB = s.cfg.RedisDB
		bus, err := eventbus.NewRedisBus(redisCfg, nodeID, s.logger)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Redis bus unavailable, using in-process events")
			return eventbus.NewMemoryBus()
		}
		return bus
	}

	return eventbus.NewMemoryBus()
}

// HTTPServer exposes the underlying net/http server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// LogBuffer returns the server's log buffer for attaching to zerolog.
func (s *Server) LogBuffer() *logbuffer.Buffer {
	return s.logBuffer
}

// Scheduler exposes the room scheduler, used by CLI subcommands.
func (s *Server) Scheduler() *scheduler.Service {
	return s.scheduler
}

// Close releases owned resources in reverse order.
func (s *Server) Close() error {
	s.stopBackgroundWorkers()
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DeferClose registers a cleanup hook.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

func (s *Server) startBackgroundWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	if s.auditSvc != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			s.auditSvc.Start(ctx)
		}()
	}

	// Database pool metrics updater
	if s.db != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					db.UpdateConnectionMetrics(s.db)
				}
			}
		}()
	}

	if s.cache != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			s.runCacheInvalidationListener(ctx)
		}()
	}

	// Metrics are served on a dedicated bind so the scrape endpoint is not
	// exposed on the public port.
	if s.cfg.MetricsBind != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.Handler())
		s.metricsServer = &http.Server{
			Addr:              s.cfg.MetricsBind,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			s.logger.Info().Str("addr", s.cfg.MetricsBind).Msg("metrics server listening")
			if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.logger.Error().Err(err).Msg("metrics server exited")
			}
		}()

		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.metricsServer.Shutdown(shutdownCtx)
		}()
	}
}

// runCacheInvalidationListener drops cached room data when another
// instance mutates a room.
func (s *Server) runCacheInvalidationListener(ctx context.Context) {
	roomCreated := s.bus.Subscribe(events.EventRoomCreated)
	roomUpdated := s.bus.Subscribe(events.EventRoomUpdated)
	roomDeleted := s.bus.Subscribe(events.EventRoomDeleted)
	nowPlaying := s.bus.Subscribe(events.EventNowPlaying)
	trackQueued := s.bus.Subscribe(events.EventTrackQueued)

	defer func() {
		s.bus.Unsubscribe(events.EventRoomCreated, roomCreated)
		s.bus.Unsubscribe(events.EventRoomUpdated, roomUpdated)
		s.bus.Unsubscribe(events.EventRoomDeleted, roomDeleted)
		s.bus.Unsubscribe(events.EventNowPlaying, nowPlaying)
		s.bus.Unsubscribe(events.EventTrackQueued, trackQueued)
	}()

	s.logger.Info().Msg("cache invalidation listener started")

	invalidateRoom := func(payload events.Payload) {
		if roomID, ok := payload["room_id"].(string); ok {
			s.cache.InvalidateRoom(ctx, roomID)
		}
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("cache invalidation listener stopped")
			return

		case payload := <-roomCreated:
			s.cache.InvalidateRoomList(ctx)
			invalidateRoom(payload)

		case payload := <-roomUpdated:
			s.cache.InvalidateRoomList(ctx)
			invalidateRoom(payload)

		case payload := <-roomDeleted:
			s.cache.InvalidateRoomList(ctx)
			invalidateRoom(payload)

		case payload := <-nowPlaying:
			invalidateRoom(payload)

		case payload := <-trackQueued:
			invalidateRoom(payload)
		}
	}
}

func (s *Server) stopBackgroundWorkers() {
	if s.bgCancel == nil {
		return
	}
	s.bgCancel()
	s.bgWG.Wait()
	s.bgCancel = nil
}

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	s.api.Routes(s.router)
}
