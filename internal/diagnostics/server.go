// Package diagnostics exposes a small HTTP surface over a running
// supervisord process: health, a live run's accesses, and archived run
// summaries, adapted from the teacher's gin bring-up in cmd/zmux-server.
package diagnostics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	secure "github.com/gin-contrib/secure"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pipsandbox/supervisor/internal/reportstore"
	"github.com/pipsandbox/supervisor/pkg/fmtt"
	"github.com/pipsandbox/supervisor/pkg/sandbox"
)

// Server wires a gin.Engine over an active run registry and the archive.
type Server struct {
	log      *zap.Logger
	registry *sandbox.Registry
	store    *reportstore.Client
	ordinals *reportstore.OrdinalAllocator
	dev      bool

	httpServer *http.Server
}

// New builds the diagnostics HTTP server bound to addr.
func New(addr string, registry *sandbox.Registry, store *reportstore.Client, ordinals *reportstore.OrdinalAllocator, dev bool, log *zap.Logger) *Server {
	s := &Server{
		log:      log.Named("diagnostics"),
		registry: registry,
		store:    store,
		ordinals: ordinals,
		dev:      dev,
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	_ = r.SetTrustedProxies([]string{"127.0.0.1"})

	r.Use(gin.Recovery())
	r.Use(secure.New(secure.Config{
		FrameDeny:          true,
		ContentTypeNosniff: true,
	}))
	if dev {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     []string{"http://localhost:5173"},
			AllowMethods:     []string{"GET", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}
	r.Use(s.zapLogger())

	r.GET("/healthz", s.handleHealthz)
	r.GET("/runs", s.handleListRuns)
	r.GET("/runs/:id", s.handleGetRun)
	r.GET("/runs/:id/accesses", s.handleGetAccesses)

	s.httpServer = &http.Server{
		Addr:           addr,
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 15,
		ErrorLog:       zap.NewStdLog(s.log.Named("http").WithOptions(zap.AddCallerSkip(1))),
	}
	return s
}

// ListenAndServe blocks serving the diagnostics surface until the server is
// shut down or fails.
func (s *Server) ListenAndServe() error {
	s.log.Info("running diagnostics server", zap.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) zapLogger() gin.HandlerFunc {
	log := s.log
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		var errs []error
		for _, ge := range c.Errors {
			if ge.Err != nil {
				errs = append(errs, ge.Err)
			}
		}
		joined := errors.Join(errs...)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.String("client_ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)),
		}
		if joined != nil {
			fields = append(fields, zap.Error(joined))
		}

		switch {
		case status >= 500:
			log.Error("request", fields...)
		case status >= 400:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	next, when, hasDeadline := s.registry.NextDeadline()
	body := gin.H{
		"status":      "ok",
		"active_runs": len(s.registry.List()),
	}
	if hasDeadline {
		body["next_timeout_run"] = next
		body["next_timeout_at"] = when
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleListRuns(c *gin.Context) {
	ids := s.registry.List()
	out := make([]gin.H, 0, len(ids))
	for _, id := range ids {
		out = append(out, gin.H{"run_id": id, "ordinal": s.ordinals.Assign(id)})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) resolveRunID(c *gin.Context) (uuid.UUID, bool) {
	idStr := c.Param("id")
	if ord, err := strconv.Atoi(idStr); err == nil {
		if id, ok := s.ordinals.Resolve(ord); ok {
			return id, true
		}
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid run id"})
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) handleGetRun(c *gin.Context) {
	runID, ok := s.resolveRunID(c)
	if !ok {
		return
	}

	if sup, live := s.registry.Get(runID); live {
		pid, _ := sup.PID()
		c.JSON(http.StatusOK, gin.H{"run_id": runID, "status": "running", "pid": pid})
		return
	}

	summary, err := reportstore.Fetch(c.Request.Context(), s.store, runID)
	if err != nil {
		if errors.Is(err, reportstore.ErrRunNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"message": "run not found"})
			return
		}
		_ = c.Error(err)
		if s.dev {
			s.log.Debug("run fetch failed", zap.Strings("error_chain", fmtt.Chain(err)), zap.String("error_dump", fmtt.Dump(err)))
		}
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleGetAccesses(c *gin.Context) {
	runID, ok := s.resolveRunID(c)
	if !ok {
		return
	}

	sup, live := s.registry.Get(runID)
	if !live {
		c.JSON(http.StatusNotFound, gin.H{"message": "run is not live; accesses are only available while running"})
		return
	}

	result, err := sup.GetResult(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"status": "still running"})
		return
	}

	accesses := result.FileAccesses
	if accesses == nil {
		accesses = result.ExplicitlyReportedFileAccesses
	}
	c.Header("X-Total-Count", strconv.Itoa(len(accesses)))
	c.JSON(http.StatusOK, accesses)
}
