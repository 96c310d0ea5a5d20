package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/presencectl/internal/app"
	"github.com/danmuck/presencectl/internal/endpoint"
	"github.com/danmuck/presencectl/internal/host"
	"github.com/danmuck/presencectl/internal/liveness"
	"github.com/danmuck/presencectl/internal/observability"
	"github.com/danmuck/presencectl/internal/presence"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

var ErrUnknownLifecycleEvent = errors.New("admin: unknown lifecycle event")

// Backend is the process-wide state the admin surface reports on.
type Backend interface {
	EndpointStatuses() []endpoint.Status
	PresenceEnabled() bool
	SetPresenceEnabled(enabled bool)
	SetPresenceStatus(status presence.Status) error
}

type Config struct {
	ID          string
	Addr        string
	CORSOrigins []string
}

type Server struct {
	cfg      Config
	appeared time.Time
	router   *gin.Engine
	surface  *Surface
	activity *host.Activity
	backend  Backend
}

func New(cfg Config, surface *Surface, activity *host.Activity, backend Backend) *Server {
	observability.RegisterMetrics()
	if cfg.ID == "" {
		cfg.ID = "presencectl"
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(cfg.ID))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		cfg:      cfg,
		appeared: time.Now(),
		router:   r,
		surface:  surface,
		activity: activity,
		backend:  backend,
	}
	s.registerRoutes()
	return s
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

// Serve listens on the configured address until ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.Addr).Msg("admin.listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) registerRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.appeared).String(),
			"service": s.cfg.ID,
			"version": version,
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ready", s.handleReady)
	r.GET("/state", s.handleState)

	r.POST("/lifecycle/:event", s.handleLifecycle)

	r.GET("/prompt", s.handlePrompt)
	r.POST("/prompt/resolve", s.handleResolve)
	r.POST("/prompt/cancel", s.handleCancel)

	r.GET("/navigations", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"navigations": s.surface.Navigations()})
	})
	r.GET("/notices", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"notices": s.surface.Notices()})
	})
	r.POST("/notices", s.handleNotice)

	r.POST("/account/refresh", s.handleAccountRefresh)
	r.POST("/presence/status", s.handlePresenceStatus)
	r.POST("/presence/enabled", s.handlePresenceEnabled)
}

func (s *Server) handleReady(c *gin.Context) {
	statuses := s.backend.EndpointStatuses()
	ready := len(statuses) > 0 && statuses[0].State == endpoint.StateConnected
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"ready":   ready,
		"uptime":  time.Since(s.appeared).String(),
		"service": s.cfg.ID,
		"version": version,
	})
}

func (s *Server) handleState(c *gin.Context) {
	snap, err := s.activity.Snapshot()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"host":             snap,
		"endpoints":        s.backend.EndpointStatuses(),
		"presence_enabled": s.backend.PresenceEnabled(),
	})
}

func (s *Server) handleLifecycle(c *gin.Context) {
	event := c.Param("event")
	var err error
	switch event {
	case "create":
		err = s.activity.Create()
	case "resume":
		err = s.activity.Resume()
	case "pause":
		err = s.activity.Pause()
	case "back":
		err = s.activity.BackPressed()
	case "pointer-down":
		err = s.activity.PointerDown()
	default:
		err = ErrUnknownLifecycleEvent
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "event": event})
}

func (s *Server) handlePrompt(c *gin.Context) {
	p, ok := s.surface.Prompt()
	if !ok {
		c.JSON(http.StatusOK, gin.H{"prompt": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"prompt": p})
}

type resolveRequest struct {
	Choice string `json:"choice" binding:"required"`
}

func (s *Server) handleResolve(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	choice, err := liveness.ParseResolution(req.Choice)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := s.activity.ResolvePrompt(choice); err != nil {
		// Anything past the state checks came from the side effect; the
		// prompt is already resolved.
		if statusFor(err) == http.StatusInternalServerError {
			log.Warn().Err(err).Str("choice", string(choice)).Msg("admin.resolution side effect failed")
			c.JSON(http.StatusOK, gin.H{"status": "resolved", "choice": choice, "warning": err.Error()})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resolved", "choice": choice})
}

func (s *Server) handleCancel(c *gin.Context) {
	err := s.activity.CancelPrompt()
	if err == nil {
		err = liveness.ErrNoOutstandingPrompt
	}
	respondError(c, err)
}

type noticeRequest struct {
	Kind   string `json:"kind" binding:"required"`
	Text   string `json:"text"`
	ChatID *int64 `json:"chat_id"`
}

func (s *Server) handleNotice(c *gin.Context) {
	var req noticeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	kind, err := host.ParseNoticeKind(req.Kind)
	if err != nil {
		respondError(c, err)
		return
	}
	chatID := host.NoChat
	if req.ChatID != nil {
		chatID = *req.ChatID
	}
	n, err := s.activity.ShowNotice(kind, req.Text, chatID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notice": n})
}

func (s *Server) handleAccountRefresh(c *gin.Context) {
	sent, err := s.activity.RefreshAccountInfo(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sent": sent})
}

type presenceStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

func (s *Server) handlePresenceStatus(c *gin.Context) {
	var req presenceStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	status, err := presence.ParseStatus(req.Status)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := s.backend.SetPresenceStatus(status); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "pending": true})
}

type presenceEnabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (s *Server) handlePresenceEnabled(c *gin.Context) {
	var req presenceEnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.backend.SetPresenceEnabled(*req.Enabled)
	c.JSON(http.StatusOK, gin.H{"presence_enabled": s.backend.PresenceEnabled()})
}

func respondError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, liveness.ErrUnknownResolution),
		errors.Is(err, presence.ErrInvalidStatus),
		errors.Is(err, host.ErrUnknownNoticeKind):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnknownLifecycleEvent),
		errors.Is(err, liveness.ErrNoOutstandingPrompt):
		return http.StatusNotFound
	case errors.Is(err, liveness.ErrPromptNotCancelable),
		errors.Is(err, host.ErrNotCreated):
		return http.StatusConflict
	case errors.Is(err, endpoint.ErrNotConnected),
		errors.Is(err, presence.ErrNotConnected),
		errors.Is(err, app.ErrPresenceUnavailable),
		errors.Is(err, host.ErrLoopStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
