// Package bridge открывает оркестратор UI слою: HTTP команды через gin и
// поток событий через websocket.
package bridge

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arzzra/voice_bridge/pkg/audio"
	"github.com/arzzra/voice_bridge/pkg/callerr"
	"github.com/arzzra/voice_bridge/pkg/logger"
	"github.com/arzzra/voice_bridge/pkg/provider"
	"github.com/arzzra/voice_bridge/pkg/session"
)

const headerRequestID = "X-Request-Id"

// API команды оркестратора, доступные UI
type API interface {
	Connect(ctx context.Context, token string, params map[string]string) (session.Snapshot, error)
	AcceptInvite(ctx context.Context, sessionID string) (session.Snapshot, error)
	RejectInvite(ctx context.Context, sessionID string) (session.Snapshot, error)
	Disconnect(ctx context.Context, sessionID string) (session.Snapshot, error)
	Mute(ctx context.Context, sessionID string, muted bool) (session.Snapshot, error)
	Hold(ctx context.Context, sessionID string, onHold bool) (session.Snapshot, error)
	SendDigits(ctx context.Context, sessionID, digits string) (session.Snapshot, error)
	SelectAudioDevice(ctx context.Context, deviceID string) (audio.Snapshot, error)
	AudioDevices(ctx context.Context) (audio.Snapshot, error)
	ListSessions(ctx context.Context) ([]session.Snapshot, error)
	SetContactHandleTemplate(ctx context.Context, template string) error
	ListInvites(ctx context.Context) ([]session.Snapshot, error)
	Register(ctx context.Context, accessToken, deviceToken string) error
	Unregister(ctx context.Context, accessToken, deviceToken string) error
	SendMessage(ctx context.Context, sessionID string, msg provider.CallMessage) (string, error)
	PostFeedback(ctx context.Context, sessionID string, score provider.Score, issue provider.Issue) error
}

// Option опция сервера
type Option func(*Server)

// WithLogger задает logger
func WithLogger(l logger.StructuredLogger) Option {
	return func(s *Server) { s.logger = l }
}

// WithGatherer задает источник метрик для /metrics
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithCommandTimeout ограничивает ожидание команды
func WithCommandTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// Server HTTP мост к UI
type Server struct {
	api      API
	hub      *Hub
	engine   *gin.Engine
	logger   logger.StructuredLogger
	gatherer prometheus.Gatherer
	timeout  time.Duration
}

// New создает сервер и регистрирует маршруты
func New(api API, hub *Hub, opts ...Option) *Server {
	s := &Server{
		api:      api,
		hub:      hub,
		gatherer: prometheus.DefaultGatherer,
		timeout:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Nop()
	}
	s.logger = s.logger.WithComponent("bridge")

	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.routes()
	return s
}

// Handler http.Handler сервера
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run обслуживает addr до отмены контекста
func (s *Server) Run(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "мост запущен", logger.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	if s.hub != nil {
		s.hub.Close()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) routes() {
	r := s.engine
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	if s.hub != nil {
		r.GET("/events", gin.WrapH(s.hub))
	}

	r.GET("/sessions", s.listSessions)
	r.GET("/invites", s.listInvites)
	r.POST("/calls", s.connect)
	r.POST("/registration", s.registration(false))
	r.DELETE("/registration", s.registration(true))

	sessions := r.Group("/sessions/:id")
	{
		sessions.POST("/accept", s.sessionCommand(s.api.AcceptInvite))
		sessions.POST("/reject", s.sessionCommand(s.api.RejectInvite))
		sessions.POST("/disconnect", s.sessionCommand(s.api.Disconnect))
		sessions.POST("/mute", s.mute)
		sessions.POST("/hold", s.hold)
		sessions.POST("/digits", s.digits)
		sessions.POST("/messages", s.sendMessage)
		sessions.POST("/feedback", s.postFeedback)
	}

	r.GET("/audio/devices", s.audioDevices)
	r.POST("/audio/devices/:id/select", s.selectAudioDevice)
	r.PUT("/settings/contact-handle-template", s.setTemplate)
}

// requestLogger пишет итог каждого запроса
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		rid := c.GetHeader(headerRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Writer.Header().Set(headerRequestID, rid)

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		fields := []logger.Field{
			logger.String("request_id", rid),
			logger.String("method", c.Request.Method),
			logger.String("path", path),
			logger.Int("status", c.Writer.Status()),
			logger.Duration("duration", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, logger.String("errors", c.Errors.String()))
			s.logger.Warn(c.Request.Context(), "запрос", fields...)
			return
		}
		s.logger.Debug(c.Request.Context(), "запрос", fields...)
	}
}

func (s *Server) commandContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), s.timeout)
}

// fail отвечает типизированной ошибкой
func (s *Server) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	status, body := errorResponse(err)
	c.AbortWithStatusJSON(status, gin.H{"error": body})
}

func (s *Server) badRequest(c *gin.Context, err error) {
	s.fail(c, callerr.InvalidArgument("некорректное тело запроса: "+err.Error()))
}
