package bridge

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arzzra/voice_bridge/pkg/callerr"
	"github.com/arzzra/voice_bridge/pkg/provider"
	"github.com/arzzra/voice_bridge/pkg/session"
)

type connectRequest struct {
	AccessToken string            `json:"accessToken" binding:"required"`
	Params      map[string]string `json:"params"`
}

type muteRequest struct {
	Muted *bool `json:"muted" binding:"required"`
}

type holdRequest struct {
	OnHold *bool `json:"onHold" binding:"required"`
}

type digitsRequest struct {
	Digits string `json:"digits" binding:"required"`
}

type templateRequest struct {
	Template string `json:"template"`
}

type registrationRequest struct {
	AccessToken string `json:"accessToken" binding:"required"`
	DeviceToken string `json:"deviceToken" binding:"required"`
}

type messageRequest struct {
	Content     string `json:"content" binding:"required"`
	ContentType string `json:"contentType"`
	MessageType string `json:"messageType" binding:"required"`
}

type feedbackRequest struct {
	Score *int   `json:"score" binding:"required,min=0,max=5"`
	Issue string `json:"issue"`
}

// ErrorBody тело ответа с ошибкой
type ErrorBody struct {
	Kind         string `json:"kind"`
	Code         string `json:"code"`
	Message      string `json:"message"`
	SessionID    string `json:"sessionId,omitempty"`
	ProviderCode int    `json:"providerCode,omitempty"`
	Retryable    bool   `json:"retryable"`
}

// errorResponse HTTP статус и тело для ошибки команды
func errorResponse(err error) (int, ErrorBody) {
	ce, ok := callerr.As(err)
	if !ok {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return http.StatusGatewayTimeout, ErrorBody{Kind: "Timeout", Code: "TIMEOUT", Message: err.Error()}
		case errors.Is(err, context.Canceled):
			return 499, ErrorBody{Kind: "Canceled", Code: "CANCELED", Message: err.Error()}
		}
		return http.StatusInternalServerError, ErrorBody{Kind: "Internal", Code: "INTERNAL", Message: err.Error()}
	}

	body := ErrorBody{
		Kind:         ce.Kind.String(),
		Code:         ce.Code,
		Message:      ce.Message,
		SessionID:    ce.SessionID,
		ProviderCode: ce.ProviderCode,
		Retryable:    ce.Retryable,
	}
	switch ce.Kind {
	case callerr.KindInvalidArgument:
		if ce.Code == callerr.CodeSessionNotFound || ce.Code == callerr.CodeDeviceNotFound {
			return http.StatusNotFound, body
		}
		return http.StatusBadRequest, body
	case callerr.KindInvalidState:
		switch ce.Code {
		case callerr.CodeOrchestratorStopped:
			return http.StatusServiceUnavailable, body
		case callerr.CodeCommandTimeout:
			return http.StatusGatewayTimeout, body
		case callerr.CodeCommandCanceled:
			return 499, body
		}
		return http.StatusConflict, body
	case callerr.KindPermissionDenied:
		return http.StatusForbidden, body
	case callerr.KindProviderError:
		return http.StatusBadGateway, body
	}
	return http.StatusInternalServerError, body
}

func (s *Server) listSessions(c *gin.Context) {
	ctx, cancel := s.commandContext(c)
	defer cancel()

	list, err := s.api.ListSessions(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	if list == nil {
		list = []session.Snapshot{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": list})
}

func (s *Server) connect(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	ctx, cancel := s.commandContext(c)
	defer cancel()

	snap, err := s.api.Connect(ctx, req.AccessToken, req.Params)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

// sessionCommand обработчик команды без тела запроса
func (s *Server) sessionCommand(fn func(ctx context.Context, sessionID string) (session.Snapshot, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := s.commandContext(c)
		defer cancel()

		snap, err := fn(ctx, c.Param("id"))
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}

func (s *Server) mute(c *gin.Context) {
	var req muteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	ctx, cancel := s.commandContext(c)
	defer cancel()

	snap, err := s.api.Mute(ctx, c.Param("id"), *req.Muted)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) hold(c *gin.Context) {
	var req holdRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	ctx, cancel := s.commandContext(c)
	defer cancel()

	snap, err := s.api.Hold(ctx, c.Param("id"), *req.OnHold)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) digits(c *gin.Context) {
	var req digitsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	ctx, cancel := s.commandContext(c)
	defer cancel()

	snap, err := s.api.SendDigits(ctx, c.Param("id"), req.Digits)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) audioDevices(c *gin.Context) {
	ctx, cancel := s.commandContext(c)
	defer cancel()

	snap, err := s.api.AudioDevices(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) selectAudioDevice(c *gin.Context) {
	ctx, cancel := s.commandContext(c)
	defer cancel()

	snap, err := s.api.SelectAudioDevice(ctx, c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) setTemplate(c *gin.Context) {
	var req templateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	ctx, cancel := s.commandContext(c)
	defer cancel()

	if err := s.api.SetContactHandleTemplate(ctx, req.Template); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listInvites(c *gin.Context) {
	ctx, cancel := s.commandContext(c)
	defer cancel()

	list, err := s.api.ListInvites(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	if list == nil {
		list = []session.Snapshot{}
	}
	c.JSON(http.StatusOK, gin.H{"invites": list})
}

// registration подписка устройства на приглашения или ее отмена
func (s *Server) registration(unregister bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registrationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			s.badRequest(c, err)
			return
		}
		ctx, cancel := s.commandContext(c)
		defer cancel()

		op := s.api.Register
		if unregister {
			op = s.api.Unregister
		}
		if err := op(ctx, req.AccessToken, req.DeviceToken); err != nil {
			s.fail(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (s *Server) sendMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	ctx, cancel := s.commandContext(c)
	defer cancel()

	sid, err := s.api.SendMessage(ctx, c.Param("id"), provider.CallMessage{
		Content:     req.Content,
		ContentType: req.ContentType,
		MessageType: req.MessageType,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"sid": sid})
}

func (s *Server) postFeedback(c *gin.Context) {
	var req feedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	ctx, cancel := s.commandContext(c)
	defer cancel()

	if err := s.api.PostFeedback(ctx, c.Param("id"), provider.Score(*req.Score), provider.Issue(req.Issue)); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
