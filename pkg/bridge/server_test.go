package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/arzzra/voice_bridge/pkg/audio"
	"github.com/arzzra/voice_bridge/pkg/callerr"
	"github.com/arzzra/voice_bridge/pkg/logger"
	"github.com/arzzra/voice_bridge/pkg/notification"
	"github.com/arzzra/voice_bridge/pkg/orchestrator"
	"github.com/arzzra/voice_bridge/pkg/provider"
	"github.com/arzzra/voice_bridge/pkg/provider/loopback"
	"github.com/arzzra/voice_bridge/pkg/relay"
	"github.com/arzzra/voice_bridge/pkg/session"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func TestErrorResponse(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"нет сессии", callerr.NotFound("s1"), http.StatusNotFound, callerr.CodeSessionNotFound},
		{"аргумент", callerr.InvalidArgument("плохо"), http.StatusBadRequest, callerr.CodeInvalidArgument},
		{"состояние", callerr.InvalidState("s1", "accept", "CONNECTED"), http.StatusConflict, callerr.CodeInvalidState},
		{"остановлен", callerr.New(callerr.KindInvalidState, callerr.CodeOrchestratorStopped, "stop"), http.StatusServiceUnavailable, callerr.CodeOrchestratorStopped},
		{"разрешение", callerr.PermissionDenied("s1", nil), http.StatusForbidden, callerr.CodePermissionDenied},
		{"SDK", callerr.Provider("s1", 31005, "сбой", nil), http.StatusBadGateway, callerr.CodeProvider},
		{"таймаут", context.DeadlineExceeded, http.StatusGatewayTimeout, "TIMEOUT"},
		{"таймаут команды", callerr.Interrupted("s1", context.DeadlineExceeded), http.StatusGatewayTimeout, callerr.CodeCommandTimeout},
		{"отмена команды", callerr.Interrupted("s1", context.Canceled), 499, callerr.CodeCommandCanceled},
		{"аудиотракт", callerr.New(callerr.KindProviderError, callerr.CodeAudioRoute, "bluetooth"), http.StatusBadGateway, callerr.CodeAudioRoute},
		{"прочее", errors.New("boom"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := errorResponse(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, body.Code)
		})
	}
}

// BridgeSuite проверяет мост на настоящем оркестраторе с loopback SDK
type BridgeSuite struct {
	suite.Suite

	prov    *loopback.Provider
	relay   *relay.Relay
	orch    *orchestrator.Orchestrator
	hub     *Hub
	srv     *httptest.Server
	reg     *prometheus.Registry
	cancel  context.CancelFunc
	stopped <-chan struct{}
}

func (s *BridgeSuite) SetupTest() {
	s.prov = loopback.New()
	s.relay = relay.New(32, s.prov, logger.Nop())
	s.prov.SetEventSink(s.relay)
	s.hub = NewHub(logger.Nop())
	s.reg = prometheus.NewRegistry()

	orch, err := orchestrator.New(orchestrator.Components{
		Registry:      session.NewRegistry(),
		Provider:      s.prov,
		Relay:         s.relay,
		Audio:         audio.NewArbiter(audio.LoggingRouter{Logger: logger.Nop()}, logger.Nop()),
		Tones:         audio.NewTones(audio.LoggingPlayer{Logger: logger.Nop()}, logger.Nop()),
		Notifications: notification.NewController(notification.LoggingSurface{Logger: logger.Nop()}),
	},
		orchestrator.WithEmitter(s.hub),
		orchestrator.WithMetrics(orchestrator.NewMetrics(orchestrator.DefaultMetricsConfig(s.reg))),
	)
	s.Require().NoError(err)
	s.orch = orch
	s.stopped = orch.Stopped()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() { _ = orch.Run(ctx) }()

	server := New(orch, s.hub, WithGatherer(s.reg), WithCommandTimeout(2*time.Second))
	s.srv = httptest.NewServer(server.Handler())
}

func (s *BridgeSuite) TearDownTest() {
	s.hub.Close()
	s.srv.Close()
	s.cancel()
	<-s.stopped
}

func (s *BridgeSuite) do(method, path string, body any) (*http.Response, map[string]any) {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		s.Require().NoError(err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, s.srv.URL+path, reader)
	s.Require().NoError(err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (s *BridgeSuite) TestHealthz() {
	resp, body := s.do(http.MethodGet, "/healthz", nil)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("ok", body["status"])
	s.NotEmpty(resp.Header.Get(headerRequestID), "идентификатор запроса проставляется")
}

func (s *BridgeSuite) TestConnectAndControls() {
	resp, body := s.do(http.MethodPost, "/calls", map[string]any{
		"accessToken": "token",
		"params":      map[string]string{"to": "client:bob"},
	})
	s.Require().Equal(http.StatusCreated, resp.StatusCode, "тело: %v", body)
	s.Equal("CONNECTING", body["state"])
	id, _ := body["sessionId"].(string)
	callSID, _ := body["callSid"].(string)
	s.Require().NotEmpty(id)

	s.Require().NoError(s.prov.Emit(callSID, provider.EventConnected, nil))
	s.Eventually(func() bool {
		_, list := s.do(http.MethodGet, "/sessions", nil)
		sessions, _ := list["sessions"].([]any)
		if len(sessions) != 1 {
			return false
		}
		first, _ := sessions[0].(map[string]any)
		return first["state"] == "CONNECTED"
	}, 2*time.Second, 10*time.Millisecond, "звонок должен соединиться")

	resp, body = s.do(http.MethodPost, "/sessions/"+id+"/mute", map[string]any{"muted": true})
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal(true, body["isMuted"])

	resp, _ = s.do(http.MethodPost, "/sessions/"+id+"/hold", map[string]any{})
	s.Equal(http.StatusBadRequest, resp.StatusCode, "без onHold запрос некорректен")

	resp, _ = s.do(http.MethodPost, "/sessions/"+id+"/digits", map[string]any{"digits": "1#"})
	s.Equal(http.StatusOK, resp.StatusCode)

	resp, body = s.do(http.MethodPost, "/sessions/"+id+"/disconnect", nil)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("DISCONNECTED", body["state"])
}

func (s *BridgeSuite) TestConnectValidation() {
	resp, body := s.do(http.MethodPost, "/calls", map[string]any{})
	s.Equal(http.StatusBadRequest, resp.StatusCode)
	errBody, _ := body["error"].(map[string]any)
	s.Equal(callerr.CodeInvalidArgument, errBody["code"])

	s.prov.SetPermission(false)
	resp, body = s.do(http.MethodPost, "/calls", map[string]any{"accessToken": "token"})
	s.Equal(http.StatusForbidden, resp.StatusCode)
	errBody, _ = body["error"].(map[string]any)
	s.Equal(true, errBody["retryable"])
}

func (s *BridgeSuite) TestUnknownSession() {
	resp, body := s.do(http.MethodPost, "/sessions/missing/accept", nil)
	s.Equal(http.StatusNotFound, resp.StatusCode)
	errBody, _ := body["error"].(map[string]any)
	s.Equal(callerr.CodeSessionNotFound, errBody["code"])
}

func (s *BridgeSuite) TestAudioDevices() {
	s.Require().NoError(s.relay.OnAudioDevices(context.Background(), []audio.PlatformDevice{
		{Name: "Earpiece", Type: audio.DeviceEarpiece},
	}, 0))

	resp, body := s.do(http.MethodGet, "/audio/devices", nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	devices, _ := body["audioDevices"].([]any)
	s.Len(devices, 1)
	selected, _ := body["selectedDevice"].(map[string]any)
	s.Require().NotNil(selected, "выбранное устройство в ответе")
	s.Equal("Earpiece", selected["name"])

	resp, _ = s.do(http.MethodPost, "/audio/devices/bogus/select", nil)
	s.Equal(http.StatusNotFound, resp.StatusCode)
}

func (s *BridgeSuite) TestTemplate() {
	resp, _ := s.do(http.MethodPut, "/settings/contact-handle-template", map[string]any{"template": "${displayName}"})
	s.Equal(http.StatusNoContent, resp.StatusCode)
}

func (s *BridgeSuite) TestMetrics() {
	resp, err := http.Get(s.srv.URL + "/metrics")
	s.Require().NoError(err)
	defer resp.Body.Close()
	s.Equal(http.StatusOK, resp.StatusCode)

	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(resp.Body)
	s.Require().NoError(err)
	s.Contains(buf.String(), "voice_bridge_orchestrator_sessions_active")
}

func (s *BridgeSuite) TestEventStream() {
	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	s.Require().NoError(err, "подключение к потоку событий")
	defer conn.Close()

	s.Eventually(func() bool { return s.hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	s.Require().NoError(s.relay.DeliverPush(context.Background(), map[string]string{
		loopback.MessageTypeKey: loopback.MessageTypeInvite,
		loopback.CallSIDKey:     "CA42",
		loopback.FromKey:        "client:alice",
	}))

	s.Require().NoError(conn.SetReadDeadline(time.Now().Add(2 * time.Second)))
	var ev orchestrator.Event
	s.Require().NoError(conn.ReadJSON(&ev))
	s.Equal(orchestrator.EventCallInvite, ev.Type)
	s.Require().NotNil(ev.Session)
	s.Equal("CA42", ev.Session.CallSID)
	s.Equal(session.StateInvited, ev.Session.State)
}

func (s *BridgeSuite) TestInvitesAndMessages() {
	s.Require().NoError(s.relay.DeliverPush(context.Background(), map[string]string{
		loopback.MessageTypeKey: loopback.MessageTypeInvite,
		loopback.CallSIDKey:     "CA77",
		loopback.FromKey:        "client:alice",
	}))

	var id string
	s.Eventually(func() bool {
		_, body := s.do(http.MethodGet, "/invites", nil)
		invites, _ := body["invites"].([]any)
		if len(invites) != 1 {
			return false
		}
		first, _ := invites[0].(map[string]any)
		id, _ = first["sessionId"].(string)
		return id != ""
	}, 2*time.Second, 10*time.Millisecond, "приглашение должно появиться в списке")

	resp, body := s.do(http.MethodPost, "/sessions/"+id+"/messages", map[string]any{
		"content":     `{"ask":"ready?"}`,
		"messageType": "user-defined-message",
	})
	s.Require().Equal(http.StatusAccepted, resp.StatusCode, "тело: %v", body)
	s.NotEmpty(body["sid"])

	resp, _ = s.do(http.MethodPost, "/sessions/"+id+"/messages", map[string]any{"content": "x"})
	s.Equal(http.StatusBadRequest, resp.StatusCode, "без messageType запрос некорректен")

	resp, body = s.do(http.MethodPost, "/sessions/"+id+"/feedback", map[string]any{"score": 4})
	s.Equal(http.StatusConflict, resp.StatusCode, "отзыв о приглашении недопустим")
	errBody, _ := body["error"].(map[string]any)
	s.Equal(callerr.CodeInvalidState, errBody["code"])

	resp, _ = s.do(http.MethodPost, "/sessions/"+id+"/feedback", map[string]any{"score": 6})
	s.Equal(http.StatusBadRequest, resp.StatusCode, "оценка вне диапазона")
}

func (s *BridgeSuite) TestFeedbackAfterCall() {
	resp, body := s.do(http.MethodPost, "/calls", map[string]any{"accessToken": "token"})
	s.Require().Equal(http.StatusCreated, resp.StatusCode, "тело: %v", body)
	id, _ := body["sessionId"].(string)
	callSID, _ := body["callSid"].(string)

	resp, _ = s.do(http.MethodPost, "/sessions/"+id+"/disconnect", nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	resp, _ = s.do(http.MethodPost, "/sessions/"+id+"/feedback", map[string]any{"score": 0, "issue": "echo"})
	s.Equal(http.StatusNoContent, resp.StatusCode, "нулевая оценка допустима")

	fb, ok := s.prov.FeedbackFor(callSID)
	s.Require().True(ok)
	s.Equal(provider.IssueEcho, fb.Issue)
}

func (s *BridgeSuite) TestRegistration() {
	resp, _ := s.do(http.MethodPost, "/registration", map[string]any{
		"accessToken": "token",
		"deviceToken": "fcm-1",
	})
	s.Equal(http.StatusNoContent, resp.StatusCode)
	s.True(s.prov.Registered("fcm-1"))

	resp, _ = s.do(http.MethodPost, "/registration", map[string]any{"accessToken": "token"})
	s.Equal(http.StatusBadRequest, resp.StatusCode, "без deviceToken запрос некорректен")

	resp, _ = s.do(http.MethodDelete, "/registration", map[string]any{
		"accessToken": "token",
		"deviceToken": "fcm-1",
	})
	s.Equal(http.StatusNoContent, resp.StatusCode)
	s.False(s.prov.Registered("fcm-1"))
}

func TestBridgeSuite(t *testing.T) {
	suite.Run(t, new(BridgeSuite))
}

func TestHubDropsSlowClient(t *testing.T) {
	h := NewHub(logger.Nop())
	c := &client{send: make(chan []byte, 1)}
	h.clients[c] = struct{}{}

	h.Emit(orchestrator.Event{Type: orchestrator.EventRinging})
	require.Equal(t, 1, h.Clients())

	h.Emit(orchestrator.Event{Type: orchestrator.EventConnected})
	assert.Equal(t, 0, h.Clients(), "клиент с заполненной очередью отключается")

	_, ok := <-c.send
	assert.True(t, ok, "первое сообщение доставлено")
	_, ok = <-c.send
	assert.False(t, ok, "очередь закрыта")
}
