// Package loopback реализует сигнальный SDK в памяти процесса. Используется
// демоном без внешнего SDK и тестами.
package loopback

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arzzra/voice_bridge/pkg/logger"
	"github.com/arzzra/voice_bridge/pkg/provider"
)

// Ключи push-сообщения
const (
	MessageTypeKey = "twi_message_type"
	CallSIDKey     = "twi_call_sid"
	FromKey        = "twi_from"
	ToKey          = "twi_to"
	ParamsKey      = "twi_params"

	MessageTypeInvite = "twilio.voice.call"
	MessageTypeCancel = "twilio.voice.cancel"
)

// Op операция SDK для внедрения ошибок
type Op string

const (
	OpConnect    Op = "connect"
	OpAccept     Op = "accept"
	OpReject     Op = "reject"
	OpRegister   Op = "register"
	OpUnregister Op = "unregister"
	OpMessage    Op = "message"
	OpFeedback   Op = "feedback"
)

// Feedback отзыв о звонке
type Feedback struct {
	Score provider.Score
	Issue provider.Issue
}

// Option опция провайдера
type Option func(*Provider)

// WithAutoAnswer включает автоматические события ringing/connected
// через заданную задержку
func WithAutoAnswer(delay time.Duration) Option {
	return func(p *Provider) { p.autoAnswer = delay }
}

// WithLogger задает logger
func WithLogger(l logger.StructuredLogger) Option {
	return func(p *Provider) { p.logger = l }
}

// Provider SDK в памяти процесса
type Provider struct {
	mu         sync.Mutex
	sink       provider.EventSink
	calls      map[string]*Call
	permission bool
	autoAnswer time.Duration
	failNext   map[Op]error
	panicNext  map[Op]bool
	connects   []provider.ConnectOptions
	rejected   []string
	registered map[string]provider.Registration
	messages   []provider.CallMessage
	feedback   map[string]Feedback

	wg     sync.WaitGroup
	logger logger.StructuredLogger
}

// New создает провайдера. Разрешение на микрофон выдано по умолчанию.
func New(opts ...Option) *Provider {
	p := &Provider{
		calls:      make(map[string]*Call),
		permission: true,
		failNext:   make(map[Op]error),
		panicNext:  make(map[Op]bool),
		registered: make(map[string]provider.Registration),
		feedback:   make(map[string]Feedback),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = logger.Nop()
	}
	p.logger = p.logger.WithComponent("loopback_provider")
	return p
}

// SetEventSink задает получателя событий звонков
func (p *Provider) SetEventSink(sink provider.EventSink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = sink
}

// SetPermission выдает или отзывает разрешение на микрофон
func (p *Provider) SetPermission(granted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.permission = granted
}

// FailNext следующий вызов op вернет err
func (p *Provider) FailNext(op Op, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext[op] = err
}

// PanicNext следующий вызов op завершится паникой
func (p *Provider) PanicNext(op Op) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.panicNext[op] = true
}

// before проверяет внедренные ошибки; вызывается под p.mu
func (p *Provider) before(op Op, needsMic bool) error {
	if p.panicNext[op] {
		delete(p.panicNext, op)
		panic(fmt.Sprintf("loopback: паника в %s", op))
	}
	if err, ok := p.failNext[op]; ok {
		delete(p.failNext, op)
		return err
	}
	if needsMic && !p.permission {
		return provider.ErrPermissionDenied
	}
	return nil
}

// Connect начинает исходящий звонок
func (p *Provider) Connect(ctx context.Context, opts provider.ConnectOptions) (provider.Call, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.before(OpConnect, true); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	call := &Call{
		sid:       "CA" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		sessionID: opts.SessionID,
		provider:  p,
	}
	p.calls[call.sid] = call
	p.connects = append(p.connects, opts)

	p.logger.Info(ctx, "исходящий звонок",
		logger.String("call_sid", call.sid),
		logger.String("session_id", opts.SessionID),
		logger.String("to", opts.Params["to"]))

	if p.autoAnswer > 0 {
		p.schedule(call.sid, provider.EventRinging, p.autoAnswer)
		p.schedule(call.sid, provider.EventConnected, 2*p.autoAnswer)
	}
	return call, nil
}

// Accept принимает входящее приглашение
func (p *Provider) Accept(ctx context.Context, invite provider.Invite, opts provider.AcceptOptions) (provider.Call, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.before(OpAccept, true); err != nil {
		return nil, err
	}
	if invite.CallSID == "" {
		return nil, &provider.Exception{Code: 31400, Message: "пустой CallSid приглашения"}
	}

	call := &Call{sid: invite.CallSID, sessionID: opts.SessionID, provider: p}
	p.calls[call.sid] = call

	if p.autoAnswer > 0 {
		p.schedule(call.sid, provider.EventConnected, p.autoAnswer)
	}
	return call, nil
}

// Reject отклоняет приглашение
func (p *Provider) Reject(ctx context.Context, invite provider.Invite) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.before(OpReject, false); err != nil {
		return err
	}
	p.rejected = append(p.rejected, invite.CallSID)
	return nil
}

// SendInviteMessage отправляет сообщение по приглашению
func (p *Provider) SendInviteMessage(ctx context.Context, invite provider.Invite, msg provider.CallMessage) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.before(OpMessage, false); err != nil {
		return "", err
	}
	if invite.CallSID == "" {
		return "", &provider.Exception{Code: 31400, Message: "пустой CallSid приглашения"}
	}
	return p.sendLocked(invite.CallSID, "", msg), nil
}

// sendLocked сохраняет сообщение и планирует messageSent; вызывается под p.mu
func (p *Provider) sendLocked(callSID, sessionID string, msg provider.CallMessage) string {
	msg.SID = "KX" + strings.ReplaceAll(uuid.NewString(), "-", "")
	p.messages = append(p.messages, msg)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.deliver(provider.CallEvent{
			Kind:      provider.EventMessageSent,
			SessionID: sessionID,
			CallSID:   callSID,
			Message:   &msg,
		})
	}()
	return msg.SID
}

// Register подписывает устройство на приглашения
func (p *Provider) Register(ctx context.Context, reg provider.Registration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.before(OpRegister, false); err != nil {
		return err
	}
	if reg.AccessToken == "" || reg.DeviceToken == "" {
		return &provider.Exception{Code: 20101, Message: "недействительный токен регистрации"}
	}
	p.registered[reg.DeviceToken] = reg
	p.logger.Info(ctx, "устройство зарегистрировано", logger.String("device_token", reg.DeviceToken))
	return nil
}

// Unregister отменяет подписку; повторный вызов ничего не делает
func (p *Provider) Unregister(ctx context.Context, reg provider.Registration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.before(OpUnregister, false); err != nil {
		return err
	}
	delete(p.registered, reg.DeviceToken)
	return nil
}

// Registered проверяет подписку устройства
func (p *Provider) Registered(deviceToken string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.registered[deviceToken]
	return ok
}

// Messages отправленные сообщения
func (p *Provider) Messages() []provider.CallMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]provider.CallMessage(nil), p.messages...)
}

// FeedbackFor отзыв, отправленный для звонка
func (p *Provider) FeedbackFor(callSID string) (Feedback, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.feedback[callSID]
	return f, ok
}

// EmitMessage отправляет событие сообщения. Для звонков, известных
// провайдеру, событие несет идентификатор сессии.
func (p *Provider) EmitMessage(callSID string, kind provider.EventKind, msg provider.CallMessage, exc *provider.Exception) error {
	p.mu.Lock()
	var sessionID string
	if call, ok := p.calls[callSID]; ok {
		sessionID = call.sessionID
	}
	p.mu.Unlock()

	return p.deliver(provider.CallEvent{
		Kind:      kind,
		SessionID: sessionID,
		CallSID:   callSID,
		Err:       exc,
		Message:   &msg,
	})
}

func (p *Provider) deliver(ev provider.CallEvent) error {
	p.mu.Lock()
	sink := p.sink
	p.mu.Unlock()
	if sink == nil {
		return fmt.Errorf("loopback: получатель событий не задан")
	}
	sink.OnCallEvent(ev)
	return nil
}

// ParseMessage разбирает push-сообщение
func (p *Provider) ParseMessage(payload map[string]string) (provider.Message, error) {
	sid := payload[CallSIDKey]
	switch payload[MessageTypeKey] {
	case MessageTypeInvite:
		if sid == "" {
			return provider.Message{}, fmt.Errorf("loopback: в приглашении нет %s", CallSIDKey)
		}
		params, err := url.ParseQuery(payload[ParamsKey])
		if err != nil {
			return provider.Message{}, fmt.Errorf("loopback: параметры приглашения: %w", err)
		}
		custom := make(map[string]string, len(params))
		for k := range params {
			custom[k] = params.Get(k)
		}
		return provider.Message{Invite: &provider.Invite{
			CallSID:          sid,
			From:             payload[FromKey],
			To:               payload[ToKey],
			CustomParameters: custom,
		}}, nil
	case MessageTypeCancel:
		if sid == "" {
			return provider.Message{}, fmt.Errorf("loopback: в отмене нет %s", CallSIDKey)
		}
		return provider.Message{Cancelled: &provider.CancelledInvite{
			CallSID: sid,
			From:    payload[FromKey],
			To:      payload[ToKey],
		}}, nil
	default:
		return provider.Message{}, provider.ErrNotVoiceMessage
	}
}

// Emit отправляет событие звонка так, как его отправил бы SDK
func (p *Provider) Emit(callSID string, kind provider.EventKind, exc *provider.Exception) error {
	p.mu.Lock()
	call, ok := p.calls[callSID]
	sink := p.sink
	if ok && (kind == provider.EventDisconnected || kind == provider.EventConnectFailure) {
		delete(p.calls, callSID)
	}
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("loopback: звонок %s не найден", callSID)
	}
	if sink == nil {
		return fmt.Errorf("loopback: получатель событий не задан")
	}

	sink.OnCallEvent(provider.CallEvent{
		Kind:      kind,
		SessionID: call.sessionID,
		CallSID:   callSID,
		Err:       exc,
	})
	return nil
}

// EmitQualityWarnings отправляет изменение предупреждений качества
func (p *Provider) EmitQualityWarnings(callSID string, current, previous []string) error {
	p.mu.Lock()
	call, ok := p.calls[callSID]
	sink := p.sink
	p.mu.Unlock()

	if !ok || sink == nil {
		return fmt.Errorf("loopback: звонок %s не найден", callSID)
	}
	sink.OnCallEvent(provider.CallEvent{
		Kind:             provider.EventQualityWarningsChanged,
		SessionID:        call.sessionID,
		CallSID:          callSID,
		Warnings:         current,
		PreviousWarnings: previous,
	})
	return nil
}

// schedule отправляет событие асинхронно; вызывается под p.mu
func (p *Provider) schedule(callSID string, kind provider.EventKind, delay time.Duration) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if delay > 0 {
			time.Sleep(delay)
		}
		if err := p.Emit(callSID, kind, nil); err != nil {
			p.logger.Debug(context.Background(), "событие не отправлено",
				logger.String("call_sid", callSID),
				logger.String("kind", string(kind)),
				logger.Err(err))
		}
	}()
}

// Wait ожидает завершения асинхронных событий
func (p *Provider) Wait() {
	p.wg.Wait()
}

// Call возвращает активный звонок
func (p *Provider) Call(callSID string) (*Call, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.calls[callSID]
	return c, ok
}

// CallBySession возвращает активный звонок сессии
func (p *Provider) CallBySession(sessionID string) (*Call, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.calls {
		if c.sessionID == sessionID {
			return c, true
		}
	}
	return nil, false
}

// Connects параметры всех исходящих звонков
func (p *Provider) Connects() []provider.ConnectOptions {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]provider.ConnectOptions(nil), p.connects...)
}

// Rejected CallSid отклоненных приглашений
func (p *Provider) Rejected() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.rejected...)
}

// Call звонок loopback провайдера
type Call struct {
	sid       string
	sessionID string
	provider  *Provider

	mu           sync.Mutex
	muted        bool
	onHold       bool
	digits       strings.Builder
	disconnected bool
}

// SID идентификатор звонка
func (c *Call) SID() string { return c.sid }

// Disconnect завершает звонок; событие disconnected приходит асинхронно
func (c *Call) Disconnect() error {
	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		return nil
	}
	c.disconnected = true
	c.mu.Unlock()

	p := c.provider
	p.mu.Lock()
	if _, ok := p.calls[c.sid]; ok {
		p.schedule(c.sid, provider.EventDisconnected, 0)
	}
	p.mu.Unlock()
	return nil
}

// Mute включает или выключает микрофон
func (c *Call) Mute(muted bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected {
		return &provider.Exception{Code: 31000, Message: "звонок завершен"}
	}
	c.muted = muted
	return nil
}

// Hold ставит звонок на удержание
func (c *Call) Hold(onHold bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected {
		return &provider.Exception{Code: 31000, Message: "звонок завершен"}
	}
	c.onHold = onHold
	return nil
}

// SendDigits отправляет DTMF
func (c *Call) SendDigits(digits string) error {
	for _, r := range digits {
		if !strings.ContainsRune("0123456789*#wW", r) {
			return &provider.Exception{Code: 31000, Message: fmt.Sprintf("недопустимый символ DTMF %q", r)}
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected {
		return &provider.Exception{Code: 31000, Message: "звонок завершен"}
	}
	c.digits.WriteString(digits)
	return nil
}

// SendMessage отправляет сообщение в рамках звонка
func (c *Call) SendMessage(msg provider.CallMessage) (string, error) {
	c.mu.Lock()
	disconnected := c.disconnected
	c.mu.Unlock()
	if disconnected {
		return "", &provider.Exception{Code: 31000, Message: "звонок завершен"}
	}

	p := c.provider
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.before(OpMessage, false); err != nil {
		return "", err
	}
	return p.sendLocked(c.sid, c.sessionID, msg), nil
}

// PostFeedback сохраняет отзыв о звонке
func (c *Call) PostFeedback(score provider.Score, issue provider.Issue) error {
	p := c.provider
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.before(OpFeedback, false); err != nil {
		return err
	}
	p.feedback[c.sid] = Feedback{Score: score, Issue: issue}
	return nil
}

// State состояние звонка: микрофон, удержание, отправленные цифры
func (c *Call) State() (muted, onHold bool, digits string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted, c.onHold, c.digits.String()
}

// Disconnected проверяет, был ли вызван Disconnect
func (c *Call) Disconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}
