// Package orchestrator согласует события push, SDK и UI в единое
// состояние сессий звонков. Все изменения выполняет одна рабочая горутина.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/arzzra/voice_bridge/pkg/audio"
	"github.com/arzzra/voice_bridge/pkg/callerr"
	"github.com/arzzra/voice_bridge/pkg/logger"
	"github.com/arzzra/voice_bridge/pkg/notification"
	"github.com/arzzra/voice_bridge/pkg/pending"
	"github.com/arzzra/voice_bridge/pkg/provider"
	"github.com/arzzra/voice_bridge/pkg/relay"
	"github.com/arzzra/voice_bridge/pkg/session"
)

const tracerName = "github.com/arzzra/voice_bridge/pkg/orchestrator"

const (
	// retiredCallsCapacity сколько CallSid завершенных или отмененных
	// приглашений помнит оркестратор
	retiredCallsCapacity = 1024
	// endedCallsCapacity сколько завершенных звонков доступно для отзыва
	endedCallsCapacity = 64
)

// ErrAlreadyRunning рабочая горутина уже запущена
var ErrAlreadyRunning = errors.New("orchestrator: уже запущен")

// TokenValidator проверяет токен доступа перед исходящим звонком
type TokenValidator interface {
	Validate(token string) error
}

// Components обязательные зависимости оркестратора
type Components struct {
	Registry      *session.Registry
	Provider      provider.Provider
	Relay         *relay.Relay
	Audio         *audio.Arbiter
	Tones         *audio.Tones
	Notifications *notification.Controller
}

func (c Components) validate() error {
	switch {
	case c.Registry == nil:
		return errors.New("orchestrator: не задан реестр сессий")
	case c.Provider == nil:
		return errors.New("orchestrator: не задан провайдер")
	case c.Relay == nil:
		return errors.New("orchestrator: не задана очередь событий")
	case c.Audio == nil:
		return errors.New("orchestrator: не задан арбитр звука")
	case c.Tones == nil:
		return errors.New("orchestrator: не задан проигрыватель звуков")
	case c.Notifications == nil:
		return errors.New("orchestrator: не задан контроллер уведомлений")
	}
	return nil
}

// Option опция оркестратора
type Option func(*Orchestrator)

// WithLogger задает logger
func WithLogger(l logger.StructuredLogger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithEmitter задает получателя событий UI
func WithEmitter(e Emitter) Option {
	return func(o *Orchestrator) { o.emitter = e }
}

// WithMetrics задает метрики
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer задает tracer; по умолчанию глобальный провайдер otel
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithTokenValidator включает проверку токена доступа в Connect
func WithTokenValidator(v TokenValidator) Option {
	return func(o *Orchestrator) { o.tokens = v }
}

// WithIncomingImportance задает важность уведомления о входящем звонке
func WithIncomingImportance(imp notification.Importance) Option {
	return func(o *Orchestrator) { o.incomingImportance = imp }
}

// WithRecoveryHandler задает обработчик паник
func WithRecoveryHandler(h RecoveryHandler) Option {
	return func(o *Orchestrator) { o.recovery = h }
}

// Orchestrator координатор сессий звонков
type Orchestrator struct {
	registry      *session.Registry
	pending       *pending.Table[session.Snapshot]
	provider      provider.Provider
	relay         *relay.Relay
	audio         *audio.Arbiter
	tones         *audio.Tones
	notifications *notification.Controller

	emitter            Emitter
	logger             logger.StructuredLogger
	metrics            *Metrics
	tracer             trace.Tracer
	tokens             TokenValidator
	recovery           RecoveryHandler
	incomingImportance notification.Importance

	// toneOwner сессия, для которой звучит текущий звук
	toneOwner string

	// retired CallSid, приглашения по которым больше не принимаются
	retired *lru.Cache[string, struct{}]
	// ended звонки удаленных сессий по идентификатору сессии
	ended *lru.Cache[string, provider.Call]
	// inflight операции, зарегистрированные текущим событием
	inflight []*pending.Handle[session.Snapshot]

	running  atomic.Bool
	stopped  chan struct{}
	stopOnce sync.Once
}

// New создает оркестратор. Слушатель арбитра звука подключается сразу.
func New(c Components, opts ...Option) (*Orchestrator, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		registry:           c.Registry,
		provider:           c.Provider,
		relay:              c.Relay,
		audio:              c.Audio,
		tones:              c.Tones,
		notifications:      c.Notifications,
		incomingImportance: notification.ImportanceHigh,
		stopped:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logger.Nop()
	}
	o.logger = o.logger.WithComponent("orchestrator")
	if o.emitter == nil {
		o.emitter = EmitterFunc(func(Event) {})
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}
	if o.recovery == nil {
		o.recovery = NewDefaultRecoveryHandler(o.logger, o.metrics)
	}

	var err error
	if o.retired, err = lru.New[string, struct{}](retiredCallsCapacity); err != nil {
		return nil, fmt.Errorf("orchestrator: кэш завершенных приглашений: %w", err)
	}
	if o.ended, err = lru.New[string, provider.Call](endedCallsCapacity); err != nil {
		return nil, fmt.Errorf("orchestrator: кэш завершенных звонков: %w", err)
	}

	o.pending = pending.New[session.Snapshot](pending.WithObserver(o.metrics.setPending))
	o.audio.Subscribe(o.onAudioDevices)
	return o, nil
}

// Run обрабатывает события до отмены контекста или закрытия очереди.
// При выходе все незавершенные операции завершаются ошибкой.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer o.shutdown()

	o.logger.Info(ctx, "оркестратор запущен")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-o.relay.Done():
			return nil
		case ev := <-o.relay.Events():
			o.dispatch(ctx, ev)
		}
	}
}

// Stop закрывает очередь событий; Run завершится после текущего события
func (o *Orchestrator) Stop() {
	o.relay.Close()
}

// Stopped закрывается после завершения Run
func (o *Orchestrator) Stopped() <-chan struct{} {
	return o.stopped
}

func stoppedError() *callerr.Error {
	return callerr.New(callerr.KindInvalidState, callerr.CodeOrchestratorStopped, "оркестратор остановлен")
}

// shutdown выполняется рабочей горутиной при выходе из Run
func (o *Orchestrator) shutdown() {
	ctx := context.Background()
	o.relay.Close()

	// Команды, оставшиеся в очереди, получают отказ
	for {
		select {
		case ev := <-o.relay.Events():
			if r, ok := ev.(replier); ok {
				r.respond(reply{err: stoppedError()})
			}
			continue
		default:
		}
		break
	}

	if n := o.pending.FailAll(stoppedError()); n > 0 {
		o.logger.Error(ctx, "незавершенные операции брошены при остановке",
			logger.Int("operations", n))
	}

	for _, rec := range o.registry.List() {
		if err := o.notifications.Cancel(rec.ID()); err != nil {
			o.logger.LogError(ctx, err, "снятие уведомления при остановке")
		}
	}
	if err := o.tones.Stop(); err != nil {
		o.logger.LogError(ctx, err, "остановка звука при остановке")
	}
	if err := o.audio.Deactivate(); err != nil {
		o.logger.LogError(ctx, err, "деактивация звука при остановке")
	}

	o.logger.Info(ctx, "оркестратор остановлен", logger.Int("sessions", o.registry.Len()))
	o.stopOnce.Do(func() { close(o.stopped) })
}

// submit ставит команду в очередь и ждет ее допуска рабочей горутиной
func (o *Orchestrator) submit(ctx context.Context, ev relay.Event, replyCh <-chan reply) reply {
	if err := o.relay.Publish(ctx, ev); err != nil {
		if errors.Is(err, relay.ErrClosed) {
			return reply{err: stoppedError()}
		}
		return reply{err: interrupted("", err)}
	}

	select {
	case r := <-replyCh:
		return r
	case <-o.stopped:
		select {
		case r := <-replyCh:
			return r
		default:
			return reply{err: stoppedError()}
		}
	case <-ctx.Done():
		return reply{err: callerr.Interrupted("", ctx.Err())}
	}
}

// interrupted типизирует ошибку контекста; прочие ошибки не меняются
func interrupted(sessionID string, err error) error {
	if _, ok := callerr.As(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return callerr.Interrupted(sessionID, err)
	}
	return err
}

// await ожидает результат допущенной команды
func (o *Orchestrator) await(ctx context.Context, r reply) (session.Snapshot, error) {
	if r.err != nil {
		return session.Snapshot{}, r.err
	}
	if r.handle != nil {
		snap, err := r.handle.Wait(ctx)
		if err != nil {
			return snap, interrupted(r.handle.SessionID(), err)
		}
		return snap, nil
	}
	if snap, ok := r.value.(session.Snapshot); ok {
		return snap, nil
	}
	return session.Snapshot{}, fmt.Errorf("orchestrator: неожиданный ответ %T", r.value)
}

// Connect начинает исходящий звонок
func (o *Orchestrator) Connect(ctx context.Context, token string, params map[string]string) (session.Snapshot, error) {
	cmd := connectCmd{command: newCommand(), token: token, params: params}
	return o.await(ctx, o.submit(ctx, cmd, cmd.replyCh))
}

// AcceptInvite принимает приглашение; результат доступен после соединения
func (o *Orchestrator) AcceptInvite(ctx context.Context, sessionID string) (session.Snapshot, error) {
	cmd := acceptCmd{command: newCommand(), sessionID: sessionID, source: relay.SourceUI}
	return o.await(ctx, o.submit(ctx, cmd, cmd.replyCh))
}

// RejectInvite отклоняет приглашение
func (o *Orchestrator) RejectInvite(ctx context.Context, sessionID string) (session.Snapshot, error) {
	cmd := rejectCmd{command: newCommand(), sessionID: sessionID, source: relay.SourceUI}
	return o.await(ctx, o.submit(ctx, cmd, cmd.replyCh))
}

// Disconnect завершает звонок
func (o *Orchestrator) Disconnect(ctx context.Context, sessionID string) (session.Snapshot, error) {
	cmd := disconnectCmd{command: newCommand(), sessionID: sessionID, source: relay.SourceUI}
	return o.await(ctx, o.submit(ctx, cmd, cmd.replyCh))
}

// Mute включает или выключает микрофон
func (o *Orchestrator) Mute(ctx context.Context, sessionID string, muted bool) (session.Snapshot, error) {
	cmd := controlCmd{command: newCommand(), sessionID: sessionID, kind: controlMute, on: muted}
	return o.await(ctx, o.submit(ctx, cmd, cmd.replyCh))
}

// Hold ставит звонок на удержание или снимает с него
func (o *Orchestrator) Hold(ctx context.Context, sessionID string, onHold bool) (session.Snapshot, error) {
	cmd := controlCmd{command: newCommand(), sessionID: sessionID, kind: controlHold, on: onHold}
	return o.await(ctx, o.submit(ctx, cmd, cmd.replyCh))
}

// SendDigits отправляет DTMF
func (o *Orchestrator) SendDigits(ctx context.Context, sessionID, digits string) (session.Snapshot, error) {
	cmd := controlCmd{command: newCommand(), sessionID: sessionID, kind: controlDigits, digits: digits}
	return o.await(ctx, o.submit(ctx, cmd, cmd.replyCh))
}

// SelectAudioDevice выбирает аудиоустройство
func (o *Orchestrator) SelectAudioDevice(ctx context.Context, deviceID string) (audio.Snapshot, error) {
	cmd := selectDeviceCmd{command: newCommand(), deviceID: deviceID}
	r := o.submit(ctx, cmd, cmd.replyCh)
	if r.err != nil {
		return audio.Snapshot{}, r.err
	}
	snap, _ := r.value.(audio.Snapshot)
	return snap, nil
}

// AudioDevices возвращает список аудиоустройств
func (o *Orchestrator) AudioDevices(ctx context.Context) (audio.Snapshot, error) {
	cmd := audioDevicesCmd{command: newCommand()}
	r := o.submit(ctx, cmd, cmd.replyCh)
	if r.err != nil {
		return audio.Snapshot{}, r.err
	}
	snap, _ := r.value.(audio.Snapshot)
	return snap, nil
}

// ListSessions возвращает снимки всех сессий
func (o *Orchestrator) ListSessions(ctx context.Context) ([]session.Snapshot, error) {
	cmd := listSessionsCmd{command: newCommand()}
	r := o.submit(ctx, cmd, cmd.replyCh)
	if r.err != nil {
		return nil, r.err
	}
	list, _ := r.value.([]session.Snapshot)
	return list, nil
}

// SetContactHandleTemplate задает шаблон имени; пустая строка отключает его
func (o *Orchestrator) SetContactHandleTemplate(ctx context.Context, template string) error {
	cmd := templateCmd{command: newCommand(), template: template}
	return o.submit(ctx, cmd, cmd.replyCh).err
}

// ListInvites возвращает снимки сессий с активным приглашением
func (o *Orchestrator) ListInvites(ctx context.Context) ([]session.Snapshot, error) {
	cmd := listInvitesCmd{command: newCommand()}
	r := o.submit(ctx, cmd, cmd.replyCh)
	if r.err != nil {
		return nil, r.err
	}
	list, _ := r.value.([]session.Snapshot)
	return list, nil
}

// Register подписывает устройство на входящие приглашения
func (o *Orchestrator) Register(ctx context.Context, accessToken, deviceToken string) error {
	cmd := registrationCmd{command: newCommand(),
		reg: provider.Registration{AccessToken: accessToken, DeviceToken: deviceToken}}
	return o.submit(ctx, cmd, cmd.replyCh).err
}

// Unregister отменяет подписку устройства
func (o *Orchestrator) Unregister(ctx context.Context, accessToken, deviceToken string) error {
	cmd := registrationCmd{command: newCommand(), unregister: true,
		reg: provider.Registration{AccessToken: accessToken, DeviceToken: deviceToken}}
	return o.submit(ctx, cmd, cmd.replyCh).err
}

// SendMessage отправляет сообщение по приглашению или звонку и возвращает
// SID сообщения
func (o *Orchestrator) SendMessage(ctx context.Context, sessionID string, msg provider.CallMessage) (string, error) {
	cmd := sendMessageCmd{command: newCommand(), sessionID: sessionID, msg: msg}
	r := o.submit(ctx, cmd, cmd.replyCh)
	if r.err != nil {
		return "", r.err
	}
	sid, _ := r.value.(string)
	return sid, nil
}

// PostFeedback отправляет отзыв о звонке, в том числе уже завершенном
func (o *Orchestrator) PostFeedback(ctx context.Context, sessionID string, score provider.Score, issue provider.Issue) error {
	cmd := feedbackCmd{command: newCommand(), sessionID: sessionID, score: score, issue: issue}
	return o.submit(ctx, cmd, cmd.replyCh).err
}

// Outstanding число незавершенных операций
func (o *Orchestrator) Outstanding() int {
	return o.pending.Outstanding()
}
