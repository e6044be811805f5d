package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/arzzra/voice_bridge/pkg/audio"
	"github.com/arzzra/voice_bridge/pkg/callerr"
	"github.com/arzzra/voice_bridge/pkg/logger"
	"github.com/arzzra/voice_bridge/pkg/notification"
	"github.com/arzzra/voice_bridge/pkg/pending"
	"github.com/arzzra/voice_bridge/pkg/provider"
	"github.com/arzzra/voice_bridge/pkg/session"
)

// sessionContext добавляет идентификаторы сессии в контекст логов и span
func (o *Orchestrator) sessionContext(ctx context.Context, rec *session.Record) context.Context {
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("voice_bridge.session_id", rec.ID()),
		attribute.String("voice_bridge.call_sid", rec.CallSID()),
	)
	return logger.ContextWithSession(ctx, rec.ID(), rec.CallSID())
}

// fire выполняет переход и учитывает его в метриках
func (o *Orchestrator) fire(ctx context.Context, rec *session.Record, ev session.Event) error {
	from := rec.State()
	if err := rec.Fire(ctx, ev); err != nil {
		return err
	}
	to := rec.State()
	o.metrics.transition(from.String(), to.String())
	o.logger.Debug(ctx, "переход состояния",
		logger.String("from", from.String()),
		logger.String("to", to.String()),
		logger.String("event", string(ev)))
	return nil
}

// ignore отбрасывает событие SDK, не применимое в текущем состоянии
func (o *Orchestrator) ignore(ctx context.Context, rec *session.Record, ev provider.CallEvent, err error) error {
	o.logger.Warn(ctx, "событие SDK не применимо в текущем состоянии",
		logger.String("kind", string(ev.Kind)),
		logger.String("state", rec.State().String()),
		logger.Err(err))
	o.metrics.dropped(string(ev.Kind))
	return nil
}

// present показывает или заменяет уведомление сессии
func (o *Orchestrator) present(ctx context.Context, rec *session.Record, kind notification.Kind, imp notification.Importance, opts ...notification.PresentOption) {
	subject := notification.Subject{
		Address:          rec.PeerAddress(),
		CustomParameters: rec.CustomParameters(),
	}
	n, err := o.notifications.Present(rec.ID(), kind, imp, subject, opts...)
	if n.ID != 0 {
		rec.NotificationID = n.ID
	}
	if err != nil {
		o.logger.LogError(ctx, err, "показ уведомления", logger.String("kind", string(kind)))
	}
}

// playTone запускает звук от имени сессии. Однократные звуки не
// закрепляются за сессией.
func (o *Orchestrator) playTone(ctx context.Context, sessionID string, sound audio.Sound) {
	if err := o.tones.Play(sound); err != nil {
		o.logger.LogError(ctx, err, "запуск звука", logger.String("sound", string(sound)))
		return
	}
	o.toneOwner = ""
	if sound.Loops() {
		o.toneOwner = sessionID
	}
}

// stopTone останавливает звук, если он принадлежит сессии
func (o *Orchestrator) stopTone(ctx context.Context, sessionID string) {
	if o.toneOwner == "" || o.toneOwner != sessionID {
		return
	}
	if err := o.tones.Stop(); err != nil {
		o.logger.LogError(ctx, err, "остановка звука")
	}
	o.toneOwner = ""
}

func (o *Orchestrator) activateAudio(ctx context.Context) {
	if err := o.audio.Activate(); err != nil {
		o.logger.LogError(ctx, err, "активация звукового тракта")
	}
}

// teardown снимает все ресурсы завершенной сессии и удаляет ее из реестра.
// КРИТИЧНО: запись удаляется только после снятия уведомления.
func (o *Orchestrator) teardown(ctx context.Context, rec *session.Record, reason string, disconnectTone bool) {
	id := rec.ID()
	rec.SetTerminationReason(reason)

	o.stopTone(ctx, id)
	// Звук окончания не перебивает звук другой сессии
	if disconnectTone && o.toneOwner == "" {
		o.playTone(ctx, id, audio.SoundDisconnect)
	}

	if err := o.notifications.Cancel(id); err != nil {
		o.logger.LogError(ctx, err, "снятие уведомления")
	}
	rec.NotificationID = 0

	if n := o.pending.FailSession(id, callerr.Gone(id)); n > 0 {
		o.logger.Debug(ctx, "операции сессии завершены ошибкой", logger.Int("operations", n))
	}
	rec.PendingAccept = nil
	rec.PendingReject = nil

	o.registry.Remove(session.ByID(id))
	o.metrics.sessionRemoved(rec.CreatedAt())
	if sid := rec.CallSID(); sid != "" {
		o.retired.Add(sid, struct{}{})
	}
	if rec.Call != nil {
		o.ended.Add(id, rec.Call)
	}

	// Тракт остается активным, пока звук нужен другому соединенному звонку
	if !o.audioInUse() {
		if err := o.audio.Deactivate(); err != nil {
			o.logger.LogError(ctx, err, "деактивация звукового тракта")
		}
	}

	o.logger.Info(ctx, "сессия завершена",
		logger.String("state", rec.State().String()),
		logger.String("reason", reason))
}

// audioInUse есть ли в реестре соединенный звонок
func (o *Orchestrator) audioInUse() bool {
	for _, rec := range o.registry.List() {
		switch rec.State() {
		case session.StateConnected, session.StateReconnecting:
			return true
		}
	}
	return false
}

// register регистрирует операцию и запоминает ее до конца обработки события
func (o *Orchestrator) register(sessionID string, kind pending.Kind) (*pending.Handle[session.Snapshot], error) {
	h, err := o.pending.Register(sessionID, kind)
	if err != nil {
		return nil, err
	}
	o.inflight = append(o.inflight, h)
	return h, nil
}

// abandonInflight завершает ошибкой операции события, прерванного паникой
func (o *Orchestrator) abandonInflight(ctx context.Context, cause error) {
	for _, h := range o.inflight {
		if err := o.pending.Fail(h, cause); err != nil {
			continue
		}
		if rec, ok := o.registry.Find(session.ByID(h.SessionID())); ok {
			if rec.PendingAccept == h {
				rec.PendingAccept = nil
			}
			if rec.PendingReject == h {
				rec.PendingReject = nil
			}
		}
		o.logger.Warn(ctx, "операция прервана внутренней ошибкой",
			logger.String("session_id", h.SessionID()),
			logger.String("kind", string(h.Kind())))
	}
	o.inflight = o.inflight[:0]
}

// failPending завершает ошибкой ожидающие accept и reject сессии
func (o *Orchestrator) failPending(ctx context.Context, rec *session.Record, err error) {
	if rec.PendingAccept != nil {
		o.settleFail(ctx, rec.PendingAccept, err)
		rec.PendingAccept = nil
	}
	if rec.PendingReject != nil {
		o.settleFail(ctx, rec.PendingReject, err)
		rec.PendingReject = nil
	}
}

func (o *Orchestrator) settleResolve(ctx context.Context, h *pending.Handle[session.Snapshot], snap session.Snapshot) {
	if err := o.pending.Resolve(h, snap); err != nil {
		o.logger.Error(ctx, "повторное завершение операции",
			logger.String("kind", string(h.Kind())), logger.Err(err))
	}
}

func (o *Orchestrator) settleFail(ctx context.Context, h *pending.Handle[session.Snapshot], cause error) {
	if err := o.pending.Fail(h, cause); err != nil {
		o.logger.Error(ctx, "повторное завершение операции",
			logger.String("kind", string(h.Kind())), logger.Err(err))
	}
}

// providerError приводит ошибку SDK к типизированной
func (o *Orchestrator) providerError(sessionID string, err error) *callerr.Error {
	if ce, ok := callerr.As(err); ok {
		return ce
	}
	if errors.Is(err, provider.ErrPermissionDenied) {
		return callerr.PermissionDenied(sessionID, err)
	}
	var exc *provider.Exception
	if errors.As(err, &exc) {
		return callerr.Provider(sessionID, exc.Code, exc.Message, err)
	}
	return callerr.Provider(sessionID, 0, err.Error(), err)
}

// callEventError ошибка для операций, прерванных событием SDK
func (o *Orchestrator) callEventError(rec *session.Record, ev provider.CallEvent) *callerr.Error {
	if ev.Err == nil {
		return callerr.Provider(rec.ID(), 0, string(ev.Kind), nil)
	}
	return callerr.Provider(rec.ID(), ev.Err.Code, ev.Err.Message, ev.Err)
}

func exceptionOf(err *callerr.Error) *provider.Exception {
	return &provider.Exception{Code: err.ProviderCode, Message: err.Message}
}

func describe(rec *session.Record) string {
	return fmt.Sprintf("%s/%s", rec.State(), rec.InviteState())
}
