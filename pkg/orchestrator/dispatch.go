package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
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

// dispatch обрабатывает одно событие до конца.
// КРИТИЧНО: вызывается только из рабочей горутины.
func (o *Orchestrator) dispatch(ctx context.Context, ev relay.Event) {
	ctx, span := o.tracer.Start(ctx, ev.EventName(),
		trace.WithAttributes(attribute.String("voice_bridge.event", ev.EventName())))
	defer span.End()

	o.inflight = o.inflight[:0]
	defer func() {
		if r := recover(); r != nil {
			o.recovery.HandlePanic(ctx, r, debug.Stack(), "orchestrator."+ev.EventName())
			perr := callerr.New(callerr.KindInvalidState, callerr.CodeInvalidState,
				fmt.Sprintf("внутренняя ошибка обработки: %v", r))
			o.abandonInflight(ctx, perr)
			if rp, ok := ev.(replier); ok {
				rp.respond(reply{err: perr})
			}
			span.SetStatus(codes.Error, "panic")
		}
	}()

	if err := o.handle(ctx, ev); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func (o *Orchestrator) handle(ctx context.Context, ev relay.Event) error {
	switch e := ev.(type) {
	case relay.InviteDelivered:
		return o.handleInvite(ctx, e.Invite)
	case relay.InviteCancelled:
		return o.handleCancel(ctx, e.Cancelled)
	case relay.ProviderEvent:
		return o.handleCallEvent(ctx, e.CallEvent)
	case relay.NotificationAction:
		return o.handleNotificationAction(ctx, e)
	case relay.AudioDevicesChanged:
		o.audio.UpdateDevices(e.Devices, e.Selected)
		return nil

	case connectCmd:
		return o.finish(e, "connect", o.handleConnect(ctx, e))
	case acceptCmd:
		return o.finish(e, "accept", o.handleAccept(ctx, e.sessionID))
	case rejectCmd:
		return o.finish(e, "reject", o.handleReject(ctx, e.sessionID))
	case disconnectCmd:
		return o.finish(e, "disconnect", o.handleDisconnect(ctx, e.sessionID))
	case controlCmd:
		return o.finish(e, string(e.kind), o.handleControl(ctx, e))
	case selectDeviceCmd:
		if err := o.audio.Select(e.deviceID); err != nil {
			return o.finish(e, "select_audio_device", reply{err: err})
		}
		return o.finish(e, "select_audio_device", reply{value: o.audio.Current()})
	case audioDevicesCmd:
		return o.finish(e, "audio_devices", reply{value: o.audio.Current()})
	case listSessionsCmd:
		records := o.registry.List()
		list := make([]session.Snapshot, 0, len(records))
		for _, rec := range records {
			list = append(list, rec.Snapshot())
		}
		return o.finish(e, "list_sessions", reply{value: list})
	case templateCmd:
		o.notifications.SetTemplate(e.template)
		return o.finish(e, "set_template", reply{})
	case listInvitesCmd:
		var list []session.Snapshot
		for _, rec := range o.registry.List() {
			if rec.Direction() == session.DirectionIncoming && rec.InviteState() == session.InviteActive {
				list = append(list, rec.Snapshot())
			}
		}
		return o.finish(e, "list_invites", reply{value: list})
	case registrationCmd:
		return o.finish(e, e.op(), o.handleRegistration(ctx, e))
	case sendMessageCmd:
		return o.finish(e, "send_message", o.handleSendMessage(ctx, e))
	case feedbackCmd:
		return o.finish(e, "post_feedback", o.handleFeedback(ctx, e))
	}

	o.logger.Warn(ctx, "неизвестное событие", logger.String("event", ev.EventName()))
	return nil
}

// finish отправляет ответ команде и учитывает результат в метриках
func (o *Orchestrator) finish(cmd replier, name string, r reply) error {
	cmd.respond(r)
	o.metrics.command(name, r.err)
	return r.err
}

// handleInvite создает сессию для доставленного приглашения
func (o *Orchestrator) handleInvite(ctx context.Context, inv provider.Invite) error {
	if inv.CallSID == "" {
		o.metrics.dropped("invite")
		return errors.New("приглашение без CallSid")
	}
	if existing, ok := o.registry.Find(session.ByCallSID(inv.CallSID)); ok {
		o.logger.Warn(ctx, "повторное приглашение отброшено",
			logger.String("call_sid", inv.CallSID),
			logger.String("session_id", existing.ID()))
		o.metrics.dropped("invite")
		return nil
	}
	if o.retired.Contains(inv.CallSID) {
		o.logger.Warn(ctx, "приглашение уже отменено или завершено",
			logger.String("call_sid", inv.CallSID))
		o.metrics.dropped("invite")
		return nil
	}

	rec := session.NewIncoming(inv)
	if err := o.registry.Upsert(rec); err != nil {
		return fmt.Errorf("регистрация приглашения: %w", err)
	}
	o.metrics.sessionCreated(string(rec.Direction()))
	ctx = o.sessionContext(ctx, rec)

	o.present(ctx, rec, notification.KindIncoming, o.incomingImportance)
	o.playTone(ctx, rec.ID(), audio.SoundIncoming)

	o.logger.Info(ctx, "входящее приглашение", logger.String("from", rec.From()))
	o.emitter.Emit(sessionEvent(EventCallInvite, rec, nil))
	return nil
}

// handleCancel снимает приглашение, отмененное удаленной стороной
func (o *Orchestrator) handleCancel(ctx context.Context, c provider.CancelledInvite) error {
	rec, ok := o.registry.Find(session.ByCallSID(c.CallSID))
	if !ok {
		// Приглашение может прийти позже отмены; оно будет отброшено
		if c.CallSID != "" {
			o.retired.Add(c.CallSID, struct{}{})
		}
		o.logger.Warn(ctx, "отмена для неизвестного приглашения", logger.String("call_sid", c.CallSID))
		o.metrics.dropped("cancel")
		return nil
	}
	ctx = o.sessionContext(ctx, rec)

	if rec.InviteState() != session.InviteActive || rec.State() != session.StateInvited {
		o.logger.Warn(ctx, "отмена для уже использованного приглашения",
			logger.String("state", rec.State().String()),
			logger.String("invite_state", string(rec.InviteState())))
		o.metrics.dropped("cancel")
		return nil
	}

	if err := o.fire(ctx, rec, session.EventCancel); err != nil {
		return err
	}
	o.teardown(ctx, rec, "cancelled", false)
	o.emitter.Emit(sessionEvent(EventCancelledCallInvite, rec, c.Reason))
	return nil
}

// handleConnect начинает исходящий звонок. Запись создается только после
// успешного вызова SDK.
func (o *Orchestrator) handleConnect(ctx context.Context, c connectCmd) reply {
	if c.token == "" {
		return reply{err: callerr.New(callerr.KindInvalidArgument, callerr.CodeInvalidAccessToken,
			"пустой токен доступа")}
	}
	if o.tokens != nil {
		if err := o.tokens.Validate(c.token); err != nil {
			return reply{err: callerr.New(callerr.KindInvalidArgument, callerr.CodeInvalidAccessToken,
				err.Error()).WithCause(err)}
		}
	}

	rec := session.NewOutgoing("", c.params["to"], c.params)
	h, err := o.register(rec.ID(), pending.KindConnect)
	if err != nil {
		return reply{err: err}
	}
	ctx = o.sessionContext(ctx, rec)

	var call provider.Call
	err = o.guardProvider(ctx, rec.ID(), "connect", func() error {
		var err error
		call, err = o.provider.Connect(ctx, provider.ConnectOptions{
			SessionID:   rec.ID(),
			AccessToken: c.token,
			Params:      rec.CustomParameters(),
		})
		return err
	})
	if err != nil {
		cerr := o.providerError(rec.ID(), err)
		o.logger.LogError(ctx, cerr, "SDK отклонил исходящий звонок")
		o.settleFail(ctx, h, cerr)
		return reply{handle: h}
	}

	rec.Call = call
	if sid := call.SID(); sid != "" {
		_ = rec.SetCallSID(sid)
	}
	if err := o.registry.Upsert(rec); err != nil {
		cerr := callerr.Provider(rec.ID(), 0, err.Error(), err)
		o.logger.LogError(ctx, cerr, "регистрация исходящего звонка")
		_ = o.guardProvider(ctx, rec.ID(), "disconnect", call.Disconnect)
		o.settleFail(ctx, h, cerr)
		return reply{handle: h}
	}
	o.metrics.sessionCreated(string(rec.Direction()))
	ctx = o.sessionContext(ctx, rec)

	o.present(ctx, rec, notification.KindOutgoing, notification.ImportanceDefault)
	o.logger.Info(ctx, "исходящий звонок", logger.String("to", rec.To()))
	o.settleResolve(ctx, h, rec.Snapshot())
	return reply{handle: h}
}

// handleAccept принимает приглашение. Операция разрешается событием
// connected от SDK.
func (o *Orchestrator) handleAccept(ctx context.Context, sessionID string) reply {
	rec, ok := o.registry.Find(session.ByID(sessionID))
	if !ok {
		return reply{err: callerr.NotFound(sessionID)}
	}
	ctx = o.sessionContext(ctx, rec)

	if rec.InviteState() != session.InviteActive || rec.State() != session.StateInvited {
		return reply{err: callerr.InvalidState(rec.ID(), "accept", describe(rec))}
	}
	h, err := o.register(rec.ID(), pending.KindAccept)
	if err != nil {
		return reply{err: err}
	}

	var call provider.Call
	err = o.guardProvider(ctx, rec.ID(), "accept", func() error {
		var err error
		call, err = o.provider.Accept(ctx, rec.Invite(), provider.AcceptOptions{SessionID: rec.ID()})
		return err
	})
	if err != nil {
		cerr := o.providerError(rec.ID(), err)
		o.logger.LogError(ctx, cerr, "SDK отклонил accept")
		o.settleFail(ctx, h, cerr)

		// Отказ в разрешении оставляет приглашение активным для повтора
		if cerr.Kind != callerr.KindPermissionDenied {
			_ = rec.MarkInviteUsed()
			if err := o.fire(ctx, rec, session.EventFail); err != nil {
				o.logger.LogError(ctx, err, "переход после ошибки accept")
			}
			o.teardown(ctx, rec, "acceptFailure", false)
			o.emitter.Emit(sessionEvent(EventConnectFailure, rec, exceptionOf(cerr)))
		}
		return reply{handle: h}
	}

	rec.Call = call
	if rec.CallSID() == "" && call.SID() != "" {
		_ = rec.SetCallSID(call.SID())
		if err := o.registry.Upsert(rec); err != nil {
			o.logger.LogError(ctx, err, "индексация CallSid")
		}
	}
	if err := rec.MarkInviteUsed(); err != nil {
		o.logger.LogError(ctx, err, "приглашение уже использовано")
	}
	if err := o.fire(ctx, rec, session.EventAccept); err != nil {
		o.logger.LogError(ctx, err, "переход accept")
	}
	rec.PendingAccept = h

	o.present(ctx, rec, notification.KindAnswered, notification.ImportanceLow)
	o.stopTone(ctx, rec.ID())
	o.emitter.Emit(sessionEvent(EventCallInviteAccepted, rec, nil))
	return reply{handle: h}
}

// handleReject отклоняет приглашение
func (o *Orchestrator) handleReject(ctx context.Context, sessionID string) reply {
	rec, ok := o.registry.Find(session.ByID(sessionID))
	if !ok {
		return reply{err: callerr.NotFound(sessionID)}
	}
	ctx = o.sessionContext(ctx, rec)

	if rec.InviteState() != session.InviteActive || rec.State() != session.StateInvited {
		return reply{err: callerr.InvalidState(rec.ID(), "reject", describe(rec))}
	}
	h, err := o.register(rec.ID(), pending.KindReject)
	if err != nil {
		return reply{err: err}
	}

	err = o.guardProvider(ctx, rec.ID(), "reject", func() error {
		return o.provider.Reject(ctx, rec.Invite())
	})
	if err != nil {
		cerr := o.providerError(rec.ID(), err)
		o.logger.LogError(ctx, cerr, "SDK отклонил reject")
		o.settleFail(ctx, h, cerr)
		return reply{handle: h}
	}

	_ = rec.MarkInviteUsed()
	if err := o.fire(ctx, rec, session.EventReject); err != nil {
		o.logger.LogError(ctx, err, "переход reject")
	}
	rec.PendingReject = h
	rec.SetTerminationReason("rejected")
	o.settleResolve(ctx, h, rec.Snapshot())
	rec.PendingReject = nil

	o.teardown(ctx, rec, "rejected", false)
	o.emitter.Emit(sessionEvent(EventCallInviteRejected, rec, nil))
	return reply{handle: h}
}

// handleDisconnect завершает звонок по команде UI или уведомления
func (o *Orchestrator) handleDisconnect(ctx context.Context, sessionID string) reply {
	rec, ok := o.registry.Find(session.ByID(sessionID))
	if !ok {
		return reply{err: callerr.NotFound(sessionID)}
	}
	ctx = o.sessionContext(ctx, rec)

	if !rec.State().HasCall() || rec.Call == nil {
		return reply{err: callerr.InvalidState(rec.ID(), "disconnect", describe(rec))}
	}
	h, err := o.register(rec.ID(), pending.KindDisconnect)
	if err != nil {
		return reply{err: err}
	}

	if err := o.guardProvider(ctx, rec.ID(), "disconnect", rec.Call.Disconnect); err != nil {
		cerr := o.providerError(rec.ID(), err)
		o.logger.LogError(ctx, cerr, "SDK отклонил disconnect")
		o.settleFail(ctx, h, cerr)
		return reply{handle: h}
	}

	if err := o.fire(ctx, rec, session.EventDisconnect); err != nil {
		o.logger.LogError(ctx, err, "переход disconnect")
	}
	rec.SetTerminationReason("local")
	o.settleResolve(ctx, h, rec.Snapshot())
	o.teardown(ctx, rec, "local", true)
	o.emitter.Emit(sessionEvent(EventDisconnected, rec, nil))
	return reply{handle: h}
}

// handleControl управление активным звонком
func (o *Orchestrator) handleControl(ctx context.Context, c controlCmd) reply {
	rec, ok := o.registry.Find(session.ByID(c.sessionID))
	if !ok {
		return reply{err: callerr.NotFound(c.sessionID)}
	}
	ctx = o.sessionContext(ctx, rec)

	if !rec.State().HasCall() || rec.Call == nil {
		return reply{err: callerr.InvalidState(rec.ID(), string(c.kind), describe(rec))}
	}

	var err error
	switch c.kind {
	case controlMute:
		err = o.guardProvider(ctx, rec.ID(), "mute", func() error { return rec.Call.Mute(c.on) })
		if err == nil {
			rec.Muted = c.on
		}
	case controlHold:
		err = o.guardProvider(ctx, rec.ID(), "hold", func() error { return rec.Call.Hold(c.on) })
		if err == nil {
			rec.OnHold = c.on
		}
	case controlDigits:
		if c.digits == "" {
			return reply{err: callerr.InvalidArgument("пустая строка DTMF").WithSession(rec.ID())}
		}
		err = o.guardProvider(ctx, rec.ID(), "send_digits", func() error { return rec.Call.SendDigits(c.digits) })
	}
	if err != nil {
		return reply{err: o.providerError(rec.ID(), err)}
	}
	return reply{value: rec.Snapshot()}
}

// handleCallEvent применяет событие звонка от SDK
func (o *Orchestrator) handleCallEvent(ctx context.Context, ev provider.CallEvent) error {
	rec, ok := o.registry.Find(session.Key{SessionID: ev.SessionID, CallSID: ev.CallSID})
	if !ok {
		o.logger.Warn(ctx, "событие SDK для неизвестной сессии",
			logger.String("kind", string(ev.Kind)),
			logger.String("session_id", ev.SessionID),
			logger.String("call_sid", ev.CallSID))
		o.metrics.dropped(string(ev.Kind))
		return nil
	}
	if rec.CallSID() == "" && ev.CallSID != "" {
		if err := rec.SetCallSID(ev.CallSID); err == nil {
			if err := o.registry.Upsert(rec); err != nil {
				o.logger.LogError(ctx, err, "индексация CallSid")
			}
		}
	}
	ctx = o.sessionContext(ctx, rec)

	switch ev.Kind {
	case provider.EventRinging:
		if err := o.fire(ctx, rec, session.EventRinging); err != nil {
			return o.ignore(ctx, rec, ev, err)
		}
		o.playTone(ctx, rec.ID(), audio.SoundRingtone)
		o.emitter.Emit(sessionEvent(EventRinging, rec, nil))

	case provider.EventConnected:
		if err := o.fire(ctx, rec, session.EventConnected); err != nil {
			return o.ignore(ctx, rec, ev, err)
		}
		o.activateAudio(ctx)
		o.stopTone(ctx, rec.ID())
		if rec.PendingAccept != nil {
			o.settleResolve(ctx, rec.PendingAccept, rec.Snapshot())
			rec.PendingAccept = nil
		}
		o.emitter.Emit(sessionEvent(EventConnected, rec, nil))

	case provider.EventConnectFailure:
		if err := o.fire(ctx, rec, session.EventFail); err != nil {
			return o.ignore(ctx, rec, ev, err)
		}
		o.failPending(ctx, rec, o.callEventError(rec, ev))
		o.teardown(ctx, rec, "connectFailure", false)
		o.emitter.Emit(sessionEvent(EventConnectFailure, rec, ev.Err))

	case provider.EventReconnecting:
		if err := o.fire(ctx, rec, session.EventReconnecting); err != nil {
			return o.ignore(ctx, rec, ev, err)
		}
		o.emitter.Emit(sessionEvent(EventReconnecting, rec, ev.Err))

	case provider.EventReconnected:
		if err := o.fire(ctx, rec, session.EventReconnected); err != nil {
			return o.ignore(ctx, rec, ev, err)
		}
		o.emitter.Emit(sessionEvent(EventReconnected, rec, nil))

	case provider.EventDisconnected:
		transition := session.EventDisconnect
		if !rec.Can(transition) {
			transition = session.EventFail
		}
		if err := o.fire(ctx, rec, transition); err != nil {
			return o.ignore(ctx, rec, ev, err)
		}
		if ev.Err != nil {
			o.failPending(ctx, rec, o.callEventError(rec, ev))
		}
		o.teardown(ctx, rec, "disconnected", true)
		o.emitter.Emit(sessionEvent(EventDisconnected, rec, ev.Err))

	case provider.EventQualityWarningsChanged:
		e := sessionEvent(EventQualityWarningsChanged, rec, nil)
		e.Warnings = ev.Warnings
		e.PreviousWarnings = ev.PreviousWarnings
		o.emitter.Emit(e)

	case provider.EventMessageReceived, provider.EventMessageSent, provider.EventMessageFailure:
		e := sessionEvent(messageEventTypes[ev.Kind], rec, ev.Err)
		e.Message = ev.Message
		o.emitter.Emit(e)

	default:
		o.logger.Warn(ctx, "неизвестное событие SDK", logger.String("kind", string(ev.Kind)))
	}
	return nil
}

// handleNotificationAction обрабатывает нажатие в уведомлении
func (o *Orchestrator) handleNotificationAction(ctx context.Context, a relay.NotificationAction) error {
	var r reply
	switch a.Action {
	case relay.ActionAccept:
		r = o.handleAccept(ctx, a.SessionID)
	case relay.ActionReject:
		r = o.handleReject(ctx, a.SessionID)
	case relay.ActionDisconnect:
		r = o.handleDisconnect(ctx, a.SessionID)
	case relay.ActionTapped:
		return o.handleTapped(ctx, a.SessionID)
	default:
		o.logger.Warn(ctx, "неизвестное действие уведомления", logger.String("action", string(a.Action)))
		return nil
	}

	o.metrics.command("notification_"+string(a.Action), r.err)
	if r.err != nil {
		o.logger.Warn(ctx, "действие уведомления отклонено",
			logger.String("action", string(a.Action)),
			logger.String("session_id", a.SessionID),
			logger.Err(r.err))
	}
	return r.err
}

// handleTapped показывает приглашение без полноэкранного режима
func (o *Orchestrator) handleTapped(ctx context.Context, sessionID string) error {
	rec, ok := o.registry.Find(session.ByID(sessionID))
	if !ok {
		o.metrics.dropped("notification_tapped")
		return nil
	}
	ctx = o.sessionContext(ctx, rec)
	if rec.State() != session.StateInvited {
		o.logger.Debug(ctx, "нажатие на уведомление вне приглашения игнорировано")
		return nil
	}

	o.present(ctx, rec, notification.KindIncoming, notification.ImportanceDefault, notification.WithFullScreen(false))
	o.stopTone(ctx, rec.ID())
	o.emitter.Emit(sessionEvent(EventCallInviteNotificationTapped, rec, nil))
	return nil
}

// onAudioDevices слушатель арбитра звука
func (o *Orchestrator) onAudioDevices(snap audio.Snapshot) {
	o.emitter.Emit(Event{Type: EventAudioDevicesUpdated, Audio: &snap, At: time.Now()})
}
