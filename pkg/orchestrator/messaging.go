package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/arzzra/voice_bridge/pkg/callerr"
	"github.com/arzzra/voice_bridge/pkg/logger"
	"github.com/arzzra/voice_bridge/pkg/provider"
	"github.com/arzzra/voice_bridge/pkg/session"
)

var messageEventTypes = map[provider.EventKind]EventType{
	provider.EventMessageReceived: EventMessageReceived,
	provider.EventMessageSent:     EventMessageSent,
	provider.EventMessageFailure:  EventMessageFailure,
}

// handleRegistration подписывает устройство на приглашения или отменяет
// подписку
func (o *Orchestrator) handleRegistration(ctx context.Context, c registrationCmd) reply {
	if c.reg.AccessToken == "" {
		return reply{err: callerr.New(callerr.KindInvalidArgument, callerr.CodeInvalidAccessToken,
			"пустой токен доступа")}
	}
	if c.reg.DeviceToken == "" {
		return reply{err: callerr.InvalidArgument("пустой токен устройства")}
	}
	if o.tokens != nil {
		if err := o.tokens.Validate(c.reg.AccessToken); err != nil {
			return reply{err: callerr.New(callerr.KindInvalidArgument, callerr.CodeInvalidAccessToken,
				err.Error()).WithCause(err)}
		}
	}

	op := c.op()
	err := o.guardProvider(ctx, "", op, func() error {
		if c.unregister {
			return o.provider.Unregister(ctx, c.reg)
		}
		return o.provider.Register(ctx, c.reg)
	})
	if err != nil {
		cerr := o.providerError("", err)
		o.logger.LogError(ctx, cerr, "SDK отклонил "+op)
		return reply{err: cerr}
	}

	t := EventRegistered
	if c.unregister {
		t = EventUnregistered
	}
	o.logger.Info(ctx, "регистрация устройства изменена", logger.String("operation", op))
	o.emitter.Emit(Event{Type: t, At: time.Now()})
	return reply{}
}

// handleSendMessage отправляет сообщение через приглашение, пока оно
// активно, и через звонок после принятия
func (o *Orchestrator) handleSendMessage(ctx context.Context, c sendMessageCmd) reply {
	msg := c.msg
	if msg.MessageType == "" {
		return reply{err: callerr.InvalidArgument("не задан тип сообщения")}
	}
	if msg.Content == "" {
		return reply{err: callerr.InvalidArgument("пустое содержимое сообщения")}
	}
	if msg.ContentType == "" {
		msg.ContentType = provider.DefaultMessageContentType
	}

	rec, ok := o.registry.Find(session.ByID(c.sessionID))
	if !ok {
		return reply{err: callerr.NotFound(c.sessionID)}
	}
	ctx = o.sessionContext(ctx, rec)

	var (
		sid string
		err error
	)
	switch {
	case rec.State() == session.StateInvited && rec.InviteState() == session.InviteActive:
		err = o.guardProvider(ctx, rec.ID(), "send_message", func() error {
			var err error
			sid, err = o.provider.SendInviteMessage(ctx, rec.Invite(), msg)
			return err
		})
	case rec.State().HasCall() && rec.Call != nil:
		err = o.guardProvider(ctx, rec.ID(), "send_message", func() error {
			var err error
			sid, err = rec.Call.SendMessage(msg)
			return err
		})
	default:
		return reply{err: callerr.InvalidState(rec.ID(), "send_message", describe(rec))}
	}
	if err != nil {
		return reply{err: o.providerError(rec.ID(), err)}
	}

	o.logger.Debug(ctx, "сообщение отправлено",
		logger.String("message_sid", sid),
		logger.String("message_type", msg.MessageType))
	return reply{value: sid}
}

// handleFeedback отправляет отзыв о живом или недавно завершенном звонке
func (o *Orchestrator) handleFeedback(ctx context.Context, c feedbackCmd) reply {
	if c.score < provider.ScoreNotReported || c.score > provider.ScoreMax {
		return reply{err: callerr.InvalidArgument(
			fmt.Sprintf("оценка %d вне диапазона 0..%d", c.score, provider.ScoreMax))}
	}

	var call provider.Call
	if rec, ok := o.registry.Find(session.ByID(c.sessionID)); ok {
		if rec.Call == nil {
			return reply{err: callerr.InvalidState(rec.ID(), "post_feedback", describe(rec))}
		}
		call = rec.Call
	} else if ended, ok := o.ended.Get(c.sessionID); ok {
		call = ended
	} else {
		return reply{err: callerr.NotFound(c.sessionID)}
	}

	err := o.guardProvider(ctx, c.sessionID, "post_feedback", func() error {
		return call.PostFeedback(c.score, provider.ParseIssue(string(c.issue)))
	})
	if err != nil {
		return reply{err: o.providerError(c.sessionID, err)}
	}
	return reply{}
}
