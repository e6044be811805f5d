// Package relay доставляет события всех внешних источников в единую
// очередь оркестратора.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/arzzra/voice_bridge/pkg/audio"
	"github.com/arzzra/voice_bridge/pkg/logger"
	"github.com/arzzra/voice_bridge/pkg/provider"
)

// ErrClosed очередь закрыта
var ErrClosed = errors.New("relay: очередь закрыта")

// DefaultQueueSize размер очереди по умолчанию
const DefaultQueueSize = 256

// Event событие очереди оркестратора
type Event interface {
	EventName() string
}

// Source источник события
type Source string

const (
	SourcePush         Source = "push"
	SourceProvider     Source = "provider"
	SourceNotification Source = "notification"
	SourceUI           Source = "ui"
	SourceAudio        Source = "audio"
)

// InviteDelivered приглашение, доставленное через push
type InviteDelivered struct {
	Invite provider.Invite
}

func (InviteDelivered) EventName() string { return "invite_delivered" }

// InviteCancelled отмена приглашения, доставленная через push
type InviteCancelled struct {
	Cancelled provider.CancelledInvite
}

func (InviteCancelled) EventName() string { return "invite_cancelled" }

// ProviderEvent событие звонка от SDK
type ProviderEvent struct {
	provider.CallEvent
}

func (e ProviderEvent) EventName() string { return "provider_" + string(e.Kind) }

// Action действие из уведомления
type Action string

const (
	ActionAccept     Action = "accept"
	ActionReject     Action = "reject"
	ActionDisconnect Action = "disconnect"
	ActionTapped     Action = "tapped"
)

// NotificationAction нажатие в уведомлении
type NotificationAction struct {
	Action    Action
	SessionID string
}

func (e NotificationAction) EventName() string { return "notification_" + string(e.Action) }

// AudioDevicesChanged новое перечисление аудиоустройств платформы
type AudioDevicesChanged struct {
	Devices  []audio.PlatformDevice
	Selected int
}

func (AudioDevicesChanged) EventName() string { return "audio_devices_changed" }

// MessageParser разбирает push-сообщения
type MessageParser interface {
	ParseMessage(payload map[string]string) (provider.Message, error)
}

// Relay очередь событий с одним потребителем
type Relay struct {
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	parser    MessageParser
	logger    logger.StructuredLogger
}

// New создает очередь
func New(size int, parser MessageParser, log logger.StructuredLogger) *Relay {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Relay{
		events: make(chan Event, size),
		done:   make(chan struct{}),
		parser: parser,
		logger: log.WithComponent("relay"),
	}
}

// Events канал событий для рабочей горутины
func (r *Relay) Events() <-chan Event { return r.events }

// Done закрывается после Close
func (r *Relay) Done() <-chan struct{} { return r.done }

// Close прекращает прием событий. Канал событий не закрывается.
func (r *Relay) Close() {
	r.closeOnce.Do(func() { close(r.done) })
}

// Len число событий в очереди
func (r *Relay) Len() int { return len(r.events) }

// Publish ставит событие в очередь; блокируется при заполненной очереди
func (r *Relay) Publish(ctx context.Context, ev Event) error {
	select {
	case <-r.done:
		return ErrClosed
	default:
	}

	select {
	case r.events <- ev:
		return nil
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DeliverPush разбирает push-сообщение и ставит его в очередь
func (r *Relay) DeliverPush(ctx context.Context, payload map[string]string) error {
	if r.parser == nil {
		return errors.New("relay: разборщик push-сообщений не задан")
	}
	msg, err := r.parser.ParseMessage(payload)
	if err != nil {
		return fmt.Errorf("разбор push-сообщения: %w", err)
	}

	switch {
	case msg.Invite != nil:
		return r.Publish(ctx, InviteDelivered{Invite: *msg.Invite})
	case msg.Cancelled != nil:
		return r.Publish(ctx, InviteCancelled{Cancelled: *msg.Cancelled})
	default:
		return provider.ErrNotVoiceMessage
	}
}

// OnCallEvent реализует provider.EventSink
func (r *Relay) OnCallEvent(ev provider.CallEvent) {
	if err := r.Publish(context.Background(), ProviderEvent{CallEvent: ev}); err != nil {
		r.logger.Warn(context.Background(), "событие SDK отброшено",
			logger.String("kind", string(ev.Kind)),
			logger.String("session_id", ev.SessionID),
			logger.Err(err))
	}
}

// OnNotificationAction ставит в очередь действие из уведомления
func (r *Relay) OnNotificationAction(ctx context.Context, action Action, sessionID string) error {
	return r.Publish(ctx, NotificationAction{Action: action, SessionID: sessionID})
}

// OnAudioDevices ставит в очередь новое перечисление устройств
func (r *Relay) OnAudioDevices(ctx context.Context, devices []audio.PlatformDevice, selected int) error {
	return r.Publish(ctx, AudioDevicesChanged{Devices: devices, Selected: selected})
}
