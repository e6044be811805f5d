package orchestrator

import (
	"sync"
	"time"

	"github.com/arzzra/voice_bridge/pkg/audio"
	"github.com/arzzra/voice_bridge/pkg/provider"
	"github.com/arzzra/voice_bridge/pkg/session"
)

// EventType тип события для UI слоя
type EventType string

const (
	EventCallInvite                   EventType = "callInvite"
	EventCallInviteAccepted           EventType = "callInviteAccepted"
	EventCallInviteRejected           EventType = "callInviteRejected"
	EventCancelledCallInvite          EventType = "cancelledCallInvite"
	EventCallInviteNotificationTapped EventType = "callInviteNotificationTapped"
	EventRinging                      EventType = "ringing"
	EventConnected                    EventType = "connected"
	EventConnectFailure               EventType = "connectFailure"
	EventReconnecting                 EventType = "reconnecting"
	EventReconnected                  EventType = "reconnected"
	EventDisconnected                 EventType = "disconnected"
	EventQualityWarningsChanged       EventType = "qualityWarningsChanged"
	EventAudioDevicesUpdated          EventType = "audioDevicesUpdated"
	EventMessageReceived              EventType = "messageReceived"
	EventMessageSent                  EventType = "messageSent"
	EventMessageFailure               EventType = "messageFailure"
	EventRegistered                   EventType = "registered"
	EventUnregistered                 EventType = "unregistered"
)

// ErrorInfo ошибка в событии
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Event событие для UI слоя
type Event struct {
	Type             EventType             `json:"type"`
	Session          *session.Snapshot     `json:"call,omitempty"`
	Error            *ErrorInfo            `json:"error,omitempty"`
	Audio            *audio.Snapshot       `json:"audio,omitempty"`
	Warnings         []string              `json:"currentWarnings,omitempty"`
	PreviousWarnings []string              `json:"previousWarnings,omitempty"`
	Message          *provider.CallMessage `json:"callMessage,omitempty"`
	At               time.Time             `json:"at"`
}

// Emitter получатель событий. Вызывается из рабочей горутины и не должен
// блокироваться.
type Emitter interface {
	Emit(ev Event)
}

// EmitterFunc адаптер функции к Emitter
type EmitterFunc func(ev Event)

// Emit реализует Emitter
func (f EmitterFunc) Emit(ev Event) { f(ev) }

// MultiEmitter рассылает событие нескольким получателям
type MultiEmitter []Emitter

// Emit реализует Emitter
func (m MultiEmitter) Emit(ev Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(ev)
		}
	}
}

// Recorder сохраняет события в памяти
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit реализует Emitter
func (r *Recorder) Emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events копия сохраненных событий
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types типы сохраненных событий по порядку
func (r *Recorder) Types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func sessionEvent(t EventType, rec *session.Record, exc *provider.Exception) Event {
	snap := rec.Snapshot()
	ev := Event{Type: t, Session: &snap, At: time.Now()}
	if exc != nil {
		ev.Error = &ErrorInfo{Code: exc.Code, Message: exc.Message}
	}
	return ev
}
