// Package provider описывает контракт сигнального SDK, через который
// оркестратор устанавливает, принимает и завершает звонки.
package provider

import (
	"context"
	"errors"
	"fmt"
)

// ErrPermissionDenied SDK не получил разрешение устройства (микрофон)
var ErrPermissionDenied = errors.New("provider: разрешение на запись звука не выдано")

// ErrNotVoiceMessage push-сообщение не относится к голосовым звонкам
var ErrNotVoiceMessage = errors.New("provider: сообщение не является голосовым push")

// Invite входящее приглашение, доставленное через push
type Invite struct {
	CallSID          string
	From             string
	To               string
	CustomParameters map[string]string
}

// CancelledInvite отмена приглашения удаленной стороной
type CancelledInvite struct {
	CallSID string
	From    string
	To      string
	Reason  *Exception
}

// Message результат разбора push-сообщения; заполнено ровно одно поле
type Message struct {
	Invite    *Invite
	Cancelled *CancelledInvite
}

// ConnectOptions параметры исходящего звонка
type ConnectOptions struct {
	SessionID   string
	AccessToken string
	Params      map[string]string
}

// AcceptOptions параметры принятия приглашения
type AcceptOptions struct {
	SessionID string
}

// Registration привязка устройства к push-каналу сигнального сервиса
type Registration struct {
	AccessToken string
	DeviceToken string
}

// DefaultMessageContentType тип содержимого сообщения по умолчанию
const DefaultMessageContentType = "application/json"

// CallMessage пользовательское сообщение в рамках звонка или приглашения
type CallMessage struct {
	SID         string `json:"sid,omitempty"`
	Content     string `json:"content"`
	ContentType string `json:"contentType"`
	MessageType string `json:"messageType"`
}

// Score оценка качества звонка, 0 означает "не указано"
type Score int

const (
	ScoreNotReported Score = 0
	ScoreMax         Score = 5
)

// Issue проблема, указанная в отзыве о звонке
type Issue string

const (
	IssueNotReported  Issue = "not-reported"
	IssueDroppedCall  Issue = "dropped-call"
	IssueAudioLatency Issue = "audio-latency"
	IssueOneWayAudio  Issue = "one-way-audio"
	IssueChoppyAudio  Issue = "choppy-audio"
	IssueNoisyCall    Issue = "noisy-call"
	IssueEcho         Issue = "echo"
)

// ParseIssue разбирает проблему; неизвестные значения дают IssueNotReported
func ParseIssue(s string) Issue {
	switch Issue(s) {
	case IssueDroppedCall, IssueAudioLatency, IssueOneWayAudio,
		IssueChoppyAudio, IssueNoisyCall, IssueEcho:
		return Issue(s)
	}
	return IssueNotReported
}

// Call активный звонок в SDK
type Call interface {
	SID() string
	Disconnect() error
	Mute(muted bool) error
	Hold(onHold bool) error
	SendDigits(digits string) error
	// SendMessage отправляет сообщение и возвращает его SID. Результат
	// доставки приходит событием MessageSent или MessageFailure.
	SendMessage(msg CallMessage) (string, error)
	// PostFeedback отправляет отзыв; допустим и после завершения звонка
	PostFeedback(score Score, issue Issue) error
}

// Provider сигнальный SDK
type Provider interface {
	// Connect начинает исходящий звонок. События звонка приходят в EventSink
	// с SessionID из opts.
	Connect(ctx context.Context, opts ConnectOptions) (Call, error)
	// Accept принимает входящее приглашение
	Accept(ctx context.Context, invite Invite, opts AcceptOptions) (Call, error)
	// Reject отклоняет входящее приглашение
	Reject(ctx context.Context, invite Invite) error
	// ParseMessage разбирает payload push-сообщения
	ParseMessage(payload map[string]string) (Message, error)
	// SendInviteMessage отправляет сообщение по еще не принятому приглашению
	SendInviteMessage(ctx context.Context, invite Invite, msg CallMessage) (string, error)
	// Register подписывает устройство на входящие приглашения
	Register(ctx context.Context, reg Registration) error
	// Unregister отменяет подписку устройства
	Unregister(ctx context.Context, reg Registration) error
}

// EventKind тип события звонка
type EventKind string

const (
	EventRinging                EventKind = "ringing"
	EventConnected              EventKind = "connected"
	EventConnectFailure         EventKind = "connectFailure"
	EventReconnecting           EventKind = "reconnecting"
	EventReconnected            EventKind = "reconnected"
	EventDisconnected           EventKind = "disconnected"
	EventQualityWarningsChanged EventKind = "qualityWarningsChanged"
	EventMessageReceived        EventKind = "messageReceived"
	EventMessageSent            EventKind = "messageSent"
	EventMessageFailure         EventKind = "messageFailure"
)

// CallEvent единое событие звонка от SDK
type CallEvent struct {
	Kind      EventKind
	SessionID string
	CallSID   string

	// Err заполняется для ConnectFailure, Reconnecting, MessageFailure и
	// Disconnected с ошибкой
	Err *Exception

	// Message для событий сообщений
	Message *CallMessage

	// Предупреждения качества для QualityWarningsChanged
	Warnings         []string
	PreviousWarnings []string
}

// EventSink получатель событий звонков
type EventSink interface {
	OnCallEvent(ev CallEvent)
}

// EventSinkFunc адаптер функции к EventSink
type EventSinkFunc func(ev CallEvent)

// OnCallEvent реализует EventSink
func (f EventSinkFunc) OnCallEvent(ev CallEvent) { f(ev) }

// Exception ошибка SDK с числовым кодом
type Exception struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error реализует интерфейс error
func (e *Exception) Error() string {
	return fmt.Sprintf("provider error %d: %s", e.Code, e.Message)
}
