package orchestrator

import (
	"github.com/arzzra/voice_bridge/pkg/pending"
	"github.com/arzzra/voice_bridge/pkg/provider"
	"github.com/arzzra/voice_bridge/pkg/relay"
	"github.com/arzzra/voice_bridge/pkg/session"
)

// reply ответ рабочей горутины на команду. Заполнено не более одного из
// handle, value, err.
type reply struct {
	handle *pending.Handle[session.Snapshot]
	value  any
	err    error
}

// command общая часть UI команд
type command struct {
	replyCh chan reply
}

func newCommand() command {
	return command{replyCh: make(chan reply, 1)}
}

func (c command) respond(r reply) {
	if c.replyCh == nil {
		return
	}
	select {
	case c.replyCh <- r:
	default:
	}
}

type connectCmd struct {
	command
	token  string
	params map[string]string
}

func (connectCmd) EventName() string { return "ui_connect" }

// acceptCmd принятие приглашения из UI или уведомления
type acceptCmd struct {
	command
	sessionID string
	source    relay.Source
}

func (acceptCmd) EventName() string { return "ui_accept" }

type rejectCmd struct {
	command
	sessionID string
	source    relay.Source
}

func (rejectCmd) EventName() string { return "ui_reject" }

type disconnectCmd struct {
	command
	sessionID string
	source    relay.Source
}

func (disconnectCmd) EventName() string { return "ui_disconnect" }

// controlKind тип управления звонком
type controlKind string

const (
	controlMute   controlKind = "mute"
	controlHold   controlKind = "hold"
	controlDigits controlKind = "send_digits"
)

type controlCmd struct {
	command
	sessionID string
	kind      controlKind
	on        bool
	digits    string
}

func (c controlCmd) EventName() string { return "ui_" + string(c.kind) }

type selectDeviceCmd struct {
	command
	deviceID string
}

func (selectDeviceCmd) EventName() string { return "ui_select_audio_device" }

type audioDevicesCmd struct{ command }

func (audioDevicesCmd) EventName() string { return "ui_audio_devices" }

type listSessionsCmd struct{ command }

func (listSessionsCmd) EventName() string { return "ui_list_sessions" }

type templateCmd struct {
	command
	template string
}

func (templateCmd) EventName() string { return "ui_set_template" }

type listInvitesCmd struct{ command }

func (listInvitesCmd) EventName() string { return "ui_list_invites" }

// registrationCmd подписка устройства или ее отмена
type registrationCmd struct {
	command
	reg        provider.Registration
	unregister bool
}

func (c registrationCmd) op() string {
	if c.unregister {
		return "unregister"
	}
	return "register"
}

func (c registrationCmd) EventName() string { return "ui_" + c.op() }

type sendMessageCmd struct {
	command
	sessionID string
	msg       provider.CallMessage
}

func (sendMessageCmd) EventName() string { return "ui_send_message" }

type feedbackCmd struct {
	command
	sessionID string
	score     provider.Score
	issue     provider.Issue
}

func (feedbackCmd) EventName() string { return "ui_post_feedback" }

// replier команда, ожидающая ответа
type replier interface {
	relay.Event
	respond(r reply)
}
