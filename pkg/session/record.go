package session

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/arzzra/voice_bridge/pkg/callerr"
	"github.com/arzzra/voice_bridge/pkg/pending"
	"github.com/arzzra/voice_bridge/pkg/provider"
)

// Direction направление звонка
type Direction string

const (
	DirectionIncoming Direction = "INCOMING"
	DirectionOutgoing Direction = "OUTGOING"
)

// InviteState состояние входящего приглашения
type InviteState string

const (
	InviteNone   InviteState = "NONE"
	InviteActive InviteState = "ACTIVE"
	InviteUsed   InviteState = "USED"
)

// Record запись о звонке или приглашении.
// Изменяется только рабочей горутиной оркестратора.
type Record struct {
	id        string
	callSID   string
	direction Direction
	invite    InviteState
	lifecycle *Lifecycle

	from             string
	to               string
	customParameters map[string]string

	// NotificationID идентификатор показанного уведомления, 0 если нет
	NotificationID int

	// Call звонок в SDK, существует начиная с ACCEPTING/CONNECTING
	Call provider.Call

	PendingAccept *pending.Handle[Snapshot]
	PendingReject *pending.Handle[Snapshot]

	Muted  bool
	OnHold bool

	createdAt         time.Time
	connectedAt       time.Time
	terminationReason string
}

// NewIncoming создает запись для доставленного приглашения
func NewIncoming(invite provider.Invite) *Record {
	return &Record{
		id:               uuid.NewString(),
		callSID:          invite.CallSID,
		direction:        DirectionIncoming,
		invite:           InviteActive,
		lifecycle:        NewLifecycle(StateInvited),
		from:             invite.From,
		to:               invite.To,
		customParameters: maps.Clone(invite.CustomParameters),
		createdAt:        time.Now(),
	}
}

// NewOutgoing создает запись исходящего звонка.
// Идентификатор сессии выдается до вызова SDK.
func NewOutgoing(sessionID, to string, params map[string]string) *Record {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return &Record{
		id:               sessionID,
		direction:        DirectionOutgoing,
		invite:           InviteNone,
		lifecycle:        NewLifecycle(StateConnecting),
		to:               to,
		customParameters: maps.Clone(params),
		createdAt:        time.Now(),
	}
}

// ID идентификатор сессии
func (r *Record) ID() string { return r.id }

// CallSID идентификатор звонка в SDK, может быть пустым
func (r *Record) CallSID() string { return r.callSID }

// SetCallSID устанавливает идентификатор SDK. Уже назначенный
// идентификатор не меняется.
func (r *Record) SetCallSID(sid string) error {
	if r.callSID != "" && r.callSID != sid {
		return fmt.Errorf("сессия %s уже связана со звонком %s", r.id, r.callSID)
	}
	r.callSID = sid
	return nil
}

// Direction направление звонка
func (r *Record) Direction() Direction { return r.direction }

// From адрес вызывающей стороны
func (r *Record) From() string { return r.from }

// To адрес вызываемой стороны
func (r *Record) To() string { return r.to }

// PeerAddress адрес удаленной стороны
func (r *Record) PeerAddress() string {
	if r.direction == DirectionIncoming {
		return r.from
	}
	return r.to
}

// CustomParameters копия пользовательских параметров
func (r *Record) CustomParameters() map[string]string {
	return maps.Clone(r.customParameters)
}

// Invite восстанавливает приглашение для передачи в SDK
func (r *Record) Invite() provider.Invite {
	return provider.Invite{
		CallSID:          r.callSID,
		From:             r.from,
		To:               r.to,
		CustomParameters: r.CustomParameters(),
	}
}

// InviteState состояние приглашения
func (r *Record) InviteState() InviteState { return r.invite }

// MarkInviteUsed переводит приглашение ACTIVE -> USED
func (r *Record) MarkInviteUsed() error {
	if r.invite != InviteActive {
		return callerr.InvalidState(r.id, "use invite", string(r.invite))
	}
	r.invite = InviteUsed
	return nil
}

// State текущее состояние жизненного цикла
func (r *Record) State() State { return r.lifecycle.Current() }

// Can проверяет допустимость события
func (r *Record) Can(ev Event) bool { return r.lifecycle.Can(ev) }

// Fire выполняет переход. Недопустимый переход возвращает InvalidState.
func (r *Record) Fire(ctx context.Context, ev Event) error {
	from := r.State()
	if err := r.lifecycle.Fire(ctx, ev); err != nil {
		return callerr.InvalidState(r.id, string(ev), string(from)).WithCause(err)
	}
	if r.State() == StateConnected && r.connectedAt.IsZero() {
		r.connectedAt = time.Now()
	}
	return nil
}

// History история переходов
func (r *Record) History() []Transition { return r.lifecycle.History() }

// IsTerminal проверяет, достигнуто ли конечное состояние
func (r *Record) IsTerminal() bool { return r.State().IsTerminal() }

// SetTerminationReason запоминает причину завершения; повторные вызовы
// игнорируются
func (r *Record) SetTerminationReason(reason string) {
	if r.terminationReason == "" {
		r.terminationReason = reason
	}
}

// TerminationReason причина завершения
func (r *Record) TerminationReason() string { return r.terminationReason }

// CreatedAt время создания записи
func (r *Record) CreatedAt() time.Time { return r.createdAt }

// ConnectedAt время первого входа в CONNECTED
func (r *Record) ConnectedAt() time.Time { return r.connectedAt }
