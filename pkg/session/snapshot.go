package session

import "time"

// Snapshot неизменяемое представление сессии для UI слоя
type Snapshot struct {
	SessionID         string            `json:"sessionId"`
	CallSID           string            `json:"callSid,omitempty"`
	Direction         Direction         `json:"direction"`
	State             State             `json:"state"`
	InviteState       InviteState       `json:"inviteState"`
	From              string            `json:"from,omitempty"`
	To                string            `json:"to,omitempty"`
	CustomParameters  map[string]string `json:"customParameters,omitempty"`
	NotificationID    int               `json:"notificationId,omitempty"`
	Muted             bool              `json:"isMuted"`
	OnHold            bool              `json:"isOnHold"`
	CreatedAt         time.Time         `json:"createdAt"`
	ConnectedAt       *time.Time        `json:"connectedAt,omitempty"`
	TerminationReason string            `json:"terminationReason,omitempty"`
}

// Snapshot снимает текущее состояние записи
func (r *Record) Snapshot() Snapshot {
	s := Snapshot{
		SessionID:         r.id,
		CallSID:           r.callSID,
		Direction:         r.direction,
		State:             r.State(),
		InviteState:       r.invite,
		From:              r.from,
		To:                r.to,
		CustomParameters:  r.CustomParameters(),
		NotificationID:    r.NotificationID,
		Muted:             r.Muted,
		OnHold:            r.OnHold,
		CreatedAt:         r.createdAt,
		TerminationReason: r.terminationReason,
	}
	if !r.connectedAt.IsZero() {
		at := r.connectedAt
		s.ConnectedAt = &at
	}
	return s
}
