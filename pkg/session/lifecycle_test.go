package session

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/voice_bridge/pkg/callerr"
	"github.com/arzzra/voice_bridge/pkg/provider"
)

var allEvents = []Event{
	EventAccept, EventReject, EventCancel, EventRinging, EventConnected,
	EventReconnecting, EventReconnected, EventDisconnect, EventFail,
}

func TestLifecycleValidTransitions(t *testing.T) {
	tests := []struct {
		name  string
		from  State
		event Event
		to    State
	}{
		{"приглашение принято", StateInvited, EventAccept, StateAccepting},
		{"приглашение отклонено", StateInvited, EventReject, StateRejected},
		{"приглашение отменено", StateInvited, EventCancel, StateCancelled},
		{"ошибка до звонка", StateInvited, EventFail, StateDisconnected},
		{"принятый звонок соединен", StateAccepting, EventConnected, StateConnected},
		{"исходящий звонит", StateConnecting, EventRinging, StateRinging},
		{"исходящий соединен без ringing", StateConnecting, EventConnected, StateConnected},
		{"исходящий соединен после ringing", StateRinging, EventConnected, StateConnected},
		{"переподключение", StateConnected, EventReconnecting, StateReconnecting},
		{"переподключен", StateReconnecting, EventReconnected, StateConnected},
		{"разрыв при переподключении", StateReconnecting, EventDisconnect, StateDisconnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLifecycle(tt.from)
			require.NoError(t, l.Fire(context.Background(), tt.event))
			assert.Equal(t, tt.to, l.Current())

			history := l.History()
			require.Len(t, history, 1)
			assert.Equal(t, tt.from, history[0].From)
			assert.Equal(t, tt.to, history[0].To)
			assert.Equal(t, tt.event, history[0].Event)
		})
	}
}

func TestLifecycleRejectsInvalidTransitions(t *testing.T) {
	tests := []struct {
		from  State
		event Event
	}{
		{StateInvited, EventConnected},
		{StateInvited, EventDisconnect},
		{StateAccepting, EventAccept},
		{StateConnected, EventRinging},
		{StateDisconnected, EventConnected},
		{StateRejected, EventAccept},
		{StateCancelled, EventFail},
	}

	for _, tt := range tests {
		l := NewLifecycle(tt.from)
		assert.False(t, l.Can(tt.event), "%s -> %s", tt.from, tt.event)
		assert.Error(t, l.Fire(context.Background(), tt.event))
		assert.Equal(t, tt.from, l.Current(), "недопустимое событие не меняет состояние")
		assert.Empty(t, l.History())
	}
}

// Для любых последовательностей событий состояние движется только по ребрам
// таблицы переходов, а конечные состояния не покидаются.
func TestLifecycleRandomSequencesFollowEdges(t *testing.T) {
	valid := ValidTransitions()
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		initial := StateInvited
		if rng.Intn(2) == 0 {
			initial = StateConnecting
		}
		l := NewLifecycle(initial)

		for j := 0; j < 30; j++ {
			before := l.Current()
			ev := allEvents[rng.Intn(len(allEvents))]
			err := l.Fire(context.Background(), ev)
			after := l.Current()

			if err != nil {
				require.Equal(t, before, after)
				continue
			}
			require.True(t, valid[before][after], "переход %s -> %s по %s вне таблицы", before, after, ev)
			require.False(t, before.IsTerminal(), "выход из конечного состояния %s", before)
		}

		history := l.History()
		for k := 1; k < len(history); k++ {
			assert.Equal(t, history[k-1].To, history[k].From, "история должна быть непрерывной")
		}
	}
}

func TestLifecycleHistoryIsBounded(t *testing.T) {
	l := NewLifecycle(StateConnecting)
	require.NoError(t, l.Fire(context.Background(), EventConnected))
	for i := 0; i < 15; i++ {
		require.NoError(t, l.Fire(context.Background(), EventReconnecting))
		require.NoError(t, l.Fire(context.Background(), EventReconnected))
	}
	history := l.History()
	assert.Len(t, history, maxHistory)
	assert.Equal(t, StateConnected, history[len(history)-1].To)
}

func TestRecordInviteMonotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	rank := map[InviteState]int{InviteNone: 0, InviteActive: 1, InviteUsed: 2}

	for i := 0; i < 200; i++ {
		rec := NewIncoming(provider.Invite{CallSID: "CA1", From: "client:bob"})
		prev := rec.InviteState()
		require.Equal(t, InviteActive, prev)

		for j := 0; j < 10; j++ {
			if rng.Intn(2) == 0 {
				_ = rec.MarkInviteUsed()
			} else {
				_ = rec.Fire(context.Background(), allEvents[rng.Intn(len(allEvents))])
			}
			cur := rec.InviteState()
			require.GreaterOrEqual(t, rank[cur], rank[prev], "invite_state откатился %s -> %s", prev, cur)
			prev = cur
		}
	}
}

func TestRecordFireReturnsTypedError(t *testing.T) {
	rec := NewOutgoing("", "alice", nil)
	assert.NotEmpty(t, rec.ID())
	assert.Equal(t, InviteNone, rec.InviteState())
	assert.True(t, callerr.IsKind(rec.MarkInviteUsed(), callerr.KindInvalidState))

	err := rec.Fire(context.Background(), EventAccept)
	ce, ok := callerr.As(err)
	require.True(t, ok)
	assert.Equal(t, callerr.CodeInvalidState, ce.Code)
	assert.Equal(t, rec.ID(), ce.SessionID)

	require.NoError(t, rec.Fire(context.Background(), EventConnected))
	assert.False(t, rec.ConnectedAt().IsZero())

	snap := rec.Snapshot()
	assert.Equal(t, StateConnected, snap.State)
	require.NotNil(t, snap.ConnectedAt)
	assert.Equal(t, "alice", rec.PeerAddress())
}

func TestRecordTerminationReasonSetOnce(t *testing.T) {
	rec := NewIncoming(provider.Invite{CallSID: "CA1"})
	rec.SetTerminationReason("cancelled")
	rec.SetTerminationReason("other")
	assert.Equal(t, "cancelled", rec.TerminationReason())
}

func TestRecordCustomParametersImmutable(t *testing.T) {
	params := map[string]string{"displayName": "Bob"}
	rec := NewIncoming(provider.Invite{CallSID: "CA1", CustomParameters: params})

	params["displayName"] = "Mallory"
	got := rec.CustomParameters()
	got["displayName"] = "Eve"

	assert.Equal(t, "Bob", rec.CustomParameters()["displayName"])
}
