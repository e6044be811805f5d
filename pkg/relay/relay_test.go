package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/voice_bridge/pkg/audio"
	"github.com/arzzra/voice_bridge/pkg/provider"
	"github.com/arzzra/voice_bridge/pkg/provider/loopback"
)

func next(t *testing.T, r *Relay) Event {
	t.Helper()
	select {
	case ev := <-r.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("событие не получено")
		return nil
	}
}

func TestDeliverPush(t *testing.T) {
	r := New(4, loopback.New(), nil)
	ctx := context.Background()

	require.NoError(t, r.DeliverPush(ctx, map[string]string{
		loopback.MessageTypeKey: loopback.MessageTypeInvite,
		loopback.CallSIDKey:     "CA1",
		loopback.FromKey:        "client:bob",
	}))
	require.NoError(t, r.DeliverPush(ctx, map[string]string{
		loopback.MessageTypeKey: loopback.MessageTypeCancel,
		loopback.CallSIDKey:     "CA1",
	}))

	invite, ok := next(t, r).(InviteDelivered)
	require.True(t, ok)
	assert.Equal(t, "CA1", invite.Invite.CallSID)

	cancel, ok := next(t, r).(InviteCancelled)
	require.True(t, ok)
	assert.Equal(t, "CA1", cancel.Cancelled.CallSID)

	err := r.DeliverPush(ctx, map[string]string{"promo": "1"})
	assert.ErrorIs(t, err, provider.ErrNotVoiceMessage)
	assert.Equal(t, 0, r.Len())
}

func TestFIFOAcrossSources(t *testing.T) {
	r := New(8, nil, nil)
	ctx := context.Background()

	r.OnCallEvent(provider.CallEvent{Kind: provider.EventRinging, SessionID: "s1"})
	require.NoError(t, r.OnNotificationAction(ctx, ActionAccept, "s2"))
	require.NoError(t, r.OnAudioDevices(ctx, []audio.PlatformDevice{{Name: "Earpiece"}}, 0))

	assert.Equal(t, "provider_ringing", next(t, r).EventName())
	assert.Equal(t, "notification_accept", next(t, r).EventName())
	assert.Equal(t, "audio_devices_changed", next(t, r).EventName())
}

func TestPublishAfterClose(t *testing.T) {
	r := New(1, nil, nil)
	r.Close()
	r.Close()

	err := r.Publish(context.Background(), NotificationAction{Action: ActionTapped, SessionID: "s1"})
	assert.ErrorIs(t, err, ErrClosed)

	// Без паники: события SDK после закрытия отбрасываются
	r.OnCallEvent(provider.CallEvent{Kind: provider.EventConnected})
	assert.Equal(t, 0, r.Len())
}

func TestPublishBlocksUntilContextDone(t *testing.T) {
	r := New(1, nil, nil)
	require.NoError(t, r.Publish(context.Background(), NotificationAction{Action: ActionAccept, SessionID: "a"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.Publish(ctx, NotificationAction{Action: ActionAccept, SessionID: "b"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Закрытие освобождает заблокированного отправителя
	done := make(chan error, 1)
	go func() {
		done <- r.Publish(context.Background(), NotificationAction{Action: ActionAccept, SessionID: "c"})
	}()
	time.Sleep(10 * time.Millisecond)
	r.Close()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("отправитель не разблокирован")
	}
}

func TestDeliverPushWithoutParser(t *testing.T) {
	r := New(1, nil, nil)
	assert.Error(t, r.DeliverPush(context.Background(), map[string]string{}))
}
