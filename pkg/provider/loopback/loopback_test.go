package loopback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/voice_bridge/pkg/provider"
)

type eventCollector struct {
	mu     sync.Mutex
	events []provider.CallEvent
}

func (c *eventCollector) OnCallEvent(ev provider.CallEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *eventCollector) kinds() []provider.EventKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]provider.EventKind, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.Kind)
	}
	return out
}

func TestParseMessage(t *testing.T) {
	p := New()

	msg, err := p.ParseMessage(map[string]string{
		MessageTypeKey: MessageTypeInvite,
		CallSIDKey:     "CA1",
		FromKey:        "client:bob",
		ToKey:          "client:alice",
		ParamsKey:      "displayName=Bob+Smith&team=support",
	})
	require.NoError(t, err)
	require.NotNil(t, msg.Invite)
	assert.Nil(t, msg.Cancelled)
	assert.Equal(t, "CA1", msg.Invite.CallSID)
	assert.Equal(t, "client:bob", msg.Invite.From)
	assert.Equal(t, "Bob Smith", msg.Invite.CustomParameters["displayName"])
	assert.Equal(t, "support", msg.Invite.CustomParameters["team"])

	msg, err = p.ParseMessage(map[string]string{MessageTypeKey: MessageTypeCancel, CallSIDKey: "CA1"})
	require.NoError(t, err)
	require.NotNil(t, msg.Cancelled)
	assert.Equal(t, "CA1", msg.Cancelled.CallSID)

	_, err = p.ParseMessage(map[string]string{"title": "sale"})
	assert.ErrorIs(t, err, provider.ErrNotVoiceMessage)

	_, err = p.ParseMessage(map[string]string{MessageTypeKey: MessageTypeInvite})
	assert.Error(t, err)
}

func TestConnectAndEmit(t *testing.T) {
	sink := &eventCollector{}
	p := New()
	p.SetEventSink(sink)

	call, err := p.Connect(context.Background(), provider.ConnectOptions{
		SessionID: "s1",
		Params:    map[string]string{"to": "alice"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, call.SID())

	require.NoError(t, p.Emit(call.SID(), provider.EventRinging, nil))
	require.NoError(t, p.Emit(call.SID(), provider.EventConnected, nil))
	assert.Equal(t, []provider.EventKind{provider.EventRinging, provider.EventConnected}, sink.kinds())
	assert.Equal(t, "s1", sink.events[0].SessionID)

	assert.Error(t, p.Emit("CA-unknown", provider.EventConnected, nil))
	require.Len(t, p.Connects(), 1)
}

func TestPermissionAndInjectedFailures(t *testing.T) {
	p := New()
	p.SetPermission(false)

	_, err := p.Accept(context.Background(), provider.Invite{CallSID: "CA1"}, provider.AcceptOptions{SessionID: "s1"})
	assert.ErrorIs(t, err, provider.ErrPermissionDenied)

	p.SetPermission(true)
	boom := &provider.Exception{Code: 31005, Message: "connection error"}
	p.FailNext(OpAccept, boom)
	_, err = p.Accept(context.Background(), provider.Invite{CallSID: "CA1"}, provider.AcceptOptions{SessionID: "s1"})
	var exc *provider.Exception
	require.True(t, errors.As(err, &exc))
	assert.Equal(t, 31005, exc.Code)

	_, err = p.Accept(context.Background(), provider.Invite{CallSID: "CA1"}, provider.AcceptOptions{SessionID: "s1"})
	assert.NoError(t, err, "ошибка внедряется только один раз")

	p.PanicNext(OpReject)
	assert.Panics(t, func() { _ = p.Reject(context.Background(), provider.Invite{CallSID: "CA2"}) })
	assert.NoError(t, p.Reject(context.Background(), provider.Invite{CallSID: "CA2"}), "мьютекс освобожден после паники")
	assert.Equal(t, []string{"CA2"}, p.Rejected())
}

func TestCallControls(t *testing.T) {
	sink := &eventCollector{}
	p := New()
	p.SetEventSink(sink)

	c, err := p.Accept(context.Background(), provider.Invite{CallSID: "CA1"}, provider.AcceptOptions{SessionID: "s1"})
	require.NoError(t, err)

	require.NoError(t, c.Mute(true))
	require.NoError(t, c.Hold(true))
	require.NoError(t, c.SendDigits("12#"))
	assert.Error(t, c.SendDigits("12x"))

	call, ok := p.Call("CA1")
	require.True(t, ok)
	muted, onHold, digits := call.State()
	assert.True(t, muted)
	assert.True(t, onHold)
	assert.Equal(t, "12#", digits)

	require.NoError(t, c.Disconnect())
	require.NoError(t, c.Disconnect())
	p.Wait()

	assert.Equal(t, []provider.EventKind{provider.EventDisconnected}, sink.kinds())
	assert.Error(t, c.Mute(false))
	_, ok = p.Call("CA1")
	assert.False(t, ok)
}

func TestAutoAnswer(t *testing.T) {
	sink := &eventCollector{}
	p := New(WithAutoAnswer(time.Millisecond))
	p.SetEventSink(sink)

	_, err := p.Connect(context.Background(), provider.ConnectOptions{SessionID: "s1"})
	require.NoError(t, err)
	p.Wait()

	assert.ElementsMatch(t, []provider.EventKind{provider.EventRinging, provider.EventConnected}, sink.kinds())
}

func TestRegistration(t *testing.T) {
	p := New()
	ctx := context.Background()
	reg := provider.Registration{AccessToken: "token", DeviceToken: "fcm-1"}

	require.NoError(t, p.Register(ctx, reg))
	assert.True(t, p.Registered("fcm-1"))

	var exc *provider.Exception
	require.ErrorAs(t, p.Register(ctx, provider.Registration{DeviceToken: "fcm-2"}), &exc)
	assert.Equal(t, 20101, exc.Code)

	require.NoError(t, p.Unregister(ctx, reg))
	require.NoError(t, p.Unregister(ctx, reg), "повторная отмена подписки допустима")
	assert.False(t, p.Registered("fcm-1"))

	p.FailNext(OpRegister, errors.New("нет сети"))
	assert.Error(t, p.Register(ctx, reg))
}

func TestMessagesAndFeedback(t *testing.T) {
	sink := &eventCollector{}
	p := New()
	p.SetEventSink(sink)
	ctx := context.Background()

	call, err := p.Connect(ctx, provider.ConnectOptions{SessionID: "s1"})
	require.NoError(t, err)

	sid, err := call.SendMessage(provider.CallMessage{Content: `{"a":1}`, MessageType: "user-defined-message"})
	require.NoError(t, err)
	assert.NotEmpty(t, sid)

	inviteSID, err := p.SendInviteMessage(ctx, provider.Invite{CallSID: "CA9"}, provider.CallMessage{Content: "x", MessageType: "user-defined-message"})
	require.NoError(t, err)
	assert.NotEqual(t, sid, inviteSID)

	p.Wait()
	assert.ElementsMatch(t, []provider.EventKind{provider.EventMessageSent, provider.EventMessageSent}, sink.kinds())
	require.Len(t, p.Messages(), 2)

	require.NoError(t, call.Disconnect())
	p.Wait()
	_, err = call.SendMessage(provider.CallMessage{Content: "x", MessageType: "t"})
	assert.Error(t, err, "после завершения сообщения не отправляются")

	require.NoError(t, call.PostFeedback(4, provider.IssueEcho), "отзыв допустим после завершения")
	fb, ok := p.FeedbackFor(call.SID())
	require.True(t, ok)
	assert.Equal(t, provider.Score(4), fb.Score)
	assert.Equal(t, provider.IssueEcho, fb.Issue)
}

func TestParseIssue(t *testing.T) {
	assert.Equal(t, provider.IssueChoppyAudio, provider.ParseIssue("choppy-audio"))
	assert.Equal(t, provider.IssueNotReported, provider.ParseIssue("loud"))
	assert.Equal(t, provider.IssueNotReported, provider.ParseIssue(""))
}
