package events_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/authflow/adapters/events"
	"github.com/layer-3/authflow/core"
	"github.com/layer-3/authflow/internal/logger"
)

func newPubSub(t *testing.T) *gochannel.GoChannel {
	t.Helper()
	ps := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, logger.Watermill(nil))
	t.Cleanup(func() { _ = ps.Close() })
	return ps
}

func next(t *testing.T, ch <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg := <-ch:
		msg.Ack()
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message")
		return nil
	}
}

func TestPublishAuthEvent(t *testing.T) {
	ps := newPubSub(t)
	pub := events.NewWatermillPublisher(ps, events.Topics{})

	ev := core.AuthEvent{
		ID:        "01HZX",
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		SessionID: "s1",
		Payload:   core.AuthSuccess{UserID: "u1", Email: "a@example.com", Role: core.RoleUser},
	}
	require.NoError(t, pub.PublishAuthEvent(context.Background(), ev))

	ch, err := ps.Subscribe(context.Background(), events.DefaultEventsTopic)
	require.NoError(t, err)
	msg := next(t, ch)

	assert.Equal(t, "01HZX", msg.UUID)
	assert.Equal(t, string(core.EventAuthSuccess), msg.Metadata.Get(events.MetadataType))

	var got core.AuthEvent
	require.NoError(t, json.Unmarshal(msg.Payload, &got))
	assert.Equal(t, ev.Payload, got.Payload)
	assert.Equal(t, "s1", got.SessionID)
}

func TestPublishLogout(t *testing.T) {
	ps := newPubSub(t)
	pub := events.NewWatermillPublisher(ps, events.Topics{Logout: "test.logout"})

	require.NoError(t, pub.PublishLogout(context.Background(), "u1", "rid-1"))

	ch, err := ps.Subscribe(context.Background(), "test.logout")
	require.NoError(t, err)
	msg := next(t, ch)

	var got events.LogoutEvent
	require.NoError(t, json.Unmarshal(msg.Payload, &got))
	assert.Equal(t, events.LogoutEvent{UserID: "u1", TokenID: "rid-1"}, got)
}

type listener struct {
	mu   sync.Mutex
	seen []core.Identity
}

func (l *listener) RememberCreated(id core.Identity) {
	l.mu.Lock()
	l.seen = append(l.seen, id)
	l.mu.Unlock()
}

func (l *listener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}

func TestIdentitySubscriberRemembersCreated(t *testing.T) {
	ps := newPubSub(t)
	pub := events.NewWatermillPublisher(ps, events.Topics{})
	ctx := context.Background()

	require.NoError(t, pub.PublishAuthEvent(ctx, core.AuthEvent{
		ID: "1", SessionID: "s", Payload: core.UserVerified{UserID: "u0", Email: "old@example.com"},
	}))
	require.NoError(t, pub.PublishAuthEvent(ctx, core.AuthEvent{
		ID: "2", SessionID: "s", Payload: core.UserCreated{UserID: "u1", Email: "new@example.com"},
	}))
	require.NoError(t, ps.Publish(events.DefaultEventsTopic, message.NewMessage("3", []byte("{not json"))))

	l := &listener{}
	sub := events.NewIdentitySubscriber(ps, "", l, nil)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- sub.Run(runCtx) }()

	require.Eventually(t, func() bool { return l.count() == 1 }, time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Equal(t, core.Identity{ID: "u1", Email: "new@example.com", Role: core.RoleUser}, l.seen[0])
}
