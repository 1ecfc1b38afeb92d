package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	marketplace "github.com/bjoelf/marketplace-session/adapter"
	"github.com/bjoelf/marketplace-session/adapter/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRefresher struct{}

func (stubRefresher) Refresh(context.Context, string) (marketplace.TokenPair, error) {
	return marketplace.TokenPair{}, errors.New("not used")
}

func newPubSub(t *testing.T) *gochannel.GoChannel {
	t.Helper()
	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
	t.Cleanup(func() { pubsub.Close() })
	return pubsub
}

func subscribe(t *testing.T, pubsub *gochannel.GoChannel, topic string) <-chan *message.Message {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	messages, err := pubsub.Subscribe(ctx, topic)
	require.NoError(t, err)
	return messages
}

func receive(t *testing.T, messages <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg := <-messages:
		msg.Ack()
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestForwarder_StreamEvents(t *testing.T) {
	pubsub := newPubSub(t)
	orders := subscribe(t, pubsub, "marketplace.newOrder")
	errs := subscribe(t, pubsub, "marketplace.error")

	client := websocket.NewClient(websocket.Config{URL: "ws://127.0.0.1:1"}, nil, quietLogger())
	forwarder := NewForwarder(pubsub, "marketplace", quietLogger())
	forwarder.AttachEvents(client)

	client.Emit(websocket.EventNewOrder, websocket.NewOrder{OrderID: "1002", OrderNumber: "ORD-01002"})
	msg := receive(t, orders)
	assert.NotEmpty(t, msg.UUID)
	assert.Equal(t, "newOrder", msg.Metadata.Get("event"))

	var order websocket.NewOrder
	require.NoError(t, json.Unmarshal(msg.Payload, &order))
	assert.Equal(t, "1002", order.OrderID)
	assert.Equal(t, "ORD-01002", order.OrderNumber)

	client.Emit(websocket.EventError, websocket.ErrReconnectExhausted)
	msg = receive(t, errs)
	assert.JSONEq(t, `{"error": "event stream reconnect attempts exhausted"}`, string(msg.Payload))

	forwarder.Close()
	client.Emit(websocket.EventNewOrder, websocket.NewOrder{OrderID: "1003"})
	select {
	case msg := <-orders:
		t.Fatalf("unexpected message after Close: %s", msg.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestForwarder_OnlyNamedEvents(t *testing.T) {
	pubsub := newPubSub(t)
	pongs := subscribe(t, pubsub, "pong")
	updates := subscribe(t, pubsub, "orderStatusUpdate")

	client := websocket.NewClient(websocket.Config{URL: "ws://127.0.0.1:1"}, nil, quietLogger())
	forwarder := NewForwarder(pubsub, "", quietLogger())
	forwarder.AttachEvents(client, websocket.EventOrderStatusUpdate)

	client.Emit(websocket.EventPong, websocket.Pong{})
	client.Emit(websocket.EventOrderStatusUpdate, websocket.OrderStatusUpdate{OrderID: "5", Status: "shipped"})

	msg := receive(t, updates)
	assert.Contains(t, string(msg.Payload), `"status":"shipped"`)

	select {
	case <-pongs:
		t.Fatal("pong was not attached and must not be published")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestForwarder_SessionEnded(t *testing.T) {
	pubsub := newPubSub(t)
	ended := subscribe(t, pubsub, "marketplace.session-ended")

	ctx := context.Background()
	manager := marketplace.NewSessionManager(marketplace.NewMemoryStore(), stubRefresher{},
		marketplace.WithLogger(quietLogger()))
	require.NoError(t, manager.StartSession(ctx, marketplace.TokenPair{AccessToken: "opaque", RefreshToken: "r"}, nil))

	forwarder := NewForwarder(pubsub, "marketplace", quietLogger())
	forwarder.AttachSession(manager)
	defer forwarder.Close()

	require.NoError(t, manager.Logout(ctx))

	msg := receive(t, ended)
	var event SessionEndedEvent
	require.NoError(t, json.Unmarshal(msg.Payload, &event))
	assert.Equal(t, string(marketplace.ReasonLogout), event.Reason)
	assert.Empty(t, event.Error)
	assert.False(t, event.At.IsZero())
}
