package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	marketplace "github.com/bjoelf/marketplace-session/adapter"
	"github.com/bjoelf/marketplace-session/adapter/events"
	"github.com/bjoelf/marketplace-session/adapter/websocket"
	"github.com/redis/go-redis/v9"
)

// newBridgePublisher returns the external publisher named by the bridge
// config, or nil when forwarding is disabled
func newBridgePublisher(ctx context.Context, c marketplace.BridgeConfig) (message.Publisher, func() error, error) {
	switch c.Driver {
	case marketplace.BridgeRedisStream:
		opts, err := redis.ParseURL(c.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse bridge redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to connect to bridge redis: %w", err)
		}

		publisher, err := redisstream.NewPublisher(
			redisstream.PublisherConfig{Client: client},
			watermill.NewStdLogger(false, false),
		)
		if err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to create redis stream publisher: %w", err)
		}
		return publisher, func() error {
			publisher.Close()
			return client.Close()
		}, nil
	default:
		return nil, func() error { return nil }, nil
	}
}

// printedEvent is one line of watch output
type printedEvent struct {
	Time    time.Time       `json:"time"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// startPrinter subscribes to every forwarded topic on the local bus and
// writes each message as a JSON line to w
func startPrinter(ctx context.Context, bus *gochannel.GoChannel, forwarder *events.Forwarder, w io.Writer) error {
	names := []string{events.TopicSessionEnded}
	for _, event := range websocket.AllEvents {
		names = append(names, string(event))
	}

	lines := make(chan printedEvent, 64)
	for _, name := range names {
		messages, err := bus.Subscribe(ctx, forwarder.Topic(name))
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", name, err)
		}
		go func(name string, messages <-chan *message.Message) {
			for msg := range messages {
				select {
				case lines <- printedEvent{Time: time.Now(), Event: name, Payload: json.RawMessage(msg.Payload)}:
					msg.Ack()
				case <-ctx.Done():
					msg.Nack()
					return
				}
			}
		}(name, messages)
	}

	go func() {
		enc := json.NewEncoder(w)
		for {
			select {
			case <-ctx.Done():
				return
			case line := <-lines:
				if err := enc.Encode(line); err != nil {
					slog.Warn("Failed to print event", "function", "startPrinter", "error", err)
				}
			}
		}
	}()
	return nil
}
