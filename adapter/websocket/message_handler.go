package websocket

import (
	"time"

	"github.com/bjoelf/marketplace-session/adapter/metrics"
)

// websocketMessage is a frame handed from the reader to the processor
type websocketMessage struct {
	Data       []byte
	ReceivedAt time.Time
}

// handleMessage decodes one frame and emits the matching event. Unknown
// types and malformed frames are logged and dropped; they never close the
// connection.
func (c *Client) handleMessage(epoch uint64, msg websocketMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Panic while handling frame",
				"function", "handleMessage",
				"panic", r)
		}
	}()

	parsed, err := parseMessage(msg.Data)
	if err != nil {
		metrics.EventsReceived.WithLabelValues("malformed").Inc()
		c.logger.Warn("Dropping malformed frame",
			"function", "handleMessage",
			"error", err,
			"size", len(msg.Data))
		return
	}

	event, payload, err := c.decodePayload(epoch, parsed, msg.ReceivedAt)
	if err != nil {
		metrics.EventsReceived.WithLabelValues("malformed").Inc()
		c.logger.Warn("Dropping frame with invalid payload",
			"function", "handleMessage",
			"type", parsed.Type,
			"error", err)
		return
	}
	if event == "" {
		metrics.EventsReceived.WithLabelValues("unknown").Inc()
		c.logger.Info("Ignoring unknown message type",
			"function", "handleMessage",
			"type", parsed.Type)
		return
	}

	metrics.EventsReceived.WithLabelValues(parsed.Type).Inc()
	c.Emit(event, payload)
}

// decodePayload maps a frame type to its event and normalized payload. An
// empty event means the type is not recognized.
func (c *Client) decodePayload(epoch uint64, parsed *parsedMessage, receivedAt time.Time) (Event, any, error) {
	var (
		event   Event
		payload any
		err     error
	)
	switch parsed.Type {
	case msgOrderStatusUpdate:
		event = EventOrderStatusUpdate
		payload, err = parseOrderStatusUpdate(parsed.Payload)
	case msgOrderCreated:
		event = EventNewOrder
		payload, err = parseNewOrder(parsed.Payload)
	case msgNewNotification:
		event = EventNewNotification
		payload, err = parseNotification(parsed.Payload)
	case msgNotificationUpdate:
		event = EventNotificationUpdate
		payload, err = parseNotificationUpdate(parsed.Payload)
	case msgPong:
		c.onPong(epoch)
		event = EventPong
		payload, err = parsePong(parsed.Payload, receivedAt)
	default:
		return "", nil, nil
	}
	return event, payload, err
}
