package websocket

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// envelope is the outer shape of every inbound frame. Payload fields are
// either inlined next to type or nested under data.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// parsedMessage is a frame split into its type tag and payload body
type parsedMessage struct {
	Type    string
	Payload json.RawMessage
}

// parseMessage decodes the envelope of a text frame
func parseMessage(message []byte) (*parsedMessage, error) {
	var env envelope
	if err := json.Unmarshal(message, &env); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("frame has no type field")
	}

	payload := json.RawMessage(message)
	if data := bytes.TrimSpace(env.Data); len(data) > 0 && data[0] == '{' {
		payload = env.Data
	}
	return &parsedMessage{Type: env.Type, Payload: payload}, nil
}

// flexString accepts JSON strings and numbers, which the backend mixes for ids
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", b)
	}
	*f = flexString(n.String())
	return nil
}

// flexTime accepts RFC 3339 strings and unix epoch milliseconds
type flexTime time.Time

func (f *flexTime) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return err
		}
		*f = flexTime(t)
		return nil
	}
	ms, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("expected timestamp, got %s", b)
	}
	*f = flexTime(time.UnixMilli(ms).UTC())
	return nil
}

func (f flexTime) Time() time.Time { return time.Time(f) }

type rawOrderStatusUpdate struct {
	OrderID        flexString `json:"order_id"`
	ID             flexString `json:"id"`
	OrderNumber    flexString `json:"order_number"`
	Status         string     `json:"status"`
	NewStatus      string     `json:"new_status"`
	PreviousStatus string     `json:"previous_status"`
	OldStatus      string     `json:"old_status"`
	Message        string     `json:"message"`
	UpdatedAt      flexTime   `json:"updated_at"`
	Timestamp      flexTime   `json:"timestamp"`
}

func parseOrderStatusUpdate(payload json.RawMessage) (OrderStatusUpdate, error) {
	var raw rawOrderStatusUpdate
	if err := json.Unmarshal(payload, &raw); err != nil {
		return OrderStatusUpdate{}, err
	}
	out := OrderStatusUpdate{
		OrderID:        firstNonEmpty(string(raw.OrderID), string(raw.ID)),
		OrderNumber:    string(raw.OrderNumber),
		Status:         firstNonEmpty(raw.Status, raw.NewStatus),
		PreviousStatus: firstNonEmpty(raw.PreviousStatus, raw.OldStatus),
		Message:        raw.Message,
		UpdatedAt:      firstTime(raw.UpdatedAt, raw.Timestamp),
	}
	if out.OrderID == "" {
		return OrderStatusUpdate{}, fmt.Errorf("order status update without order id")
	}
	return out, nil
}

type rawNewOrder struct {
	OrderID      flexString        `json:"order_id"`
	ID           flexString        `json:"id"`
	OrderNumber  flexString        `json:"order_number"`
	CustomerName string            `json:"customer_name"`
	Total        *decimal.Decimal  `json:"total"`
	TotalAmount  *decimal.Decimal  `json:"total_amount"`
	Currency     string            `json:"currency"`
	ItemCount    *int              `json:"item_count"`
	Items        []json.RawMessage `json:"items"`
	CreatedAt    flexTime          `json:"created_at"`
	Timestamp    flexTime          `json:"timestamp"`
}

func parseNewOrder(payload json.RawMessage) (NewOrder, error) {
	var raw rawNewOrder
	if err := json.Unmarshal(payload, &raw); err != nil {
		return NewOrder{}, err
	}
	out := NewOrder{
		OrderID:      firstNonEmpty(string(raw.OrderID), string(raw.ID)),
		OrderNumber:  string(raw.OrderNumber),
		CustomerName: raw.CustomerName,
		Currency:     raw.Currency,
		ItemCount:    len(raw.Items),
		CreatedAt:    firstTime(raw.CreatedAt, raw.Timestamp),
	}
	switch {
	case raw.Total != nil:
		out.Total = *raw.Total
	case raw.TotalAmount != nil:
		out.Total = *raw.TotalAmount
	}
	if raw.ItemCount != nil {
		out.ItemCount = *raw.ItemCount
	}
	if out.OrderID == "" {
		return NewOrder{}, fmt.Errorf("new order without order id")
	}
	return out, nil
}

type rawNotification struct {
	ID               flexString `json:"id"`
	NotificationID   flexString `json:"notification_id"`
	Title            string     `json:"title"`
	Message          string     `json:"message"`
	Body             string     `json:"body"`
	NotificationType string     `json:"notification_type"`
	Link             string     `json:"link"`
	IsRead           *bool      `json:"is_read"`
	Read             *bool      `json:"read"`
	CreatedAt        flexTime   `json:"created_at"`
	Timestamp        flexTime   `json:"timestamp"`
}

func parseNotification(payload json.RawMessage) (Notification, error) {
	var raw rawNotification
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Notification{}, err
	}
	return Notification{
		ID:        firstNonEmpty(string(raw.ID), string(raw.NotificationID)),
		Title:     raw.Title,
		Message:   firstNonEmpty(raw.Message, raw.Body),
		Kind:      raw.NotificationType,
		Link:      raw.Link,
		Read:      firstBool(raw.IsRead, raw.Read),
		CreatedAt: firstTime(raw.CreatedAt, raw.Timestamp),
	}, nil
}

type rawNotificationUpdate struct {
	ID             flexString `json:"id"`
	NotificationID flexString `json:"notification_id"`
	IsRead         *bool      `json:"is_read"`
	Read           *bool      `json:"read"`
	UnreadCount    int        `json:"unread_count"`
}

func parseNotificationUpdate(payload json.RawMessage) (NotificationUpdate, error) {
	var raw rawNotificationUpdate
	if err := json.Unmarshal(payload, &raw); err != nil {
		return NotificationUpdate{}, err
	}
	return NotificationUpdate{
		ID:          firstNonEmpty(string(raw.ID), string(raw.NotificationID)),
		Read:        firstBool(raw.IsRead, raw.Read),
		UnreadCount: raw.UnreadCount,
	}, nil
}

type rawPong struct {
	Timestamp flexTime `json:"timestamp"`
}

func parsePong(payload json.RawMessage, now time.Time) (Pong, error) {
	var raw rawPong
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Pong{}, err
	}
	out := Pong{ReceivedAt: now}
	if sent := raw.Timestamp.Time(); !sent.IsZero() && !sent.After(now) {
		out.Latency = now.Sub(sent)
	}
	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstTime(values ...flexTime) time.Time {
	for _, v := range values {
		if t := v.Time(); !t.IsZero() {
			return t
		}
	}
	return time.Time{}
}

func firstBool(values ...*bool) bool {
	for _, v := range values {
		if v != nil {
			return *v
		}
	}
	return false
}
