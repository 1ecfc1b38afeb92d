package websocket

import (
	"time"

	"github.com/shopspring/decimal"
)

// State is the lifecycle position of a Client
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateClosing      State = "closing"
)

// Event names a host-visible notification emitted by the Client
type Event string

const (
	EventConnected          Event = "connected"
	EventDisconnected       Event = "disconnected"
	EventError              Event = "error"
	EventReconnecting       Event = "reconnecting"
	EventOrderStatusUpdate  Event = "orderStatusUpdate"
	EventNewOrder           Event = "newOrder"
	EventNewNotification    Event = "newNotification"
	EventNotificationUpdate Event = "notificationUpdate"
	EventPong               Event = "pong"
)

// AllEvents lists every event the Client can emit
var AllEvents = []Event{
	EventConnected,
	EventDisconnected,
	EventError,
	EventReconnecting,
	EventOrderStatusUpdate,
	EventNewOrder,
	EventNewNotification,
	EventNotificationUpdate,
	EventPong,
}

// Inbound frame types
const (
	msgOrderStatusUpdate  = "order_status_update"
	msgOrderCreated       = "order_created"
	msgNewNotification    = "new_notification"
	msgNotificationUpdate = "notification_update"
	msgPong               = "pong"
	msgPing               = "ping"
)

// Connected is the payload of EventConnected
type Connected struct {
	TenantID string `json:"tenant_id"`
	ConnID   string `json:"conn_id"`
}

// Disconnected is the payload of EventDisconnected. Code follows RFC 6455;
// 1006 covers failed dials and dead connections.
type Disconnected struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

// Reconnecting is the payload of EventReconnecting
type Reconnecting struct {
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay"`
}

// OrderStatusUpdate is the payload of EventOrderStatusUpdate
type OrderStatusUpdate struct {
	OrderID        string    `json:"order_id"`
	OrderNumber    string    `json:"order_number,omitempty"`
	Status         string    `json:"status"`
	PreviousStatus string    `json:"previous_status,omitempty"`
	Message        string    `json:"message,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NewOrder is the payload of EventNewOrder
type NewOrder struct {
	OrderID      string          `json:"order_id"`
	OrderNumber  string          `json:"order_number,omitempty"`
	CustomerName string          `json:"customer_name,omitempty"`
	Total        decimal.Decimal `json:"total"`
	Currency     string          `json:"currency,omitempty"`
	ItemCount    int             `json:"item_count"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Notification is the payload of EventNewNotification
type Notification struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Kind      string    `json:"kind,omitempty"`
	Link      string    `json:"link,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// NotificationUpdate is the payload of EventNotificationUpdate
type NotificationUpdate struct {
	ID          string `json:"id,omitempty"`
	Read        bool   `json:"read"`
	UnreadCount int    `json:"unread_count"`
}

// Pong is the payload of EventPong. Latency is zero when the server does
// not echo the ping timestamp.
type Pong struct {
	ReceivedAt time.Time     `json:"received_at"`
	Latency    time.Duration `json:"latency"`
}

// pingFrame is the outbound heartbeat
type pingFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}
