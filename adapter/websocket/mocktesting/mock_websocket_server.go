// Package mocktesting provides an in-process event-stream server for tests
// of the websocket client.
package mocktesting

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// VendorPathPrefix is the route prefix the mock accepts connections on
const VendorPathPrefix = "/ws/vendor/"

// Handshake records one accepted or rejected upgrade request
type Handshake struct {
	TenantID      string
	Authorization string
	Accepted      bool
}

// MockEventServer mimics the tenant-scoped event stream over TLS. Text
// frames are JSON; "ping" frames are answered with "pong" unless auto-pong
// is disabled.
type MockEventServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	clients     map[*websocket.Conn]string
	handshakes  []Handshake
	received    []map[string]interface{}
	autoPong    bool
	rejectCode  int
	bearerToken string
}

// NewMockEventServer starts the server. Close must be called when done.
func NewMockEventServer() *MockEventServer {
	mock := &MockEventServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:  make(map[*websocket.Conn]string),
		autoPong: true,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(VendorPathPrefix, mock.handleWebSocket)
	mock.server = httptest.NewTLSServer(mux)
	return mock
}

// URL returns the https base URL; the client maps it onto wss://
func (m *MockEventServer) URL() string {
	return m.server.URL
}

// Dialer returns a websocket dialer that trusts the server certificate
func (m *MockEventServer) Dialer() *websocket.Dialer {
	transport := m.server.Client().Transport.(*http.Transport)
	return &websocket.Dialer{
		TLSClientConfig:  transport.TLSClientConfig.Clone(),
		HandshakeTimeout: 5 * time.Second,
	}
}

// RequireBearer makes the server reject upgrades without this token
func (m *MockEventServer) RequireBearer(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bearerToken = token
}

// SetAutoPong controls whether ping frames are answered
func (m *MockEventServer) SetAutoPong(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoPong = enabled
}

// RejectHandshakes makes every upgrade fail with status. Zero accepts again.
func (m *MockEventServer) RejectHandshakes(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectCode = status
}

// Close drops every client and stops the server
func (m *MockEventServer) Close() {
	m.DropConnections()
	m.server.Close()
}

func (m *MockEventServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	tenantID := strings.Trim(strings.TrimPrefix(r.URL.Path, VendorPathPrefix), "/")
	auth := r.Header.Get("Authorization")

	m.mu.Lock()
	reject := m.rejectCode
	if reject == 0 && m.bearerToken != "" && auth != "Bearer "+m.bearerToken {
		reject = http.StatusUnauthorized
	}
	m.handshakes = append(m.handshakes, Handshake{TenantID: tenantID, Authorization: auth, Accepted: reject == 0})
	m.mu.Unlock()

	if reject != 0 {
		http.Error(w, http.StatusText(reject), reject)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	m.mu.Lock()
	m.clients[conn] = tenantID
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.clients, conn)
		m.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var frame map[string]interface{}
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		m.mu.Lock()
		m.received = append(m.received, frame)
		pong := m.autoPong && frame["type"] == "ping"
		m.mu.Unlock()

		if pong {
			reply, _ := json.Marshal(map[string]interface{}{"type": "pong", "timestamp": frame["timestamp"]})
			m.mu.Lock()
			err := conn.WriteMessage(websocket.TextMessage, reply)
			m.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Send broadcasts v as a JSON text frame to every client
func (m *MockEventServer) Send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal test frame: %w", err)
	}
	return m.SendRaw(string(data))
}

// SendRaw broadcasts a text frame verbatim, including invalid JSON
func (m *MockEventServer) SendRaw(frame string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for conn := range m.clients {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			return fmt.Errorf("failed to send test frame: %w", err)
		}
	}
	return nil
}

// SendOrderStatusUpdate sends an order_status_update frame
func (m *MockEventServer) SendOrderStatusUpdate(orderID int, status, previous string) error {
	return m.Send(map[string]interface{}{
		"type": "order_status_update",
		"data": map[string]interface{}{
			"order_id":        orderID,
			"status":          status,
			"previous_status": previous,
			"updated_at":      time.Now().UTC().Format(time.RFC3339),
		},
	})
}

// SendOrderCreated sends an order_created frame with inlined fields
func (m *MockEventServer) SendOrderCreated(orderID int, total string, items int) error {
	return m.Send(map[string]interface{}{
		"type":          "order_created",
		"order_id":      orderID,
		"order_number":  fmt.Sprintf("ORD-%05d", orderID),
		"customer_name": "Test Customer",
		"total":         total,
		"item_count":    items,
	})
}

// CloseConnections sends a close frame with code and reason to every client
func (m *MockEventServer) CloseConnections(code int, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	for conn := range m.clients {
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
	}
}

// DropConnections closes every client socket without a close frame
func (m *MockEventServer) DropConnections() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for conn := range m.clients {
		conn.Close()
	}
}

// ConnectionCount returns the number of open client connections
func (m *MockEventServer) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// Handshakes returns every upgrade request seen so far
func (m *MockEventServer) Handshakes() []Handshake {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Handshake(nil), m.handshakes...)
}

// Received returns the decoded frames sent by clients
func (m *MockEventServer) Received() []map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]map[string]interface{}(nil), m.received...)
}

// PingCount returns how many ping frames have arrived
func (m *MockEventServer) PingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, f := range m.received {
		if f["type"] == "ping" {
			n++
		}
	}
	return n
}
