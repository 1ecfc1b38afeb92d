package marketplace

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

// Default endpoint paths served by MockAuthServer
const (
	MockLoginPath   = "/api/auth/login/"
	MockRefreshPath = "/api/auth/token/refresh/"
	MockTokenPath   = "/oauth/token"
)

// MockAuthServer is an HTTP mock of the marketplace auth endpoints for unit tests
type MockAuthServer struct {
	server *httptest.Server

	mu        sync.Mutex
	responses map[string][]MockResponse // queued per "METHOD path"; the last one repeats
	requests  []MockRequest
}

// MockResponse represents a configured mock response
type MockResponse struct {
	StatusCode int
	Body       interface{}
	Headers    map[string]string
}

// MockRequest tracks incoming requests for verification
type MockRequest struct {
	Method  string
	Path    string
	Body    string
	Headers map[string]string
}

// NewMockAuthServer creates and starts a mock server
func NewMockAuthServer() *MockAuthServer {
	mock := &MockAuthServer{
		responses: make(map[string][]MockResponse),
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.handleRequest))
	return mock
}

// Close shuts down the mock server
func (m *MockAuthServer) Close() {
	m.server.Close()
}

// URL returns the mock server base URL
func (m *MockAuthServer) URL() string {
	return m.server.URL
}

// Client returns an HTTP client wired to the mock server
func (m *MockAuthServer) Client() *http.Client {
	return m.server.Client()
}

// SetResponse replaces the responses for method and path. With several
// responses they are served in order and the last one repeats.
func (m *MockAuthServer) SetResponse(method, path string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[method+" "+path] = responses
}

// SetRefreshResponse configures the JSON refresh endpoint
func (m *MockAuthServer) SetRefreshResponse(statusCode int, body interface{}) {
	m.SetResponse(http.MethodPost, MockRefreshPath, jsonResponse(statusCode, body))
}

// SetLoginResponse configures the login endpoint
func (m *MockAuthServer) SetLoginResponse(statusCode int, body interface{}) {
	m.SetResponse(http.MethodPost, MockLoginPath, jsonResponse(statusCode, body))
}

// SetOAuth2TokenResponse configures the OAuth2 token endpoint
func (m *MockAuthServer) SetOAuth2TokenResponse(statusCode int, body interface{}) {
	m.SetResponse(http.MethodPost, MockTokenPath, jsonResponse(statusCode, body))
}

func jsonResponse(statusCode int, body interface{}) MockResponse {
	return MockResponse{
		StatusCode: statusCode,
		Body:       body,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// GetRequests returns all captured requests
func (m *MockAuthServer) GetRequests() []MockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockRequest(nil), m.requests...)
}

// RequestCount returns how many requests hit path
func (m *MockAuthServer) RequestCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.requests {
		if r.Path == path {
			n++
		}
	}
	return n
}

func (m *MockAuthServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	headers := make(map[string]string)
	for key, values := range r.Header {
		headers[key] = strings.Join(values, ", ")
	}

	key := fmt.Sprintf("%s %s", r.Method, r.URL.Path)

	m.mu.Lock()
	m.requests = append(m.requests, MockRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		Body:    string(body),
		Headers: headers,
	})
	queue := m.responses[key]
	var response MockResponse
	exists := len(queue) > 0
	if exists {
		response = queue[0]
		if len(queue) > 1 {
			m.responses[key] = queue[1:]
		}
	}
	m.mu.Unlock()

	if !exists {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"detail": "Not found."})
		return
	}

	for key, value := range response.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(response.StatusCode)

	switch b := response.Body.(type) {
	case nil:
	case string:
		io.WriteString(w, b)
	default:
		json.NewEncoder(w).Encode(b)
	}
}
