package testutil

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	json "github.com/goccy/go-json"
)

// MockUser is one entry in a mocked online-users response. A nil Name encodes as null.
type MockUser struct {
	PublicID string  `json:"public_id"`
	Name     *string `json:"name"`
}

// MockUpstream is a test server for the online-users API keyed by channel name.
type MockUpstream struct {
	*httptest.Server

	mu       sync.Mutex
	online   map[string][]MockUser
	statuses map[string]int
	requests map[string]int
}

// NewMockUpstream starts a mock upstream that reports every channel as empty until told
// otherwise.
func NewMockUpstream(t *testing.T) *MockUpstream {
	t.Helper()
	m := &MockUpstream{
		online:   map[string][]MockUser{},
		statuses: map[string]int{},
		requests: map[string]int{},
	}
	m.Server = httptest.NewServer(http.HandlerFunc(m.serve))
	t.Cleanup(m.Close)
	return m
}

func (m *MockUpstream) serve(w http.ResponseWriter, r *http.Request) {
	ch := r.URL.Query().Get("channel")
	m.mu.Lock()
	m.requests[ch]++
	status, forced := m.statuses[ch]
	users := m.online[ch]
	m.mu.Unlock()

	if forced {
		w.WriteHeader(status)
		return
	}
	if users == nil {
		users = []MockUser{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // test mock response
		"users":      users,
		"num_online": len(users),
	})
}

// SetOnline sets the users reported for channel.
func (m *MockUpstream) SetOnline(channel string, users ...MockUser) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online[channel] = users
}

// SetStatus makes every request for channel answer with status and no body.
func (m *MockUpstream) SetStatus(channel string, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[channel] = status
}

// Requests returns how many times channel was requested.
func (m *MockUpstream) Requests(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[channel]
}

// Named returns a MockUser with a display name.
func Named(publicID, name string) MockUser { return MockUser{PublicID: publicID, Name: &name} }
