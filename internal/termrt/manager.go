package termrt

import (
	"fmt"
	"sync"
	"time"

	"github.com/hiverun/hive/internal/logging"
)

// Manager owns every terminal session keyed by topic
// (service:<id>, setup:<cellId>, chat:<cellId>), per spec §4.6.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	capacity int
	retain   int
	log      *logging.Logger
}

// Config controls buffer sizing for sessions created by the Manager.
type Config struct {
	Capacity int
	Retain   int
}

// NewManager constructs a Manager with the given buffer sizing defaults.
func NewManager(cfg Config, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.Default()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		capacity: cfg.Capacity,
		retain:   cfg.Retain,
		log:      log,
	}
}

// ServiceTopic returns the canonical topic for a service's terminal.
func ServiceTopic(serviceID string) string { return fmt.Sprintf("service:%s", serviceID) }

// SetupTopic returns the canonical topic for a cell's setup terminal.
func SetupTopic(cellID string) string { return fmt.Sprintf("setup:%s", cellID) }

// ChatTopic returns the canonical topic for a cell's chat terminal.
func ChatTopic(cellID string) string { return fmt.Sprintf("chat:%s", cellID) }

// GetOrCreate returns the existing session for topic, or creates one.
func (m *Manager) GetOrCreate(topic string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[topic]; ok {
		return s
	}
	s := NewSession(topic, m.capacity, m.retain)
	m.sessions[topic] = s
	return s
}

// Get returns the session for topic, if one exists.
func (m *Manager) Get(topic string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[topic]
	return s, ok
}

// Remove closes and discards the session for topic, if one exists.
func (m *Manager) Remove(topic string) {
	m.mu.Lock()
	s, ok := m.sessions[topic]
	delete(m.sessions, topic)
	m.mu.Unlock()

	if ok {
		_ = s.Close()
	}
}

// Write appends data to topic's buffer, creating the session if needed.
func (m *Manager) Write(topic string, data []byte) {
	m.GetOrCreate(topic).AppendOutput(data)
}

// WriteLine appends a status line to topic's buffer, creating the session
// if needed.
func (m *Manager) WriteLine(topic, line string) {
	m.GetOrCreate(topic).AppendStatusLine(line)
}

// MarkExit records an exit code against topic's session, if one exists.
func (m *Manager) MarkExit(topic string, exitCode int) {
	if s, ok := m.Get(topic); ok {
		s.MarkExit(exitCode)
	}
}

// ReadAll returns the current buffered output for topic.
func (m *Manager) ReadAll(topic string) []byte {
	if s, ok := m.Get(topic); ok {
		return s.Buffer().ReadAll()
	}
	return nil
}

// Subscribe attaches a Listener to topic, creating the session if needed,
// and returns an unsubscribe function.
func (m *Manager) Subscribe(topic string, l Listener) func() {
	return m.GetOrCreate(topic).Subscribe(l)
}

// Write to a session's stdin (chat/service input).
func (m *Manager) WriteStdin(topic string, p []byte) (int, error) {
	s, ok := m.Get(topic)
	if !ok {
		return 0, fmt.Errorf("no terminal session for topic %q", topic)
	}
	return s.Write(p)
}

// Resize resizes topic's PTY window.
func (m *Manager) Resize(topic string, rows, cols int) error {
	s, ok := m.Get(topic)
	if !ok {
		return fmt.Errorf("no terminal session for topic %q", topic)
	}
	return s.Resize(rows, cols)
}

// PruneExited removes every exited session older than maxAge, supplementing
// spec §4.6 so long-lived processes don't accumulate unbounded buffers for
// services that were deleted or drifted away.
func (m *Manager) PruneExited(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	pruned := 0
	for topic, s := range m.sessions {
		status, _ := s.Status()
		if status != StatusExited {
			continue
		}
		if now.Sub(s.StartedAt()) < maxAge {
			continue
		}
		_ = s.Close()
		delete(m.sessions, topic)
		pruned++
	}
	if pruned > 0 {
		m.log.Info("pruned exited terminal sessions")
	}
	return pruned
}

// CloseAll tears down every session (used by Supervisor.stopAll).
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for topic, s := range m.sessions {
		_ = s.Close()
		delete(m.sessions, topic)
	}
}
