// Package portmgr vends and reserves TCP ports for cell services,
// following the ephemeral-bind-to-0 allocation idiom and the liveness-probe
// reuse algorithm of spec §4.2.
package portmgr

import (
	"fmt"
	"net"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/hiverun/hive/internal/logging"
	"go.uber.org/zap"
)

// Manager allocates and reserves TCP ports for cell services. All
// operations are serialized per process via an internal mutex, matching
// spec §4.2's "all operations are serialized per process" contract.
type Manager struct {
	mu        sync.Mutex
	reserved  map[int]string // port -> serviceID
	log       *logging.Logger
	probeWait time.Duration
}

// New constructs a Manager. probeWait is the delay between SIGTERM and
// retesting a persisted port that appears occupied (default 250ms per
// spec §4.2).
func New(log *logging.Logger) *Manager {
	if log == nil {
		log = logging.Default()
	}
	return &Manager{
		reserved:  make(map[int]string),
		log:       log,
		probeWait: 250 * time.Millisecond,
	}
}

// EnsureServicePort returns a usable port for serviceID, following the
// probe-then-reuse-or-reallocate algorithm of spec §4.2.
//
// persistedPort is the service's previously-persisted port (0 if none).
// persistedPID is the pid last known to be bound to it (0 if none); it is
// sent SIGTERM if the port still appears bound after the first probe.
// A port this Manager already holds for serviceID is returned as-is while
// nothing is bound to it, so repeated calls for one service agree.
func (m *Manager) EnsureServicePort(serviceID string, persistedPort int, persistedPID int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for port, sid := range m.reserved {
		if sid == serviceID && !probeBound(port) {
			return port, nil
		}
	}

	if persistedPort > 0 {
		if m.isFree(persistedPort) {
			m.reserve(persistedPort, serviceID)
			return persistedPort, nil
		}

		if persistedPID > 0 {
			_ = syscall.Kill(persistedPID, syscall.SIGTERM)
			time.Sleep(m.probeWait)
			if m.isFree(persistedPort) {
				m.reserve(persistedPort, serviceID)
				return persistedPort, nil
			}
		}

		m.log.Warn("persisted port still occupied, reallocating",
			zap.Int("port", persistedPort), zap.String("service_id", serviceID))
	}

	port, err := m.allocateLocked()
	if err != nil {
		return 0, err
	}
	m.reserve(port, serviceID)
	return port, nil
}

// IsPortOccupied reports whether something is actually bound to port,
// independent of this process's own reservation bookkeeping.
func (m *Manager) IsPortOccupied(port int) bool {
	return probeBound(port)
}

// RememberSpecificPort reserves an already-known port for serviceID without
// probing, for explicit bookkeeping after an out-of-band allocation.
func (m *Manager) RememberSpecificPort(serviceID string, port int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserve(port, serviceID)
}

// ReleasePortFor frees any port reserved for serviceID.
func (m *Manager) ReleasePortFor(serviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for port, sid := range m.reserved {
		if sid == serviceID {
			delete(m.reserved, port)
		}
	}
}

// isFree reports whether port is not in the reservation set AND a TCP
// probe against both loopback families shows nothing is bound to it.
// Must be called with m.mu held.
func (m *Manager) isFree(port int) bool {
	if _, taken := m.reserved[port]; taken {
		return false
	}
	return !probeBound(port)
}

// probeBound dials both IPv4 and IPv6 loopback; a successful connection on
// either means the port is bound. IPv6 address-family errors (e.g. no IPv6
// stack) are treated as "not bound" to stay portable, per spec §4.2.
func probeBound(port int) bool {
	addr4 := fmt.Sprintf("127.0.0.1:%d", port)
	if conn, err := net.DialTimeout("tcp4", addr4, 100*time.Millisecond); err == nil {
		conn.Close()
		return true
	}

	addr6 := fmt.Sprintf("[::1]:%d", port)
	conn, err := net.DialTimeout("tcp6", addr6, 100*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// allocateLocked binds to port 0 to get a kernel-assigned free port,
// accepting the candidate only if it is not already in the reservation
// set. Must be called with m.mu held.
func (m *Manager) allocateLocked() (int, error) {
	for attempt := 0; attempt < 10; attempt++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return 0, fmt.Errorf("allocate ephemeral port: %w", err)
		}
		port := ln.Addr().(*net.TCPAddr).Port
		ln.Close()

		if _, taken := m.reserved[port]; !taken {
			return port, nil
		}
	}
	return 0, fmt.Errorf("could not find an unreserved ephemeral port after 10 attempts")
}

// reserve marks port as belonging to serviceID. Must be called with m.mu held.
func (m *Manager) reserve(port int, serviceID string) {
	m.reserved[port] = serviceID
}

var sanitizeServiceName = regexp.MustCompile(`[^A-Za-z0-9]`)

// SanitizedServiceName upper-cases name and replaces every character
// outside [A-Za-z0-9] with an underscore, matching spec §4.3.3 step 4's
// SANITIZED_SERVICE_NAME rule.
func SanitizedServiceName(name string) string {
	sanitized := sanitizeServiceName.ReplaceAllString(name, "_")
	result := make([]byte, len(sanitized))
	for i := 0; i < len(sanitized); i++ {
		c := sanitized[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		result[i] = c
	}
	return string(result)
}

