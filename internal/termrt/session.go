package termrt

import (
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// Status enumerates a terminal session's lifecycle.
type Status string

const (
	StatusRunning Status = "running"
	StatusExited  Status = "exited"
)

// Listener receives output chunks and exit notifications for a topic.
type Listener struct {
	OnData func(data []byte)
	OnExit func(exitCode int)
}

// Session is a single PTY-backed terminal, holding the live pty handle
// (if any) plus a capped output buffer, per spec §4.6.
type Session struct {
	Topic     string
	mu        sync.RWMutex
	pty       *os.File
	cmd       *exec.Cmd
	rows      int
	cols      int
	status    Status
	exitCode  int
	startedAt time.Time
	buffer    *RingBuffer

	listeners map[int]Listener
	nextID    int
}

// NewSession constructs a Session with a fresh capped ring buffer.
func NewSession(topic string, capacity, retain int) *Session {
	return &Session{
		Topic:     topic,
		rows:      36,
		cols:      120,
		status:    StatusRunning,
		startedAt: time.Now(),
		buffer:    NewRingBuffer(capacity, retain),
		listeners: make(map[int]Listener),
	}
}

// SpawnConfig describes a process to spawn under this session's PTY.
type SpawnConfig struct {
	Shell    string
	Command  string
	Args     []string
	Dir      string
	Env      []string
	Rows     int
	Cols     int
	// NewProcessGroup starts the child in its own process group so callers
	// can signal the whole group (used by long-lived services, per spec
	// §4.3.3 step 2's "send SIGTERM to the process group").
	NewProcessGroup bool
}

// Spawn starts cfg.Command (or, if set, invokes Shell -lc Command) under a
// new PTY attached to this session, and begins streaming its output into
// the session's buffer and listeners.
func (s *Session) Spawn(cfg SpawnConfig) (*exec.Cmd, error) {
	rows := cfg.Rows
	if rows <= 0 {
		rows = 36
	}
	cols := cfg.Cols
	if cols <= 0 {
		cols = 120
	}

	var cmd *exec.Cmd
	if cfg.Command != "" {
		shell := cfg.Shell
		if shell == "" {
			shell = "/bin/bash"
		}
		cmd = exec.Command(shell, "-lc", cfg.Command)
	} else {
		cmd = exec.Command(cfg.Args[0], cfg.Args[1:]...)
	}
	cmd.Dir = cfg.Dir
	cmd.Env = append(append([]string{}, cfg.Env...), "TERM=xterm-256color")
	if cfg.NewProcessGroup {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.pty = ptmx
	s.cmd = cmd
	s.rows = rows
	s.cols = cols
	s.status = StatusRunning
	s.mu.Unlock()

	s.startReader()
	return cmd, nil
}

func (s *Session) startReader() {
	go func() {
		buf := make([]byte, 4096)
		for {
			s.mu.RLock()
			ptmx := s.pty
			s.mu.RUnlock()
			if ptmx == nil {
				return
			}

			n, err := ptmx.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				s.buffer.Write(chunk)
				s.broadcastData(chunk)
			}
			if err != nil {
				exitCode := s.waitExitCode()
				s.markExited(exitCode)
				return
			}
		}
	}()
}

func (s *Session) waitExitCode() int {
	s.mu.RLock()
	cmd := s.cmd
	s.mu.RUnlock()
	if cmd == nil {
		return 0
	}
	_ = cmd.Wait()
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return 0
}

// Write writes to the PTY's stdin (used for interactive input).
func (s *Session) Write(p []byte) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pty == nil {
		return 0, io.ErrClosedPipe
	}
	return s.pty.Write(p)
}

// Resize changes the PTY window size.
func (s *Session) Resize(rows, cols int) error {
	s.mu.Lock()
	s.rows, s.cols = rows, cols
	ptmx := s.pty
	s.mu.Unlock()
	if ptmx == nil {
		return nil
	}
	return pty.Setsize(ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

// AppendOutput writes raw bytes into the buffer/listeners without a live
// PTY attached (used by the setup terminal for synthesized status lines).
func (s *Session) AppendOutput(data []byte) {
	s.buffer.Write(data)
	s.broadcastData(data)
}

// AppendStatusLine appends a CRLF-terminated status line (e.g. "[setup]
// Template setup finished").
func (s *Session) AppendStatusLine(line string) {
	s.AppendOutput([]byte(line + "\r\n"))
}

// MarkExit records an explicit exit code (used when a session is stopped
// without a live PTY reader loop, e.g. after recovering a pid-only service).
func (s *Session) MarkExit(exitCode int) {
	s.markExited(exitCode)
}

func (s *Session) markExited(exitCode int) {
	s.mu.Lock()
	s.status = StatusExited
	s.exitCode = exitCode
	s.mu.Unlock()
	s.broadcastExit(exitCode)
}

// Close tears down the underlying PTY and process, if any.
func (s *Session) Close() error {
	s.mu.Lock()
	ptmx := s.pty
	cmd := s.cmd
	s.pty = nil
	s.mu.Unlock()

	var err error
	if ptmx != nil {
		err = ptmx.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	return err
}

// Pid returns the spawned process's pid, or 0 if none is attached.
func (s *Session) Pid() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Signal sends sig to the process (used for SIGTERM/SIGKILL during stop).
func (s *Session) Signal(sig syscall.Signal) error {
	s.mu.RLock()
	cmd := s.cmd
	s.mu.RUnlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Signal(sig)
}

// Buffer returns the underlying output buffer (for ReadAll/Reset).
func (s *Session) Buffer() *RingBuffer { return s.buffer }

// Status reports the session's current lifecycle state and exit code.
func (s *Session) Status() (Status, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status, s.exitCode
}

// StartedAt reports when the session began.
func (s *Session) StartedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startedAt
}

// Subscribe registers a Listener and returns an unsubscribe function.
func (s *Session) Subscribe(l Listener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Session) broadcastData(data []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.listeners {
		if l.OnData != nil {
			l.OnData(data)
		}
	}
}

func (s *Session) broadcastExit(exitCode int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.listeners {
		if l.OnExit != nil {
			l.OnExit(exitCode)
		}
	}
}
