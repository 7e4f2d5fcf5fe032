// Package agentrt is the Agent Runtime: it binds a cell to a session on
// the shared coding-agent RPC server, tracks that session's status and
// mode, ingests its event stream, and persists enough state that a
// session can be resumed across a process restart, per spec §4.5.
package agentrt

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hiverun/hive/internal/eventbus"
	"github.com/hiverun/hive/internal/hiveconfig"
	"github.com/hiverun/hive/internal/logging"
	"github.com/hiverun/hive/internal/store"
)

// Status is the lifecycle state of a bound agent session.
type Status string

const (
	StatusAwaitingInput Status = "awaiting_input"
	StatusWorking       Status = "working"
	StatusCompleted     Status = "completed"
	StatusError         Status = "error"
)

// Mode is the agent's operating mode.
type Mode string

const (
	ModePlan  Mode = "plan"
	ModeBuild Mode = "build"
)

// ErrMessageAborted is returned by RemoteClient.Prompt when the remote
// session aborted the in-flight message (e.g. because of an interrupt).
var ErrMessageAborted = errors.New("message aborted")

// ErrSessionNotFound is returned by RemoteClient methods that address a
// session id the remote server doesn't recognize.
var ErrSessionNotFound = errors.New("remote session not found")

// Provider is one entry of the remote server's model catalog.
type Provider struct {
	ID     string
	Models map[string]Model // catalog key -> model
}

// Model describes a single selectable model under a provider.
type Model struct {
	ID string // the provider's own id for this model, may alias the catalog key
}

// ProviderCatalog is the full catalog returned by config.providers.
type ProviderCatalog struct {
	Providers []Provider
	Defaults  map[string]string // providerId -> default modelId
}

// RemoteSession describes a session on the remote coding-agent server.
type RemoteSession struct {
	ID        string
	Directory string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RemoteMessage is a single entry of a remote session's history, enough
// to recover the last-used model and mode per spec §4.5.1 steps 8-9.
type RemoteMessage struct {
	Role        string // "user" | "assistant"
	Mode        string // normalized "plan"|"build", empty if not applicable
	ProviderID  string
	ModelID     string
	CompletedAt time.Time // zero if the message is still in flight
	Error       string
}

// PromptPart is one content part of a prompt sent to the remote server.
type PromptPart struct {
	Type string // "text"
	Text string
}

// PromptRequest is the payload for RemoteClient.Prompt.
type PromptRequest struct {
	Parts      []PromptPart
	Agent      string // current mode, "plan" | "build"
	ProviderID string
	ModelID    string
	// NoReply marks a seed/preference prompt that primes the session
	// without expecting a user-visible reply (spec §4.5.1 steps 7, 10).
	NoReply bool
}

// RemoteEvent is a single event off the remote event stream, filtered by
// the runtime to the bound session id before dispatch.
type RemoteEvent struct {
	Type       string
	SessionID  string
	Properties map[string]any
}

// RemoteClient is the seam between the Agent Runtime and the shared
// coding-agent RPC server started once per process. A single client is
// shared by every session the runtime manages.
type RemoteClient interface {
	Providers(ctx context.Context) (ProviderCatalog, error)
	CreateSession(ctx context.Context, directory, title string) (RemoteSession, error)
	GetSession(ctx context.Context, sessionID string) (RemoteSession, error)
	DeleteSession(ctx context.Context, sessionID string) error
	LatestMessages(ctx context.Context, sessionID string) (user, assistant *RemoteMessage, err error)
	Prompt(ctx context.Context, sessionID string, req PromptRequest) error
	Abort(ctx context.Context, sessionID string) error
	Subscribe(ctx context.Context) (<-chan RemoteEvent, error)
}

// CredentialStore reports whether a provider has usable credentials on
// disk, per spec §4.5.3.
type CredentialStore interface {
	HasCredentials(providerID string) (bool, error)
}

// Compaction tracks how many times a session's context has been
// compacted.
type Compaction struct {
	Count             int
	LastCompactionAt  time.Time
}

// Handle is the in-memory state bound to one remote session.
type Handle struct {
	mu sync.Mutex

	Session        RemoteSession
	Cell           store.Cell
	ProviderID     string
	ModelID        string
	DirectoryQuery string

	Status           Status
	PendingInterrupt bool
	Compaction       Compaction
	StartMode        Mode
	CurrentMode      Mode
	ModeUpdatedAt    time.Time
}

func (h *Handle) setStatus(s Status) {
	h.mu.Lock()
	h.Status = s
	h.mu.Unlock()
}

func (h *Handle) getStatus() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Status
}

func (h *Handle) setPendingInterrupt(v bool) {
	h.mu.Lock()
	h.PendingInterrupt = v
	h.mu.Unlock()
}

func (h *Handle) getPendingInterrupt() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.PendingInterrupt
}

func (h *Handle) setMode(m Mode) {
	h.mu.Lock()
	h.CurrentMode = m
	h.ModeUpdatedAt = time.Now()
	h.mu.Unlock()
}

func (h *Handle) recordCompaction(count int) {
	h.mu.Lock()
	if count > 0 {
		h.Compaction.Count = count
	} else {
		h.Compaction.Count++
	}
	h.Compaction.LastCompactionAt = time.Now()
	h.mu.Unlock()
}

// Runtime owns the two registries that bind cells to remote sessions —
// runtimeRegistry (sessionId -> handle) and cellSessionMap (cellId ->
// sessionId) — behind one mutex so they can never desync, per spec §9.
type Runtime struct {
	mu        sync.Mutex
	bySession map[string]*Handle
	byCell    map[string]string
	subCancel context.CancelFunc

	store       *store.Store
	configs     *hiveconfig.Cache
	client      RemoteClient
	credentials CredentialStore
	bus         *eventbus.Bus
	log         *logging.Logger
}

// New constructs a Runtime.
func New(st *store.Store, configs *hiveconfig.Cache, client RemoteClient, credentials CredentialStore, bus *eventbus.Bus, log *logging.Logger) *Runtime {
	if log == nil {
		log = logging.Default()
	}
	return &Runtime{
		bySession:   make(map[string]*Handle),
		byCell:      make(map[string]string),
		store:       st,
		configs:     configs,
		client:      client,
		credentials: credentials,
		bus:         bus,
		log:         log,
	}
}

func (r *Runtime) register(cellID string, h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySession[h.Session.ID] = h
	r.byCell[cellID] = h.Session.ID
}

func (r *Runtime) lookupByCell(cellID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessionID, ok := r.byCell[cellID]
	if !ok {
		return nil, false
	}
	h, ok := r.bySession[sessionID]
	return h, ok
}

func (r *Runtime) lookupBySession(sessionID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.bySession[sessionID]
	return h, ok
}

func (r *Runtime) remove(cellID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bySession, sessionID)
	if r.byCell[cellID] == sessionID {
		delete(r.byCell, cellID)
	}
}

func (r *Runtime) allHandles() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Handle, 0, len(r.bySession))
	for _, h := range r.bySession {
		out = append(out, h)
	}
	return out
}

// StatusCounts reports how many bound sessions are in each Status, for
// an embedding binary's health accessor.
func (r *Runtime) StatusCounts() map[Status]int {
	counts := make(map[Status]int)
	for _, h := range r.allHandles() {
		counts[h.getStatus()]++
	}
	return counts
}
