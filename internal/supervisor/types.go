// Package supervisor is the Service Supervisor: it owns the lifecycle of
// every process-type service belonging to a cell, running template setup,
// allocating ports, starting/stopping services, and detecting definition
// drift, per spec §4.3.
package supervisor

import (
	"sync"
	"time"

	"github.com/hiverun/hive/internal/eventbus"
	"github.com/hiverun/hive/internal/hiveconfig"
	"github.com/hiverun/hive/internal/logging"
	"github.com/hiverun/hive/internal/portmgr"
	"github.com/hiverun/hive/internal/store"
	"github.com/hiverun/hive/internal/termrt"
	"golang.org/x/sync/singleflight"
)

// Config carries the Supervisor's process-level tunables, normally sourced
// from internal/config.
type Config struct {
	DefaultShell           string
	TemplateSetupTimeout   time.Duration
	TemplateSetupKillGrace time.Duration
	ServiceStopGrace       time.Duration
}

// handle is the in-memory record of a running service process, kept
// alongside (never instead of) the persisted row.
type handle struct {
	session *termrt.Session
	pid     int
}

// Supervisor implements spec §4.3's public contract. Structural changes to
// a cell's services are serialized by cellLocks; single-service start/stop
// by serviceLocks. ensureCellServices additionally collapses concurrent
// calls for the same cell onto one execution via a singleflight.Group;
// the keyed locks of spec §4.3.1/§9 are the keyedMutex values above.
type Supervisor struct {
	cfg   Config
	store *store.Store
	ports *portmgr.Manager
	terms *termrt.Manager
	bus   *eventbus.Bus
	log   *logging.Logger

	cellLocks    *keyedMutex
	serviceLocks *keyedMutex
	ensureGroup  singleflight.Group

	mu      sync.Mutex
	handles map[string]*handle // serviceID -> handle
}

// New constructs a Supervisor.
func New(cfg Config, st *store.Store, ports *portmgr.Manager, terms *termrt.Manager, bus *eventbus.Bus, log *logging.Logger) *Supervisor {
	if log == nil {
		log = logging.Default()
	}
	return &Supervisor{
		cfg:          cfg,
		store:        st,
		ports:        ports,
		terms:        terms,
		bus:          bus,
		log:          log,
		cellLocks:    newKeyedMutex(),
		serviceLocks: newKeyedMutex(),
		handles:      make(map[string]*handle),
	}
}

func (sup *Supervisor) handleFor(serviceID string) (*handle, bool) {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	h, ok := sup.handles[serviceID]
	return h, ok
}

func (sup *Supervisor) setHandle(serviceID string, h *handle) {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	sup.handles[serviceID] = h
}

func (sup *Supervisor) clearHandle(serviceID string) {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	delete(sup.handles, serviceID)
}

func (sup *Supervisor) publishServiceUpdate(svc store.CellService) {
	sup.bus.Publish(eventbus.TopicServiceUpdate, svc.CellID, eventbus.ServiceUpdateEvent{
		CellID:    svc.CellID,
		ServiceID: svc.ID,
		Name:      svc.Name,
		Status:    string(svc.Status),
		Port:      svc.Port,
		PID:       svc.PID,
		Error:     svc.LastKnownError,
	})
}

func (sup *Supervisor) emitTiming(cellID, runID, step, status string, durationMs int64, cause error) {
	ev := eventbus.TimingEvent{
		CellID:     cellID,
		Workflow:   "ensure_services",
		RunID:      runID,
		Step:       step,
		Status:     status,
		DurationMs: durationMs,
		CreatedAt:  time.Now().UnixMilli(),
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	sup.bus.Publish(eventbus.TopicCellTiming, cellID, ev)
}

func strPtr(s string) *string                      { return &s }
func statusPtr(s store.ServiceStatus) *store.ServiceStatus { return &s }
func intPtr(i int) *int                             { return &i }

// templateProcessServices returns the name of every service template (a
// ServiceTemplate carries no type, so none are filtered out) in a stable,
// name-sorted order (service lifecycle ops run sequentially,
// per spec §4.3).
func templateProcessServices(tpl hiveconfig.Template) []string {
	names := make([]string, 0, len(tpl.Services))
	for name := range tpl.Services {
		names = append(names, name)
	}
	sortStrings(names)
	return names
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
