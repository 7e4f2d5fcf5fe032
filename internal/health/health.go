// Package health aggregates a point-in-time readiness snapshot across
// the store (cells and services) and the agent runtime, for an embedding binary to
// expose however it likes — no HTTP transport lives here.
package health

import (
	"time"

	"github.com/hiverun/hive/internal/agentrt"
	"github.com/hiverun/hive/internal/store"
)

// Snapshot is a point-in-time aggregation of cell, service, and agent
// session counts.
type Snapshot struct {
	Time time.Time

	Cells    map[store.CellStatus]int
	Services map[store.ServiceStatus]int
	Sessions map[agentrt.Status]int

	CellCount    int
	ServiceCount int
	SessionCount int
}

// Checker collects a Snapshot from the components it wraps.
type Checker struct {
	store   *store.Store
	runtime *agentrt.Runtime
	nowFn   func() time.Time
}

// New constructs a Checker. runtime may be nil if the embedding binary
// hasn't wired an Agent Runtime yet, in which case Sessions is left
// empty.
func New(st *store.Store, runtime *agentrt.Runtime) *Checker {
	return &Checker{store: st, runtime: runtime, nowFn: time.Now}
}

// Snapshot gathers current counts. Store errors abort the snapshot
// entirely — a health check that silently reports zero cells on a
// broken store connection is worse than one that fails loudly.
func (c *Checker) Snapshot() (Snapshot, error) {
	snap := Snapshot{
		Time:     c.nowFn(),
		Cells:    make(map[store.CellStatus]int),
		Services: make(map[store.ServiceStatus]int),
		Sessions: make(map[agentrt.Status]int),
	}

	cells, err := c.store.ListAllCells()
	if err != nil {
		return Snapshot{}, err
	}
	for _, cell := range cells {
		snap.Cells[cell.Status]++
	}
	snap.CellCount = len(cells)

	services, err := c.store.ListAllServicesWithCells()
	if err != nil {
		return Snapshot{}, err
	}
	for _, joined := range services {
		snap.Services[joined.Service.Status]++
	}
	snap.ServiceCount = len(services)

	if c.runtime != nil {
		snap.Sessions = c.runtime.StatusCounts()
		for _, n := range snap.Sessions {
			snap.SessionCount += n
		}
	}

	return snap, nil
}
