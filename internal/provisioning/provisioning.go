// Package provisioning is the Cell Provisioning Engine: it drives a cell
// through its create_worktree -> ensure_services -> mark_ready state
// machine, persisting progress so a crash mid-run can resume from the
// last completed step, per spec §4.4.
package provisioning

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hiverun/hive/internal/eventbus"
	"github.com/hiverun/hive/internal/hiveconfig"
	"github.com/hiverun/hive/internal/logging"
	"github.com/hiverun/hive/internal/store"
	"github.com/hiverun/hive/internal/supervisor"
	"github.com/hiverun/hive/internal/worktree"
)

// steps is the fixed, ordered workflow every cell passes through.
var steps = []string{"create_worktree", "ensure_services", "mark_ready"}

// Engine drives cells through the provisioning workflow.
type Engine struct {
	store      *store.Store
	worktree   worktree.Adapter
	supervisor *supervisor.Supervisor
	configs    *hiveconfig.Cache
	bus        *eventbus.Bus
	log        *logging.Logger
}

// New constructs an Engine.
func New(st *store.Store, wt worktree.Adapter, sup *supervisor.Supervisor, configs *hiveconfig.Cache, bus *eventbus.Bus, log *logging.Logger) *Engine {
	if log == nil {
		log = logging.Default()
	}
	return &Engine{store: st, worktree: wt, supervisor: sup, configs: configs, bus: bus, log: log}
}

// CreateOptions describes a new cell's provisioning request.
type CreateOptions struct {
	CellID             string
	Name               string
	TemplateID         string
	WorkspaceRootPath  string
	WorkspaceID        string
	Description        string
	ModelIDOverride    string
	ProviderIDOverride string
	StartMode          string
}

// CreateCell persists a new cell row in spawning status and runs the
// provisioning workflow to completion (or failure) synchronously.
func (e *Engine) CreateCell(opts CreateOptions) error {
	runID := uuid.NewString()

	cell := store.Cell{
		ID:                opts.CellID,
		Name:              opts.Name,
		TemplateID:        opts.TemplateID,
		WorkspaceRootPath: opts.WorkspaceRootPath,
		WorkspaceID:       opts.WorkspaceID,
		Description:       opts.Description,
		Status:            store.CellSpawning,
	}
	if err := e.store.UpsertCell(cell); err != nil {
		return err
	}

	state := store.CellProvisioningState{
		CellID:             opts.CellID,
		RunID:              runID,
		Step:               "",
		Status:             "spawning",
		Attempt:            1,
		ModelIDOverride:    opts.ModelIDOverride,
		ProviderIDOverride: opts.ProviderIDOverride,
		StartMode:          opts.StartMode,
	}
	if err := e.store.UpsertProvisioningState(state); err != nil {
		return err
	}

	return e.run(cell, state, 0)
}

// ResumePending re-enters the state machine for every cell whose
// provisioning state is still "spawning", incrementing its attempt
// counter, per spec §4.4's resumability rule.
func (e *Engine) ResumePending() error {
	pending, err := e.store.ListProvisioningStatesByStatus("spawning")
	if err != nil {
		return err
	}

	for _, state := range pending {
		cell, err := e.store.GetCellByID(state.CellID)
		if err != nil {
			e.log.Warn("provisioning: resume target cell missing, skipping")
			continue
		}

		state.Attempt++
		if err := e.store.UpsertProvisioningState(state); err != nil {
			e.log.Warn("provisioning: failed to persist resumed attempt count")
			continue
		}

		startAt := stepIndex(state.Step) + 1
		if err := e.run(cell, state, startAt); err != nil {
			e.log.Warn("provisioning: resumed workflow failed")
		}
	}
	return nil
}

func stepIndex(step string) int {
	for i, s := range steps {
		if s == step {
			return i
		}
	}
	return -1
}

// run executes steps[fromIndex:] in order, persisting CellProvisioningState
// after each step and emitting timing events for entry/exit, per spec
// §4.4.
func (e *Engine) run(cell store.Cell, state store.CellProvisioningState, fromIndex int) error {
	tpl, tplErr := e.loadTemplate(cell)

	for i := fromIndex; i < len(steps); i++ {
		step := steps[i]
		start := time.Now()
		e.emitTiming(cell.ID, state.RunID, step, "start", 0, nil)

		var stepErr error
		switch step {
		case "create_worktree":
			stepErr = e.stepCreateWorktree(&cell)
		case "ensure_services":
			if tplErr != nil {
				stepErr = tplErr
			} else {
				stepErr = e.stepEnsureServices(cell, tpl, state.RunID)
			}
		case "mark_ready":
			stepErr = e.stepMarkReady(&cell)
		}

		durationMs := time.Since(start).Milliseconds()
		if stepErr != nil {
			e.emitTiming(cell.ID, state.RunID, step, "error", durationMs, stepErr)
			e.failCell(cell.ID, stepErr)
			state.Step = step
			state.Status = "error"
			state.LastError = stepErr.Error()
			_ = e.store.UpsertProvisioningState(state)
			return stepErr
		}

		e.emitTiming(cell.ID, state.RunID, step, "ok", durationMs, nil)
		state.Step = step
		if err := e.store.UpsertProvisioningState(state); err != nil {
			e.log.Warn("provisioning: failed to persist step progress")
		}
	}

	state.Status = "ready"
	_ = e.store.UpsertProvisioningState(state)
	return nil
}

func (e *Engine) loadTemplate(cell store.Cell) (hiveconfig.Template, error) {
	cfg, err := e.configs.Load(cell.WorkspaceRootPath)
	if err != nil {
		return hiveconfig.Template{}, err
	}
	tpl, ok := cfg.Templates[cell.TemplateID]
	if !ok {
		return hiveconfig.Template{}, fmt.Errorf("template %q not found in workspace config", cell.TemplateID)
	}
	return tpl, nil
}

func (e *Engine) stepCreateWorktree(cell *store.Cell) error {
	path, err := e.worktree.Create(cell.WorkspaceRootPath, cell.ID)
	if err != nil {
		return err
	}
	cell.WorkspacePath = path
	return e.store.UpsertCell(*cell)
}

func (e *Engine) stepEnsureServices(cell store.Cell, tpl hiveconfig.Template, runID string) error {
	return e.supervisor.EnsureCellServices(supervisor.EnsureOptions{
		Cell:     cell,
		Template: tpl,
		OnTiming: func(step, status string, durationMs int64, cause error) {
			e.emitTiming(cell.ID, runID, step, status, durationMs, cause)
		},
	})
}

func (e *Engine) stepMarkReady(cell *store.Cell) error {
	status := store.CellReady
	empty := ""
	if err := e.store.UpdateCellFields(cell.ID, store.CellPatch{Status: &status, LastSetupError: &empty}); err != nil {
		return err
	}
	cell.Status = store.CellReady
	cell.LastSetupError = ""
	e.bus.Publish(eventbus.TopicCellStatus, cell.WorkspaceID, eventbus.CellStatusEvent{
		CellID: cell.ID, WorkspaceID: cell.WorkspaceID, Status: string(store.CellReady),
	})
	return nil
}

func (e *Engine) failCell(cellID string, cause error) {
	status := store.CellError
	msg := cause.Error()
	if err := e.store.UpdateCellFields(cellID, store.CellPatch{Status: &status, LastSetupError: &msg}); err != nil {
		e.log.Warn("provisioning: failed to persist cell error status")
		return
	}
	cell, err := e.store.GetCellByID(cellID)
	if err != nil {
		return
	}
	e.bus.Publish(eventbus.TopicCellStatus, cell.WorkspaceID, eventbus.CellStatusEvent{
		CellID: cellID, WorkspaceID: cell.WorkspaceID, Status: string(store.CellError), Error: msg,
	})
}

func (e *Engine) emitTiming(cellID, runID, step, status string, durationMs int64, cause error) {
	ev := eventbus.TimingEvent{
		CellID:     cellID,
		Workflow:   "create",
		RunID:      runID,
		Step:       step,
		Status:     status,
		DurationMs: durationMs,
		CreatedAt:  time.Now().UnixMilli(),
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	e.bus.Publish(eventbus.TopicCellTiming, cellID, ev)
}
