package supervisor

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hiverun/hive/internal/hiveconfig"
	"github.com/hiverun/hive/internal/hiveerr"
	"github.com/hiverun/hive/internal/store"
	"github.com/hiverun/hive/internal/termrt"
)

// EnsureOptions configures a single ensureCellServices call.
type EnsureOptions struct {
	Cell      store.Cell
	Template  hiveconfig.Template
	OnTiming  func(step, status string, durationMs int64, cause error)
}

// EnsureCellServices runs template setup then reconciles and starts every
// process-type service in the template, per spec §4.3. Concurrent calls
// for the same cell collapse onto a single execution via singleflight.
func (sup *Supervisor) EnsureCellServices(opts EnsureOptions) error {
	_, err, _ := sup.ensureGroup.Do(opts.Cell.ID, func() (any, error) {
		return nil, sup.ensureCellServicesLocked(opts)
	})
	return err
}

func (sup *Supervisor) ensureCellServicesLocked(opts EnsureOptions) error {
	unlock := sup.cellLocks.Lock(opts.Cell.ID)
	defer unlock()

	cell := opts.Cell
	tpl := opts.Template

	start := time.Now()
	if err := sup.runTemplateSetup(cell.ID, cell.WorkspaceRootPath, tpl, opts.OnTiming); err != nil {
		return err
	}
	if opts.OnTiming != nil {
		opts.OnTiming("ensure_services.setup", "ok", time.Since(start).Milliseconds(), nil)
	}

	names := templateProcessServices(tpl)

	// Reconcile rows first, allocating ports in a single pass.
	ports := portMap{}
	services := make([]store.CellService, 0, len(names))
	for _, name := range names {
		svcTpl := tpl.Services[name]
		svc, err := sup.reconcileServiceRow(cell.ID, cell.WorkspaceRootPath, name, svcTpl)
		if err != nil {
			return err
		}
		port, err := sup.ports.EnsureServicePort(svc.ID, svc.Port, svc.PID)
		if err != nil {
			return err
		}
		svc.Port = port
		ports[name] = port
		services = append(services, svc)
	}

	for i, svc := range services {
		name := names[i]
		svcTpl := tpl.Services[name]
		spec := startSpec{
			cellID:        cell.ID,
			workspacePath: cell.WorkspaceRootPath,
			templateEnv:   tpl.Env,
			serviceEnv:    svcTpl.Env,
			setupCommands: svcTpl.Setup,
			ports:         ports,
		}
		if err := sup.StartCellService(svc.ID, spec); err != nil {
			if opts.OnTiming != nil {
				opts.OnTiming(fmt.Sprintf("ensure_services.start.%s", name), "error", 0, err)
			}
			return err
		}
	}

	if opts.OnTiming != nil {
		opts.OnTiming("ensure_services", "ok", time.Since(start).Milliseconds(), nil)
	}
	return nil
}

// reconcileServiceRow upserts the service row for (cellID, name) against
// svcTpl, applying definition-drift detection per spec §4.3.4: the row is
// only updated in place if command, cwd, readyTimeoutMs, or the
// normalized definition differ from what's persisted.
func (sup *Supervisor) reconcileServiceRow(cellID, workspaceRoot, name string, svcTpl hiveconfig.ServiceTemplate) (store.CellService, error) {
	cwd := svcTpl.Cwd
	if cwd == "" {
		cwd = workspaceRoot
	}
	definition := normalizeDefinition(svcTpl)

	existing, err := sup.store.FindServiceByCellAndName(cellID, name)
	if err != nil {
		if !hiveerr.OfKind(err, hiveerr.KindNotFound) {
			return store.CellService{}, err
		}
		svc := store.CellService{
			ID:             fmt.Sprintf("%s:%s", cellID, name),
			CellID:         cellID,
			Name:           name,
			Type:           "process",
			Command:        svcTpl.Run,
			Cwd:            cwd,
			Env:            svcTpl.Env,
			Definition:     definition,
			Status:         store.ServicePending,
			ReadyTimeoutMs: svcTpl.ReadyTimeoutMs,
		}
		if insertErr := sup.store.InsertService(svc); insertErr != nil {
			return store.CellService{}, insertErr
		}
		return svc, nil
	}

	if existing.Command == svcTpl.Run && existing.Cwd == cwd &&
		existing.ReadyTimeoutMs == svcTpl.ReadyTimeoutMs && existing.Definition == definition {
		return existing, nil
	}

	patch := store.ServicePatch{
		Command:        strPtr(svcTpl.Run),
		Cwd:            strPtr(cwd),
		Definition:     strPtr(definition),
		ReadyTimeoutMs: intPtr(svcTpl.ReadyTimeoutMs),
	}
	if err := sup.store.UpdateService(existing.ID, patch); err != nil {
		return store.CellService{}, err
	}
	existing.Command = svcTpl.Run
	existing.Cwd = cwd
	existing.Definition = definition
	existing.ReadyTimeoutMs = svcTpl.ReadyTimeoutMs
	return existing, nil
}

func normalizeDefinition(svcTpl hiveconfig.ServiceTemplate) string {
	b, _ := json.Marshal(svcTpl)
	return string(b)
}

// StartCellServices starts every service for a cell sequentially, after
// allocating ports in a single pass, per spec §4.3's startCellServices.
func (sup *Supervisor) StartCellServices(cellID string) error {
	unlock := sup.cellLocks.Lock(cellID)
	defer unlock()

	services, err := sup.store.ListServicesByCell(cellID)
	if err != nil {
		return err
	}

	ports := portMap{}
	for i, svc := range services {
		port, err := sup.ports.EnsureServicePort(svc.ID, svc.Port, svc.PID)
		if err != nil {
			return err
		}
		services[i].Port = port
		ports[svc.Name] = port
	}

	cell, err := sup.store.GetCellByID(cellID)
	if err != nil {
		return err
	}

	for _, svc := range services {
		spec := startSpec{
			cellID:        cellID,
			workspacePath: cell.WorkspaceRootPath,
			ports:         ports,
		}
		if err := sup.StartCellService(svc.ID, spec); err != nil {
			return err
		}
	}
	return nil
}

// StopCellServices stops every service for a cell, per spec §4.3's
// stopCellServices.
func (sup *Supervisor) StopCellServices(cellID string, releasePorts bool) error {
	unlock := sup.cellLocks.Lock(cellID)
	defer unlock()

	services, err := sup.store.ListServicesByCell(cellID)
	if err != nil {
		return err
	}
	for _, svc := range services {
		if err := sup.StopCellService(svc.ID, nil, releasePorts); err != nil {
			sup.log.Warn("failed to stop service during stopCellServices")
		}
	}
	if releasePorts {
		sup.terms.Remove(termrt.SetupTopic(cellID))
	}
	return nil
}

// StopAll gracefully shuts down every known service across every cell,
// releasing their ports and transitioning non-stopped services to
// needs_resume so the next bootstrap restarts them, per spec §4.3.
func (sup *Supervisor) StopAll() {
	services, err := sup.listAllServices()
	if err != nil {
		sup.log.Error("stopAll: failed to list services")
		return
	}

	for _, svc := range services {
		wasRunning := svc.Status != store.ServiceStopped
		if err := sup.StopCellService(svc.ID, nil, true); err != nil {
			sup.log.Warn("stopAll: failed to stop service")
		}
		if wasRunning {
			_ = sup.store.UpdateService(svc.ID, store.ServicePatch{Status: statusPtr(store.ServiceNeedsResume)})
		}
	}
	sup.terms.CloseAll()
}

func (sup *Supervisor) listAllServices() ([]store.CellService, error) {
	joined, err := sup.store.ListAllServicesWithCells()
	if err != nil {
		return nil, err
	}
	out := make([]store.CellService, 0, len(joined))
	for _, j := range joined {
		out = append(out, j.Service)
	}
	return out, nil
}

// Bootstrap runs once on process start: for every persisted service whose
// status is auto-restartable and whose pid is not alive and whose
// persisted port is free, it clears pid, marks needs_resume, and starts
// it. Services whose persisted port is occupied are left untouched and
// logged, per spec §4.3's bootstrap().
func (sup *Supervisor) Bootstrap() error {
	joined, err := sup.store.ListAllServicesWithCells()
	if err != nil {
		return err
	}

	byCell := map[string][]store.CellServiceWithCell{}
	for _, j := range joined {
		byCell[j.Cell.ID] = append(byCell[j.Cell.ID], j)
	}

	for cellID, rows := range byCell {
		ports := portMap{}
		var toStart []store.CellService

		for _, row := range rows {
			svc := row.Service
			if !store.AutoRestartStatuses[svc.Status] {
				continue
			}
			if isPidAlive(svc.PID) {
				continue
			}
			if svc.Port > 0 && sup.ports.IsPortOccupied(svc.Port) {
				sup.log.Warn("bootstrap: persisted port still occupied, leaving service untouched")
				continue
			}

			_ = sup.store.UpdateService(svc.ID, store.ServicePatch{
				Status:   statusPtr(store.ServiceNeedsResume),
				ClearPID: true,
			})
			svc.Status = store.ServiceNeedsResume
			svc.PID = 0
			ports[svc.Name] = svc.Port
			toStart = append(toStart, svc)
		}

		if len(toStart) == 0 {
			continue
		}
		cell := rows[0].Cell
		for _, svc := range toStart {
			spec := startSpec{cellID: cellID, workspacePath: cell.WorkspaceRootPath, ports: ports}
			if err := sup.StartCellService(svc.ID, spec); err != nil {
				sup.log.Warn("bootstrap: failed to restart service")
			}
		}
	}
	return nil
}
