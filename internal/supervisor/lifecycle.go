package supervisor

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/hiverun/hive/internal/hiveconfig"
	"github.com/hiverun/hive/internal/hiveerr"
	"github.com/hiverun/hive/internal/store"
	"github.com/hiverun/hive/internal/termrt"
)

// isPidAlive reports whether pid refers to a live process, using the
// signal-0 liveness probe idiom.
func isPidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// startSpec bundles everything startCellService needs beyond the
// service's own persisted row.
type startSpec struct {
	cellID        string
	workspacePath string
	templateEnv   map[string]string
	serviceEnv    map[string]string
	setupCommands []string
	ports         portMap
}

// StartCellService starts one service under its service lock, following
// the full per-service start algorithm of spec §4.3.3. It does not take
// the cell lock itself; EnsureCellServices and StartCellServices hold the
// cell lock while calling it, Bootstrap and direct callers do not.
func (sup *Supervisor) StartCellService(serviceID string, spec startSpec) error {
	unlockService := sup.serviceLocks.Lock(serviceID)
	defer unlockService()

	svc, err := sup.store.GetServiceByID(serviceID)
	if err != nil {
		return err
	}

	// Step 1: skip if already alive or already active.
	if isPidAlive(svc.PID) {
		return nil
	}
	if svc.Port > 0 && sup.ports.IsPortOccupied(svc.Port) {
		switch svc.Status {
		case store.ServiceRunning, store.ServiceStarting, store.ServiceNeedsResume:
			return nil
		}
	}
	if _, active := sup.handleFor(serviceID); active {
		return nil
	}

	// Step 2: ensure port.
	port, err := sup.ports.EnsureServicePort(serviceID, svc.Port, svc.PID)
	if err != nil {
		return err
	}
	svc.Port = port
	_ = sup.store.UpdateService(serviceID, store.ServicePatch{Port: intPtr(port)})

	// Step 3: verify cwd.
	if _, statErr := os.Stat(svc.Cwd); statErr != nil {
		_ = sup.store.UpdateService(serviceID, store.ServicePatch{
			Status:         statusPtr(store.ServiceError),
			LastKnownError: strPtr("Service working directory not found"),
		})
		svc.Status = store.ServiceError
		svc.LastKnownError = "Service working directory not found"
		sup.publishServiceUpdate(svc)
		return hiveerr.CommandExecution(svc.Command, svc.Cwd, -1)
	}

	// Step 4: compute env.
	env := computeEnv(baseServiceEnv(spec.cellID, svc.Name, spec.workspacePath), spec.templateEnv, mergeEnv(svc.Env, spec.serviceEnv), svc.Name, port, spec.ports)

	// Step 5: mark starting.
	if err := sup.store.UpdateService(serviceID, store.ServicePatch{
		Status:         statusPtr(store.ServiceStarting),
		Env:            env,
		Port:           intPtr(port),
		ClearPID:       true,
		LastKnownError: strPtr(""),
	}); err != nil {
		return err
	}
	svc.Status = store.ServiceStarting
	svc.Env = env
	svc.PID = 0
	svc.LastKnownError = ""
	sup.publishServiceUpdate(svc)

	// Step 6: terminal session.
	topic := termrt.ServiceTopic(serviceID)
	session := sup.terms.GetOrCreate(topic)

	// Step 7: service setup commands.
	if len(spec.setupCommands) > 0 {
		if err := sup.runServiceSetupCommands(session, svc.Cwd, spec.setupCommands, env); err != nil {
			_ = sup.store.UpdateService(serviceID, store.ServicePatch{
				Status:         statusPtr(store.ServiceError),
				LastKnownError: strPtr(err.Error()),
			})
			svc.Status = store.ServiceError
			svc.LastKnownError = err.Error()
			sup.publishServiceUpdate(svc)
			return err
		}
	}

	// Step 8: spawn main command.
	cmd, err := session.Spawn(termrt.SpawnConfig{
		Shell:           sup.cfg.DefaultShell,
		Command:         svc.Command,
		Dir:             svc.Cwd,
		Env:             envToSlice(env),
		NewProcessGroup: true,
	})
	if err != nil {
		_ = sup.store.UpdateService(serviceID, store.ServicePatch{
			Status:         statusPtr(store.ServiceError),
			LastKnownError: strPtr(err.Error()),
		})
		svc.Status = store.ServiceError
		svc.LastKnownError = err.Error()
		sup.publishServiceUpdate(svc)
		return err
	}

	pid := cmd.Process.Pid
	_ = sup.store.UpdateService(serviceID, store.ServicePatch{
		Status: statusPtr(store.ServiceRunning),
		PID:    intPtr(pid),
	})
	svc.Status = store.ServiceRunning
	svc.PID = pid
	sup.publishServiceUpdate(svc)

	sup.setHandle(serviceID, &handle{session: session, pid: pid})

	// Step 9: exit watcher.
	session.Subscribe(termrt.Listener{
		OnExit: func(exitCode int) { sup.handleServiceExit(serviceID, exitCode) },
	})

	return nil
}

func mergeEnv(a, b map[string]string) map[string]string {
	out := map[string]string{}
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

func (sup *Supervisor) handleServiceExit(serviceID string, exitCode int) {
	sup.clearHandle(serviceID)

	svc, err := sup.store.GetServiceByID(serviceID)
	if err != nil {
		return
	}

	if exitCode == 0 {
		_ = sup.store.UpdateService(serviceID, store.ServicePatch{
			Status:         statusPtr(store.ServiceStopped),
			ClearPID:       true,
			LastKnownError: strPtr(""),
		})
		svc.Status = store.ServiceStopped
	} else {
		msg := fmt.Sprintf("Exited with code %d", exitCode)
		_ = sup.store.UpdateService(serviceID, store.ServicePatch{
			Status:         statusPtr(store.ServiceError),
			ClearPID:       true,
			LastKnownError: strPtr(msg),
		})
		svc.Status = store.ServiceError
		svc.LastKnownError = msg
	}
	svc.PID = 0
	sup.publishServiceUpdate(svc)
}

// StopCellService stops one service, running its template stop command
// (best-effort), signaling its process group, and releasing its port on
// request, per spec §4.3.3's stop algorithm.
func (sup *Supervisor) StopCellService(serviceID string, tplSvc *hiveconfig.ServiceTemplate, releasePorts bool) error {
	unlockService := sup.serviceLocks.Lock(serviceID)
	defer unlockService()

	svc, err := sup.store.GetServiceByID(serviceID)
	if err != nil {
		return err
	}

	if tplSvc != nil && tplSvc.Stop != "" {
		session := sup.terms.GetOrCreate(termrt.ServiceTopic(serviceID))
		if stopErr := sup.runSetupCommand(session, svc.Cwd, tplSvc.Stop, svc.Env); stopErr != nil {
			sup.log.Warn("service stop command failed, continuing with signal-based stop")
		}
	}

	if h, ok := sup.handleFor(serviceID); ok {
		sup.signalAndWait(h.pid)
	} else if svc.PID > 0 {
		_ = syscall.Kill(-svc.PID, syscall.SIGTERM)
		time.Sleep(250 * time.Millisecond)
		if isPidAlive(svc.PID) {
			_ = syscall.Kill(-svc.PID, syscall.SIGKILL)
		}
	}

	_ = sup.store.UpdateService(serviceID, store.ServicePatch{
		Status:   statusPtr(store.ServiceStopped),
		ClearPID: true,
	})
	svc.Status = store.ServiceStopped
	svc.PID = 0
	sup.publishServiceUpdate(svc)

	if session, ok := sup.terms.Get(termrt.ServiceTopic(serviceID)); ok {
		session.MarkExit(0)
	}
	sup.clearHandle(serviceID)

	if releasePorts {
		sup.ports.ReleasePortFor(serviceID)
		sup.terms.Remove(termrt.ServiceTopic(serviceID))
	}
	return nil
}

// signalAndWait sends SIGTERM to the process group of a service with an
// active handle, waits up to ServiceStopGrace (2s by default) for it to
// exit, then sends SIGKILL if it is still alive, per spec §4.3.3 step 2.
// A service known only by PID is stopped in StopCellService with a 250ms
// gap instead.
func (sup *Supervisor) signalAndWait(pid int) {
	if pid <= 0 {
		return
	}
	_ = syscall.Kill(-pid, syscall.SIGTERM)

	grace := sup.cfg.ServiceStopGrace
	if grace <= 0 {
		grace = 2 * time.Second
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !isPidAlive(pid) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	if isPidAlive(pid) {
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}
}
