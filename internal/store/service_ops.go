package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/hiverun/hive/internal/hiveerr"
)

const serviceColumns = "id, cell_id, name, type, command, cwd, env, definition, port, pid, status, ready_timeout_ms, last_known_error, created_at, updated_at"

// InsertService inserts a new service row; returns AlreadyExists if
// (cellId, name) is already taken, per spec §3's uniqueness invariant.
func (s *Store) InsertService(svc CellService) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if svc.CreatedAt.IsZero() {
		svc.CreatedAt = now
	}
	svc.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO cell_services (id, cell_id, name, type, command, cwd, env, definition, port, pid, status, ready_timeout_ms, last_known_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		svc.ID, svc.CellID, svc.Name, svc.Type, svc.Command, svc.Cwd, encodeEnv(svc.Env), svc.Definition,
		nullableInt(svc.Port), nullableInt(svc.PID), string(svc.Status), svc.ReadyTimeoutMs, svc.LastKnownError,
		formatTime(svc.CreatedAt), formatTime(svc.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return hiveerr.AlreadyExists(fmt.Sprintf("service %q on cell %q", svc.Name, svc.CellID))
		}
		return hiveerr.Store("insert service", err)
	}
	return nil
}

// ServicePatch describes a partial update to a CellService row.
type ServicePatch struct {
	Command        *string
	Cwd            *string
	Env            map[string]string
	Definition     *string
	Port           *int
	PID            *int
	ClearPID       bool
	Status         *ServiceStatus
	ReadyTimeoutMs *int
	LastKnownError *string
}

// UpdateService patches a service row in place, bumping updated_at.
func (s *Store) UpdateService(serviceID string, patch ServicePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sets []string
	var args []any

	if patch.Command != nil {
		sets = append(sets, "command = ?")
		args = append(args, *patch.Command)
	}
	if patch.Cwd != nil {
		sets = append(sets, "cwd = ?")
		args = append(args, *patch.Cwd)
	}
	if patch.Env != nil {
		sets = append(sets, "env = ?")
		args = append(args, encodeEnv(patch.Env))
	}
	if patch.Definition != nil {
		sets = append(sets, "definition = ?")
		args = append(args, *patch.Definition)
	}
	if patch.Port != nil {
		sets = append(sets, "port = ?")
		args = append(args, nullableInt(*patch.Port))
	}
	if patch.ClearPID {
		sets = append(sets, "pid = ?")
		args = append(args, nil)
	} else if patch.PID != nil {
		sets = append(sets, "pid = ?")
		args = append(args, nullableInt(*patch.PID))
	}
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.ReadyTimeoutMs != nil {
		sets = append(sets, "ready_timeout_ms = ?")
		args = append(args, *patch.ReadyTimeoutMs)
	}
	if patch.LastKnownError != nil {
		sets = append(sets, "last_known_error = ?")
		args = append(args, *patch.LastKnownError)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, formatTime(s.now()))
	args = append(args, serviceID)

	query := "UPDATE cell_services SET " + joinClauses(sets) + " WHERE id = ?"
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return hiveerr.Store("update service", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return hiveerr.NotFound(fmt.Sprintf("service %q", serviceID))
	}
	return nil
}

// DeleteService removes a service row by id.
func (s *Store) DeleteService(serviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM cell_services WHERE id = ?", serviceID)
	if err != nil {
		return hiveerr.Store("delete service", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return hiveerr.NotFound(fmt.Sprintf("service %q", serviceID))
	}
	return nil
}

func scanService(row interface{ Scan(...any) error }) (CellService, error) {
	var svc CellService
	var env, status, createdAt, updatedAt string
	var port, pid sql.NullInt64
	err := row.Scan(&svc.ID, &svc.CellID, &svc.Name, &svc.Type, &svc.Command, &svc.Cwd, &env, &svc.Definition,
		&port, &pid, &status, &svc.ReadyTimeoutMs, &svc.LastKnownError, &createdAt, &updatedAt)
	if err != nil {
		return CellService{}, err
	}
	svc.Env = decodeEnv(env)
	svc.Port = intOrZero(port)
	svc.PID = intOrZero(pid)
	svc.Status = ServiceStatus(status)
	svc.CreatedAt = parseTime(createdAt)
	svc.UpdatedAt = parseTime(updatedAt)
	return svc, nil
}

// FindServiceByCellAndName returns the service row for (cellID, name), or
// NotFound if none exists.
func (s *Store) FindServiceByCellAndName(cellID, name string) (CellService, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+serviceColumns+" FROM cell_services WHERE cell_id = ? AND name = ?", cellID, name)
	svc, err := scanService(row)
	if errors.Is(err, sql.ErrNoRows) {
		return CellService{}, hiveerr.NotFound(fmt.Sprintf("service %q on cell %q", name, cellID))
	}
	if err != nil {
		return CellService{}, hiveerr.Store("find service by cell and name", err)
	}
	return svc, nil
}

// GetServiceByID returns a service row by id.
func (s *Store) GetServiceByID(id string) (CellService, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+serviceColumns+" FROM cell_services WHERE id = ?", id)
	svc, err := scanService(row)
	if errors.Is(err, sql.ErrNoRows) {
		return CellService{}, hiveerr.NotFound(fmt.Sprintf("service %q", id))
	}
	if err != nil {
		return CellService{}, hiveerr.Store("get service by id", err)
	}
	return svc, nil
}

// ListServicesByCell returns every service row owned by a cell.
func (s *Store) ListServicesByCell(cellID string) ([]CellService, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT "+serviceColumns+" FROM cell_services WHERE cell_id = ? ORDER BY name ASC", cellID)
	if err != nil {
		return nil, hiveerr.Store("list services by cell", err)
	}
	defer rows.Close()
	return scanServices(rows)
}

// CellServiceWithCell pairs a service row with its owning cell, for the
// "list all services joined with cells" operation of spec §4.1.
type CellServiceWithCell struct {
	Service CellService
	Cell    Cell
}

// ListAllServicesWithCells joins every service row to its owning cell.
func (s *Store) ListAllServicesWithCells() ([]CellServiceWithCell, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT cs.id, cs.cell_id, cs.name, cs.type, cs.command, cs.cwd, cs.env, cs.definition,
			cs.port, cs.pid, cs.status, cs.ready_timeout_ms, cs.last_known_error, cs.created_at, cs.updated_at,
			c.` + cellColumnsAliased() + `
		FROM cell_services cs
		JOIN cells c ON c.id = cs.cell_id
		ORDER BY cs.cell_id ASC, cs.name ASC`
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, hiveerr.Store("list all services with cells", err)
	}
	defer rows.Close()

	var out []CellServiceWithCell
	for rows.Next() {
		var svc CellService
		var env, svcStatus, svcCreatedAt, svcUpdatedAt string
		var port, pid sql.NullInt64
		var c Cell
		var cellCreatedAt, cellStatus string
		var resumeInt int

		err := rows.Scan(
			&svc.ID, &svc.CellID, &svc.Name, &svc.Type, &svc.Command, &svc.Cwd, &env, &svc.Definition,
			&port, &pid, &svcStatus, &svc.ReadyTimeoutMs, &svc.LastKnownError, &svcCreatedAt, &svcUpdatedAt,
			&c.ID, &c.Name, &c.TemplateID, &c.WorkspacePath, &c.WorkspaceRootPath, &c.WorkspaceID,
			&c.Description, &cellCreatedAt, &cellStatus, &c.OpencodeSessionID, &resumeInt, &c.LastSetupError,
		)
		if err != nil {
			return nil, hiveerr.Store("scan joined service/cell", err)
		}
		svc.Env = decodeEnv(env)
		svc.Port = intOrZero(port)
		svc.PID = intOrZero(pid)
		svc.Status = ServiceStatus(svcStatus)
		svc.CreatedAt = parseTime(svcCreatedAt)
		svc.UpdatedAt = parseTime(svcUpdatedAt)
		c.CreatedAt = parseTime(cellCreatedAt)
		c.Status = CellStatus(cellStatus)
		c.ResumeAgentSessionOnStart = resumeInt != 0

		out = append(out, CellServiceWithCell{Service: svc, Cell: c})
	}
	if err := rows.Err(); err != nil {
		return nil, hiveerr.Store("iterate joined services", err)
	}
	if out == nil {
		out = []CellServiceWithCell{}
	}
	return out, nil
}

func cellColumnsAliased() string {
	return "id, name, template_id, workspace_path, workspace_root_path, workspace_id, description, created_at, status, opencode_session_id, resume_agent_session_on_startup, last_setup_error"
}

func scanServices(rows *sql.Rows) ([]CellService, error) {
	var out []CellService
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, hiveerr.Store("scan service", err)
		}
		out = append(out, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, hiveerr.Store("iterate services", err)
	}
	if out == nil {
		out = []CellService{}
	}
	return out, nil
}

// UpsertProvisioningState inserts or replaces a cell's provisioning state row.
func (s *Store) UpsertProvisioningState(st CellProvisioningState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if st.StartedAt.IsZero() {
		st.StartedAt = now
	}
	st.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO cell_provisioning_states (cell_id, run_id, step, status, attempt, last_error, started_at, updated_at, model_id_override, provider_id_override, start_mode)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cell_id) DO UPDATE SET
			run_id=excluded.run_id, step=excluded.step, status=excluded.status, attempt=excluded.attempt,
			last_error=excluded.last_error, updated_at=excluded.updated_at,
			model_id_override=excluded.model_id_override, provider_id_override=excluded.provider_id_override,
			start_mode=excluded.start_mode`,
		st.CellID, st.RunID, st.Step, st.Status, st.Attempt, st.LastError,
		formatTime(st.StartedAt), formatTime(st.UpdatedAt), st.ModelIDOverride, st.ProviderIDOverride, st.StartMode,
	)
	if err != nil {
		return hiveerr.Store("upsert provisioning state", err)
	}
	return nil
}

// GetProvisioningState returns the provisioning state row for a cell.
func (s *Store) GetProvisioningState(cellID string) (CellProvisioningState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT cell_id, run_id, step, status, attempt, last_error, started_at, updated_at, model_id_override, provider_id_override, start_mode
		FROM cell_provisioning_states WHERE cell_id = ?`, cellID)

	var st CellProvisioningState
	var startedAt, updatedAt string
	err := row.Scan(&st.CellID, &st.RunID, &st.Step, &st.Status, &st.Attempt, &st.LastError,
		&startedAt, &updatedAt, &st.ModelIDOverride, &st.ProviderIDOverride, &st.StartMode)
	if errors.Is(err, sql.ErrNoRows) {
		return CellProvisioningState{}, hiveerr.NotFound(fmt.Sprintf("provisioning state for cell %q", cellID))
	}
	if err != nil {
		return CellProvisioningState{}, hiveerr.Store("get provisioning state", err)
	}
	st.StartedAt = parseTime(startedAt)
	st.UpdatedAt = parseTime(updatedAt)
	return st, nil
}

// ListProvisioningStatesByStatus returns every provisioning state row with
// the given status, used by the engine to find resumable cells on startup.
func (s *Store) ListProvisioningStatesByStatus(status string) ([]CellProvisioningState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT cell_id, run_id, step, status, attempt, last_error, started_at, updated_at, model_id_override, provider_id_override, start_mode
		FROM cell_provisioning_states WHERE status = ?`, status)
	if err != nil {
		return nil, hiveerr.Store("list provisioning states by status", err)
	}
	defer rows.Close()

	var out []CellProvisioningState
	for rows.Next() {
		var st CellProvisioningState
		var startedAt, updatedAt string
		if err := rows.Scan(&st.CellID, &st.RunID, &st.Step, &st.Status, &st.Attempt, &st.LastError,
			&startedAt, &updatedAt, &st.ModelIDOverride, &st.ProviderIDOverride, &st.StartMode); err != nil {
			return nil, hiveerr.Store("scan provisioning state", err)
		}
		st.StartedAt = parseTime(startedAt)
		st.UpdatedAt = parseTime(updatedAt)
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, hiveerr.Store("iterate provisioning states", err)
	}
	return out, nil
}
