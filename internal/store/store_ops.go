package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/hiverun/hive/internal/hiveerr"
)

// UpsertCell inserts a new cell or replaces an existing one by id.
func (s *Store) UpsertCell(c Cell) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}

	_, err := s.db.Exec(`
		INSERT INTO cells (id, name, template_id, workspace_path, workspace_root_path, workspace_id, description, created_at, status, opencode_session_id, resume_agent_session_on_startup, last_setup_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, template_id=excluded.template_id, workspace_path=excluded.workspace_path,
			workspace_root_path=excluded.workspace_root_path, workspace_id=excluded.workspace_id,
			description=excluded.description, status=excluded.status,
			opencode_session_id=excluded.opencode_session_id,
			resume_agent_session_on_startup=excluded.resume_agent_session_on_startup,
			last_setup_error=excluded.last_setup_error`,
		c.ID, c.Name, c.TemplateID, c.WorkspacePath, c.WorkspaceRootPath, c.WorkspaceID,
		c.Description, formatTime(c.CreatedAt), string(c.Status), c.OpencodeSessionID,
		boolToInt(c.ResumeAgentSessionOnStart), c.LastSetupError,
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return hiveerr.AlreadyExists(fmt.Sprintf("cell %q", c.Name))
		}
		return hiveerr.Store("upsert cell", err)
	}
	return nil
}

// UpdateCellFields patches a subset of a cell's fields by id.
func (s *Store) UpdateCellFields(cellID string, patch CellPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sets, args := patch.buildSetClause()
	if len(sets) == 0 {
		return nil
	}
	args = append(args, cellID)
	query := "UPDATE cells SET " + joinClauses(sets) + " WHERE id = ?"
	res, err := s.db.Exec(query, args...)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return hiveerr.AlreadyExists("cell")
		}
		return hiveerr.Store("update cell fields", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return hiveerr.NotFound(fmt.Sprintf("cell %q", cellID))
	}
	return nil
}

// CellPatch describes a partial update to a Cell row; zero-value pointer
// fields are left unmodified.
type CellPatch struct {
	Status                    *CellStatus
	OpencodeSessionID          *string
	ResumeAgentSessionOnStart  *bool
	LastSetupError             *string
}

func (p CellPatch) buildSetClause() ([]string, []any) {
	var sets []string
	var args []any
	if p.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*p.Status))
	}
	if p.OpencodeSessionID != nil {
		sets = append(sets, "opencode_session_id = ?")
		args = append(args, *p.OpencodeSessionID)
	}
	if p.ResumeAgentSessionOnStart != nil {
		sets = append(sets, "resume_agent_session_on_startup = ?")
		args = append(args, boolToInt(*p.ResumeAgentSessionOnStart))
	}
	if p.LastSetupError != nil {
		sets = append(sets, "last_setup_error = ?")
		args = append(args, *p.LastSetupError)
	}
	return sets, args
}

func joinClauses(clauses []string) string {
	out := ""
	for i, c := range clauses {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}

const cellColumns = "id, name, template_id, workspace_path, workspace_root_path, workspace_id, description, created_at, status, opencode_session_id, resume_agent_session_on_startup, last_setup_error"

func scanCell(row interface{ Scan(...any) error }) (Cell, error) {
	var c Cell
	var createdAt, status string
	var resumeInt int
	err := row.Scan(&c.ID, &c.Name, &c.TemplateID, &c.WorkspacePath, &c.WorkspaceRootPath, &c.WorkspaceID,
		&c.Description, &createdAt, &status, &c.OpencodeSessionID, &resumeInt, &c.LastSetupError)
	if err != nil {
		return Cell{}, err
	}
	c.CreatedAt = parseTime(createdAt)
	c.Status = CellStatus(status)
	c.ResumeAgentSessionOnStart = resumeInt != 0
	return c, nil
}

// GetCellByID returns a cell by id.
func (s *Store) GetCellByID(id string) (Cell, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+cellColumns+" FROM cells WHERE id = ?", id)
	c, err := scanCell(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Cell{}, hiveerr.NotFound(fmt.Sprintf("cell %q", id))
	}
	if err != nil {
		return Cell{}, hiveerr.Store("get cell by id", err)
	}
	return c, nil
}

// GetCellByOpencodeSessionID returns the cell bound to the given remote
// session id.
func (s *Store) GetCellByOpencodeSessionID(sessionID string) (Cell, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+cellColumns+" FROM cells WHERE opencode_session_id = ?", sessionID)
	c, err := scanCell(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Cell{}, hiveerr.NotFound(fmt.Sprintf("cell for session %q", sessionID))
	}
	if err != nil {
		return Cell{}, hiveerr.Store("get cell by opencode session id", err)
	}
	return c, nil
}

// ListCellsByWorkspaceID returns every cell rooted at the given workspace.
func (s *Store) ListCellsByWorkspaceID(workspaceID string) ([]Cell, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT "+cellColumns+" FROM cells WHERE workspace_id = ? ORDER BY created_at ASC", workspaceID)
	if err != nil {
		return nil, hiveerr.Store("list cells by workspace", err)
	}
	defer rows.Close()
	return scanCells(rows)
}

// ListAllCells returns every cell row.
func (s *Store) ListAllCells() ([]Cell, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT " + cellColumns + " FROM cells ORDER BY created_at ASC")
	if err != nil {
		return nil, hiveerr.Store("list all cells", err)
	}
	defer rows.Close()
	return scanCells(rows)
}

func scanCells(rows *sql.Rows) ([]Cell, error) {
	var cells []Cell
	for rows.Next() {
		c, err := scanCell(rows)
		if err != nil {
			return nil, hiveerr.Store("scan cell", err)
		}
		cells = append(cells, c)
	}
	if err := rows.Err(); err != nil {
		return nil, hiveerr.Store("iterate cells", err)
	}
	if cells == nil {
		cells = []Cell{}
	}
	return cells, nil
}

// DeleteCell removes a cell and cascades its services and provisioning state.
func (s *Store) DeleteCell(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM cells WHERE id = ?", id)
	if err != nil {
		return hiveerr.Store("delete cell", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return hiveerr.NotFound(fmt.Sprintf("cell %q", id))
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
