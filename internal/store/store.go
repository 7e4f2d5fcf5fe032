// Package store provides SQLite-backed persistence for cells, cell
// services, and cell provisioning state.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hiverun/hive/internal/hiveerr"
	"github.com/hiverun/hive/internal/logging"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// CellStatus enumerates the lifecycle states of a Cell.
type CellStatus string

const (
	CellSpawning CellStatus = "spawning"
	CellReady    CellStatus = "ready"
	CellError    CellStatus = "error"
	CellStopped  CellStatus = "stopped"
)

// ServiceStatus enumerates the lifecycle states of a CellService.
type ServiceStatus string

const (
	ServicePending     ServiceStatus = "pending"
	ServiceStarting    ServiceStatus = "starting"
	ServiceRunning     ServiceStatus = "running"
	ServiceStopped     ServiceStatus = "stopped"
	ServiceNeedsResume ServiceStatus = "needs_resume"
	ServiceError       ServiceStatus = "error"
)

// AutoRestartStatuses is the set of service statuses bootstrap() will
// attempt to restart.
var AutoRestartStatuses = map[ServiceStatus]bool{
	ServiceRunning:     true,
	ServiceStarting:    true,
	ServiceNeedsResume: true,
}

// Cell is the persisted row for a single cell.
type Cell struct {
	ID                         string
	Name                       string
	TemplateID                 string
	WorkspacePath              string
	WorkspaceRootPath          string
	WorkspaceID                string
	Description                string
	CreatedAt                  time.Time
	Status                     CellStatus
	OpencodeSessionID          string
	ResumeAgentSessionOnStart  bool
	LastSetupError             string
}

// CellService is the persisted row for a single service owned by a cell.
type CellService struct {
	ID             string
	CellID         string
	Name           string
	Type           string
	Command        string
	Cwd            string
	Env            map[string]string
	Definition     string // JSON-normalized snapshot, used only for drift detection
	Port           int    // 0 means unset
	PID            int    // 0 means unset
	Status         ServiceStatus
	ReadyTimeoutMs int
	LastKnownError string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CellProvisioningState is the persisted provisioning-workflow row for a cell.
type CellProvisioningState struct {
	CellID             string
	RunID              string
	Step               string
	Status             string
	Attempt            int
	LastError          string
	StartedAt          time.Time
	UpdatedAt          time.Time
	ModelIDOverride    string
	ProviderIDOverride string
	StartMode          string
}

// Store provides persistent state backed by SQLite, following the
// transactional-rows-with-last-write-timestamp model of spec §3/§4.1.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	log    *logging.Logger
	nowFn  func() time.Time
}

// Open creates or opens a SQLite database at dbPath and runs migrations.
func Open(dbPath string, log *logging.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if log == nil {
		log = logging.Default()
	}

	s := &Store{db: db, log: log, nowFn: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) now() time.Time { return s.nowFn() }

// migrate applies schema migrations in order, refusing to start on failure
// per spec §6 ("refusal to migrate aborts startup").
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
	}

	for i := version; i < len(migrations); i++ {
		s.log.Info("applying store migration", zap.Int("version", i+1))
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}
	return nil
}

// migrateV1 creates the cells, cell_services, and cell_provisioning_states tables.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS cells (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			template_id TEXT NOT NULL,
			workspace_path TEXT NOT NULL,
			workspace_root_path TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			status TEXT NOT NULL,
			opencode_session_id TEXT NOT NULL DEFAULT '',
			resume_agent_session_on_startup INTEGER NOT NULL DEFAULT 0,
			last_setup_error TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_cells_workspace ON cells(workspace_id);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_cells_opencode_session ON cells(opencode_session_id) WHERE opencode_session_id != '';

		CREATE TABLE IF NOT EXISTS cell_services (
			id TEXT PRIMARY KEY,
			cell_id TEXT NOT NULL REFERENCES cells(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'process',
			command TEXT NOT NULL,
			cwd TEXT NOT NULL,
			env TEXT NOT NULL DEFAULT '{}',
			definition TEXT NOT NULL DEFAULT '{}',
			port INTEGER,
			pid INTEGER,
			status TEXT NOT NULL,
			ready_timeout_ms INTEGER NOT NULL DEFAULT 0,
			last_known_error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(cell_id, name)
		);
		CREATE INDEX IF NOT EXISTS idx_cell_services_cell ON cell_services(cell_id);

		CREATE TABLE IF NOT EXISTS cell_provisioning_states (
			cell_id TEXT PRIMARY KEY REFERENCES cells(id) ON DELETE CASCADE,
			run_id TEXT NOT NULL,
			step TEXT NOT NULL,
			status TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			model_id_override TEXT NOT NULL DEFAULT '',
			provider_id_override TEXT NOT NULL DEFAULT '',
			start_mode TEXT NOT NULL DEFAULT ''
		);
	`)
	return err
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// isUniqueConstraintErr reports whether err is a SQLite UNIQUE constraint
// violation, matching the "unique-constraint violations surface as
// AlreadyExists" policy of spec §4.1.
func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsAny(msg, "UNIQUE constraint failed", "constraint failed: UNIQUE")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}

func nullableInt(v int) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(v), Valid: true}
}

func intOrZero(v sql.NullInt64) int {
	if !v.Valid {
		return 0
	}
	return int(v.Int64)
}

func encodeEnv(env map[string]string) string {
	if env == nil {
		env = map[string]string{}
	}
	b, _ := json.Marshal(env)
	return string(b)
}

func decodeEnv(raw string) map[string]string {
	var env map[string]string
	if raw == "" {
		return map[string]string{}
	}
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return map[string]string{}
	}
	return env
}
