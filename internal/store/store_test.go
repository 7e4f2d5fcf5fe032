package store

import (
	"path/filepath"
	"testing"

	"github.com/hiverun/hive/internal/hiveerr"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "hive.db")
	s, err := Open(dbPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertAndGetCell(t *testing.T) {
	s := newTestStore(t)

	c := Cell{
		ID:                "cell-1",
		Name:              "fix-login-bug",
		TemplateID:        "web",
		WorkspacePath:     "/work/fix-login-bug",
		WorkspaceRootPath: "/work",
		WorkspaceID:       "ws-1",
		Status:            CellSpawning,
	}
	require.NoError(t, s.UpsertCell(c))

	got, err := s.GetCellByID("cell-1")
	require.NoError(t, err)
	require.Equal(t, "fix-login-bug", got.Name)
	require.Equal(t, CellSpawning, got.Status)
}

func TestGetCellByIDNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetCellByID("missing")
	require.True(t, hiveerr.OfKind(err, hiveerr.KindNotFound))
}

func TestUpdateCellFields(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertCell(Cell{ID: "cell-1", Name: "c1", WorkspaceID: "ws-1", Status: CellSpawning}))

	ready := CellReady
	sessionID := "sess-1"
	require.NoError(t, s.UpdateCellFields("cell-1", CellPatch{Status: &ready, OpencodeSessionID: &sessionID}))

	got, err := s.GetCellByID("cell-1")
	require.NoError(t, err)
	require.Equal(t, CellReady, got.Status)
	require.Equal(t, "sess-1", got.OpencodeSessionID)
}

func TestUpdateCellFieldsNotFound(t *testing.T) {
	s := newTestStore(t)
	ready := CellReady
	err := s.UpdateCellFields("missing", CellPatch{Status: &ready})
	require.True(t, hiveerr.OfKind(err, hiveerr.KindNotFound))
}

func TestGetCellByOpencodeSessionID(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertCell(Cell{ID: "cell-1", Name: "c1", WorkspaceID: "ws-1", Status: CellReady, OpencodeSessionID: "sess-1"}))

	got, err := s.GetCellByOpencodeSessionID("sess-1")
	require.NoError(t, err)
	require.Equal(t, "cell-1", got.ID)
}

func TestCellUniqueSessionID(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertCell(Cell{ID: "cell-1", Name: "c1", WorkspaceID: "ws-1", Status: CellReady, OpencodeSessionID: "sess-1"}))
	err := s.UpsertCell(Cell{ID: "cell-2", Name: "c2", WorkspaceID: "ws-1", Status: CellReady, OpencodeSessionID: "sess-1"})
	require.True(t, hiveerr.OfKind(err, hiveerr.KindAlreadyExists))
}

func TestInsertServiceUniquePerCellAndName(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertCell(Cell{ID: "cell-1", Name: "c1", WorkspaceID: "ws-1", Status: CellSpawning}))

	svc := CellService{ID: "svc-1", CellID: "cell-1", Name: "web", Type: "process", Command: "bun run dev", Cwd: "/work", Status: ServicePending}
	require.NoError(t, s.InsertService(svc))

	dup := CellService{ID: "svc-2", CellID: "cell-1", Name: "web", Type: "process", Command: "x", Cwd: "/work", Status: ServicePending}
	err := s.InsertService(dup)
	require.True(t, hiveerr.OfKind(err, hiveerr.KindAlreadyExists))
}

func TestUpdateServicePatchesSubsetOfFields(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertCell(Cell{ID: "cell-1", Name: "c1", WorkspaceID: "ws-1", Status: CellSpawning}))
	require.NoError(t, s.InsertService(CellService{ID: "svc-1", CellID: "cell-1", Name: "web", Command: "bun run dev", Cwd: "/work", Status: ServicePending}))

	running := ServiceRunning
	port := 5555
	pid := 1234
	require.NoError(t, s.UpdateService("svc-1", ServicePatch{Status: &running, Port: &port, PID: &pid}))

	got, err := s.GetServiceByID("svc-1")
	require.NoError(t, err)
	require.Equal(t, ServiceRunning, got.Status)
	require.Equal(t, 5555, got.Port)
	require.Equal(t, 1234, got.PID)
	require.Equal(t, "bun run dev", got.Command) // untouched field preserved
}

func TestUpdateServiceClearPID(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertCell(Cell{ID: "cell-1", Name: "c1", WorkspaceID: "ws-1", Status: CellSpawning}))
	pid := 999
	require.NoError(t, s.InsertService(CellService{ID: "svc-1", CellID: "cell-1", Name: "web", Command: "x", Cwd: "/work", Status: ServiceRunning, PID: pid}))

	stopped := ServiceStopped
	require.NoError(t, s.UpdateService("svc-1", ServicePatch{Status: &stopped, ClearPID: true}))

	got, err := s.GetServiceByID("svc-1")
	require.NoError(t, err)
	require.Equal(t, 0, got.PID)
}

func TestFindServiceByCellAndName(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertCell(Cell{ID: "cell-1", Name: "c1", WorkspaceID: "ws-1", Status: CellSpawning}))
	require.NoError(t, s.InsertService(CellService{ID: "svc-1", CellID: "cell-1", Name: "web", Command: "x", Cwd: "/work", Status: ServicePending}))

	got, err := s.FindServiceByCellAndName("cell-1", "web")
	require.NoError(t, err)
	require.Equal(t, "svc-1", got.ID)

	_, err = s.FindServiceByCellAndName("cell-1", "missing")
	require.True(t, hiveerr.OfKind(err, hiveerr.KindNotFound))
}

func TestListAllServicesWithCells(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertCell(Cell{ID: "cell-1", Name: "c1", WorkspaceID: "ws-1", Status: CellReady}))
	require.NoError(t, s.InsertService(CellService{ID: "svc-1", CellID: "cell-1", Name: "web", Command: "x", Cwd: "/work", Status: ServiceRunning}))

	rows, err := s.ListAllServicesWithCells()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "cell-1", rows[0].Cell.ID)
	require.Equal(t, "web", rows[0].Service.Name)
}

func TestDeleteCellCascadesServices(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertCell(Cell{ID: "cell-1", Name: "c1", WorkspaceID: "ws-1", Status: CellReady}))
	require.NoError(t, s.InsertService(CellService{ID: "svc-1", CellID: "cell-1", Name: "web", Command: "x", Cwd: "/work", Status: ServiceRunning}))

	require.NoError(t, s.DeleteCell("cell-1"))

	_, err := s.GetServiceByID("svc-1")
	require.True(t, hiveerr.OfKind(err, hiveerr.KindNotFound))
}

func TestProvisioningStateUpsertAndGet(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertCell(Cell{ID: "cell-1", Name: "c1", WorkspaceID: "ws-1", Status: CellSpawning}))

	require.NoError(t, s.UpsertProvisioningState(CellProvisioningState{
		CellID: "cell-1", RunID: "run-1", Step: "create_worktree", Status: "in_progress", Attempt: 1,
	}))

	got, err := s.GetProvisioningState("cell-1")
	require.NoError(t, err)
	require.Equal(t, "create_worktree", got.Step)
	require.Equal(t, 1, got.Attempt)

	require.NoError(t, s.UpsertProvisioningState(CellProvisioningState{
		CellID: "cell-1", RunID: "run-1", Step: "ensure_services", Status: "in_progress", Attempt: 2,
	}))
	got, err = s.GetProvisioningState("cell-1")
	require.NoError(t, err)
	require.Equal(t, "ensure_services", got.Step)
	require.Equal(t, 2, got.Attempt)
}

func TestListProvisioningStatesByStatus(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertCell(Cell{ID: "cell-1", Name: "c1", WorkspaceID: "ws-1", Status: CellSpawning}))
	require.NoError(t, s.UpsertCell(Cell{ID: "cell-2", Name: "c2", WorkspaceID: "ws-1", Status: CellReady}))

	require.NoError(t, s.UpsertProvisioningState(CellProvisioningState{CellID: "cell-1", RunID: "r1", Step: "create_worktree", Status: "spawning"}))
	require.NoError(t, s.UpsertProvisioningState(CellProvisioningState{CellID: "cell-2", RunID: "r2", Step: "mark_ready", Status: "ready"}))

	rows, err := s.ListProvisioningStatesByStatus("spawning")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "cell-1", rows[0].CellID)
}
