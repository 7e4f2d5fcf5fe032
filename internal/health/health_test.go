package health

import (
	"path/filepath"
	"testing"

	"github.com/hiverun/hive/internal/store"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "hive.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestSnapshotCountsCellsAndServicesByStatus(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.UpsertCell(store.Cell{
		ID: "cell-1", Name: "a", TemplateID: "empty",
		WorkspacePath: "/tmp/a", WorkspaceRootPath: "/tmp", WorkspaceID: "ws-1", Status: store.CellReady,
	}))
	require.NoError(t, st.UpsertCell(store.Cell{
		ID: "cell-2", Name: "b", TemplateID: "empty",
		WorkspacePath: "/tmp/b", WorkspaceRootPath: "/tmp", WorkspaceID: "ws-1", Status: store.CellError,
	}))
	require.NoError(t, st.InsertService(store.CellService{
		ID: "svc-1", CellID: "cell-1", Name: "web", Command: "run", Status: store.ServiceRunning,
	}))

	checker := New(st, nil)
	snap, err := checker.Snapshot()
	require.NoError(t, err)

	require.Equal(t, 2, snap.CellCount)
	require.Equal(t, 1, snap.Cells[store.CellReady])
	require.Equal(t, 1, snap.Cells[store.CellError])
	require.Equal(t, 1, snap.ServiceCount)
	require.Equal(t, 1, snap.Services[store.ServiceRunning])
	require.Empty(t, snap.Sessions, "no runtime wired means no session counts")
}
