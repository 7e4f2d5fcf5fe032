package svcrepo

import (
	"path/filepath"
	"testing"

	"github.com/hiverun/hive/internal/store"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) (*Repository, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "hive.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st), st
}

func TestRepositoryListAllWithCells(t *testing.T) {
	repo, st := newTestRepo(t)
	require.NoError(t, st.UpsertCell(store.Cell{ID: "cell-1", Name: "c1", WorkspaceID: "ws-1", Status: store.CellReady}))
	require.NoError(t, repo.Insert(store.CellService{ID: "svc-1", CellID: "cell-1", Name: "web", Command: "x", Cwd: "/work", Status: store.ServiceRunning}))

	rows, err := repo.ListAllWithCells()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "cell-1", rows[0].Cell.ID)
}

func TestRepositoryFindByCellAndName(t *testing.T) {
	repo, st := newTestRepo(t)
	require.NoError(t, st.UpsertCell(store.Cell{ID: "cell-1", Name: "c1", WorkspaceID: "ws-1", Status: store.CellReady}))
	require.NoError(t, repo.Insert(store.CellService{ID: "svc-1", CellID: "cell-1", Name: "web", Command: "x", Cwd: "/work", Status: store.ServicePending}))

	got, err := repo.FindByCellAndName("cell-1", "web")
	require.NoError(t, err)
	require.Equal(t, "svc-1", got.ID)
}
