package provisioning

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hiverun/hive/internal/eventbus"
	"github.com/hiverun/hive/internal/hiveconfig"
	"github.com/hiverun/hive/internal/portmgr"
	"github.com/hiverun/hive/internal/store"
	"github.com/hiverun/hive/internal/supervisor"
	"github.com/hiverun/hive/internal/termrt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	createCalls int
	createPath  string
	failCreate  error
}

func (f *fakeAdapter) Create(workspaceRoot, cellID string) (string, error) {
	f.createCalls++
	if f.failCreate != nil {
		return "", f.failCreate
	}
	return f.createPath, nil
}

func (f *fakeAdapter) Remove(workspaceRoot, path string) error { return nil }

func newTestEngine(t *testing.T, workspaceRoot string) (*Engine, *store.Store, *fakeAdapter) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "hive.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sup := supervisor.New(supervisor.Config{DefaultShell: "/bin/bash"}, st,
		portmgr.New(nil), termrt.NewManager(termrt.Config{Capacity: 4096, Retain: 2048}, nil), eventbus.New(), nil)

	adapter := &fakeAdapter{createPath: filepath.Join(workspaceRoot, ".hive", "cells", "cell-1")}
	configs := hiveconfig.NewCache()
	bus := eventbus.New()

	return New(st, adapter, sup, configs, bus, nil), st, adapter
}

func writeEmptyTemplateConfig(t *testing.T, workspaceRoot string) {
	t.Helper()
	content := `{"templates": {"empty": {"id": "empty", "label": "Empty", "type": "node"}}}`
	require.NoError(t, os.WriteFile(filepath.Join(workspaceRoot, "hive.config.json"), []byte(content), 0644))
}

func TestCreateCellRunsFullWorkflowToReady(t *testing.T) {
	workspaceRoot := t.TempDir()
	writeEmptyTemplateConfig(t, workspaceRoot)

	engine, st, adapter := newTestEngine(t, workspaceRoot)

	err := engine.CreateCell(CreateOptions{
		CellID: "cell-1", Name: "My Cell", TemplateID: "empty",
		WorkspaceRootPath: workspaceRoot, WorkspaceID: "ws-1",
	})
	require.NoError(t, err)
	require.Equal(t, 1, adapter.createCalls)

	cell, err := st.GetCellByID("cell-1")
	require.NoError(t, err)
	require.Equal(t, store.CellReady, cell.Status)
	require.Empty(t, cell.LastSetupError)
	require.Equal(t, adapter.createPath, cell.WorkspacePath)

	state, err := st.GetProvisioningState("cell-1")
	require.NoError(t, err)
	require.Equal(t, "ready", state.Status)
	require.Equal(t, "mark_ready", state.Step)
}

func TestCreateCellFailsWhenWorktreeCreateFails(t *testing.T) {
	workspaceRoot := t.TempDir()
	writeEmptyTemplateConfig(t, workspaceRoot)

	engine, st, adapter := newTestEngine(t, workspaceRoot)
	adapter.failCreate = assert.AnError

	err := engine.CreateCell(CreateOptions{
		CellID: "cell-1", Name: "My Cell", TemplateID: "empty",
		WorkspaceRootPath: workspaceRoot, WorkspaceID: "ws-1",
	})
	require.Error(t, err)

	cell, err := st.GetCellByID("cell-1")
	require.NoError(t, err)
	require.Equal(t, store.CellError, cell.Status)
	require.NotEmpty(t, cell.LastSetupError)

	state, err := st.GetProvisioningState("cell-1")
	require.NoError(t, err)
	require.Equal(t, "error", state.Status)
	require.Equal(t, "create_worktree", state.Step)
}

func TestResumePendingReentersFromLastCompletedStep(t *testing.T) {
	workspaceRoot := t.TempDir()
	writeEmptyTemplateConfig(t, workspaceRoot)

	engine, st, adapter := newTestEngine(t, workspaceRoot)

	require.NoError(t, st.UpsertCell(store.Cell{
		ID: "cell-1", Name: "My Cell", TemplateID: "empty",
		WorkspaceRootPath: workspaceRoot, WorkspaceID: "ws-1", Status: store.CellSpawning,
	}))
	require.NoError(t, st.UpsertProvisioningState(store.CellProvisioningState{
		CellID: "cell-1", RunID: "run-1", Step: "create_worktree", Status: "spawning", Attempt: 1,
	}))

	require.NoError(t, engine.ResumePending())

	cell, err := st.GetCellByID("cell-1")
	require.NoError(t, err)
	require.Equal(t, store.CellReady, cell.Status)

	state, err := st.GetProvisioningState("cell-1")
	require.NoError(t, err)
	require.Equal(t, 2, state.Attempt)
	require.Equal(t, "ready", state.Status)

	require.Equal(t, 0, adapter.createCalls, "resume should skip create_worktree, already completed")
}
