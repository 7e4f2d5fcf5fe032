package supervisor

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/hiverun/hive/internal/hiveconfig"
	"github.com/hiverun/hive/internal/hiveerr"
	"github.com/hiverun/hive/internal/termrt"
)

// runTemplateSetup runs every command in tpl.Setup sequentially under the
// cell's setup terminal, per spec §4.3.2.
func (sup *Supervisor) runTemplateSetup(cellID, workspaceRoot string, tpl hiveconfig.Template, onTiming func(step, status string, durationMs int64, cause error)) error {
	topic := termrt.SetupTopic(cellID)
	session := sup.terms.GetOrCreate(topic)

	baseEnv := map[string]string{
		"HIVE_WORKTREE_SETUP": "true",
		"HIVE_MAIN_REPO":      workspaceRoot,
		"FORCE_COLOR":         "1",
	}
	for k, v := range tpl.Env {
		baseEnv[k] = v
	}

	for _, command := range tpl.Setup {
		start := time.Now()
		err := sup.runSetupCommand(session, workspaceRoot, command, baseEnv)
		durationMs := time.Since(start).Milliseconds()

		if err != nil {
			tsErr := asTemplateSetupError(command, tpl.ID, workspaceRoot, err)
			if onTiming != nil {
				onTiming("template_setup", "error", durationMs, tsErr)
			}
			session.AppendStatusLine(fmt.Sprintf("[setup] command failed: %s", command))
			session.MarkExit(exitCodeOf(tsErr))
			return tsErr
		}
		if onTiming != nil {
			onTiming("template_setup", "ok", durationMs, nil)
		}
		session.AppendStatusLine(fmt.Sprintf("[setup] %s", command))
	}

	session.AppendStatusLine("[setup] Template setup finished")
	if onTiming != nil {
		onTiming("template_setup_total", "ok", 0, nil)
	}
	session.MarkExit(0)
	return nil
}

// runSetupCommand runs a single command under session's PTY, racing its
// exit against sup.cfg.TemplateSetupTimeout, per spec §4.3.2 steps 1-4.
func (sup *Supervisor) runSetupCommand(session *termrt.Session, dir, command string, env map[string]string) error {
	cmd, err := session.Spawn(termrt.SpawnConfig{
		Shell:           sup.cfg.DefaultShell,
		Command:         command,
		Dir:             dir,
		Env:             envToSlice(env),
		NewProcessGroup: true,
	})
	if err != nil {
		return hiveerr.CommandExecution(command, dir, -1)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timeout := sup.cfg.TemplateSetupTimeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}

	select {
	case err := <-done:
		if err == nil {
			return nil
		}
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return hiveerr.CommandExecution(command, dir, -1)
		}
		return hiveerr.CommandExecution(command, dir, exitErr.ExitCode())

	case <-time.After(timeout):
		_ = session.Signal(syscall.SIGTERM)
		select {
		case <-done:
		case <-time.After(sup.cfg.TemplateSetupKillGrace):
			_ = session.Signal(syscall.SIGKILL)
			<-done
		}
		return hiveerr.CommandExecution(command, dir, 124)
	}
}

// runServiceSetupCommands runs a service's own `setup` commands
// sequentially on the service's own PTY session, per spec §4.3.3 step 7.
func (sup *Supervisor) runServiceSetupCommands(session *termrt.Session, dir string, commands []string, env map[string]string) error {
	for _, command := range commands {
		if err := sup.runSetupCommand(session, dir, command, env); err != nil {
			return err
		}
		session.AppendStatusLine(fmt.Sprintf("[setup] %s", command))
	}
	return nil
}

// asTemplateSetupError wraps cause into a TemplateSetupError, carrying
// forward its exit code when cause already classifies one (e.g. from
// runSetupCommand's CommandExecution error), per spec §4.3.2's "any
// thrown error not already TemplateSetupError is wrapped into one."
func asTemplateSetupError(command, templateID, workspacePath string, cause error) error {
	if tsErr, ok := hiveerr.AsTemplateSetup(cause); ok {
		return tsErr
	}
	exitCode := -1
	var classified *hiveerr.Error
	if errors.As(cause, &classified) {
		exitCode = classified.ExitCode
	}
	return hiveerr.TemplateSetup(command, templateID, workspacePath, exitCode, cause)
}

func exitCodeOf(err error) int {
	var classified *hiveerr.Error
	if errors.As(err, &classified) {
		return classified.ExitCode
	}
	return 1
}
