package agentrt

import (
	"context"
	"errors"
	"fmt"

	"github.com/hiverun/hive/internal/store"
)

// SendAgentMessage implements spec §4.5.5's sendAgentMessage: it prompts
// the bound session with content under the handle's current mode and
// model.
func (r *Runtime) SendAgentMessage(ctx context.Context, sessionID, content string) error {
	h, ok := r.lookupBySession(sessionID)
	if !ok {
		return fmt.Errorf("no agent runtime bound to session %q", sessionID)
	}

	h.setStatus(StatusWorking)

	req := PromptRequest{
		Parts:      []PromptPart{{Type: "text", Text: content}},
		Agent:      string(h.CurrentMode),
		ProviderID: h.ProviderID,
		ModelID:    h.ModelID,
	}

	err := r.client.Prompt(ctx, sessionID, req)
	if err != nil {
		if errors.Is(err, ErrMessageAborted) && h.getPendingInterrupt() {
			h.setStatus(StatusAwaitingInput)
			return nil
		}
		h.setStatus(StatusError)
		return err
	}
	return nil
}

// InterruptAgentSession implements spec §4.5.5's interruptAgentSession.
func (r *Runtime) InterruptAgentSession(ctx context.Context, sessionID string) error {
	h, ok := r.lookupBySession(sessionID)
	if !ok {
		return fmt.Errorf("no agent runtime bound to session %q", sessionID)
	}

	h.setPendingInterrupt(true)
	if err := r.client.Abort(ctx, sessionID); err != nil {
		h.setPendingInterrupt(false)
		return err
	}
	h.setStatus(StatusAwaitingInput)
	return nil
}

// StopOptions configures StopAgentSession / CloseAllAgentSessions.
type StopOptions struct {
	DeleteRemote bool
}

// StopAgentSession implements spec §4.5.5's stopAgentSession: it
// optionally deletes the remote session, marks the handle completed, and
// removes it from both registries, after which dispatch drops events for
// the session. The shared event subscription stays open for the other
// sessions.
func (r *Runtime) StopAgentSession(ctx context.Context, sessionID string, opts StopOptions) error {
	h, ok := r.lookupBySession(sessionID)
	if !ok {
		return nil
	}

	if opts.DeleteRemote {
		if err := r.client.DeleteSession(ctx, sessionID); err != nil && !errors.Is(err, ErrSessionNotFound) {
			r.log.Warn("agentrt: failed to delete remote session")
		}
	}

	h.setStatus(StatusCompleted)
	r.remove(h.Cell.ID, sessionID)
	return nil
}

// CloseAllAgentSessions implements spec §4.5.5's closeAllAgentSessions.
// It also tears down the shared event subscription once every session
// has been stopped, since nothing remains to dispatch events to.
func (r *Runtime) CloseAllAgentSessions(ctx context.Context, opts StopOptions) {
	for _, h := range r.allHandles() {
		if err := r.StopAgentSession(ctx, h.Session.ID, opts); err != nil {
			r.log.Warn("agentrt: failed to stop agent session during shutdown")
		}
	}
	r.stopIngestion()
}

// MarkAgentSessionsForResume implements spec §4.5.5's
// markAgentSessionsForResume: every runtime in working status without a
// pending interrupt is flagged to resume on the next startup.
func (r *Runtime) MarkAgentSessionsForResume() {
	for _, h := range r.allHandles() {
		if h.getStatus() != StatusWorking || h.getPendingInterrupt() {
			continue
		}
		resume := true
		if err := r.store.UpdateCellFields(h.Cell.ID, store.CellPatch{ResumeAgentSessionOnStart: &resume}); err != nil {
			r.log.Warn("agentrt: failed to persist resume-on-start flag")
		}
	}
}

// ResumeAgentSessionsOnStartup implements spec §4.5.5's
// resumeAgentSessionsOnStartup: for every cell flagged to resume, it
// re-opens the runtime (without forcing a new session) and, if the last
// assistant message looks incomplete, nudges it to continue.
func (r *Runtime) ResumeAgentSessionsOnStartup(ctx context.Context) error {
	cells, err := r.store.ListAllCells()
	if err != nil {
		return err
	}

	for _, cell := range cells {
		if !cell.ResumeAgentSessionOnStart {
			continue
		}
		r.resumeOne(ctx, cell)
	}
	return nil
}

// resumeOne resumes a single cell's agent session and clears its
// resume-on-start flag unconditionally once handled, per spec §4.5.5
// ("clear the flag in either case").
func (r *Runtime) resumeOne(ctx context.Context, cell store.Cell) {
	clear := false
	defer func() {
		if err := r.store.UpdateCellFields(cell.ID, store.CellPatch{ResumeAgentSessionOnStart: &clear}); err != nil {
			r.log.Warn("agentrt: failed to clear resume-on-start flag")
		}
	}()

	h, err := r.EnsureAgentSession(ctx, EnsureOptions{CellID: cell.ID})
	if err != nil {
		r.log.Warn("agentrt: failed to resume agent session on startup")
		return
	}

	_, assistant, err := r.client.LatestMessages(ctx, h.Session.ID)
	if err != nil {
		return
	}
	if assistant != nil && assistant.CompletedAt.IsZero() && assistant.Error == "" {
		if err := r.SendAgentMessage(ctx, h.Session.ID, "Please continue"); err != nil {
			r.log.Warn("agentrt: failed to send resume continuation prompt")
		}
	}
}
