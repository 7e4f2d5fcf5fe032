package agentrt

import (
	"context"
	"fmt"
	"time"

	"github.com/hiverun/hive/internal/hiveconfig"
	"github.com/hiverun/hive/internal/store"
)

// EnsureOptions configures a single ensureAgentSession call.
type EnsureOptions struct {
	CellID             string
	Force              bool
	StartMode          string
	ModelIDOverride    string
	ProviderIDOverride string
}

// EnsureAgentSession implements spec §4.5.1: it binds (or rebinds) a
// cell to a session on the shared coding-agent server, resolving model
// and mode, validating credentials, and starting event ingestion.
func (r *Runtime) EnsureAgentSession(ctx context.Context, opts EnsureOptions) (*Handle, error) {
	if !opts.Force {
		if h, ok := r.lookupByCell(opts.CellID); ok {
			if err := r.refreshInstructions(h); err != nil {
				r.log.Warn("agentrt: failed to refresh instructions file")
			}
			return h, nil
		}
	}

	cell, err := r.store.GetCellByID(opts.CellID)
	if err != nil {
		return nil, err
	}

	cfg, err := r.configs.Load(cell.WorkspaceRootPath)
	if err != nil {
		return nil, err
	}
	tpl := cfg.Templates[cell.TemplateID]

	catalog, err := r.client.Providers(ctx)
	if err != nil {
		return nil, fmt.Errorf("load provider catalog: %w", err)
	}

	provisioningState, _ := r.store.GetProvisioningState(opts.CellID)

	explicit := candidate{providerID: opts.ProviderIDOverride, modelID: opts.ModelIDOverride}
	usePersisted := explicit.empty() && (opts.Force || cell.OpencodeSessionID == "" || sessionUnreachable(ctx, r.client, cell.OpencodeSessionID))
	persisted := candidate{}
	if usePersisted {
		persisted = candidate{providerID: provisioningState.ProviderIDOverride, modelID: provisioningState.ModelIDOverride}
	}

	agentCandidate := candidate{}
	if tpl.Agent != nil {
		agentCandidate = candidate{providerID: tpl.Agent.ProviderID, modelID: tpl.Agent.ModelID}
	}
	workspaceCandidate := workspaceDefaultCandidate(cfg)

	selection, err := SelectModel(catalog, explicit, persisted, agentCandidate, workspaceCandidate)
	if err != nil {
		return nil, err
	}

	startMode := resolveStartMode(opts.StartMode, provisioningState.StartMode, cfg)

	if err := validateCredentials(r.credentials, selection.ProviderID); err != nil {
		return nil, err
	}

	session, isNew, err := r.acquireSession(ctx, cell, opts.Force)
	if err != nil {
		return nil, err
	}

	sessionID := &session.ID
	if err := r.store.UpdateCellFields(cell.ID, store.CellPatch{OpencodeSessionID: sessionID}); err != nil {
		return nil, err
	}
	cell.OpencodeSessionID = session.ID

	h := &Handle{
		Session:        session,
		Cell:           cell,
		ProviderID:     selection.ProviderID,
		ModelID:        selection.ModelID,
		DirectoryQuery: cell.WorkspacePath,
		StartMode:      Mode(startMode),
		CurrentMode:    Mode(startMode),
		ModeUpdatedAt:  time.Now(),
	}

	if isNew && startMode == string(ModePlan) {
		seed := PromptRequest{Parts: []PromptPart{{Type: "text", Text: ""}}, Agent: startMode, NoReply: true}
		seed.ProviderID, seed.ModelID = selection.ProviderID, selection.ModelID
		if err := r.client.Prompt(ctx, session.ID, seed); err != nil {
			r.log.Warn("agentrt: seed prompt failed")
		}
	}

	userMsg, assistantMsg, err := r.client.LatestMessages(ctx, session.ID)
	if err == nil {
		if assistantMsg != nil && assistantMsg.Mode != "" {
			h.CurrentMode = Mode(assistantMsg.Mode)
		}
		if opts.ModelIDOverride == "" && userMsg != nil && userMsg.ModelID != "" {
			h.ModelID = userMsg.ModelID
			if userMsg.ProviderID != "" {
				h.ProviderID = userMsg.ProviderID
			}
		}
	}

	if isNew && opts.ModelIDOverride != "" && opts.ModelIDOverride != h.ModelID {
		pref := PromptRequest{
			Parts:      []PromptPart{{Type: "text", Text: ""}},
			Agent:      string(h.CurrentMode),
			ProviderID: selection.ProviderID,
			ModelID:    selection.ModelID,
			NoReply:    true,
		}
		if err := r.client.Prompt(ctx, session.ID, pref); err != nil {
			r.log.Warn("agentrt: model preference prompt failed")
		}
	}

	if err := r.writeInstructionsForCell(cell); err != nil {
		r.log.Warn("agentrt: failed to write instructions file")
	}

	h.Status = StatusAwaitingInput
	r.register(cell.ID, h)
	r.ensureIngestion()

	return h, nil
}

func (r *Runtime) refreshInstructions(h *Handle) error {
	return r.writeInstructionsForCell(h.Cell)
}

func (r *Runtime) writeInstructionsForCell(cell store.Cell) error {
	services, err := r.store.ListServicesByCell(cell.ID)
	if err != nil {
		return err
	}
	return writeInstructions(cell, services)
}

// acquireSession implements spec §4.5.1 step 6: reuse the cell's
// persisted session if possible, else create a new one.
func (r *Runtime) acquireSession(ctx context.Context, cell store.Cell, force bool) (RemoteSession, bool, error) {
	if !force && cell.OpencodeSessionID != "" {
		session, err := r.client.GetSession(ctx, cell.OpencodeSessionID)
		if err == nil {
			return session, false, nil
		}
	}
	session, err := r.client.CreateSession(ctx, cell.WorkspacePath, cell.Name)
	if err != nil {
		return RemoteSession{}, false, fmt.Errorf("create remote session: %w", err)
	}
	return session, true, nil
}

func sessionUnreachable(ctx context.Context, client RemoteClient, sessionID string) bool {
	_, err := client.GetSession(ctx, sessionID)
	return err != nil
}

func resolveStartMode(explicit, persisted string, cfg *hiveconfig.HiveConfig) string {
	if explicit != "" {
		return explicit
	}
	if persisted != "" {
		return persisted
	}
	if cfg.Opencode != nil && cfg.Opencode.DefaultMode != "" {
		return cfg.Opencode.DefaultMode
	}
	if cfg.Defaults != nil && cfg.Defaults.DefaultAgent != "" {
		return cfg.Defaults.DefaultAgent
	}
	return string(ModePlan)
}

func workspaceDefaultCandidate(cfg *hiveconfig.HiveConfig) candidate {
	if cfg.Opencode != nil && (cfg.Opencode.DefaultProvider != "" || cfg.Opencode.DefaultModel != "") {
		return candidate{providerID: cfg.Opencode.DefaultProvider, modelID: cfg.Opencode.DefaultModel}
	}
	if cfg.Defaults != nil {
		return candidate{providerID: cfg.Defaults.DefaultProvider, modelID: cfg.Defaults.DefaultModel}
	}
	return candidate{}
}
