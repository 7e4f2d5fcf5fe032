package agentrt

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	acpsdk "github.com/coder/acp-go-sdk"
)

// ACPRemoteClient adapts a single ACP connection to a shared coding-agent
// process into the RemoteClient seam. One connection is established per
// Hive process (per spec §4.5's "client, scoped to the shared
// coding-agent server started once per process") and every cell's
// session is one ACP session multiplexed over it, the way the teacher's
// SessionHost multiplexes NewSession/LoadSession/Prompt calls over a
// single ClientSideConnection.
type ACPRemoteClient struct {
	conn *acpsdk.ClientSideConnection

	mu           sync.Mutex
	dirBySess    map[string]string
	cancelBySess map[string]context.CancelFunc
}

// NewACPRemoteClient performs the ACP Initialize handshake over agentIn
// (the agent's stdin) / agentOut (the agent's stdout) and returns a ready
// client. handler implements the client-side ACP callbacks (permission
// requests, file access, session/update notifications).
func NewACPRemoteClient(ctx context.Context, handler acpsdk.Client, agentIn io.Writer, agentOut io.Reader) (*ACPRemoteClient, error) {
	conn := acpsdk.NewClientSideConnection(handler, agentIn, agentOut)

	_, err := conn.Initialize(ctx, acpsdk.InitializeRequest{
		ProtocolVersion: acpsdk.ProtocolVersionNumber,
		ClientCapabilities: acpsdk.ClientCapabilities{
			Fs: acpsdk.FileSystemCapability{ReadTextFile: true, WriteTextFile: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("ACP initialize: %w", err)
	}

	return &ACPRemoteClient{
		conn:         conn,
		dirBySess:    make(map[string]string),
		cancelBySess: make(map[string]context.CancelFunc),
	}, nil
}

// Providers is not part of the ACP protocol itself — the provider/model
// catalog is Hive's own concern, layered on top via a separate catalog
// source (see ProviderCatalogSource in composed.go). ACPRemoteClient
// does not implement it directly; callers wrap it in a
// CatalogedRemoteClient instead.

// CreateSession opens a new ACP session rooted at directory.
func (c *ACPRemoteClient) CreateSession(ctx context.Context, directory, title string) (RemoteSession, error) {
	resp, err := c.conn.NewSession(ctx, acpsdk.NewSessionRequest{
		Cwd:        directory,
		McpServers: []acpsdk.McpServer{},
	})
	if err != nil {
		return RemoteSession{}, err
	}

	id := string(resp.SessionId)
	c.mu.Lock()
	c.dirBySess[id] = directory
	c.mu.Unlock()

	return RemoteSession{ID: id, Directory: directory, Title: title}, nil
}

// GetSession attempts to resume a previously created ACP session via
// LoadSession. ACP has no side-effect-free existence check, so this
// replays session history the same way the teacher's gateway does on
// reconnect.
func (c *ACPRemoteClient) GetSession(ctx context.Context, sessionID string) (RemoteSession, error) {
	c.mu.Lock()
	dir := c.dirBySess[sessionID]
	c.mu.Unlock()

	_, err := c.conn.LoadSession(ctx, acpsdk.LoadSessionRequest{
		SessionId:  acpsdk.SessionId(sessionID),
		Cwd:        dir,
		McpServers: []acpsdk.McpServer{},
	})
	if err != nil {
		return RemoteSession{}, fmt.Errorf("%w: %v", ErrSessionNotFound, err)
	}
	return RemoteSession{ID: sessionID, Directory: dir}, nil
}

// DeleteSession drops local bookkeeping for sessionID. ACP has no
// explicit session-deletion call; the agent process retains history
// until it exits.
func (c *ACPRemoteClient) DeleteSession(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	delete(c.dirBySess, sessionID)
	delete(c.cancelBySess, sessionID)
	c.mu.Unlock()
	return nil
}

// LatestMessages is not derivable from the ACP protocol's Prompt/NewSession
// surface — the teacher's gateway only ever sees the live notification
// stream, never a queryable history endpoint. CatalogedRemoteClient
// layers a local message log over ACPRemoteClient, populated by
// observing the same notification feed Subscribe forwards;
// ACPRemoteClient's own history is intentionally not implemented.
func (c *ACPRemoteClient) LatestMessages(ctx context.Context, sessionID string) (*RemoteMessage, *RemoteMessage, error) {
	return nil, nil, nil
}

func blocksFromParts(parts []PromptPart) []acpsdk.ContentBlock {
	blocks := make([]acpsdk.ContentBlock, 0, len(parts))
	for _, p := range parts {
		if p.Type == "text" {
			blocks = append(blocks, acpsdk.TextBlock(p.Text))
		}
	}
	return blocks
}

// Prompt sends content to the agent and blocks until it completes or the
// caller aborts via Abort, mirroring the teacher's blocking Prompt call.
func (c *ACPRemoteClient) Prompt(ctx context.Context, sessionID string, req PromptRequest) error {
	promptCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.cancelBySess[sessionID] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.cancelBySess, sessionID)
		c.mu.Unlock()
		cancel()
	}()

	_, err := c.conn.Prompt(promptCtx, acpsdk.PromptRequest{
		SessionId: acpsdk.SessionId(sessionID),
		Prompt:    blocksFromParts(req.Parts),
	})
	if err != nil {
		if promptCtx.Err() != nil {
			return ErrMessageAborted
		}
		return err
	}
	return nil
}

// Abort cancels the in-flight Prompt call for sessionID, if any — ACP
// has no standalone cancel RPC, so interruption is modeled the same way
// the teacher's CancelPrompt does it: cancelling the call's own context.
func (c *ACPRemoteClient) Abort(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	cancel := c.cancelBySess[sessionID]
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	return nil
}

// Subscribe is not implemented directly on ACPRemoteClient: notifications
// arrive via the NotificationBridge passed as the handler argument to
// NewACPRemoteClient, and CatalogedRemoteClient.Subscribe drains that
// bridge's channel instead.
func (c *ACPRemoteClient) Subscribe(ctx context.Context) (<-chan RemoteEvent, error) {
	return nil, fmt.Errorf("ACPRemoteClient.Subscribe: wrap in a CatalogedRemoteClient, which drains the NotificationBridge")
}

// NotificationBridge implements the full acpsdk.Client interface.
// SessionUpdate translates each acpsdk.SessionNotification into a
// RemoteEvent and forwards it to Events without blocking (the event is
// dropped when the channel buffer is full); RequestPermission auto-approves
// (Hive has no interactive permission-approval surface, unlike the
// teacher's browser-relayed permission channel); file access runs
// directly against the local filesystem (no container boundary to exec
// into); terminal methods are unsupported, mirroring the teacher's own
// "not supported by gateway" stance on agent-requested terminals.
// Construct one and pass it as the handler argument to
// NewACPRemoteClient.
type NotificationBridge struct {
	Events chan RemoteEvent
}

// NewNotificationBridge constructs a NotificationBridge with a buffered
// event channel.
func NewNotificationBridge(buffer int) *NotificationBridge {
	return &NotificationBridge{Events: make(chan RemoteEvent, buffer)}
}

// SessionUpdate implements the relevant slice of acpsdk.Client.
func (b *NotificationBridge) SessionUpdate(ctx context.Context, params acpsdk.SessionNotification) error {
	ev := RemoteEvent{SessionID: string(params.SessionId), Properties: map[string]any{}}

	switch {
	case params.Update.UserMessageChunk != nil:
		ev.Type = "message.updated"
		ev.Properties["role"] = "user"
	case params.Update.AgentMessageChunk != nil:
		ev.Type = "message.updated"
		ev.Properties["role"] = "assistant"
	case params.Update.AgentThoughtChunk != nil:
		ev.Type = "message.updated"
		ev.Properties["role"] = "assistant"
	case params.Update.ToolCall != nil:
		ev.Type = "tool.call"
	case params.Update.ToolCallUpdate != nil:
		ev.Type = "tool.call_update"
	default:
		ev.Type = "session.status"
	}

	select {
	case b.Events <- ev:
	default:
	}
	return nil
}

// RequestPermission auto-approves the first offered option. Hive has no
// interactive approval surface in scope; a future one would intercept
// here instead of picking blindly.
func (b *NotificationBridge) RequestPermission(_ context.Context, params acpsdk.RequestPermissionRequest) (acpsdk.RequestPermissionResponse, error) {
	if len(params.Options) == 0 {
		return acpsdk.RequestPermissionResponse{Outcome: acpsdk.NewRequestPermissionOutcomeCancelled()}, nil
	}
	return acpsdk.RequestPermissionResponse{
		Outcome: acpsdk.NewRequestPermissionOutcomeSelected(params.Options[0].OptionId),
	}, nil
}

// ReadTextFile reads directly off the local filesystem — there is no
// container boundary to exec into.
func (b *NotificationBridge) ReadTextFile(_ context.Context, params acpsdk.ReadTextFileRequest) (acpsdk.ReadTextFileResponse, error) {
	if params.Path == "" {
		return acpsdk.ReadTextFileResponse{}, fmt.Errorf("file path is required")
	}
	content, err := os.ReadFile(params.Path)
	if err != nil {
		return acpsdk.ReadTextFileResponse{}, fmt.Errorf("read %q: %w", params.Path, err)
	}
	return acpsdk.ReadTextFileResponse{Content: string(content)}, nil
}

// WriteTextFile writes directly to the local filesystem.
func (b *NotificationBridge) WriteTextFile(_ context.Context, params acpsdk.WriteTextFileRequest) (acpsdk.WriteTextFileResponse, error) {
	if params.Path == "" {
		return acpsdk.WriteTextFileResponse{}, fmt.Errorf("file path is required")
	}
	if err := os.WriteFile(params.Path, []byte(params.Content), 0644); err != nil {
		return acpsdk.WriteTextFileResponse{}, fmt.Errorf("write %q: %w", params.Path, err)
	}
	return acpsdk.WriteTextFileResponse{}, nil
}

// Agent-requested terminals are not supported, matching the teacher's
// own gatewayClient stance — Hive's own termrt package owns terminal
// sessions, not the remote agent.
func (b *NotificationBridge) CreateTerminal(_ context.Context, _ acpsdk.CreateTerminalRequest) (acpsdk.CreateTerminalResponse, error) {
	return acpsdk.CreateTerminalResponse{}, fmt.Errorf("CreateTerminal not supported")
}

func (b *NotificationBridge) KillTerminalCommand(_ context.Context, _ acpsdk.KillTerminalCommandRequest) (acpsdk.KillTerminalCommandResponse, error) {
	return acpsdk.KillTerminalCommandResponse{}, fmt.Errorf("KillTerminalCommand not supported")
}

func (b *NotificationBridge) TerminalOutput(_ context.Context, _ acpsdk.TerminalOutputRequest) (acpsdk.TerminalOutputResponse, error) {
	return acpsdk.TerminalOutputResponse{}, fmt.Errorf("TerminalOutput not supported")
}

func (b *NotificationBridge) ReleaseTerminal(_ context.Context, _ acpsdk.ReleaseTerminalRequest) (acpsdk.ReleaseTerminalResponse, error) {
	return acpsdk.ReleaseTerminalResponse{}, fmt.Errorf("ReleaseTerminal not supported")
}

func (b *NotificationBridge) WaitForTerminalExit(_ context.Context, _ acpsdk.WaitForTerminalExitRequest) (acpsdk.WaitForTerminalExitResponse, error) {
	return acpsdk.WaitForTerminalExitResponse{}, fmt.Errorf("WaitForTerminalExit not supported")
}
