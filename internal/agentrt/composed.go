package agentrt

import (
	"context"
	"sync"
)

// ProviderCatalogSource resolves the model catalog from whatever side
// channel the shared coding-agent server exposes it through.
type ProviderCatalogSource interface {
	FetchCatalog(ctx context.Context) (ProviderCatalog, error)
}

// CatalogedRemoteClient completes an ACPRemoteClient into a full
// RemoteClient by layering the two concerns ACP's wire protocol has no
// room for: a queryable provider catalog, and per-session message
// history for last-used model/mode recovery. History is populated
// passively by observing the same notification stream Subscribe
// forwards, the way the teacher's gateway derives everything it knows
// about a session from the events it happens to see go by.
type CatalogedRemoteClient struct {
	*ACPRemoteClient
	catalog ProviderCatalogSource
	bridge  *NotificationBridge

	mu      sync.Mutex
	history map[string][2]*RemoteMessage // sessionID -> [user, assistant]
}

// NewCatalogedRemoteClient wraps an already-initialized ACPRemoteClient.
// bridge must be the same NotificationBridge passed to
// NewACPRemoteClient, so history tracking and event forwarding observe
// identical notifications.
func NewCatalogedRemoteClient(acp *ACPRemoteClient, catalog ProviderCatalogSource, bridge *NotificationBridge) *CatalogedRemoteClient {
	c := &CatalogedRemoteClient{
		ACPRemoteClient: acp,
		catalog:         catalog,
		bridge:          bridge,
		history:         make(map[string][2]*RemoteMessage),
	}
	return c
}

// Providers delegates to the catalog source.
func (c *CatalogedRemoteClient) Providers(ctx context.Context) (ProviderCatalog, error) {
	return c.catalog.FetchCatalog(ctx)
}

// LatestMessages returns the most recently observed user/assistant
// message pair for sessionID, built up from the notification stream
// rather than queried from the agent.
func (c *CatalogedRemoteClient) LatestMessages(ctx context.Context, sessionID string) (*RemoteMessage, *RemoteMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pair, ok := c.history[sessionID]
	if !ok {
		return nil, nil, nil
	}
	return pair[0], pair[1], nil
}

// Subscribe drains the shared NotificationBridge, updating this
// client's local history as it relays each event onward.
func (c *CatalogedRemoteClient) Subscribe(ctx context.Context) (<-chan RemoteEvent, error) {
	out := make(chan RemoteEvent, cap(c.bridge.Events))
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-c.bridge.Events:
				if !ok {
					return
				}
				c.observe(ev)
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (c *CatalogedRemoteClient) observe(ev RemoteEvent) {
	if ev.Type != "message.updated" {
		return
	}
	role, _ := ev.Properties["role"].(string)
	if role != "user" && role != "assistant" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	pair := c.history[ev.SessionID]
	msg := &RemoteMessage{Role: role}
	if v, ok := ev.Properties["mode"].(string); ok {
		msg.Mode = v
	}
	if v, ok := ev.Properties["providerId"].(string); ok {
		msg.ProviderID = v
	}
	if v, ok := ev.Properties["modelId"].(string); ok {
		msg.ModelID = v
	}
	if role == "user" {
		pair[0] = msg
	} else {
		pair[1] = msg
	}
	c.history[ev.SessionID] = pair
}
