package agentrt

import (
	"context"
	"sync"
)

// fakeRemoteClient is a minimal in-memory RemoteClient used across this
// package's tests.
type fakeRemoteClient struct {
	mu sync.Mutex

	catalog       ProviderCatalog
	sessions      map[string]RemoteSession
	nextSessionID int

	getSessionErr error
	createErr     error
	promptErr     error
	abortErr      error
	deleteErr     error

	prompts []PromptRequest

	latestUser      *RemoteMessage
	latestAssistant *RemoteMessage

	events chan RemoteEvent
}

func newFakeRemoteClient() *fakeRemoteClient {
	return &fakeRemoteClient{
		sessions: make(map[string]RemoteSession),
		events:   make(chan RemoteEvent, 16),
	}
}

func (f *fakeRemoteClient) Providers(ctx context.Context) (ProviderCatalog, error) {
	return f.catalog, nil
}

func (f *fakeRemoteClient) CreateSession(ctx context.Context, directory, title string) (RemoteSession, error) {
	if f.createErr != nil {
		return RemoteSession{}, f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSessionID++
	s := RemoteSession{ID: idFromSeq(f.nextSessionID), Directory: directory, Title: title}
	f.sessions[s.ID] = s
	return s, nil
}

func (f *fakeRemoteClient) GetSession(ctx context.Context, sessionID string) (RemoteSession, error) {
	if f.getSessionErr != nil {
		return RemoteSession{}, f.getSessionErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return RemoteSession{}, ErrSessionNotFound
	}
	return s, nil
}

func (f *fakeRemoteClient) DeleteSession(ctx context.Context, sessionID string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, sessionID)
	return nil
}

func (f *fakeRemoteClient) LatestMessages(ctx context.Context, sessionID string) (*RemoteMessage, *RemoteMessage, error) {
	return f.latestUser, f.latestAssistant, nil
}

func (f *fakeRemoteClient) Prompt(ctx context.Context, sessionID string, req PromptRequest) error {
	f.mu.Lock()
	f.prompts = append(f.prompts, req)
	f.mu.Unlock()
	return f.promptErr
}

func (f *fakeRemoteClient) Abort(ctx context.Context, sessionID string) error {
	return f.abortErr
}

func (f *fakeRemoteClient) Subscribe(ctx context.Context) (<-chan RemoteEvent, error) {
	return f.events, nil
}

func idFromSeq(n int) string {
	digits := "0123456789"
	if n < 10 {
		return "sess-" + string(digits[n])
	}
	buf := []byte{}
	for n > 0 {
		buf = append([]byte{digits[n%10]}, buf...)
		n /= 10
	}
	return "sess-" + string(buf)
}

// fakeCredentialStore reports credentials present for every provider
// listed in present.
type fakeCredentialStore struct {
	present map[string]bool
	err     error
}

func (f *fakeCredentialStore) HasCredentials(providerID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.present[providerID], nil
}
