package agentrt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPProviderCatalogSource fetches the provider/model catalog from the
// shared coding-agent server's own HTTP config endpoint. ACP's RPC
// surface carries no notion of a catalog, so this is the side channel
// the spec's "config.providers" source actually resolves through.
type HTTPProviderCatalogSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPProviderCatalogSource builds a catalog source pointed at
// baseURL (e.g. "http://127.0.0.1:4096" for a local opencode server).
func NewHTTPProviderCatalogSource(baseURL string) *HTTPProviderCatalogSource {
	return &HTTPProviderCatalogSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type providerCatalogResponse struct {
	Providers []struct {
		ID     string `json:"id"`
		Models map[string]struct {
			ID string `json:"id"`
		} `json:"models"`
	} `json:"providers"`
	Default map[string]string `json:"default"`
}

// FetchCatalog implements the catalog half of RemoteClient.Providers.
func (s *HTTPProviderCatalogSource) FetchCatalog(ctx context.Context) (ProviderCatalog, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/config/providers", nil)
	if err != nil {
		return ProviderCatalog{}, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return ProviderCatalog{}, fmt.Errorf("fetch provider catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ProviderCatalog{}, fmt.Errorf("fetch provider catalog: unexpected status %d", resp.StatusCode)
	}

	var body providerCatalogResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ProviderCatalog{}, fmt.Errorf("decode provider catalog: %w", err)
	}

	catalog := ProviderCatalog{Defaults: body.Default}
	for _, p := range body.Providers {
		provider := Provider{ID: p.ID, Models: make(map[string]Model, len(p.Models))}
		for key, m := range p.Models {
			id := m.ID
			if id == "" {
				id = key
			}
			provider.Models[key] = Model{ID: id}
		}
		catalog.Providers = append(catalog.Providers, provider)
	}
	return catalog, nil
}
