package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"dirforge/internal/campaign"
	"dirforge/internal/config"
	"dirforge/internal/dedup"
	"dirforge/internal/phase"
	"dirforge/internal/record"
)

// apiClient is the shared JSON-over-HTTP transport for the collaborator
// drivers. Per-call deadlines come from the phase guard context, so the
// underlying http.Client carries no timeout of its own.
type apiClient struct {
	base   string
	apiKey string
	client *http.Client
}

func newAPIClient(base, apiKey string) *apiClient {
	return &apiClient{
		base:   base,
		apiKey: apiKey,
		client: &http.Client{},
	}
}

// post sends one JSON request and decodes the JSON response. Transport
// failures, 429 and 5xx responses are marked transient so the phase retry
// policy takes another pass; any other non-2xx status is permanent.
func (c *apiClient) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.base+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return phase.Transient(fmt.Errorf("request to %s failed: %w", path, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return phase.Transient(fmt.Errorf("%s returned status %d", path, resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, string(snippet))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// searchDriver issues discovery queries against the search collaborator.
type searchDriver struct {
	api *apiClient
}

func (d *searchDriver) Search(ctx context.Context, query string) (phase.SearchResult, error) {
	var out struct {
		Candidates []record.Candidate `json:"candidates"`
		Cost       float64            `json:"cost"`
	}
	err := d.api.post(ctx, "/v1/search", map[string]string{"query": query}, &out)
	return phase.SearchResult{Candidates: out.Candidates, Cost: out.Cost}, err
}

// enrichDriver requests generated descriptions for a batch of records.
type enrichDriver struct {
	api *apiClient
}

func (d *enrichDriver) Enrich(ctx context.Context, items []phase.EnrichItem) (phase.EnrichResult, error) {
	var out struct {
		Texts      map[string]string `json:"texts"`
		Categories map[string]string `json:"categories"`
		Cost       float64           `json:"cost"`
	}
	err := d.api.post(ctx, "/v1/descriptions", map[string]interface{}{"items": items}, &out)
	return phase.EnrichResult{Texts: out.Texts, Categories: out.Categories, Cost: out.Cost}, err
}

// publishDriver upserts records into the live directory. A non-empty ref
// in the payload tells the collaborator to update the existing listing.
type publishDriver struct {
	api *apiClient
}

type publishPayload struct {
	Ref         string `json:"ref,omitempty"`
	Name        string `json:"name"`
	Phone       string `json:"phone"`
	Address     string `json:"address"`
	Category    string `json:"category"`
	Location    string `json:"location"`
	Description string `json:"description"`
}

func (d *publishDriver) Upsert(ctx context.Context, rec *record.Directory) (phase.PublishReceipt, error) {
	payload := publishPayload{
		Ref:         rec.ExternalPublishRef,
		Name:        rec.DisplayName,
		Phone:       rec.Phone,
		Address:     rec.DisplayAddress,
		Category:    rec.CategoryTag,
		Location:    rec.LocationTag,
		Description: rec.EnrichedText,
	}
	var out struct {
		Ref  string  `json:"ref"`
		Cost float64 `json:"cost"`
	}
	err := d.api.post(ctx, "/v1/listings", payload, &out)
	return phase.PublishReceipt{Ref: out.Ref, Cost: out.Cost}, err
}

// publishedIndexDriver queries the live directory's identity index. Errors
// propagate raw; the dedup matcher decides they make the store unavailable.
type publishedIndexDriver struct {
	api *apiClient
}

func (d *publishedIndexDriver) Lookup(ctx context.Context, c record.Candidate) ([]dedup.PublishedEntry, error) {
	in := map[string]string{
		"name":    c.NormalizedName(),
		"phone":   c.NormalizedPhone(),
		"address": c.NormalizedAddress(),
	}
	var out struct {
		Entries []dedup.PublishedEntry `json:"entries"`
	}
	if err := d.api.post(ctx, "/v1/listings/lookup", in, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// newClients wires the collaborator drivers from the configured endpoints.
// The published identity index is served by the publish collaborator.
func newClients(svc config.ServicesConfig) campaign.Clients {
	return campaign.Clients{
		Search:    &searchDriver{api: newAPIClient(svc.SearchURL, svc.APIKey)},
		Enrich:    &enrichDriver{api: newAPIClient(svc.EnrichURL, svc.APIKey)},
		Publish:   &publishDriver{api: newAPIClient(svc.PublishURL, svc.APIKey)},
		Published: &publishedIndexDriver{api: newAPIClient(svc.PublishURL, svc.APIKey)},
	}
}
