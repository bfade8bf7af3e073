package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/yarnnn/yarnnn/internal/config"
	"github.com/yarnnn/yarnnn/internal/models"
)

// SearchResult is one hit from the external research capability.
type SearchResult struct {
	Title   string
	URL     string
	Snippet string
}

// SearchProvider is the external web-research capability. It stands in
// for platform content when a deliverable is research-bound.
type SearchProvider interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

// ResearchStrategy gathers live search results instead of stored platform
// content. Live by nature: there is nothing cached to read, so no store
// items are consulted or retained.
type ResearchStrategy struct {
	search SearchProvider
	opts   Options
	logger *zap.Logger
}

func (s *ResearchStrategy) Binding() models.Binding {
	return models.BindingResearch
}

func (s *ResearchStrategy) Gather(ctx context.Context, cfg *models.DeliverableConfig) (*AssembledContext, error) {
	if s.search == nil {
		return nil, fmt.Errorf("research strategy requires a search provider")
	}
	query := cfg.ResearchQuery
	if query == "" {
		query = cfg.Title
	}

	limit := s.opts.MaxItems
	if limit > 20 {
		limit = 20
	}
	results, err := s.search.Search(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("research search failed: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n## Research: %s\n\n", cfg.Title, query)
	for _, r := range results {
		fmt.Fprintf(&b, "- %s (%s)\n  %s\n", r.Title, r.URL, r.Snippet)
	}

	return &AssembledContext{
		Prompt: b.String(),
		Snapshots: models.SourceSnapshots{{
			Platform:     "research",
			ResourceID:   query,
			ResourceName: "web search",
			SyncedAt:     time.Now(),
			ItemCount:    len(results),
		}},
	}, nil
}

// HTTPSearchProvider calls a configured search endpoint speaking a minimal
// JSON contract: ?q=...&limit=... -> {"results":[{title,url,snippet}]}.
type HTTPSearchProvider struct {
	config *config.ResearchConfig
	client *http.Client
	logger *zap.Logger
}

func NewHTTPSearchProvider(cfg *config.ResearchConfig, logger *zap.Logger) *HTTPSearchProvider {
	return &HTTPSearchProvider{
		config: cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

func (p *HTTPSearchProvider) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("limit", fmt.Sprintf("%d", limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s?%s", p.config.Endpoint, params.Encode()), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if p.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("search API returned status %d: %s", resp.StatusCode, string(body))
	}

	var response struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Snippet string `json:"snippet"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	results := make([]SearchResult, 0, len(response.Results))
	for _, r := range response.Results {
		results = append(results, SearchResult{Title: r.Title, URL: r.URL, Snippet: r.Snippet})
	}
	return results, nil
}
