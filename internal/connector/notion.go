package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/yarnnn/yarnnn/internal/config"
	"github.com/yarnnn/yarnnn/internal/models"
)

// NotionConnector queries a Notion database for pages edited since the
// cursor, which is the RFC3339 last_edited_time of the newest page seen.
type NotionConnector struct {
	config        *config.NotionConfig
	logger        *zap.Logger
	client        *http.Client
	initialWindow time.Duration
}

type notionQueryResponse struct {
	Results []struct {
		ID             string                 `json:"id"`
		LastEditedTime string                 `json:"last_edited_time"`
		Properties     map[string]interface{} `json:"properties"`
	} `json:"results"`
	NextCursor string `json:"next_cursor"`
	HasMore    bool   `json:"has_more"`
}

func NewNotionConnector(cfg *config.NotionConfig, initialWindow time.Duration, logger *zap.Logger) *NotionConnector {
	return &NotionConnector{
		config:        cfg,
		logger:        logger,
		client:        &http.Client{Timeout: 30 * time.Second},
		initialWindow: initialWindow,
	}
}

func (c *NotionConnector) Platform() models.Platform {
	return models.PlatformNotion
}

func (c *NotionConnector) FetchSince(ctx context.Context, resourceID, cursor string) ([]RawItem, string, error) {
	since := time.Now().Add(-c.initialWindow)
	if cursor != "" {
		if parsed, err := time.Parse(time.RFC3339, cursor); err == nil {
			since = parsed
		}
	}

	var items []RawItem
	maxEdited := since
	pageCursor := ""

	for {
		resp, err := c.queryDatabase(ctx, resourceID, since, pageCursor)
		if err != nil {
			return nil, "", err
		}

		for _, page := range resp.Results {
			edited, err := time.Parse(time.RFC3339, page.LastEditedTime)
			if err != nil {
				c.logger.Warn("Failed to parse last_edited_time",
					zap.String("page_id", page.ID), zap.Error(err))
				edited = time.Now()
			}
			if edited.After(maxEdited) {
				maxEdited = edited
			}

			title := extractNotionTitle(page.Properties)
			body, err := c.getPageText(ctx, page.ID)
			if err != nil {
				c.logger.Warn("Failed to get page content",
					zap.String("page_id", page.ID), zap.Error(err))
			}

			items = append(items, RawItem{
				ItemID:      page.ID,
				Content:     strings.TrimSpace(title + "\n\n" + body),
				ContentType: models.ContentTypePage,
				Timestamp:   edited,
			})
		}

		if !resp.HasMore || resp.NextCursor == "" {
			break
		}
		pageCursor = resp.NextCursor
	}

	return items, maxEdited.Format(time.RFC3339), nil
}

func (c *NotionConnector) queryDatabase(ctx context.Context, databaseID string, since time.Time, pageCursor string) (*notionQueryResponse, error) {
	reqURL := fmt.Sprintf("%s/databases/%s/query", c.config.BaseURL, databaseID)

	body := map[string]interface{}{
		"page_size": 100,
		"filter": map[string]interface{}{
			"timestamp": "last_edited_time",
			"last_edited_time": map[string]interface{}{
				"after": since.Format(time.RFC3339),
			},
		},
	}
	if pageCursor != "" {
		body["start_cursor"] = pageCursor
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp); err != nil {
		return nil, err
	}

	var response notionQueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &response, nil
}

func (c *NotionConnector) getPageText(ctx context.Context, pageID string) (string, error) {
	reqURL := fmt.Sprintf("%s/blocks/%s/children", c.config.BaseURL, pageID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp); err != nil {
		return "", err
	}

	var response struct {
		Results []map[string]interface{} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	var lines []string
	for _, block := range response.Results {
		if text := extractNotionBlockText(block); text != "" {
			lines = append(lines, text)
		}
	}

	return strings.Join(lines, "\n"), nil
}

func (c *NotionConnector) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.config.Token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Notion-Version", c.config.APIVersion)
}

func (c *NotionConnector) checkStatus(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusTooManyRequests:
		return &RateLimitError{
			Platform:   models.PlatformNotion,
			RetryAfter: retryAfterHeader(resp, time.Minute),
		}
	case http.StatusUnauthorized, http.StatusForbidden:
		return &AuthError{Platform: models.PlatformNotion, Reason: resp.Status}
	default:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("notion API returned status %d: %s", resp.StatusCode, string(body))
	}
}

func extractNotionTitle(properties map[string]interface{}) string {
	for _, prop := range properties {
		propMap, ok := prop.(map[string]interface{})
		if !ok || propMap["type"] != "title" {
			continue
		}
		title, ok := propMap["title"].([]interface{})
		if !ok || len(title) == 0 {
			continue
		}
		if titleObj, ok := title[0].(map[string]interface{}); ok {
			if plainText, ok := titleObj["plain_text"].(string); ok {
				return plainText
			}
		}
	}
	return "Untitled"
}

func extractNotionBlockText(block map[string]interface{}) string {
	blockType, ok := block["type"].(string)
	if !ok {
		return ""
	}
	content, ok := block[blockType].(map[string]interface{})
	if !ok {
		return ""
	}
	richText, ok := content["rich_text"].([]interface{})
	if !ok {
		return ""
	}

	var parts []string
	for _, rt := range richText {
		if rtMap, ok := rt.(map[string]interface{}); ok {
			if plainText, ok := rtMap["plain_text"].(string); ok {
				parts = append(parts, plainText)
			}
		}
	}
	return strings.Join(parts, "")
}
