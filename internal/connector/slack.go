package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/yarnnn/yarnnn/internal/config"
	"github.com/yarnnn/yarnnn/internal/models"
)

// SlackConnector reads channel history through conversations.history.
// The cursor is the newest message ts confirmed by the previous sync.
type SlackConnector struct {
	config        *config.SlackConfig
	logger        *zap.Logger
	client        *http.Client
	initialWindow time.Duration
}

type slackHistoryResponse struct {
	OK       bool   `json:"ok"`
	Error    string `json:"error"`
	HasMore  bool   `json:"has_more"`
	Messages []struct {
		Type string `json:"type"`
		User string `json:"user"`
		Text string `json:"text"`
		TS   string `json:"ts"`
	} `json:"messages"`
	ResponseMetadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

func NewSlackConnector(cfg *config.SlackConfig, initialWindow time.Duration, logger *zap.Logger) *SlackConnector {
	return &SlackConnector{
		config:        cfg,
		logger:        logger,
		client:        &http.Client{Timeout: 30 * time.Second},
		initialWindow: initialWindow,
	}
}

func (c *SlackConnector) Platform() models.Platform {
	return models.PlatformSlack
}

func (c *SlackConnector) FetchSince(ctx context.Context, resourceID, cursor string) ([]RawItem, string, error) {
	oldest := cursor
	if oldest == "" {
		oldest = fmt.Sprintf("%d.000000", time.Now().Add(-c.initialWindow).Unix())
	}

	var items []RawItem
	maxTS := cursor
	pageCursor := ""

	for {
		resp, err := c.fetchPage(ctx, resourceID, oldest, pageCursor)
		if err != nil {
			return nil, "", err
		}

		for _, msg := range resp.Messages {
			if msg.Type != "message" || msg.Text == "" {
				continue
			}
			ts := parseSlackTS(msg.TS)
			content := msg.Text
			if msg.User != "" {
				content = fmt.Sprintf("<@%s> %s", msg.User, msg.Text)
			}
			items = append(items, RawItem{
				ItemID:      msg.TS,
				Content:     content,
				ContentType: models.ContentTypeMessage,
				Timestamp:   ts,
			})
			if strings.Compare(msg.TS, maxTS) > 0 {
				maxTS = msg.TS
			}
		}

		if !resp.HasMore || resp.ResponseMetadata.NextCursor == "" {
			break
		}
		pageCursor = resp.ResponseMetadata.NextCursor
	}

	return items, maxTS, nil
}

func (c *SlackConnector) fetchPage(ctx context.Context, channel, oldest, pageCursor string) (*slackHistoryResponse, error) {
	params := url.Values{}
	params.Set("channel", channel)
	params.Set("limit", "200")
	if oldest != "" {
		params.Set("oldest", oldest)
	}
	if pageCursor != "" {
		params.Set("cursor", pageCursor)
	}

	reqURL := fmt.Sprintf("%s/conversations.history?%s", c.config.BaseURL, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.Token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitError{
			Platform:   models.PlatformSlack,
			RetryAfter: retryAfterHeader(resp, time.Minute),
		}
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, &AuthError{Platform: models.PlatformSlack, Reason: "unauthorized"}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("slack API returned status %d: %s", resp.StatusCode, string(body))
	}

	var history slackHistoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if !history.OK {
		switch history.Error {
		case "ratelimited":
			return nil, &RateLimitError{Platform: models.PlatformSlack, RetryAfter: time.Minute}
		case "invalid_auth", "token_revoked", "account_inactive":
			return nil, &AuthError{Platform: models.PlatformSlack, Reason: history.Error}
		default:
			return nil, fmt.Errorf("slack API error: %s", history.Error)
		}
	}

	return &history, nil
}

func parseSlackTS(ts string) time.Time {
	parts := strings.SplitN(ts, ".", 2)
	sec, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Now()
	}
	return time.Unix(sec, 0)
}

func retryAfterHeader(resp *http.Response, fallback time.Duration) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}
