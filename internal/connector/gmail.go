package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/yarnnn/yarnnn/internal/config"
	"github.com/yarnnn/yarnnn/internal/models"
)

// GmailConnector reads a mailbox label through the Gmail REST API.
// The cursor is the unix second of the newest message confirmed so far;
// listing uses the q=after: filter to request only newer mail.
type GmailConnector struct {
	config        *config.GmailConfig
	logger        *zap.Logger
	client        *http.Client
	initialWindow time.Duration
}

type gmailListResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	NextPageToken string `json:"nextPageToken"`
}

type gmailMessageResponse struct {
	ID           string `json:"id"`
	Snippet      string `json:"snippet"`
	InternalDate string `json:"internalDate"`
	Payload      struct {
		Headers []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"headers"`
	} `json:"payload"`
}

func NewGmailConnector(cfg *config.GmailConfig, initialWindow time.Duration, logger *zap.Logger) *GmailConnector {
	return &GmailConnector{
		config:        cfg,
		logger:        logger,
		client:        &http.Client{Timeout: 30 * time.Second},
		initialWindow: initialWindow,
	}
}

func (c *GmailConnector) Platform() models.Platform {
	return models.PlatformGmail
}

func (c *GmailConnector) FetchSince(ctx context.Context, resourceID, cursor string) ([]RawItem, string, error) {
	after := time.Now().Add(-c.initialWindow).Unix()
	if cursor != "" {
		if parsed, err := strconv.ParseInt(cursor, 10, 64); err == nil {
			after = parsed
		}
	}

	var items []RawItem
	maxSeen := after
	pageToken := ""

	for {
		params := url.Values{}
		params.Set("maxResults", "100")
		params.Set("q", fmt.Sprintf("after:%d", after))
		if resourceID != "" {
			params.Set("labelIds", resourceID)
		}
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}

		listURL := fmt.Sprintf("%s/users/me/messages?%s", c.config.BaseURL, params.Encode())
		var list gmailListResponse
		if err := c.get(ctx, listURL, &list); err != nil {
			return nil, "", err
		}

		for _, ref := range list.Messages {
			msgURL := fmt.Sprintf("%s/users/me/messages/%s?format=metadata&metadataHeaders=Subject&metadataHeaders=From", c.config.BaseURL, ref.ID)
			var msg gmailMessageResponse
			if err := c.get(ctx, msgURL, &msg); err != nil {
				return nil, "", err
			}

			subject, from := "", ""
			for _, h := range msg.Payload.Headers {
				switch h.Name {
				case "Subject":
					subject = h.Value
				case "From":
					from = h.Value
				}
			}

			ts := time.Now()
			if millis, err := strconv.ParseInt(msg.InternalDate, 10, 64); err == nil {
				ts = time.UnixMilli(millis)
				if sec := ts.Unix(); sec > maxSeen {
					maxSeen = sec
				}
			}

			items = append(items, RawItem{
				ItemID:      msg.ID,
				Content:     fmt.Sprintf("From: %s\nSubject: %s\n\n%s", from, subject, msg.Snippet),
				ContentType: models.ContentTypeEmail,
				Timestamp:   ts,
			})
		}

		if list.NextPageToken == "" {
			break
		}
		pageToken = list.NextPageToken
	}

	return items, strconv.FormatInt(maxSeen, 10), nil
}

func (c *GmailConnector) get(ctx context.Context, reqURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.AccessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return &RateLimitError{
			Platform:   models.PlatformGmail,
			RetryAfter: retryAfterHeader(resp, time.Minute),
		}
	case http.StatusUnauthorized, http.StatusForbidden:
		return &AuthError{Platform: models.PlatformGmail, Reason: resp.Status}
	default:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("gmail API returned status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
