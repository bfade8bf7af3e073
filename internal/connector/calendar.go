package connector

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

// CalendarConnector lists events of one calendar through the Google
// Calendar API. The cursor is the RFC3339 updated time of the newest event
// confirmed by the previous sync; listing filters on updatedMin.
type CalendarConnector struct {
	config        *config.CalendarConfig
	logger        *zap.Logger
	client        *http.Client
	initialWindow time.Duration
}

type calendarListResponse struct {
	Summary string `json:"summary"`
	Items   []struct {
		ID          string `json:"id"`
		Status      string `json:"status"`
		Summary     string `json:"summary"`
		Description string `json:"description"`
		Updated     string `json:"updated"`
		Start       struct {
			DateTime string `json:"dateTime"`
			Date     string `json:"date"`
		} `json:"start"`
		Attendees []struct {
			Email string `json:"email"`
		} `json:"attendees"`
	} `json:"items"`
	NextPageToken string `json:"nextPageToken"`
}

func NewCalendarConnector(cfg *config.CalendarConfig, initialWindow time.Duration, logger *zap.Logger) *CalendarConnector {
	return &CalendarConnector{
		config:        cfg,
		logger:        logger,
		client:        &http.Client{Timeout: 30 * time.Second},
		initialWindow: initialWindow,
	}
}

func (c *CalendarConnector) Platform() models.Platform {
	return models.PlatformCalendar
}

func (c *CalendarConnector) FetchSince(ctx context.Context, resourceID, cursor string) ([]RawItem, string, error) {
	updatedMin := time.Now().Add(-c.initialWindow)
	if cursor != "" {
		if parsed, err := time.Parse(time.RFC3339, cursor); err == nil {
			updatedMin = parsed
		}
	}

	var items []RawItem
	maxUpdated := updatedMin
	pageToken := ""

	for {
		resp, err := c.listEvents(ctx, resourceID, updatedMin, pageToken)
		if err != nil {
			return nil, "", err
		}

		for _, ev := range resp.Items {
			if ev.Status == "cancelled" {
				continue
			}

			updated, err := time.Parse(time.RFC3339, ev.Updated)
			if err != nil {
				updated = time.Now()
			}
			if updated.After(maxUpdated) {
				maxUpdated = updated
			}

			start := ev.Start.DateTime
			if start == "" {
				start = ev.Start.Date
			}
			var attendees []string
			for _, a := range ev.Attendees {
				attendees = append(attendees, a.Email)
			}

			content := fmt.Sprintf("Event: %s\nStart: %s", ev.Summary, start)
			if len(attendees) > 0 {
				content += "\nAttendees: " + strings.Join(attendees, ", ")
			}
			if ev.Description != "" {
				content += "\n\n" + ev.Description
			}

			items = append(items, RawItem{
				ItemID:       ev.ID,
				Content:      content,
				ContentType:  models.ContentTypeEvent,
				ResourceName: resp.Summary,
				Timestamp:    updated,
			})
		}

		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	return items, maxUpdated.Format(time.RFC3339), nil
}

func (c *CalendarConnector) listEvents(ctx context.Context, calendarID string, updatedMin time.Time, pageToken string) (*calendarListResponse, error) {
	params := url.Values{}
	params.Set("updatedMin", updatedMin.Format(time.RFC3339))
	params.Set("singleEvents", "true")
	params.Set("maxResults", "250")
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}

	reqURL := fmt.Sprintf("%s/calendars/%s/events?%s",
		c.config.BaseURL, url.PathEscape(calendarID), params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.AccessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return nil, &RateLimitError{
			Platform:   models.PlatformCalendar,
			RetryAfter: retryAfterHeader(resp, time.Minute),
		}
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, &AuthError{Platform: models.PlatformCalendar, Reason: resp.Status}
	default:
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("calendar API returned status %d: %s", resp.StatusCode, string(body))
	}

	var response calendarListResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &response, nil
}
