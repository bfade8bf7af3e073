package orchestrator

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/yarnnn/yarnnn/internal/models"
)

// NextRun computes the next scheduled slot strictly after the given time,
// in the config's timezone. AnchorDay is a weekday name for weekly and
// biweekly schedules and a day-of-month number for monthly ones.
func NextRun(cfg *models.DeliverableConfig, after time.Time) (time.Time, error) {
	loc := time.UTC
	if cfg.Timezone != "" {
		parsed, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
		}
		loc = parsed
	}

	hour, minute, err := parseAnchorTime(cfg.AnchorTime)
	if err != nil {
		return time.Time{}, err
	}

	local := after.In(loc)
	candidate := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)

	switch cfg.Frequency {
	case models.FrequencyDaily:
		if !candidate.After(local) {
			candidate = candidate.AddDate(0, 0, 1)
		}
		return candidate, nil

	case models.FrequencyWeekly, models.FrequencyBiweekly:
		weekday, err := parseWeekday(cfg.AnchorDay)
		if err != nil {
			return time.Time{}, err
		}
		for candidate.Weekday() != weekday || !candidate.After(local) {
			candidate = candidate.AddDate(0, 0, 1)
		}
		if cfg.Frequency == models.FrequencyBiweekly && cfg.LastRunAt != nil {
			// Anchor the two-week rhythm on the last run.
			if candidate.Sub(cfg.LastRunAt.In(loc)) < 13*24*time.Hour {
				candidate = candidate.AddDate(0, 0, 7)
			}
		}
		return candidate, nil

	case models.FrequencyMonthly:
		day := 1
		if cfg.AnchorDay != "" {
			parsed, err := strconv.Atoi(cfg.AnchorDay)
			if err != nil {
				return time.Time{}, fmt.Errorf("invalid monthly anchor day %q", cfg.AnchorDay)
			}
			day = parsed
		}
		candidate = monthlyCandidate(local.Year(), local.Month(), day, hour, minute, loc)
		if !candidate.After(local) {
			next := local.AddDate(0, 1, -local.Day()+1) // first of next month
			candidate = monthlyCandidate(next.Year(), next.Month(), day, hour, minute, loc)
		}
		return candidate, nil

	default:
		return time.Time{}, fmt.Errorf("unknown frequency %q", cfg.Frequency)
	}
}

func monthlyCandidate(year int, month time.Month, day, hour, minute int, loc *time.Location) time.Time {
	// Clamp day 31 to shorter months instead of rolling over.
	lastDay := time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
	if day > lastDay {
		day = lastDay
	}
	if day < 1 {
		day = 1
	}
	return time.Date(year, month, day, hour, minute, 0, 0, loc)
}

func parseAnchorTime(anchor string) (int, int, error) {
	if anchor == "" {
		return 9, 0, nil
	}
	parsed, err := time.Parse("15:04", anchor)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid anchor time %q: %w", anchor, err)
	}
	return parsed.Hour(), parsed.Minute(), nil
}

func parseWeekday(name string) (time.Weekday, error) {
	if name == "" {
		return time.Monday, nil
	}
	days := map[string]time.Weekday{
		"sunday":    time.Sunday,
		"monday":    time.Monday,
		"tuesday":   time.Tuesday,
		"wednesday": time.Wednesday,
		"thursday":  time.Thursday,
		"friday":    time.Friday,
		"saturday":  time.Saturday,
	}
	if d, ok := days[strings.ToLower(name)]; ok {
		return d, nil
	}
	return 0, fmt.Errorf("invalid anchor day %q", name)
}
