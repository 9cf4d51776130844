package audit

import (
	"fmt"
	"log/slog"
	"time"
)

// DefaultFailedLoginThreshold is the number of failed logins within the
// window that raises an alert
const DefaultFailedLoginThreshold = 5

type Monitor struct {
	logger    *Logger
	window    time.Duration
	threshold int
}

// NewMonitor creates a new security monitor
func NewMonitor(logger *Logger) *Monitor {
	return &Monitor{
		logger:    logger,
		window:    5 * time.Minute,
		threshold: DefaultFailedLoginThreshold,
	}
}

// Alert describes an identifier with a burst of failed logins
type Alert struct {
	Username string
	Failures int
}

// DetectFailedLogins reports identifiers with too many failed logins in the window
func (m *Monitor) DetectFailedLogins() ([]Alert, error) {
	now := m.logger.now().UTC()
	start := now.Add(-m.window)

	filters := QueryFilters{
		StartTime: &start,
		EndTime:   &now,
		Action:    ActionLogin,
		Limit:     1000,
	}

	events, err := m.logger.QueryLogs(filters)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}

	// Count failed attempts per identifier
	failedAttempts := make(map[string]int)
	var order []string

	for _, event := range events {
		if event.Success || event.Username == "" {
			continue
		}
		if failedAttempts[event.Username] == 0 {
			order = append(order, event.Username)
		}
		failedAttempts[event.Username]++
	}

	var alerts []Alert
	for _, username := range order {
		count := failedAttempts[username]
		if count < m.threshold {
			continue
		}

		slog.Warn("security alert: repeated failed logins",
			"username", username, "failures", count, "window", m.window)

		m.logger.Log(&Event{
			Level:    LevelCritical,
			Username: username,
			Action:   ActionFailedLoginSum,
			Resource: "authentication",
			Success:  false,
			ErrorMsg: fmt.Sprintf("%d failed attempts detected", count),
		})
		alerts = append(alerts, Alert{Username: username, Failures: count})
	}

	return alerts, nil
}
