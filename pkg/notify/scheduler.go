package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/stationwake/stationwake/pkg/config"
	"github.com/stationwake/stationwake/pkg/logx"
)

// OccurrenceID builds the deterministic notification identifier for one alert
// occurrence. Re-scheduling the same occurrence replaces the pending
// notification instead of stacking a duplicate.
func OccurrenceID(alertID string, occurrence time.Time) string {
	return fmt.Sprintf("%s-%s", alertID, occurrence.Format("2006-01-02"))
}

// scheduleRequest is the wire payload for a schedule command.
type scheduleRequest struct {
	ID     string    `json:"id"`
	Title  string    `json:"title"`
	Body   string    `json:"body"`
	FireAt time.Time `json:"fire_at"`
}

// cancelRequest is the wire payload for a cancel command.
type cancelRequest struct {
	ID string `json:"id"`
}

// Scheduler delivers schedule and cancel commands over MQTT to whatever
// front-end actually raises the notification. Implements
// pkg.NotificationScheduler.
type Scheduler struct {
	client *Client
	config *config.MQTTConfig
	logger *logx.Logger
}

// NewScheduler creates an MQTT-backed notification scheduler.
func NewScheduler(client *Client, cfg *config.MQTTConfig, logger *logx.Logger) *Scheduler {
	return &Scheduler{
		client: client,
		config: cfg,
		logger: logger,
	}
}

// Schedule publishes a schedule command. With the same id the command is
// idempotent: the consumer replaces any pending notification for that id.
func (s *Scheduler) Schedule(ctx context.Context, id, title, body string, fireAt time.Time) error {
	if !s.config.Enabled {
		s.logger.Info("Notification transport disabled, logging only", map[string]interface{}{
			"id":      id,
			"title":   title,
			"fire_at": fireAt.Format(time.RFC3339),
		})
		return nil
	}
	if !s.client.IsConnected() {
		return fmt.Errorf("notification transport not connected")
	}

	topic := fmt.Sprintf("%s/notify/schedule", s.config.TopicPrefix)
	req := &scheduleRequest{ID: id, Title: title, Body: body, FireAt: fireAt}
	if err := s.client.publishJSON(topic, req); err != nil {
		return fmt.Errorf("failed to schedule notification %s: %w", id, err)
	}

	s.logger.Info("Notification scheduled", map[string]interface{}{
		"id":      id,
		"fire_at": fireAt.Format(time.RFC3339),
	})
	return nil
}

// Cancel publishes a cancel command. Cancelling an id that was never
// scheduled is a no-op on the consumer side.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	if !s.config.Enabled {
		return nil
	}
	if !s.client.IsConnected() {
		return fmt.Errorf("notification transport not connected")
	}

	topic := fmt.Sprintf("%s/notify/cancel", s.config.TopicPrefix)
	if err := s.client.publishJSON(topic, &cancelRequest{ID: id}); err != nil {
		return fmt.Errorf("failed to cancel notification %s: %w", id, err)
	}

	s.logger.Debug("Notification cancelled", "id", id)
	return nil
}
