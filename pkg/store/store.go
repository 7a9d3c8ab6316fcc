package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/stationwake/stationwake/pkg"
	"github.com/stationwake/stationwake/pkg/logx"
)

var (
	bucketAlerts  = []byte("alerts")
	bucketHistory = []byte("history")
)

// Store is the bbolt-backed alert store. Implements pkg.AlertStore.
//
// Enum fields are persisted as their string names so a stored database stays
// readable and survives enum reordering; conversion happens only here.
type Store struct {
	db     *bolt.DB
	logger *logx.Logger
}

// storedAlert is the on-disk representation of pkg.Alert.
type storedAlert struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	Target           pkg.Coordinate `json:"target"`
	TargetStation    string         `json:"target_station"`
	ScheduledArrival *time.Time     `json:"scheduled_arrival,omitempty"`

	LeadTimeS          int64   `json:"lead_time_s"`
	LeadDistanceM      float64 `json:"lead_distance_m"`
	UseTimeTrigger     bool    `json:"use_time_trigger"`
	UseDistanceTrigger bool    `json:"use_distance_trigger"`

	PreferredMode string `json:"preferred_mode"`

	SnoozeIntervalS int64 `json:"snooze_interval_s"`
	SnoozeStations  int   `json:"snooze_stations"`

	Repeat     string `json:"repeat"`
	RepeatDays []int  `json:"repeat_days,omitempty"`
	BaseHour   int    `json:"base_hour"`
	BaseMinute int    `json:"base_minute"`

	State          string    `json:"state"`
	IsActive       bool      `json:"is_active"`
	SnoozeLeft     int       `json:"snooze_left"`
	LastNotifiedAt time.Time `json:"last_notified_at"`
	NextOccurrence time.Time `json:"next_occurrence"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// New opens (and if needed initializes) the alert database at path.
func New(path string, logger *logx.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open alert store %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketAlerts); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketHistory); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize alert store buckets: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// LoadAlerts returns every persisted alert. Corrupt records are skipped with a
// warning rather than failing the whole load.
func (s *Store) LoadAlerts(ctx context.Context) ([]*pkg.Alert, error) {
	var alerts []*pkg.Alert

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAlerts).ForEach(func(k, v []byte) error {
			var stored storedAlert
			if err := json.Unmarshal(v, &stored); err != nil {
				s.logger.Warn("Skipping corrupt alert record", "alert", string(k), "error", err)
				return nil
			}
			alerts = append(alerts, fromStored(&stored))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load alerts: %w", err)
	}
	return alerts, nil
}

// SaveAlert writes the alert record, replacing any previous version.
func (s *Store) SaveAlert(ctx context.Context, alert *pkg.Alert) error {
	data, err := json.Marshal(toStored(alert))
	if err != nil {
		return fmt.Errorf("failed to marshal alert %s: %w", alert.ID, err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAlerts).Put([]byte(alert.ID), data)
	})
	if err != nil {
		return fmt.Errorf("failed to save alert %s: %w", alert.ID, err)
	}
	return nil
}

// DeleteAlert removes the alert record and its history.
func (s *Store) DeleteAlert(ctx context.Context, alertID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketAlerts).Delete([]byte(alertID)); err != nil {
			return err
		}
		history := tx.Bucket(bucketHistory)
		if history.Bucket([]byte(alertID)) != nil {
			return history.DeleteBucket([]byte(alertID))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete alert %s: %w", alertID, err)
	}
	return nil
}

// AppendHistory records one notification firing, keyed by fire time so history
// iterates in chronological order.
func (s *Store) AppendHistory(ctx context.Context, entry *pkg.HistoryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal history entry: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		perAlert, err := tx.Bucket(bucketHistory).CreateBucketIfNotExists([]byte(entry.AlertID))
		if err != nil {
			return err
		}
		key := []byte(fmt.Sprintf("%020d", entry.FiredAt.UnixNano()))
		return perAlert.Put(key, data)
	})
	if err != nil {
		return fmt.Errorf("failed to append history for %s: %w", entry.AlertID, err)
	}
	return nil
}

// History returns the most recent entries for an alert, newest first, capped
// at limit (0 means no cap).
func (s *Store) History(ctx context.Context, alertID string, limit int) ([]*pkg.HistoryEntry, error) {
	var entries []*pkg.HistoryEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		perAlert := tx.Bucket(bucketHistory).Bucket([]byte(alertID))
		if perAlert == nil {
			return nil
		}
		cursor := perAlert.Cursor()
		for k, v := cursor.Last(); k != nil; k, v = cursor.Prev() {
			var entry pkg.HistoryEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				s.logger.Warn("Skipping corrupt history entry", "alert", alertID, "error", err)
				continue
			}
			entries = append(entries, &entry)
			if limit > 0 && len(entries) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read history for %s: %w", alertID, err)
	}
	return entries, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func toStored(a *pkg.Alert) *storedAlert {
	days := make([]int, 0, len(a.RepeatDays))
	for _, d := range a.RepeatDays {
		days = append(days, int(d))
	}

	return &storedAlert{
		ID:                 a.ID,
		Name:               a.Name,
		Target:             a.Target,
		TargetStation:      a.TargetStation,
		ScheduledArrival:   a.ScheduledArrival,
		LeadTimeS:          int64(a.LeadTime / time.Second),
		LeadDistanceM:      a.LeadDistanceM,
		UseTimeTrigger:     a.UseTimeTrigger,
		UseDistanceTrigger: a.UseDistanceTrigger,
		PreferredMode:      a.PreferredMode.String(),
		SnoozeIntervalS:    int64(a.SnoozeInterval / time.Second),
		SnoozeStations:     a.SnoozeStations,
		Repeat:             a.Repeat.String(),
		RepeatDays:         days,
		BaseHour:           a.BaseHour,
		BaseMinute:         a.BaseMinute,
		State:              a.State.String(),
		IsActive:           a.IsActive,
		SnoozeLeft:         a.SnoozeLeft,
		LastNotifiedAt:     a.LastNotifiedAt,
		NextOccurrence:     a.NextOccurrence,
		UpdatedAt:          a.UpdatedAt,
	}
}

func fromStored(s *storedAlert) *pkg.Alert {
	days := make([]time.Weekday, 0, len(s.RepeatDays))
	for _, d := range s.RepeatDays {
		days = append(days, time.Weekday(d))
	}

	return &pkg.Alert{
		ID:                 s.ID,
		Name:               s.Name,
		Target:             s.Target,
		TargetStation:      s.TargetStation,
		ScheduledArrival:   s.ScheduledArrival,
		LeadTime:           time.Duration(s.LeadTimeS) * time.Second,
		LeadDistanceM:      s.LeadDistanceM,
		UseTimeTrigger:     s.UseTimeTrigger,
		UseDistanceTrigger: s.UseDistanceTrigger,
		PreferredMode:      parseMode(s.PreferredMode),
		SnoozeInterval:     time.Duration(s.SnoozeIntervalS) * time.Second,
		SnoozeStations:     s.SnoozeStations,
		Repeat:             parseRepeat(s.Repeat),
		RepeatDays:         days,
		BaseHour:           s.BaseHour,
		BaseMinute:         s.BaseMinute,
		State:              parseState(s.State),
		IsActive:           s.IsActive,
		SnoozeLeft:         s.SnoozeLeft,
		LastNotifiedAt:     s.LastNotifiedAt,
		NextOccurrence:     s.NextOccurrence,
		UpdatedAt:          s.UpdatedAt,
	}
}

func parseMode(s string) pkg.NotificationMode {
	switch s {
	case "timetable_only":
		return pkg.ModeTimetableOnly
	case "location_only":
		return pkg.ModeLocationOnly
	case "fallback":
		return pkg.ModeFallback
	default:
		return pkg.ModeHybrid
	}
}

func parseRepeat(s string) pkg.RepeatPattern {
	switch s {
	case "daily":
		return pkg.RepeatDaily
	case "weekdays":
		return pkg.RepeatWeekdays
	case "weekends":
		return pkg.RepeatWeekends
	case "custom":
		return pkg.RepeatCustom
	default:
		return pkg.RepeatNone
	}
}

func parseState(s string) pkg.AlertState {
	switch s {
	case "idle":
		return pkg.AlertIdle
	case "armed":
		return pkg.AlertArmed
	case "triggered":
		return pkg.AlertTriggered
	case "snoozed":
		return pkg.AlertSnoozed
	case "completed":
		return pkg.AlertCompleted
	default:
		return pkg.AlertDeactivated
	}
}
