package pkg

import (
	"context"
	"time"
)

// Coordinate is a WGS84 position.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// LocationSample is a single positioning fix. Immutable once produced.
type LocationSample struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Altitude   float64   `json:"altitude"`
	AccuracyM  float64   `json:"accuracy_m"` // horizontal accuracy radius, <0 means invalid
	SpeedMPS   float64   `json:"speed_mps"`
	CourseDeg  float64   `json:"course_deg"`
	Satellites int       `json:"satellites"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence"` // derived, 0.0-1.0
}

// Coordinate returns the sample position as a Coordinate.
func (s *LocationSample) Coordinate() Coordinate {
	return Coordinate{Latitude: s.Latitude, Longitude: s.Longitude}
}

// AccuracyTier classifies horizontal accuracy. Ordered: a higher value is a
// better tier, so tier comparisons like ">= TierMedium" are meaningful.
type AccuracyTier int

const (
	TierUnavailable AccuracyTier = iota
	TierLow
	TierMedium
	TierHigh
)

func (t AccuracyTier) String() string {
	switch t {
	case TierHigh:
		return "high"
	case TierMedium:
		return "medium"
	case TierLow:
		return "low"
	default:
		return "unavailable"
	}
}

// Environment is the inferred surroundings of the device. Informational only,
// never authoritative on its own.
type Environment int

const (
	EnvUnknown Environment = iota
	EnvOutdoor
	EnvIndoor
	EnvUnderground
	EnvTunnel
)

func (e Environment) String() string {
	switch e {
	case EnvOutdoor:
		return "outdoor"
	case EnvIndoor:
		return "indoor"
	case EnvUnderground:
		return "underground"
	case EnvTunnel:
		return "tunnel"
	default:
		return "unknown"
	}
}

// PowerMode selects how aggressively positioning hardware is driven.
type PowerMode int

const (
	PowerFull PowerMode = iota
	PowerBalanced
	PowerSaver
)

func (p PowerMode) String() string {
	switch p {
	case PowerFull:
		return "full"
	case PowerBalanced:
		return "balanced"
	default:
		return "saver"
	}
}

// UpdateProfile is the recommended polling cadence and power mode for the
// location provider, derived from the current accuracy tier.
type UpdateProfile struct {
	Interval time.Duration `json:"interval"`
	Power    PowerMode     `json:"power"`
}

// FallbackStrategy selects how the engine estimates progress without fixes.
type FallbackStrategy int

const (
	StrategyNone FallbackStrategy = iota
	StrategyTimetableExtrapolation
	StrategyLastKnownHold
	StrategyIncreasedPollingRetry
)

func (s FallbackStrategy) String() string {
	switch s {
	case StrategyTimetableExtrapolation:
		return "timetable_extrapolation"
	case StrategyLastKnownHold:
		return "last_known_hold"
	case StrategyIncreasedPollingRetry:
		return "increased_polling_retry"
	default:
		return "none"
	}
}

// NotificationMode is the engine's effective operating mode, distinct from the
// mode the user prefers.
type NotificationMode int

const (
	ModeHybrid NotificationMode = iota
	ModeTimetableOnly
	ModeLocationOnly
	ModeFallback
)

func (m NotificationMode) String() string {
	switch m {
	case ModeHybrid:
		return "hybrid"
	case ModeTimetableOnly:
		return "timetable_only"
	case ModeLocationOnly:
		return "location_only"
	default:
		return "fallback"
	}
}

// Deviation is the gap between timetable- and location-derived progress.
type Deviation struct {
	ScheduledETA time.Duration `json:"scheduled_eta"`
	ObservedETA  time.Duration `json:"observed_eta"`
	Delta        time.Duration `json:"delta"` // observed - scheduled; positive when running late
	IsDelayed    bool          `json:"is_delayed"`
	DisplayText  string        `json:"display_text"`
}

// Decision is the output of one engine tick for one alert.
type Decision struct {
	AlertID      string           `json:"alert_id"`
	ShouldNotify bool             `json:"should_notify"`
	Reason       string           `json:"reason"`
	ETA          *time.Duration   `json:"eta,omitempty"`
	DistanceM    *float64         `json:"distance_m,omitempty"`
	Mode         NotificationMode `json:"mode"`
	Confidence   float64          `json:"confidence"` // 0.0-1.0
	Deviation    *Deviation       `json:"deviation,omitempty"`
	At           time.Time        `json:"at"`
}

// Decision reasons.
const (
	ReasonDistanceTrigger = "distance-trigger"
	ReasonETATrigger      = "eta-trigger"
	ReasonSafeTimeout     = "safe-timeout"
	ReasonNotReached      = "not-reached"
)

// AlertState is the lifecycle state of an alert.
type AlertState int

const (
	AlertIdle AlertState = iota
	AlertArmed
	AlertTriggered
	AlertSnoozed
	AlertCompleted
	AlertDeactivated
)

func (s AlertState) String() string {
	switch s {
	case AlertIdle:
		return "idle"
	case AlertArmed:
		return "armed"
	case AlertTriggered:
		return "triggered"
	case AlertSnoozed:
		return "snoozed"
	case AlertCompleted:
		return "completed"
	default:
		return "deactivated"
	}
}

// RepeatPattern describes when an alert recurs.
type RepeatPattern int

const (
	RepeatNone RepeatPattern = iota
	RepeatDaily
	RepeatWeekdays
	RepeatWeekends
	RepeatCustom
)

func (r RepeatPattern) String() string {
	switch r {
	case RepeatDaily:
		return "daily"
	case RepeatWeekdays:
		return "weekdays"
	case RepeatWeekends:
		return "weekends"
	case RepeatCustom:
		return "custom"
	default:
		return "none"
	}
}

// Alert is one wake-up alert. Created by user setup, mutated only by the alert
// monitor's tick loop.
type Alert struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Target station
	Target           Coordinate `json:"target"`
	TargetStation    string     `json:"target_station"`
	ScheduledArrival *time.Time `json:"scheduled_arrival,omitempty"`

	// Trigger thresholds
	LeadTime           time.Duration `json:"lead_time"`
	LeadDistanceM      float64       `json:"lead_distance_m"`
	UseTimeTrigger     bool          `json:"use_time_trigger"`
	UseDistanceTrigger bool          `json:"use_distance_trigger"`

	PreferredMode NotificationMode `json:"preferred_mode"`

	// Snooze configuration
	SnoozeInterval time.Duration `json:"snooze_interval"`
	SnoozeStations int           `json:"snooze_stations"` // stations-before-target countdown, 0 disables

	// Repeat configuration
	Repeat     RepeatPattern  `json:"repeat"`
	RepeatDays []time.Weekday `json:"repeat_days,omitempty"` // for RepeatCustom
	BaseHour   int            `json:"base_hour"`
	BaseMinute int            `json:"base_minute"`

	// Lifecycle
	State          AlertState `json:"state"`
	IsActive       bool       `json:"is_active"`
	SnoozeLeft     int        `json:"snooze_left"`
	LastNotifiedAt time.Time  `json:"last_notified_at"`
	NextOccurrence time.Time  `json:"next_occurrence"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// HistoryEntry records one notification firing. Write-only for the engine.
type HistoryEntry struct {
	AlertID string    `json:"alert_id"`
	Message string    `json:"message"`
	FiredAt time.Time `json:"fired_at"`
}

// Station is one stop on a timetable.
type Station struct {
	Name             string     `json:"name"`
	Position         Coordinate `json:"position"`
	ScheduledArrival time.Time  `json:"scheduled_arrival"`
}

// Timetable is the static schedule for one journey toward the target station.
type Timetable struct {
	DepartureTime time.Time     `json:"departure_time"`
	ArrivalTime   time.Time     `json:"arrival_time"`
	TrainNumber   string        `json:"train_number"`
	Stations      []Station     `json:"stations"`
	Delay         time.Duration `json:"delay"` // known delay, 0 if on schedule
	FetchedAt     time.Time     `json:"fetched_at"`
}

// AuthStatus is the location provider authorization state.
type AuthStatus int

const (
	AuthUnknown AuthStatus = iota
	AuthGranted
	AuthDenied
	AuthRestricted
)

func (a AuthStatus) String() string {
	switch a {
	case AuthGranted:
		return "granted"
	case AuthDenied:
		return "denied"
	case AuthRestricted:
		return "restricted"
	default:
		return "unknown"
	}
}

// Event is a system event published to telemetry and, optionally, MQTT.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Reason    string                 `json:"reason,omitempty"`
	AlertID   string                 `json:"alert_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventNotificationFired  = "notification_fired"
	EventNotificationFailed = "notification_failed"
	EventFallbackEntered    = "fallback_entered"
	EventFallbackCleared    = "fallback_cleared"
	EventDegradedTracking   = "degraded_tracking"
	EventAlertCompleted     = "alert_completed"
	EventAlertRearmed       = "alert_rearmed"
)

// LocationProvider delivers positioning fixes. Implementations must report
// authorization; a denied or restricted status is a terminal input state until
// the provider reports otherwise.
type LocationProvider interface {
	Authorization() AuthStatus
	Latest(ctx context.Context) (*LocationSample, error)
}

// TimetableService delivers schedule data for an alert's journey. Absence or
// staleness is "no timetable", never a fatal error.
type TimetableService interface {
	Fetch(ctx context.Context, alert *Alert) (*Timetable, error)
}

// NotificationScheduler schedules and cancels user-facing notifications.
// Identifiers are deterministic per alert occurrence so re-scheduling is
// idempotent.
type NotificationScheduler interface {
	Schedule(ctx context.Context, id, title, body string, fireAt time.Time) error
	Cancel(ctx context.Context, id string) error
}

// AlertStore persists alert state and history. The engine describes what must
// be written; it never owns the storage format.
type AlertStore interface {
	LoadAlerts(ctx context.Context) ([]*Alert, error)
	SaveAlert(ctx context.Context, alert *Alert) error
	AppendHistory(ctx context.Context, entry *HistoryEntry) error
	History(ctx context.Context, alertID string, limit int) ([]*HistoryEntry, error)
	Close() error
}
