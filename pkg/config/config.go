package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config represents the stationwake daemon configuration.
type Config struct {
	// Main configuration
	Enable             bool   `json:"enable"`
	DecisionIntervalMS int    `json:"decision_interval_ms"`
	CleanupIntervalMS  int    `json:"cleanup_interval_ms"`
	TickQueueSize      int    `json:"tick_queue_size"`
	LogLevel           string `json:"log_level"`
	LogFile            string `json:"log_file"`

	// Accuracy classification bands (horizontal accuracy radius, meters)
	AccuracyHighM   float64 `json:"accuracy_high_m"`
	AccuracyMediumM float64 `json:"accuracy_medium_m"`
	AccuracyLowM    float64 `json:"accuracy_low_m"`
	FixTimeoutS     int     `json:"fix_timeout_s"`

	// Environment inference heuristics
	EnvWindowSize        int     `json:"env_window_size"`
	EnvDegradedAccuracyM float64 `json:"env_degraded_accuracy_m"`
	EnvMinSatellites     int     `json:"env_min_satellites"`
	EnvSubwaySpeedMinMPS float64 `json:"env_subway_speed_min_mps"`
	EnvSubwaySpeedMaxMPS float64 `json:"env_subway_speed_max_mps"`
	EnvTunnelSpeedMinMPS float64 `json:"env_tunnel_speed_min_mps"`
	EnvIndoorSpeedMaxMPS float64 `json:"env_indoor_speed_max_mps"`
	EnvAltitudeDropM     float64 `json:"env_altitude_drop_m"`

	// Update profiles (location polling cadence per accuracy tier)
	PollIntervalHighMS        int  `json:"poll_interval_high_ms"`
	PollIntervalMediumMS      int  `json:"poll_interval_medium_ms"`
	PollIntervalLowMS         int  `json:"poll_interval_low_ms"`
	PollIntervalUnavailableMS int  `json:"poll_interval_unavailable_ms"`
	BatteryOptimization       bool `json:"battery_optimization"`
	BatteryIntervalFactor     int  `json:"battery_interval_factor"`

	// Signal-loss handling
	DegradedThresholdS      int     `json:"degraded_threshold_s"` // T1
	FallbackThresholdS      int     `json:"fallback_threshold_s"` // T2
	HoldConfidenceHalfLifeS int     `json:"hold_confidence_half_life_s"`
	HoldConfidenceFloor     float64 `json:"hold_confidence_floor"`

	// Decision engine
	DeviationToleranceS    int     `json:"deviation_tolerance_s"`
	ConfidenceLowThreshold float64 `json:"confidence_low_threshold"`
	ConfidenceTierWeight   float64 `json:"confidence_tier_weight"`
	ConfidenceAgreeWeight  float64 `json:"confidence_agree_weight"`
	FallbackConfidenceCap  float64 `json:"fallback_confidence_cap"`
	SafeTimeoutS           int     `json:"safe_timeout_s"`
	ETAHistoryWindowS      int     `json:"eta_history_window_s"`
	ETAMinSamples          int     `json:"eta_min_samples"`

	// Timetable service
	TimetableValidityS     int    `json:"timetable_validity_s"`
	TimetableFetchTimeoutS int    `json:"timetable_fetch_timeout_s"`
	TimetableCachePath     string `json:"timetable_cache_path"`
	GoogleAPIEnabled       bool   `json:"google_api_enabled"`
	GoogleAPIKey           string `json:"google_api_key"`

	// Persistence
	DBPath string `json:"db_path"`

	// Telemetry store
	RetentionHours int `json:"retention_hours"`
	MaxRAMMB       int `json:"max_ram_mb"`

	// Debug/status listener
	DebugListener bool   `json:"debug_listener"`
	DebugHost     string `json:"debug_host"`
	DebugPort     int    `json:"debug_port"`

	// MQTT notification transport
	MQTT MQTTConfig `json:"mqtt"`
}

// MQTTConfig holds the MQTT transport configuration for the notification
// scheduler and event publishing.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	Broker      string `json:"broker"`
	Port        int    `json:"port"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         int    `json:"qos"`
	Retain      bool   `json:"retain"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Enable:             true,
		DecisionIntervalMS: 1000,
		CleanupIntervalMS:  300000,
		TickQueueSize:      64,
		LogLevel:           "info",

		AccuracyHighM:   20,
		AccuracyMediumM: 50,
		AccuracyLowM:    150,
		FixTimeoutS:     30,

		EnvWindowSize:        5,
		EnvDegradedAccuracyM: 100,
		EnvMinSatellites:     4,
		EnvSubwaySpeedMinMPS: 8,
		EnvSubwaySpeedMaxMPS: 25,
		EnvTunnelSpeedMinMPS: 15,
		EnvIndoorSpeedMaxMPS: 2,
		EnvAltitudeDropM:     5,

		PollIntervalHighMS:        5000,
		PollIntervalMediumMS:      10000,
		PollIntervalLowMS:         20000,
		PollIntervalUnavailableMS: 30000,
		BatteryOptimization:       false,
		BatteryIntervalFactor:     3,

		DegradedThresholdS:      30,
		FallbackThresholdS:      120,
		HoldConfidenceHalfLifeS: 60,
		HoldConfidenceFloor:     0.2,

		DeviationToleranceS:    60,
		ConfidenceLowThreshold: 0.4,
		ConfidenceTierWeight:   0.5,
		ConfidenceAgreeWeight:  0.5,
		FallbackConfidenceCap:  0.3,
		SafeTimeoutS:           300,
		ETAHistoryWindowS:      300,
		ETAMinSamples:          3,

		TimetableValidityS:     600,
		TimetableFetchTimeoutS: 5,
		TimetableCachePath:     "/var/lib/stationwake/timetable.db",
		GoogleAPIEnabled:       false,

		DBPath: "/var/lib/stationwake/alerts.db",

		RetentionHours: 24,
		MaxRAMMB:       16,

		DebugListener: true,
		DebugHost:     "127.0.0.1",
		DebugPort:     9101,

		MQTT: MQTTConfig{
			Enabled:     false,
			Broker:      "localhost",
			Port:        1883,
			ClientID:    "stationwaked",
			TopicPrefix: "stationwake",
			QoS:         1,
		},
	}
}

// Load reads a JSON configuration file over the defaults. A missing file is
// not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field invariants and clamps soft bounds.
func (c *Config) Validate() error {
	if c.AccuracyHighM <= 0 || c.AccuracyMediumM <= c.AccuracyHighM || c.AccuracyLowM <= c.AccuracyMediumM {
		return fmt.Errorf("accuracy bands must satisfy 0 < high < medium < low (got %.0f/%.0f/%.0f)",
			c.AccuracyHighM, c.AccuracyMediumM, c.AccuracyLowM)
	}
	if c.DegradedThresholdS <= 0 || c.FallbackThresholdS <= c.DegradedThresholdS {
		return fmt.Errorf("signal-loss thresholds must satisfy 0 < degraded (T1) < fallback (T2), got %d/%d",
			c.DegradedThresholdS, c.FallbackThresholdS)
	}
	if c.SafeTimeoutS < c.FallbackThresholdS {
		return fmt.Errorf("safe_timeout_s (%d) must not be below fallback_threshold_s (%d)",
			c.SafeTimeoutS, c.FallbackThresholdS)
	}
	if c.ConfidenceLowThreshold < 0 || c.ConfidenceLowThreshold > 1 {
		return fmt.Errorf("confidence_low_threshold must be within 0.0-1.0, got %f", c.ConfidenceLowThreshold)
	}
	if c.HoldConfidenceFloor < 0 || c.HoldConfidenceFloor > 1 {
		return fmt.Errorf("hold_confidence_floor must be within 0.0-1.0, got %f", c.HoldConfidenceFloor)
	}
	if w := c.ConfidenceTierWeight + c.ConfidenceAgreeWeight; w <= 0 {
		return fmt.Errorf("confidence weights must sum to a positive value, got %f", w)
	}
	if c.EnvWindowSize < 2 {
		c.EnvWindowSize = 2
	}
	if c.DecisionIntervalMS < 100 {
		c.DecisionIntervalMS = 100
	}
	if c.TickQueueSize < 1 {
		c.TickQueueSize = 1
	}
	if c.ETAMinSamples < 2 {
		c.ETAMinSamples = 2
	}
	return nil
}
