package signalloss

import (
	"math"
	"sync"
	"time"

	"github.com/stationwake/stationwake/pkg"
	"github.com/stationwake/stationwake/pkg/config"
	"github.com/stationwake/stationwake/pkg/logx"
)

// State is the signal-loss tracking state for one alert.
type State int

const (
	StateNormal State = iota
	StateDegraded
	StateFallback
)

func (s State) String() string {
	switch s {
	case StateDegraded:
		return "degraded_tracking"
	case StateFallback:
		return "fallback"
	default:
		return "normal"
	}
}

// FallbackState describes the active fallback strategy. At most one is active
// per alert at a time.
type FallbackState struct {
	Strategy         pkg.FallbackStrategy `json:"strategy"`
	Reason           string               `json:"reason"`
	OutageDuration   time.Duration        `json:"outage_duration"`
	LastGoodLocation *pkg.LocationSample  `json:"last_good_location,omitempty"`
	EnteredAt        time.Time            `json:"entered_at"`
}

// Handler tracks outage duration since the last trustworthy fix for one alert
// and selects a fallback strategy once the outage passes the configured
// thresholds. Transitions forward Normal -> DegradedTracking -> Fallback, and
// snaps back to Normal immediately on any fix with tier >= Medium. There is no
// hysteresis on recovery: a false positive on recovery is cheaper than a
// missed stop.
type Handler struct {
	mu sync.RWMutex

	config  *config.Config
	logger  *logx.Logger
	alertID string

	state       State
	lastGood    *pkg.LocationSample
	outageStart time.Time
	fallback    *FallbackState
}

// NewHandler creates a signal-loss handler for one alert.
func NewHandler(cfg *config.Config, logger *logx.Logger, alertID string) *Handler {
	return &Handler{
		config:  cfg,
		logger:  logger,
		alertID: alertID,
		state:   StateNormal,
	}
}

// ObserveFix processes a classified fix. A tier >= Medium fix resets the
// outage to exactly zero and clears any fallback; anything worse counts as
// outage time.
func (h *Handler) ObserveFix(sample *pkg.LocationSample, tier pkg.AccuracyTier, hasTimetable bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if tier >= pkg.TierMedium {
		if h.state != StateNormal {
			h.logger.Info("Signal recovered",
				"alert", h.alertID,
				"previous_state", h.state.String(),
				"outage", h.outageDurationLocked(sample.Timestamp).String())
		}
		h.state = StateNormal
		h.lastGood = sample
		h.outageStart = time.Time{}
		h.fallback = nil
		return
	}

	if h.outageStart.IsZero() {
		h.outageStart = sample.Timestamp
	}
	h.advance(sample.Timestamp, hasTimetable)
}

// Tick advances outage tracking when no fix arrived at all.
func (h *Handler) Tick(now time.Time, hasTimetable bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.outageStart.IsZero() {
		h.outageStart = now
	}
	h.advance(now, hasTimetable)
}

// advance moves the state machine forward past T1/T2. Caller holds the lock.
func (h *Handler) advance(now time.Time, hasTimetable bool) {
	outage := h.outageDurationLocked(now)
	t1 := time.Duration(h.config.DegradedThresholdS) * time.Second
	t2 := time.Duration(h.config.FallbackThresholdS) * time.Second

	switch {
	case outage > t2:
		if h.state != StateFallback {
			h.state = StateFallback
			h.fallback = h.selectStrategy(now, outage, hasTimetable)
			h.logger.Warn("Entering fallback",
				"alert", h.alertID,
				"strategy", h.fallback.Strategy.String(),
				"reason", h.fallback.Reason,
				"outage", outage.String())
		} else if h.fallback != nil {
			h.fallback.OutageDuration = outage
		}
	case outage > t1:
		if h.state == StateNormal {
			h.state = StateDegraded
			h.logger.Info("Tracking degraded", "alert", h.alertID, "outage", outage.String())
		}
	}
}

// selectStrategy applies the fallback policy at the moment fallback is
// entered. Caller holds the lock.
func (h *Handler) selectStrategy(now time.Time, outage time.Duration, hasTimetable bool) *FallbackState {
	fs := &FallbackState{
		OutageDuration:   outage,
		LastGoodLocation: h.lastGood,
		EnteredAt:        now,
	}

	switch {
	case hasTimetable:
		fs.Strategy = pkg.StrategyTimetableExtrapolation
		fs.Reason = "scheduled arrival available, assuming on-schedule progress"
	case h.lastGood != nil:
		fs.Strategy = pkg.StrategyLastKnownHold
		fs.Reason = "no timetable, extrapolating from last good fix"
	default:
		fs.Strategy = pkg.StrategyIncreasedPollingRetry
		fs.Reason = "no timetable and no usable fix, retrying at increased rate"
	}
	return fs
}

// IsInFallback reports whether a fallback strategy is active.
func (h *Handler) IsInFallback() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state == StateFallback
}

// CurrentState returns the signal-loss state.
func (h *Handler) CurrentState() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Fallback returns a copy of the active fallback state, or nil.
func (h *Handler) Fallback() *FallbackState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.fallback == nil {
		return nil
	}
	fs := *h.fallback
	return &fs
}

// LastGoodLocation returns the last fix with tier >= Medium, or nil.
func (h *Handler) LastGoodLocation() *pkg.LocationSample {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastGood
}

// OutageDuration returns how long the current outage has lasted. Zero when
// tracking is healthy.
func (h *Handler) OutageDuration(now time.Time) time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.outageDurationLocked(now)
}

func (h *Handler) outageDurationLocked(now time.Time) time.Duration {
	if h.outageStart.IsZero() {
		return 0
	}
	d := now.Sub(h.outageStart)
	if d < 0 {
		return 0
	}
	return d
}

// Extrapolate projects the position forward from the last good fix using its
// speed and course, with confidence decaying over the elapsed time. The
// returned confidence may fall below the configured floor; suppressing
// notification on low confidence is the decision engine's call, not ours.
func (h *Handler) Extrapolate(now time.Time) (*pkg.LocationSample, float64, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.lastGood == nil {
		return nil, 0, false
	}

	elapsed := now.Sub(h.lastGood.Timestamp).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}

	distance := h.lastGood.SpeedMPS * elapsed
	course := h.lastGood.CourseDeg * math.Pi / 180

	// Equirectangular projection is fine for the few kilometers an outage
	// can plausibly cover.
	dLat := distance * math.Cos(course) / 111320.0
	dLon := distance * math.Sin(course) / (111320.0 * math.Cos(h.lastGood.Latitude*math.Pi/180))

	halfLife := float64(h.config.HoldConfidenceHalfLifeS)
	confidence := h.lastGood.Confidence * math.Pow(0.5, elapsed/halfLife)

	projected := &pkg.LocationSample{
		Latitude:   h.lastGood.Latitude + dLat,
		Longitude:  h.lastGood.Longitude + dLon,
		Altitude:   h.lastGood.Altitude,
		AccuracyM:  h.lastGood.AccuracyM + distance*0.1,
		SpeedMPS:   h.lastGood.SpeedMPS,
		CourseDeg:  h.lastGood.CourseDeg,
		Timestamp:  now,
		Confidence: confidence,
	}
	return projected, confidence, true
}
