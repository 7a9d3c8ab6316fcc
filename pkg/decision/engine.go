package decision

import (
	"math"
	"sync"
	"time"

	"github.com/sajari/regression"

	"github.com/stationwake/stationwake/pkg"
	"github.com/stationwake/stationwake/pkg/config"
	"github.com/stationwake/stationwake/pkg/logx"
	"github.com/stationwake/stationwake/pkg/signalloss"
	"github.com/stationwake/stationwake/pkg/timetable"
)

// Engine implements the hybrid arrival-prediction decision logic. It blends a
// location-derived ETA with a timetable-derived ETA into a confidence score,
// selects the effective operating mode, and emits a notify decision per tick
// per alert. Within one notification occurrence a true decision never flips
// back to false; the alert monitor resolves the occurrence and resets the
// latch.
type Engine struct {
	mu sync.RWMutex

	config    *config.Config
	logger    *logx.Logger
	deviation *timetable.DeviationCalculator

	states map[string]*alertState
}

// alertState tracks per-alert decision state between ticks.
type alertState struct {
	loss *signalloss.Handler

	track []trackPoint // recent distance-to-target observations

	latched            bool
	latchReason        string
	lastDecision       *pkg.Decision
	firstUnavailableAt time.Time
}

type trackPoint struct {
	at        time.Time
	distanceM float64
	speedMPS  float64
}

// Closing rates below this are indistinguishable from GPS jitter and do not
// support a time estimate.
const minClosingRateMPS = 0.3

// Input carries everything the engine needs for one tick of one alert.
type Input struct {
	Sample    *pkg.LocationSample // nil when no fix arrived
	Tier      pkg.AccuracyTier
	Timetable *pkg.Timetable // nil means no timetable
	Now       time.Time
}

// NewEngine creates a new decision engine.
func NewEngine(cfg *config.Config, logger *logx.Logger) *Engine {
	return &Engine{
		config:    cfg,
		logger:    logger,
		deviation: timetable.NewDeviationCalculator(cfg),
		states:    make(map[string]*alertState),
	}
}

// Tick runs one decision cycle for one alert. It never returns an error: any
// internal inconsistency is clamped and logged so one alert's trouble cannot
// abort the others.
func (e *Engine) Tick(alert *pkg.Alert, in Input) *pkg.Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	state := e.ensureState(alert.ID)
	arrival, hasArrival := scheduledArrival(alert, in.Timetable)

	// Feed the signal-loss state machine before estimating anything.
	if in.Sample != nil {
		state.loss.ObserveFix(in.Sample, in.Tier, hasArrival)
	} else {
		state.loss.Tick(in.Now, hasArrival)
	}

	position, posConfidence := e.effectivePosition(state, in)

	locETA, locDistance, locOK := e.locationEstimate(state, alert, position, in.Now)
	ttETA, ttOK := timetableEstimate(arrival, hasArrival, in.Now)

	var dev *pkg.Deviation
	if locOK && ttOK {
		dev = e.deviation.Compute(ttETA, locETA)
	}

	confidence := e.confidence(state, in.Tier, posConfidence, dev, locOK, ttOK)

	mode := e.selectMode(alert, state, in.Tier, confidence, ttOK)

	decision := e.decide(alert, state, in, mode, confidence, dev,
		locETA, locDistance, locOK, ttETA, ttOK)

	state.lastDecision = decision
	return decision
}

// ResetOccurrence clears the per-occurrence notify latch and the safe-timeout
// clock, called by the monitor when an occurrence is resolved (snooze re-arm,
// completion, or repeat reschedule).
func (e *Engine) ResetOccurrence(alertID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if state, ok := e.states[alertID]; ok {
		state.latched = false
		state.latchReason = ""
		state.firstUnavailableAt = time.Time{}
	}
}

// RemoveAlert drops all engine state for a deactivated alert.
func (e *Engine) RemoveAlert(alertID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.states, alertID)
}

// LastDecision returns the most recent decision for an alert, or nil.
func (e *Engine) LastDecision(alertID string) *pkg.Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if state, ok := e.states[alertID]; ok {
		return state.lastDecision
	}
	return nil
}

// LossHandler exposes the per-alert signal-loss handler for inspection.
func (e *Engine) LossHandler(alertID string) *signalloss.Handler {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if state, ok := e.states[alertID]; ok {
		return state.loss
	}
	return nil
}

func (e *Engine) ensureState(alertID string) *alertState {
	state, ok := e.states[alertID]
	if !ok {
		state = &alertState{
			loss: signalloss.NewHandler(e.config, e.logger, alertID),
		}
		e.states[alertID] = state
	}
	return state
}

// effectivePosition returns the position to estimate from: the live fix when
// usable, or the dead-reckoned hold position while in LastKnownHold fallback.
func (e *Engine) effectivePosition(state *alertState, in Input) (*pkg.LocationSample, float64) {
	if in.Sample != nil && in.Tier != pkg.TierUnavailable {
		return in.Sample, in.Sample.Confidence
	}

	if fb := state.loss.Fallback(); fb != nil && fb.Strategy == pkg.StrategyLastKnownHold {
		// Below the hold confidence floor the dead-reckoned position is
		// noise; better to let the safe-timeout clock run than to keep
		// estimating from it.
		if projected, conf, ok := state.loss.Extrapolate(in.Now); ok && conf >= e.config.HoldConfidenceFloor {
			return projected, conf
		}
	}
	return nil, 0
}

// locationEstimate derives distance and ETA to the target from the effective
// position. The ETA prefers a regression over the recent closing-rate track
// and falls back to the instantaneous speed.
func (e *Engine) locationEstimate(state *alertState, alert *pkg.Alert, position *pkg.LocationSample, now time.Time) (time.Duration, float64, bool) {
	window := time.Duration(e.config.ETAHistoryWindowS) * time.Second
	if position == nil {
		state.pruneTrack(now, window)
		return 0, 0, false
	}

	distance := haversineM(position.Coordinate(), alert.Target)
	state.track = append(state.track, trackPoint{at: now, distanceM: distance, speedMPS: position.SpeedMPS})
	state.pruneTrack(now, window)

	closing := e.closingRate(state.track)
	if closing <= minClosingRateMPS {
		// Not measurably approaching by trend; fall back to raw speed.
		closing = position.SpeedMPS
	}
	if closing <= minClosingRateMPS {
		// Standing still: distance is known but a time estimate is not.
		return 0, distance, false
	}

	eta := time.Duration(distance/closing*float64(time.Second))
	return eta, distance, true
}

// closingRate fits distance-to-target against elapsed time and returns the
// approach speed in m/s, or 0 when the track is too short to trust.
func (e *Engine) closingRate(track []trackPoint) float64 {
	if len(track) < e.config.ETAMinSamples {
		return 0
	}

	r := new(regression.Regression)
	r.SetObserved("distance_m")
	r.SetVar(0, "elapsed_s")

	t0 := track[0].at
	for _, p := range track {
		r.Train(regression.DataPoint(p.distanceM, []float64{p.at.Sub(t0).Seconds()}))
	}
	if err := r.Run(); err != nil {
		return 0
	}

	slope := r.Coeff(1) // meters per second, negative while approaching
	if math.IsNaN(slope) || slope >= 0 {
		return 0
	}
	return -slope
}

func timetableEstimate(arrival time.Time, hasArrival bool, now time.Time) (time.Duration, bool) {
	if !hasArrival {
		return 0, false
	}
	eta := arrival.Sub(now)
	if eta < 0 {
		eta = 0
	}
	return eta, true
}

// scheduledArrival resolves the delay-adjusted arrival time, preferring live
// timetable data over the arrival captured at alert setup.
func scheduledArrival(alert *pkg.Alert, tt *pkg.Timetable) (time.Time, bool) {
	if tt != nil && !tt.ArrivalTime.IsZero() {
		return tt.ArrivalTime.Add(tt.Delay), true
	}
	if alert.ScheduledArrival != nil {
		return *alert.ScheduledArrival, true
	}
	return time.Time{}, false
}

// confidence blends the accuracy tier score with the agreement between the
// two estimates. Unavailable tier or active fallback caps the result hard.
func (e *Engine) confidence(state *alertState, tier pkg.AccuracyTier, posConfidence float64, dev *pkg.Deviation, locOK, ttOK bool) float64 {
	score := tierScore(tier)

	var conf float64
	switch {
	case locOK && ttOK:
		agreementScale := 2 * float64(e.config.DeviationToleranceS)
		disagreement := math.Abs(dev.Delta.Seconds()) / agreementScale
		if disagreement > 1 {
			disagreement = 1
		}
		agree := 1 - disagreement
		wT := e.config.ConfidenceTierWeight
		wA := e.config.ConfidenceAgreeWeight
		conf = (wT*score + wA*agree) / (wT + wA)
	case locOK:
		conf = score * posConfidence
	case ttOK:
		conf = e.config.FallbackConfidenceCap
	default:
		conf = 0
	}

	if tier == pkg.TierUnavailable || state.loss.IsInFallback() {
		if conf > e.config.FallbackConfidenceCap {
			conf = e.config.FallbackConfidenceCap
		}
	}

	// Invariant: confidence stays within [0,1]. Clamp and log rather than
	// abort; one alert's arithmetic must not take down the tick loop.
	if conf < 0 || conf > 1 || math.IsNaN(conf) {
		e.logger.Warn("Confidence out of range, clamping", "confidence", conf)
		if math.IsNaN(conf) {
			conf = 0
		}
		conf = math.Max(0, math.Min(1, conf))
	}
	return conf
}

func tierScore(tier pkg.AccuracyTier) float64 {
	switch tier {
	case pkg.TierHigh:
		return 1.0
	case pkg.TierMedium:
		return 0.75
	case pkg.TierLow:
		return 0.4
	default:
		return 0
	}
}

// selectMode picks the effective operating mode, which may be stricter than
// the user's preferred mode but never looser.
func (e *Engine) selectMode(alert *pkg.Alert, state *alertState, tier pkg.AccuracyTier, confidence float64, ttOK bool) pkg.NotificationMode {
	if tier == pkg.TierUnavailable || state.loss.IsInFallback() {
		if ttOK {
			return pkg.ModeTimetableOnly
		}
		return pkg.ModeFallback
	}

	if confidence < e.config.ConfidenceLowThreshold && ttOK {
		return pkg.ModeTimetableOnly
	}

	switch alert.PreferredMode {
	case pkg.ModeTimetableOnly:
		if ttOK {
			return pkg.ModeTimetableOnly
		}
		return pkg.ModeLocationOnly
	case pkg.ModeLocationOnly:
		return pkg.ModeLocationOnly
	default:
		return pkg.ModeHybrid
	}
}

// decide assembles the final decision: effective estimates per mode, trigger
// evaluation, the safe-timeout guarantee and the per-occurrence latch.
func (e *Engine) decide(alert *pkg.Alert, state *alertState, in Input,
	mode pkg.NotificationMode, confidence float64, dev *pkg.Deviation,
	locETA time.Duration, locDistance float64, locOK bool,
	ttETA time.Duration, ttOK bool,
) *pkg.Decision {
	d := &pkg.Decision{
		AlertID:    alert.ID,
		Mode:       mode,
		Confidence: confidence,
		Deviation:  dev,
		At:         in.Now,
	}

	var effETA time.Duration
	var etaSource string
	var hasETA bool

	switch mode {
	case pkg.ModeHybrid:
		switch {
		case locOK && ttOK:
			// Conservative blend: the earlier of the two estimates, so a
			// single disagreeing estimate can only make us early, never late.
			if locETA <= ttETA {
				effETA, etaSource, hasETA = locETA, "location", true
			} else {
				effETA, etaSource, hasETA = ttETA, "timetable", true
			}
		case locOK:
			effETA, etaSource, hasETA = locETA, "location", true
		case ttOK:
			effETA, etaSource, hasETA = ttETA, "timetable", true
		}
	case pkg.ModeLocationOnly:
		if locOK {
			effETA, etaSource, hasETA = locETA, "location", true
		}
	case pkg.ModeTimetableOnly, pkg.ModeFallback:
		if ttOK {
			effETA, etaSource, hasETA = ttETA, "timetable", true
		} else if locOK {
			effETA, etaSource, hasETA = locETA, "location", true
		}
	}

	hasDistance := locDistance > 0 && mode != pkg.ModeTimetableOnly
	if hasETA {
		eta := effETA
		d.ETA = &eta
	}
	if hasDistance {
		dist := locDistance
		d.DistanceM = &dist
	}

	// Safe-timeout bookkeeping: both estimates gone for too long must still
	// produce a notification. Missing a stop silently is worse than waking
	// the rider early.
	if hasETA || hasDistance {
		state.firstUnavailableAt = time.Time{}
	} else {
		if state.firstUnavailableAt.IsZero() {
			state.firstUnavailableAt = in.Now
		}
		if in.Now.Sub(state.firstUnavailableAt) > time.Duration(e.config.SafeTimeoutS)*time.Second {
			d.Mode = pkg.ModeFallback
			d.ShouldNotify = true
			d.Reason = pkg.ReasonSafeTimeout
			state.latched = true
			state.latchReason = pkg.ReasonSafeTimeout
			e.logger.Warn("Safe-timeout notification",
				"alert", alert.ID,
				"unavailable_for", in.Now.Sub(state.firstUnavailableAt).String())
			return d
		}
	}

	// Trigger evaluation. The latch keeps a fired occurrence fired.
	switch {
	case state.latched:
		d.ShouldNotify = true
		d.Reason = state.latchReason
	case alert.UseDistanceTrigger && hasDistance && locDistance <= alert.LeadDistanceM:
		d.ShouldNotify = true
		d.Reason = pkg.ReasonDistanceTrigger
	case alert.UseTimeTrigger && hasETA && effETA <= alert.LeadTime:
		d.ShouldNotify = true
		d.Reason = pkg.ReasonETATrigger + "(" + etaSource + ")"
	default:
		d.Reason = pkg.ReasonNotReached
	}

	if d.ShouldNotify && !state.latched {
		state.latched = true
		state.latchReason = d.Reason
		e.logger.Info("Notify decision",
			"alert", alert.ID,
			"reason", d.Reason,
			"mode", d.Mode.String(),
			"confidence", d.Confidence)
	}
	return d
}

func (s *alertState) pruneTrack(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for ; i < len(s.track); i++ {
		if s.track[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		s.track = append(s.track[:0], s.track[i:]...)
	}
}

// haversineM returns the great-circle distance between two coordinates in
// meters.
func haversineM(a, b pkg.Coordinate) float64 {
	const earthRadiusM = 6371000.0

	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
