package decision

import (
	"testing"
	"time"

	"github.com/stationwake/stationwake/pkg"
	"github.com/stationwake/stationwake/pkg/config"
	"github.com/stationwake/stationwake/pkg/logx"
)

func newTestEngine(t *testing.T) (*Engine, *config.Config) {
	t.Helper()
	cfg := config.Default()
	logger := logx.NewLogger("debug", "test")
	return NewEngine(cfg, logger), cfg
}

// latFor converts a distance north of the equator target into degrees of
// latitude, close enough for test geometry.
func latFor(meters float64) float64 {
	return meters / 111320.0
}

func testAlert() *pkg.Alert {
	return &pkg.Alert{
		ID:             "alert-1",
		Name:           "Morning commute",
		Target:         pkg.Coordinate{Latitude: 0, Longitude: 0},
		TargetStation:  "Central",
		LeadTime:       5 * time.Minute,
		LeadDistanceM:  500,
		UseTimeTrigger: true,
		PreferredMode:  pkg.ModeHybrid,
		State:          pkg.AlertArmed,
		IsActive:       true,
	}
}

func approachingSample(ts time.Time, distanceM, speedMPS float64) *pkg.LocationSample {
	return &pkg.LocationSample{
		Latitude:   latFor(distanceM),
		Longitude:  0,
		AccuracyM:  10,
		SpeedMPS:   speedMPS,
		CourseDeg:  180,
		Timestamp:  ts,
		Confidence: 0.9,
	}
}

func TestETATriggerFromLocation(t *testing.T) {
	e, _ := newTestEngine(t)
	alert := testAlert()
	now := time.Now()

	// Far away: 30km at 20 m/s is a 25 minute ETA.
	d := e.Tick(alert, Input{
		Sample: approachingSample(now, 30000, 20),
		Tier:   pkg.TierHigh,
		Now:    now,
	})
	if d.ShouldNotify {
		t.Fatalf("should not notify 25 minutes out, reason=%s", d.Reason)
	}
	if d.Reason != pkg.ReasonNotReached {
		t.Errorf("expected %s, got %s", pkg.ReasonNotReached, d.Reason)
	}
	if d.ETA == nil {
		t.Fatal("expected an ETA from a good fix")
	}

	// Close: 3km at 20 m/s is a 2.5 minute ETA, inside the 5 minute lead.
	now = now.Add(10 * time.Second)
	d = e.Tick(alert, Input{
		Sample: approachingSample(now, 3000, 20),
		Tier:   pkg.TierHigh,
		Now:    now,
	})
	if !d.ShouldNotify {
		t.Fatalf("expected notify inside lead time, reason=%s", d.Reason)
	}
	if d.Reason != pkg.ReasonETATrigger+"(location)" {
		t.Errorf("expected location eta trigger, got %s", d.Reason)
	}
	if d.Mode != pkg.ModeHybrid {
		t.Errorf("expected hybrid mode, got %s", d.Mode)
	}
}

func TestDecisionLatchIsMonotonic(t *testing.T) {
	e, _ := newTestEngine(t)
	alert := testAlert()
	now := time.Now()

	d := e.Tick(alert, Input{Sample: approachingSample(now, 3000, 20), Tier: pkg.TierHigh, Now: now})
	if !d.ShouldNotify {
		t.Fatalf("expected initial notify, reason=%s", d.Reason)
	}
	firstReason := d.Reason

	// The train keeps moving; within the same occurrence the decision never
	// flips back even if the estimate retreats.
	for i := 1; i <= 5; i++ {
		now = now.Add(10 * time.Second)
		d = e.Tick(alert, Input{
			Sample: approachingSample(now, 3000+float64(i)*5000, 20),
			Tier:   pkg.TierHigh,
			Now:    now,
		})
		if !d.ShouldNotify {
			t.Fatalf("latched decision flipped back to false on tick %d", i)
		}
		if d.Reason != firstReason {
			t.Errorf("latched reason changed from %s to %s", firstReason, d.Reason)
		}
	}

	// Resolving the occurrence resets the latch.
	e.ResetOccurrence(alert.ID)
	now = now.Add(10 * time.Second)
	d = e.Tick(alert, Input{Sample: approachingSample(now, 30000, 20), Tier: pkg.TierHigh, Now: now})
	if d.ShouldNotify {
		t.Error("expected no notify after occurrence reset with train far away")
	}
}

func TestDistanceTriggerWhileStanding(t *testing.T) {
	e, _ := newTestEngine(t)
	alert := testAlert()
	alert.UseTimeTrigger = false
	alert.UseDistanceTrigger = true
	now := time.Now()

	// Standing still 400m from the target: no speed means no ETA, but the
	// distance trigger still fires.
	d := e.Tick(alert, Input{
		Sample: approachingSample(now, 400, 0),
		Tier:   pkg.TierHigh,
		Now:    now,
	})
	if !d.ShouldNotify {
		t.Fatalf("expected distance trigger at 400m, reason=%s", d.Reason)
	}
	if d.Reason != pkg.ReasonDistanceTrigger {
		t.Errorf("expected %s, got %s", pkg.ReasonDistanceTrigger, d.Reason)
	}
	if d.ETA != nil {
		t.Error("standing still should not produce a time estimate")
	}
	if d.DistanceM == nil {
		t.Error("distance should still be reported")
	}
}

func TestTimetableOnlyDuringOutage(t *testing.T) {
	e, cfg := newTestEngine(t)
	alert := testAlert()
	now := time.Now()
	arrival := now.Add(10 * time.Minute)
	alert.ScheduledArrival = &arrival

	d := e.Tick(alert, Input{Sample: nil, Tier: pkg.TierUnavailable, Now: now})
	if d.ShouldNotify {
		t.Fatalf("10 minutes before arrival should not notify, reason=%s", d.Reason)
	}
	if d.Mode != pkg.ModeTimetableOnly {
		t.Errorf("no fix with a timetable should run timetable-only, got %s", d.Mode)
	}
	if d.Confidence > cfg.FallbackConfidenceCap {
		t.Errorf("outage confidence must stay capped at %.2f, got %.2f",
			cfg.FallbackConfidenceCap, d.Confidence)
	}

	// Six minutes later the scheduled ETA is inside the lead time.
	later := now.Add(6 * time.Minute)
	d = e.Tick(alert, Input{Sample: nil, Tier: pkg.TierUnavailable, Now: later})
	if !d.ShouldNotify {
		t.Fatalf("expected timetable eta trigger, reason=%s", d.Reason)
	}
	if d.Reason != pkg.ReasonETATrigger+"(timetable)" {
		t.Errorf("expected timetable eta trigger, got %s", d.Reason)
	}
}

func TestSafeTimeout(t *testing.T) {
	e, cfg := newTestEngine(t)
	alert := testAlert()
	now := time.Now()

	// No fix, no timetable: nothing to estimate from.
	d := e.Tick(alert, Input{Sample: nil, Tier: pkg.TierUnavailable, Now: now})
	if d.ShouldNotify {
		t.Fatalf("should not notify immediately, reason=%s", d.Reason)
	}

	// Still nothing at the safe-timeout horizon: notify anyway.
	later := now.Add(time.Duration(cfg.SafeTimeoutS+1) * time.Second)
	d = e.Tick(alert, Input{Sample: nil, Tier: pkg.TierUnavailable, Now: later})
	if !d.ShouldNotify {
		t.Fatal("expected safe-timeout notification")
	}
	if d.Reason != pkg.ReasonSafeTimeout {
		t.Errorf("expected %s, got %s", pkg.ReasonSafeTimeout, d.Reason)
	}
	if d.Mode != pkg.ModeFallback {
		t.Errorf("safe timeout must report fallback mode, got %s", d.Mode)
	}

	// The safe-timeout latch holds like any other.
	d = e.Tick(alert, Input{Sample: nil, Tier: pkg.TierUnavailable, Now: later.Add(time.Minute)})
	if !d.ShouldNotify || d.Reason != pkg.ReasonSafeTimeout {
		t.Errorf("safe-timeout decision should stay latched, got notify=%v reason=%s",
			d.ShouldNotify, d.Reason)
	}
}

func TestHoldPositionExpiresBelowConfidenceFloor(t *testing.T) {
	e, cfg := newTestEngine(t)
	alert := testAlert()
	now := time.Now()

	d := e.Tick(alert, Input{Sample: approachingSample(now, 30000, 20), Tier: pkg.TierHigh, Now: now})
	if d.DistanceM == nil {
		t.Fatal("expected a distance from the live fix")
	}

	// Outage with no timetable: once past T2 the engine dead-reckons from the
	// last good fix while the decayed confidence holds above the floor.
	e.Tick(alert, Input{Sample: nil, Tier: pkg.TierUnavailable, Now: now.Add(time.Second)})
	inFallback := now.Add(time.Duration(cfg.FallbackThresholdS+2) * time.Second)
	d = e.Tick(alert, Input{Sample: nil, Tier: pkg.TierUnavailable, Now: inFallback})
	if d.DistanceM == nil {
		t.Fatal("expected a dead-reckoned distance just after entering fallback")
	}

	// Ten half-lives in, the hold position is stale noise: no estimates, and
	// the safe-timeout clock takes over instead.
	stale := now.Add(10 * time.Duration(cfg.HoldConfidenceHalfLifeS) * time.Second)
	d = e.Tick(alert, Input{Sample: nil, Tier: pkg.TierUnavailable, Now: stale})
	if d.DistanceM != nil || d.ETA != nil {
		t.Error("a hold position below the confidence floor must not produce estimates")
	}
	if d.ShouldNotify {
		t.Errorf("safe timeout should not have elapsed yet, reason=%s", d.Reason)
	}
}

func TestHybridTakesEarlierEstimate(t *testing.T) {
	e, _ := newTestEngine(t)
	alert := testAlert()
	alert.LeadTime = time.Minute // keep the trigger out of the way
	now := time.Now()
	arrival := now.Add(20 * time.Minute)
	alert.ScheduledArrival = &arrival

	// Location says 2.5 minutes, timetable says 20: hybrid goes with the
	// earlier location estimate.
	d := e.Tick(alert, Input{
		Sample:    approachingSample(now, 3000, 20),
		Tier:      pkg.TierHigh,
		Timetable: nil,
		Now:       now,
	})
	if d.ETA == nil {
		t.Fatal("expected an ETA")
	}
	if *d.ETA > 3*time.Minute {
		t.Errorf("hybrid should take the earlier location estimate, got %s", *d.ETA)
	}

	if d.Deviation == nil {
		t.Fatal("both estimates present should yield a deviation")
	}
	if d.Deviation.IsDelayed {
		t.Error("arriving well ahead of schedule is not a delay")
	}
	if d.Deviation.Delta >= 0 {
		t.Errorf("observed ahead of scheduled should give a negative delta, got %s", d.Deviation.Delta)
	}
}

func TestConfidenceWithinBounds(t *testing.T) {
	e, _ := newTestEngine(t)
	alert := testAlert()
	now := time.Now()
	arrival := now.Add(10 * time.Minute)
	alert.ScheduledArrival = &arrival

	inputs := []Input{
		{Sample: approachingSample(now, 10000, 20), Tier: pkg.TierHigh, Now: now},
		{Sample: approachingSample(now.Add(time.Second), 9000, 20), Tier: pkg.TierLow, Now: now.Add(time.Second)},
		{Sample: nil, Tier: pkg.TierUnavailable, Now: now.Add(2 * time.Second)},
	}
	for i, in := range inputs {
		d := e.Tick(alert, in)
		if d.Confidence < 0 || d.Confidence > 1 {
			t.Errorf("tick %d: confidence %f out of [0,1]", i, d.Confidence)
		}
	}
}

func TestPreferredLocationOnlyIgnoresTimetable(t *testing.T) {
	e, _ := newTestEngine(t)
	alert := testAlert()
	alert.PreferredMode = pkg.ModeLocationOnly
	now := time.Now()
	arrival := now.Add(2 * time.Minute) // would trigger in timetable mode
	alert.ScheduledArrival = &arrival

	d := e.Tick(alert, Input{
		Sample: approachingSample(now, 30000, 20),
		Tier:   pkg.TierHigh,
		Now:    now,
	})
	if d.Mode != pkg.ModeLocationOnly {
		t.Fatalf("expected location-only mode, got %s", d.Mode)
	}
	if d.ShouldNotify {
		t.Errorf("location-only must ignore the timetable estimate, reason=%s", d.Reason)
	}
}
