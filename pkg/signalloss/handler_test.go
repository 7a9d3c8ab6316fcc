package signalloss

import (
	"testing"
	"time"

	"github.com/stationwake/stationwake/pkg"
	"github.com/stationwake/stationwake/pkg/config"
	"github.com/stationwake/stationwake/pkg/logx"
)

func newTestHandler(t *testing.T) (*Handler, *config.Config) {
	t.Helper()
	cfg := config.Default()
	logger := logx.NewLogger("debug", "test")
	return NewHandler(cfg, logger, "alert-1"), cfg
}

func goodFix(ts time.Time) *pkg.LocationSample {
	return &pkg.LocationSample{
		Latitude:   59.33,
		Longitude:  18.06,
		AccuracyM:  15,
		SpeedMPS:   20,
		CourseDeg:  90,
		Timestamp:  ts,
		Confidence: 0.9,
	}
}

func TestThresholdProgression(t *testing.T) {
	h, cfg := newTestHandler(t)
	t0 := time.Now()

	h.ObserveFix(goodFix(t0), pkg.TierHigh, false)
	if h.CurrentState() != StateNormal {
		t.Fatalf("expected normal after good fix, got %s", h.CurrentState())
	}

	// Outage begins on the first missed tick.
	h.Tick(t0.Add(time.Second), false)
	if h.CurrentState() != StateNormal {
		t.Fatalf("expected normal before T1, got %s", h.CurrentState())
	}

	t1 := time.Duration(cfg.DegradedThresholdS) * time.Second
	h.Tick(t0.Add(time.Second).Add(t1+time.Second), false)
	if h.CurrentState() != StateDegraded {
		t.Fatalf("expected degraded past T1, got %s", h.CurrentState())
	}
	if h.IsInFallback() {
		t.Fatal("degraded tracking must not count as fallback")
	}

	t2 := time.Duration(cfg.FallbackThresholdS) * time.Second
	h.Tick(t0.Add(time.Second).Add(t2+time.Second), false)
	if h.CurrentState() != StateFallback {
		t.Fatalf("expected fallback past T2, got %s", h.CurrentState())
	}

	fb := h.Fallback()
	if fb == nil {
		t.Fatal("expected an active fallback state")
	}
	if fb.Strategy != pkg.StrategyLastKnownHold {
		t.Errorf("no timetable with a last good fix should hold, got %s", fb.Strategy)
	}
	if fb.LastGoodLocation == nil {
		t.Error("fallback should carry the last good fix")
	}
}

func TestSnapBackOnMediumFix(t *testing.T) {
	h, cfg := newTestHandler(t)
	t0 := time.Now()

	h.ObserveFix(goodFix(t0), pkg.TierHigh, false)
	h.Tick(t0.Add(time.Second), false)
	deep := t0.Add(time.Duration(cfg.FallbackThresholdS+60) * time.Second)
	h.Tick(deep, false)
	if !h.IsInFallback() {
		t.Fatal("expected fallback before recovery")
	}

	// A single medium fix resets the outage to exactly zero.
	recovery := goodFix(deep.Add(time.Second))
	h.ObserveFix(recovery, pkg.TierMedium, false)

	if h.CurrentState() != StateNormal {
		t.Errorf("expected immediate snap back to normal, got %s", h.CurrentState())
	}
	if h.Fallback() != nil {
		t.Error("fallback state should be cleared on recovery")
	}
	if d := h.OutageDuration(recovery.Timestamp); d != 0 {
		t.Errorf("outage should reset to zero, got %s", d)
	}
}

func TestLowTierFixDoesNotReset(t *testing.T) {
	h, cfg := newTestHandler(t)
	t0 := time.Now()

	h.ObserveFix(goodFix(t0), pkg.TierHigh, false)

	// Low-tier fixes keep arriving but the outage clock keeps running.
	low := goodFix(t0.Add(time.Second))
	low.AccuracyM = 120
	h.ObserveFix(low, pkg.TierLow, false)

	deep := t0.Add(time.Duration(cfg.FallbackThresholdS+10) * time.Second)
	lowLater := goodFix(deep)
	lowLater.AccuracyM = 120
	h.ObserveFix(lowLater, pkg.TierLow, false)

	if !h.IsInFallback() {
		t.Errorf("sustained low-tier fixes past T2 should reach fallback, got %s", h.CurrentState())
	}
}

func TestStrategyPolicy(t *testing.T) {
	t0 := time.Now()

	t.Run("TimetableWins", func(t *testing.T) {
		h, cfg := newTestHandler(t)
		h.ObserveFix(goodFix(t0), pkg.TierHigh, true)
		h.Tick(t0.Add(time.Second), true)
		h.Tick(t0.Add(time.Duration(cfg.FallbackThresholdS+10)*time.Second), true)

		fb := h.Fallback()
		if fb == nil || fb.Strategy != pkg.StrategyTimetableExtrapolation {
			t.Fatalf("timetable available should extrapolate the schedule, got %+v", fb)
		}
	})

	t.Run("LastKnownHoldWithoutTimetable", func(t *testing.T) {
		h, cfg := newTestHandler(t)
		h.ObserveFix(goodFix(t0), pkg.TierHigh, false)
		h.Tick(t0.Add(time.Second), false)
		h.Tick(t0.Add(time.Duration(cfg.FallbackThresholdS+10)*time.Second), false)

		fb := h.Fallback()
		if fb == nil || fb.Strategy != pkg.StrategyLastKnownHold {
			t.Fatalf("no timetable but a last fix should hold, got %+v", fb)
		}
	})

	t.Run("RetryWithNothing", func(t *testing.T) {
		h, cfg := newTestHandler(t)
		h.Tick(t0, false)
		h.Tick(t0.Add(time.Duration(cfg.FallbackThresholdS+10)*time.Second), false)

		fb := h.Fallback()
		if fb == nil || fb.Strategy != pkg.StrategyIncreasedPollingRetry {
			t.Fatalf("nothing to go on should retry at increased rate, got %+v", fb)
		}
	})
}

func TestExtrapolateDecay(t *testing.T) {
	h, cfg := newTestHandler(t)
	t0 := time.Now()

	fix := goodFix(t0)
	h.ObserveFix(fix, pkg.TierHigh, false)

	// One half-life later confidence is halved and the position has moved
	// along the course.
	later := t0.Add(time.Duration(cfg.HoldConfidenceHalfLifeS) * time.Second)
	projected, conf, ok := h.Extrapolate(later)
	if !ok {
		t.Fatal("expected a projection from the last good fix")
	}

	want := fix.Confidence * 0.5
	if conf < want-0.01 || conf > want+0.01 {
		t.Errorf("expected confidence ~%.2f after one half-life, got %.2f", want, conf)
	}
	if projected.Longitude <= fix.Longitude {
		t.Error("eastbound fix should project east")
	}
	if projected.AccuracyM <= fix.AccuracyM {
		t.Error("projected accuracy should widen with traveled distance")
	}

	// Far beyond the half-life the raw decayed confidence may fall under the
	// configured floor; the handler reports it honestly.
	far := t0.Add(time.Duration(10*cfg.HoldConfidenceHalfLifeS) * time.Second)
	_, conf, ok = h.Extrapolate(far)
	if !ok {
		t.Fatal("expected a projection")
	}
	if conf >= cfg.HoldConfidenceFloor {
		t.Errorf("expected confidence below the floor after 10 half-lives, got %.4f", conf)
	}
}

func TestExtrapolateWithoutFix(t *testing.T) {
	h, _ := newTestHandler(t)
	if _, _, ok := h.Extrapolate(time.Now()); ok {
		t.Error("no last good fix means no projection")
	}
}
