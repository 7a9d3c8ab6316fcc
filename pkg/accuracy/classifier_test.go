package accuracy

import (
	"testing"
	"time"

	"github.com/stationwake/stationwake/pkg"
	"github.com/stationwake/stationwake/pkg/config"
	"github.com/stationwake/stationwake/pkg/logx"
)

func newTestClassifier(t *testing.T) (*Classifier, *config.Config) {
	t.Helper()
	cfg := config.Default()
	logger := logx.NewLogger("debug", "test")
	return NewClassifier(cfg, logger), cfg
}

func sampleAt(ts time.Time, accuracyM float64, satellites int, speedMPS, altitude float64) *pkg.LocationSample {
	return &pkg.LocationSample{
		Latitude:   59.33,
		Longitude:  18.06,
		Altitude:   altitude,
		AccuracyM:  accuracyM,
		SpeedMPS:   speedMPS,
		Satellites: satellites,
		Timestamp:  ts,
	}
}

func TestTierForBands(t *testing.T) {
	c, cfg := newTestClassifier(t)

	tests := []struct {
		name      string
		accuracyM float64
		want      pkg.AccuracyTier
	}{
		{"negative is invalid", -1, pkg.TierUnavailable},
		{"zero is high", 0, pkg.TierHigh},
		{"high band edge", cfg.AccuracyHighM, pkg.TierHigh},
		{"just past high band", cfg.AccuracyHighM + 0.1, pkg.TierMedium},
		{"medium band edge", cfg.AccuracyMediumM, pkg.TierMedium},
		{"low band edge", cfg.AccuracyLowM, pkg.TierLow},
		{"beyond low band", cfg.AccuracyLowM + 1, pkg.TierUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.TierFor(tt.accuracyM); got != tt.want {
				t.Errorf("TierFor(%.1f) = %s, want %s", tt.accuracyM, got, tt.want)
			}
		})
	}
}

func TestTierForMonotonic(t *testing.T) {
	c, cfg := newTestClassifier(t)

	// A worse radius must never yield a better tier.
	prev := pkg.TierHigh
	for acc := 0.0; acc <= cfg.AccuracyLowM+50; acc += 1.0 {
		tier := c.TierFor(acc)
		if tier > prev {
			t.Fatalf("tier improved from %s to %s as accuracy worsened to %.0fm", prev, tier, acc)
		}
		prev = tier
	}
}

func TestClassifyConfidence(t *testing.T) {
	c, _ := newTestClassifier(t)
	now := time.Now()

	good := sampleAt(now, 10, 9, 5, 20)
	tier, _, _ := c.Classify(good)
	if tier != pkg.TierHigh {
		t.Fatalf("expected high tier, got %s", tier)
	}
	if good.Confidence <= 0.8 {
		t.Errorf("expected confidence > 0.8 for a 10m fix, got %.2f", good.Confidence)
	}

	bad := sampleAt(now.Add(time.Second), 500, 2, 5, 20)
	tier, _, _ = c.Classify(bad)
	if tier != pkg.TierUnavailable {
		t.Fatalf("expected unavailable tier, got %s", tier)
	}
	if bad.Confidence != 0 {
		t.Errorf("expected zero confidence for an unusable fix, got %.2f", bad.Confidence)
	}
}

func TestEnvironmentInference(t *testing.T) {
	now := time.Now()

	t.Run("OutdoorOnGoodFixes", func(t *testing.T) {
		c, cfg := newTestClassifier(t)
		var env pkg.Environment
		for i := 0; i < cfg.EnvWindowSize; i++ {
			s := sampleAt(now.Add(time.Duration(i)*time.Second), 15, 8, 10, 20)
			_, env, _ = c.Classify(s)
		}
		if env != pkg.EnvOutdoor {
			t.Errorf("expected outdoor, got %s", env)
		}
	})

	t.Run("UndergroundSignature", func(t *testing.T) {
		c, cfg := newTestClassifier(t)
		// Sustained degradation, satellite loss, subway-range speed and
		// dropping altitude.
		var env pkg.Environment
		for i := 0; i < cfg.EnvWindowSize; i++ {
			alt := 20.0 - float64(i)*8
			s := sampleAt(now.Add(time.Duration(i)*time.Second), 200, 1, 12, alt)
			_, env, _ = c.Classify(s)
		}
		if env != pkg.EnvUnderground {
			t.Errorf("expected underground, got %s", env)
		}
	})

	t.Run("TunnelSignature", func(t *testing.T) {
		c, cfg := newTestClassifier(t)
		// High speed, satellite loss, level altitude.
		var env pkg.Environment
		for i := 0; i < cfg.EnvWindowSize; i++ {
			s := sampleAt(now.Add(time.Duration(i)*time.Second), 200, 1, 25, 20)
			_, env, _ = c.Classify(s)
		}
		if env != pkg.EnvTunnel {
			t.Errorf("expected tunnel, got %s", env)
		}
	})

	t.Run("IndoorSignature", func(t *testing.T) {
		c, cfg := newTestClassifier(t)
		// Degraded accuracy but satellites still visible, barely moving.
		var env pkg.Environment
		for i := 0; i < cfg.EnvWindowSize; i++ {
			s := sampleAt(now.Add(time.Duration(i)*time.Second), 200, 6, 0.5, 20)
			_, env, _ = c.Classify(s)
		}
		if env != pkg.EnvIndoor {
			t.Errorf("expected indoor, got %s", env)
		}
	})

	t.Run("IndoorCeilingIsConfigurable", func(t *testing.T) {
		cfg := config.Default()
		cfg.EnvIndoorSpeedMaxMPS = 0.2
		c := NewClassifier(cfg, logx.NewLogger("debug", "test"))
		// The same barely-moving pattern stops reading as indoor once the
		// ceiling is tightened below the observed speed.
		var env pkg.Environment
		for i := 0; i < cfg.EnvWindowSize; i++ {
			s := sampleAt(now.Add(time.Duration(i)*time.Second), 200, 6, 0.5, 20)
			_, env, _ = c.Classify(s)
		}
		if env == pkg.EnvIndoor {
			t.Error("speed above env_indoor_speed_max_mps must not classify as indoor")
		}
	})
}

func TestFixTimeout(t *testing.T) {
	c, cfg := newTestClassifier(t)
	now := time.Now()

	if !c.FixTimedOut(now) {
		t.Error("expected timeout before any fix arrived")
	}

	c.Classify(sampleAt(now, 10, 8, 5, 20))
	if c.FixTimedOut(now.Add(time.Second)) {
		t.Error("fresh fix should not count as timed out")
	}
	if !c.FixTimedOut(now.Add(time.Duration(cfg.FixTimeoutS+1) * time.Second)) {
		t.Error("expected timeout after fix_timeout_s elapsed")
	}

	tier, _, profile := c.ClassifyAbsent()
	if tier != pkg.TierUnavailable {
		t.Errorf("absent classification should be unavailable, got %s", tier)
	}
	if profile.Power != pkg.PowerSaver {
		t.Errorf("absent profile should be power saver, got %s", profile.Power)
	}
}

func TestBatteryOptimizedProfile(t *testing.T) {
	cfg := config.Default()
	cfg.BatteryOptimization = true
	c := NewClassifier(cfg, logx.NewLogger("debug", "test"))

	s := sampleAt(time.Now(), 10, 8, 5, 20)
	_, _, profile := c.Classify(s)

	base := time.Duration(cfg.PollIntervalHighMS) * time.Millisecond
	want := base * time.Duration(cfg.BatteryIntervalFactor)
	if profile.Interval != want {
		t.Errorf("expected stretched interval %s, got %s", want, profile.Interval)
	}
	if profile.Power != pkg.PowerSaver {
		t.Errorf("expected power saver under battery optimization, got %s", profile.Power)
	}
}
