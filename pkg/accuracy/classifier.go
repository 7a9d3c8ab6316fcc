package accuracy

import (
	"sync"
	"time"

	"github.com/stationwake/stationwake/pkg"
	"github.com/stationwake/stationwake/pkg/config"
	"github.com/stationwake/stationwake/pkg/logx"
)

// Classifier turns raw positioning fixes into an accuracy tier, an inferred
// environment and a recommended update profile. Tier classification is a pure
// function of horizontal accuracy; environment inference uses a short rolling
// window so a single degraded fix does not flip the environment.
type Classifier struct {
	mu sync.RWMutex

	config *config.Config
	logger *logx.Logger

	window  []*pkg.LocationSample
	lastFix time.Time
	lastEnv pkg.Environment
}

// NewClassifier creates a new accuracy classifier.
func NewClassifier(cfg *config.Config, logger *logx.Logger) *Classifier {
	return &Classifier{
		config:  cfg,
		logger:  logger,
		window:  make([]*pkg.LocationSample, 0, cfg.EnvWindowSize),
		lastEnv: pkg.EnvUnknown,
	}
}

// TierFor maps a horizontal accuracy radius to an accuracy tier. Monotonic:
// a worse (larger) radius never yields a better tier. Radii beyond the low
// band are unusable and classify as unavailable.
func (c *Classifier) TierFor(accuracyM float64) pkg.AccuracyTier {
	switch {
	case accuracyM < 0:
		return pkg.TierUnavailable
	case accuracyM <= c.config.AccuracyHighM:
		return pkg.TierHigh
	case accuracyM <= c.config.AccuracyMediumM:
		return pkg.TierMedium
	case accuracyM <= c.config.AccuracyLowM:
		return pkg.TierLow
	default:
		return pkg.TierUnavailable
	}
}

// Classify processes one fix. The sample's Confidence field is filled in as a
// side effect of classification.
func (c *Classifier) Classify(sample *pkg.LocationSample) (pkg.AccuracyTier, pkg.Environment, pkg.UpdateProfile) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tier := c.TierFor(sample.AccuracyM)
	sample.Confidence = c.confidenceFor(tier, sample.AccuracyM)

	c.pushSample(sample)
	c.lastFix = sample.Timestamp

	env := c.inferEnvironment()
	c.lastEnv = env

	profile := c.profileFor(tier)

	c.logger.Debug("Classified fix",
		"tier", tier.String(),
		"environment", env.String(),
		"accuracy_m", sample.AccuracyM,
		"satellites", sample.Satellites,
		"confidence", sample.Confidence)

	return tier, env, profile
}

// ClassifyAbsent reports the classification when no fix has arrived within the
// fix timeout. This is a normal input state, not an error.
func (c *Classifier) ClassifyAbsent() (pkg.AccuracyTier, pkg.Environment, pkg.UpdateProfile) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return pkg.TierUnavailable, c.lastEnv, c.profileFor(pkg.TierUnavailable)
}

// FixTimedOut reports whether the last fix is older than the configured fix
// timeout.
func (c *Classifier) FixTimedOut(now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastFix.IsZero() {
		return true
	}
	return now.Sub(c.lastFix) > time.Duration(c.config.FixTimeoutS)*time.Second
}

// LastEnvironment returns the most recently inferred environment.
func (c *Classifier) LastEnvironment() pkg.Environment {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastEnv
}

func (c *Classifier) confidenceFor(tier pkg.AccuracyTier, accuracyM float64) float64 {
	if tier == pkg.TierUnavailable {
		return 0
	}
	conf := 1.0 - accuracyM/c.config.AccuracyLowM
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	return conf
}

func (c *Classifier) pushSample(sample *pkg.LocationSample) {
	c.window = append(c.window, sample)
	if len(c.window) > c.config.EnvWindowSize {
		c.window = c.window[1:]
	}
}

// inferEnvironment looks for a pattern across the rolling window: sustained
// accuracy degradation plus satellite loss plus a plausible speed/altitude
// signature. Caller holds the lock.
func (c *Classifier) inferEnvironment() pkg.Environment {
	if len(c.window) < c.config.EnvWindowSize {
		return c.quickEnvironment()
	}

	degraded := 0
	satLoss := 0
	var speedSum, altSum float64
	for _, s := range c.window {
		if s.AccuracyM < 0 || s.AccuracyM > c.config.EnvDegradedAccuracyM {
			degraded++
		}
		if s.Satellites < c.config.EnvMinSatellites {
			satLoss++
		}
		speedSum += s.SpeedMPS
		altSum += s.Altitude
	}
	n := len(c.window)
	avgSpeed := speedSum / float64(n)
	avgAlt := altSum / float64(n)
	latest := c.window[n-1]
	majority := n/2 + 1

	if degraded < majority && satLoss < majority {
		return pkg.EnvOutdoor
	}
	if degraded < majority {
		// Satellite loss alone without degradation is inconclusive.
		return c.lastEnv
	}

	altitudeDropping := latest.Altitude < avgAlt-c.config.EnvAltitudeDropM

	switch {
	case satLoss >= majority && avgSpeed >= c.config.EnvSubwaySpeedMinMPS &&
		avgSpeed <= c.config.EnvSubwaySpeedMaxMPS && altitudeDropping:
		return pkg.EnvUnderground
	case satLoss >= majority && avgSpeed >= c.config.EnvTunnelSpeedMinMPS:
		return pkg.EnvTunnel
	case avgSpeed < c.config.EnvIndoorSpeedMaxMPS:
		return pkg.EnvIndoor
	default:
		return pkg.EnvUnknown
	}
}

// quickEnvironment handles a partially filled window: only a clearly good fix
// run is conclusive.
func (c *Classifier) quickEnvironment() pkg.Environment {
	if len(c.window) == 0 {
		return pkg.EnvUnknown
	}
	latest := c.window[len(c.window)-1]
	if latest.AccuracyM >= 0 && latest.AccuracyM <= c.config.AccuracyMediumM &&
		latest.Satellites >= c.config.EnvMinSatellites {
		return pkg.EnvOutdoor
	}
	return pkg.EnvUnknown
}

// profileFor maps an accuracy tier and the battery optimization flag to a
// polling cadence and power mode. Caller may hold either lock.
func (c *Classifier) profileFor(tier pkg.AccuracyTier) pkg.UpdateProfile {
	var profile pkg.UpdateProfile
	switch tier {
	case pkg.TierHigh:
		profile = pkg.UpdateProfile{
			Interval: time.Duration(c.config.PollIntervalHighMS) * time.Millisecond,
			Power:    pkg.PowerFull,
		}
	case pkg.TierMedium:
		profile = pkg.UpdateProfile{
			Interval: time.Duration(c.config.PollIntervalMediumMS) * time.Millisecond,
			Power:    pkg.PowerFull,
		}
	case pkg.TierLow:
		profile = pkg.UpdateProfile{
			Interval: time.Duration(c.config.PollIntervalLowMS) * time.Millisecond,
			Power:    pkg.PowerBalanced,
		}
	default:
		profile = pkg.UpdateProfile{
			Interval: time.Duration(c.config.PollIntervalUnavailableMS) * time.Millisecond,
			Power:    pkg.PowerSaver,
		}
	}

	if c.config.BatteryOptimization {
		factor := c.config.BatteryIntervalFactor
		if factor < 1 {
			factor = 1
		}
		profile.Interval *= time.Duration(factor)
		profile.Power = pkg.PowerSaver
	}
	return profile
}
