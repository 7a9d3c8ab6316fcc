package timetable

import (
	"fmt"
	"time"

	"github.com/stationwake/stationwake/pkg"
	"github.com/stationwake/stationwake/pkg/config"
)

// DeviationCalculator compares timetable-derived and location-derived
// progress toward the target station.
type DeviationCalculator struct {
	config *config.Config
}

// NewDeviationCalculator creates a deviation calculator.
func NewDeviationCalculator(cfg *config.Config) *DeviationCalculator {
	return &DeviationCalculator{config: cfg}
}

// Compute builds a Deviation from the two ETA estimates. The journey is
// delayed when the observed (location-derived) estimate lags the scheduled
// one by more than the configured tolerance band.
func (dc *DeviationCalculator) Compute(scheduledETA, observedETA time.Duration) *pkg.Deviation {
	delta := observedETA - scheduledETA
	tolerance := time.Duration(dc.config.DeviationToleranceS) * time.Second

	dev := &pkg.Deviation{
		ScheduledETA: scheduledETA,
		ObservedETA:  observedETA,
		Delta:        delta,
		IsDelayed:    delta > tolerance,
	}
	dev.DisplayText = displayText(delta, tolerance)
	return dev
}

func displayText(delta, tolerance time.Duration) string {
	switch {
	case delta > tolerance:
		return fmt.Sprintf("delayed %s", roundMinutes(delta))
	case delta < -tolerance:
		return fmt.Sprintf("%s ahead of schedule", roundMinutes(-delta))
	default:
		return "on time"
	}
}

func roundMinutes(d time.Duration) string {
	m := int((d + 30*time.Second) / time.Minute)
	if m < 1 {
		m = 1
	}
	return fmt.Sprintf("%dm", m)
}
