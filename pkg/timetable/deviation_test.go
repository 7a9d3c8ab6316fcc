package timetable

import (
	"testing"
	"time"

	"github.com/stationwake/stationwake/pkg/config"
)

func TestDeviationCompute(t *testing.T) {
	cfg := config.Default() // 60s tolerance
	dc := NewDeviationCalculator(cfg)

	tests := []struct {
		name        string
		scheduled   time.Duration
		observed    time.Duration
		wantDelayed bool
		wantText    string
	}{
		{"on time exactly", 10 * time.Minute, 10 * time.Minute, false, "on time"},
		{"within tolerance behind", 10 * time.Minute, 10*time.Minute + 45*time.Second, false, "on time"},
		{"within tolerance ahead", 10 * time.Minute, 10*time.Minute - 45*time.Second, false, "on time"},
		{"delayed two minutes", 10 * time.Minute, 12 * time.Minute, true, "delayed 2m"},
		{"ahead of schedule", 10 * time.Minute, 7 * time.Minute, false, "3m ahead of schedule"},
		{"barely past tolerance", 10 * time.Minute, 10*time.Minute + 61*time.Second, true, "delayed 1m"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := dc.Compute(tt.scheduled, tt.observed)
			if dev.IsDelayed != tt.wantDelayed {
				t.Errorf("IsDelayed = %v, want %v", dev.IsDelayed, tt.wantDelayed)
			}
			if dev.DisplayText != tt.wantText {
				t.Errorf("DisplayText = %q, want %q", dev.DisplayText, tt.wantText)
			}
			if dev.Delta != tt.observed-tt.scheduled {
				t.Errorf("Delta = %s, want %s", dev.Delta, tt.observed-tt.scheduled)
			}
		})
	}
}
