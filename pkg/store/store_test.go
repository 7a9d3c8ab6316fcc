package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stationwake/stationwake/pkg"
	"github.com/stationwake/stationwake/pkg/logx"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "alerts.db")
	s, err := New(path, logx.NewLogger("debug", "test"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAlertRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	arrival := time.Date(2026, 3, 2, 8, 42, 0, 0, time.UTC)
	alert := &pkg.Alert{
		ID:                 "a1",
		Name:               "Morning commute",
		Target:             pkg.Coordinate{Latitude: 59.33, Longitude: 18.06},
		TargetStation:      "Central",
		ScheduledArrival:   &arrival,
		LeadTime:           5 * time.Minute,
		LeadDistanceM:      500,
		UseTimeTrigger:     true,
		UseDistanceTrigger: true,
		PreferredMode:      pkg.ModeTimetableOnly,
		SnoozeInterval:     90 * time.Second,
		SnoozeStations:     2,
		Repeat:             pkg.RepeatCustom,
		RepeatDays:         []time.Weekday{time.Monday, time.Thursday},
		BaseHour:           7,
		BaseMinute:         45,
		State:              pkg.AlertSnoozed,
		IsActive:           true,
		SnoozeLeft:         1,
		UpdatedAt:          time.Now().UTC().Truncate(time.Second),
	}

	if err := s.SaveAlert(ctx, alert); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	alerts, err := s.LoadAlerts(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected one alert, got %d", len(alerts))
	}

	got := alerts[0]
	if got.PreferredMode != pkg.ModeTimetableOnly {
		t.Errorf("preferred mode round trip failed: %s", got.PreferredMode)
	}
	if got.Repeat != pkg.RepeatCustom {
		t.Errorf("repeat round trip failed: %s", got.Repeat)
	}
	if len(got.RepeatDays) != 2 || got.RepeatDays[0] != time.Monday || got.RepeatDays[1] != time.Thursday {
		t.Errorf("repeat days round trip failed: %v", got.RepeatDays)
	}
	if got.State != pkg.AlertSnoozed {
		t.Errorf("state round trip failed: %s", got.State)
	}
	if got.LeadTime != 5*time.Minute {
		t.Errorf("lead time round trip failed: %s", got.LeadTime)
	}
	if got.SnoozeInterval != 90*time.Second {
		t.Errorf("snooze interval round trip failed: %s", got.SnoozeInterval)
	}
	if got.ScheduledArrival == nil || !got.ScheduledArrival.Equal(arrival) {
		t.Errorf("scheduled arrival round trip failed: %v", got.ScheduledArrival)
	}
	if got.Target != alert.Target {
		t.Errorf("target round trip failed: %+v", got.Target)
	}
}

func TestSaveReplacesExisting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alert := &pkg.Alert{ID: "a1", State: pkg.AlertArmed, IsActive: true}
	if err := s.SaveAlert(ctx, alert); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	alert.State = pkg.AlertCompleted
	alert.IsActive = false
	if err := s.SaveAlert(ctx, alert); err != nil {
		t.Fatalf("second save failed: %v", err)
	}

	alerts, err := s.LoadAlerts(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected one alert after replace, got %d", len(alerts))
	}
	if alerts[0].State != pkg.AlertCompleted || alerts[0].IsActive {
		t.Errorf("expected replaced record, got state=%s active=%v",
			alerts[0].State, alerts[0].IsActive)
	}
}

func TestHistoryOrderAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		err := s.AppendHistory(ctx, &pkg.HistoryEntry{
			AlertID: "a1",
			Message: "notified",
			FiredAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}

	entries, err := s.History(ctx, "a1", 3)
	if err != nil {
		t.Fatalf("history read failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries with limit, got %d", len(entries))
	}
	// Newest first.
	if !entries[0].FiredAt.After(entries[1].FiredAt) {
		t.Errorf("expected newest first, got %s then %s", entries[0].FiredAt, entries[1].FiredAt)
	}
	if !entries[0].FiredAt.Equal(base.Add(4 * time.Minute)) {
		t.Errorf("expected newest entry at +4m, got %s", entries[0].FiredAt)
	}

	// An alert with no history is empty, not an error.
	entries, err = s.History(ctx, "missing", 10)
	if err != nil {
		t.Fatalf("missing history read failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty history, got %d entries", len(entries))
	}
}

func TestDeleteAlertDropsHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveAlert(ctx, &pkg.Alert{ID: "a1", State: pkg.AlertArmed}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := s.AppendHistory(ctx, &pkg.HistoryEntry{AlertID: "a1", FiredAt: time.Now()}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	if err := s.DeleteAlert(ctx, "a1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	alerts, err := s.LoadAlerts(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(alerts) != 0 {
		t.Errorf("expected no alerts after delete, got %d", len(alerts))
	}

	entries, err := s.History(ctx, "a1", 10)
	if err != nil {
		t.Fatalf("history read failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected history dropped with alert, got %d entries", len(entries))
	}
}
