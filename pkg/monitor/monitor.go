package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stationwake/stationwake/pkg"
	"github.com/stationwake/stationwake/pkg/accuracy"
	"github.com/stationwake/stationwake/pkg/config"
	"github.com/stationwake/stationwake/pkg/decision"
	"github.com/stationwake/stationwake/pkg/logx"
	"github.com/stationwake/stationwake/pkg/metrics"
	"github.com/stationwake/stationwake/pkg/notify"
	"github.com/stationwake/stationwake/pkg/telem"
)

// Monitor owns the alert lifecycle: it feeds fixes and timers into the
// decision engine, turns notify decisions into delivered notifications, and
// walks alerts through armed, triggered, snoozed, repeat and completed states.
//
// All alert mutation happens on the run loop goroutine; external calls enqueue
// closures so lifecycle transitions are strictly serialized.
type Monitor struct {
	config     *config.Config
	logger     *logx.Logger
	engine     *decision.Engine
	classifier *accuracy.Classifier
	store      pkg.AlertStore
	scheduler  pkg.NotificationScheduler
	timetables pkg.TimetableService
	telem      *telem.Store
	metrics    *metrics.Metrics

	mu         sync.RWMutex
	alerts     map[string]*pkg.Alert
	timetable  map[string]*pkg.Timetable // latest fetched timetable per alert
	lastSample *pkg.LocationSample
	lastEnv    pkg.Environment
	profile    pkg.UpdateProfile

	queue chan func()
	now   func() time.Time
}

// New creates an alert monitor.
func New(cfg *config.Config, logger *logx.Logger, engine *decision.Engine,
	classifier *accuracy.Classifier, store pkg.AlertStore,
	scheduler pkg.NotificationScheduler, timetables pkg.TimetableService,
	telemStore *telem.Store, m *metrics.Metrics,
) *Monitor {
	queueSize := cfg.TickQueueSize
	if queueSize < 1 {
		queueSize = 1
	}
	return &Monitor{
		config:     cfg,
		logger:     logger,
		engine:     engine,
		classifier: classifier,
		store:      store,
		scheduler:  scheduler,
		timetables: timetables,
		telem:      telemStore,
		metrics:    m,
		alerts:     make(map[string]*pkg.Alert),
		timetable:  make(map[string]*pkg.Timetable),
		profile:    pkg.UpdateProfile{Interval: 30 * time.Second, Power: pkg.PowerBalanced},
		queue:      make(chan func(), queueSize),
		now:        time.Now,
	}
}

// Run consumes the serialized work queue until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("Alert monitor started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Alert monitor stopped")
			return
		case fn := <-m.queue:
			fn()
		}
	}
}

// enqueue hands work to the run loop and waits for it to finish.
func (m *Monitor) enqueue(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case m.queue <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleFix processes one positioning fix asynchronously.
func (m *Monitor) HandleFix(sample *pkg.LocationSample) {
	select {
	case m.queue <- func() { m.processFix(sample) }:
	default:
		// A full queue means ticks are already backed up; dropping the fix is
		// safer than blocking the location provider.
		m.logger.Warn("Work queue full, dropping fix")
	}
}

// HandleTimer processes one timer tick asynchronously.
func (m *Monitor) HandleTimer() {
	select {
	case m.queue <- func() { m.processTimer() }:
	default:
		m.logger.Warn("Work queue full, dropping timer tick")
	}
}

// UpdateProfile returns the currently recommended polling profile.
func (m *Monitor) UpdateProfile() pkg.UpdateProfile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.profile
}

// processFix classifies the fix and runs a decision tick for every alert.
func (m *Monitor) processFix(sample *pkg.LocationSample) {
	now := m.now()
	tier, env, profile := m.classifier.Classify(sample)

	m.mu.Lock()
	m.lastSample = sample
	m.profile = profile
	prevEnv := m.lastEnv
	m.lastEnv = env
	m.mu.Unlock()

	m.telem.AddSample(sample)

	if env != prevEnv && (env == pkg.EnvUnderground || env == pkg.EnvTunnel) {
		m.telem.AddEvent(&pkg.Event{
			Timestamp: now,
			Type:      pkg.EventDegradedTracking,
			Reason:    env.String(),
			Data: map[string]interface{}{
				"tier":       tier.String(),
				"accuracy_m": sample.AccuracyM,
			},
		})
	}

	m.tickAlerts(decision.Input{Sample: sample, Tier: tier, Now: now})
	m.lifecyclePass(now)
}

// processTimer advances outage clocks when no fix has arrived and walks
// lifecycle transitions that are time-driven rather than fix-driven.
func (m *Monitor) processTimer() {
	now := m.now()

	if m.classifier.FixTimedOut(now) {
		tier, _, profile := m.classifier.ClassifyAbsent()
		m.mu.Lock()
		m.profile = profile
		m.mu.Unlock()
		m.tickAlerts(decision.Input{Sample: nil, Tier: tier, Now: now})
	}

	m.lifecyclePass(now)
}

// tickAlerts runs one engine tick for every armed alert.
func (m *Monitor) tickAlerts(in decision.Input) {
	for _, alert := range m.activeAlerts() {
		if alert.State != pkg.AlertArmed {
			continue
		}

		m.mu.RLock()
		in.Timetable = m.timetable[alert.ID]
		m.mu.RUnlock()

		wasFallback := false
		if h := m.engine.LossHandler(alert.ID); h != nil {
			wasFallback = h.IsInFallback()
		}

		d := m.engine.Tick(alert, in)
		m.telem.AddDecision(alert.ID, d)
		m.metrics.ObserveDecision(d)

		if h := m.engine.LossHandler(alert.ID); h != nil {
			m.noteFallbackTransition(alert.ID, wasFallback, h.IsInFallback(), in.Now)
		}

		if d.ShouldNotify {
			m.trigger(alert, d, in.Now)
		}
	}
}

func (m *Monitor) noteFallbackTransition(alertID string, was, is bool, now time.Time) {
	if was == is {
		return
	}
	eventType := pkg.EventFallbackCleared
	if is {
		eventType = pkg.EventFallbackEntered
		if m.metrics != nil {
			m.metrics.FallbackTransitions.Inc()
		}
	}
	m.telem.AddEvent(&pkg.Event{Timestamp: now, Type: eventType, AlertID: alertID})
}

// trigger delivers one notification. State is persisted before delivery so a
// crash between the two produces a re-delivery, never a silent miss. A
// delivery failure reverts to armed and the engine latch re-fires next tick.
func (m *Monitor) trigger(alert *pkg.Alert, d *pkg.Decision, now time.Time) {
	ctx := context.Background()

	prevState := alert.State
	alert.State = pkg.AlertTriggered
	alert.LastNotifiedAt = now
	alert.UpdatedAt = now

	if err := m.store.SaveAlert(ctx, alert); err != nil {
		m.logger.Error("Failed to persist triggered state, will retry",
			"alert", alert.ID, "error", err)
		alert.State = prevState
		return
	}

	id := notify.OccurrenceID(alert.ID, now)
	title, body := m.notificationText(alert, d)
	if err := m.scheduler.Schedule(ctx, id, title, body, now); err != nil {
		m.logger.Error("Failed to schedule notification, will retry",
			"alert", alert.ID, "error", err)
		if m.metrics != nil {
			m.metrics.NotificationFailures.Inc()
		}
		m.telem.AddEvent(&pkg.Event{
			Timestamp: now,
			Type:      pkg.EventNotificationFailed,
			AlertID:   alert.ID,
			Reason:    err.Error(),
		})
		alert.State = pkg.AlertArmed
		alert.UpdatedAt = now
		if saveErr := m.store.SaveAlert(ctx, alert); saveErr != nil {
			m.logger.Error("Failed to revert alert state", "alert", alert.ID, "error", saveErr)
		}
		return
	}

	if m.metrics != nil {
		m.metrics.NotificationsFired.Inc()
	}
	m.telem.AddEvent(&pkg.Event{
		Timestamp: now,
		Type:      pkg.EventNotificationFired,
		AlertID:   alert.ID,
		Reason:    d.Reason,
	})
	if err := m.store.AppendHistory(ctx, &pkg.HistoryEntry{
		AlertID: alert.ID,
		Message: body,
		FiredAt: now,
	}); err != nil {
		m.logger.Warn("Failed to append notification history", "alert", alert.ID, "error", err)
	}

	m.logger.Info("Notification delivered",
		"alert", alert.ID,
		"reason", d.Reason,
		"mode", d.Mode.String(),
		"confidence", d.Confidence)
}

// notificationText builds the user-facing notification content.
func (m *Monitor) notificationText(alert *pkg.Alert, d *pkg.Decision) (string, string) {
	title := fmt.Sprintf("Approaching %s", alert.TargetStation)

	var body string
	switch {
	case d.Reason == pkg.ReasonSafeTimeout:
		body = fmt.Sprintf("Tracking lost for a while — you may be close to %s. Check your stop.", alert.TargetStation)
	case d.ETA != nil:
		body = fmt.Sprintf("Arriving at %s in about %s. Time to get ready.",
			alert.TargetStation, d.ETA.Round(time.Minute))
	case d.DistanceM != nil:
		body = fmt.Sprintf("About %.0f m from %s. Time to get ready.",
			*d.DistanceM, alert.TargetStation)
	default:
		body = fmt.Sprintf("Getting close to %s. Time to get ready.", alert.TargetStation)
	}

	if d.Deviation != nil && d.Deviation.IsDelayed {
		body += " Train is " + d.Deviation.DisplayText + "."
	}
	return title, body
}

// lifecyclePass walks time-driven state transitions: resolving triggered
// occurrences, waking snoozed alerts and arming due repeat occurrences.
func (m *Monitor) lifecyclePass(now time.Time) {
	ctx := context.Background()

	for _, alert := range m.activeAlerts() {
		switch alert.State {
		case pkg.AlertTriggered:
			m.resolveOccurrence(ctx, alert, now)

		case pkg.AlertSnoozed:
			if now.Sub(alert.LastNotifiedAt) >= alert.SnoozeInterval {
				m.engine.ResetOccurrence(alert.ID)
				alert.State = pkg.AlertArmed
				alert.UpdatedAt = now
				m.saveQuiet(ctx, alert)
				m.telem.AddEvent(&pkg.Event{
					Timestamp: now,
					Type:      pkg.EventAlertRearmed,
					AlertID:   alert.ID,
					Reason:    "snooze_elapsed",
				})
				m.logger.Info("Snooze elapsed, alert re-armed",
					"alert", alert.ID, "snoozes_left", alert.SnoozeLeft)
			}

		case pkg.AlertIdle:
			if alert.Repeat != pkg.RepeatNone && !alert.NextOccurrence.IsZero() &&
				!now.Before(alert.NextOccurrence) {
				m.engine.ResetOccurrence(alert.ID)
				alert.State = pkg.AlertArmed
				alert.SnoozeLeft = alert.SnoozeStations
				alert.UpdatedAt = now
				m.saveQuiet(ctx, alert)
				m.telem.AddEvent(&pkg.Event{
					Timestamp: now,
					Type:      pkg.EventAlertRearmed,
					AlertID:   alert.ID,
					Reason:    "occurrence_due",
				})
				m.logger.Info("Repeat occurrence due, alert armed", "alert", alert.ID)
			}
		}
	}
}

// resolveOccurrence decides what happens after a delivered notification:
// another snooze round, a reschedule for repeating alerts, or completion.
func (m *Monitor) resolveOccurrence(ctx context.Context, alert *pkg.Alert, now time.Time) {
	switch {
	case alert.SnoozeStations > 0 && alert.SnoozeLeft > 0:
		alert.SnoozeLeft--
		alert.State = pkg.AlertSnoozed
		alert.UpdatedAt = now
		m.saveQuiet(ctx, alert)
		m.logger.Info("Alert snoozed", "alert", alert.ID, "snoozes_left", alert.SnoozeLeft)

	case alert.Repeat != pkg.RepeatNone:
		m.engine.ResetOccurrence(alert.ID)
		alert.State = pkg.AlertIdle
		alert.SnoozeLeft = alert.SnoozeStations
		alert.NextOccurrence = nextOccurrence(alert, now)
		alert.UpdatedAt = now
		m.saveQuiet(ctx, alert)
		m.telem.AddEvent(&pkg.Event{
			Timestamp: now,
			Type:      pkg.EventAlertCompleted,
			AlertID:   alert.ID,
			Reason:    "rescheduled",
		})
		m.logger.Info("Occurrence complete, rescheduled",
			"alert", alert.ID,
			"next_occurrence", alert.NextOccurrence.Format(time.RFC3339))

	default:
		m.engine.ResetOccurrence(alert.ID)
		alert.State = pkg.AlertCompleted
		alert.IsActive = false
		alert.UpdatedAt = now
		m.saveQuiet(ctx, alert)
		m.telem.AddEvent(&pkg.Event{
			Timestamp: now,
			Type:      pkg.EventAlertCompleted,
			AlertID:   alert.ID,
		})
		m.logger.Info("Alert completed", "alert", alert.ID)
	}
}

func (m *Monitor) saveQuiet(ctx context.Context, alert *pkg.Alert) {
	if err := m.store.SaveAlert(ctx, alert); err != nil {
		m.logger.Error("Failed to persist alert state", "alert", alert.ID, "error", err)
	}
}

// activeAlerts returns the monitored alerts in a stable order-independent
// slice. The run loop is the only mutator, so entries are safe to mutate from
// there.
func (m *Monitor) activeAlerts() []*pkg.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*pkg.Alert, 0, len(m.alerts))
	for _, alert := range m.alerts {
		if alert.IsActive {
			out = append(out, alert)
		}
	}
	return out
}

// ReloadAlerts replaces the monitored set from the store. In-flight triggered
// and snoozed alerts keep their runtime state when the stored record did not
// change; alerts gone from the store are torn down. A stored triggered record
// with no live counterpart means delivery was never confirmed, so it is
// re-driven rather than resolved. Safe to call repeatedly.
func (m *Monitor) ReloadAlerts(ctx context.Context) error {
	loaded, err := m.store.LoadAlerts(ctx)
	if err != nil {
		return fmt.Errorf("failed to reload alerts: %w", err)
	}

	return m.enqueue(ctx, func() {
		now := m.now()
		next := make(map[string]*pkg.Alert, len(loaded))
		var undelivered []*pkg.Alert

		m.mu.Lock()
		for _, alert := range loaded {
			if existing, ok := m.alerts[alert.ID]; ok &&
				(existing.State == pkg.AlertTriggered || existing.State == pkg.AlertSnoozed) &&
				!alert.UpdatedAt.After(existing.UpdatedAt) {
				next[alert.ID] = existing
				continue
			}
			if alert.IsActive && alert.State == pkg.AlertIdle && alert.Repeat != pkg.RepeatNone &&
				alert.NextOccurrence.IsZero() {
				alert.NextOccurrence = nextOccurrence(alert, now)
			}
			if alert.IsActive && alert.State == pkg.AlertTriggered {
				undelivered = append(undelivered, alert)
			}
			next[alert.ID] = alert
		}

		var removed []string
		for id := range m.alerts {
			if _, ok := next[id]; !ok {
				removed = append(removed, id)
			}
		}
		m.alerts = next
		for _, id := range removed {
			delete(m.timetable, id)
		}
		count := len(next)
		m.mu.Unlock()

		for _, id := range removed {
			m.teardown(ctx, id, now)
		}
		for _, alert := range undelivered {
			m.redeliver(ctx, alert, now)
		}

		if m.metrics != nil {
			m.metrics.MonitoredAlerts.Set(float64(count))
		}
		m.logger.Info("Alerts reloaded", "count", count, "removed", len(removed))
	})
}

// redeliver re-drives delivery for an alert persisted as triggered whose
// notification was never confirmed, which happens when the daemon dies between
// the state write and the schedule call. The day-scoped occurrence id collapses
// a duplicate into the already-pending notification; a delivery failure
// re-arms the alert so the next tick retries instead of resolving an
// occurrence nobody saw.
func (m *Monitor) redeliver(ctx context.Context, alert *pkg.Alert, now time.Time) {
	firedAt := alert.LastNotifiedAt
	if firedAt.IsZero() {
		firedAt = now
	}
	id := notify.OccurrenceID(alert.ID, firedAt)
	title, body := m.notificationText(alert, &pkg.Decision{})

	if err := m.scheduler.Schedule(ctx, id, title, body, now); err != nil {
		m.logger.Error("Failed to redeliver notification, re-arming",
			"alert", alert.ID, "error", err)
		if m.metrics != nil {
			m.metrics.NotificationFailures.Inc()
		}
		alert.State = pkg.AlertArmed
		alert.UpdatedAt = now
		m.saveQuiet(ctx, alert)
		return
	}

	if m.metrics != nil {
		m.metrics.NotificationsFired.Inc()
	}
	m.telem.AddEvent(&pkg.Event{
		Timestamp: now,
		Type:      pkg.EventNotificationFired,
		AlertID:   alert.ID,
		Reason:    "redelivered",
	})
	if err := m.store.AppendHistory(ctx, &pkg.HistoryEntry{
		AlertID: alert.ID,
		Message: body,
		FiredAt: now,
	}); err != nil {
		m.logger.Warn("Failed to append notification history", "alert", alert.ID, "error", err)
	}
	m.logger.Info("Notification redelivered after restart", "alert", alert.ID)
}

// UpsertAlert persists an alert and installs it in the monitored set.
func (m *Monitor) UpsertAlert(ctx context.Context, alert *pkg.Alert) error {
	alert.UpdatedAt = m.now()
	if alert.IsActive && alert.State == pkg.AlertIdle && alert.Repeat == pkg.RepeatNone {
		alert.State = pkg.AlertArmed
		alert.SnoozeLeft = alert.SnoozeStations
	}
	if alert.Repeat != pkg.RepeatNone && alert.NextOccurrence.IsZero() {
		alert.NextOccurrence = nextOccurrence(alert, m.now())
	}

	if err := m.store.SaveAlert(ctx, alert); err != nil {
		return fmt.Errorf("failed to save alert %s: %w", alert.ID, err)
	}

	return m.enqueue(ctx, func() {
		m.mu.Lock()
		m.alerts[alert.ID] = alert
		count := len(m.alerts)
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.MonitoredAlerts.Set(float64(count))
		}
		m.logger.Info("Alert installed", "alert", alert.ID, "state", alert.State.String())
	})
}

// Deactivate synchronously removes an alert: pending notifications are
// cancelled and all runtime state is dropped before the call returns.
func (m *Monitor) Deactivate(ctx context.Context, alertID string) error {
	return m.enqueue(ctx, func() {
		now := m.now()

		m.mu.Lock()
		alert, ok := m.alerts[alertID]
		if ok {
			delete(m.alerts, alertID)
			delete(m.timetable, alertID)
		}
		count := len(m.alerts)
		m.mu.Unlock()

		if ok {
			alert.State = pkg.AlertDeactivated
			alert.IsActive = false
			alert.UpdatedAt = now
			m.saveQuiet(ctx, alert)
		}

		m.teardown(ctx, alertID, now)
		if m.metrics != nil {
			m.metrics.MonitoredAlerts.Set(float64(count))
		}
		m.logger.Info("Alert deactivated", "alert", alertID)
	})
}

// teardown drops all runtime state for an alert that left the monitored set.
func (m *Monitor) teardown(ctx context.Context, alertID string, now time.Time) {
	m.engine.RemoveAlert(alertID)
	m.telem.DropAlert(alertID)
	if m.metrics != nil {
		m.metrics.DropAlert(alertID)
	}
	if err := m.scheduler.Cancel(ctx, notify.OccurrenceID(alertID, now)); err != nil {
		m.logger.Warn("Failed to cancel pending notification", "alert", alertID, "error", err)
	}
}

// RefreshTimetables fetches fresh timetables for all active alerts. Fetches
// run on the caller's goroutine so a slow upstream never blocks the tick
// loop; results are installed through the queue.
func (m *Monitor) RefreshTimetables(ctx context.Context) {
	if m.timetables == nil {
		return
	}

	for _, alert := range m.activeAlerts() {
		tt, err := m.timetables.Fetch(ctx, alert)
		if err != nil {
			m.logger.Warn("Timetable refresh failed", "alert", alert.ID, "error", err)
			continue
		}

		id := alert.ID
		result := tt
		select {
		case m.queue <- func() {
			m.mu.Lock()
			if result != nil {
				m.timetable[id] = result
			} else {
				delete(m.timetable, id)
			}
			m.mu.Unlock()

			if alert.ScheduledArrival != nil && result != nil {
				if dev := m.engine.LastDecision(id); dev != nil && dev.Deviation != nil && dev.Deviation.IsDelayed {
					m.logger.Debug("Running behind schedule",
						"alert", id, "deviation", dev.Deviation.DisplayText)
				}
			}
		}:
		case <-ctx.Done():
			return
		}
	}
}

// Timetable returns the latest installed timetable for an alert, or nil.
func (m *Monitor) Timetable(alertID string) *pkg.Timetable {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.timetable[alertID]
}

// Alerts returns a snapshot copy of the monitored alerts.
func (m *Monitor) Alerts() []*pkg.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*pkg.Alert, 0, len(m.alerts))
	for _, alert := range m.alerts {
		cp := *alert
		out = append(out, &cp)
	}
	return out
}

// Alert returns a snapshot copy of one monitored alert, or nil.
func (m *Monitor) Alert(alertID string) *pkg.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if alert, ok := m.alerts[alertID]; ok {
		cp := *alert
		return &cp
	}
	return nil
}

// LastSample returns the most recent classified fix, or nil.
func (m *Monitor) LastSample() *pkg.LocationSample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSample
}
