package telem

import (
	"fmt"
	"sync"
	"time"

	"github.com/stationwake/stationwake/pkg"
)

// Store keeps recent fixes, decisions and events in RAM with ring buffers,
// feeding the debug surface and event publishing. Nothing here is durable by
// design; the alert store owns persistence.
type Store struct {
	mu sync.RWMutex

	retentionHours int
	maxRAMMB       int

	samples   *RingBuffer            // recent classified fixes
	decisions map[string]*RingBuffer // per-alert decisions
	events    *RingBuffer            // system events

	lastCleanup time.Time

	// Event callback for real-time publishing (MQTT, indicators).
	eventCallback func(*pkg.Event)
}

// RingBuffer is a thread-safe ring buffer with time-based retention.
type RingBuffer struct {
	mu       sync.RWMutex
	data     []entry
	capacity int
	head     int
	size     int
}

type entry struct {
	at time.Time
	v  interface{}
}

// NewStore creates a telemetry store.
func NewStore(retentionHours, maxRAMMB int) (*Store, error) {
	if retentionHours < 1 || retentionHours > 168 {
		return nil, fmt.Errorf("retention_hours must be between 1 and 168")
	}
	if maxRAMMB < 1 || maxRAMMB > 128 {
		return nil, fmt.Errorf("max_ram_mb must be between 1 and 128")
	}

	return &Store{
		retentionHours: retentionHours,
		maxRAMMB:       maxRAMMB,
		samples:        NewRingBuffer(1000),
		decisions:      make(map[string]*RingBuffer),
		events:         NewRingBuffer(1000),
		lastCleanup:    time.Now(),
	}, nil
}

// AddSample records a classified fix.
func (s *Store) AddSample(sample *pkg.LocationSample) {
	s.samples.Add(sample.Timestamp, sample)
}

// AddDecision records a decision for an alert.
func (s *Store) AddDecision(alertID string, decision *pkg.Decision) {
	s.mu.Lock()
	buffer, ok := s.decisions[alertID]
	if !ok {
		buffer = NewRingBuffer(500)
		s.decisions[alertID] = buffer
	}
	s.mu.Unlock()

	buffer.Add(decision.At, decision)
}

// AddEvent records a system event and hands it to the publish callback.
func (s *Store) AddEvent(event *pkg.Event) {
	s.events.Add(event.Timestamp, event)

	s.mu.RLock()
	callback := s.eventCallback
	s.mu.RUnlock()

	if callback != nil {
		// Outside the lock so a slow publisher cannot block a tick.
		go callback(event)
	}
}

// SetEventCallback registers a callback invoked for every new event.
func (s *Store) SetEventCallback(callback func(*pkg.Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventCallback = callback
}

// GetSamples returns fixes newer than since.
func (s *Store) GetSamples(since time.Time) []*pkg.LocationSample {
	items := s.samples.GetSince(since)
	out := make([]*pkg.LocationSample, 0, len(items))
	for _, item := range items {
		if sample, ok := item.(*pkg.LocationSample); ok {
			out = append(out, sample)
		}
	}
	return out
}

// GetDecisions returns decisions for an alert newer than since.
func (s *Store) GetDecisions(alertID string, since time.Time) []*pkg.Decision {
	s.mu.RLock()
	buffer, ok := s.decisions[alertID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	items := buffer.GetSince(since)
	out := make([]*pkg.Decision, 0, len(items))
	for _, item := range items {
		if d, ok := item.(*pkg.Decision); ok {
			out = append(out, d)
		}
	}
	return out
}

// GetEvents returns events newer than since, newest last, capped at limit.
func (s *Store) GetEvents(since time.Time, limit int) []*pkg.Event {
	items := s.events.GetSince(since)
	out := make([]*pkg.Event, 0, len(items))
	for _, item := range items {
		if e, ok := item.(*pkg.Event); ok {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// DropAlert removes the decision buffer for a deactivated alert.
func (s *Store) DropAlert(alertID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.decisions, alertID)
}

// Cleanup removes data beyond the retention window.
func (s *Store) Cleanup() {
	cutoff := time.Now().Add(-time.Duration(s.retentionHours) * time.Hour)

	s.samples.RemoveBefore(cutoff)
	s.events.RemoveBefore(cutoff)

	s.mu.Lock()
	defer s.mu.Unlock()
	for alertID, buffer := range s.decisions {
		buffer.RemoveBefore(cutoff)
		if buffer.Size() == 0 {
			delete(s.decisions, alertID)
		}
	}
	s.lastCleanup = time.Now()
}

// Close clears all data.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = NewRingBuffer(1)
	s.events = NewRingBuffer(1)
	s.decisions = make(map[string]*RingBuffer)
	return nil
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	return &RingBuffer{
		data:     make([]entry, capacity),
		capacity: capacity,
	}
}

// Add appends an item, overwriting the oldest when full.
func (rb *RingBuffer) Add(at time.Time, v interface{}) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	tail := (rb.head + rb.size) % rb.capacity
	rb.data[tail] = entry{at: at, v: v}
	if rb.size < rb.capacity {
		rb.size++
	} else {
		rb.head = (rb.head + 1) % rb.capacity
	}
}

// GetSince returns items newer than since, oldest first.
func (rb *RingBuffer) GetSince(since time.Time) []interface{} {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	result := make([]interface{}, 0, rb.size)
	for i := 0; i < rb.size; i++ {
		e := rb.data[(rb.head+i)%rb.capacity]
		if e.at.After(since) {
			result = append(result, e.v)
		}
	}
	return result
}

// RemoveBefore drops items at or before the cutoff.
func (rb *RingBuffer) RemoveBefore(cutoff time.Time) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.size > 0 {
		e := rb.data[rb.head]
		if e.at.After(cutoff) {
			break
		}
		rb.data[rb.head] = entry{}
		rb.head = (rb.head + 1) % rb.capacity
		rb.size--
	}
}

// Size returns the current number of items.
func (rb *RingBuffer) Size() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size
}
