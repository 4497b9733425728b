package call

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/BHUWON12/serofero-calls/callcrypto"
)

// EventKind classifies security and quality anomalies.
type EventKind string

const (
	// EventStaleOffer records an offer outside the freshness window.
	EventStaleOffer EventKind = "stale_offer"
	// EventMalformedCallID records a call id failing the format check.
	EventMalformedCallID EventKind = "malformed_call_id"
	// EventSuspiciousCandidate records an unexpected relay candidate.
	EventSuspiciousCandidate EventKind = "suspicious_candidate"
	// EventQualityDegraded records packet loss or jitter beyond threshold.
	EventQualityDegraded EventKind = "call_quality_degraded"
	// EventConnectionFailure records an unrecoverable transport failure.
	EventConnectionFailure EventKind = "connection_failure"
	// EventHeartbeatMissed records a heartbeat interval with no signal.
	EventHeartbeatMissed EventKind = "heartbeat_missed"
	// EventIntegrityFailure records a message dropped for a bad tag or
	// failed decryption.
	EventIntegrityFailure EventKind = "integrity_failure"
	// EventMediaAccessFailed records a capture device acquisition failure.
	EventMediaAccessFailed EventKind = "media_access_failed"
	// EventCallEnded records normal call termination.
	EventCallEnded EventKind = "call_ended"
)

// SecurityEvent describes one recorded anomaly. Events are diagnostic:
// they are never authoritative for protocol decisions except where a
// check explicitly gates (replay, malformed call id).
type SecurityEvent struct {
	Kind      EventKind
	CallID    string
	Timestamp time.Time
	Details   map[string]string
}

// DefaultEventCapacity bounds the retained event history.
const DefaultEventCapacity = 32

// EventLog is a bounded, append-only record of SecurityEvents. The most
// recent entries are retained up to the configured capacity; consumers
// read either the Recent snapshot or the Events channel, which receives
// every recorded event (dropping for slow consumers rather than blocking
// the protocol path).
type EventLog struct {
	mu       sync.Mutex
	capacity int
	entries  []SecurityEvent
	out      chan SecurityEvent
	observer func(SecurityEvent)
	tp       callcrypto.TimeProvider
}

// NewEventLog creates a log retaining the most recent capacity events.
// A capacity of zero or less uses DefaultEventCapacity.
func NewEventLog(capacity int, tp callcrypto.TimeProvider) *EventLog {
	if capacity <= 0 {
		capacity = DefaultEventCapacity
	}
	if tp == nil {
		tp = callcrypto.DefaultTimeProvider{}
	}
	return &EventLog{
		capacity: capacity,
		out:      make(chan SecurityEvent, capacity),
		tp:       tp,
	}
}

// SetObserver registers a synchronous hook invoked for every recorded
// event, used to feed metrics. Must be set before events flow.
func (l *EventLog) SetObserver(fn func(SecurityEvent)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observer = fn
}

// Record appends an event, trimming history to capacity.
func (l *EventLog) Record(kind EventKind, callID string, details map[string]string) {
	evt := SecurityEvent{
		Kind:      kind,
		CallID:    callID,
		Timestamp: l.tp.Now(),
		Details:   details,
	}

	logrus.WithFields(logrus.Fields{
		"function": "EventLog.Record",
		"kind":     kind,
		"call_id":  callID,
		"details":  details,
	}).Warn("Security event recorded")

	l.mu.Lock()
	l.entries = append(l.entries, evt)
	if len(l.entries) > l.capacity {
		l.entries = l.entries[len(l.entries)-l.capacity:]
	}
	observer := l.observer
	l.mu.Unlock()

	if observer != nil {
		observer(evt)
	}

	select {
	case l.out <- evt:
	default:
		// Slow consumer; history still has the event.
	}
}

// Recent returns a copy of the retained events, oldest first.
func (l *EventLog) Recent() []SecurityEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]SecurityEvent, len(l.entries))
	copy(out, l.entries)
	return out
}

// Events returns the channel receiving recorded events.
func (l *EventLog) Events() <-chan SecurityEvent {
	return l.out
}
