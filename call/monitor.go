package call

import (
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// MonitorConfig tunes quality sampling and liveness checking for
// connected calls.
type MonitorConfig struct {
	// StatsInterval is the connection statistics sampling period.
	StatsInterval time.Duration
	// HeartbeatInterval is the period between outgoing liveness signals.
	HeartbeatInterval time.Duration
	// MissedHeartbeatLimit is the number of consecutive heartbeat
	// intervals without a peer heartbeat before the call is declared dead.
	MissedHeartbeatLimit int
	// PacketLossThreshold is the packets lost within one sampling window
	// above which quality degradation is reported.
	PacketLossThreshold int64
	// JitterThreshold is the jitter level above which quality
	// degradation is reported.
	JitterThreshold time.Duration
}

func (c *MonitorConfig) applyDefaults() {
	if c.StatsInterval <= 0 {
		c.StatsInterval = 5 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.MissedHeartbeatLimit <= 0 {
		c.MissedHeartbeatLimit = 3
	}
	if c.PacketLossThreshold <= 0 {
		c.PacketLossThreshold = 50
	}
	if c.JitterThreshold <= 0 {
		c.JitterThreshold = 100 * time.Millisecond
	}
}

// Monitor watches a connected session: it samples connection statistics
// for quality degradation, emits signed heartbeats and escalates to the
// fatal callback when the peer stops responding.
type Monitor struct {
	session *Session
	events  *EventLog
	cfg     MonitorConfig
	fatal   func(reason string)

	mu       sync.Mutex
	missed   int
	lastLost int64

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMonitor prepares a monitor for a connected session. The fatal
// callback fires at most once, when liveness is lost.
func NewMonitor(session *Session, events *EventLog, cfg MonitorConfig, fatal func(reason string)) *Monitor {
	cfg.applyDefaults()
	return &Monitor{
		session: session,
		events:  events,
		cfg:     cfg,
		fatal:   fatal,
		stop:    make(chan struct{}),
	}
}

// Start launches the sampling and heartbeat loops.
func (mon *Monitor) Start() {
	go mon.run()

	logrus.WithFields(logrus.Fields{
		"function":           "Monitor.Start",
		"call_id":            mon.session.CallID(),
		"stats_interval":     mon.cfg.StatsInterval.String(),
		"heartbeat_interval": mon.cfg.HeartbeatInterval.String(),
	}).Debug("Call monitor started")
}

// Stop halts monitoring. Safe to call multiple times and from the fatal
// callback's own path.
func (mon *Monitor) Stop() {
	mon.stopOnce.Do(func() { close(mon.stop) })
}

// NoteHeartbeat resets the missed heartbeat counter. Called when a
// verified heartbeat arrives from the peer.
func (mon *Monitor) NoteHeartbeat() {
	mon.mu.Lock()
	mon.missed = 0
	mon.mu.Unlock()
}

func (mon *Monitor) run() {
	statsTicker := time.NewTicker(mon.cfg.StatsInterval)
	heartbeatTicker := time.NewTicker(mon.cfg.HeartbeatInterval)
	defer statsTicker.Stop()
	defer heartbeatTicker.Stop()

	for {
		select {
		case <-mon.stop:
			return
		case <-statsTicker.C:
			mon.sample()
		case <-heartbeatTicker.C:
			if mon.beat() {
				return
			}
		}
	}
}

// sample reads one statistics snapshot and reports degradation when the
// per-window packet loss or the jitter crosses its threshold.
func (mon *Monitor) sample() {
	snap, err := mon.session.Stats()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Monitor.sample",
			"call_id":  mon.session.CallID(),
			"error":    err.Error(),
		}).Debug("Statistics sample failed")
		return
	}

	mon.mu.Lock()
	lostInWindow := snap.PacketsLost - mon.lastLost
	mon.lastLost = snap.PacketsLost
	mon.mu.Unlock()

	if lostInWindow > mon.cfg.PacketLossThreshold || snap.Jitter > mon.cfg.JitterThreshold {
		mon.events.Record(EventQualityDegraded, mon.session.CallID(), map[string]string{
			"packets_lost": strconv.FormatInt(lostInWindow, 10),
			"jitter":       snap.Jitter.String(),
			"rtt":          snap.RoundTripTime.String(),
		})
	}
}

// beat sends one heartbeat and advances the missed counter. Returns true
// when the limit is reached and the fatal callback has fired.
func (mon *Monitor) beat() bool {
	if err := mon.session.SendHeartbeat(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Monitor.beat",
			"call_id":  mon.session.CallID(),
			"error":    err.Error(),
		}).Warn("Heartbeat send failed")
	}

	mon.mu.Lock()
	mon.missed++
	missed := mon.missed
	mon.mu.Unlock()

	if missed < mon.cfg.MissedHeartbeatLimit {
		if missed > 1 {
			mon.events.Record(EventHeartbeatMissed, mon.session.CallID(), map[string]string{
				"missed": strconv.Itoa(missed),
			})
		}
		return false
	}

	logrus.WithFields(logrus.Fields{
		"function": "Monitor.beat",
		"call_id":  mon.session.CallID(),
		"missed":   missed,
	}).Warn("Peer heartbeats lost")

	mon.Stop()
	if mon.fatal != nil {
		mon.fatal("heartbeat_lost")
	}
	return true
}
