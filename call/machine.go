package call

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/BHUWON12/serofero-calls/callcrypto"
	"github.com/BHUWON12/serofero-calls/media"
	"github.com/BHUWON12/serofero-calls/signaling"
)

// DefaultDialTimeout bounds how long an unanswered outgoing call rings
// before it is abandoned.
const DefaultDialTimeout = 45 * time.Second

// Config carries the dependencies and tunables for a Machine.
type Config struct {
	// UserID is the local user's identity on the signaling relay.
	UserID string
	// DisplayName and AvatarURL are attached to outgoing offers so the
	// callee can render who is calling.
	DisplayName string
	AvatarURL   string

	// Transport delivers signaling messages to and from the relay.
	Transport signaling.Transport
	// Capture acquires the local audio device when a call starts.
	Capture media.CaptureFunc

	// ICEServers overrides the default STUN configuration.
	ICEServers []webrtc.ICEServer
	// NewLink overrides peer link construction; defaults to NewPionLink.
	NewLink LinkFactory

	// TimeProvider supplies clock access; defaults to the system clock.
	TimeProvider callcrypto.TimeProvider
	// EventCapacity bounds the security event ring; defaults to
	// DefaultEventCapacity.
	EventCapacity int
	// DialTimeout bounds unanswered outgoing calls; defaults to
	// DefaultDialTimeout.
	DialTimeout time.Duration
	// Monitor tunes quality sampling and heartbeats for connected calls.
	Monitor MonitorConfig
	// Metrics, when set, receives counters for calls and security events.
	Metrics *Metrics

	// OnIncomingCall is invoked when a valid offer arrives while idle.
	OnIncomingCall func(callID string, info *signaling.CallerInfo)
	// OnStateChange is invoked after every state transition.
	OnStateChange func(state State)
	// OnEnded is invoked when a call finishes, with the reason.
	OnEnded func(callID, reason string)
	// OnRemoteTrack is invoked when the remote audio track arrives.
	OnRemoteTrack func(track *webrtc.TrackRemote)
}

// Machine is the call state machine. It holds at most one live session
// and serializes every transition; signaling messages that do not fit
// the current state are rejected without disturbing it.
type Machine struct {
	cfg Config

	mu           sync.Mutex
	state        State
	session      *Session
	pendingOffer *signaling.Message
	dialTimer    *time.Timer
	monitor      *Monitor
	// counted marks the live call as recorded in metrics, so rejected
	// or failed-setup calls do not unbalance the active gauge.
	counted bool

	events *EventLog
}

// NewMachine validates the configuration, applies defaults and attaches
// the machine to its transport.
func NewMachine(cfg Config) (*Machine, error) {
	if cfg.UserID == "" {
		return nil, errors.New("call: config requires UserID")
	}
	if cfg.Transport == nil {
		return nil, errors.New("call: config requires Transport")
	}
	if cfg.Capture == nil {
		return nil, errors.New("call: config requires Capture")
	}
	if cfg.NewLink == nil {
		cfg.NewLink = NewPionLink
	}
	if cfg.TimeProvider == nil {
		cfg.TimeProvider = callcrypto.DefaultTimeProvider{}
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	cfg.Monitor.applyDefaults()

	m := &Machine{
		cfg:    cfg,
		state:  StateIdle,
		events: NewEventLog(cfg.EventCapacity, cfg.TimeProvider),
	}
	if cfg.Metrics != nil {
		m.events.SetObserver(cfg.Metrics.ObserveEvent)
	}
	cfg.Transport.SetHandler(m.handleMessage)

	logrus.WithFields(logrus.Fields{
		"function": "NewMachine",
		"user_id":  cfg.UserID,
	}).Info("Call machine ready")
	return m, nil
}

// State returns the current call state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CurrentCallID returns the live session's call id, or empty when idle.
func (m *Machine) CurrentCallID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ""
	}
	return m.session.CallID()
}

// Events exposes the security event stream for UI or audit consumers.
func (m *Machine) Events() <-chan SecurityEvent {
	return m.events.Events()
}

// RecentEvents returns the retained security events, oldest first.
func (m *Machine) RecentEvents() []SecurityEvent {
	return m.events.Recent()
}

// Initiate starts an outgoing call to remoteUser and returns the new
// call id. Fails with ErrAlreadyInCall unless the machine is idle.
func (m *Machine) Initiate(remoteUser string) (string, error) {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: state %s", ErrAlreadyInCall, m.state)
	}

	callID, err := callcrypto.GenerateCallID()
	if err != nil {
		m.mu.Unlock()
		return "", err
	}

	session, err := m.newSessionLocked(callID, RoleInitiator, remoteUser)
	if err != nil {
		m.mu.Unlock()
		return "", err
	}
	m.session = session
	m.setStateLocked(StateDialing)
	m.dialTimer = time.AfterFunc(m.cfg.DialTimeout, func() {
		m.dialTimedOut(callID)
	})
	m.mu.Unlock()

	info := &signaling.CallerInfo{
		UserID:      m.cfg.UserID,
		DisplayName: m.cfg.DisplayName,
		AvatarURL:   m.cfg.AvatarURL,
	}
	if err := session.CreateOffer(m.cfg.Capture, info); err != nil {
		m.endCall(callID, "setup_failed", EventConnectionFailure, false)
		return "", err
	}

	m.mu.Lock()
	if m.cfg.Metrics != nil && m.session == session {
		m.counted = true
		m.cfg.Metrics.CallStarted(RoleInitiator)
	}
	m.mu.Unlock()
	return callID, nil
}

// Accept answers the pending incoming call: the stored offer is applied,
// media is acquired and the encrypted answer goes back to the caller.
// The machine reaches Connected only if the whole sequence succeeds.
func (m *Machine) Accept() error {
	m.mu.Lock()
	if m.state == StateConnected && m.session != nil {
		// Double accept on a live call is a no-op.
		m.mu.Unlock()
		return nil
	}
	if m.state != StateReceiving || m.session == nil || m.pendingOffer == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: accept in state %s", ErrInvalidTransition, m.state)
	}
	session := m.session
	offer := m.pendingOffer
	m.pendingOffer = nil
	m.mu.Unlock()

	if err := session.HandleOffer(offer, m.cfg.Capture); err != nil {
		m.endCall(session.CallID(), "accept_failed", EventConnectionFailure, false)
		return err
	}

	m.mu.Lock()
	if m.session != session {
		m.mu.Unlock()
		return ErrNoActiveCall
	}
	m.setStateLocked(StateConnected)
	m.startMonitorLocked(session)
	if m.cfg.Metrics != nil {
		m.counted = true
		m.cfg.Metrics.CallStarted(RoleResponder)
	}
	m.mu.Unlock()
	return nil
}

// Reject declines the pending incoming call and notifies the caller.
func (m *Machine) Reject() error {
	m.mu.Lock()
	if m.state != StateReceiving || m.session == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: reject in state %s", ErrInvalidTransition, m.state)
	}
	callID := m.session.CallID()
	m.mu.Unlock()

	m.endCall(callID, "rejected", EventCallEnded, true)
	return nil
}

// Hangup ends the current call in any active state and notifies the
// peer. Returns ErrNoActiveCall when idle.
func (m *Machine) Hangup() error {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return ErrNoActiveCall
	}
	callID := m.session.CallID()
	m.mu.Unlock()

	m.endCall(callID, "hangup", EventCallEnded, true)
	return nil
}

// ToggleMute flips the local mute flag and returns the new value.
func (m *Machine) ToggleMute() (bool, error) {
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()
	if session == nil {
		return false, ErrNoActiveCall
	}

	muted := !session.Muted()
	if err := session.SetMuted(muted); err != nil {
		return false, err
	}
	return muted, nil
}

// newSessionLocked builds the link and session for a new call.
// Caller holds m.mu.
func (m *Machine) newSessionLocked(callID string, role Role, remoteUser string) (*Session, error) {
	link, err := m.cfg.NewLink(m.cfg.ICEServers)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailure, err)
	}

	session, err := newSession(callID, role, m.cfg.UserID, remoteUser, link, m.cfg.Transport, m.events, m.cfg.TimeProvider)
	if err != nil {
		link.Close()
		return nil, err
	}

	link.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.onLinkStateChange(callID, state)
	})
	if m.cfg.OnRemoteTrack != nil {
		session.OnRemoteTrack(m.cfg.OnRemoteTrack)
	}
	return session, nil
}

// handleMessage dispatches one relay message. Freshness is enforced
// before anything else; a message that fails it never touches call
// state no matter how well-formed the rest of it is.
func (m *Machine) handleMessage(msg *signaling.Message) {
	if err := signaling.CheckFreshness(msg, m.cfg.TimeProvider); err != nil {
		kind := EventStaleOffer
		if msg.Type != signaling.TypeOffer {
			kind = EventIntegrityFailure
		}
		m.events.Record(kind, msg.CallID, map[string]string{
			"type":  string(msg.Type),
			"error": err.Error(),
		})
		return
	}
	if err := msg.Validate(); err != nil {
		kind := EventIntegrityFailure
		if errors.Is(err, signaling.ErrMalformedCallID) {
			kind = EventMalformedCallID
		}
		m.events.Record(kind, msg.CallID, map[string]string{
			"type":  string(msg.Type),
			"error": err.Error(),
		})
		return
	}

	switch msg.Type {
	case signaling.TypeOffer:
		m.handleOffer(msg)
	case signaling.TypeAnswer:
		m.handleAnswer(msg)
	case signaling.TypeICECandidate:
		m.handleCandidate(msg)
	case signaling.TypeCallEnded:
		m.handleEnded(msg)
	case signaling.TypeHeartbeat:
		m.handleHeartbeat(msg)
	}
}

func (m *Machine) handleOffer(msg *signaling.Message) {
	m.mu.Lock()
	if m.session != nil {
		busy := m.session.CallID() != msg.CallID
		m.mu.Unlock()
		if busy {
			logrus.WithFields(logrus.Fields{
				"function": "Machine.handleOffer",
				"call_id":  msg.CallID,
			}).Info("Offer rejected, call in progress")
			m.sendBusy(msg)
		}
		// A repeated offer for the live call is a relay redelivery.
		return
	}

	session, err := m.newSessionLocked(msg.CallID, RoleResponder, msg.FromUser)
	if err != nil {
		m.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Machine.handleOffer",
			"call_id":  msg.CallID,
			"error":    err.Error(),
		}).Error("Session setup for incoming call failed")
		return
	}

	if err := session.VerifyInbound(msg); err != nil {
		m.mu.Unlock()
		session.Teardown()
		return
	}

	m.session = session
	m.pendingOffer = msg
	m.setStateLocked(StateReceiving)
	onIncoming := m.cfg.OnIncomingCall
	m.mu.Unlock()

	if onIncoming != nil {
		onIncoming(msg.CallID, msg.CallerInfo)
	}
}

// SetOnIncomingCall replaces the incoming call callback after
// construction.
func (m *Machine) SetOnIncomingCall(fn func(callID string, info *signaling.CallerInfo)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.OnIncomingCall = fn
}

func (m *Machine) handleAnswer(msg *signaling.Message) {
	m.mu.Lock()
	if m.state != StateDialing || m.session == nil || m.session.CallID() != msg.CallID {
		m.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Machine.handleAnswer",
			"call_id":  msg.CallID,
		}).Debug("Answer ignored outside dialing state")
		return
	}
	session := m.session
	m.mu.Unlock()

	if err := session.HandleAnswer(msg); err != nil {
		if errors.Is(err, ErrIntegrity) {
			// Tampered answer is dropped; the call keeps ringing until a
			// genuine answer or the dial timeout.
			return
		}
		m.endCall(msg.CallID, "answer_failed", EventConnectionFailure, false)
		return
	}

	m.mu.Lock()
	if m.session != session {
		m.mu.Unlock()
		return
	}
	if m.dialTimer != nil {
		m.dialTimer.Stop()
		m.dialTimer = nil
	}
	m.setStateLocked(StateConnected)
	m.startMonitorLocked(session)
	m.mu.Unlock()
}

func (m *Machine) handleCandidate(msg *signaling.Message) {
	m.mu.Lock()
	if m.session == nil || m.session.CallID() != msg.CallID {
		m.mu.Unlock()
		m.events.Record(EventSuspiciousCandidate, msg.CallID, map[string]string{
			"reason": "no matching call",
		})
		return
	}
	session := m.session
	m.mu.Unlock()

	if err := session.HandleRemoteCandidate(msg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Machine.handleCandidate",
			"call_id":  msg.CallID,
			"error":    err.Error(),
		}).Warn("Candidate dropped")
	}
}

func (m *Machine) handleEnded(msg *signaling.Message) {
	m.mu.Lock()
	if m.session == nil || m.session.CallID() != msg.CallID {
		m.mu.Unlock()
		return
	}
	session := m.session
	m.mu.Unlock()

	// The call id travels in plaintext on every frame, so matching it is
	// not proof of origin. An unverified call-ended must not tear the
	// call down.
	if err := session.VerifyInbound(msg); err != nil {
		return
	}

	m.endCall(msg.CallID, "remote_ended", EventCallEnded, false)
}

func (m *Machine) handleHeartbeat(msg *signaling.Message) {
	m.mu.Lock()
	if m.state != StateConnected || m.session == nil || m.session.CallID() != msg.CallID {
		m.mu.Unlock()
		return
	}
	session := m.session
	monitor := m.monitor
	m.mu.Unlock()

	if err := session.VerifyInbound(msg); err != nil {
		return
	}
	if monitor != nil {
		monitor.NoteHeartbeat()
	}
}

// sendBusy tells a second caller the line is occupied. There is no
// exchange with that caller, so the reply carries a bootstrap-key tag,
// which is what a dialing peer with no secret verifies against.
func (m *Machine) sendBusy(msg *signaling.Message) {
	reply := &signaling.Message{
		Type:      signaling.TypeCallEnded,
		CallID:    msg.CallID,
		FromUser:  m.cfg.UserID,
		ToUser:    msg.FromUser,
		Timestamp: m.cfg.TimeProvider.Now().UnixMilli(),
	}
	reply.IntegrityHash = callcrypto.BootstrapTag(string(reply.Type), reply.CallID, reply.Payload(), reply.Timestamp)
	if err := m.cfg.Transport.Send(reply); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Machine.sendBusy",
			"call_id":  msg.CallID,
			"error":    err.Error(),
		}).Warn("Busy notification not delivered")
	}
}

func (m *Machine) dialTimedOut(callID string) {
	m.mu.Lock()
	expired := m.state == StateDialing && m.session != nil && m.session.CallID() == callID
	m.mu.Unlock()
	if !expired {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "Machine.dialTimedOut",
		"call_id":  callID,
		"timeout":  m.cfg.DialTimeout.String(),
	}).Info("Outgoing call unanswered")
	m.endCall(callID, "no_answer", EventCallEnded, true)
}

// onLinkStateChange reacts to transport-layer connection transitions.
// Failed and closed links are fatal for the call.
func (m *Machine) onLinkStateChange(callID string, state webrtc.PeerConnectionState) {
	logrus.WithFields(logrus.Fields{
		"function": "Machine.onLinkStateChange",
		"call_id":  callID,
		"state":    state.String(),
	}).Debug("Peer link state changed")

	switch state {
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		m.mu.Lock()
		live := m.session != nil && m.session.CallID() == callID
		m.mu.Unlock()
		if live {
			m.events.Record(EventConnectionFailure, callID, map[string]string{
				"link_state": state.String(),
			})
			m.endCall(callID, "connection_failed", EventConnectionFailure, false)
		}
	}
}

// connectionLost is the monitor's escalation path for a dead call.
func (m *Machine) connectionLost(callID, reason string) {
	m.events.Record(EventConnectionFailure, callID, map[string]string{
		"reason": reason,
	})
	m.endCall(callID, reason, EventConnectionFailure, false)
}

// endCall is the single teardown path. Whatever the trigger, it stops
// the monitor and dial timer, notifies the peer when asked to, tears
// the session down and returns the machine to idle.
func (m *Machine) endCall(callID, reason string, kind EventKind, notifyPeer bool) {
	m.mu.Lock()
	if m.session == nil || m.session.CallID() != callID {
		m.mu.Unlock()
		return
	}
	session := m.session
	monitor := m.monitor
	counted := m.counted
	m.session = nil
	m.pendingOffer = nil
	m.monitor = nil
	m.counted = false
	if m.dialTimer != nil {
		m.dialTimer.Stop()
		m.dialTimer = nil
	}
	m.setStateLocked(StateIdle)
	m.mu.Unlock()

	if monitor != nil {
		monitor.Stop()
	}
	if notifyPeer {
		session.SendEnded(reason)
	}
	result := session.Teardown()
	if result.MediaErr != nil || result.LinkErr != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "Machine.endCall",
			"call_id":   callID,
			"media_err": fmt.Sprint(result.MediaErr),
			"link_err":  fmt.Sprint(result.LinkErr),
		}).Warn("Teardown completed with errors")
	}

	m.events.Record(kind, callID, map[string]string{"reason": reason})
	if m.cfg.Metrics != nil && counted {
		m.cfg.Metrics.CallEnded(reason)
	}
	if m.cfg.OnEnded != nil {
		m.cfg.OnEnded(callID, reason)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Machine.endCall",
		"call_id":  callID,
		"reason":   reason,
	}).Info("Call ended")
}

// startMonitorLocked launches quality and liveness monitoring for a
// connected session. Caller holds m.mu.
func (m *Machine) startMonitorLocked(session *Session) {
	m.monitor = NewMonitor(session, m.events, m.cfg.Monitor, func(reason string) {
		m.connectionLost(session.CallID(), reason)
	})
	m.monitor.Start()
}

// setStateLocked applies a transition and fires the state callback.
// Caller holds m.mu.
func (m *Machine) setStateLocked(next State) {
	if m.state == next {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "Machine.setState",
		"from":     m.state.String(),
		"to":       next.String(),
	}).Debug("State transition")
	m.state = next

	if m.cfg.OnStateChange != nil {
		// Runs on its own goroutine so the callback may call back into
		// the machine without deadlocking on m.mu.
		go m.cfg.OnStateChange(next)
	}
}
