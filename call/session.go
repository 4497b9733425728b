package call

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/BHUWON12/serofero-calls/callcrypto"
	"github.com/BHUWON12/serofero-calls/media"
	"github.com/BHUWON12/serofero-calls/signaling"
)

// TeardownResult reports the errors encountered while releasing a
// session's resources. Teardown always runs every release step; the
// result records which steps failed.
type TeardownResult struct {
	MediaErr error
	LinkErr  error
}

// Session is the negotiation and media state for a single call.
//
// A Session is created by the Machine when a call starts in either
// direction and owns the key exchange, the peer link and the local media
// source for its lifetime. All signaling for the call flows through the
// session so that encryption and integrity tagging are applied uniformly.
type Session struct {
	callID        string
	role          Role
	localUser     string
	remoteUser    string
	displayName   string
	securityLevel string

	kx        *callcrypto.KeyExchange
	link      PeerLink
	transport signaling.Transport
	events    *EventLog
	tp        callcrypto.TimeProvider

	mu            sync.Mutex
	source        media.Source
	remoteDescSet bool
	// pendingLocal holds locally gathered candidates until the shared
	// secret exists; candidates are never sent in plaintext.
	pendingLocal []webrtc.ICECandidateInit
	// pendingRemote holds remote candidates that arrived before the
	// remote description; they are applied in arrival order.
	pendingRemote []webrtc.ICECandidateInit
	remoteTrack   *webrtc.TrackRemote
	trackFn       func(*webrtc.TrackRemote)
	startedAt     time.Time
	torn          bool
	teardown      *TeardownResult
}

func newSession(callID string, role Role, localUser, remoteUser string, link PeerLink, transport signaling.Transport, events *EventLog, tp callcrypto.TimeProvider) (*Session, error) {
	kx, err := callcrypto.NewKeyExchange()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyExchange, err)
	}

	s := &Session{
		callID:        callID,
		role:          role,
		localUser:     localUser,
		remoteUser:    remoteUser,
		securityLevel: "high",
		kx:            kx,
		link:          link,
		transport:     transport,
		events:        events,
		tp:            tp,
		startedAt:     tp.Now(),
	}

	link.OnICECandidate(s.onLocalCandidate)
	link.OnTrack(func(track *webrtc.TrackRemote) {
		s.mu.Lock()
		s.remoteTrack = track
		fn := s.trackFn
		s.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "Session.OnTrack",
			"call_id":  callID,
			"codec":    track.Codec().MimeType,
		}).Info("Remote track received")

		if fn != nil {
			fn(track)
		}
	})

	return s, nil
}

// OnRemoteTrack registers a callback for the arrival of the remote
// audio track.
func (s *Session) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	s.mu.Lock()
	s.trackFn = fn
	s.mu.Unlock()
}

// CallID returns the session's call identifier.
func (s *Session) CallID() string { return s.callID }

// Role returns whether this side initiated the call.
func (s *Session) Role() Role { return s.role }

// RemoteUser returns the peer's user id.
func (s *Session) RemoteUser() string { return s.remoteUser }

// RemoteTrack returns the received remote audio track, or nil if none
// has arrived yet.
func (s *Session) RemoteTrack() *webrtc.TrackRemote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteTrack
}

// SetMuted toggles the local media source's mute flag. Returns
// ErrNoActiveCall when no source is attached yet.
func (s *Session) SetMuted(muted bool) error {
	s.mu.Lock()
	src := s.source
	s.mu.Unlock()
	if src == nil {
		return ErrNoActiveCall
	}
	src.SetMuted(muted)
	return nil
}

// Muted reports the local mute flag, false when no source is attached.
func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.source == nil {
		return false
	}
	return s.source.Muted()
}

// Stats samples the peer link's connection statistics.
func (s *Session) Stats() (StatsSnapshot, error) {
	return s.link.GetStats()
}

// attachMedia acquires the local capture source and adds its track to
// the peer link. Capture failure is fatal to the call attempt.
func (s *Session) attachMedia(capture media.CaptureFunc) error {
	src, err := capture()
	if err != nil {
		s.events.Record(EventMediaAccessFailed, s.callID, map[string]string{
			"error": err.Error(),
		})
		return fmt.Errorf("%w: %v", ErrMediaAccess, err)
	}
	if err := s.link.AddTrack(src.Track()); err != nil {
		src.Stop()
		return fmt.Errorf("%w: adding local track: %v", ErrNegotiation, err)
	}

	s.mu.Lock()
	s.source = src
	s.mu.Unlock()
	return nil
}

// CreateOffer runs the initiator's side of negotiation: acquire media,
// produce the session description and send the offer with the local
// public key attached. The offer travels in plaintext since no shared
// secret can exist yet; its integrity tag is keyed by the bootstrap key.
func (s *Session) CreateOffer(capture media.CaptureFunc, info *signaling.CallerInfo) error {
	if err := s.attachMedia(capture); err != nil {
		return err
	}

	offer, err := s.link.CreateOffer()
	if err != nil {
		return fmt.Errorf("%w: creating offer: %v", ErrNegotiation, err)
	}
	if err := s.link.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("%w: setting local description: %v", ErrNegotiation, err)
	}

	body, err := json.Marshal(offer)
	if err != nil {
		return fmt.Errorf("%w: encoding offer: %v", ErrNegotiation, err)
	}

	msg := &signaling.Message{
		Type:          signaling.TypeOffer,
		CallID:        s.callID,
		FromUser:      s.localUser,
		ToUser:        s.remoteUser,
		Offer:         body,
		PublicKey:     s.kx.PublicKey(),
		SecurityLevel: s.securityLevel,
		CallerInfo:    info,
	}
	if err := s.send(msg); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Session.CreateOffer",
		"call_id":  s.callID,
		"to_user":  s.remoteUser,
	}).Info("Offer sent")
	return nil
}

// HandleOffer runs the responder's side of negotiation against a
// received offer: derive the shared secret from the caller's public key,
// acquire media, apply the remote description and send back an encrypted
// answer carrying the local public key in plaintext so the caller can
// derive before decrypting.
func (s *Session) HandleOffer(msg *signaling.Message, capture media.CaptureFunc) error {
	if err := s.kx.DeriveSharedSecret(msg.PublicKey); err != nil {
		return fmt.Errorf("%w: %v", ErrKeyExchange, err)
	}
	if msg.SecurityLevel != "" {
		s.securityLevel = msg.SecurityLevel
	}

	if err := s.attachMedia(capture); err != nil {
		return err
	}

	var offer webrtc.SessionDescription
	if err := json.Unmarshal(msg.Offer, &offer); err != nil {
		return fmt.Errorf("%w: decoding offer: %v", ErrNegotiation, err)
	}
	if err := s.link.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("%w: setting remote description: %v", ErrNegotiation, err)
	}
	s.markRemoteDescSet()

	answer, err := s.link.CreateAnswer()
	if err != nil {
		return fmt.Errorf("%w: creating answer: %v", ErrNegotiation, err)
	}
	if err := s.link.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("%w: setting local description: %v", ErrNegotiation, err)
	}

	body, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("%w: encoding answer: %v", ErrNegotiation, err)
	}

	reply := &signaling.Message{
		Type:      signaling.TypeAnswer,
		CallID:    s.callID,
		FromUser:  s.localUser,
		ToUser:    s.remoteUser,
		Answer:    body,
		PublicKey: s.kx.PublicKey(),
	}
	if err := s.send(reply); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Session.HandleOffer",
		"call_id":  s.callID,
		"from":     s.remoteUser,
	}).Info("Answer sent")
	return nil
}

// HandleAnswer completes the initiator's negotiation: derive the secret
// from the responder's public key, decrypt and apply the answer, then
// flush candidates queued on both sides of the secret boundary.
func (s *Session) HandleAnswer(msg *signaling.Message) error {
	if err := s.kx.DeriveSharedSecret(msg.PublicKey); err != nil {
		return fmt.Errorf("%w: %v", ErrKeyExchange, err)
	}

	body, err := s.open(msg)
	if err != nil {
		return err
	}

	var answer webrtc.SessionDescription
	if err := json.Unmarshal(body, &answer); err != nil {
		return fmt.Errorf("%w: decoding answer: %v", ErrNegotiation, err)
	}
	if err := s.link.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("%w: setting remote description: %v", ErrNegotiation, err)
	}
	s.markRemoteDescSet()

	s.flushLocalCandidates()

	logrus.WithFields(logrus.Fields{
		"function": "Session.HandleAnswer",
		"call_id":  s.callID,
	}).Info("Answer applied")
	return nil
}

// HandleRemoteCandidate decrypts, verifies and applies one trickled
// candidate. Candidates arriving before the remote description is set
// are queued and applied later in arrival order.
func (s *Session) HandleRemoteCandidate(msg *signaling.Message) error {
	body, err := s.open(msg)
	if err != nil {
		return err
	}

	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(body, &candidate); err != nil {
		s.events.Record(EventSuspiciousCandidate, s.callID, map[string]string{
			"error": err.Error(),
		})
		return fmt.Errorf("%w: decoding candidate: %v", ErrNegotiation, err)
	}

	s.mu.Lock()
	if !s.remoteDescSet {
		s.pendingRemote = append(s.pendingRemote, candidate)
		queued := len(s.pendingRemote)
		s.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "Session.HandleRemoteCandidate",
			"call_id":  s.callID,
			"queued":   queued,
		}).Debug("Candidate queued before remote description")
		return nil
	}
	s.mu.Unlock()

	if err := s.link.AddICECandidate(candidate); err != nil {
		s.events.Record(EventSuspiciousCandidate, s.callID, map[string]string{
			"error": err.Error(),
		})
		return fmt.Errorf("%w: applying candidate: %v", ErrNegotiation, err)
	}
	return nil
}

// markRemoteDescSet flags the remote description as applied and flushes
// remote candidates queued before it, preserving arrival order.
func (s *Session) markRemoteDescSet() {
	s.mu.Lock()
	s.remoteDescSet = true
	queued := s.pendingRemote
	s.pendingRemote = nil
	s.mu.Unlock()

	for _, candidate := range queued {
		if err := s.link.AddICECandidate(candidate); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Session.markRemoteDescSet",
				"call_id":  s.callID,
				"error":    err.Error(),
			}).Warn("Queued candidate rejected")
		}
	}
}

// onLocalCandidate handles locally gathered candidates. Until the shared
// secret exists they are held back; afterwards each is sent encrypted.
func (s *Session) onLocalCandidate(candidate webrtc.ICECandidateInit) {
	if !s.kx.HasSecret() {
		s.mu.Lock()
		s.pendingLocal = append(s.pendingLocal, candidate)
		s.mu.Unlock()
		return
	}
	s.sendCandidate(candidate)
}

// flushLocalCandidates sends candidates gathered before the secret was
// established. Called once the exchange completes on the initiator side.
func (s *Session) flushLocalCandidates() {
	s.mu.Lock()
	queued := s.pendingLocal
	s.pendingLocal = nil
	s.mu.Unlock()

	for _, candidate := range queued {
		s.sendCandidate(candidate)
	}
}

func (s *Session) sendCandidate(candidate webrtc.ICECandidateInit) {
	body, err := json.Marshal(candidate)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Session.sendCandidate",
			"call_id":  s.callID,
			"error":    err.Error(),
		}).Error("Encoding candidate failed")
		return
	}

	msg := &signaling.Message{
		Type:      signaling.TypeICECandidate,
		CallID:    s.callID,
		FromUser:  s.localUser,
		ToUser:    s.remoteUser,
		Candidate: body,
	}
	if err := s.send(msg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Session.sendCandidate",
			"call_id":  s.callID,
			"error":    err.Error(),
		}).Warn("Sending candidate failed")
	}
}

// SendHeartbeat emits one signed liveness message for the call.
func (s *Session) SendHeartbeat() error {
	return s.send(&signaling.Message{
		Type:     signaling.TypeHeartbeat,
		CallID:   s.callID,
		FromUser: s.localUser,
		ToUser:   s.remoteUser,
	})
}

// SendEnded notifies the peer that the call is over. Failure to deliver
// is logged but not fatal; local teardown proceeds regardless.
func (s *Session) SendEnded(reason string) {
	msg := &signaling.Message{
		Type:     signaling.TypeCallEnded,
		CallID:   s.callID,
		FromUser: s.localUser,
		ToUser:   s.remoteUser,
	}
	if err := s.send(msg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Session.SendEnded",
			"call_id":  s.callID,
			"reason":   reason,
			"error":    err.Error(),
		}).Warn("Call-ended notification not delivered")
	}
}

// send stamps, encrypts where a secret exists, tags and transmits a
// message. Offers are exempt from encryption since they bootstrap the
// exchange; everything after secret establishment goes out sealed.
func (s *Session) send(msg *signaling.Message) error {
	msg.Timestamp = s.tp.Now().UnixMilli()

	if s.kx.HasSecret() && msg.Type != signaling.TypeOffer {
		if err := s.seal(msg); err != nil {
			return err
		}
	}

	msg.IntegrityHash = s.kx.IntegrityTag(string(msg.Type), msg.CallID, msg.Payload(), msg.Timestamp)

	if err := s.transport.Send(msg); err != nil {
		return fmt.Errorf("%w: sending %s: %v", ErrConnectionFailure, msg.Type, err)
	}
	return nil
}

// seal moves the message's plaintext body into the encrypted fields.
func (s *Session) seal(msg *signaling.Message) error {
	body := msg.Payload()
	if body == nil {
		return nil
	}

	ciphertext, nonce, err := s.kx.Encrypt(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyExchange, err)
	}

	msg.Offer = nil
	msg.Answer = nil
	msg.Candidate = nil
	msg.EncryptedData = ciphertext
	msg.IV = nonce
	msg.IsEncrypted = true
	return nil
}

// open verifies a received message's integrity tag and returns its
// decrypted body. Verification failure drops the message with
// ErrIntegrity; the session stays alive.
func (s *Session) open(msg *signaling.Message) ([]byte, error) {
	if !s.kx.VerifyTag(string(msg.Type), msg.CallID, msg.Payload(), msg.Timestamp, msg.IntegrityHash) {
		s.events.Record(EventIntegrityFailure, s.callID, map[string]string{
			"type": string(msg.Type),
		})
		return nil, fmt.Errorf("%w: %s message", ErrIntegrity, msg.Type)
	}

	if !msg.IsEncrypted {
		return msg.Payload(), nil
	}

	plaintext, err := s.kx.Decrypt(msg.EncryptedData, msg.IV)
	if err != nil {
		s.events.Record(EventIntegrityFailure, s.callID, map[string]string{
			"type":  string(msg.Type),
			"error": err.Error(),
		})
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	return plaintext, nil
}

// VerifyInbound checks the integrity tag of a message that carries no
// body to decrypt, such as a heartbeat.
func (s *Session) VerifyInbound(msg *signaling.Message) error {
	if !s.kx.VerifyTag(string(msg.Type), msg.CallID, msg.Payload(), msg.Timestamp, msg.IntegrityHash) {
		s.events.Record(EventIntegrityFailure, s.callID, map[string]string{
			"type": string(msg.Type),
		})
		return fmt.Errorf("%w: %s message", ErrIntegrity, msg.Type)
	}
	return nil
}

// Teardown releases the session's resources: media source, peer link and
// key material. Every step runs even if earlier ones fail; repeated
// calls return the first run's result.
func (s *Session) Teardown() *TeardownResult {
	s.mu.Lock()
	if s.torn {
		result := s.teardown
		s.mu.Unlock()
		return result
	}
	s.torn = true
	src := s.source
	s.mu.Unlock()

	result := &TeardownResult{}
	if src != nil {
		result.MediaErr = src.Stop()
	}
	result.LinkErr = s.link.Close()
	s.kx.Destroy()

	s.mu.Lock()
	s.teardown = result
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Session.Teardown",
		"call_id":  s.callID,
		"duration": s.tp.Now().Sub(s.startedAt).String(),
	}).Info("Session torn down")
	return result
}
