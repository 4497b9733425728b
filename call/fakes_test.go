package call

import (
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/BHUWON12/serofero-calls/media"
	"github.com/BHUWON12/serofero-calls/signaling"
)

// fakeLink is an in-memory PeerLink for exercising negotiation without
// a network stack.
type fakeLink struct {
	mu         sync.Mutex
	localDesc  *webrtc.SessionDescription
	remoteDesc *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	tracks     []webrtc.TrackLocal
	closed     bool
	closeCount int

	stats    StatsSnapshot
	statsErr error

	onCandidate func(webrtc.ICECandidateInit)
	onTrack     func(*webrtc.TrackRemote)
	onState     func(webrtc.PeerConnectionState)
}

func newFakeLink() *fakeLink {
	return &fakeLink{}
}

func fakeLinkFactory(link *fakeLink) LinkFactory {
	return func([]webrtc.ICEServer) (PeerLink, error) {
		return link, nil
	}
}

func (l *fakeLink) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 fake offer"}, nil
}

func (l *fakeLink) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 fake answer"}, nil
}

func (l *fakeLink) SetLocalDescription(desc webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.localDesc = &desc
	return nil
}

func (l *fakeLink) SetRemoteDescription(desc webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remoteDesc = &desc
	return nil
}

func (l *fakeLink) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.candidates = append(l.candidates, candidate)
	return nil
}

func (l *fakeLink) AddTrack(track webrtc.TrackLocal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tracks = append(l.tracks, track)
	return nil
}

func (l *fakeLink) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onCandidate = fn
}

func (l *fakeLink) OnTrack(fn func(*webrtc.TrackRemote)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onTrack = fn
}

func (l *fakeLink) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onState = fn
}

func (l *fakeLink) GetStats() (StatsSnapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats, l.statsErr
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.closeCount++
	return nil
}

// emitCandidate simulates local ICE gathering.
func (l *fakeLink) emitCandidate(candidate webrtc.ICECandidateInit) {
	l.mu.Lock()
	fn := l.onCandidate
	l.mu.Unlock()
	if fn != nil {
		fn(candidate)
	}
}

// emitState simulates a transport-layer state transition.
func (l *fakeLink) emitState(state webrtc.PeerConnectionState) {
	l.mu.Lock()
	fn := l.onState
	l.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (l *fakeLink) appliedCandidates() []webrtc.ICECandidateInit {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(l.candidates))
	copy(out, l.candidates)
	return out
}

func (l *fakeLink) setStats(stats StatsSnapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stats = stats
}

// fakeTransport records sent messages and optionally forwards them to a
// wired peer through an encode/decode round trip, the way the relay
// would deliver them.
type fakeTransport struct {
	mu      sync.Mutex
	handler func(*signaling.Message)
	sent    []*signaling.Message
	peer    *fakeTransport
	sendErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{}
}

// wire connects two transports back to back.
func wire(a, b *fakeTransport) {
	a.peer = b
	b.peer = a
}

func (t *fakeTransport) Send(msg *signaling.Message) error {
	t.mu.Lock()
	if t.sendErr != nil {
		err := t.sendErr
		t.mu.Unlock()
		return err
	}
	t.sent = append(t.sent, msg)
	peer := t.peer
	t.mu.Unlock()

	if peer != nil {
		data, err := msg.Encode()
		if err != nil {
			return err
		}
		copied, err := signaling.Decode(data)
		if err != nil {
			return err
		}
		peer.deliver(copied)
	}
	return nil
}

func (t *fakeTransport) SetHandler(fn func(*signaling.Message)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = fn
}

func (t *fakeTransport) deliver(msg *signaling.Message) {
	t.mu.Lock()
	fn := t.handler
	t.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

func (t *fakeTransport) sentOfType(msgType signaling.MessageType) []*signaling.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*signaling.Message
	for _, msg := range t.sent {
		if msg.Type == msgType {
			out = append(out, msg)
		}
	}
	return out
}

// testCapture returns a CaptureFunc backed by a static Opus source.
func testCapture() media.CaptureFunc {
	return func() (media.Source, error) {
		return media.NewStaticSource("test-audio")
	}
}

// failingCapture simulates a denied or absent audio device.
func failingCapture() media.CaptureFunc {
	return func() (media.Source, error) {
		return nil, errors.New("device denied")
	}
}

// fixedClock is a TimeProvider pinned to one instant.
type fixedClock struct {
	t time.Time
}

func (c fixedClock) Now() time.Time                  { return c.t }
func (c fixedClock) Since(t time.Time) time.Duration { return c.t.Sub(t) }
