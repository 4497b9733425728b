package call

import (
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// StatsSnapshot captures connection statistics for one monitor sample.
type StatsSnapshot struct {
	PacketsLost     int64
	PacketsReceived uint64
	Jitter          time.Duration
	RoundTripTime   time.Duration
}

// PeerLink is the underlying transport-layer connection owned exclusively
// by a Session. The production implementation wraps a pion
// PeerConnection; tests substitute an in-package fake.
type PeerLink interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) error

	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnTrack(fn func(*webrtc.TrackRemote))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))

	GetStats() (StatsSnapshot, error)
	Close() error
}

// LinkFactory creates a PeerLink for a new session.
type LinkFactory func(servers []webrtc.ICEServer) (PeerLink, error)

// DefaultICEServers returns the STUN configuration used when the caller
// provides none. TURN servers for restrictive networks are expected from
// deployment configuration.
func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{URLs: []string{"stun:stun1.l.google.com:19302"}},
	}
}

// pionLink is the production PeerLink over pion/webrtc.
type pionLink struct {
	pc *webrtc.PeerConnection
}

// NewPionLink creates a peer connection configured for audio calling:
// bundled media, required RTCP muxing and a warmed candidate pool.
func NewPionLink(servers []webrtc.ICEServer) (PeerLink, error) {
	if len(servers) == 0 {
		servers = DefaultICEServers()
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("registering codecs: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithSettingEngine(settingEngine),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:           servers,
		ICECandidatePoolSize: 10,
		BundlePolicy:         webrtc.BundlePolicyMaxBundle,
		RTCPMuxPolicy:        webrtc.RTCPMuxPolicyRequire,
	})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewPionLink",
		"ice_servers": len(servers),
	}).Debug("Peer connection created")

	return &pionLink{pc: pc}, nil
}

func (l *pionLink) CreateOffer() (webrtc.SessionDescription, error) {
	return l.pc.CreateOffer(nil)
}

func (l *pionLink) CreateAnswer() (webrtc.SessionDescription, error) {
	return l.pc.CreateAnswer(nil)
}

func (l *pionLink) SetLocalDescription(desc webrtc.SessionDescription) error {
	return l.pc.SetLocalDescription(desc)
}

func (l *pionLink) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return l.pc.SetRemoteDescription(desc)
}

func (l *pionLink) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return l.pc.AddICECandidate(candidate)
}

func (l *pionLink) AddTrack(track webrtc.TrackLocal) error {
	_, err := l.pc.AddTrack(track)
	return err
}

func (l *pionLink) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	l.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			fn(c.ToJSON())
		}
	})
}

func (l *pionLink) OnTrack(fn func(*webrtc.TrackRemote)) {
	l.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(track)
	})
}

func (l *pionLink) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	l.pc.OnConnectionStateChange(fn)
}

// GetStats aggregates inbound RTP and selected candidate-pair statistics
// into a snapshot.
func (l *pionLink) GetStats() (StatsSnapshot, error) {
	report := l.pc.GetStats()

	var snap StatsSnapshot
	for _, entry := range report {
		switch stat := entry.(type) {
		case webrtc.InboundRTPStreamStats:
			snap.PacketsLost += int64(stat.PacketsLost)
			snap.PacketsReceived += uint64(stat.PacketsReceived)
			jitter := time.Duration(stat.Jitter * float64(time.Second))
			if jitter > snap.Jitter {
				snap.Jitter = jitter
			}
		case webrtc.ICECandidatePairStats:
			if stat.State == webrtc.StatsICECandidatePairStateSucceeded {
				snap.RoundTripTime = time.Duration(stat.CurrentRoundTripTime * float64(time.Second))
			}
		}
	}
	return snap, nil
}

func (l *pionLink) Close() error {
	return l.pc.Close()
}
