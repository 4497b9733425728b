package media

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/sirupsen/logrus"
)

// ErrCaptureUnavailable indicates the capture device could not be
// acquired: denied by the user or not present. Fatal to the call attempt.
var ErrCaptureUnavailable = errors.New("audio capture unavailable")

// ErrSourceStopped indicates a write to a source that has been stopped.
var ErrSourceStopped = errors.New("media source stopped")

// Source is an owned handle to locally captured audio. The owning call
// session stops it on teardown; no other component mutates it.
type Source interface {
	// Track returns the local track to attach to the peer connection.
	Track() webrtc.TrackLocal

	// SetMuted toggles outgoing audio without touching call state.
	SetMuted(muted bool)

	// Muted reports the current mute flag.
	Muted() bool

	// Stop releases the capture device. Idempotent.
	Stop() error
}

// CaptureFunc acquires the local capture device and returns a Source.
// Production wiring supplies a device-backed implementation; tests use
// NewStaticSource.
type CaptureFunc func() (Source, error)

// StaticSource is a Source backed by a pion TrackLocalStaticSample with
// Opus capability (48 kHz stereo). The capture pipeline pushes encoded
// frames through WriteSample; frames written while muted are replaced
// with silence so packet timing is preserved.
type StaticSource struct {
	track *webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	muted   bool
	stopped bool
}

// opusSilenceFrame is a minimal valid Opus frame decoding to silence.
var opusSilenceFrame = []byte{0xf8, 0xff, 0xfe}

// NewStaticSource creates an Opus audio source with the given track ID.
func NewStaticSource(trackID string) (*StaticSource, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		},
		trackID,
		"serofero-audio",
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewStaticSource",
		"track_id": trackID,
	}).Debug("Local audio source created")

	return &StaticSource{track: track}, nil
}

// Track returns the underlying local track.
func (s *StaticSource) Track() webrtc.TrackLocal {
	return s.track
}

// WriteFrame pushes one encoded Opus frame with its duration. While the
// source is muted the frame payload is swapped for silence.
func (s *StaticSource) WriteFrame(payload []byte, duration time.Duration) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSourceStopped
	}
	if s.muted {
		payload = opusSilenceFrame
	}
	s.mu.Unlock()

	return s.track.WriteSample(pionmedia.Sample{Data: payload, Duration: duration})
}

// SetMuted toggles the mute flag.
func (s *StaticSource) SetMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = muted

	logrus.WithFields(logrus.Fields{
		"function": "StaticSource.SetMuted",
		"muted":    muted,
	}).Debug("Local audio mute toggled")
}

// Muted reports the current mute flag.
func (s *StaticSource) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// Stop releases the source. Safe to call multiple times.
func (s *StaticSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true

	logrus.WithFields(logrus.Fields{
		"function": "StaticSource.Stop",
		"track_id": s.track.ID(),
	}).Debug("Local audio source stopped")
	return nil
}
