package media

import (
	"errors"
	"fmt"
	"io"

	"github.com/pion/opus"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// playbackBufferSize holds up to 120ms of decoded stereo PCM at 48kHz,
// the largest frame Opus produces.
const playbackBufferSize = 5760 * 2 * 2

// PCMFunc receives decoded PCM (interleaved little-endian int16) together
// with the stereo flag for each remote frame.
type PCMFunc func(pcm []byte, stereo bool)

// PlaybackSink decodes remote Opus payloads to PCM for host playback.
//
// The sink holds a weak reference to the remote track: it reads from it
// but never closes it, since the peer connection owns the track's
// lifecycle.
type PlaybackSink struct {
	decoder opus.Decoder
	deliver PCMFunc
}

// NewPlaybackSink creates a sink delivering decoded frames to fn.
func NewPlaybackSink(fn PCMFunc) *PlaybackSink {
	return &PlaybackSink{
		decoder: opus.NewDecoder(),
		deliver: fn,
	}
}

// Decode decodes one Opus payload, returning the PCM bytes and the
// stereo flag. Corrupt payloads return an error and no PCM.
func (ps *PlaybackSink) Decode(payload []byte) ([]byte, bool, error) {
	if len(payload) == 0 {
		return nil, false, errors.New("empty opus payload")
	}

	out := make([]byte, playbackBufferSize)
	_, stereo, err := ps.decoder.Decode(payload, out)
	if err != nil {
		return nil, false, fmt.Errorf("opus decode failed: %w", err)
	}
	return out, stereo, nil
}

// Play reads RTP packets from the remote track until it ends, decoding
// each payload and delivering PCM to the sink's callback. Individual
// decode failures are logged and skipped; the call continues with the
// remaining frames.
func (ps *PlaybackSink) Play(track *webrtc.TrackRemote) error {
	logrus.WithFields(logrus.Fields{
		"function": "PlaybackSink.Play",
		"track_id": track.ID(),
		"codec":    track.Codec().MimeType,
	}).Info("Remote audio playback started")

	for {
		packet, _, err := track.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				logrus.WithFields(logrus.Fields{
					"function": "PlaybackSink.Play",
					"track_id": track.ID(),
				}).Info("Remote track ended")
				return nil
			}
			return fmt.Errorf("reading remote track: %w", err)
		}

		if len(packet.Payload) == 0 {
			continue
		}

		pcm, stereo, err := ps.Decode(packet.Payload)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "PlaybackSink.Play",
				"error":    err.Error(),
			}).Debug("Skipping undecodable frame")
			continue
		}

		if ps.deliver != nil {
			ps.deliver(pcm, stereo)
		}
	}
}
