package media

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticSourceLifecycle(t *testing.T) {
	source, err := NewStaticSource("track-1")
	require.NoError(t, err)

	assert.NotNil(t, source.Track())
	assert.False(t, source.Muted())

	require.NoError(t, source.Stop())
	require.NoError(t, source.Stop())

	err = source.WriteFrame([]byte{0x01}, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrSourceStopped)
}

func TestStaticSourceMuteToggle(t *testing.T) {
	source, err := NewStaticSource("track-2")
	require.NoError(t, err)
	defer source.Stop()

	source.SetMuted(true)
	assert.True(t, source.Muted())
	source.SetMuted(false)
	assert.False(t, source.Muted())
}

func TestPlaybackSinkRejectsEmptyPayload(t *testing.T) {
	sink := NewPlaybackSink(nil)
	_, _, err := sink.Decode(nil)
	assert.Error(t, err)
}

func TestPlaybackSinkSkipsUndecodableFrame(t *testing.T) {
	sink := NewPlaybackSink(nil)

	// A junk payload must surface as an error, not a panic, so the
	// playback loop can skip it and keep the call alive.
	_, _, err := sink.Decode([]byte{0xff, 0x00, 0x01, 0x02})
	assert.Error(t, err)
}
