// Package media provides the audio endpoints of a call session: a capture
// Source that feeds the local track attached to the peer connection, and a
// PlaybackSink that turns remote Opus payloads back into PCM for the host
// application to play.
//
// The session owns its Source exclusively and stops it on teardown. The
// remote track is never owned here; the peer connection controls its
// lifecycle and PlaybackSink only reads from it.
package media
