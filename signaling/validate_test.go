package signaling

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/BHUWON12/serofero-calls/callcrypto"
)

// fixedTime is a TimeProvider pinned to a single instant.
type fixedTime struct {
	now time.Time
}

func (f fixedTime) Now() time.Time                  { return f.now }
func (f fixedTime) Since(t time.Time) time.Duration { return f.now.Sub(t) }

func TestCheckFreshness(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	tp := fixedTime{now: now}

	tests := []struct {
		name      string
		timestamp int64
		wantStale bool
	}{
		{"current", now.UnixMilli(), false},
		{"29s old", now.UnixMilli() - 29_000, false},
		{"exactly at window", now.UnixMilli() - 30_000, false},
		{"31s old", now.UnixMilli() - 31_000, true},
		{"60s old", now.UnixMilli() - 60_000, true},
		{"slightly future", now.UnixMilli() + 5_000, false},
		{"far future", now.UnixMilli() + 60_000, true},
		{"zero timestamp", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &Message{Type: TypeOffer, Timestamp: tt.timestamp}
			err := CheckFreshness(msg, tp)
			if tt.wantStale {
				assert.ErrorIs(t, err, ErrStaleMessage)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCheckFreshnessIgnoresTagValidity(t *testing.T) {
	// A stale message is rejected even with a perfectly valid tag: the
	// check runs on the envelope alone.
	now := time.UnixMilli(1_700_000_000_000)
	tp := fixedTime{now: now}

	kx, err := callcrypto.NewKeyExchange()
	assert.NoError(t, err)

	stale := &Message{
		Type:      TypeOffer,
		CallID:    validTestCallID(),
		Timestamp: now.UnixMilli() - 60_000,
	}
	stale.IntegrityHash = kx.IntegrityTag(string(stale.Type), stale.CallID, stale.Payload(), stale.Timestamp)

	assert.ErrorIs(t, CheckFreshness(stale, tp), ErrStaleMessage)
}

func TestNormalizeRelayURL(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"http", "http://relay.example.com", "ws://relay.example.com", false},
		{"https", "https://relay.example.com/", "wss://relay.example.com", false},
		{"ws passthrough", "ws://relay.example.com", "ws://relay.example.com", false},
		{"wss passthrough", "wss://relay.example.com", "wss://relay.example.com", false},
		{"bare host", "relay.example.com", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeRelayURL(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	assert.Equal(t, time.Second, backoffDelay(0))
	assert.Equal(t, 2*time.Second, backoffDelay(1))
	assert.Equal(t, 16*time.Second, backoffDelay(4))
	assert.Equal(t, relayMaxBackoff, backoffDelay(5))
	assert.Equal(t, relayMaxBackoff, backoffDelay(60))
}
