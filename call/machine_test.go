package call

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BHUWON12/serofero-calls/callcrypto"
	"github.com/BHUWON12/serofero-calls/signaling"
)

func newTestMachine(t *testing.T, userID string, link *fakeLink, transport *fakeTransport) *Machine {
	t.Helper()
	m, err := NewMachine(Config{
		UserID:      userID,
		DisplayName: userID + " display",
		Transport:   transport,
		Capture:     testCapture(),
		NewLink:     fakeLinkFactory(link),
	})
	require.NoError(t, err)
	return m
}

func TestNewMachineRequiresConfig(t *testing.T) {
	_, err := NewMachine(Config{})
	assert.Error(t, err)

	_, err = NewMachine(Config{UserID: "alice"})
	assert.Error(t, err)

	_, err = NewMachine(Config{UserID: "alice", Transport: newFakeTransport()})
	assert.Error(t, err)
}

func TestInitiateSendsOffer(t *testing.T) {
	link := newFakeLink()
	transport := newFakeTransport()
	m := newTestMachine(t, "alice", link, transport)

	callID, err := m.Initiate("bob")
	require.NoError(t, err)
	assert.True(t, callcrypto.ValidCallID(callID))
	assert.Equal(t, StateDialing, m.State())
	assert.Equal(t, callID, m.CurrentCallID())

	offers := transport.sentOfType(signaling.TypeOffer)
	require.Len(t, offers, 1)
	offer := offers[0]
	assert.Equal(t, callID, offer.CallID)
	assert.Equal(t, "alice", offer.FromUser)
	assert.Equal(t, "bob", offer.ToUser)
	assert.False(t, offer.IsEncrypted)
	assert.NotNil(t, offer.Offer)
	assert.Len(t, offer.PublicKey, 65)
	assert.NotEmpty(t, offer.IntegrityHash)
	require.NotNil(t, offer.CallerInfo)
	assert.Equal(t, "alice", offer.CallerInfo.UserID)

	// The bootstrap tag must verify for a receiver with no secret yet.
	kx, err := callcrypto.NewKeyExchange()
	require.NoError(t, err)
	assert.True(t, kx.VerifyTag(string(offer.Type), offer.CallID, offer.Payload(), offer.Timestamp, offer.IntegrityHash))

	require.NoError(t, m.Hangup())
}

func TestInitiateWhileActiveFails(t *testing.T) {
	m := newTestMachine(t, "alice", newFakeLink(), newFakeTransport())

	_, err := m.Initiate("bob")
	require.NoError(t, err)

	_, err = m.Initiate("carol")
	assert.ErrorIs(t, err, ErrAlreadyInCall)

	require.NoError(t, m.Hangup())
}

func TestInitiateMediaFailure(t *testing.T) {
	link := newFakeLink()
	transport := newFakeTransport()
	m, err := NewMachine(Config{
		UserID:    "alice",
		Transport: transport,
		Capture:   failingCapture(),
		NewLink:   fakeLinkFactory(link),
	})
	require.NoError(t, err)

	_, err = m.Initiate("bob")
	assert.ErrorIs(t, err, ErrMediaAccess)
	assert.Equal(t, StateIdle, m.State())
	assert.True(t, link.closed)

	var kinds []EventKind
	for _, evt := range m.RecentEvents() {
		kinds = append(kinds, evt.Kind)
	}
	assert.Contains(t, kinds, EventMediaAccessFailed)
}

// connectPair wires two machines through fake transports and completes
// a call from alice to bob.
func connectPair(t *testing.T) (alice, bob *Machine, aliceLink, bobLink *fakeLink, aliceT, bobT *fakeTransport, callID string) {
	t.Helper()

	aliceLink, bobLink = newFakeLink(), newFakeLink()
	aliceT, bobT = newFakeTransport(), newFakeTransport()
	wire(aliceT, bobT)

	alice = newTestMachine(t, "alice", aliceLink, aliceT)
	bob = newTestMachine(t, "bob", bobLink, bobT)

	incoming := make(chan string, 1)
	bob.SetOnIncomingCall(func(id string, info *signaling.CallerInfo) {
		incoming <- id
	})

	var err error
	callID, err = alice.Initiate("bob")
	require.NoError(t, err)

	select {
	case id := <-incoming:
		assert.Equal(t, callID, id)
	default:
		t.Fatal("incoming call not signaled")
	}
	require.Equal(t, StateReceiving, bob.State())

	require.NoError(t, bob.Accept())
	require.Equal(t, StateConnected, bob.State())
	require.Equal(t, StateConnected, alice.State())
	return
}

func TestAcceptCompletesCall(t *testing.T) {
	alice, bob, aliceLink, bobLink, aliceT, bobT, callID := connectPair(t)
	defer alice.Hangup()
	defer bob.Hangup()

	// Both sides applied the other's description.
	assert.NotNil(t, aliceLink.remoteDesc)
	assert.NotNil(t, bobLink.remoteDesc)

	// The answer went back encrypted with the responder's public key in
	// the clear for derivation.
	answers := bobT.sentOfType(signaling.TypeAnswer)
	require.Len(t, answers, 1)
	assert.True(t, answers[0].IsEncrypted)
	assert.Nil(t, answers[0].Answer)
	assert.Len(t, answers[0].PublicKey, 65)

	// Candidates trickle encrypted once the secret exists, and land on
	// the peer's link.
	aliceLink.emitCandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host"})
	sent := aliceT.sentOfType(signaling.TypeICECandidate)
	require.Len(t, sent, 1)
	assert.True(t, sent[0].IsEncrypted)
	assert.Nil(t, sent[0].Candidate)

	applied := bobLink.appliedCandidates()
	require.Len(t, applied, 1)
	assert.Contains(t, applied[0].Candidate, "10.0.0.1")

	assert.Equal(t, callID, alice.CurrentCallID())
	assert.Equal(t, callID, bob.CurrentCallID())
}

func TestHangupNotifiesPeer(t *testing.T) {
	alice, bob, aliceLink, bobLink, _, _, _ := connectPair(t)

	require.NoError(t, alice.Hangup())
	assert.Equal(t, StateIdle, alice.State())
	assert.Equal(t, StateIdle, bob.State())
	assert.True(t, aliceLink.closed)
	assert.True(t, bobLink.closed)

	assert.ErrorIs(t, alice.Hangup(), ErrNoActiveCall)
}

func TestRejectDeclinesCall(t *testing.T) {
	aliceLink, bobLink := newFakeLink(), newFakeLink()
	aliceT, bobT := newFakeTransport(), newFakeTransport()
	wire(aliceT, bobT)

	alice := newTestMachine(t, "alice", aliceLink, aliceT)
	bob := newTestMachine(t, "bob", bobLink, bobT)

	_, err := alice.Initiate("bob")
	require.NoError(t, err)
	require.Equal(t, StateReceiving, bob.State())

	require.NoError(t, bob.Reject())
	assert.Equal(t, StateIdle, bob.State())
	// The call-ended notification takes the caller back to idle too.
	assert.Equal(t, StateIdle, alice.State())
	assert.True(t, aliceLink.closed)
}

func TestAcceptOutsideReceivingFails(t *testing.T) {
	m := newTestMachine(t, "alice", newFakeLink(), newFakeTransport())
	assert.ErrorIs(t, m.Accept(), ErrInvalidTransition)
	assert.ErrorIs(t, m.Reject(), ErrInvalidTransition)
}

func TestStaleOfferRejected(t *testing.T) {
	link := newFakeLink()
	transport := newFakeTransport()
	now := time.Now()
	m, err := NewMachine(Config{
		UserID:       "bob",
		Transport:    transport,
		Capture:      testCapture(),
		NewLink:      fakeLinkFactory(link),
		TimeProvider: fixedClock{t: now},
	})
	require.NoError(t, err)

	callID, err := callcrypto.GenerateCallID()
	require.NoError(t, err)
	kx, err := callcrypto.NewKeyExchange()
	require.NoError(t, err)

	stale := now.Add(-45 * time.Second).UnixMilli()
	offer := &signaling.Message{
		Type:      signaling.TypeOffer,
		CallID:    callID,
		Timestamp: stale,
		FromUser:  "alice",
		ToUser:    "bob",
		Offer:     []byte(`{"type":"offer","sdp":"v=0"}`),
		PublicKey: kx.PublicKey(),
	}
	offer.IntegrityHash = kx.IntegrityTag(string(offer.Type), offer.CallID, offer.Payload(), offer.Timestamp)

	transport.deliver(offer)

	assert.Equal(t, StateIdle, m.State())
	events := m.RecentEvents()
	require.Len(t, events, 1)
	assert.Equal(t, EventStaleOffer, events[0].Kind)
	assert.Equal(t, callID, events[0].CallID)
}

func TestMalformedCallIDRejected(t *testing.T) {
	transport := newFakeTransport()
	m := newTestMachine(t, "bob", newFakeLink(), transport)

	kx, err := callcrypto.NewKeyExchange()
	require.NoError(t, err)

	offer := &signaling.Message{
		Type:      signaling.TypeOffer,
		CallID:    "not-a-call-id",
		Timestamp: time.Now().UnixMilli(),
		FromUser:  "alice",
		ToUser:    "bob",
		Offer:     []byte(`{"type":"offer","sdp":"v=0"}`),
		PublicKey: kx.PublicKey(),
	}

	transport.deliver(offer)

	assert.Equal(t, StateIdle, m.State())
	events := m.RecentEvents()
	require.Len(t, events, 1)
	assert.Equal(t, EventMalformedCallID, events[0].Kind)
}

func TestOfferWhileBusyAnsweredWithEnded(t *testing.T) {
	alice, bob, _, _, _, bobT, _ := connectPair(t)
	defer alice.Hangup()
	defer bob.Hangup()

	carolID, err := callcrypto.GenerateCallID()
	require.NoError(t, err)
	kx, err := callcrypto.NewKeyExchange()
	require.NoError(t, err)

	offer := &signaling.Message{
		Type:      signaling.TypeOffer,
		CallID:    carolID,
		Timestamp: time.Now().UnixMilli(),
		FromUser:  "carol",
		ToUser:    "bob",
		Offer:     []byte(`{"type":"offer","sdp":"v=0"}`),
		PublicKey: kx.PublicKey(),
	}
	offer.IntegrityHash = kx.IntegrityTag(string(offer.Type), offer.CallID, offer.Payload(), offer.Timestamp)

	bobT.deliver(offer)

	// The live call survives and carol gets a busy signal.
	assert.Equal(t, StateConnected, bob.State())
	busy := bobT.sentOfType(signaling.TypeCallEnded)
	require.NotEmpty(t, busy)
	assert.Equal(t, carolID, busy[len(busy)-1].CallID)
	assert.Equal(t, "carol", busy[len(busy)-1].ToUser)
}

func TestDuplicateOfferIgnored(t *testing.T) {
	aliceLink, bobLink := newFakeLink(), newFakeLink()
	aliceT, bobT := newFakeTransport(), newFakeTransport()
	wire(aliceT, bobT)

	alice := newTestMachine(t, "alice", aliceLink, aliceT)
	bob := newTestMachine(t, "bob", bobLink, bobT)

	callID, err := alice.Initiate("bob")
	require.NoError(t, err)
	require.Equal(t, StateReceiving, bob.State())

	// A relay redelivery of the same offer neither resets the pending
	// call nor produces a busy signal.
	offers := aliceT.sentOfType(signaling.TypeOffer)
	require.Len(t, offers, 1)
	bobT.deliver(offers[0])

	assert.Equal(t, StateReceiving, bob.State())
	assert.Equal(t, callID, bob.CurrentCallID())
	assert.Empty(t, bobT.sentOfType(signaling.TypeCallEnded))

	require.NoError(t, alice.Hangup())
}

func TestTamperedAnswerDropped(t *testing.T) {
	aliceLink, bobLink := newFakeLink(), newFakeLink()
	aliceT, bobT := newFakeTransport(), newFakeTransport()
	// Not wired: messages are ferried by hand so the answer can be
	// tampered with in flight.

	alice := newTestMachine(t, "alice", aliceLink, aliceT)
	bob := newTestMachine(t, "bob", bobLink, bobT)

	_, err := alice.Initiate("bob")
	require.NoError(t, err)
	offers := aliceT.sentOfType(signaling.TypeOffer)
	require.Len(t, offers, 1)

	bobT.deliver(offers[0])
	require.Equal(t, StateReceiving, bob.State())
	require.NoError(t, bob.Accept())

	answers := bobT.sentOfType(signaling.TypeAnswer)
	require.Len(t, answers, 1)
	answer := answers[0]
	require.True(t, answer.IsEncrypted)
	answer.EncryptedData[0] ^= 0xff

	aliceT.deliver(answer)

	// The forged answer is discarded without ending the call attempt.
	assert.Equal(t, StateDialing, alice.State())

	var kinds []EventKind
	for _, evt := range alice.RecentEvents() {
		kinds = append(kinds, evt.Kind)
	}
	assert.Contains(t, kinds, EventIntegrityFailure)

	require.NoError(t, alice.Hangup())
	require.NoError(t, bob.Hangup())
}

func TestForgedEndedDropped(t *testing.T) {
	alice, bob, _, _, _, bobT, callID := connectPair(t)
	defer alice.Hangup()

	// An on-path attacker sees the call id in plaintext but holds
	// neither the derived key nor the bootstrap key's message fields.
	forged := &signaling.Message{
		Type:      signaling.TypeCallEnded,
		CallID:    callID,
		Timestamp: time.Now().UnixMilli(),
		FromUser:  "alice",
		ToUser:    "bob",
	}
	bobT.deliver(forged)

	assert.Equal(t, StateConnected, bob.State())

	forged.IntegrityHash = callcrypto.BootstrapTag(string(forged.Type), forged.CallID, forged.Payload(), forged.Timestamp)
	bobT.deliver(forged)

	// A bootstrap tag does not verify once the secret exists either.
	assert.Equal(t, StateConnected, bob.State())

	var kinds []EventKind
	for _, evt := range bob.RecentEvents() {
		kinds = append(kinds, evt.Kind)
	}
	assert.Contains(t, kinds, EventIntegrityFailure)

	// A genuine hangup from the peer still ends the call.
	require.NoError(t, alice.Hangup())
	assert.Equal(t, StateIdle, bob.State())
}

func TestBusyReplyCarriesBootstrapTag(t *testing.T) {
	alice, bob, _, _, _, bobT, _ := connectPair(t)
	defer alice.Hangup()
	defer bob.Hangup()

	carolID, err := callcrypto.GenerateCallID()
	require.NoError(t, err)
	carolKX, err := callcrypto.NewKeyExchange()
	require.NoError(t, err)

	offer := &signaling.Message{
		Type:      signaling.TypeOffer,
		CallID:    carolID,
		Timestamp: time.Now().UnixMilli(),
		FromUser:  "carol",
		ToUser:    "bob",
		Offer:     []byte(`{"type":"offer","sdp":"v=0"}`),
		PublicKey: carolKX.PublicKey(),
	}
	offer.IntegrityHash = carolKX.IntegrityTag(string(offer.Type), offer.CallID, offer.Payload(), offer.Timestamp)
	bobT.deliver(offer)

	busy := bobT.sentOfType(signaling.TypeCallEnded)
	require.NotEmpty(t, busy)
	reply := busy[len(busy)-1]
	require.NotEmpty(t, reply.IntegrityHash)

	// Carol is still dialing with no secret, so her exchange verifies
	// against the bootstrap key and must accept the reply.
	assert.True(t, carolKX.VerifyTag(string(reply.Type), reply.CallID, reply.Payload(), reply.Timestamp, reply.IntegrityHash))
}

func TestDialTimeout(t *testing.T) {
	link := newFakeLink()
	transport := newFakeTransport()
	ended := make(chan string, 1)
	m, err := NewMachine(Config{
		UserID:      "alice",
		Transport:   transport,
		Capture:     testCapture(),
		NewLink:     fakeLinkFactory(link),
		DialTimeout: 30 * time.Millisecond,
		OnEnded: func(callID, reason string) {
			ended <- reason
		},
	})
	require.NoError(t, err)

	_, err = m.Initiate("bob")
	require.NoError(t, err)

	select {
	case reason := <-ended:
		assert.Equal(t, "no_answer", reason)
	case <-time.After(2 * time.Second):
		t.Fatal("dial timeout did not fire")
	}
	assert.Equal(t, StateIdle, m.State())
	assert.True(t, link.closed)
}

func TestConnectionFailureEndsCall(t *testing.T) {
	alice, bob, aliceLink, _, _, _, _ := connectPair(t)
	defer bob.Hangup()

	aliceLink.emitState(webrtc.PeerConnectionStateFailed)

	assert.Equal(t, StateIdle, alice.State())
	assert.True(t, aliceLink.closed)

	var kinds []EventKind
	for _, evt := range alice.RecentEvents() {
		kinds = append(kinds, evt.Kind)
	}
	assert.Contains(t, kinds, EventConnectionFailure)
}

func TestToggleMute(t *testing.T) {
	alice, bob, _, _, _, _, _ := connectPair(t)
	defer alice.Hangup()
	defer bob.Hangup()

	muted, err := alice.ToggleMute()
	require.NoError(t, err)
	assert.True(t, muted)
	assert.Equal(t, StateConnected, alice.State())

	muted, err = alice.ToggleMute()
	require.NoError(t, err)
	assert.False(t, muted)
	assert.Equal(t, StateConnected, alice.State())
}

func TestDoubleAcceptIdempotent(t *testing.T) {
	alice, bob, _, _, _, _, callID := connectPair(t)
	defer alice.Hangup()
	defer bob.Hangup()

	require.NoError(t, bob.Accept())
	assert.Equal(t, StateConnected, bob.State())
	assert.Equal(t, callID, bob.CurrentCallID())
}

func TestMetricsBalancedAcrossCall(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics("test", reg)

	link := newFakeLink()
	transport := newFakeTransport()
	m, err := NewMachine(Config{
		UserID:    "alice",
		Transport: transport,
		Capture:   testCapture(),
		NewLink:   fakeLinkFactory(link),
		Metrics:   metrics,
	})
	require.NoError(t, err)

	_, err = m.Initiate("bob")
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.activeCalls))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.callsStarted.WithLabelValues("initiator")))

	require.NoError(t, m.Hangup())
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.activeCalls))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.callsEnded.WithLabelValues("hangup")))
}

func TestMetricsNotCountedForRejectedCall(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics("test", reg)

	link := newFakeLink()
	transport := newFakeTransport()
	m, err := NewMachine(Config{
		UserID:    "bob",
		Transport: transport,
		Capture:   testCapture(),
		NewLink:   fakeLinkFactory(link),
		Metrics:   metrics,
	})
	require.NoError(t, err)

	callID, err := callcrypto.GenerateCallID()
	require.NoError(t, err)
	kx, err := callcrypto.NewKeyExchange()
	require.NoError(t, err)
	offer := &signaling.Message{
		Type:      signaling.TypeOffer,
		CallID:    callID,
		Timestamp: time.Now().UnixMilli(),
		FromUser:  "alice",
		ToUser:    "bob",
		Offer:     []byte(`{"type":"offer","sdp":"v=0"}`),
		PublicKey: kx.PublicKey(),
	}
	offer.IntegrityHash = kx.IntegrityTag(string(offer.Type), offer.CallID, offer.Payload(), offer.Timestamp)
	transport.deliver(offer)
	require.Equal(t, StateReceiving, m.State())

	require.NoError(t, m.Reject())

	// A call never counted as started must not unbalance the gauge.
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.activeCalls))
}

func TestToggleMuteWithoutCall(t *testing.T) {
	m := newTestMachine(t, "alice", newFakeLink(), newFakeTransport())
	_, err := m.ToggleMute()
	assert.ErrorIs(t, err, ErrNoActiveCall)
}

func TestHeartbeatResetsMonitor(t *testing.T) {
	alice, bob, _, _, aliceT, _, callID := connectPair(t)
	defer alice.Hangup()
	defer bob.Hangup()

	// A heartbeat from alice reaches bob's monitor through the full
	// verify path without disturbing the call.
	aliceSession := alice.session
	require.NotNil(t, aliceSession)
	require.NoError(t, aliceSession.SendHeartbeat())

	beats := aliceT.sentOfType(signaling.TypeHeartbeat)
	require.Len(t, beats, 1)
	assert.Equal(t, callID, beats[0].CallID)
	assert.NotEmpty(t, beats[0].IntegrityHash)
	assert.Equal(t, StateConnected, bob.State())
}
