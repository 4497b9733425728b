package signaling

import (
	"fmt"
	"math"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// relayWriteTimeout bounds a single websocket write.
	relayWriteTimeout = 10 * time.Second

	// relayPingInterval keeps the connection alive through idle proxies.
	relayPingInterval = 30 * time.Second

	// relayMaxBackoff caps the reconnect delay.
	relayMaxBackoff = 30 * time.Second

	// relaySendBuffer is the outbound queue depth while reconnecting.
	relaySendBuffer = 64
)

// RelayClient is the websocket implementation of Transport.
//
// It maintains a single connection to the relay endpoint
// (<base>/ws/<userID>?token=...), reconnecting with capped exponential
// backoff after any failure. Outbound messages are queued while the
// connection is down and flushed on reconnect; the relay preserves
// per-sender ordering but may redeliver, so the registered handler must
// be idempotent.
type RelayClient struct {
	baseURL  string
	userID   string
	token    string
	clientID string

	mu      sync.Mutex
	handler func(*Message)
	conn    *websocket.Conn

	outbound chan *Message
	closed   chan struct{}
	once     sync.Once
}

// NewRelayClient creates a relay client for the given user. The base URL
// accepts http(s) or ws(s) schemes; http schemes are rewritten to their
// websocket equivalents. Call Run to start the connection loop.
func NewRelayClient(baseURL, userID, token string) (*RelayClient, error) {
	normalized, err := normalizeRelayURL(baseURL)
	if err != nil {
		return nil, err
	}

	return &RelayClient{
		baseURL:  normalized,
		userID:   userID,
		token:    token,
		clientID: uuid.NewString(),
		outbound: make(chan *Message, relaySendBuffer),
		closed:   make(chan struct{}),
	}, nil
}

// normalizeRelayURL rewrites http schemes to websocket schemes and
// validates the result.
func normalizeRelayURL(base string) (string, error) {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	switch {
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "ws://"), strings.HasPrefix(base, "wss://"):
	default:
		return "", fmt.Errorf("relay url %q: unsupported scheme", base)
	}
	if _, err := url.Parse(base); err != nil {
		return "", fmt.Errorf("relay url %q: %w", base, err)
	}
	return base, nil
}

// SetHandler registers the inbound message handler.
func (rc *RelayClient) SetHandler(handler func(*Message)) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.handler = handler
}

// Send queues a message for delivery. It returns ErrRelayNotConnected
// when the outbound buffer is full (sustained disconnection) and
// ErrRelayClosed after Close.
func (rc *RelayClient) Send(msg *Message) error {
	select {
	case <-rc.closed:
		return ErrRelayClosed
	default:
	}

	select {
	case rc.outbound <- msg:
		return nil
	default:
		logrus.WithFields(logrus.Fields{
			"function": "RelayClient.Send",
			"type":     msg.Type,
			"call_id":  msg.CallID,
		}).Warn("Outbound buffer full, dropping message")
		return ErrRelayNotConnected
	}
}

// Run connects to the relay and processes messages until Close is called.
// It blocks; callers usually run it in a goroutine. Connection failures
// are retried with exponential backoff (1s, 2s, 4s, ... capped at 30s).
func (rc *RelayClient) Run() {
	attempt := 0
	for {
		select {
		case <-rc.closed:
			return
		default:
		}

		conn, err := rc.dial()
		if err != nil {
			delay := backoffDelay(attempt)
			attempt++
			logrus.WithFields(logrus.Fields{
				"function": "RelayClient.Run",
				"attempt":  attempt,
				"delay":    delay,
				"error":    err.Error(),
			}).Warn("Relay connection failed, backing off")

			select {
			case <-time.After(delay):
				continue
			case <-rc.closed:
				return
			}
		}

		attempt = 0
		logrus.WithFields(logrus.Fields{
			"function":  "RelayClient.Run",
			"user_id":   rc.userID,
			"client_id": rc.clientID,
		}).Info("Relay connected")

		rc.serve(conn)
	}
}

// dial establishes the websocket connection.
func (rc *RelayClient) dial() (*websocket.Conn, error) {
	endpoint := fmt.Sprintf("%s/ws/%s?token=%s", rc.baseURL, rc.userID, url.QueryEscape(rc.token))
	conn, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing relay: %w", err)
	}
	return conn, nil
}

// serve pumps messages in both directions until the connection drops.
func (rc *RelayClient) serve(conn *websocket.Conn) {
	rc.mu.Lock()
	rc.conn = conn
	rc.mu.Unlock()

	done := make(chan struct{})

	go rc.writeLoop(conn, done)
	rc.readLoop(conn)

	close(done)
	conn.Close()

	rc.mu.Lock()
	rc.conn = nil
	rc.mu.Unlock()
}

// readLoop dispatches inbound frames to the handler in arrival order.
func (rc *RelayClient) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "RelayClient.readLoop",
				"error":    err.Error(),
			}).Debug("Relay read ended")
			return
		}

		msg, err := Decode(data)
		if err != nil {
			// Non-signaling relay traffic (presence, chat) shares the
			// channel; skip frames that are not call signaling.
			continue
		}

		rc.mu.Lock()
		handler := rc.handler
		rc.mu.Unlock()

		if handler != nil {
			handler(msg)
		}
	}
}

// writeLoop drains the outbound queue and sends keepalive pings.
func (rc *RelayClient) writeLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(relayPingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-rc.outbound:
			data, err := msg.Encode()
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "RelayClient.writeLoop",
					"type":     msg.Type,
					"error":    err.Error(),
				}).Error("Dropping unencodable message")
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(relayWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "RelayClient.writeLoop",
					"type":     msg.Type,
					"error":    err.Error(),
				}).Warn("Relay write failed")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(relayWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-rc.closed:
			return
		}
	}
}

// Close shuts down the client and its connection. Safe to call multiple
// times.
func (rc *RelayClient) Close() error {
	rc.once.Do(func() {
		close(rc.closed)
		rc.mu.Lock()
		if rc.conn != nil {
			rc.conn.Close()
		}
		rc.mu.Unlock()
	})
	return nil
}

// backoffDelay computes the capped exponential reconnect delay.
func backoffDelay(attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt))) * time.Second
	if d > relayMaxBackoff || d <= 0 {
		return relayMaxBackoff
	}
	return d
}
