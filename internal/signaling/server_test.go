package signaling

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classmeet/meeting-relay/internal/metrics"
	"github.com/classmeet/meeting-relay/internal/rooms"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	if cfg.Registry == nil {
		cfg.Registry = rooms.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	s := NewServer(cfg)

	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return s, ts
}

func dialTestServer(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/meet/signal"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg ServerMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func readWelcome(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	msg := readMessage(t, conn)
	require.Equal(t, MessageTypeWelcome, msg.Type)
	require.NotEmpty(t, msg.ConnectionID)
	return msg.ConnectionID
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.SetWriteDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.WriteJSON(v))
}

func TestServer_WelcomeAssignsUniqueConnectionIDs(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	a := dialTestServer(t, ts)
	b := dialTestServer(t, ts)

	idA := readWelcome(t, a)
	idB := readWelcome(t, b)
	assert.NotEqual(t, idA, idB)
}

func TestServer_JoinSignalDisconnectFlow(t *testing.T) {
	s, ts := newTestServer(t, Config{})

	alice := dialTestServer(t, ts)
	bob := dialTestServer(t, ts)
	aliceID := readWelcome(t, alice)
	bobID := readWelcome(t, bob)

	writeJSON(t, alice, ClientMessage{Type: MessageTypeJoinRoom, Room: "math-101", Identity: "alice"})
	joined := readMessage(t, alice)
	require.Equal(t, MessageTypeRoomJoined, joined.Type)
	assert.Equal(t, "math-101", joined.Room)
	assert.Empty(t, joined.Peers)

	writeJSON(t, bob, ClientMessage{Type: MessageTypeJoinRoom, Room: "math-101", Identity: "bob"})
	joined = readMessage(t, bob)
	require.Equal(t, MessageTypeRoomJoined, joined.Type)
	assert.Equal(t, []Peer{{ConnectionID: aliceID, Identity: "alice"}}, joined.Peers)

	connected := readMessage(t, alice)
	require.Equal(t, MessageTypeUserConnected, connected.Type)
	assert.Equal(t, bobID, connected.ConnectionID)
	assert.Equal(t, "bob", connected.Identity)

	// Offer from alice to bob, answer back.
	writeJSON(t, alice, ClientMessage{Type: MessageTypeSignal, Target: bobID, Payload: []byte(`{"sdp":"offer"}`)})
	sig := readMessage(t, bob)
	require.Equal(t, MessageTypeSignal, sig.Type)
	assert.Equal(t, "alice", sig.From)
	assert.Equal(t, aliceID, sig.FromConnectionID)
	assert.JSONEq(t, `{"sdp":"offer"}`, string(sig.Payload))

	writeJSON(t, bob, ClientMessage{Type: MessageTypeSignal, Target: aliceID, Payload: []byte(`{"sdp":"answer"}`)})
	sig = readMessage(t, alice)
	require.Equal(t, MessageTypeSignal, sig.Type)
	assert.Equal(t, "bob", sig.From)

	// Both signals reached live handles, so both count as relayed.
	assert.EqualValues(t, 2, s.metrics.Get(metrics.SignalRelayed))
	assert.Zero(t, s.metrics.Get(metrics.SignalDropped))

	require.NoError(t, bob.Close())
	gone := readMessage(t, alice)
	require.Equal(t, MessageTypeUserDisconnected, gone.Type)
	assert.Equal(t, bobID, gone.ConnectionID)
	assert.Equal(t, "bob", gone.Identity)

	require.Eventually(t, func() bool { return s.ConnectionCount() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestServer_ExplicitLeaveNotifiesRoom(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	alice := dialTestServer(t, ts)
	bob := dialTestServer(t, ts)
	readWelcome(t, alice)
	bobID := readWelcome(t, bob)

	writeJSON(t, alice, ClientMessage{Type: MessageTypeJoinRoom, Room: "math-101", Identity: "alice"})
	readMessage(t, alice) // room-joined
	writeJSON(t, bob, ClientMessage{Type: MessageTypeJoinRoom, Room: "math-101", Identity: "bob"})
	readMessage(t, bob)   // room-joined
	readMessage(t, alice) // user-connected

	writeJSON(t, bob, ClientMessage{Type: MessageTypeLeaveRoom})
	gone := readMessage(t, alice)
	require.Equal(t, MessageTypeUserDisconnected, gone.Type)
	assert.Equal(t, bobID, gone.ConnectionID)

	// Bob's connection stays usable after leaving.
	writeJSON(t, bob, ClientMessage{Type: MessageTypeJoinRoom, Room: "bio-202", Identity: "bob"})
	joined := readMessage(t, bob)
	assert.Equal(t, MessageTypeRoomJoined, joined.Type)
	assert.Equal(t, "bio-202", joined.Room)
}

func TestServer_MalformedMessageKeepsConnectionOpen(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	conn := dialTestServer(t, ts)
	readWelcome(t, conn)

	require.NoError(t, conn.SetWriteDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"warp"}`)))

	errMsg := readMessage(t, conn)
	require.Equal(t, MessageTypeError, errMsg.Type)
	assert.Equal(t, ErrCodeBadMessage, errMsg.Code)

	// The connection survived the bad message.
	writeJSON(t, conn, ClientMessage{Type: MessageTypeJoinRoom, Room: "math-101", Identity: "alice"})
	joined := readMessage(t, conn)
	assert.Equal(t, MessageTypeRoomJoined, joined.Type)
}

func TestServer_SignalBeforeJoinReturnsError(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	conn := dialTestServer(t, ts)
	readWelcome(t, conn)

	writeJSON(t, conn, ClientMessage{Type: MessageTypeSignal, Target: "nobody", Payload: []byte(`{}`)})
	errMsg := readMessage(t, conn)
	require.Equal(t, MessageTypeError, errMsg.Type)
	assert.Equal(t, ErrCodeNotInRoom, errMsg.Code)
}

func TestServer_SignalToUnknownTargetIsDroppedSilently(t *testing.T) {
	s, ts := newTestServer(t, Config{})

	conn := dialTestServer(t, ts)
	readWelcome(t, conn)

	writeJSON(t, conn, ClientMessage{Type: MessageTypeJoinRoom, Room: "math-101", Identity: "alice"})
	readMessage(t, conn) // room-joined

	writeJSON(t, conn, ClientMessage{Type: MessageTypeSignal, Target: "no-such-conn", Payload: []byte(`{}`)})

	// The sender receives nothing; confirm with another round trip instead
	// of sleeping.
	writeJSON(t, conn, ClientMessage{Type: MessageTypeJoinRoom, Room: "bio-202", Identity: "alice"})
	joined := readMessage(t, conn)
	assert.Equal(t, MessageTypeRoomJoined, joined.Type)

	require.Eventually(t, func() bool {
		return s.metrics.Get(metrics.SignalDropped) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// An unknown-target signal is dropped, not counted as relayed too.
	assert.Zero(t, s.metrics.Get(metrics.SignalRelayed))
}

func TestServer_RateLimitClosesConnection(t *testing.T) {
	s, ts := newTestServer(t, Config{MaxMessagesPerSecond: 5})

	conn := dialTestServer(t, ts)
	readWelcome(t, conn)

	for i := 0; i < 50; i++ {
		require.NoError(t, conn.SetWriteDeadline(time.Now().Add(5*time.Second)))
		if err := conn.WriteJSON(ClientMessage{Type: MessageTypeLeaveRoom}); err != nil {
			break
		}
	}

	// The server tears the connection down; reads end in an error once the
	// close frame (or the closed transport) is reached. The rate_limited
	// error envelope is best effort and may be lost to the teardown, so the
	// assertion is on the metric.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
	}
	require.Eventually(t, func() bool {
		return s.metrics.Get(metrics.RateLimitedClose) == 1 && s.ConnectionCount() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServer_RejectsDisallowedOrigin(t *testing.T) {
	_, ts := newTestServer(t, Config{AllowedOrigins: []string{"https://app.classmeet.test"}})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/meet/signal"
	header := http.Header{"Origin": []string{"https://evil.example"}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	if conn != nil {
		conn.Close()
	}
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestServer_AllowsConfiguredOrigin(t *testing.T) {
	_, ts := newTestServer(t, Config{AllowedOrigins: []string{"https://app.classmeet.test"}})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/meet/signal"
	header := http.Header{"Origin": []string{"https://app.classmeet.test"}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	readWelcome(t, conn)
}
