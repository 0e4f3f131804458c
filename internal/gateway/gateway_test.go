package gateway

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/minio/crc64nvme"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/handoff/internal/models"
	"github.com/wolfeidau/handoff/internal/relay"
	"github.com/wolfeidau/handoff/internal/store/memory"
)

type testEnv struct {
	sessions *memory.SessionStore
	server   *httptest.Server
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	sessions := memory.NewSessionStore(10 * time.Minute)
	gw := New(sessions, relay.New(sessions), cfg)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/scan", gw.ServeScan)
	mux.HandleFunc("GET /ws/scan-sessions/{token}/events", gw.ServeWatch)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testEnv{sessions: sessions, server: srv}
}

func (e *testEnv) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http") + path
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, e.wsURL("/ws/scan"), nil)
	require.NoError(t, err)
	conn.SetReadLimit(1 << 20)
	t.Cleanup(func() { _ = conn.CloseNow() })

	return conn
}

func (e *testEnv) createSession(t *testing.T) *models.Session {
	t.Helper()

	session, err := e.sessions.Create(models.SubjectRef{ExpenseID: "E1", ReceiptNumber: 3})
	require.NoError(t, err)
	return session
}

func (e *testEnv) state(token string) models.ConnectionState {
	session, ok := e.sessions.Get(token)
	if !ok {
		return ""
	}
	return session.State
}

func send(t *testing.T, conn *websocket.Conn, msg Message) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, msg))
}

func receive(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var msg Message
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	return msg
}

// readUntilClosed returns the close status the server ended the connection with.
func readUntilClosed(t *testing.T, conn *websocket.Conn) websocket.StatusCode {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		_, _, err := conn.Read(ctx)
		if err != nil {
			require.NoError(t, ctx.Err(), "connection was not closed by the server")
			return websocket.CloseStatus(err)
		}
	}
}

func join(t *testing.T, conn *websocket.Conn, token string) Message {
	t.Helper()

	send(t, conn, Message{Type: TypeJoin, Token: token})
	msg := receive(t, conn)
	require.Equal(t, TypeJoined, msg.Type)
	return msg
}

func TestScan_joinUploadTake(t *testing.T) {
	env := newTestEnv(t, Config{})
	session := env.createSession(t)
	conn := env.dial(t)

	joined := join(t, conn, session.Token)
	require.NotNil(t, joined.ExpiresAt)
	require.True(t, joined.ExpiresAt.Equal(session.ExpiresAt))
	require.Equal(t, models.ConnectionPeerConnected, env.state(session.Token))

	payload := bytes.Repeat([]byte{0xFF, 0xD8, 0xFF, 0xE0}, 50*1024/4)
	send(t, conn, Message{Type: TypeUpload, ImageData: EncodeImage(payload), MimeType: "image/jpeg"})

	ack := receive(t, conn)
	require.Equal(t, TypeUploadSuccess, ack.Type)
	require.Equal(t, 50*1024, ack.Size)
	require.Equal(t, FormatChecksum(crc64nvme.Checksum(payload)), ack.Checksum)

	got, ok := env.sessions.Get(session.Token)
	require.True(t, ok)
	require.True(t, got.HasArtifact())

	artifact, ok := env.sessions.TakeArtifact(session.Token)
	require.True(t, ok)
	require.Equal(t, payload, artifact.Data)
	require.Equal(t, "image/jpeg", artifact.ContentType)
}

func TestScan_disconnectDetachesAndAllowsRejoin(t *testing.T) {
	env := newTestEnv(t, Config{})
	session := env.createSession(t)

	first := env.dial(t)
	join(t, first, session.Token)
	require.NoError(t, first.Close(websocket.StatusNormalClosure, "navigated away"))

	require.Eventually(t, func() bool {
		return env.state(session.Token) == models.ConnectionAwaitingPeer
	}, 2*time.Second, 10*time.Millisecond)

	second := env.dial(t)
	join(t, second, session.Token)
	require.Equal(t, models.ConnectionPeerConnected, env.state(session.Token))
}

func TestScan_lastUploadWins(t *testing.T) {
	env := newTestEnv(t, Config{})
	session := env.createSession(t)
	conn := env.dial(t)
	join(t, conn, session.Token)

	send(t, conn, Message{Type: TypeUpload, ImageData: EncodeImage([]byte("first")), MimeType: "image/jpeg"})
	send(t, conn, Message{Type: TypeUpload, ImageData: EncodeImage([]byte("second")), MimeType: "image/png"})
	require.Equal(t, TypeUploadSuccess, receive(t, conn).Type)
	require.Equal(t, TypeUploadSuccess, receive(t, conn).Type)

	artifact, ok := env.sessions.TakeArtifact(session.Token)
	require.True(t, ok)
	require.Equal(t, "second", string(artifact.Data))
	require.Equal(t, "image/png", artifact.ContentType)

	_, ok = env.sessions.TakeArtifact(session.Token)
	require.False(t, ok)
}

func TestScan_secondJoinSupersedesFirst(t *testing.T) {
	env := newTestEnv(t, Config{})
	session := env.createSession(t)

	first := env.dial(t)
	join(t, first, session.Token)

	second := env.dial(t)
	join(t, second, session.Token)

	require.Equal(t, websocket.StatusPolicyViolation, readUntilClosed(t, first))

	// the first connection's detach must not clear the second attachment
	require.Never(t, func() bool {
		return env.state(session.Token) != models.ConnectionPeerConnected
	}, 200*time.Millisecond, 20*time.Millisecond)

	send(t, second, Message{Type: TypeStatus})
	ack := receive(t, second)
	require.Equal(t, TypeStatusAck, ack.Type)
	require.Equal(t, models.ConnectionPeerConnected, ack.ConnectionState)
}

func TestScan_rejectsUnknownToken(t *testing.T) {
	env := newTestEnv(t, Config{})
	conn := env.dial(t)

	send(t, conn, Message{Type: TypeJoin, Token: "not-a-real-token"})

	msg := receive(t, conn)
	require.Equal(t, TypeRejected, msg.Type)
	require.NotEmpty(t, msg.Reason)
	require.Equal(t, websocket.StatusPolicyViolation, readUntilClosed(t, conn))
}

func TestScan_rejectsExpiredToken(t *testing.T) {
	var offset atomic.Int64
	start := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return start.Add(time.Duration(offset.Load())) }
	sessions := memory.NewSessionStore(10*time.Minute, memory.WithClock(clock))
	gw := New(sessions, relay.New(sessions), Config{})
	srv := httptest.NewServer(http.HandlerFunc(gw.ServeScan))
	t.Cleanup(srv.Close)

	session, err := sessions.Create(models.SubjectRef{ExpenseID: "E1", ReceiptNumber: 3})
	require.NoError(t, err)
	offset.Store(int64(11 * time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer func() { _ = conn.CloseNow() }()

	send(t, conn, Message{Type: TypeJoin, Token: session.Token})
	require.Equal(t, TypeRejected, receive(t, conn).Type)

	_, ok := sessions.Get(session.Token)
	require.False(t, ok)
}

func TestScan_ignoresMessagesBeforeJoin(t *testing.T) {
	env := newTestEnv(t, Config{})
	session := env.createSession(t)
	conn := env.dial(t)

	send(t, conn, Message{Type: TypeUpload, ImageData: EncodeImage([]byte("early")), MimeType: "image/jpeg"})
	send(t, conn, Message{Type: TypePing})

	// the first reply must be the join confirmation
	join(t, conn, session.Token)

	got, ok := env.sessions.Get(session.Token)
	require.True(t, ok)
	require.False(t, got.HasArtifact())
	require.Equal(t, models.ArtifactNone, got.ArtifactState)
}

func TestScan_malformedMessagesKeepConnectionOpen(t *testing.T) {
	env := newTestEnv(t, Config{})
	session := env.createSession(t)
	conn := env.dial(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("{not json")))

	msg := receive(t, conn)
	require.Equal(t, TypeError, msg.Type)
	require.Equal(t, "malformed message", msg.Message)

	send(t, conn, Message{Type: "teleport"})
	msg = receive(t, conn)
	require.Equal(t, TypeError, msg.Type)
	require.Contains(t, msg.Message, "teleport")

	join(t, conn, session.Token)
}

func TestScan_repeatedUploadFailuresCloseConnection(t *testing.T) {
	env := newTestEnv(t, Config{})
	session := env.createSession(t)
	conn := env.dial(t)
	join(t, conn, session.Token)

	for range maxUploadFailures {
		send(t, conn, Message{Type: TypeUpload, ImageData: "***", MimeType: "image/jpeg"})
		msg := receive(t, conn)
		require.Equal(t, TypeUploadError, msg.Type)
	}

	require.Equal(t, websocket.StatusPolicyViolation, readUntilClosed(t, conn))
	require.Eventually(t, func() bool {
		return env.state(session.Token) == models.ConnectionAwaitingPeer
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScan_successResetsFailureCount(t *testing.T) {
	env := newTestEnv(t, Config{})
	session := env.createSession(t)
	conn := env.dial(t)
	join(t, conn, session.Token)

	for range 2 {
		send(t, conn, Message{Type: TypeUpload, ImageData: "***"})
		require.Equal(t, TypeUploadError, receive(t, conn).Type)
	}

	send(t, conn, Message{Type: TypeUpload, ImageData: EncodeImage([]byte("ok")), MimeType: "image/jpeg"})
	require.Equal(t, TypeUploadSuccess, receive(t, conn).Type)

	for range 2 {
		send(t, conn, Message{Type: TypeUpload, ImageData: "***"})
		require.Equal(t, TypeUploadError, receive(t, conn).Type)
	}

	send(t, conn, Message{Type: TypePing})
	require.Equal(t, TypeStatusAck, receive(t, conn).Type)
}

func TestScan_uploadAfterSessionDeleted(t *testing.T) {
	env := newTestEnv(t, Config{})
	session := env.createSession(t)
	conn := env.dial(t)
	join(t, conn, session.Token)

	_, ok := env.sessions.Delete(session.Token, models.CloseCancelled)
	require.True(t, ok)

	send(t, conn, Message{Type: TypeUpload, ImageData: EncodeImage([]byte("late")), MimeType: "image/jpeg"})
	msg := receive(t, conn)
	require.Equal(t, TypeUploadError, msg.Type)
	require.Equal(t, relay.ErrSessionGone.Error(), msg.Message)
}

func TestScan_uploadTooLarge(t *testing.T) {
	env := newTestEnv(t, Config{MaxUploadBytes: 1024})
	session := env.createSession(t)
	conn := env.dial(t)
	join(t, conn, session.Token)

	send(t, conn, Message{Type: TypeUpload, ImageData: EncodeImage(make([]byte, 1025)), MimeType: "image/jpeg"})
	msg := receive(t, conn)
	require.Equal(t, TypeUploadError, msg.Type)
	require.Contains(t, msg.Message, "1024")
}

func TestScan_idleTimeoutDetaches(t *testing.T) {
	env := newTestEnv(t, Config{IdleTimeout: 100 * time.Millisecond})
	session := env.createSession(t)
	conn := env.dial(t)
	join(t, conn, session.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	require.NoError(t, ctx.Err())

	require.Eventually(t, func() bool {
		return env.state(session.Token) == models.ConnectionAwaitingPeer
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPeer_closeStatus(t *testing.T) {
	require.Equal(t, websocket.StatusGoingAway, closeStatus(models.CloseExpired))
	require.Equal(t, websocket.StatusPolicyViolation, closeStatus(models.CloseSuperseded))
	require.Equal(t, websocket.StatusNormalClosure, closeStatus(models.CloseCompleted))
	require.Equal(t, websocket.StatusNormalClosure, closeStatus(models.CloseCancelled))
}

func TestGateway_readLimitCoversEncodedUpload(t *testing.T) {
	gw := New(memory.NewSessionStore(time.Minute), nil, Config{MaxUploadBytes: 3000})
	require.Equal(t, int64(4000+frameOverhead), gw.readLimit())
}
