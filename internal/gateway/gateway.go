// Package gateway terminates the real-time connections used during a scan handoff.
//
// The mobile scan channel (/ws/scan) carries join, upload and status messages
// from the phone. The desktop watch channel streams session events so the
// desktop can react without polling.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	httpmiddleware "github.com/wolfeidau/handoff/internal/http"
	"github.com/wolfeidau/handoff/internal/models"
	"github.com/wolfeidau/handoff/internal/relay"
	"github.com/wolfeidau/handoff/internal/store"
	"github.com/wolfeidau/handoff/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// DefaultIdleTimeout bounds how long a scan connection may stay silent.
	DefaultIdleTimeout = 2 * time.Minute
	// DefaultMaxUploadBytes is the largest decoded image accepted on the scan channel.
	DefaultMaxUploadBytes = 10 << 20

	maxUploadFailures = 3
	writeTimeout      = 10 * time.Second

	// room for the JSON envelope around the base64 payload
	frameOverhead = 4096
)

// Config controls the gateway's transport limits.
type Config struct {
	// OriginPatterns lists hosts allowed to open cross-origin connections.
	OriginPatterns []string
	// IdleTimeout closes connections that send nothing for this long. Zero disables it.
	IdleTimeout time.Duration
	// MaxUploadBytes caps the decoded size of a single upload.
	MaxUploadBytes int64
}

// Gateway serves the scan and watch WebSocket endpoints.
type Gateway struct {
	sessions store.ScanSessionStore
	relay    *relay.Relay
	cfg      Config
	metrics  *telemetry.Metrics
}

// New creates a gateway. A zero MaxUploadBytes falls back to DefaultMaxUploadBytes.
func New(sessions store.ScanSessionStore, rl *relay.Relay, cfg Config) *Gateway {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}

	return &Gateway{
		sessions: sessions,
		relay:    rl,
		cfg:      cfg,
		metrics:  telemetry.GetMetrics(),
	}
}

// readLimit is the largest frame accepted: a base64 encoded image of
// MaxUploadBytes plus the envelope.
func (g *Gateway) readLimit() int64 {
	return (g.cfg.MaxUploadBytes+2)/3*4 + frameOverhead
}

// peer is the models.PeerConn handed to the session store.
type peer struct {
	id   string
	conn *websocket.Conn
}

func (p *peer) Close(reason models.CloseReason) error {
	return p.conn.Close(closeStatus(reason), string(reason))
}

func closeStatus(reason models.CloseReason) websocket.StatusCode {
	switch reason {
	case models.CloseExpired:
		return websocket.StatusGoingAway
	case models.CloseSuperseded:
		return websocket.StatusPolicyViolation
	default:
		return websocket.StatusNormalClosure
	}
}

type connState int

const (
	stateUnpaired connState = iota
	statePaired
)

// scanConn is the per-connection state machine of the scan channel.
type scanConn struct {
	g        *Gateway
	peer     *peer
	clientIP string

	state    connState
	token    string
	failures int
}

// closeRequest ends the read loop and closes the connection with the given status.
type closeRequest struct {
	status websocket.StatusCode
	reason string
}

func (r *closeRequest) Error() string {
	return fmt.Sprintf("closing connection: %s", r.reason)
}

// ServeScan upgrades the request and runs the mobile scan channel until the
// connection ends.
func (g *Gateway) ServeScan(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.cfg.OriginPatterns,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to accept scan connection")
		return
	}
	defer func() { _ = conn.CloseNow() }()

	conn.SetReadLimit(g.readLimit())

	sc := &scanConn{
		g:        g,
		peer:     &peer{id: uuid.NewString(), conn: conn},
		clientIP: httpmiddleware.ExtractClientIP(r),
	}

	log.Debug().Str("conn_id", sc.peer.id).Str("client_ip", sc.clientIP).Msg("Scan connection opened")

	err = sc.run(r.Context())

	var cr *closeRequest
	switch {
	case errors.As(err, &cr):
		_ = conn.Close(cr.status, cr.reason)
	case websocket.CloseStatus(err) == websocket.StatusNormalClosure,
		websocket.CloseStatus(err) == websocket.StatusGoingAway:
	case err != nil:
		log.Debug().Err(err).Str("conn_id", sc.peer.id).Msg("Scan connection ended")
	}

	log.Debug().Str("conn_id", sc.peer.id).Msg("Scan connection closed")
}

// run processes messages in arrival order until the connection fails or a
// message handler asks for it to be closed.
func (sc *scanConn) run(ctx context.Context) error {
	defer sc.detach(ctx)

	for {
		readCtx, cancel := sc.readContext(ctx)
		_, data, err := sc.peer.conn.Read(readCtx)
		cancel()
		if err != nil {
			return err
		}

		if err := sc.handle(ctx, data); err != nil {
			return err
		}
	}
}

func (sc *scanConn) readContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if sc.g.cfg.IdleTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, sc.g.cfg.IdleTimeout)
}

// detach releases the session attachment. It is the last store mutation made
// by a connection.
func (sc *scanConn) detach(ctx context.Context) {
	if sc.state != statePaired {
		return
	}

	sc.g.sessions.DetachConnection(sc.token, sc.peer)
	sc.g.metrics.PeersActive.Add(ctx, -1)

	log.Info().
		Str("token", store.RedactToken(sc.token)).
		Str("conn_id", sc.peer.id).
		Msg("Peer detached from scan session")
}

func (sc *scanConn) handle(ctx context.Context, data []byte) error {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		sc.g.metrics.MalformedMessages.Add(ctx, 1)
		return sc.send(ctx, Message{Type: TypeError, Message: "malformed message"})
	}

	if !isInbound(msg.Type) {
		sc.g.metrics.MalformedMessages.Add(ctx, 1)
		return sc.send(ctx, Message{Type: TypeError, Message: fmt.Sprintf("unknown message type %q", msg.Type)})
	}

	if sc.state == stateUnpaired && msg.Type != TypeJoin {
		log.Debug().
			Str("conn_id", sc.peer.id).
			Str("type", string(msg.Type)).
			Msg("Ignoring message on unpaired connection")
		return nil
	}

	switch msg.Type {
	case TypeJoin:
		return sc.join(ctx, msg.Token)
	case TypeUpload:
		return sc.upload(ctx, msg)
	default:
		return sc.status(ctx)
	}
}

func (sc *scanConn) join(ctx context.Context, token string) error {
	if sc.state == statePaired {
		return sc.send(ctx, Message{Type: TypeError, Message: "connection already joined"})
	}

	session, ok := sc.g.sessions.Get(token)
	if ok {
		var superseded models.PeerConn
		superseded, ok = sc.g.sessions.AttachConnection(token, sc.peer)
		if ok && superseded != nil {
			sc.g.metrics.PeersSuperseded.Add(ctx, 1)
			go closeSuperseded(token, superseded)
		}
	}

	if !ok {
		sc.g.metrics.JoinsRejectedTotal.Add(ctx, 1)
		log.Info().
			Str("token", store.RedactToken(token)).
			Str("conn_id", sc.peer.id).
			Str("client_ip", sc.clientIP).
			Msg("Rejected join for unknown or expired scan session")

		if err := sc.send(ctx, Message{Type: TypeRejected, Reason: "session not found or expired"}); err != nil {
			return err
		}
		return &closeRequest{status: websocket.StatusPolicyViolation, reason: "invalid session token"}
	}

	sc.state = statePaired
	sc.token = token
	sc.g.metrics.JoinsTotal.Add(ctx, 1)
	sc.g.metrics.PeersActive.Add(ctx, 1)

	log.Info().
		Str("token", store.RedactToken(token)).
		Str("conn_id", sc.peer.id).
		Str("client_ip", sc.clientIP).
		Msg("Peer joined scan session")

	expiresAt := session.ExpiresAt
	return sc.send(ctx, Message{Type: TypeJoined, ExpiresAt: &expiresAt})
}

func closeSuperseded(token string, conn models.PeerConn) {
	if err := conn.Close(models.CloseSuperseded); err != nil {
		log.Debug().Err(err).Str("token", store.RedactToken(token)).Msg("Failed to close superseded connection")
		return
	}
	log.Info().Str("token", store.RedactToken(token)).Msg("Closed superseded peer connection")
}

func (sc *scanConn) upload(ctx context.Context, msg Message) error {
	data, mimeType, err := decodeImage(msg.ImageData, msg.MimeType)
	if err != nil {
		return sc.uploadFailed(ctx, errInvalidImageData.Error())
	}

	if int64(len(data)) > sc.g.cfg.MaxUploadBytes {
		sc.g.metrics.UploadsRejected.Add(ctx, 1,
			metric.WithAttributes(attribute.String("source", string(relay.SourceRealtime)), attribute.String("reason", "too_large")))
		return sc.uploadFailed(ctx, fmt.Sprintf("image exceeds %d bytes", sc.g.cfg.MaxUploadBytes))
	}

	artifact, err := sc.g.relay.Deliver(ctx, sc.token, data, mimeType, relay.SourceRealtime)
	if err != nil {
		return sc.uploadFailed(ctx, err.Error())
	}

	sc.failures = 0

	return sc.send(ctx, Message{
		Type:     TypeUploadSuccess,
		Size:     artifact.Size(),
		Checksum: FormatChecksum(artifact.Checksum),
	})
}

func (sc *scanConn) uploadFailed(ctx context.Context, message string) error {
	sc.failures++

	if err := sc.send(ctx, Message{Type: TypeUploadError, Message: message}); err != nil {
		return err
	}

	if sc.failures >= maxUploadFailures {
		log.Info().
			Str("token", store.RedactToken(sc.token)).
			Str("conn_id", sc.peer.id).
			Int("failures", sc.failures).
			Msg("Closing scan connection after repeated upload failures")
		return &closeRequest{status: websocket.StatusPolicyViolation, reason: "too many failed uploads"}
	}

	return nil
}

func (sc *scanConn) status(ctx context.Context) error {
	ack := Message{Type: TypeStatusAck}
	if session, ok := sc.g.sessions.Get(sc.token); ok {
		expiresAt := session.ExpiresAt
		ack.ConnectionState = session.State
		ack.ExpiresAt = &expiresAt
	}
	return sc.send(ctx, ack)
}

func (sc *scanConn) send(ctx context.Context, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := wsjson.Write(ctx, sc.peer.conn, msg); err != nil {
		return fmt.Errorf("failed to write %s message: %w", msg.Type, err)
	}
	return nil
}
