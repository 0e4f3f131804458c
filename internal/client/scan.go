package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/handoff/internal/gateway"
	"github.com/wolfeidau/handoff/internal/models"
)

var (
	// ErrRejected is returned when the server refuses the join token.
	ErrRejected = errors.New("scan session rejected")
	// ErrUploadFailed wraps an upload-error reply.
	ErrUploadFailed = errors.New("upload failed")
)

const defaultMaxAttempts = 5

// ScanOptions tunes how the scan channel connects.
type ScanOptions struct {
	// MaxAttempts bounds dial retries. Rejections are never retried.
	MaxAttempts uint
	// HTTPClient is used for the WebSocket handshake.
	HTTPClient *http.Client
	// MaxMessageBytes raises the read limit for replies.
	MaxMessageBytes int64
}

// ScanConn is a paired mobile connection to a scan session.
type ScanConn struct {
	conn      *websocket.Conn
	token     string
	ExpiresAt time.Time
}

// JoinScan dials the scan channel at wsURL and joins token. Transport
// failures are retried with exponential backoff.
func JoinScan(ctx context.Context, wsURL, token string, opts ScanOptions) (*ScanConn, error) {
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}

	dialOpts := &websocket.DialOptions{HTTPClient: opts.HTTPClient}

	sc, err := backoff.Retry(ctx, func() (*ScanConn, error) {
		conn, _, err := websocket.Dial(ctx, wsURL, dialOpts)
		if err != nil {
			return nil, fmt.Errorf("failed to dial scan channel: %w", err)
		}
		if opts.MaxMessageBytes > 0 {
			conn.SetReadLimit(opts.MaxMessageBytes)
		}

		sc := &ScanConn{conn: conn, token: token}
		if err := sc.join(ctx); err != nil {
			_ = conn.CloseNow()
			if errors.Is(err, ErrRejected) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return sc, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(opts.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).Dur("retry_in", next).Msg("Scan channel connect failed, retrying")
		}),
	)
	if err != nil {
		return nil, err
	}

	return sc, nil
}

func (s *ScanConn) join(ctx context.Context) error {
	reply, err := s.roundTrip(ctx, gateway.Message{Type: gateway.TypeJoin, Token: s.token})
	if err != nil {
		return err
	}

	switch reply.Type {
	case gateway.TypeJoined:
		if reply.ExpiresAt != nil {
			s.ExpiresAt = *reply.ExpiresAt
		}
		return nil
	case gateway.TypeRejected:
		return fmt.Errorf("%w: %s", ErrRejected, reply.Reason)
	default:
		return fmt.Errorf("unexpected %s reply to join", reply.Type)
	}
}

// Upload sends an image and waits for the acknowledgement.
func (s *ScanConn) Upload(ctx context.Context, data []byte, mimeType string) (*gateway.Message, error) {
	reply, err := s.roundTrip(ctx, gateway.Message{
		Type:      gateway.TypeUpload,
		ImageData: gateway.EncodeImage(data),
		MimeType:  mimeType,
	})
	if err != nil {
		return nil, err
	}

	switch reply.Type {
	case gateway.TypeUploadSuccess:
		return reply, nil
	case gateway.TypeUploadError, gateway.TypeError:
		return nil, fmt.Errorf("%w: %s", ErrUploadFailed, reply.Message)
	default:
		return nil, fmt.Errorf("unexpected %s reply to upload", reply.Type)
	}
}

// Status asks the server for the session's connection state.
func (s *ScanConn) Status(ctx context.Context) (models.ConnectionState, error) {
	reply, err := s.roundTrip(ctx, gateway.Message{Type: gateway.TypeStatus})
	if err != nil {
		return "", err
	}
	if reply.Type != gateway.TypeStatusAck {
		return "", fmt.Errorf("unexpected %s reply to status", reply.Type)
	}
	return reply.ConnectionState, nil
}

// Wait blocks until the server closes the connection and returns the close status.
func (s *ScanConn) Wait(ctx context.Context) websocket.StatusCode {
	for {
		if _, _, err := s.conn.Read(ctx); err != nil {
			return websocket.CloseStatus(err)
		}
	}
}

// Close ends the connection normally.
func (s *ScanConn) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *ScanConn) roundTrip(ctx context.Context, msg gateway.Message) (*gateway.Message, error) {
	if err := wsjson.Write(ctx, s.conn, msg); err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", msg.Type, err)
	}

	var reply gateway.Message
	if err := wsjson.Read(ctx, s.conn, &reply); err != nil {
		return nil, fmt.Errorf("failed to read %s reply: %w", msg.Type, err)
	}
	return &reply, nil
}
