// Package relay stores delivered receipt images as the pending artifact of a scan session.
package relay

import (
	"context"
	"errors"
	"time"

	"github.com/minio/crc64nvme"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/handoff/internal/models"
	"github.com/wolfeidau/handoff/internal/store"
	"github.com/wolfeidau/handoff/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrSessionGone is returned when the token no longer names a live session.
	ErrSessionGone = errors.New("scan session not found or expired")
	// ErrEmptyPayload is returned for deliveries without image bytes.
	ErrEmptyPayload = errors.New("image payload is empty")
)

// Source records which path delivered an image.
type Source string

const (
	SourceRealtime Source = "realtime"
	SourceHTTP     Source = "http"
)

// Relay accepts image bytes from the real-time gateway or the HTTP fallback
// and hands them to the session store.
type Relay struct {
	sessions store.ScanSessionStore
	nowF     func() time.Time
	metrics  *telemetry.Metrics
}

// New creates a relay backed by sessions.
func New(sessions store.ScanSessionStore) *Relay {
	return &Relay{
		sessions: sessions,
		nowF:     time.Now,
		metrics:  telemetry.GetMetrics(),
	}
}

// Deliver stores data as the pending artifact for token, replacing any
// artifact that was not yet collected.
func (r *Relay) Deliver(ctx context.Context, token string, data []byte, contentType string, source Source) (*models.Artifact, error) {
	attrs := metric.WithAttributes(attribute.String("source", string(source)))

	if len(data) == 0 {
		r.metrics.UploadsRejected.Add(ctx, 1, attrs, metric.WithAttributes(attribute.String("reason", "empty")))
		return nil, ErrEmptyPayload
	}

	artifact := &models.Artifact{
		Data:        data,
		ContentType: contentType,
		Checksum:    crc64nvme.Checksum(data),
		ReceivedAt:  r.nowF(),
	}

	if !r.sessions.SetArtifact(token, artifact) {
		r.metrics.UploadsRejected.Add(ctx, 1, attrs, metric.WithAttributes(attribute.String("reason", "session_gone")))
		log.Debug().
			Str("token", store.RedactToken(token)).
			Str("source", string(source)).
			Msg("Upload for missing scan session")
		return nil, ErrSessionGone
	}

	r.metrics.UploadsTotal.Add(ctx, 1, attrs)
	r.metrics.UploadBytes.Record(ctx, int64(len(data)), attrs)

	log.Info().
		Str("token", store.RedactToken(token)).
		Str("source", string(source)).
		Str("content_type", contentType).
		Int("bytes", len(data)).
		Uint64("checksum", artifact.Checksum).
		Msg("Stored pending artifact")

	return artifact, nil
}
