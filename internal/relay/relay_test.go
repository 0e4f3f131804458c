package relay

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/minio/crc64nvme"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/handoff/internal/models"
	"github.com/wolfeidau/handoff/internal/store/memory"
)

func TestRelay_Deliver(t *testing.T) {
	ctx := context.Background()
	subject := models.SubjectRef{ExpenseID: "E1", ReceiptNumber: 3}

	t.Run("stores the artifact with checksum", func(t *testing.T) {
		sessions := memory.NewSessionStore(10 * time.Minute)
		session, err := sessions.Create(subject)
		require.NoError(t, err)

		r := New(sessions)
		received := time.Date(2026, 3, 14, 9, 1, 0, 0, time.UTC)
		r.nowF = func() time.Time { return received }

		payload := bytes.Repeat([]byte{0xab}, 50*1024)
		artifact, err := r.Deliver(ctx, session.Token, payload, "image/jpeg", SourceRealtime)
		require.NoError(t, err)
		require.Equal(t, crc64nvme.Checksum(payload), artifact.Checksum)
		require.Equal(t, received, artifact.ReceivedAt)

		taken, ok := sessions.TakeArtifact(session.Token)
		require.True(t, ok)
		require.Equal(t, payload, taken.Data)
		require.Equal(t, "image/jpeg", taken.ContentType)
		require.Equal(t, 50*1024, taken.Size())
	})

	t.Run("unknown token", func(t *testing.T) {
		r := New(memory.NewSessionStore(10 * time.Minute))

		_, err := r.Deliver(ctx, "missing", []byte("img"), "image/png", SourceHTTP)
		require.ErrorIs(t, err, ErrSessionGone)
	})

	t.Run("empty payload", func(t *testing.T) {
		sessions := memory.NewSessionStore(10 * time.Minute)
		session, err := sessions.Create(subject)
		require.NoError(t, err)

		_, err = New(sessions).Deliver(ctx, session.Token, nil, "image/png", SourceHTTP)
		require.ErrorIs(t, err, ErrEmptyPayload)

		_, ok := sessions.TakeArtifact(session.Token)
		require.False(t, ok)
	})

	t.Run("second delivery overwrites the first", func(t *testing.T) {
		sessions := memory.NewSessionStore(10 * time.Minute)
		session, err := sessions.Create(subject)
		require.NoError(t, err)

		r := New(sessions)
		_, err = r.Deliver(ctx, session.Token, []byte("first"), "image/jpeg", SourceRealtime)
		require.NoError(t, err)
		_, err = r.Deliver(ctx, session.Token, []byte("second"), "image/png", SourceHTTP)
		require.NoError(t, err)

		taken, ok := sessions.TakeArtifact(session.Token)
		require.True(t, ok)
		require.Equal(t, []byte("second"), taken.Data)
		require.Equal(t, "image/png", taken.ContentType)
	})
}
