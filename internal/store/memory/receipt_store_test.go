package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/handoff/internal/models"
	"github.com/wolfeidau/handoff/internal/store"
)

func TestReceiptStore_PutGet(t *testing.T) {
	st := NewReceiptStore()
	ctx := context.Background()

	receipt := &models.Receipt{
		ReceiptID:   uuid.Must(uuid.NewV7()),
		Subject:     models.SubjectRef{ExpenseID: "E1", ReceiptNumber: 3},
		ContentType: "image/jpeg",
		Data:        []byte{0xff, 0xd8, 0xff},
		Checksum:    42,
		CreatedAt:   time.Now(),
	}

	require.NoError(t, st.Put(ctx, receipt))

	// mutating the caller's copy must not leak into the store
	receipt.Data[0] = 0x00

	got, err := st.Get(ctx, receipt.ReceiptID)
	require.NoError(t, err)
	require.Equal(t, []byte{0xff, 0xd8, 0xff}, got.Data)
	require.Equal(t, receipt.Subject, got.Subject)
	require.Equal(t, "receipts/"+receipt.ReceiptID.String(), got.StorageRef())

	err = st.Put(ctx, receipt)
	require.ErrorIs(t, err, store.ErrReceiptExists)
}

func TestReceiptStore_GetMissing(t *testing.T) {
	st := NewReceiptStore()

	_, err := st.Get(context.Background(), uuid.Must(uuid.NewV7()))
	require.ErrorIs(t, err, store.ErrReceiptNotFound)
}
