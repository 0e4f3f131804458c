package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/handoff/internal/models"
	"github.com/wolfeidau/handoff/internal/store"
)

var _ store.ReceiptStore = (*ReceiptStore)(nil)

// ReceiptStore implements store.ReceiptStore using PostgreSQL.
// Image payloads are stored zstd-compressed.
type ReceiptStore struct {
	pool *pgxpool.Pool
	enc  *zstd.Encoder
	dec  *zstd.Decoder

	queryTimeout time.Duration
}

// NewReceiptStore creates a PostgreSQL-backed receipt store.
func NewReceiptStore(pool *pgxpool.Pool) (*ReceiptStore, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	return &ReceiptStore{
		pool:         pool,
		enc:          enc,
		dec:          dec,
		queryTimeout: 10 * time.Second,
	}, nil
}

// Close releases the codec resources. The pool is owned by the caller.
func (s *ReceiptStore) Close() {
	s.dec.Close()
	_ = s.enc.Close()
}

// Put stores a finalized receipt.
func (s *ReceiptStore) Put(ctx context.Context, receipt *models.Receipt) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	payload := s.enc.EncodeAll(receipt.Data, make([]byte, 0, len(receipt.Data)))

	_, err := s.pool.Exec(ctx, `
		INSERT INTO receipts (
			receipt_id, expense_id, receipt_number,
			content_type, checksum, original_size,
			payload, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		receipt.ReceiptID,
		receipt.Subject.ExpenseID,
		receipt.Subject.ReceiptNumber,
		receipt.ContentType,
		int64(receipt.Checksum), // #nosec G115 - stored as the raw 64 bits
		len(receipt.Data),
		payload,
		receipt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store receipt: %w", mapPostgresError(err))
	}

	log.Debug().
		Str("receipt_id", receipt.ReceiptID.String()).
		Int("original_bytes", len(receipt.Data)).
		Int("stored_bytes", len(payload)).
		Msg("Stored receipt")

	return nil
}

// Get retrieves a receipt by ID.
func (s *ReceiptStore) Get(ctx context.Context, receiptID uuid.UUID) (*models.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var (
		receipt      models.Receipt
		checksum     int64
		originalSize int
		payload      []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT
			receipt_id, expense_id, receipt_number,
			content_type, checksum, original_size,
			payload, created_at
		FROM receipts
		WHERE receipt_id = $1
	`, receiptID).Scan(
		&receipt.ReceiptID,
		&receipt.Subject.ExpenseID,
		&receipt.Subject.ReceiptNumber,
		&receipt.ContentType,
		&checksum,
		&originalSize,
		&payload,
		&receipt.CreatedAt,
	)
	if err != nil {
		return nil, mapPostgresError(err)
	}

	receipt.Data, err = s.dec.DecodeAll(payload, make([]byte, 0, originalSize))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress receipt %s: %w", receiptID, err)
	}
	receipt.Checksum = uint64(checksum) // #nosec G115 - round trip of the raw 64 bits

	return &receipt, nil
}
