package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/wolfeidau/handoff/internal/models"
	"github.com/wolfeidau/handoff/internal/store"
)

var _ store.ReceiptStore = (*ReceiptStore)(nil)

// ReceiptStore implements store.ReceiptStore using in-memory storage.
// This implementation is for development and testing - data is lost on restart.
type ReceiptStore struct {
	mu       sync.RWMutex
	receipts map[uuid.UUID]*models.Receipt
}

// NewReceiptStore creates a new in-memory receipt store.
func NewReceiptStore() *ReceiptStore {
	return &ReceiptStore{
		receipts: make(map[uuid.UUID]*models.Receipt),
	}
}

// Put stores a finalized receipt.
func (s *ReceiptStore) Put(ctx context.Context, receipt *models.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.receipts[receipt.ReceiptID]; exists {
		return fmt.Errorf("%w: %s", store.ErrReceiptExists, receipt.ReceiptID)
	}

	// Clone to avoid external modifications
	clone := *receipt
	clone.Data = append([]byte(nil), receipt.Data...)
	s.receipts[receipt.ReceiptID] = &clone

	return nil
}

// Get retrieves a receipt by ID.
func (s *ReceiptStore) Get(ctx context.Context, receiptID uuid.UUID) (*models.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	receipt, exists := s.receipts[receiptID]
	if !exists {
		return nil, store.ErrReceiptNotFound
	}

	clone := *receipt
	return &clone, nil
}
