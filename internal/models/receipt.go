package models

import (
	"time"

	"github.com/google/uuid"
)

// Receipt is a finalized receipt image held in durable storage.
type Receipt struct {
	ReceiptID   uuid.UUID // UUIDv7
	Subject     SubjectRef
	ContentType string
	Data        []byte
	Checksum    uint64 // CRC-64/NVME of Data
	CreatedAt   time.Time
}

// StorageRef is the opaque reference handed back to the desktop client.
func (r *Receipt) StorageRef() string {
	return "receipts/" + r.ReceiptID.String()
}
