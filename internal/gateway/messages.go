package gateway

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wolfeidau/handoff/internal/models"
)

// MessageType is the discriminator carried by every frame on the scan channel.
type MessageType string

// Inbound message types, sent by the mobile device.
const (
	TypeJoin   MessageType = "join"
	TypeUpload MessageType = "upload"
	TypeStatus MessageType = "status"
	TypePing   MessageType = "ping"
)

// Outbound message types, sent by the gateway.
const (
	TypeJoined        MessageType = "joined"
	TypeRejected      MessageType = "rejected"
	TypeUploadSuccess MessageType = "upload-success"
	TypeUploadError   MessageType = "upload-error"
	TypeStatusAck     MessageType = "status-ack"
	TypeError         MessageType = "error"
)

// Message is the JSON envelope for both directions of the scan channel.
// Only the fields relevant to Type are populated.
type Message struct {
	Type MessageType `json:"type"`

	// join
	Token string `json:"token,omitempty"`

	// upload
	ImageData string `json:"imageData,omitempty"`
	MimeType  string `json:"mimeType,omitempty"`

	// joined, status-ack
	ExpiresAt       *time.Time             `json:"expiresAt,omitempty"`
	ConnectionState models.ConnectionState `json:"connectionState,omitempty"`

	// upload-success
	Size     int    `json:"size,omitempty"`
	Checksum string `json:"checksum,omitempty"`

	// rejected, upload-error, error
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

func isInbound(t MessageType) bool {
	switch t {
	case TypeJoin, TypeUpload, TypeStatus, TypePing:
		return true
	}
	return false
}

// FormatChecksum renders a CRC-64/NVME checksum the way it appears on the wire.
func FormatChecksum(sum uint64) string {
	return fmt.Sprintf("%016x", sum)
}

// EncodeImage builds the imageData field for an upload message.
func EncodeImage(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

var errInvalidImageData = errors.New("image data is not valid base64")

// decodeImage accepts plain base64 or a data URL. The media type embedded in
// a data URL is used when mimeType is empty.
func decodeImage(imageData, mimeType string) ([]byte, string, error) {
	if rest, ok := strings.CutPrefix(imageData, "data:"); ok {
		header, payload, found := strings.Cut(rest, ",")
		if !found || !strings.HasSuffix(header, ";base64") {
			return nil, "", errInvalidImageData
		}
		if mimeType == "" {
			mimeType = strings.TrimSuffix(header, ";base64")
		}
		imageData = payload
	}

	data, err := base64.StdEncoding.DecodeString(imageData)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", errInvalidImageData, err)
	}

	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	return data, mimeType, nil
}
