package models

import (
	"time"
)

// ConnectionState reports whether a mobile peer is attached to a scan session.
type ConnectionState string

const (
	ConnectionAwaitingPeer  ConnectionState = "AWAITING_PEER"
	ConnectionPeerConnected ConnectionState = "PEER_CONNECTED"
)

// ArtifactState distinguishes "nothing scanned yet" from "scanned and already collected".
type ArtifactState string

const (
	ArtifactNone     ArtifactState = "NONE"
	ArtifactPending  ArtifactState = "PENDING"
	ArtifactConsumed ArtifactState = "CONSUMED"
)

// CloseReason tells a peer connection why the server is ending it.
type CloseReason string

const (
	CloseExpired    CloseReason = "session expired"
	CloseSuperseded CloseReason = "superseded by another device"
	CloseCompleted  CloseReason = "scan completed"
	CloseCancelled  CloseReason = "session cancelled"
)

// PeerConn is a live real-time connection from a mobile device.
// Implementations must be safe to close from any goroutine.
type PeerConn interface {
	Close(reason CloseReason) error
}

// SubjectRef identifies what is being scanned: a receipt slot on an expense.
// The handoff core never interprets it.
type SubjectRef struct {
	ExpenseID     string `json:"expenseId"`
	ReceiptNumber int    `json:"receiptNumber"`
}

// Artifact is an uploaded image waiting to be collected by the desktop client.
type Artifact struct {
	Data        []byte
	ContentType string
	Checksum    uint64 // CRC-64/NVME of Data
	ReceivedAt  time.Time
}

// Size returns the payload length in bytes.
func (a *Artifact) Size() int {
	return len(a.Data)
}

// Session is a single in-flight scan-and-handoff operation.
// Values handed out by a session store are snapshots; mutate only through the store.
type Session struct {
	Token         string // base58 of 16 random bytes, the only credential for the session
	Subject       SubjectRef
	CreatedAt     time.Time
	ExpiresAt     time.Time
	State         ConnectionState
	Conn          PeerConn // non-nil only when State == ConnectionPeerConnected
	Artifact      *Artifact
	ArtifactState ArtifactState
}

// IsExpired returns true if the session has reached its expiry instant at now.
func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// HasArtifact returns true if an upload is waiting to be collected.
func (s *Session) HasArtifact() bool {
	return s.Artifact != nil
}

// SessionEventType enumerates notifications pushed to desktop watchers.
type SessionEventType string

const (
	EventPeerConnected    SessionEventType = "peer-connected"
	EventPeerDisconnected SessionEventType = "peer-disconnected"
	EventArtifactReady    SessionEventType = "artifact-ready"
	EventSessionClosed    SessionEventType = "session-closed"
)

// SessionEvent is a state change observed on a session.
type SessionEvent struct {
	Type   SessionEventType `json:"type"`
	At     time.Time        `json:"at"`
	Reason string           `json:"reason,omitempty"`
}
