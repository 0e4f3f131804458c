package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/wolfeidau/handoff/internal/models"
)

// Sentinel errors for common error conditions
var (
	ErrTokenExhausted  = errors.New("unable to allocate a unique session token")
	ErrReceiptNotFound = errors.New("receipt not found")
	ErrReceiptExists   = errors.New("receipt already exists")
)

// ScanSessionStore owns the state of every in-flight scan session.
//
// Session absence (unknown token, expired, already destroyed) is an expected
// condition and is reported through boolean results, never as an error.
// Sessions returned by the store are snapshots.
type ScanSessionStore interface {
	// Create allocates a fresh token and stores a session awaiting its peer.
	Create(subject models.SubjectRef) (*models.Session, error)

	// Get returns a live session. Expired sessions are evicted as a side effect.
	Get(token string) (*models.Session, bool)

	// AttachConnection binds conn to the session. A previously attached
	// connection is detached and returned so the caller can close it.
	AttachConnection(token string, conn models.PeerConn) (superseded models.PeerConn, ok bool)

	// DetachConnection clears the attachment if conn is still the attached
	// connection. It is idempotent and a no-op for unknown tokens.
	DetachConnection(token string, conn models.PeerConn)

	// SetArtifact stores the pending artifact, replacing any previous one.
	SetArtifact(token string, artifact *models.Artifact) bool

	// TakeArtifact atomically returns and clears the pending artifact.
	TakeArtifact(token string) (*models.Artifact, bool)

	// RestoreArtifact puts back an artifact taken by TakeArtifact. It only
	// succeeds while nothing newer has been delivered since the take.
	RestoreArtifact(token string, artifact *models.Artifact) bool

	// Delete destroys a session. The caller is responsible for closing the
	// returned session's connection.
	Delete(token string, reason models.CloseReason) (*models.Session, bool)

	// SweepExpired removes and returns all expired sessions. The caller is
	// responsible for closing their connections.
	SweepExpired() []*models.Session

	// Watch streams state changes for a live session until ctx is done or
	// the session is destroyed, at which point the channel is closed.
	Watch(ctx context.Context, token string) (<-chan models.SessionEvent, bool)

	// Len returns the number of sessions currently held, including expired
	// sessions not yet evicted.
	Len() int
}

// ReceiptStore persists finalized receipt images.
type ReceiptStore interface {
	Put(ctx context.Context, receipt *models.Receipt) error
	Get(ctx context.Context, receiptID uuid.UUID) (*models.Receipt, error)
}

const tokenLogPrefix = 6

// RedactToken shortens a session token so it can be logged without handing
// out the credential.
func RedactToken(token string) string {
	if len(token) <= tokenLogPrefix {
		return token
	}
	return token[:tokenLogPrefix] + "..."
}
