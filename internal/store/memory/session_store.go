package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/handoff/internal/models"
	"github.com/wolfeidau/handoff/internal/store"
)

const (
	// DefaultSessionTTL is the fixed lifetime of a scan session.
	DefaultSessionTTL = 10 * time.Minute

	watcherBuffer    = 16
	maxTokenAttempts = 3
)

var _ store.ScanSessionStore = (*SessionStore)(nil)

// Option configures a SessionStore.
type Option func(*SessionStore)

// WithClock overrides the time source used for creation stamps and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *SessionStore) {
		s.nowF = now
	}
}

type watcher struct {
	ch     chan models.SessionEvent
	closed bool
}

type entry struct {
	session  models.Session
	watchers []*watcher
}

// SessionStore implements store.ScanSessionStore in memory.
//
// A single mutex guards the table. It is only held for map and field updates;
// closing connections always happens after it is released.
type SessionStore struct {
	mu sync.Mutex

	sessions map[string]*entry // token -> entry
	ttl      time.Duration
	nowF     func() time.Time
}

// NewSessionStore creates a new in-memory scan session store.
func NewSessionStore(ttl time.Duration, opts ...Option) *SessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}

	s := &SessionStore{
		sessions: make(map[string]*entry),
		ttl:      ttl,
		nowF:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// TTL returns the lifetime applied to new sessions.
func (s *SessionStore) TTL() time.Duration {
	return s.ttl
}

// Create allocates a token and stores a new session awaiting its peer.
func (s *SessionStore) Create(subject models.SubjectRef) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for range maxTokenAttempts {
		token, err := newToken()
		if err != nil {
			return nil, fmt.Errorf("failed to generate session token: %w", err)
		}
		if _, exists := s.sessions[token]; exists {
			continue
		}

		now := s.nowF()
		e := &entry{
			session: models.Session{
				Token:         token,
				Subject:       subject,
				CreatedAt:     now,
				ExpiresAt:     now.Add(s.ttl),
				State:         models.ConnectionAwaitingPeer,
				ArtifactState: models.ArtifactNone,
			},
		}
		s.sessions[token] = e

		log.Debug().
			Str("token", store.RedactToken(token)).
			Str("expense_id", subject.ExpenseID).
			Int("receipt_number", subject.ReceiptNumber).
			Msg("Created scan session")

		return snapshot(e), nil
	}

	return nil, store.ErrTokenExhausted
}

// Get retrieves a live session by token.
func (s *SessionStore) Get(token string) (*models.Session, bool) {
	s.mu.Lock()
	e, evicted := s.lookup(token)
	if e == nil {
		s.mu.Unlock()
		closeEvicted(evicted)
		return nil, false
	}

	session := snapshot(e)
	s.mu.Unlock()

	return session, true
}

// AttachConnection binds conn to the session and returns any connection it replaced.
func (s *SessionStore) AttachConnection(token string, conn models.PeerConn) (models.PeerConn, bool) {
	s.mu.Lock()
	e, evicted := s.lookup(token)
	if e == nil {
		s.mu.Unlock()
		closeEvicted(evicted)
		return nil, false
	}

	var superseded models.PeerConn
	if e.session.Conn != nil && e.session.Conn != conn {
		superseded = e.session.Conn
	}

	e.session.Conn = conn
	e.session.State = models.ConnectionPeerConnected
	s.notify(e, models.EventPeerConnected, "")
	s.mu.Unlock()

	return superseded, true
}

// DetachConnection clears the attachment held by conn, if it still holds it.
func (s *SessionStore) DetachConnection(token string, conn models.PeerConn) {
	s.mu.Lock()
	e, evicted := s.lookup(token)
	if e != nil && e.session.Conn == conn {
		wasConnected := e.session.State == models.ConnectionPeerConnected
		e.session.Conn = nil
		e.session.State = models.ConnectionAwaitingPeer
		if wasConnected {
			s.notify(e, models.EventPeerDisconnected, "")
		}
	}
	s.mu.Unlock()

	closeEvicted(evicted)
}

// SetArtifact stores the pending artifact for the session, last write wins.
func (s *SessionStore) SetArtifact(token string, artifact *models.Artifact) bool {
	s.mu.Lock()
	e, evicted := s.lookup(token)
	if e == nil {
		s.mu.Unlock()
		closeEvicted(evicted)
		return false
	}

	e.session.Artifact = artifact
	e.session.ArtifactState = models.ArtifactPending
	s.notify(e, models.EventArtifactReady, "")
	s.mu.Unlock()

	return true
}

// TakeArtifact returns and clears the pending artifact.
func (s *SessionStore) TakeArtifact(token string) (*models.Artifact, bool) {
	s.mu.Lock()
	e, evicted := s.lookup(token)
	if e == nil || e.session.Artifact == nil {
		s.mu.Unlock()
		closeEvicted(evicted)
		return nil, false
	}

	artifact := e.session.Artifact
	e.session.Artifact = nil
	e.session.ArtifactState = models.ArtifactConsumed
	s.mu.Unlock()

	return artifact, true
}

// RestoreArtifact returns a taken artifact to the session unless a newer one
// has been delivered since it was taken.
func (s *SessionStore) RestoreArtifact(token string, artifact *models.Artifact) bool {
	s.mu.Lock()
	e, evicted := s.lookup(token)
	if e == nil || e.session.Artifact != nil || e.session.ArtifactState != models.ArtifactConsumed {
		s.mu.Unlock()
		closeEvicted(evicted)
		return false
	}

	e.session.Artifact = artifact
	e.session.ArtifactState = models.ArtifactPending
	s.notify(e, models.EventArtifactReady, "")
	s.mu.Unlock()

	return true
}

// Delete destroys a live session and returns its final state.
func (s *SessionStore) Delete(token string, reason models.CloseReason) (*models.Session, bool) {
	s.mu.Lock()
	e, evicted := s.lookup(token)
	if e == nil {
		s.mu.Unlock()
		closeEvicted(evicted)
		return nil, false
	}

	s.remove(e, reason)
	session := snapshot(e)
	s.mu.Unlock()

	log.Debug().Str("token", store.RedactToken(token)).Str("reason", string(reason)).Msg("Deleted scan session")

	return session, true
}

// SweepExpired removes every expired session and returns them.
func (s *SessionStore) SweepExpired() []*models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowF()

	var expired []*models.Session
	for _, e := range s.sessions {
		if e.session.IsExpired(now) {
			s.remove(e, models.CloseExpired)
			expired = append(expired, snapshot(e))
		}
	}

	return expired
}

// Watch streams state changes for a live session.
func (s *SessionStore) Watch(ctx context.Context, token string) (<-chan models.SessionEvent, bool) {
	s.mu.Lock()
	e, evicted := s.lookup(token)
	if e == nil {
		s.mu.Unlock()
		closeEvicted(evicted)
		return nil, false
	}

	w := &watcher{ch: make(chan models.SessionEvent, watcherBuffer)}
	e.watchers = append(e.watchers, w)
	s.mu.Unlock()

	context.AfterFunc(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		for i, candidate := range e.watchers {
			if candidate == w {
				e.watchers = append(e.watchers[:i], e.watchers[i+1:]...)
				break
			}
		}
		if !w.closed {
			w.closed = true
			close(w.ch)
		}
	})

	return w.ch, true
}

// WatcherCount returns the number of open watch channels for token.
func (s *SessionStore) WatcherCount(token string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.sessions[token]
	if !exists {
		return 0
	}
	return len(e.watchers)
}

// Len returns the number of sessions in the table.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.sessions)
}

// lookup returns the live entry for token. An expired entry is removed and
// its connection returned for closing once the lock is released.
// Must be called with s.mu held.
func (s *SessionStore) lookup(token string) (*entry, models.PeerConn) {
	e, exists := s.sessions[token]
	if !exists {
		return nil, nil
	}

	if e.session.IsExpired(s.nowF()) {
		conn := e.session.Conn
		s.remove(e, models.CloseExpired)
		log.Debug().Str("token", store.RedactToken(token)).Msg("Evicted expired scan session on access")
		return nil, conn
	}

	return e, nil
}

// remove drops the entry from the table and closes its watchers.
// Must be called with s.mu held.
func (s *SessionStore) remove(e *entry, reason models.CloseReason) {
	delete(s.sessions, e.session.Token)

	s.notify(e, models.EventSessionClosed, string(reason))
	for _, w := range e.watchers {
		if !w.closed {
			w.closed = true
			close(w.ch)
		}
	}
	e.watchers = nil
}

// notify fans an event out to the session's watchers without blocking.
// Must be called with s.mu held.
func (s *SessionStore) notify(e *entry, eventType models.SessionEventType, reason string) {
	event := models.SessionEvent{Type: eventType, At: s.nowF(), Reason: reason}
	for _, w := range e.watchers {
		if w.closed {
			continue
		}
		select {
		case w.ch <- event:
		default:
			log.Warn().
				Str("token", store.RedactToken(e.session.Token)).
				Str("event", string(eventType)).
				Msg("Watcher channel full, dropping event")
		}
	}
}

func snapshot(e *entry) *models.Session {
	clone := e.session
	return &clone
}

func closeEvicted(conn models.PeerConn) {
	if conn == nil {
		return
	}

	go func() {
		if err := conn.Close(models.CloseExpired); err != nil {
			log.Debug().Err(err).Msg("Failed to close connection of evicted session")
		}
	}()
}

// newToken returns 16 random bytes from a v4 UUID, base58-encoded.
func newToken() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return base58.Encode(id[:]), nil
}
