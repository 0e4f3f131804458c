package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/handoff/internal/gateway"
	httpmiddleware "github.com/wolfeidau/handoff/internal/http"
	"github.com/wolfeidau/handoff/internal/models"
	"github.com/wolfeidau/handoff/internal/relay"
	"github.com/wolfeidau/handoff/internal/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// CreateSessionRequest starts a scan for one receipt slot of an expense.
type CreateSessionRequest struct {
	ExpenseID     string `json:"expenseId"`
	ReceiptNumber int    `json:"receiptNumber"`
}

// CreateSessionResponse carries everything the desktop needs to show the pairing code.
type CreateSessionResponse struct {
	Token        string    `json:"token"`
	QRCode       string    `json:"qrCode"` // data URL
	JoinURL      string    `json:"joinUrl"`
	WebSocketURL string    `json:"websocketUrl"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// SessionStatusResponse is the polling view of a session.
type SessionStatusResponse struct {
	Subject         models.SubjectRef      `json:"subject"`
	ConnectionState models.ConnectionState `json:"connectionState"`
	HasArtifact     bool                   `json:"hasArtifact"`
	ArtifactState   models.ArtifactState   `json:"artifactState"`
	CreatedAt       time.Time              `json:"createdAt"`
	ExpiresAt       time.Time              `json:"expiresAt"`
}

// UploadResponse acknowledges an image delivered over HTTP.
type UploadResponse struct {
	Size     int    `json:"size"`
	Checksum string `json:"checksum"`
}

// ChecksumHeader carries the CRC-64/NVME of an image body.
const ChecksumHeader = "X-Checksum-Crc64nvme"

const errSessionNotFound = "scan session not found or expired"

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.ExpenseID = strings.TrimSpace(req.ExpenseID)
	if req.ExpenseID == "" {
		writeError(w, http.StatusBadRequest, "expenseId is required")
		return
	}
	if req.ReceiptNumber < 0 {
		writeError(w, http.StatusBadRequest, "receiptNumber must not be negative")
		return
	}

	session, err := s.sessions.Create(models.SubjectRef{ExpenseID: req.ExpenseID, ReceiptNumber: req.ReceiptNumber})
	if err != nil {
		log.Error().Err(err).Msg("Failed to create scan session")
		writeError(w, http.StatusServiceUnavailable, "unable to create scan session")
		return
	}

	p, err := s.issuer.Issue(session)
	if err != nil {
		log.Error().Err(err).Str("token", store.RedactToken(session.Token)).Msg("Failed to issue pairing code")
		if deleted, ok := s.sessions.Delete(session.Token, models.CloseCancelled); ok {
			closePeer(deleted, models.CloseCancelled)
		}
		writeError(w, http.StatusInternalServerError, "unable to render pairing code")
		return
	}

	s.metrics.SessionsCreatedTotal.Add(r.Context(), 1)

	log.Info().
		Str("token", store.RedactToken(session.Token)).
		Str("expense_id", req.ExpenseID).
		Int("receipt_number", req.ReceiptNumber).
		Str("client_ip", httpmiddleware.ExtractClientIP(r)).
		Time("expires_at", session.ExpiresAt).
		Msg("Scan session created")

	writeJSON(w, http.StatusCreated, CreateSessionResponse{
		Token:        p.Token,
		QRCode:       "data:" + p.ImageType + ";base64," + base64.StdEncoding.EncodeToString(p.Image),
		JoinURL:      p.JoinURL,
		WebSocketURL: p.WebSocketURL,
		ExpiresAt:    p.ExpiresAt,
	})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessions.Get(r.PathValue("token"))
	if !ok {
		writeError(w, http.StatusNotFound, errSessionNotFound)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, SessionStatusResponse{
		Subject:         session.Subject,
		ConnectionState: session.State,
		HasArtifact:     session.HasArtifact(),
		ArtifactState:   session.ArtifactState,
		CreatedAt:       session.CreatedAt,
		ExpiresAt:       session.ExpiresAt,
	})
}

func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessions.Delete(r.PathValue("token"), models.CloseCancelled)
	if !ok {
		writeError(w, http.StatusNotFound, errSessionNotFound)
		return
	}

	closePeer(session, models.CloseCancelled)
	s.metrics.SessionsClosedTotal.Add(r.Context(), 1, metric.WithAttributes(attribute.String("reason", "cancelled")))

	log.Info().Str("token", store.RedactToken(session.Token)).Msg("Scan session cancelled")

	w.WriteHeader(http.StatusNoContent)
}

// takeArtifact hands the pending image to the desktop. The image can be
// collected once; the session stays alive so the phone can rescan.
func (s *Server) takeArtifact(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")

	artifact, ok := s.sessions.TakeArtifact(token)
	if !ok {
		if _, live := s.sessions.Get(token); live {
			writeError(w, http.StatusNotFound, "no scanned image pending")
			return
		}
		writeError(w, http.StatusNotFound, errSessionNotFound)
		return
	}

	w.Header().Set("Content-Type", artifact.ContentType)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set(ChecksumHeader, gateway.FormatChecksum(artifact.Checksum))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(artifact.Data)
}

// uploadImage is the fallback for phones that cannot hold a WebSocket open.
func (s *Server) uploadImage(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")

	data, contentType, ok := s.readImage(w, r)
	if !ok {
		return
	}

	artifact, err := s.relay.Deliver(r.Context(), token, data, contentType, relay.SourceHTTP)
	switch {
	case errors.Is(err, relay.ErrSessionGone):
		writeError(w, http.StatusNotFound, errSessionNotFound)
		return
	case errors.Is(err, relay.ErrEmptyPayload):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		log.Error().Err(err).Str("token", store.RedactToken(token)).Msg("Failed to deliver upload")
		writeError(w, http.StatusInternalServerError, "unable to store image")
		return
	}

	writeJSON(w, http.StatusCreated, UploadResponse{
		Size:     artifact.Size(),
		Checksum: gateway.FormatChecksum(artifact.Checksum),
	})
}

// readImage extracts the multipart "image" file. It writes the error response
// itself and reports false when the request is unusable.
func (s *Server) readImage(w http.ResponseWriter, r *http.Request) ([]byte, string, bool) {
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		if httpmiddleware.IsBodyTooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "image too large")
			return nil, "", false
		}
		writeError(w, http.StatusBadRequest, "expected multipart form with an image file")
		return nil, "", false
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "image file is required")
		return nil, "", false
	}
	defer func() { _ = file.Close() }()

	contentType, ok := imageContentType(header.Header.Get("Content-Type"))
	if !ok {
		writeError(w, http.StatusUnsupportedMediaType, "only image uploads are accepted")
		return nil, "", false
	}

	if header.Size > s.cfg.MaxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "image too large")
		return nil, "", false
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unable to read image")
		return nil, "", false
	}

	return data, contentType, true
}

// imageContentType normalizes an image/* media type, dropping parameters.
func imageContentType(value string) (string, bool) {
	mediaType, _, err := mime.ParseMediaType(value)
	if err != nil {
		return "", false
	}
	if !strings.HasPrefix(mediaType, "image/") {
		return "", false
	}
	return mediaType, true
}
