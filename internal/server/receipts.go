package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/minio/crc64nvme"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/handoff/internal/gateway"
	httpmiddleware "github.com/wolfeidau/handoff/internal/http"
	"github.com/wolfeidau/handoff/internal/models"
	"github.com/wolfeidau/handoff/internal/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// FinalizeResponse names the durably stored receipt.
type FinalizeResponse struct {
	ReceiptID  string `json:"receiptId"`
	StorageRef string `json:"storageRef"`
	Size       int    `json:"size"`
	Checksum   string `json:"checksum"`
}

// Headers describing a stored receipt image.
const (
	ExpenseIDHeader     = "X-Expense-Id"
	ReceiptNumberHeader = "X-Receipt-Number"
)

// finalizeReceipt persists an image as a receipt. The image comes either from
// a scan session ("token" field) or directly from the request ("image" file
// plus "expenseId" and "receiptNumber").
func (s *Server) finalizeReceipt(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		if httpmiddleware.IsBodyTooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "image too large")
			return
		}
		writeError(w, http.StatusBadRequest, "expected multipart form")
		return
	}

	if token := r.FormValue("token"); token != "" {
		s.finalizeFromSession(w, r, token)
		return
	}

	subject, err := parseSubject(r.FormValue("expenseId"), r.FormValue("receiptNumber"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	data, contentType, ok := s.readImage(w, r)
	if !ok {
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "image payload is empty")
		return
	}

	receipt, err := s.storeReceipt(r, subject, data, contentType)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "unable to store receipt")
		return
	}

	writeJSON(w, http.StatusCreated, finalizeResponse(receipt))
}

func (s *Server) finalizeFromSession(w http.ResponseWriter, r *http.Request, token string) {
	session, ok := s.sessions.Get(token)
	if !ok {
		writeError(w, http.StatusNotFound, errSessionNotFound)
		return
	}

	artifact, ok := s.sessions.TakeArtifact(token)
	if !ok {
		writeError(w, http.StatusConflict, "no scanned image pending")
		return
	}

	receipt, err := s.storeReceipt(r, session.Subject, artifact.Data, artifact.ContentType)
	if err != nil {
		// put the image back so the desktop can retry, unless the phone
		// has delivered a newer one meanwhile
		if !s.sessions.RestoreArtifact(token, artifact) {
			log.Debug().Str("token", store.RedactToken(token)).Msg("Newer image pending, dropped failed finalize image")
		}
		writeError(w, http.StatusInternalServerError, "unable to store receipt")
		return
	}

	if closed, ok := s.sessions.Delete(token, models.CloseCompleted); ok {
		closePeer(closed, models.CloseCompleted)
		s.metrics.SessionsClosedTotal.Add(r.Context(), 1, metric.WithAttributes(attribute.String("reason", "completed")))
	}

	log.Info().
		Str("token", store.RedactToken(token)).
		Str("receipt_id", receipt.ReceiptID.String()).
		Msg("Scan session completed")

	writeJSON(w, http.StatusCreated, finalizeResponse(receipt))
}

func (s *Server) storeReceipt(r *http.Request, subject models.SubjectRef, data []byte, contentType string) (*models.Receipt, error) {
	id, err := uuid.NewV7()
	if err != nil {
		log.Error().Err(err).Msg("Failed to generate receipt id")
		return nil, fmt.Errorf("failed to generate receipt id: %w", err)
	}

	receipt := &models.Receipt{
		ReceiptID:   id,
		Subject:     subject,
		ContentType: contentType,
		Data:        data,
		Checksum:    crc64nvme.Checksum(data),
		CreatedAt:   s.nowF().UTC(),
	}

	if err := s.receipts.Put(r.Context(), receipt); err != nil {
		log.Error().Err(err).Str("receipt_id", id.String()).Msg("Failed to store receipt")
		return nil, err
	}

	s.metrics.ReceiptsStoredTotal.Add(r.Context(), 1)

	log.Info().
		Str("receipt_id", id.String()).
		Str("expense_id", subject.ExpenseID).
		Int("receipt_number", subject.ReceiptNumber).
		Int("bytes", len(data)).
		Msg("Receipt stored")

	return receipt, nil
}

func finalizeResponse(receipt *models.Receipt) FinalizeResponse {
	return FinalizeResponse{
		ReceiptID:  receipt.ReceiptID.String(),
		StorageRef: receipt.StorageRef(),
		Size:       len(receipt.Data),
		Checksum:   gateway.FormatChecksum(receipt.Checksum),
	}
}

// getReceipt serves a stored receipt image. Receipts never change once
// stored, so responses are cacheable indefinitely.
func (s *Server) getReceipt(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid receipt id")
		return
	}

	receipt, err := s.receipts.Get(r.Context(), id)
	if errors.Is(err, store.ErrReceiptNotFound) {
		writeError(w, http.StatusNotFound, "receipt not found")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("receipt_id", id.String()).Msg("Failed to load receipt")
		writeError(w, http.StatusInternalServerError, "unable to load receipt")
		return
	}

	checksum := gateway.FormatChecksum(receipt.Checksum)
	etag := `"` + checksum + `"`

	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	w.Header().Set("ETag", etag)
	if match := r.Header.Get("If-None-Match"); match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", receipt.ContentType)
	w.Header().Set("Last-Modified", receipt.CreatedAt.UTC().Format(http.TimeFormat))
	w.Header().Set(ChecksumHeader, checksum)
	w.Header().Set(ExpenseIDHeader, receipt.Subject.ExpenseID)
	w.Header().Set(ReceiptNumberHeader, strconv.Itoa(receipt.Subject.ReceiptNumber))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(receipt.Data)
}

func parseSubject(expenseID, receiptNumber string) (models.SubjectRef, error) {
	expenseID = strings.TrimSpace(expenseID)
	if expenseID == "" {
		return models.SubjectRef{}, errors.New("expenseId is required")
	}

	n, err := strconv.Atoi(strings.TrimSpace(receiptNumber))
	if err != nil || n < 0 {
		return models.SubjectRef{}, errors.New("receiptNumber must be a non-negative integer")
	}

	return models.SubjectRef{ExpenseID: expenseID, ReceiptNumber: n}, nil
}
