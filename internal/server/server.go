package server

import (
	"embed"
	"encoding/json"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/handoff/internal/gateway"
	httpmiddleware "github.com/wolfeidau/handoff/internal/http"
	"github.com/wolfeidau/handoff/internal/models"
	"github.com/wolfeidau/handoff/internal/pairing"
	"github.com/wolfeidau/handoff/internal/relay"
	"github.com/wolfeidau/handoff/internal/store"
	"github.com/wolfeidau/handoff/internal/telemetry"
)

// DefaultMaxUploadBytes caps image uploads arriving over HTTP.
const DefaultMaxUploadBytes = 10 << 20

// multipart fields beyond the image itself
const formOverhead = 64 << 10

//go:embed web/scan.html
var webFS embed.FS

// Config holds the HTTP boundary limits.
type Config struct {
	MaxUploadBytes int64
}

// Server wires the scan session core to its HTTP routes.
type Server struct {
	sessions store.ScanSessionStore
	receipts store.ReceiptStore
	issuer   *pairing.Issuer
	relay    *relay.Relay
	gateway  *gateway.Gateway
	cfg      Config
	nowF     func() time.Time
	metrics  *telemetry.Metrics
}

// NewServer creates a server over the given stores and components.
func NewServer(
	sessions store.ScanSessionStore,
	receipts store.ReceiptStore,
	issuer *pairing.Issuer,
	rl *relay.Relay,
	gw *gateway.Gateway,
	cfg Config,
) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}

	return &Server{
		sessions: sessions,
		receipts: receipts,
		issuer:   issuer,
		relay:    rl,
		gateway:  gw,
		cfg:      cfg,
		nowF:     time.Now,
		metrics:  telemetry.GetMetrics(),
	}
}

// Handler returns the HTTP handler for the server. JSON API routes are
// compressed; WebSocket routes are left untouched so they can be upgraded.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	limit := httpmiddleware.LimitBody(s.cfg.MaxUploadBytes + formOverhead)

	api.HandleFunc("POST /api/scan-sessions", s.createSession)
	api.HandleFunc("GET /api/scan-sessions/{token}", s.getSession)
	api.HandleFunc("DELETE /api/scan-sessions/{token}", s.cancelSession)
	api.HandleFunc("GET /api/scan-sessions/{token}/artifact", s.takeArtifact)
	api.Handle("POST /api/scan-sessions/{token}/upload", limit(http.HandlerFunc(s.uploadImage)))
	api.Handle("POST /api/receipts", limit(http.HandlerFunc(s.finalizeReceipt)))
	api.HandleFunc("GET /api/receipts/{id}", s.getReceipt)

	mux := http.NewServeMux()
	mux.Handle("/api/", gzhttp.GzipHandler(api))

	// Health check endpoint for load balancer
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	mux.HandleFunc("GET "+pairing.JoinPath, s.scanPage)
	mux.HandleFunc("GET "+pairing.WebSocketPath, s.gateway.ServeScan)
	mux.HandleFunc("GET /ws/scan-sessions/{token}/events", s.gateway.ServeWatch)

	return mux
}

// scanPage serves the mobile page the pairing QR code points at.
func (s *Server) scanPage(w http.ResponseWriter, r *http.Request) {
	page, err := webFS.ReadFile("web/scan.html")
	if err != nil {
		log.Error().Err(err).Msg("Failed to read scan page")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(page)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// closePeer ends the mobile connection of a destroyed session without holding
// up the HTTP response.
func closePeer(session *models.Session, reason models.CloseReason) {
	if session.Conn == nil {
		return
	}

	go func() {
		if err := session.Conn.Close(reason); err != nil {
			log.Debug().Err(err).Str("token", store.RedactToken(session.Token)).Msg("Failed to close peer connection")
		}
	}()
}
