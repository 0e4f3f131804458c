// Package client talks to the handoff server: the JSON API used by the
// desktop, the desktop watch channel and the mobile scan channel.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/wolfeidau/handoff/internal/models"
	"github.com/wolfeidau/handoff/internal/pairing"
	"github.com/wolfeidau/handoff/internal/server"
)

// ErrNotFound is returned when the server reports the session or receipt is gone.
var ErrNotFound = errors.New("not found")

// APIError is a non-success response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Config holds common client configuration
type Config struct {
	ServerURL string
	Timeout   time.Duration
	// CacheDir persists downloaded receipts. Empty keeps them in memory.
	CacheDir string
}

// DefaultConfig returns a default client configuration
func DefaultConfig() Config {
	return Config{
		ServerURL: "https://localhost:8443",
		Timeout:   time.Minute,
	}
}

// Client is a handoff API client.
type Client struct {
	baseURL  string
	http     *http.Client
	receipts *http.Client
}

// New creates a client with the given configuration.
func New(config Config) *Client {
	return NewWithHTTPClient(config, &http.Client{Timeout: config.Timeout})
}

// NewWithHTTPClient creates a client using httpClient for API calls, for
// example one that trusts a test server certificate.
func NewWithHTTPClient(config Config, httpClient *http.Client) *Client {
	receipts := newReceiptHTTPClient(config.CacheDir, httpClient.Transport)
	receipts.Timeout = httpClient.Timeout

	return &Client{
		baseURL:  strings.TrimSuffix(config.ServerURL, "/"),
		http:     httpClient,
		receipts: receipts,
	}
}

// Artifact is an image collected from a scan session.
type Artifact struct {
	Data        []byte
	ContentType string
	Checksum    string
}

// Receipt is a stored receipt image.
type Receipt struct {
	ID          uuid.UUID
	Subject     models.SubjectRef
	ContentType string
	Data        []byte
	Checksum    string
	FromCache   bool
}

// CreateSession starts a scan session for one receipt slot.
func (c *Client) CreateSession(ctx context.Context, subject models.SubjectRef) (*server.CreateSessionResponse, error) {
	body, err := json.Marshal(server.CreateSessionRequest{ExpenseID: subject.ExpenseID, ReceiptNumber: subject.ReceiptNumber})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	var created server.CreateSessionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/scan-sessions", "application/json", bytes.NewReader(body), http.StatusCreated, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// Status polls a session.
func (c *Client) Status(ctx context.Context, token string) (*server.SessionStatusResponse, error) {
	var status server.SessionStatusResponse
	if err := c.doJSON(ctx, http.MethodGet, sessionPath(token), "", nil, http.StatusOK, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Cancel destroys a session and disconnects its phone.
func (c *Client) Cancel(ctx context.Context, token string) error {
	return c.doJSON(ctx, http.MethodDelete, sessionPath(token), "", nil, http.StatusNoContent, nil)
}

// TakeArtifact collects the pending image. It can only succeed once per upload.
func (c *Client) TakeArtifact(ctx context.Context, token string) (*Artifact, error) {
	resp, err := c.do(ctx, c.http, http.MethodGet, sessionPath(token)+"/artifact", "", nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}

	return &Artifact{
		Data:        data,
		ContentType: resp.Header.Get("Content-Type"),
		Checksum:    resp.Header.Get(server.ChecksumHeader),
	}, nil
}

// Upload delivers an image over the HTTP fallback path.
func (c *Client) Upload(ctx context.Context, token string, data []byte, contentType string) (*server.UploadResponse, error) {
	body, formType, err := imageForm(nil, data, contentType)
	if err != nil {
		return nil, err
	}

	var uploaded server.UploadResponse
	if err := c.doJSON(ctx, http.MethodPost, sessionPath(token)+"/upload", formType, body, http.StatusCreated, &uploaded); err != nil {
		return nil, err
	}
	return &uploaded, nil
}

// Finalize stores the session's pending image as a receipt and ends the session.
func (c *Client) Finalize(ctx context.Context, token string) (*server.FinalizeResponse, error) {
	body, formType, err := imageForm(map[string]string{"token": token}, nil, "")
	if err != nil {
		return nil, err
	}

	var finalized server.FinalizeResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/receipts", formType, body, http.StatusCreated, &finalized); err != nil {
		return nil, err
	}
	return &finalized, nil
}

// FinalizeImage stores an image picked on the desktop as a receipt.
func (c *Client) FinalizeImage(ctx context.Context, subject models.SubjectRef, data []byte, contentType string) (*server.FinalizeResponse, error) {
	fields := map[string]string{
		"expenseId":     subject.ExpenseID,
		"receiptNumber": strconv.Itoa(subject.ReceiptNumber),
	}
	body, formType, err := imageForm(fields, data, contentType)
	if err != nil {
		return nil, err
	}

	var finalized server.FinalizeResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/receipts", formType, body, http.StatusCreated, &finalized); err != nil {
		return nil, err
	}
	return &finalized, nil
}

// GetReceipt downloads a stored receipt, from the local cache when possible.
func (c *Client) GetReceipt(ctx context.Context, id uuid.UUID) (*Receipt, error) {
	resp, err := c.do(ctx, c.receipts, http.MethodGet, "/api/receipts/"+id.String(), "", nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read receipt: %w", err)
	}

	receiptNumber, _ := strconv.Atoi(resp.Header.Get(server.ReceiptNumberHeader))

	return &Receipt{
		ID: id,
		Subject: models.SubjectRef{
			ExpenseID:     resp.Header.Get(server.ExpenseIDHeader),
			ReceiptNumber: receiptNumber,
		},
		ContentType: resp.Header.Get("Content-Type"),
		Data:        data,
		Checksum:    resp.Header.Get(server.ChecksumHeader),
		FromCache:   resp.Header.Get(FromCacheHeader) == "1",
	}, nil
}

// Watch streams the events of a session until ctx is done or the session
// ends, then closes the channel.
func (c *Client) Watch(ctx context.Context, token string) (<-chan models.SessionEvent, error) {
	wsURL, err := websocketURL(c.baseURL, "/ws/scan-sessions/"+url.PathEscape(token)+"/events")
	if err != nil {
		return nil, err
	}

	// the handshake is bounded by ctx, a client timeout would also cap the stream
	hc := *c.http
	hc.Timeout = 0

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: &hc})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: "scan session not found or expired"}
		}
		return nil, fmt.Errorf("failed to open watch channel: %w", err)
	}

	events := make(chan models.SessionEvent)
	go func() {
		defer close(events)
		defer func() { _ = conn.CloseNow() }()

		for {
			var event models.SessionEvent
			if err := wsjson.Read(ctx, conn, &event); err != nil {
				return
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, nil
}

// JoinScan joins a scan session over the real-time channel of this client's
// server, as the mobile page does.
func (c *Client) JoinScan(ctx context.Context, token string, opts ScanOptions) (*ScanConn, error) {
	wsURL, err := websocketURL(c.baseURL, pairing.WebSocketPath)
	if err != nil {
		return nil, err
	}

	if opts.HTTPClient == nil {
		hc := *c.http
		hc.Timeout = 0
		opts.HTTPClient = &hc
	}

	return JoinScan(ctx, wsURL, token, opts)
}

func (c *Client) doJSON(ctx context.Context, method, path, contentType string, body io.Reader, expected int, out any) error {
	resp, err := c.do(ctx, c.http, method, path, contentType, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != expected {
		return apiError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, hc *http.Client, method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	return resp, nil
}

func apiError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
	}
	return &APIError{StatusCode: resp.StatusCode, Message: body.Error}
}

func sessionPath(token string) string {
	return "/api/scan-sessions/" + url.PathEscape(token)
}

func imageForm(fields map[string]string, data []byte, contentType string) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("failed to write form field: %w", err)
		}
	}

	if data != nil {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="image"; filename="receipt"`)
		h.Set("Content-Type", contentType)
		part, err := mw.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create image part: %w", err)
		}
		if _, err := part.Write(data); err != nil {
			return nil, "", fmt.Errorf("failed to write image part: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish form: %w", err)
	}

	return &buf, mw.FormDataContentType(), nil
}

// websocketURL rewrites an http(s) base URL to ws(s) and appends path.
func websocketURL(base, path string) (string, error) {
	u, err := url.Parse(base + path)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}

	return u.String(), nil
}
