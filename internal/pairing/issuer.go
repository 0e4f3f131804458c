// Package pairing turns a scan session into the code a mobile device scans to join it.
package pairing

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	"github.com/wolfeidau/handoff/internal/models"
)

const (
	// JoinPath is the page the mobile device opens after scanning.
	JoinPath = "/scan"
	// WebSocketPath is the real-time channel the mobile device connects to.
	WebSocketPath = "/ws/scan"

	defaultQRSize = 256
)

var ErrInvalidPublicURL = errors.New("public URL must be an absolute http or https URL")

// Renderer turns text into a scannable image.
type Renderer func(text string) ([]byte, error)

// QRCodePNG renders text as a PNG QR code at medium error correction.
func QRCodePNG(size int) Renderer {
	return func(text string) ([]byte, error) {
		return qrcode.Encode(text, qrcode.Medium, size)
	}
}

// Pairing is everything the desktop client needs to hand a session to a phone.
type Pairing struct {
	Token        string
	JoinURL      string // encoded in the QR code
	WebSocketURL string
	Image        []byte
	ImageType    string
	ExpiresAt    time.Time
}

// Issuer builds pairings. It holds no session state.
type Issuer struct {
	publicURL *url.URL
	render    Renderer
	imageType string
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithRenderer replaces the default QR renderer.
func WithRenderer(render Renderer, imageType string) Option {
	return func(i *Issuer) {
		i.render = render
		i.imageType = imageType
	}
}

// NewIssuer creates an issuer for join references rooted at publicURL, the
// externally reachable address of this service.
func NewIssuer(publicURL string, opts ...Option) (*Issuer, error) {
	u, err := url.Parse(publicURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, ErrInvalidPublicURL
	}
	// only scheme, host and base path are kept
	u.RawQuery = ""
	u.Fragment = ""
	u.User = nil
	u.Path = strings.TrimSuffix(u.Path, "/")

	i := &Issuer{
		publicURL: u,
		render:    QRCodePNG(defaultQRSize),
		imageType: "image/png",
	}
	for _, opt := range opts {
		opt(i)
	}

	return i, nil
}

// Issue builds the join reference and scannable image for session.
func (i *Issuer) Issue(session *models.Session) (*Pairing, error) {
	joinURL := i.JoinURL(session.Token)

	image, err := i.render(joinURL)
	if err != nil {
		return nil, fmt.Errorf("failed to render pairing code: %w", err)
	}

	return &Pairing{
		Token:        session.Token,
		JoinURL:      joinURL,
		WebSocketURL: i.WebSocketURL(),
		Image:        image,
		ImageType:    i.imageType,
		ExpiresAt:    session.ExpiresAt,
	}, nil
}

// JoinURL returns the page URL carrying token.
func (i *Issuer) JoinURL(token string) string {
	u := *i.publicURL
	u.Path += JoinPath
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String()
}

// WebSocketURL returns the real-time channel address.
func (i *Issuer) WebSocketURL() string {
	u := *i.publicURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path += WebSocketPath
	return u.String()
}
