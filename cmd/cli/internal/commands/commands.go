package commands

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/handoff/internal/client"
	"github.com/wolfeidau/handoff/internal/logger"
	"github.com/wolfeidau/handoff/internal/models"
)

// stdout receives command output.
var stdout io.Writer = os.Stdout

type Globals struct {
	Debug   bool
	Version string
}

// ClientFlags are shared by every command that talks to the server.
type ClientFlags struct {
	Server             string        `help:"Server URL" default:"https://localhost:8443" env:"HANDOFF_SERVER"`
	Timeout            time.Duration `help:"Timeout for API requests" default:"1m"`
	CacheDir           string        `help:"Directory for cached receipt downloads" env:"HANDOFF_CACHE_DIR"`
	InsecureSkipVerify bool          `help:"Skip TLS certificate verification (development only)" env:"HANDOFF_INSECURE_SKIP_VERIFY"`
}

func (f *ClientFlags) newClient(globals *Globals) *client.Client {
	log.Logger = logger.Setup(globals.Debug)

	cfg := client.Config{
		ServerURL: f.Server,
		Timeout:   f.Timeout,
		CacheDir:  f.CacheDir,
	}

	if !f.InsecureSkipVerify {
		return client.New(cfg)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- opt-in for self-signed dev certs
	return client.NewWithHTTPClient(cfg, &http.Client{Timeout: f.Timeout, Transport: transport})
}

// interruptible cancels ctx on SIGINT or SIGTERM.
func interruptible(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

// readImage loads an image file, sniffing the content type unless one is given.
func readImage(path, contentType string) ([]byte, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read image: %w", err)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("image %s is empty", path)
	}

	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(contentType, "image/") {
		return nil, "", fmt.Errorf("%s is %s, not an image", path, contentType)
	}

	return data, contentType, nil
}

func printEvent(w io.Writer, event models.SessionEvent) {
	line := fmt.Sprintf("[%s] %s", event.At.Local().Format("15:04:05"), event.Type)
	if event.Reason != "" {
		line += " (" + event.Reason + ")"
	}
	_, _ = fmt.Fprintln(w, line)
}

func printFinalized(w io.Writer, receiptID, storageRef string, size int, checksum string) {
	_, _ = fmt.Fprintf(w, "Receipt stored\n")
	_, _ = fmt.Fprintf(w, "  ID:       %s\n", receiptID)
	_, _ = fmt.Fprintf(w, "  Ref:      %s\n", storageRef)
	_, _ = fmt.Fprintf(w, "  Size:     %d bytes\n", size)
	_, _ = fmt.Fprintf(w, "  Checksum: %s\n", checksum)
}
