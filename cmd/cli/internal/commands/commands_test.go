package commands

import (
	"bytes"
	"context"
	"encoding/base64"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/handoff/internal/client"
	"github.com/wolfeidau/handoff/internal/gateway"
	"github.com/wolfeidau/handoff/internal/models"
	"github.com/wolfeidau/handoff/internal/pairing"
	"github.com/wolfeidau/handoff/internal/relay"
	"github.com/wolfeidau/handoff/internal/server"
	"github.com/wolfeidau/handoff/internal/store/memory"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n")

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func captureStdout(t *testing.T) *lockedBuffer {
	t.Helper()

	buf := &lockedBuffer{}
	prev := stdout
	stdout = buf
	t.Cleanup(func() { stdout = prev })
	return buf
}

func startServer(t *testing.T) ClientFlags {
	t.Helper()

	sessions := memory.NewSessionStore(10 * time.Minute)
	rl := relay.New(sessions)

	srv := httptest.NewUnstartedServer(nil)
	serverURL := "http://" + srv.Listener.Addr().String()

	issuer, err := pairing.NewIssuer(serverURL)
	require.NoError(t, err)

	gw := gateway.New(sessions, rl, gateway.Config{})
	srv.Config.Handler = server.NewServer(sessions, memory.NewReceiptStore(), issuer, rl, gw, server.Config{}).Handler()
	srv.Start()
	t.Cleanup(srv.Close)

	return ClientFlags{Server: serverURL, Timeout: 5 * time.Second, CacheDir: t.TempDir()}
}

func writeImage(t *testing.T, payload string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "receipt.png")
	require.NoError(t, os.WriteFile(path, append(append([]byte{}, pngHeader...), payload...), 0o600))
	return path
}

func TestScanFinalizeFetch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out := captureStdout(t)
	flags := startServer(t)
	globals := &Globals{}

	created, err := flags.newClient(globals).CreateSession(ctx, models.SubjectRef{ExpenseID: "E9", ReceiptNumber: 1})
	require.NoError(t, err)

	image := writeImage(t, "scanned")

	scan := &ScanCmd{ClientFlags: flags, Token: created.JoinURL, File: image, MaxAttempts: 1}
	require.NoError(t, scan.Run(ctx, globals))
	require.Contains(t, out.String(), "Joined scan session")

	status := &StatusCmd{ClientFlags: flags, Token: created.Token}
	require.NoError(t, status.Run(ctx, globals))
	require.Contains(t, out.String(), "Image:      PENDING")

	finalize := &FinalizeCmd{ClientFlags: flags, Token: created.Token}
	require.NoError(t, finalize.Validate())
	require.NoError(t, finalize.Run(ctx, globals))

	match := regexp.MustCompile(`ID:\s+(\S+)`).FindStringSubmatch(out.String())
	require.Len(t, match, 2)

	dest := filepath.Join(t.TempDir(), "fetched.png")
	fetch := &FetchCmd{ClientFlags: flags, ReceiptID: match[1], Out: dest}
	require.NoError(t, fetch.Run(ctx, globals))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.True(t, bytes.HasSuffix(data, []byte("scanned")))
	require.Contains(t, out.String(), "E9 #1")

	cancelCmd := &CancelCmd{ClientFlags: flags, Token: created.Token}
	require.ErrorIs(t, cancelCmd.Run(ctx, globals), client.ErrNotFound)
}

func TestPairWaitsForUpload(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out := captureStdout(t)
	flags := startServer(t)
	globals := &Globals{}

	dest := filepath.Join(t.TempDir(), "collected.png")
	qr := filepath.Join(t.TempDir(), "pair.png")
	pair := &PairCmd{ClientFlags: flags, ExpenseID: "E10", ReceiptNumber: 2, Out: dest, QROut: qr}

	done := make(chan error, 1)
	go func() { done <- pair.Run(ctx, globals) }()

	tokenLine := regexp.MustCompile(`Token:\s+(\S+)`)
	var token string
	require.Eventually(t, func() bool {
		if !strings.Contains(out.String(), "Waiting for the phone") {
			return false
		}
		m := tokenLine.FindStringSubmatch(out.String())
		if len(m) != 2 {
			return false
		}
		token = m[1]
		return true
	}, 5*time.Second, 20*time.Millisecond)

	scan := &ScanCmd{ClientFlags: flags, Token: token, File: writeImage(t, "from phone"), Fallback: true}
	require.NoError(t, scan.Run(ctx, globals))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("pair did not finish")
	}

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.True(t, bytes.HasSuffix(data, []byte("from phone")))

	code, err := os.ReadFile(qr)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(code, pngHeader))

	require.Contains(t, out.String(), string(models.EventArtifactReady))

	_, err = flags.newClient(globals).Status(ctx, token)
	require.ErrorIs(t, err, client.ErrNotFound)
}

func TestReadImage(t *testing.T) {
	png := writeImage(t, "x")

	data, contentType, err := readImage(png, "")
	require.NoError(t, err)
	require.Equal(t, "image/png", contentType)
	require.NotEmpty(t, data)

	_, contentType, err = readImage(png, "image/heic")
	require.NoError(t, err)
	require.Equal(t, "image/heic", contentType)

	text := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(text, []byte("hello"), 0o600))
	_, _, err = readImage(text, "")
	require.ErrorContains(t, err, "not an image")

	empty := filepath.Join(t.TempDir(), "empty.png")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	_, _, err = readImage(empty, "")
	require.ErrorContains(t, err, "empty")
}

func TestTokenFromArg(t *testing.T) {
	tests := []struct {
		arg      string
		expected string
		wantErr  bool
	}{
		{arg: "abc123", expected: "abc123"},
		{arg: "https://scan.example.com/scan?token=abc123", expected: "abc123"},
		{arg: "https://scan.example.com/scan", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			got, err := tokenFromArg(tt.arg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.expected, got)
		})
	}
}

func TestWriteDataURL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qr.png")

	require.NoError(t, writeDataURL(path, "data:image/png;base64,"+base64.StdEncoding.EncodeToString(pngHeader)))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, pngHeader, data)

	require.Error(t, writeDataURL(path, "https://example.com/qr.png"))
}

func TestPrintEvent(t *testing.T) {
	var buf bytes.Buffer
	printEvent(&buf, models.SessionEvent{Type: models.EventSessionClosed, At: time.Now(), Reason: "expired"})
	require.Contains(t, buf.String(), "session-closed (expired)")
}

func TestFinalizeCmd_Validate(t *testing.T) {
	require.Error(t, (&FinalizeCmd{}).Validate())
	require.Error(t, (&FinalizeCmd{File: "r.png"}).Validate())
	require.NoError(t, (&FinalizeCmd{File: "r.png", ExpenseID: "E1"}).Validate())
	require.NoError(t, (&FinalizeCmd{Token: "abc"}).Validate())
}

func TestTerminalQR(t *testing.T) {
	code, err := terminalQR("https://scan.example.com/scan?token=abc")
	require.NoError(t, err)
	require.NotEmpty(t, code)
}
