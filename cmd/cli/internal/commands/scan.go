package commands

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/wolfeidau/handoff/internal/client"
)

type ScanCmd struct {
	ClientFlags `embed:""`

	Token       string `arg:"" help:"Session token or the join URL from the pairing code"`
	File        string `arg:"" help:"Image to upload" type:"existingfile"`
	ContentType string `help:"Image content type, detected from the file when empty"`
	MaxAttempts uint   `help:"Maximum connection attempts" default:"5"`
	Fallback    bool   `help:"Upload over plain HTTP instead of the real-time channel"`
	Wait        bool   `help:"Stay connected until the desktop finishes the session"`
}

func (s *ScanCmd) Run(ctx context.Context, globals *Globals) error {
	data, contentType, err := readImage(s.File, s.ContentType)
	if err != nil {
		return err
	}

	token, err := tokenFromArg(s.Token)
	if err != nil {
		return err
	}

	c := s.newClient(globals)

	ctx, cancel := interruptible(ctx)
	defer cancel()

	if s.Fallback {
		uploaded, err := c.Upload(ctx, token, data, contentType)
		if err != nil {
			return fmt.Errorf("failed to upload image: %w", err)
		}
		_, _ = fmt.Fprintf(stdout, "Uploaded %d bytes (checksum %s)\n", uploaded.Size, uploaded.Checksum)
		return nil
	}

	sc, err := c.JoinScan(ctx, token, client.ScanOptions{MaxAttempts: s.MaxAttempts})
	if err != nil {
		return fmt.Errorf("failed to join scan session: %w", err)
	}

	_, _ = fmt.Fprintf(stdout, "Joined scan session (expires %s)\n", sc.ExpiresAt.Local().Format("15:04:05"))

	ack, err := sc.Upload(ctx, data, contentType)
	if err != nil {
		_ = sc.Close()
		return err
	}
	_, _ = fmt.Fprintf(stdout, "Uploaded %d bytes (checksum %s)\n", ack.Size, ack.Checksum)

	if !s.Wait {
		return sc.Close()
	}

	_, _ = fmt.Fprintln(stdout, "Waiting for the desktop...")
	status := sc.Wait(ctx)
	_, _ = fmt.Fprintf(stdout, "Connection closed by server (%s)\n", status)
	return nil
}

// tokenFromArg accepts either a bare token or a join URL carrying one.
func tokenFromArg(arg string) (string, error) {
	if !strings.Contains(arg, "://") {
		return arg, nil
	}

	u, err := url.Parse(arg)
	if err != nil {
		return "", fmt.Errorf("invalid join URL: %w", err)
	}

	token := u.Query().Get("token")
	if token == "" {
		return "", fmt.Errorf("join URL %q has no token", arg)
	}
	return token, nil
}
