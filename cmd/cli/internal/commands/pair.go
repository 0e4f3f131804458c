package commands

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
	"github.com/wolfeidau/handoff/internal/client"
	"github.com/wolfeidau/handoff/internal/models"
)

type PairCmd struct {
	ClientFlags `embed:""`

	ExpenseID     string `arg:"" help:"Expense the receipt belongs to"`
	ReceiptNumber int    `arg:"" optional:"" default:"0" help:"Receipt slot within the expense"`
	QROut         string `help:"Write the pairing QR code PNG to this file" type:"path"`
	Wait          bool   `help:"Wait until the phone uploads an image"`
	Finalize      bool   `help:"Store the uploaded image as a receipt (implies --wait)"`
	Out           string `help:"Write the uploaded image to this file (implies --wait)" type:"path"`
}

func (p *PairCmd) Run(ctx context.Context, globals *Globals) error {
	c := p.newClient(globals)

	ctx, cancel := interruptible(ctx)
	defer cancel()

	created, err := c.CreateSession(ctx, models.SubjectRef{ExpenseID: p.ExpenseID, ReceiptNumber: p.ReceiptNumber})
	if err != nil {
		return fmt.Errorf("failed to create scan session: %w", err)
	}

	_, _ = fmt.Fprintf(stdout, "Scan session created\n")
	_, _ = fmt.Fprintf(stdout, "  Token:   %s\n", created.Token)
	_, _ = fmt.Fprintf(stdout, "  Join:    %s\n", created.JoinURL)
	_, _ = fmt.Fprintf(stdout, "  Expires: %s\n", created.ExpiresAt.Local().Format("15:04:05"))

	if code, err := terminalQR(created.JoinURL); err == nil {
		_, _ = fmt.Fprintln(stdout, code)
	}

	if p.QROut != "" {
		if err := writeDataURL(p.QROut, created.QRCode); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(stdout, "QR code written to %s\n", p.QROut)
	}

	if !p.Wait && !p.Finalize && p.Out == "" {
		return nil
	}

	return p.await(ctx, c, created.Token)
}

// await follows the session until an image arrives and then collects it.
func (p *PairCmd) await(ctx context.Context, c *client.Client, token string) error {
	events, err := c.Watch(ctx, token)
	if err != nil {
		return fmt.Errorf("failed to watch scan session: %w", err)
	}

	_, _ = fmt.Fprintln(stdout, "Waiting for the phone...")

	for event := range events {
		printEvent(stdout, event)

		switch event.Type {
		case models.EventSessionClosed:
			return fmt.Errorf("scan session closed: %s", event.Reason)
		case models.EventArtifactReady:
			return p.collect(ctx, c, token)
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.New("watch channel closed")
}

func (p *PairCmd) collect(ctx context.Context, c *client.Client, token string) error {
	if p.Finalize {
		finalized, err := c.Finalize(ctx, token)
		if err != nil {
			return fmt.Errorf("failed to finalize receipt: %w", err)
		}
		printFinalized(stdout, finalized.ReceiptID, finalized.StorageRef, finalized.Size, finalized.Checksum)
		return nil
	}

	if p.Out == "" {
		_, _ = fmt.Fprintln(stdout, "Image ready")
		return nil
	}

	artifact, err := c.TakeArtifact(ctx, token)
	if err != nil {
		return fmt.Errorf("failed to collect image: %w", err)
	}
	if err := os.WriteFile(p.Out, artifact.Data, 0o600); err != nil {
		return fmt.Errorf("failed to write image: %w", err)
	}
	if err := c.Cancel(ctx, token); err != nil && !errors.Is(err, client.ErrNotFound) {
		return fmt.Errorf("failed to close scan session: %w", err)
	}

	_, _ = fmt.Fprintf(stdout, "Image written to %s (%s, %d bytes)\n", p.Out, artifact.ContentType, len(artifact.Data))
	return nil
}

// terminalQR renders text as a QR code made of block characters.
func terminalQR(text string) (string, error) {
	q, err := qrcode.New(text, qrcode.Medium)
	if err != nil {
		return "", err
	}
	return q.ToSmallString(false), nil
}

func writeDataURL(path, dataURL string) error {
	_, encoded, ok := strings.Cut(dataURL, ";base64,")
	if !ok {
		return errors.New("pairing code is not a base64 data URL")
	}

	image, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("failed to decode pairing code: %w", err)
	}

	if err := os.WriteFile(path, image, 0o600); err != nil {
		return fmt.Errorf("failed to write QR code: %w", err)
	}
	return nil
}
