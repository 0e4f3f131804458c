package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/wolfeidau/handoff/internal/models"
)

type FinalizeCmd struct {
	ClientFlags `embed:""`

	Token         string `help:"Store the image pending in this scan session" xor:"source"`
	File          string `help:"Store this local image instead of a scanned one" type:"existingfile" xor:"source"`
	ContentType   string `help:"Image content type, detected from the file when empty"`
	ExpenseID     string `help:"Expense the receipt belongs to (with --file)"`
	ReceiptNumber int    `help:"Receipt slot within the expense (with --file)" default:"0"`
}

func (f *FinalizeCmd) Validate() error {
	switch {
	case f.Token == "" && f.File == "":
		return errors.New("one of --token or --file is required")
	case f.File != "" && f.ExpenseID == "":
		return errors.New("--expense-id is required with --file")
	}
	return nil
}

func (f *FinalizeCmd) Run(ctx context.Context, globals *Globals) error {
	c := f.newClient(globals)

	if f.Token != "" {
		finalized, err := c.Finalize(ctx, f.Token)
		if err != nil {
			return fmt.Errorf("failed to finalize receipt: %w", err)
		}
		printFinalized(stdout, finalized.ReceiptID, finalized.StorageRef, finalized.Size, finalized.Checksum)
		return nil
	}

	data, contentType, err := readImage(f.File, f.ContentType)
	if err != nil {
		return err
	}

	subject := models.SubjectRef{ExpenseID: f.ExpenseID, ReceiptNumber: f.ReceiptNumber}
	finalized, err := c.FinalizeImage(ctx, subject, data, contentType)
	if err != nil {
		return fmt.Errorf("failed to finalize receipt: %w", err)
	}
	printFinalized(stdout, finalized.ReceiptID, finalized.StorageRef, finalized.Size, finalized.Checksum)
	return nil
}

type FetchCmd struct {
	ClientFlags `embed:""`

	ReceiptID string `arg:"" help:"Receipt ID"`
	Out       string `help:"Write the image to this file" type:"path" required:""`
}

func (f *FetchCmd) Run(ctx context.Context, globals *Globals) error {
	id, err := uuid.Parse(f.ReceiptID)
	if err != nil {
		return fmt.Errorf("invalid receipt id: %w", err)
	}

	receipt, err := f.newClient(globals).GetReceipt(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to fetch receipt: %w", err)
	}

	if err := os.WriteFile(f.Out, receipt.Data, 0o600); err != nil {
		return fmt.Errorf("failed to write receipt: %w", err)
	}

	source := "server"
	if receipt.FromCache {
		source = "cache"
	}

	_, _ = fmt.Fprintf(stdout, "Receipt %s for %s #%d\n", receipt.ID, receipt.Subject.ExpenseID, receipt.Subject.ReceiptNumber)
	_, _ = fmt.Fprintf(stdout, "  Written:  %s (%s, %d bytes)\n", f.Out, receipt.ContentType, len(receipt.Data))
	_, _ = fmt.Fprintf(stdout, "  Checksum: %s\n", receipt.Checksum)
	_, _ = fmt.Fprintf(stdout, "  Source:   %s\n", source)
	return nil
}
