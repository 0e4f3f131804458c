package commands

import (
	"context"
	"fmt"
)

type StatusCmd struct {
	ClientFlags `embed:""`

	Token string `arg:"" help:"Session token"`
}

func (s *StatusCmd) Run(ctx context.Context, globals *Globals) error {
	status, err := s.newClient(globals).Status(ctx, s.Token)
	if err != nil {
		return fmt.Errorf("failed to get scan session: %w", err)
	}

	_, _ = fmt.Fprintf(stdout, "Expense:    %s #%d\n", status.Subject.ExpenseID, status.Subject.ReceiptNumber)
	_, _ = fmt.Fprintf(stdout, "Connection: %s\n", status.ConnectionState)
	_, _ = fmt.Fprintf(stdout, "Image:      %s\n", status.ArtifactState)
	_, _ = fmt.Fprintf(stdout, "Created:    %s\n", status.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	_, _ = fmt.Fprintf(stdout, "Expires:    %s\n", status.ExpiresAt.Local().Format("2006-01-02 15:04:05"))
	return nil
}

type WatchCmd struct {
	ClientFlags `embed:""`

	Token string `arg:"" help:"Session token"`
}

func (w *WatchCmd) Run(ctx context.Context, globals *Globals) error {
	ctx, cancel := interruptible(ctx)
	defer cancel()

	events, err := w.newClient(globals).Watch(ctx, w.Token)
	if err != nil {
		return fmt.Errorf("failed to watch scan session: %w", err)
	}

	for event := range events {
		printEvent(stdout, event)
	}

	_, _ = fmt.Fprintln(stdout, "Watch finished")
	return nil
}

type CancelCmd struct {
	ClientFlags `embed:""`

	Token string `arg:"" help:"Session token"`
}

func (c *CancelCmd) Run(ctx context.Context, globals *Globals) error {
	if err := c.newClient(globals).Cancel(ctx, c.Token); err != nil {
		return fmt.Errorf("failed to cancel scan session: %w", err)
	}

	_, _ = fmt.Fprintln(stdout, "Scan session cancelled")
	return nil
}
