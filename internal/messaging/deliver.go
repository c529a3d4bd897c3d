package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/perzivalh/perzivalh-os-sub001/internal/flow"
	"github.com/perzivalh/perzivalh-os-sub001/internal/models"
)

// MaxDeliveryDelay caps the pause before a single message.
const MaxDeliveryDelay = 10 * time.Second

// Deliver sends rendered messages in order, waiting each message's delay
// first. Button labels are appended as a numbered list. It stops at the
// first failed send or when ctx is cancelled.
func Deliver(ctx context.Context, s Sender, to string, msgs []models.OutboundMessage) error {
	for i, m := range msgs {
		if err := wait(ctx, m.Delay); err != nil {
			return err
		}
		if err := deliverOne(ctx, s, to, m); err != nil {
			return fmt.Errorf("deliver message %d/%d (node %s): %w", i+1, len(msgs), m.NodeID, err)
		}
	}
	slog.Debug("messaging Deliver complete", "to", to, "count", len(msgs))
	return nil
}

func deliverOne(ctx context.Context, s Sender, to string, m models.OutboundMessage) error {
	if m.Kind.IsMedia() && m.URL != "" {
		if err := s.SendMedia(ctx, to, m.Kind, m.URL, m.Text); err != nil {
			return err
		}
		if len(m.Buttons) == 0 {
			return nil
		}
		return s.SendMessage(ctx, to, strings.TrimPrefix(flow.FormatButtons("", m.Buttons), "\n"))
	}
	body := flow.FormatButtons(m.Text, m.Buttons)
	if strings.TrimSpace(body) == "" {
		return nil
	}
	return s.SendMessage(ctx, to, body)
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	if d > MaxDeliveryDelay {
		d = MaxDeliveryDelay
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
