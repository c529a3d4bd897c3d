// Package messaging connects the bot to patient-facing transports. A Service
// sends text and media and streams inbound messages; ResponseHandler feeds
// those messages to the bot.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/perzivalh/perzivalh-os-sub001/internal/models"
)

// Constants for service configuration
const (
	// DefaultChannelBufferSize defines the buffer size for receipt and response channels
	DefaultChannelBufferSize = 100
	// MinPhoneDigits is the minimum length of a canonical phone number
	MinPhoneDigits = 6
)

var (
	ErrServiceStopped = errors.New("messaging service stopped")
	ErrEmptyRecipient = errors.New("recipient cannot be empty")
)

// phoneNumberRegex matches everything that is not a digit.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Sender is the sending half of a Service.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
	SendMedia(ctx context.Context, to string, kind models.NodeType, url, caption string) error
}

// Service defines a pluggable message delivery abstraction.
type Service interface {
	Sender

	// ValidateAndCanonicalizeRecipient returns the digits-only form of a
	// phone number, which is also the conversation id.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// Start begins any background processing (e.g., event handling).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the channels.
	Stop() error

	// Receipts returns a channel of delivery events.
	Receipts() <-chan models.Receipt

	// Responses returns a channel of inbound patient messages.
	Responses() <-chan models.InboundMessage
}

// CanonicalizePhone strips everything but digits and checks the length.
func CanonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", ErrEmptyRecipient
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < MinPhoneDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", canonical, MinPhoneDigits)
	}
	if canonical != recipient {
		slog.Debug("messaging canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// emit pushes v without blocking; a full channel drops the event.
func emit[T any](ch chan T, v T, what string) {
	select {
	case ch <- v:
	default:
		slog.Warn("messaging channel full, dropping event", "channel", what)
	}
}
