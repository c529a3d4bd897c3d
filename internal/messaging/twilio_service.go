package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/perzivalh/perzivalh-os-sub001/internal/models"
	"github.com/perzivalh/perzivalh-os-sub001/internal/twiliowhatsapp"
)

// TwilioService implements Service using the Twilio API. Inbound messages
// arrive through WebhookHandler.
type TwilioService struct {
	client    twiliowhatsapp.TwilioWhatsAppSender
	receipts  chan models.Receipt
	responses chan models.InboundMessage
	mu        sync.RWMutex
	stopped   bool
}

// NewTwilioService creates a TwilioService around a real or mock client.
func NewTwilioService(client twiliowhatsapp.TwilioWhatsAppSender) *TwilioService {
	return &TwilioService{
		client:    client,
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.InboundMessage, DefaultChannelBufferSize),
	}
}

// ValidateAndCanonicalizeRecipient accepts "whatsapp:+591..." and bare numbers.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(twiliowhatsapp.StripAddress(recipient))
}

// Start is a no-op; Twilio pushes events to the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the service.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.receipts)
	close(s.responses)
	return nil
}

// SendMessage sends a message via Twilio and emits a receipt.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err, "to", to)
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return ErrServiceStopped
	}
	if err := s.client.SendMessage(ctx, canonical, body); err != nil {
		emit(s.receipts, models.Receipt{To: canonical, Status: models.StatusTypeFailed, Time: time.Now().Unix()}, "receipts")
		return err
	}
	emit(s.receipts, models.Receipt{To: canonical, Status: models.StatusTypeSent, Time: time.Now().Unix()}, "receipts")
	return nil
}

// SendMedia sends media by URL via Twilio and emits a receipt.
func (s *TwilioService) SendMedia(ctx context.Context, to string, kind models.NodeType, url, caption string) error {
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return ErrServiceStopped
	}
	if err := s.client.SendMedia(ctx, canonical, kind, url, caption); err != nil {
		emit(s.receipts, models.Receipt{To: canonical, Status: models.StatusTypeFailed, Time: time.Now().Unix()}, "receipts")
		return err
	}
	emit(s.receipts, models.Receipt{To: canonical, Status: models.StatusTypeSent, Time: time.Now().Unix()}, "receipts")
	return nil
}

// Receipts returns the channel of delivery events.
func (s *TwilioService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Responses returns the channel of inbound messages posted to the webhook.
func (s *TwilioService) Responses() <-chan models.InboundMessage {
	return s.responses
}

// WebhookHandler handles inbound Twilio webhook requests. Quick-reply taps
// carry their id in ButtonPayload.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	msg := models.InboundMessage{
		From:     twiliowhatsapp.StripAddress(r.FormValue("From")),
		Body:     r.FormValue("Body"),
		ButtonID: r.FormValue("ButtonPayload"),
		Time:     time.Now().Unix(),
	}
	if err := msg.Validate(); err != nil {
		slog.Warn("Twilio webhook rejected", "error", err, "from", msg.From)
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	s.mu.RLock()
	stopped := s.stopped
	if !stopped {
		emit(s.responses, msg, "responses")
	}
	s.mu.RUnlock()
	if stopped {
		http.Error(w, ErrServiceStopped.Error(), http.StatusServiceUnavailable)
		return
	}

	slog.Info("Inbound WhatsApp message from Twilio", "from", msg.From, "button", msg.ButtonID != "")
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "<Response></Response>")
}
