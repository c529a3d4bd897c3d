package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/perzivalh/perzivalh-os-sub001/internal/models"
	"github.com/perzivalh/perzivalh-os-sub001/internal/whatsapp"
)

// WhatsAppService implements Service using the whatsmeow-based client.
type WhatsAppService struct {
	client    whatsapp.WhatsAppSender
	waClient  *whatsapp.Client // set when client is the real client; needed for events
	receipts  chan models.Receipt
	responses chan models.InboundMessage
	mu        sync.RWMutex
	stopped   bool
	handlerID uint32
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given sender.
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	s := &WhatsAppService{
		client:    client,
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.InboundMessage, DefaultChannelBufferSize),
	}
	if waClient, ok := client.(*whatsapp.Client); ok {
		s.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}
	return s
}

// ValidateAndCanonicalizeRecipient returns the digits-only phone number.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

// Start registers the whatsmeow event handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService no full client available, skipping event handling")
		return nil
	}
	s.handlerID = s.waClient.GetClient().AddEventHandler(s.handleEvent)
	slog.Info("WhatsAppService event handler registered")

	go func() {
		<-ctx.Done()
		slog.Debug("WhatsAppService removing event handler on context cancellation")
		s.waClient.GetClient().RemoveEventHandler(s.handlerID)
	}()
	return nil
}

// Stop closes the channels. Further sends fail with ErrServiceStopped.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.receipts)
	close(s.responses)
	slog.Info("WhatsAppService stopped and channels closed")
	return nil
}

// SendMessage sends a text message and emits a sent receipt.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return ErrServiceStopped
	}
	if err := s.client.SendMessage(ctx, canonical, body); err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "to", canonical)
		emit(s.receipts, models.Receipt{To: canonical, Status: models.StatusTypeFailed, Time: time.Now().Unix()}, "receipts")
		return err
	}
	emit(s.receipts, models.Receipt{To: canonical, Status: models.StatusTypeSent, Time: time.Now().Unix()}, "receipts")
	slog.Debug("WhatsAppService message sent", "to", canonical)
	return nil
}

// SendMedia sends an image or video and emits a sent receipt.
func (s *WhatsAppService) SendMedia(ctx context.Context, to string, kind models.NodeType, url, caption string) error {
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
		slog.Error("WhatsAppService SendMedia error", "error", err, "to", canonical, "kind", kind)
		emit(s.receipts, models.Receipt{To: canonical, Status: models.StatusTypeFailed, Time: time.Now().Unix()}, "receipts")
		return err
	}
	emit(s.receipts, models.Receipt{To: canonical, Status: models.StatusTypeSent, Time: time.Now().Unix()}, "receipts")
	return nil
}

// Receipts returns a channel of receipt events.
func (s *WhatsAppService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Responses returns a channel of inbound messages.
func (s *WhatsAppService) Responses() <-chan models.InboundMessage {
	return s.responses
}

func (s *WhatsAppService) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		s.handleIncomingMessage(v)
	case *events.Receipt:
		s.handleMessageReceipt(v)
	case *events.Connected:
		slog.Info("WhatsAppService connected")
	case *events.Disconnected:
		slog.Warn("WhatsAppService disconnected")
	}
}

// inboundFromMessage extracts the text and interactive reply id of a message.
// ok is false for messages the bot does not handle (media, reactions, ...).
func inboundFromMessage(msg *waE2E.Message) (body, buttonID string, ok bool) {
	if msg == nil {
		return "", "", false
	}
	switch {
	case msg.GetButtonsResponseMessage() != nil:
		r := msg.GetButtonsResponseMessage()
		return r.GetSelectedDisplayText(), r.GetSelectedButtonID(), true
	case msg.GetListResponseMessage() != nil:
		r := msg.GetListResponseMessage()
		return r.GetTitle(), r.GetSingleSelectReply().GetSelectedRowID(), true
	case msg.GetConversation() != "":
		return msg.GetConversation(), "", true
	case msg.GetExtendedTextMessage().GetText() != "":
		return msg.GetExtendedTextMessage().GetText(), "", true
	}
	return "", "", false
}

func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}
	body, buttonID, ok := inboundFromMessage(evt.Message)
	if !ok {
		slog.Debug("WhatsAppService ignoring non-text message", "from", evt.Info.Sender.User)
		return
	}
	msg := models.InboundMessage{
		From:     evt.Info.Sender.User,
		Body:     body,
		ButtonID: buttonID,
		Time:     evt.Info.Timestamp.Unix(),
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	emit(s.responses, msg, "responses")
	slog.Debug("WhatsAppService incoming message forwarded", "from", msg.From, "button", buttonID != "")
}

func (s *WhatsAppService) handleMessageReceipt(evt *events.Receipt) {
	var status models.StatusType
	switch evt.Type {
	case events.ReceiptTypeDelivered:
		status = models.StatusTypeDelivered
	case events.ReceiptTypeRead:
		status = models.StatusTypeRead
	default:
		return
	}
	receipt := models.Receipt{To: evt.MessageSource.Chat.User, Status: status, Time: evt.Timestamp.Unix()}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	emit(s.receipts, receipt, "receipts")
}
