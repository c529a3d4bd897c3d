package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/perzivalh/perzivalh-os-sub001/internal/models"
)

// DefaultErrorMessage is sent to the patient when the hook fails.
const DefaultErrorMessage = "⚠️ Tuvimos un problema procesando tu mensaje. Por favor intenta de nuevo en unos minutos."

// ResponseAction processes one inbound message whose sender has already been
// canonicalized.
type ResponseAction func(ctx context.Context, msg models.InboundMessage) error

// ResponseHandler consumes a Service's inbound messages and runs the hook.
// Messages from one sender are processed in arrival order; different
// senders are processed concurrently.
type ResponseHandler struct {
	msgService   Service
	hook         ResponseAction
	mu           sync.Mutex
	errorMessage string
	queues       map[string]*senderQueue
	wg           sync.WaitGroup
}

type senderQueue struct {
	pending []models.InboundMessage
}

// NewResponseHandler creates a handler that passes messages to hook.
func NewResponseHandler(msgService Service, hook ResponseAction) *ResponseHandler {
	return &ResponseHandler{
		msgService:   msgService,
		hook:         hook,
		errorMessage: DefaultErrorMessage,
		queues:       make(map[string]*senderQueue),
	}
}

// SetErrorMessage sets the message sent when the hook fails.
func (rh *ResponseHandler) SetErrorMessage(message string) {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	rh.errorMessage = message
}

// GetErrorMessage returns the current error message.
func (rh *ResponseHandler) GetErrorMessage() string {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	return rh.errorMessage
}

// ProcessResponse canonicalizes the sender and runs the hook. A hook error
// is reported to the patient with the error message.
func (rh *ResponseHandler) ProcessResponse(ctx context.Context, msg models.InboundMessage) error {
	canonicalFrom, err := rh.msgService.ValidateAndCanonicalizeRecipient(msg.From)
	if err != nil {
		slog.Error("ResponseHandler ProcessResponse validation failed", "error", err, "from", msg.From)
		return fmt.Errorf("invalid sender: %w", err)
	}
	msg.From = canonicalFrom
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}
	if msg.Clamp() {
		slog.Warn("ResponseHandler clamped over-long message body", "from", canonicalFrom, "max_runes", models.MaxInboundBodyRunes)
	}

	slog.Debug("ResponseHandler processing response", "from", canonicalFrom, "body_length", len(msg.Body))
	if err := rh.hook(ctx, msg); err != nil {
		slog.Error("ResponseHandler hook execution failed", "error", err, "from", canonicalFrom)
		if sendErr := rh.msgService.SendMessage(ctx, canonicalFrom, rh.GetErrorMessage()); sendErr != nil {
			slog.Error("ResponseHandler failed to send error message", "error", sendErr, "from", canonicalFrom)
		}
		return fmt.Errorf("hook execution failed: %w", err)
	}
	return nil
}

// Start begins consuming the service's Responses channel until it closes or
// ctx is cancelled.
func (rh *ResponseHandler) Start(ctx context.Context) {
	slog.Info("ResponseHandler starting response processing")
	go func() {
		defer slog.Info("ResponseHandler stopped response processing")
		for {
			select {
			case msg, ok := <-rh.msgService.Responses():
				if !ok {
					slog.Debug("ResponseHandler responses channel closed")
					return
				}
				rh.enqueue(ctx, msg)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Wait blocks until all queued messages have been processed.
func (rh *ResponseHandler) Wait() {
	rh.wg.Wait()
}

func (rh *ResponseHandler) enqueue(ctx context.Context, msg models.InboundMessage) {
	key := msg.From
	if canonical, err := rh.msgService.ValidateAndCanonicalizeRecipient(msg.From); err == nil {
		key = canonical
	}

	rh.mu.Lock()
	q, running := rh.queues[key]
	if !running {
		q = &senderQueue{}
		rh.queues[key] = q
	}
	q.pending = append(q.pending, msg)
	if running {
		rh.mu.Unlock()
		return
	}
	rh.wg.Add(1)
	rh.mu.Unlock()

	go rh.drain(ctx, key, q)
}

func (rh *ResponseHandler) drain(ctx context.Context, key string, q *senderQueue) {
	defer rh.wg.Done()
	for {
		rh.mu.Lock()
		if len(q.pending) == 0 {
			delete(rh.queues, key)
			rh.mu.Unlock()
			return
		}
		msg := q.pending[0]
		q.pending = q.pending[1:]
		rh.mu.Unlock()

		if err := rh.ProcessResponse(ctx, msg); err != nil {
			slog.Error("ResponseHandler failed to process response", "error", err, "from", msg.From)
		}
	}
}
