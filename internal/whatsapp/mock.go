package whatsapp

import (
	"context"
	"sync"

	"github.com/perzivalh/perzivalh-os-sub001/internal/models"
)

// SentMessage is a text recorded by MockClient.
type SentMessage struct {
	To   string
	Body string
}

// SentMedia is a media message recorded by MockClient.
type SentMedia struct {
	To      string
	Kind    models.NodeType
	URL     string
	Caption string
}

// MockClient records messages instead of sending them. Use it in tests in
// place of NewClient to avoid real WhatsApp connections.
type MockClient struct {
	mu       sync.Mutex
	Messages []SentMessage
	Media    []SentMedia
	// Err, when set, is returned by every send.
	Err error
}

// NewMockClient creates an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Messages = append(m.Messages, SentMessage{To: to, Body: body})
	return nil
}

func (m *MockClient) SendMedia(ctx context.Context, to string, kind models.NodeType, url, caption string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Media = append(m.Media, SentMedia{To: to, Kind: kind, URL: url, Caption: caption})
	return nil
}

// Sent returns a copy of the recorded text messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.Messages...)
}

// SentMediaMessages returns a copy of the recorded media messages.
func (m *MockClient) SentMediaMessages() []SentMedia {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMedia(nil), m.Media...)
}
