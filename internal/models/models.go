// Package models defines the core data structures for the Podito bot.
//
// It includes inbound/outbound message types and the API response envelope,
// which are shared across modules.
package models

import (
	"errors"
	"time"
	"unicode/utf8"
)

// MaxInboundBodyRunes bounds the body carried through a turn. Longer bodies
// are clamped, never rejected.
const MaxInboundBodyRunes = 4096

// Error variables for better error handling and testability
var (
	ErrEmptySender  = errors.New("sender cannot be empty")
	ErrEmptyInbound = errors.New("body or button_id is required")
)

// InboundMessage is a message received from a patient on any transport.
type InboundMessage struct {
	From     string `json:"from"`
	Body     string `json:"body"`
	ButtonID string `json:"button_id,omitempty"` // interactive reply payload, when the transport provides one
	Time     int64  `json:"time"`
}

// Validate performs basic validation on an inbound message.
func (m *InboundMessage) Validate() error {
	if m.From == "" {
		return ErrEmptySender
	}
	if m.Body == "" && m.ButtonID == "" {
		return ErrEmptyInbound
	}
	return nil
}

// Clamp cuts Body to MaxInboundBodyRunes runes and reports whether it did.
func (m *InboundMessage) Clamp() bool {
	if utf8.RuneCountInString(m.Body) <= MaxInboundBodyRunes {
		return false
	}
	m.Body = string([]rune(m.Body)[:MaxInboundBodyRunes])
	return true
}

// OutboundMessage is one rendered message ready for a transport.
type OutboundMessage struct {
	Kind    NodeType      `json:"kind"`
	NodeID  string        `json:"node_id,omitempty"`
	Text    string        `json:"text,omitempty"`
	URL     string        `json:"url,omitempty"`
	Buttons []string      `json:"buttons,omitempty"`
	Delay   time.Duration `json:"delay,omitempty"`
}

// StatusType is the delivery state reported for an outbound message.
type StatusType string

const (
	StatusTypeSent      StatusType = "sent"
	StatusTypeDelivered StatusType = "delivered"
	StatusTypeRead      StatusType = "read"
	StatusTypeFailed    StatusType = "failed"
)

// Receipt is a delivery event for a message sent to a patient.
type Receipt struct {
	To     string     `json:"to"`
	Status StatusType `json:"status"`
	Time   int64      `json:"time"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}

// ErrorWithResult creates an error API response carrying details, e.g. validation problems.
func ErrorWithResult(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message, Result: result}
}
