// Package testutil provides shared helpers for bot and API tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"

	"github.com/perzivalh/perzivalh-os-sub001/internal/conversation"
	"github.com/perzivalh/perzivalh-os-sub001/internal/flow"
	"github.com/perzivalh/perzivalh-os-sub001/internal/knowledge"
	"github.com/perzivalh/perzivalh-os-sub001/internal/memory"
	"github.com/perzivalh/perzivalh-os-sub001/internal/models"
	"github.com/perzivalh/perzivalh-os-sub001/internal/store"
	"github.com/perzivalh/perzivalh-os-sub001/internal/whatsapp"
)

// OperatorNumber receives handoff notices in test bots.
const OperatorNumber = "59179999999"

// TB is the subset of testing.TB the helpers need, so they can be tested
// against a recording fake.
type TB interface {
	Helper()
	Errorf(format string, args ...any)
	Fatalf(format string, args ...any)
}

// Env is a bot wired to in-memory dependencies.
type Env struct {
	Bot       *conversation.Bot
	Flows     *flow.Registry
	Store     *store.InMemoryStore
	Knowledge *knowledge.KnowledgeBase
	Memory    *memory.Memory
	// Operator records handoff notices and, when used as the bot's sender,
	// messages delivered to patients.
	Operator *whatsapp.MockClient
}

// NewEnv builds a bot on the embedded flows and knowledge base with the
// default action dispatcher. Extra options are applied last.
func NewEnv(t TB, opts ...conversation.Option) *Env {
	t.Helper()
	reg, err := flow.LoadRegistry("")
	if err != nil {
		t.Fatalf("failed to load embedded flows: %v", err)
	}
	env := &Env{
		Flows:     reg,
		Store:     store.NewInMemoryStore(),
		Knowledge: knowledge.MustDefault(),
		Memory:    memory.New(),
		Operator:  whatsapp.NewMockClient(),
	}
	base := []conversation.Option{
		conversation.WithKnowledge(env.Knowledge),
		conversation.WithMemory(env.Memory),
		conversation.WithActions(conversation.NewDefaultActionDispatcher(env.Operator, OperatorNumber, env.Memory)),
	}
	env.Bot = conversation.NewBot(reg, env.Store, append(base, opts...)...)
	return env
}

// Send runs one turn and fails the test on error.
func (e *Env) Send(t TB, from, body, buttonID string) *conversation.Reply {
	t.Helper()
	reply, err := e.Bot.HandleMessage(context.Background(), models.InboundMessage{From: from, Body: body, ButtonID: buttonID})
	if err != nil {
		t.Fatalf("HandleMessage(%q, %q, %q): %v", from, body, buttonID, err)
	}
	return reply
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes a models.APIResponse envelope and checks its status.
func AssertJSONResponse(t TB, rr *httptest.ResponseRecorder, expectedStatus models.APIStatus) models.APIResponse {
	t.Helper()
	var response models.APIResponse
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return response
	}
	if response.Status != string(expectedStatus) {
		t.Errorf("expected status '%s', got '%s' (message %q)", expectedStatus, response.Status, response.Message)
	}
	return response
}

// DecodeResult re-decodes the Result of an envelope into target.
func DecodeResult(t TB, resp models.APIResponse, target any) {
	t.Helper()
	MustUnmarshalJSON(t, MustMarshalJSON(t, resp.Result), target)
}

// CreateHTTPRequest creates an HTTP request with an optional JSON body.
func CreateHTTPRequest(t TB, method, url string, body any) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
	}
	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
		return nil
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// AssertSessionState checks the stored node and status of a conversation.
func AssertSessionState(t TB, st store.Store, conversationID, nodeID string, status models.SessionStatus) {
	t.Helper()
	sess, err := st.GetSession(context.Background(), conversationID)
	if err != nil {
		t.Fatalf("GetSession(%s): %v", conversationID, err)
		return
	}
	if sess == nil {
		t.Errorf("no session stored for %s", conversationID)
		return
	}
	if sess.CurrentNodeID != nodeID || sess.Status != status {
		t.Errorf("session %s at %s/%s, expected %s/%s", conversationID, sess.CurrentNodeID, sess.Status, nodeID, status)
	}
}

// MustMarshalJSON marshals v or fails the test.
func MustMarshalJSON(t TB, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals data into target or fails the test.
func MustUnmarshalJSON(t TB, data []byte, target any) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
