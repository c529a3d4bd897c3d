package api

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/perzivalh/perzivalh-os-sub001/internal/conversation"
	"github.com/perzivalh/perzivalh-os-sub001/internal/messaging"
	"github.com/perzivalh/perzivalh-os-sub001/internal/models"
	"github.com/perzivalh/perzivalh-os-sub001/internal/testutil"
	"github.com/perzivalh/perzivalh-os-sub001/internal/twiliowhatsapp"
)

const patient = "59170000000"

func newTestServer(t *testing.T, opts ...Option) (*Server, *testutil.Env) {
	t.Helper()
	env := testutil.NewEnv(t)
	opts = append([]Option{WithKnowledge(env.Knowledge)}, opts...)
	return NewServer(env.Bot, env.Flows, opts...), env
}

func do(t *testing.T, s *Server, method, url string, body any) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, testutil.CreateHTTPRequest(t, method, url, body))
	return rr
}

func TestHealth(t *testing.T) {
	s, env := newTestServer(t)
	rr := do(t, s, http.MethodGet, "/health", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "health")
	resp := testutil.AssertJSONResponse(t, rr, models.APIStatusOK)
	var health HealthStatus
	testutil.DecodeResult(t, resp, &health)
	if health.DefaultFlow != env.Flows.DefaultID() || health.Flows != len(env.Flows.List()) {
		t.Errorf("unexpected health %+v", health)
	}
}

func TestFlowEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	rr := do(t, s, http.MethodGet, "/flows", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "list flows")
	var flows []models.FlowSummary
	testutil.DecodeResult(t, testutil.AssertJSONResponse(t, rr, models.APIStatusOK), &flows)
	if len(flows) < 2 {
		t.Fatalf("expected the embedded flows, got %+v", flows)
	}

	rr = do(t, s, http.MethodGet, "/flows/botpoditov3", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "get flow")
	var def models.FlowDefinition
	testutil.DecodeResult(t, testutil.AssertJSONResponse(t, rr, models.APIStatusOK), &def)
	if def.ID != "botpoditov3" || !def.AI.RouterEnabled() {
		t.Errorf("unexpected definition %s %+v", def.ID, def.AI)
	}

	rr = do(t, s, http.MethodGet, "/flows/nope", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown flow")
}

func TestValidateFlow(t *testing.T) {
	s, _ := newTestServer(t)

	valid := `{"id":"mini","name":"Mini","start_node_id":"A","nodes":[
		{"id":"A","type":"text","text":"hola","buttons":[{"label":"Fin","next":"B"}]},
		{"id":"B","type":"text","text":"chau","terminal":true}]}`
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/flows/validate", strings.NewReader(valid)))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "valid flow")
	var result ValidationResult
	testutil.DecodeResult(t, testutil.AssertJSONResponse(t, rr, models.APIStatusOK), &result)
	if !result.Valid || result.Flow == nil || result.Flow.NodeCount != 2 {
		t.Errorf("unexpected result %+v", result)
	}

	yamlFlow := "id: y\nname: Y\nstart_node_id: A\nnodes:\n  - id: A\n    type: text\n    text: hola\n    next: MISSING\n"
	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/flows/validate?format=yaml", strings.NewReader(yamlFlow)))
	testutil.AssertHTTPStatus(t, http.StatusUnprocessableEntity, rr.Code, "invalid flow")
	result = ValidationResult{}
	testutil.DecodeResult(t, testutil.AssertJSONResponse(t, rr, models.APIStatusError), &result)
	if result.Valid || len(result.Problems) == 0 {
		t.Errorf("expected problems, got %+v", result)
	}

	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/flows/validate", bytes.NewBufferString("{")))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "malformed flow")
}

func TestMessageConversation(t *testing.T) {
	s, env := newTestServer(t)

	rr := do(t, s, http.MethodPost, "/messages", models.InboundMessage{From: "+591 700-00000", Body: "hola"})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "first message")
	var reply conversation.Reply
	testutil.DecodeResult(t, testutil.AssertJSONResponse(t, rr, models.APIStatusOK), &reply)
	if reply.ConversationID != patient || reply.CurrentNodeID != "MAIN_MENU" || len(reply.Messages) == 0 {
		t.Fatalf("unexpected reply %+v", reply)
	}

	rr = do(t, s, http.MethodPost, "/messages", models.InboundMessage{From: patient, Body: "1"})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "menu choice")
	testutil.AssertSessionState(t, env.Store, patient, "SERVICES_MENU", models.SessionStatusAwaitingInput)
}

func TestMessageValidation(t *testing.T) {
	s, _ := newTestServer(t)
	tests := []struct {
		name string
		body any
		want int
	}{
		{"no sender", models.InboundMessage{Body: "hola"}, http.StatusBadRequest},
		{"short sender", models.InboundMessage{From: "123", Body: "hola"}, http.StatusBadRequest},
		{"no content", models.InboundMessage{From: patient}, http.StatusBadRequest},
		{"not an object", "hola", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, s, http.MethodPost, "/messages", tt.body)
			testutil.AssertHTTPStatus(t, tt.want, rr.Code, tt.name)
			testutil.AssertJSONResponse(t, rr, models.APIStatusError)
		})
	}
}

func TestSessionLifecycle(t *testing.T) {
	s, env := newTestServer(t)

	rr := do(t, s, http.MethodGet, "/sessions/"+patient, nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "missing session")

	env.Send(t, patient, "hola", "")

	rr = do(t, s, http.MethodGet, "/sessions", nil)
	var sessions []*models.Session
	testutil.DecodeResult(t, testutil.AssertJSONResponse(t, rr, models.APIStatusOK), &sessions)
	if len(sessions) != 1 || sessions[0].ConversationID != patient {
		t.Fatalf("unexpected sessions %+v", sessions)
	}

	rr = do(t, s, http.MethodGet, "/sessions/"+patient, nil)
	var sess models.Session
	testutil.DecodeResult(t, testutil.AssertJSONResponse(t, rr, models.APIStatusOK), &sess)
	if sess.CurrentNodeID != "MAIN_MENU" || len(sess.ChatHistory) == 0 {
		t.Errorf("unexpected session %+v", sess)
	}

	rr = do(t, s, http.MethodGet, "/sessions/"+patient+"/summary", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "summary")
	var sum struct {
		MessageCount    int    `json:"message_count"`
		LastUserMessage string `json:"last_user_message"`
	}
	testutil.DecodeResult(t, testutil.AssertJSONResponse(t, rr, models.APIStatusOK), &sum)
	if sum.MessageCount == 0 || sum.LastUserMessage != "hola" {
		t.Errorf("unexpected summary %+v", sum)
	}

	rr = do(t, s, http.MethodPost, "/sessions/"+patient+"/release", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "release")
	testutil.AssertSessionState(t, env.Store, patient, "MAIN_MENU", models.SessionStatusEnded)

	rr = do(t, s, http.MethodDelete, "/sessions/"+patient, nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "delete")
	rr = do(t, s, http.MethodGet, "/sessions/"+patient, nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "deleted session")
}

func TestStartFlow(t *testing.T) {
	s, env := newTestServer(t)

	rr := do(t, s, http.MethodPost, "/sessions/"+patient+"/start", StartFlowRequest{FlowID: "botpoditov3"})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "start v3")
	var reply conversation.Reply
	testutil.DecodeResult(t, testutil.AssertJSONResponse(t, rr, models.APIStatusOK), &reply)
	if reply.FlowID != "botpoditov3" || len(reply.Messages) == 0 {
		t.Errorf("unexpected reply %+v", reply)
	}
	sess, err := env.Bot.Session(t.Context(), patient)
	if err != nil || sess.FlowID != "botpoditov3" {
		t.Errorf("session not moved to v3: %+v, %v", sess, err)
	}

	rr = do(t, s, http.MethodPost, "/sessions/"+patient+"/start", StartFlowRequest{FlowID: "nope"})
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown flow")

	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/sessions/"+patient+"/start", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "default flow")
}

func TestKnowledge(t *testing.T) {
	s, env := newTestServer(t)
	rr := do(t, s, http.MethodGet, "/knowledge", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "knowledge")
	var kb struct {
		Clinic struct {
			Name string `json:"nombre"`
		} `json:"clinica"`
	}
	testutil.DecodeResult(t, testutil.AssertJSONResponse(t, rr, models.APIStatusOK), &kb)
	if kb.Clinic.Name != env.Knowledge.Clinic.Name {
		t.Errorf("expected clinic %q, got %q", env.Knowledge.Clinic.Name, kb.Clinic.Name)
	}

	bare := NewServer(env.Bot, env.Flows, WithoutMetrics())
	rr = do(t, bare, http.MethodGet, "/knowledge", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "no knowledge")
	rr = do(t, bare, http.MethodGet, "/metrics", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "metrics disabled")
}

func TestTwilioWebhook(t *testing.T) {
	twilio := messaging.NewTwilioService(twiliowhatsapp.NewMockClient())
	s, _ := newTestServer(t, WithTwilioWebhook(twilio.WebhookHandler))

	form := "From=whatsapp%3A%2B59170000000&Body=hola"
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio", strings.NewReader(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "twilio webhook")

	select {
	case msg := <-twilio.Responses():
		if msg.Body != "hola" || !strings.HasSuffix(msg.From, "59170000000") {
			t.Errorf("unexpected inbound %+v", msg)
		}
	default:
		t.Fatal("webhook did not emit the inbound message")
	}

	plain, _ := newTestServer(t)
	rr = do(t, plain, http.MethodPost, "/webhooks/twilio", nil)
	if rr.Code != http.StatusNotFound && rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("webhook should not be mounted, got %d", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	do(t, s, http.MethodGet, "/health", nil)
	rr := do(t, s, http.MethodGet, "/metrics", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "metrics")
	if !strings.Contains(rr.Body.String(), "http_requests_total") {
		t.Error("expected request counter in metrics output")
	}
}

func TestWriteJSONResponseFallback(t *testing.T) {
	rr := httptest.NewRecorder()
	writeJSONResponse(rr, http.StatusOK, models.Success(make(chan int)))
	testutil.AssertHTTPStatus(t, http.StatusInternalServerError, rr.Code, "unencodable payload")
	testutil.AssertJSONResponse(t, rr, models.APIStatusError)
}
