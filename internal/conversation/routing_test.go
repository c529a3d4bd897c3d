package conversation

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/perzivalh/perzivalh-os-sub001/internal/flow"
	"github.com/perzivalh/perzivalh-os-sub001/internal/memory"
	"github.com/perzivalh/perzivalh-os-sub001/internal/models"
	"github.com/perzivalh/perzivalh-os-sub001/internal/router"
	"github.com/perzivalh/perzivalh-os-sub001/internal/store"
)

func startAIFlow(t *testing.T, r router.Router, opts ...Option) (*Bot, store.Store) {
	t.Helper()
	b, st := newTestBot(t, append([]Option{WithRouter(r)}, opts...)...)
	reply, err := b.StartFlow(context.Background(), patient, "botpoditov3")
	if err != nil {
		t.Fatalf("StartFlow: %v", err)
	}
	if reply.CurrentNodeID != "MAIN_MENU" {
		t.Fatalf("unexpected start node %s", reply.CurrentNodeID)
	}
	return b, st
}

func TestRouterAnswerStaysOnNode(t *testing.T) {
	r := &scriptedRouter{decisions: []router.Decision{{Kind: router.DecisionAnswer, Reply: "Abrimos de 8:30 a 19:00"}}}
	b, st := startAIFlow(t, r)

	reply := send(t, b, "a qué hora abren", "")
	if reply.Outcome != OutcomeRouted || reply.Decision == nil || reply.Decision.Kind != router.DecisionAnswer {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if len(reply.Messages) != 1 || reply.Messages[0].Text != "Abrimos de 8:30 a 19:00" || len(reply.Messages[0].Buttons) != 3 {
		t.Errorf("expected answer with menu buttons, got %+v", reply.Messages)
	}
	sess, _ := st.GetSession(context.Background(), patient)
	if sess.CurrentNodeID != "MAIN_MENU" || sess.AITurns != 1 || !slices.Equal(sess.AIActions, []string{"answer"}) {
		t.Errorf("unexpected session after answer: node=%s turns=%d actions=%v", sess.CurrentNodeID, sess.AITurns, sess.AIActions)
	}

	// button choices still work after a routed turn
	if reply := send(t, b, "2", ""); reply.CurrentNodeID != "LOCATIONS_AFTER" {
		t.Errorf("expected LOCATIONS_AFTER, got %s", reply.CurrentNodeID)
	}
}

func TestRouterUrgencyHandsOffWithoutCallingRouter(t *testing.T) {
	r := &scriptedRouter{}
	b, _ := startAIFlow(t, r)

	reply := send(t, b, "me sangra el dedo", "")
	if r.calls != 0 {
		t.Errorf("router called %d times on urgent text", r.calls)
	}
	if reply.Action != ActionHandoffAI || reply.Status != models.SessionStatusHandoff {
		t.Fatalf("expected AI handoff, got %+v", reply)
	}
	want := []string{"MAIN_MENU", "HANDOFF", "ACTION_HANDOFF"}
	if got := nodeIDs(reply.Messages); !slices.Equal(got, want) {
		t.Errorf("handoff messages %v, want %v", got, want)
	}
	if reply.Messages[0].Text != DefaultHandoffText {
		t.Errorf("expected default handoff text, got %q", reply.Messages[0].Text)
	}
}

func TestRouterServicesJumpsToServiceNode(t *testing.T) {
	r := &scriptedRouter{decisions: []router.Decision{{Kind: router.DecisionServices, Reply: "Te cuento sobre hongos", Services: []string{"hongos_unas"}}}}
	b, st := startAIFlow(t, r)

	reply := send(t, b, "tengo las uñas amarillas", "")
	if reply.CurrentNodeID != "SVC_HONGOS_AFTER" {
		t.Fatalf("expected SVC_HONGOS_AFTER, got %s", reply.CurrentNodeID)
	}
	want := []string{"MAIN_MENU", "SVC_HONGOS", "SVC_HONGOS_VIDEO", "SVC_HONGOS_AFTER"}
	if got := nodeIDs(reply.Messages); !slices.Equal(got, want) {
		t.Errorf("messages %v, want %v", got, want)
	}
	sess, _ := st.GetSession(context.Background(), patient)
	if !slices.Equal(sess.ServicesDiscussed, []string{"hongos_unas"}) {
		t.Errorf("services discussed = %v", sess.ServicesDiscussed)
	}
}

func TestRouterServicesFallsBackToServicesNode(t *testing.T) {
	r := &scriptedRouter{decisions: []router.Decision{{Kind: router.DecisionServices, Reply: "Estos son nuestros servicios"}}}
	b, _ := startAIFlow(t, r)

	if reply := send(t, b, "qué servicios tienen", ""); reply.CurrentNodeID != "SERVICES_MENU" {
		t.Errorf("expected SERVICES_MENU, got %s", reply.CurrentNodeID)
	}
}

func TestRouterClarifyLoopHandsOff(t *testing.T) {
	r := &scriptedRouter{decisions: []router.Decision{{Kind: router.DecisionClarify, Reply: "¿Me das más detalles?"}}}
	b, _ := startAIFlow(t, r, WithMemory(memory.New(memory.WithLoopThreshold(2))))

	if reply := send(t, b, "tengo algo raro", ""); reply.Status != models.SessionStatusAwaitingInput {
		t.Fatalf("first clarify should keep the session, got %+v", reply)
	}
	reply := send(t, b, "no sé cómo explicarlo", "")
	if reply.Status != models.SessionStatusHandoff || reply.Action != ActionHandoffAI {
		t.Errorf("expected handoff on clarify loop, got %+v", reply)
	}
	if reply.Messages[0].Text != "¿Me das más detalles?" {
		t.Errorf("expected router reply before handoff, got %q", reply.Messages[0].Text)
	}
}

func TestRouterClarifyStreakResetsOnRestart(t *testing.T) {
	r := &scriptedRouter{decisions: []router.Decision{{Kind: router.DecisionClarify, Reply: "¿Me das más detalles?"}}}
	b, st := startAIFlow(t, r)

	send(t, b, "tengo algo raro", "")
	send(t, b, "no sé", "")
	if _, err := b.StartFlow(context.Background(), patient, "botpoditov3"); err != nil {
		t.Fatalf("StartFlow: %v", err)
	}
	sess, _ := st.GetSession(context.Background(), patient)
	if len(sess.AIActions) != 0 || sess.AITurns != 0 {
		t.Fatalf("restart kept AI state: turns=%d actions=%v", sess.AITurns, sess.AIActions)
	}

	reply := send(t, b, "sigo sin saber", "")
	if reply.Status != models.SessionStatusAwaitingInput || reply.Action != "" {
		t.Errorf("a single clarify after restart should not hand off, got %+v", reply)
	}
}

func TestRouterMaxTurnsHandsOff(t *testing.T) {
	r := &scriptedRouter{}
	b, _ := startAIFlow(t, r)

	for i := 0; i < 3; i++ {
		if reply := send(t, b, "una pregunta", ""); reply.Status != models.SessionStatusAwaitingInput {
			t.Fatalf("turn %d: unexpected status %s", i, reply.Status)
		}
	}
	reply := send(t, b, "otra pregunta", "")
	if r.calls != 3 {
		t.Errorf("router calls = %d, want 3", r.calls)
	}
	if reply.Status != models.SessionStatusHandoff || reply.Decision.Reason != "max_turns reached" {
		t.Errorf("expected handoff after max turns, got %+v", reply)
	}
}

func TestRouterErrorWithoutFallbackHandsOff(t *testing.T) {
	r := &scriptedRouter{err: errors.New("timeout")}
	b, _ := startAIFlow(t, r)

	reply := send(t, b, "hola, una consulta", "")
	if reply.Status != models.SessionStatusHandoff {
		t.Errorf("expected handoff on router error, got %+v", reply)
	}
}

func TestRouterErrorWithFallbackReprompts(t *testing.T) {
	reg := flow.NewRegistry(flow.WithDefaultFlow("fallback"))
	_, err := reg.Register(models.FlowDefinition{
		ID:          "fallback",
		Name:        "Fallback",
		StartNodeID: "MENU",
		AI:          &models.AIConfig{Enabled: true, Mode: models.RouterModeRouter, MaxTurns: 5, AllowFallback: true},
		Nodes: []models.Node{
			{ID: "MENU", Type: models.NodeTypeText, Text: "Elige", Buttons: []models.Button{{Label: "Fin", Next: "END"}}},
			{ID: "END", Type: models.NodeTypeText, Text: "Adiós", Terminal: true},
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	b := NewBot(reg, store.NewInMemoryStore(), WithRouter(&scriptedRouter{err: errors.New("boom")}))

	send(t, b, "hola", "")
	reply := send(t, b, "algo libre", "")
	if reply.Outcome != OutcomeUnmatched || reply.Status != models.SessionStatusAwaitingInput {
		t.Errorf("expected re-prompt, got %+v", reply)
	}
	if reply := send(t, b, "fin", ""); reply.Status != models.SessionStatusEnded {
		t.Errorf("expected ended session, got %+v", reply)
	}
	if reply := send(t, b, "hola otra vez", ""); reply.Outcome != OutcomeStarted {
		t.Errorf("ended session should restart, got %+v", reply)
	}
}

func TestNonAIFlowIgnoresRouter(t *testing.T) {
	r := &scriptedRouter{}
	b, _ := newTestBot(t, WithRouter(r))
	send(t, b, "hola", "")
	if reply := send(t, b, "precio de plantillas", ""); reply.Outcome != OutcomeUnmatched || r.calls != 0 {
		t.Errorf("router must not run for non-AI flows: outcome=%s calls=%d", reply.Outcome, r.calls)
	}
}
