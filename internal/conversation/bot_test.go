package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/perzivalh/perzivalh-os-sub001/internal/flow"
	"github.com/perzivalh/perzivalh-os-sub001/internal/knowledge"
	"github.com/perzivalh/perzivalh-os-sub001/internal/memory"
	"github.com/perzivalh/perzivalh-os-sub001/internal/models"
	"github.com/perzivalh/perzivalh-os-sub001/internal/router"
	"github.com/perzivalh/perzivalh-os-sub001/internal/store"
	"github.com/perzivalh/perzivalh-os-sub001/internal/whatsapp"
)

const patient = "59170000000"

type scriptedRouter struct {
	mu        sync.Mutex
	decisions []router.Decision
	err       error
	calls     int
}

func (r *scriptedRouter) Route(ctx context.Context, req router.Request) (router.Decision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return router.Decision{}, r.err
	}
	if len(r.decisions) == 0 {
		return router.Decision{Kind: router.DecisionAnswer, Reply: "ok"}, nil
	}
	d := r.decisions[0]
	if len(r.decisions) > 1 {
		r.decisions = r.decisions[1:]
	}
	return d, nil
}

func newTestBot(t *testing.T, opts ...Option) (*Bot, store.Store) {
	t.Helper()
	reg, err := flow.LoadRegistry("")
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	st := store.NewInMemoryStore()
	opts = append([]Option{WithKnowledge(knowledge.MustDefault())}, opts...)
	return NewBot(reg, st, opts...), st
}

func send(t *testing.T, b *Bot, body, buttonID string) *Reply {
	t.Helper()
	reply, err := b.HandleMessage(context.Background(), models.InboundMessage{From: patient, Body: body, ButtonID: buttonID})
	if err != nil {
		t.Fatalf("HandleMessage(%q, %q): %v", body, buttonID, err)
	}
	return reply
}

func nodeIDs(msgs []models.OutboundMessage) []string {
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.NodeID)
	}
	return ids
}

func TestBotPersonalAttentionCallScenario(t *testing.T) {
	operator := whatsapp.NewMockClient()
	mem := memory.New()
	b, st := newTestBot(t, WithMemory(mem), WithActions(NewDefaultActionDispatcher(operator, "59179999999", mem)))

	reply := send(t, b, "hola", "")
	if reply.Outcome != OutcomeStarted || reply.CurrentNodeID != "MAIN_MENU" || reply.Status != models.SessionStatusAwaitingInput {
		t.Fatalf("unexpected start reply: %+v", reply)
	}
	if got := strings.Join(nodeIDs(reply.Messages), ","); got != "WELCOME,WELCOME_IMAGE,INTRO,MAIN_MENU" {
		t.Errorf("start rendered %s", got)
	}
	if reply.Messages[1].Kind != models.NodeTypeImage || reply.Messages[1].URL == "" {
		t.Errorf("welcome image not rendered as media: %+v", reply.Messages[1])
	}

	reply = send(t, b, "3", "")
	if reply.CurrentNodeID != "CONTACT_METHOD" || reply.Outcome != OutcomeAdvanced {
		t.Fatalf("expected CONTACT_METHOD, got %+v", reply)
	}

	reply = send(t, b, "", "ACTION_CALL")
	if reply.Action != ActionHandoffCall || reply.Status != models.SessionStatusHandoff {
		t.Fatalf("expected call handoff, got %+v", reply)
	}
	if len(reply.Messages) != 1 || reply.Messages[0].NodeID != "ACTION_CALL" {
		t.Errorf("expected confirmation message, got %+v", reply.Messages)
	}
	notices := operator.Sent()
	if len(notices) != 1 || notices[0].To != "59179999999" || !strings.Contains(notices[0].Body, "+"+patient) {
		t.Errorf("operator not notified: %+v", notices)
	}

	reply = send(t, b, "¿a qué hora me llaman?", "")
	if reply.Outcome != OutcomeRecorded || len(reply.Messages) != 0 {
		t.Errorf("handoff session should only record, got %+v", reply)
	}
	sess, _ := st.GetSession(context.Background(), patient)
	if last := sess.ChatHistory[len(sess.ChatHistory)-1]; last.Role != models.RoleUser || last.Content != "¿a qué hora me llaman?" {
		t.Errorf("message not recorded during handoff: %+v", last)
	}
	if sess.HandoffAction != ActionHandoffCall {
		t.Errorf("handoff action = %q", sess.HandoffAction)
	}
}

func TestBotUnmatchedInputReprompts(t *testing.T) {
	b, _ := newTestBot(t)
	send(t, b, "hola", "")

	reply := send(t, b, "quiero una cita", "")
	if reply.Outcome != OutcomeUnmatched || reply.CurrentNodeID != "MAIN_MENU" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if len(reply.Messages) != 2 || reply.Messages[0].Text != DefaultUnmatchedHint || reply.Messages[1].NodeID != "MAIN_MENU" {
		t.Errorf("expected hint plus menu, got %+v", reply.Messages)
	}
	if len(reply.Messages[1].Buttons) != 3 {
		t.Errorf("menu buttons missing: %+v", reply.Messages[1])
	}
}

func TestBotReleaseRestartsFlow(t *testing.T) {
	b, _ := newTestBot(t)
	send(t, b, "hola", "")
	send(t, b, "", "CONTACT_METHOD")
	send(t, b, "", "ACTION_MESSAGE")

	sess, err := b.Release(context.Background(), patient)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if sess.Status != models.SessionStatusEnded {
		t.Errorf("released status = %s", sess.Status)
	}
	reply := send(t, b, "hola de nuevo", "")
	if reply.Outcome != OutcomeStarted || reply.CurrentNodeID != "MAIN_MENU" {
		t.Errorf("expected restart, got %+v", reply)
	}
	if _, err := b.Release(context.Background(), "59100000000"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestBotResetAndSummary(t *testing.T) {
	b, _ := newTestBot(t)
	ctx := context.Background()
	send(t, b, "hola", "")

	sum, err := b.Summary(ctx, patient)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.LastUserMessage != "hola" || sum.CurrentNodeID != "MAIN_MENU" || sum.MessageCount != 5 {
		t.Errorf("unexpected summary %+v", sum)
	}

	if err := b.Reset(ctx, patient); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if _, err := b.Session(ctx, patient); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound after reset, got %v", err)
	}
}

func TestBotRejectsInvalidMessage(t *testing.T) {
	b, _ := newTestBot(t)
	if _, err := b.HandleMessage(context.Background(), models.InboundMessage{From: patient}); !errors.Is(err, models.ErrEmptyInbound) {
		t.Errorf("expected ErrEmptyInbound, got %v", err)
	}
}

func TestBotSerializesConversation(t *testing.T) {
	b, st := newTestBot(t)
	send(t, b, "hola", "")

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := b.HandleMessage(context.Background(), models.InboundMessage{From: patient, Body: fmt.Sprintf("texto %d", i)})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent turn failed: %v", err)
		}
	}

	sess, _ := st.GetSession(context.Background(), patient)
	if len(sess.ChatHistory) != memory.MaxHistoryLength {
		t.Errorf("history length = %d, want %d", len(sess.ChatHistory), memory.MaxHistoryLength)
	}
	if n := b.locks.size(); n != 0 {
		t.Errorf("expected lock table drained, %d entries left", n)
	}
}

func TestBotHandleInboundDelivers(t *testing.T) {
	sender := whatsapp.NewMockClient()
	b, _ := newTestBot(t, WithSender(sender))

	if err := b.HandleInbound(context.Background(), models.InboundMessage{From: patient, Body: "hola"}); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if got := len(sender.Sent()); got != 3 {
		t.Errorf("expected 3 text messages, got %d", got)
	}
	if got := len(sender.SentMediaMessages()); got != 1 {
		t.Errorf("expected 1 media message, got %d", got)
	}
	last := sender.Sent()[2].Body
	if !strings.Contains(last, "1. 🦶 Servicios") {
		t.Errorf("menu not numbered: %q", last)
	}
}

func TestStartFlowUnknown(t *testing.T) {
	b, _ := newTestBot(t)
	if _, err := b.StartFlow(context.Background(), patient, "nope"); !errors.Is(err, flow.ErrUnknownFlow) {
		t.Errorf("expected ErrUnknownFlow, got %v", err)
	}
}

func TestBotTruncatesLongBodyInTranscript(t *testing.T) {
	b, st := newTestBot(t)

	reply := send(t, b, strings.Repeat("a", 5000), "")
	if reply == nil || len(reply.Messages) == 0 {
		t.Fatalf("expected a reply, got %+v", reply)
	}
	sess, _ := st.GetSession(context.Background(), patient)
	if sess == nil || len(sess.ChatHistory) == 0 {
		t.Fatal("session not stored")
	}
	first := sess.ChatHistory[0]
	if first.Role != models.RoleUser {
		t.Fatalf("first entry role = %s, want user", first.Role)
	}
	if n := utf8.RuneCountInString(first.Content); n != memory.MaxContentLength {
		t.Errorf("stored user content has %d runes, want %d", n, memory.MaxContentLength)
	}
}

func TestBotRecordsButtonLabel(t *testing.T) {
	b, st := newTestBot(t)

	send(t, b, "hola", "")
	reply := send(t, b, "", "CONTACT_METHOD")
	if reply.CurrentNodeID != "CONTACT_METHOD" {
		t.Fatalf("expected CONTACT_METHOD, got %s", reply.CurrentNodeID)
	}

	sess, _ := st.GetSession(context.Background(), patient)
	var last string
	for _, m := range sess.ChatHistory {
		if m.Role == models.RoleUser {
			last = m.Content
		}
	}
	if last != "👨‍💻 Atencion personal" {
		t.Errorf("transcript recorded %q, want the button label", last)
	}
}
