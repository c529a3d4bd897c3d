// Package router decides what to do with free text that a scripted flow
// could not match: answer it, ask for clarification, point to services, or
// hand the conversation to a human.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/perzivalh/perzivalh-os-sub001/internal/genai"
	"github.com/perzivalh/perzivalh-os-sub001/internal/knowledge"
	"github.com/perzivalh/perzivalh-os-sub001/internal/memory"
	"github.com/perzivalh/perzivalh-os-sub001/internal/models"
)

// DecisionKind is the routing outcome.
type DecisionKind string

const (
	DecisionAnswer   DecisionKind = "answer"
	DecisionClarify  DecisionKind = "clarify"
	DecisionServices DecisionKind = "services"
	DecisionHandoff  DecisionKind = "handoff"
)

// IsValid reports whether k is a known decision kind.
func (k DecisionKind) IsValid() bool {
	switch k {
	case DecisionAnswer, DecisionClarify, DecisionServices, DecisionHandoff:
		return true
	}
	return false
}

// ErrEmptyReply is returned when the model produced nothing usable.
var ErrEmptyReply = errors.New("router produced an empty reply")

// Decision is what the router wants the conversation to do next.
type Decision struct {
	Kind     DecisionKind `json:"action"`
	Reply    string       `json:"reply,omitempty"`
	Services []string     `json:"services,omitempty"`
	Reason   string       `json:"reason,omitempty"`
}

// Request is the context handed to a router.
type Request struct {
	Session *models.Session
	Text    string
}

// Router routes unmatched free text.
type Router interface {
	Route(ctx context.Context, req Request) (Decision, error)
}

const routingInstructions = `
=== CÓMO RESPONDER ===
Recibirás el historial de la conversación y el último mensaje del paciente.
Responde SOLO con un objeto JSON, sin texto adicional, con esta forma:
{"action": "answer|clarify|services|handoff", "reply": "mensaje para el paciente", "services": ["slug"], "reason": "motivo breve"}
- "answer": puedes responder con la información disponible.
- "clarify": el mensaje es ambiguo; pide un dato concreto en "reply".
- "services": el paciente pregunta por servicios; indica los slugs en "services".
- "handoff": necesita un especialista humano, hay urgencia o no puedes responder.
`

// GenAIRouter asks a language model for a routing decision grounded on the
// clinic knowledge base.
type GenAIRouter struct {
	client genai.ClientInterface
	kb     *knowledge.KnowledgeBase
	mem    *memory.Memory
	system string
}

// NewGenAIRouter creates a router. mem may be nil to use the default limits.
func NewGenAIRouter(client genai.ClientInterface, kb *knowledge.KnowledgeBase, mem *memory.Memory) *GenAIRouter {
	if mem == nil {
		mem = memory.Default
	}
	return &GenAIRouter{
		client: client,
		kb:     kb,
		mem:    mem,
		system: kb.BuildSystemPrompt() + routingInstructions,
	}
}

// Route implements Router.
func (r *GenAIRouter) Route(ctx context.Context, req Request) (Decision, error) {
	userPrompt := r.buildUserPrompt(req)
	raw, err := r.client.GeneratePromptWithContext(ctx, r.system, userPrompt)
	if err != nil {
		return Decision{}, fmt.Errorf("router completion failed: %w", err)
	}
	d, err := ParseDecision(raw)
	if err != nil {
		return Decision{}, err
	}
	d.Services = r.knownServices(d.Services)
	if d.Kind == DecisionServices && len(d.Services) == 0 {
		d.Services = r.kb.MatchServices(req.Text)
	}
	slog.Debug("GenAIRouter Route", "kind", d.Kind, "services", d.Services, "reason", d.Reason)
	return d, nil
}

func (r *GenAIRouter) buildUserPrompt(req Request) string {
	var sb strings.Builder
	sb.WriteString("Historial:\n")
	sb.WriteString(r.mem.HistoryForAI(req.Session))
	sb.WriteString("\n\n")

	sum := r.mem.Summary(req.Session)
	if len(sum.ServicesDiscussed) > 0 {
		sb.WriteString("Servicios ya conversados: " + strings.Join(sum.ServicesDiscussed, ", ") + "\n")
	}
	if sum.ClarifyCount > 0 {
		sb.WriteString(fmt.Sprintf("Aclaraciones pedidas hasta ahora: %d\n", sum.ClarifyCount))
	}
	if hints := r.kb.MatchServices(req.Text); len(hints) > 0 {
		sb.WriteString("Servicios posiblemente relacionados: " + strings.Join(hints, ", ") + "\n")
	}
	sb.WriteString("\nMensaje del paciente: " + req.Text)
	return sb.String()
}

func (r *GenAIRouter) knownServices(slugs []string) []string {
	var out []string
	for _, s := range slugs {
		if _, err := r.kb.Service(s); err == nil {
			out = append(out, s)
		}
	}
	return out
}

// ParseDecision extracts a decision from a model reply. Replies that are not
// JSON are treated as a plain answer.
func ParseDecision(raw string) (Decision, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return Decision{}, ErrEmptyReply
	}

	start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return Decision{Kind: DecisionAnswer, Reply: text}, nil
	}

	var d Decision
	if err := json.Unmarshal([]byte(text[start:end+1]), &d); err != nil {
		slog.Debug("ParseDecision: reply is not valid JSON, treating as answer", "error", err)
		return Decision{Kind: DecisionAnswer, Reply: text}, nil
	}
	d.Kind = DecisionKind(strings.ToLower(strings.TrimSpace(string(d.Kind))))
	d.Reply = strings.TrimSpace(d.Reply)
	if !d.Kind.IsValid() {
		d.Kind = DecisionAnswer
	}
	if d.Reply == "" && (d.Kind == DecisionAnswer || d.Kind == DecisionClarify) {
		return Decision{}, ErrEmptyReply
	}
	return d, nil
}
