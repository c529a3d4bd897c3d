package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/perzivalh/perzivalh-os-sub001/internal/memory"
	"github.com/perzivalh/perzivalh-os-sub001/internal/messaging"
	"github.com/perzivalh/perzivalh-os-sub001/internal/metrics"
	"github.com/perzivalh/perzivalh-os-sub001/internal/models"
)

// Handoff action names used by the bundled flows.
const (
	ActionHandoffCall    = "atencion_personalizada_llamada"
	ActionHandoffMessage = "atencion_personalizada_mensaje"
	ActionHandoffAI      = "atencion_personalizada_ia"
)

// HandoffActions lists the actions that pass a conversation to a human.
var HandoffActions = []string{ActionHandoffCall, ActionHandoffMessage, ActionHandoffAI}

// ActionEvent is an action node reached by a session.
type ActionEvent struct {
	Session *models.Session
	Action  string
	NodeID  string
}

// ActionHandler runs a named action. It may mutate the session, which is
// persisted after the handler returns.
type ActionHandler func(ctx context.Context, ev ActionEvent) error

// ActionDispatcher maps action names to handlers.
type ActionDispatcher struct {
	mu       sync.RWMutex
	handlers map[string]ActionHandler
}

// NewActionDispatcher creates an empty dispatcher.
func NewActionDispatcher() *ActionDispatcher {
	return &ActionDispatcher{handlers: make(map[string]ActionHandler)}
}

// NewDefaultActionDispatcher registers the handoff handler for every
// handoff action. notifier and operator may be empty to skip notifications.
func NewDefaultActionDispatcher(notifier messaging.Sender, operator string, mem *memory.Memory) *ActionDispatcher {
	d := NewActionDispatcher()
	h := HandoffHandler(notifier, operator, mem)
	for _, name := range HandoffActions {
		d.Register(name, h)
	}
	return d
}

// Register installs the handler for an action, replacing any previous one.
func (d *ActionDispatcher) Register(action string, h ActionHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[action] = h
	slog.Debug("ActionDispatcher registered handler", "action", action)
}

// IsRegistered reports whether action has a handler.
func (d *ActionDispatcher) IsRegistered(action string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[action]
	return ok
}

// ListRegistered returns the registered action names, sorted.
func (d *ActionDispatcher) ListRegistered() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs the handler for ev.Action. Unknown actions are logged and
// leave the session as the interpreter left it.
func (d *ActionDispatcher) Dispatch(ctx context.Context, ev ActionEvent) error {
	metrics.ActionsDispatchedTotal.WithLabelValues(ev.Action).Inc()

	d.mu.RLock()
	h, ok := d.handlers[ev.Action]
	d.mu.RUnlock()
	if !ok {
		slog.Warn("ActionDispatcher: no handler for action", "action", ev.Action, "node", ev.NodeID)
		return nil
	}
	if err := h(ctx, ev); err != nil {
		return fmt.Errorf("action %s: %w", ev.Action, err)
	}
	return nil
}

// HandoffHandler marks the session as owned by a human and, when an
// operator number is set, notifies the operator. A failed notification is
// logged; the handoff still stands.
func HandoffHandler(notifier messaging.Sender, operator string, mem *memory.Memory) ActionHandler {
	if mem == nil {
		mem = memory.Default
	}
	return func(ctx context.Context, ev ActionEvent) error {
		s := ev.Session
		s.Status = models.SessionStatusHandoff
		s.HandoffAction = ev.Action
		slog.Info("Handoff requested", "conversationID", s.ConversationID, "action", ev.Action)

		if notifier == nil || operator == "" {
			return nil
		}
		if err := notifier.SendMessage(ctx, operator, operatorNotice(s, ev.Action, mem.Summary(s))); err != nil {
			slog.Error("Handoff operator notification failed", "error", err, "conversationID", s.ConversationID)
		}
		return nil
	}
}

func operatorNotice(s *models.Session, action string, sum memory.Summary) string {
	var sb strings.Builder
	sb.WriteString("🔔 Paciente solicita atención personal\n")
	fmt.Fprintf(&sb, "Número: +%s\n", s.ConversationID)
	fmt.Fprintf(&sb, "Solicitud: %s\n", handoffLabel(action))
	if sum.LastUserMessage != "" {
		fmt.Fprintf(&sb, "Último mensaje: %s\n", sum.LastUserMessage)
	}
	if len(sum.ServicesDiscussed) > 0 {
		fmt.Fprintf(&sb, "Servicios consultados: %s\n", strings.Join(sum.ServicesDiscussed, ", "))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func handoffLabel(action string) string {
	switch action {
	case ActionHandoffCall:
		return "llamada"
	case ActionHandoffMessage:
		return "mensaje"
	case ActionHandoffAI:
		return "derivado por el asistente"
	}
	return action
}
