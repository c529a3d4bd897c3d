// Package conversation runs one bot turn per inbound message: load the
// session, interpret the flow, update memory, dispatch actions and persist.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/perzivalh/perzivalh-os-sub001/internal/flow"
	"github.com/perzivalh/perzivalh-os-sub001/internal/knowledge"
	"github.com/perzivalh/perzivalh-os-sub001/internal/memory"
	"github.com/perzivalh/perzivalh-os-sub001/internal/messaging"
	"github.com/perzivalh/perzivalh-os-sub001/internal/metrics"
	"github.com/perzivalh/perzivalh-os-sub001/internal/models"
	"github.com/perzivalh/perzivalh-os-sub001/internal/router"
	"github.com/perzivalh/perzivalh-os-sub001/internal/store"
)

const (
	// DefaultUnmatchedHint precedes the re-prompt when input matches no button.
	DefaultUnmatchedHint = "No reconocí esa opción 🙏 Por favor elige una de las opciones:"
	// DefaultRouterTimeout bounds a single router call.
	DefaultRouterTimeout = 25 * time.Second
)

// Turn outcomes, used as the metrics label.
const (
	OutcomeStarted   = "started"
	OutcomeAdvanced  = "advanced"
	OutcomeUnmatched = "unmatched"
	OutcomeRouted    = "routed"
	OutcomeRecorded  = "recorded"
)

// ErrSessionNotFound is returned by session operations on unknown conversations.
var ErrSessionNotFound = errors.New("session not found")

// Reply is the result of one turn.
type Reply struct {
	ConversationID string                   `json:"conversation_id"`
	FlowID         string                   `json:"flow_id"`
	Outcome        string                   `json:"outcome"`
	Messages       []models.OutboundMessage `json:"messages"`
	CurrentNodeID  string                   `json:"current_node_id"`
	Status         models.SessionStatus     `json:"status"`
	Action         string                   `json:"action,omitempty"`
	Decision       *router.Decision         `json:"decision,omitempty"`
}

// Option configures a Bot.
type Option func(*Bot)

// WithRouter enables AI routing for flows whose ai config asks for it.
func WithRouter(r router.Router) Option {
	return func(b *Bot) { b.router = r }
}

// WithRouterTimeout bounds each router call.
func WithRouterTimeout(d time.Duration) Option {
	return func(b *Bot) { b.routerTimeout = d }
}

// WithMemory sets the conversation memory limits.
func WithMemory(m *memory.Memory) Option {
	return func(b *Bot) { b.mem = m }
}

// WithKnowledge sets the knowledge base used for urgency and service lookups.
func WithKnowledge(kb *knowledge.KnowledgeBase) Option {
	return func(b *Bot) { b.kb = kb }
}

// WithActions sets the action dispatcher.
func WithActions(d *ActionDispatcher) Option {
	return func(b *Bot) { b.actions = d }
}

// WithSender sets the transport used by HandleInbound.
func WithSender(s messaging.Sender) Option {
	return func(b *Bot) { b.sender = s }
}

// WithUnmatchedHint overrides DefaultUnmatchedHint.
func WithUnmatchedHint(text string) Option {
	return func(b *Bot) { b.unmatchedHint = text }
}

// Bot handles inbound messages for every conversation.
type Bot struct {
	flows         *flow.Registry
	store         store.Store
	mem           *memory.Memory
	kb            *knowledge.KnowledgeBase
	router        router.Router
	routerTimeout time.Duration
	actions       *ActionDispatcher
	sender        messaging.Sender
	unmatchedHint string
	locks         *keyedMutex
}

// NewBot creates a bot over a flow registry and a session store.
func NewBot(flows *flow.Registry, st store.Store, opts ...Option) *Bot {
	b := &Bot{
		flows:         flows,
		store:         st,
		mem:           memory.Default,
		routerTimeout: DefaultRouterTimeout,
		unmatchedHint: DefaultUnmatchedHint,
		locks:         newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.actions == nil {
		b.actions = NewDefaultActionDispatcher(nil, "", b.mem)
	}
	return b
}

// HandleMessage runs one turn for msg.From. Turns of the same conversation
// are serialized.
func (b *Bot) HandleMessage(ctx context.Context, msg models.InboundMessage) (*Reply, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	msg.Clamp()
	unlock := b.locks.Lock(msg.From)
	defer unlock()

	sess, err := b.store.GetSession(ctx, msg.From)
	if err != nil {
		return nil, fmt.Errorf("Bot HandleMessage: load session: %w", err)
	}
	isNew := sess == nil
	if isNew {
		sess = models.NewSession(msg.From, b.flows.DefaultID())
	}

	b.mem.AddMessage(sess, models.RoleUser, b.inputText(sess, msg))

	reply, err := b.turn(ctx, sess, msg, isNew)
	if err != nil {
		return nil, err
	}
	for _, m := range reply.Messages {
		if m.Text != "" {
			b.mem.AddMessage(sess, models.RoleBot, m.Text)
		}
	}

	if err := b.store.SaveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("Bot HandleMessage: save session: %w", err)
	}
	reply.ConversationID = sess.ConversationID
	reply.FlowID = sess.FlowID
	reply.CurrentNodeID = sess.CurrentNodeID
	reply.Status = sess.Status
	if reply.Messages == nil {
		reply.Messages = []models.OutboundMessage{}
	}

	metrics.TurnsTotal.WithLabelValues(sess.FlowID, reply.Outcome).Inc()
	slog.Debug("Bot HandleMessage: turn complete", "conversationID", sess.ConversationID,
		"outcome", reply.Outcome, "node", sess.CurrentNodeID, "status", sess.Status, "messages", len(reply.Messages))
	return reply, nil
}

// HandleInbound runs a turn and delivers the reply through the configured
// sender. It is the messaging.ResponseAction of the transport.
func (b *Bot) HandleInbound(ctx context.Context, msg models.InboundMessage) error {
	reply, err := b.HandleMessage(ctx, msg)
	if err != nil {
		return err
	}
	if b.sender == nil || len(reply.Messages) == 0 {
		return nil
	}
	return messaging.Deliver(ctx, b.sender, reply.ConversationID, reply.Messages)
}

// inputText is what the transcript shows for msg: the typed text, or the
// label of the button an interactive reply selected.
func (b *Bot) inputText(sess *models.Session, msg models.InboundMessage) string {
	if msg.Body != "" {
		return msg.Body
	}
	if graph, err := b.flows.Get(sess.FlowID); err == nil {
		if node, ok := graph.Node(sess.CurrentNodeID); ok && node.HasButtons() {
			if btn, ok := flow.MatchButton(node, flow.Input{ButtonID: msg.ButtonID}); ok {
				return btn.Label
			}
		}
	}
	return msg.ButtonID
}

func (b *Bot) turn(ctx context.Context, sess *models.Session, msg models.InboundMessage, isNew bool) (*Reply, error) {
	if sess.Status == models.SessionStatusHandoff {
		slog.Debug("Bot: session in handoff, recording message only", "conversationID", sess.ConversationID)
		return &Reply{Outcome: OutcomeRecorded}, nil
	}

	graph, err := b.flows.Get(sess.FlowID)
	if errors.Is(err, flow.ErrUnknownFlow) {
		slog.Warn("Bot: session flow no longer registered, restarting on default", "conversationID", sess.ConversationID, "flowID", sess.FlowID)
		graph, err = b.flows.Default()
		isNew = true
	}
	if err != nil {
		return nil, err
	}

	node, ok := graph.Node(sess.CurrentNodeID)
	if isNew || sess.Status == models.SessionStatusEnded || !ok || !node.HasButtons() {
		return b.start(ctx, graph, sess)
	}

	turn, err := graph.Advance(sess, flow.Input{Text: msg.Body, ButtonID: msg.ButtonID})
	if err != nil {
		return nil, err
	}
	if !turn.Unmatched {
		return b.finish(ctx, sess, turn, OutcomeAdvanced, nil)
	}

	metrics.UnmatchedInputsTotal.WithLabelValues(graph.ID(), node.ID).Inc()
	if graph.AI().RouterEnabled() && b.router != nil && msg.Body != "" {
		return b.route(ctx, graph, sess, node, msg.Body)
	}
	return b.reprompt(node, b.unmatchedHint), nil
}

func (b *Bot) start(ctx context.Context, graph *flow.Graph, sess *models.Session) (*Reply, error) {
	sess.AITurns = 0
	sess.AIActions = []string{}
	sess.HandoffAction = ""
	turn, err := graph.Start(sess)
	if err != nil {
		return nil, err
	}
	metrics.SessionsStartedTotal.WithLabelValues(graph.ID()).Inc()
	slog.Info("Bot: flow started", "conversationID", sess.ConversationID, "flowID", graph.ID())
	return b.finish(ctx, sess, turn, OutcomeStarted, nil)
}

// finish renders a turn and dispatches its action.
func (b *Bot) finish(ctx context.Context, sess *models.Session, turn *flow.Turn, outcome string, prefix []models.OutboundMessage) (*Reply, error) {
	reply := &Reply{
		Outcome:  outcome,
		Messages: append(prefix, flow.RenderTurn(turn)...),
		Action:   turn.Action,
	}
	if turn.Action != "" {
		err := b.actions.Dispatch(ctx, ActionEvent{Session: sess, Action: turn.Action, NodeID: turn.Current})
		if err != nil {
			return nil, err
		}
	}
	return reply, nil
}

func (b *Bot) reprompt(node *models.Node, hint string) *Reply {
	msgs := []models.OutboundMessage{}
	if hint != "" {
		msgs = append(msgs, models.OutboundMessage{Kind: models.NodeTypeText, NodeID: node.ID, Text: hint})
	}
	msgs = append(msgs, flow.Render(node))
	return &Reply{Outcome: OutcomeUnmatched, Messages: msgs}
}

// Session returns a copy of the stored session.
func (b *Bot) Session(ctx context.Context, conversationID string) (*models.Session, error) {
	sess, err := b.store.GetSession(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Summary returns the memory digest of a conversation.
func (b *Bot) Summary(ctx context.Context, conversationID string) (memory.Summary, error) {
	sess, err := b.Session(ctx, conversationID)
	if err != nil {
		return memory.Summary{}, err
	}
	return b.mem.Summary(sess), nil
}

// Reset deletes a conversation; its next message starts the default flow.
func (b *Bot) Reset(ctx context.Context, conversationID string) error {
	unlock := b.locks.Lock(conversationID)
	defer unlock()
	return b.store.DeleteSession(ctx, conversationID)
}

// Release returns a handed-off conversation to the bot. The next message
// restarts the session's flow with its memory intact.
func (b *Bot) Release(ctx context.Context, conversationID string) (*models.Session, error) {
	unlock := b.locks.Lock(conversationID)
	defer unlock()
	sess, err := b.store.GetSession(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	sess.Status = models.SessionStatusEnded
	if err := b.store.SaveSession(ctx, sess); err != nil {
		return nil, err
	}
	slog.Info("Bot: conversation released from handoff", "conversationID", conversationID)
	return sess, nil
}

// StartFlow (re)starts a conversation on a specific flow and returns the
// opening messages.
func (b *Bot) StartFlow(ctx context.Context, conversationID, flowID string) (*Reply, error) {
	graph, err := b.flows.Get(flowID)
	if err != nil {
		return nil, err
	}
	unlock := b.locks.Lock(conversationID)
	defer unlock()

	sess, err := b.store.GetSession(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		sess = models.NewSession(conversationID, flowID)
	}
	reply, err := b.start(ctx, graph, sess)
	if err != nil {
		return nil, err
	}
	for _, m := range reply.Messages {
		if m.Text != "" {
			b.mem.AddMessage(sess, models.RoleBot, m.Text)
		}
	}
	if err := b.store.SaveSession(ctx, sess); err != nil {
		return nil, err
	}
	reply.ConversationID = conversationID
	reply.FlowID = sess.FlowID
	reply.CurrentNodeID = sess.CurrentNodeID
	reply.Status = sess.Status
	return reply, nil
}

// ListSessions returns every stored session, most recently updated first.
func (b *Bot) ListSessions(ctx context.Context) ([]*models.Session, error) {
	sessions, err := b.store.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt) })
	return sessions, nil
}
