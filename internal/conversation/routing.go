package conversation

import (
	"context"
	"log/slog"

	"github.com/perzivalh/perzivalh-os-sub001/internal/flow"
	"github.com/perzivalh/perzivalh-os-sub001/internal/memory"
	"github.com/perzivalh/perzivalh-os-sub001/internal/metrics"
	"github.com/perzivalh/perzivalh-os-sub001/internal/models"
	"github.com/perzivalh/perzivalh-os-sub001/internal/router"
)

// DefaultHandoffText is sent when the router hands off without a reply.
const DefaultHandoffText = "Te comunico con un especialista de nuestro equipo 👨‍⚕️"

// route handles unmatched free text at a button node of a router-enabled
// flow. Urgency, exhausted turns, clarify loops and router failures without
// fallback all end in a handoff.
func (b *Bot) route(ctx context.Context, graph *flow.Graph, sess *models.Session, node *models.Node, text string) (*Reply, error) {
	ai := graph.AI()

	if b.kb != nil {
		if urgent, kw := b.kb.DetectUrgency(text); urgent {
			slog.Info("Bot route: urgency detected", "conversationID", sess.ConversationID, "keyword", kw)
			return b.handoff(ctx, graph, sess, &router.Decision{Kind: router.DecisionHandoff, Reason: "urgency keyword: " + kw})
		}
	}
	if ai.MaxTurns > 0 && sess.AITurns >= ai.MaxTurns {
		slog.Info("Bot route: router turns exhausted", "conversationID", sess.ConversationID, "turns", sess.AITurns)
		return b.handoff(ctx, graph, sess, &router.Decision{Kind: router.DecisionHandoff, Reason: "max_turns reached"})
	}

	rctx, cancel := context.WithTimeout(ctx, b.routerTimeout)
	d, err := b.router.Route(rctx, router.Request{Session: sess, Text: text})
	cancel()
	if err != nil {
		slog.Error("Bot route: router failed", "error", err, "conversationID", sess.ConversationID, "allowFallback", ai.AllowFallback)
		metrics.RouterDecisionsTotal.WithLabelValues("error").Inc()
		if ai.AllowFallback {
			return b.reprompt(node, b.unmatchedHint), nil
		}
		return b.handoff(ctx, graph, sess, &router.Decision{Kind: router.DecisionHandoff, Reason: "router error"})
	}

	sess.AITurns++
	b.mem.TrackAIAction(sess, string(d.Kind))
	metrics.RouterDecisionsTotal.WithLabelValues(string(d.Kind)).Inc()
	slog.Debug("Bot route: decision", "conversationID", sess.ConversationID, "kind", d.Kind, "services", d.Services)

	switch d.Kind {
	case router.DecisionHandoff:
		return b.handoff(ctx, graph, sess, &d)
	case router.DecisionServices:
		for _, slug := range d.Services {
			sess.AddServiceDiscussed(slug)
		}
		if target := b.servicesTarget(graph, d.Services); target != "" {
			turn, err := graph.Jump(sess, target)
			if err != nil {
				return nil, err
			}
			reply, err := b.finish(ctx, sess, turn, OutcomeRouted, replyText(node.ID, d.Reply))
			if err != nil {
				return nil, err
			}
			reply.Decision = &d
			return reply, nil
		}
	case router.DecisionClarify:
		if b.mem.IsLooping(sess, memory.ClarifyAction) {
			slog.Info("Bot route: clarify loop detected", "conversationID", sess.ConversationID)
			return b.handoff(ctx, graph, sess, &d)
		}
	}

	// answer, clarify and services without a target stay on the current node
	msg := flow.Render(node)
	if d.Reply != "" {
		msg.Kind = models.NodeTypeText
		msg.URL = ""
		msg.Text = d.Reply
		msg.Delay = 0
	}
	return &Reply{Outcome: OutcomeRouted, Messages: []models.OutboundMessage{msg}, Decision: &d}, nil
}

// servicesTarget picks the node presenting the first service that the flow
// knows, falling back to the flow's services node.
func (b *Bot) servicesTarget(graph *flow.Graph, slugs []string) string {
	if b.kb != nil {
		for _, slug := range slugs {
			svc, err := b.kb.Service(slug)
			if err != nil || svc.NodeID == "" {
				continue
			}
			if _, ok := graph.Node(svc.NodeID); ok {
				return svc.NodeID
			}
		}
	}
	if id := graph.AI().ServicesNodeID; id != "" {
		if _, ok := graph.Node(id); ok {
			return id
		}
	}
	return ""
}

// handoff jumps to the flow's handoff node. Flows without one dispatch the
// AI handoff action directly.
func (b *Bot) handoff(ctx context.Context, graph *flow.Graph, sess *models.Session, d *router.Decision) (*Reply, error) {
	text := d.Reply
	if text == "" {
		text = DefaultHandoffText
	}
	prefix := replyText(sess.CurrentNodeID, text)

	if target := graph.AI().HandoffNodeID; target != "" {
		turn, err := graph.Jump(sess, target)
		if err != nil {
			return nil, err
		}
		reply, err := b.finish(ctx, sess, turn, OutcomeRouted, prefix)
		if err != nil {
			return nil, err
		}
		reply.Decision = d
		return reply, nil
	}

	sess.Status = models.SessionStatusEnded
	if err := b.actions.Dispatch(ctx, ActionEvent{Session: sess, Action: ActionHandoffAI, NodeID: sess.CurrentNodeID}); err != nil {
		return nil, err
	}
	return &Reply{Outcome: OutcomeRouted, Messages: prefix, Action: ActionHandoffAI, Decision: d}, nil
}

func replyText(nodeID, text string) []models.OutboundMessage {
	if text == "" {
		return nil
	}
	return []models.OutboundMessage{{Kind: models.NodeTypeText, NodeID: nodeID, Text: text}}
}
