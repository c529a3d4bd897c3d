// Package recovery repairs persisted sessions at startup so that a restart
// with changed flow definitions never leaves a conversation stuck on a node
// that no longer exists.
package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/perzivalh/perzivalh-os-sub001/internal/flow"
	"github.com/perzivalh/perzivalh-os-sub001/internal/models"
	"github.com/perzivalh/perzivalh-os-sub001/internal/store"
)

// Repair reasons reported per session.
const (
	ReasonUnknownFlow = "unknown_flow"
	ReasonUnknownNode = "unknown_node"
	ReasonNotWaiting  = "node_not_waiting"
)

// Repair describes one session that was changed.
type Repair struct {
	ConversationID string `json:"conversation_id"`
	FlowID         string `json:"flow_id"`
	NodeID         string `json:"node_id"`
	Reason         string `json:"reason"`
}

// Report summarizes a recovery pass.
type Report struct {
	Scanned  int      `json:"scanned"`
	Repaired []Repair `json:"repaired"`
	Failed   int      `json:"failed"`
}

// Recoverer checks stored sessions against the loaded flows.
type Recoverer struct {
	store store.Store
	flows *flow.Registry
}

// NewRecoverer creates a recoverer.
func NewRecoverer(st store.Store, flows *flow.Registry) *Recoverer {
	return &Recoverer{store: st, flows: flows}
}

// Run scans every session. Sessions on a flow that is gone move to the
// default flow; sessions paused on a missing or non-button node are ended so
// their next message restarts the flow. Handoff sessions keep their status.
func (r *Recoverer) Run(ctx context.Context) (Report, error) {
	sessions, err := r.store.ListSessions(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("recovery: list sessions: %w", err)
	}
	report := Report{Scanned: len(sessions), Repaired: []Repair{}}
	for _, sess := range sessions {
		reason := r.check(sess)
		if reason == "" {
			continue
		}
		repair := Repair{ConversationID: sess.ConversationID, FlowID: sess.FlowID, NodeID: sess.CurrentNodeID, Reason: reason}
		if reason == ReasonUnknownFlow {
			sess.FlowID = r.flows.DefaultID()
			sess.CurrentNodeID = ""
		}
		if sess.Status != models.SessionStatusHandoff {
			sess.Status = models.SessionStatusEnded
		}
		if err := r.store.SaveSession(ctx, sess); err != nil {
			slog.Error("recovery: failed to save repaired session", "conversationID", sess.ConversationID, "error", err)
			report.Failed++
			continue
		}
		slog.Warn("recovery: session repaired", "conversationID", sess.ConversationID, "reason", reason, "flow", repair.FlowID, "node", repair.NodeID)
		report.Repaired = append(report.Repaired, repair)
	}
	slog.Info("recovery: session scan complete", "scanned", report.Scanned, "repaired", len(report.Repaired), "failed", report.Failed)
	return report, nil
}

func (r *Recoverer) check(sess *models.Session) string {
	graph, err := r.flows.Get(sess.FlowID)
	if err != nil {
		return ReasonUnknownFlow
	}
	if sess.Status != models.SessionStatusAwaitingInput || sess.CurrentNodeID == "" {
		return ""
	}
	node, ok := graph.Node(sess.CurrentNodeID)
	if !ok {
		return ReasonUnknownNode
	}
	if !node.HasButtons() {
		return ReasonNotWaiting
	}
	return ""
}
