package flow

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/perzivalh/perzivalh-os-sub001/internal/models"
	"github.com/perzivalh/perzivalh-os-sub001/internal/util"
)

// Input is one user event at a button-gated node. ButtonID is set by
// transports with interactive replies; Text carries whatever the user typed.
type Input struct {
	Text     string
	ButtonID string
}

// Turn is the outcome of one interpreter step.
type Turn struct {
	// Nodes are the nodes rendered during the step, in order.
	Nodes []*models.Node
	// Current is the node the session rests on after the step.
	Current string
	// Awaiting is true when the step paused on a button node.
	Awaiting bool
	// Ended is true when the step reached a terminal or action node.
	Ended bool
	// Action is the dispatched action name, if an action node was reached.
	Action string
	// Unmatched is true when the input matched no button; nothing was rendered.
	Unmatched bool
}

// Start puts the session on the start node and cascades from there.
func (g *Graph) Start(s *models.Session) (*Turn, error) {
	s.FlowID = g.def.ID
	slog.Debug("flow Start", "flowID", g.def.ID, "conversationID", s.ConversationID)
	return g.cascade(s, g.def.StartNodeID)
}

// Advance applies user input at the session's current node. Input that
// matches no button yields an Unmatched turn and leaves the session unchanged.
func (g *Graph) Advance(s *models.Session, in Input) (*Turn, error) {
	node, ok := g.nodes[s.CurrentNodeID]
	if !ok {
		return nil, fmt.Errorf("advance from %q: %w", s.CurrentNodeID, ErrUnknownNode)
	}
	if !node.HasButtons() {
		return nil, fmt.Errorf("advance from %q: %w", node.ID, ErrNotAwaitingInput)
	}

	b, ok := MatchButton(node, in)
	if !ok {
		slog.Debug("flow Advance: unmatched input", "flowID", g.def.ID, "node", node.ID, "text", in.Text, "buttonID", in.ButtonID)
		return &Turn{Current: node.ID, Awaiting: true, Unmatched: true}, nil
	}
	slog.Debug("flow Advance: matched button", "flowID", g.def.ID, "node", node.ID, "label", b.Label, "next", b.Next)
	return g.cascade(s, b.Next)
}

// Jump cascades from an arbitrary node, e.g. a target chosen by the AI router.
func (g *Graph) Jump(s *models.Session, nodeID string) (*Turn, error) {
	if _, ok := g.nodes[nodeID]; !ok {
		return nil, fmt.Errorf("jump to %q: %w", nodeID, ErrUnknownNode)
	}
	slog.Debug("flow Jump", "flowID", g.def.ID, "from", s.CurrentNodeID, "to", nodeID)
	return g.cascade(s, nodeID)
}

// cascade renders from id, following next edges until a pause point.
func (g *Graph) cascade(s *models.Session, id string) (*Turn, error) {
	turn := &Turn{}
	for hops := 0; hops <= len(g.nodes); hops++ {
		node, ok := g.nodes[id]
		if !ok {
			return nil, fmt.Errorf("cascade to %q: %w", id, ErrUnknownNode)
		}
		turn.Nodes = append(turn.Nodes, node)
		turn.Current = node.ID
		s.CurrentNodeID = node.ID
		s.UpdatedAt = time.Now()

		switch {
		case node.Type == models.NodeTypeAction:
			turn.Ended = true
			turn.Action = node.Action
			s.Status = models.SessionStatusEnded
			return turn, nil
		case node.Terminal:
			turn.Ended = true
			s.Status = models.SessionStatusEnded
			return turn, nil
		case node.HasButtons():
			turn.Awaiting = true
			s.Status = models.SessionStatusAwaitingInput
			return turn, nil
		case node.Next == "":
			return nil, fmt.Errorf("node %q: dead end", node.ID)
		}
		id = node.Next
	}
	return nil, fmt.Errorf("flow %q from %q: %w", g.def.ID, turn.Nodes[0].ID, ErrAutoAdvanceLoop)
}

// MatchButton resolves input against a node's buttons. It tries, in order:
// the button id (target node id or 1-based position) sent by interactive
// transports, the exact label, the normalized label, and a typed 1-based
// number.
func MatchButton(node *models.Node, in Input) (*models.Button, bool) {
	if node == nil || len(node.Buttons) == 0 {
		return nil, false
	}

	if id := strings.TrimSpace(in.ButtonID); id != "" {
		for i := range node.Buttons {
			if node.Buttons[i].Next == id {
				return &node.Buttons[i], true
			}
		}
		if b, ok := byPosition(node, id); ok {
			return b, true
		}
	}

	text := strings.TrimSpace(in.Text)
	if text == "" {
		return nil, false
	}
	for i := range node.Buttons {
		if node.Buttons[i].Label == text {
			return &node.Buttons[i], true
		}
	}
	if folded := util.NormalizeText(text); folded != "" {
		for i := range node.Buttons {
			if util.NormalizeText(node.Buttons[i].Label) == folded {
				return &node.Buttons[i], true
			}
		}
	}
	return byPosition(node, strings.TrimRight(text, ".)"))
}

func byPosition(node *models.Node, s string) (*models.Button, bool) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > len(node.Buttons) {
		return nil, false
	}
	return &node.Buttons[n-1], true
}
