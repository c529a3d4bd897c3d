package flow

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/perzivalh/perzivalh-os-sub001/internal/models"
	"github.com/perzivalh/perzivalh-os-sub001/internal/util"
)

// ValidationError collects every configuration problem of one flow.
type ValidationError struct {
	FlowID   string
	Problems []error
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		msgs[i] = p.Error()
	}
	return fmt.Sprintf("invalid flow %q: %s", e.FlowID, strings.Join(msgs, "; "))
}

// Unwrap exposes the individual problems to errors.Is and errors.As.
func (e *ValidationError) Unwrap() []error { return e.Problems }

// Validate checks the structural invariants of a flow definition:
// unique node ids, a resolvable start node, next XOR buttons, resolvable
// targets, well-formed payloads and no auto-advance cycles.
func Validate(def models.FlowDefinition) error {
	var problems []error
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(def.ID) == "" {
		add("flow id is required")
	}

	index := make(map[string]*models.Node, len(def.Nodes))
	for i := range def.Nodes {
		n := &def.Nodes[i]
		if n.ID == "" {
			add("node #%d: id is required", i)
			continue
		}
		if _, dup := index[n.ID]; dup {
			add("node %q: duplicate id", n.ID)
			continue
		}
		index[n.ID] = n
	}

	if def.StartNodeID == "" {
		add("start_node_id is required")
	} else if _, ok := index[def.StartNodeID]; !ok {
		add("start_node_id %q: %w", def.StartNodeID, ErrUnknownNode)
	}

	for id, n := range index {
		if !models.IsValidNodeType(n.Type) {
			add("node %q: unsupported type %q", id, n.Type)
		}
		if n.Type == models.NodeTypeAction && strings.TrimSpace(n.Action) == "" {
			add("node %q: action node requires an action name", id)
		}
		if n.Type.IsMedia() && strings.TrimSpace(n.URL) == "" {
			add("node %q: %s node requires a url", id, n.Type)
		}
		if n.DelayMs < 0 {
			add("node %q: delayMs must not be negative", id)
		}

		hasNext := n.Next != ""
		switch {
		case hasNext && n.HasButtons():
			add("node %q: has both next and buttons", id)
		case n.IsTerminal() && (hasNext || n.HasButtons()):
			add("node %q: terminal node must not continue", id)
		case !hasNext && !n.HasButtons() && !n.IsTerminal():
			add("node %q: has neither next nor buttons and is not terminal", id)
		}

		if hasNext {
			if _, ok := index[n.Next]; !ok {
				add("node %q: next %q: %w", id, n.Next, ErrUnknownNode)
			}
		}

		seen := make(map[string]bool, len(n.Buttons))
		for bi, b := range n.Buttons {
			if strings.TrimSpace(b.Label) == "" {
				add("node %q: button #%d has no label", id, bi+1)
			} else {
				key := util.NormalizeText(b.Label)
				if key == "" {
					key = b.Label
				}
				if seen[key] {
					add("node %q: duplicate button label %q", id, b.Label)
				}
				seen[key] = true
			}
			if _, ok := index[b.Next]; !ok {
				add("node %q: button %q next %q: %w", id, b.Label, b.Next, ErrUnknownNode)
			}
		}
	}

	problems = append(problems, autoAdvanceCycles(index)...)

	if ai := def.AI; ai != nil {
		if ai.HandoffNodeID != "" {
			if _, ok := index[ai.HandoffNodeID]; !ok {
				add("ai.handoff_node_id %q: %w", ai.HandoffNodeID, ErrUnknownNode)
			}
		}
		if ai.ServicesNodeID != "" {
			if _, ok := index[ai.ServicesNodeID]; !ok {
				add("ai.services_node_id %q: %w", ai.ServicesNodeID, ErrUnknownNode)
			}
		}
		if ai.Enabled {
			if ai.Mode != models.RouterModeRouter {
				add("ai.mode %q: unsupported", ai.Mode)
			}
			if ai.MaxTurns < 1 {
				add("ai.max_turns must be at least 1")
			}
			if !ai.AllowFallback && ai.HandoffNodeID == "" {
				add("ai.handoff_node_id is required when allow_fallback is false")
			}
		}
	}

	if len(problems) == 0 {
		return nil
	}
	// map iteration order is random; keep reports stable
	slices.SortFunc(problems, func(a, b error) int { return strings.Compare(a.Error(), b.Error()) })
	return &ValidationError{FlowID: def.ID, Problems: problems}
}

// autoAdvanceCycles walks every next-only chain and reports chains that
// revisit a node before reaching a pause point.
func autoAdvanceCycles(index map[string]*models.Node) []error {
	var problems []error
	// 0 unvisited, 1 on current path, 2 known to terminate
	state := make(map[string]int, len(index))
	for start := range index {
		if state[start] != 0 {
			continue
		}
		var path []string
		id := start
		for {
			n, ok := index[id]
			if !ok || state[id] == 2 || n.Next == "" || n.HasButtons() || n.IsTerminal() {
				break
			}
			if state[id] == 1 {
				problems = append(problems, fmt.Errorf("node %q: auto-advance cycle through %s", id, strings.Join(path, " -> ")))
				break
			}
			state[id] = 1
			path = append(path, id)
			id = n.Next
		}
		for _, p := range path {
			state[p] = 2
		}
		state[start] = 2
	}
	return problems
}

// IsValidationError reports whether err carries flow validation problems.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
