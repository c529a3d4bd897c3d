// Package flow loads, validates and interprets scripted conversation flows.
//
// A flow is a directed graph of nodes. Each node either auto-advances through
// next, pauses on buttons, or ends the session (terminal and action nodes).
// Graphs are validated once by Compile; the interpreter assumes a valid graph.
package flow

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/perzivalh/perzivalh-os-sub001/internal/models"
)

// Sentinel errors returned by the interpreter and the registry.
var (
	ErrUnknownNode      = errors.New("unknown node")
	ErrNotAwaitingInput = errors.New("current node is not waiting for input")
	ErrAutoAdvanceLoop  = errors.New("auto-advance exceeded node count")
	ErrUnknownFlow      = errors.New("unknown flow")
	ErrDuplicateFlow    = errors.New("duplicate flow id")
)

// Graph is a validated, indexed flow definition. It is immutable and safe for
// concurrent use.
type Graph struct {
	def   models.FlowDefinition
	nodes map[string]*models.Node
}

// Compile validates def and indexes its nodes. Every problem found is
// reported in the returned *ValidationError.
func Compile(def models.FlowDefinition) (*Graph, error) {
	if err := Validate(def); err != nil {
		slog.Debug("flow Compile: validation failed", "flowID", def.ID, "error", err)
		return nil, err
	}
	g := &Graph{def: def, nodes: make(map[string]*models.Node, len(def.Nodes))}
	for i := range g.def.Nodes {
		n := &g.def.Nodes[i]
		g.nodes[n.ID] = n
	}
	slog.Debug("flow Compile: compiled", "flowID", def.ID, "nodes", len(g.nodes))
	return g, nil
}

// MustCompile is like Compile but panics on error. It is meant for embedded
// definitions and tests.
func MustCompile(def models.FlowDefinition) *Graph {
	g, err := Compile(def)
	if err != nil {
		panic(fmt.Sprintf("flow %q: %v", def.ID, err))
	}
	return g
}

// ID returns the flow id.
func (g *Graph) ID() string { return g.def.ID }

// Definition returns a copy of the underlying definition.
func (g *Graph) Definition() models.FlowDefinition {
	def := g.def
	def.Nodes = append([]models.Node(nil), g.def.Nodes...)
	return def
}

// AI returns the router configuration, or nil when the flow has none.
func (g *Graph) AI() *models.AIConfig { return g.def.AI }

// StartNodeID returns the entry node id.
func (g *Graph) StartNodeID() string { return g.def.StartNodeID }

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Node looks up a node by id.
func (g *Graph) Node(id string) (*models.Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Summary returns the listing view of the flow.
func (g *Graph) Summary() models.FlowSummary {
	return models.FlowSummary{
		ID:          g.def.ID,
		Name:        g.def.Name,
		Description: g.def.Description,
		Version:     g.def.Version,
		Icon:        g.def.Icon,
		Category:    g.def.Category,
		NodeCount:   len(g.nodes),
		RequiresAI:  g.def.RequiresAI || g.def.AI.RouterEnabled(),
	}
}
