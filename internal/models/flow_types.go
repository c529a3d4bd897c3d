// Package models defines flow definition types shared by the loader, the interpreter and the API.
package models

// NodeType is the tag of a flow node.
type NodeType string

// Node types understood by the interpreter.
const (
	NodeTypeText   NodeType = "text"
	NodeTypeImage  NodeType = "image"
	NodeTypeVideo  NodeType = "video"
	NodeTypeAction NodeType = "action"
)

// IsValidNodeType checks if the given node type is supported.
func IsValidNodeType(t NodeType) bool {
	switch t {
	case NodeTypeText, NodeTypeImage, NodeTypeVideo, NodeTypeAction:
		return true
	default:
		return false
	}
}

// IsMedia reports whether the node type carries a media URL.
func (t NodeType) IsMedia() bool {
	return t == NodeTypeImage || t == NodeTypeVideo
}

// RouterMode names how the AI component participates in a flow.
type RouterMode string

// RouterModeRouter lets the AI intercept free text at button-gated nodes.
const RouterModeRouter RouterMode = "router"

// Button is a user choice at a button-gated node.
type Button struct {
	Label string `json:"label" yaml:"label"`
	Next  string `json:"next" yaml:"next"`
}

// Node is one step of a flow. A node has at most one of Next and Buttons;
// a node with neither must be Terminal (action nodes are always terminal).
type Node struct {
	ID       string   `json:"id" yaml:"id"`
	Type     NodeType `json:"type" yaml:"type"`
	Text     string   `json:"text,omitempty" yaml:"text,omitempty"`
	URL      string   `json:"url,omitempty" yaml:"url,omitempty"`
	Action   string   `json:"action,omitempty" yaml:"action,omitempty"`
	Next     string   `json:"next,omitempty" yaml:"next,omitempty"`
	Buttons  []Button `json:"buttons,omitempty" yaml:"buttons,omitempty"`
	Terminal bool     `json:"terminal,omitempty" yaml:"terminal,omitempty"`
	DelayMs  int      `json:"delayMs,omitempty" yaml:"delayMs,omitempty"`
}

// HasButtons reports whether the node waits for a user choice.
func (n *Node) HasButtons() bool {
	return len(n.Buttons) > 0
}

// IsTerminal reports whether reaching the node ends the scripted session.
func (n *Node) IsTerminal() bool {
	return n.Terminal || n.Type == NodeTypeAction
}

// AIConfig configures the optional AI router of a flow.
type AIConfig struct {
	Enabled        bool       `json:"enabled" yaml:"enabled"`
	Mode           RouterMode `json:"mode,omitempty" yaml:"mode,omitempty"`
	MaxTurns       int        `json:"max_turns,omitempty" yaml:"max_turns,omitempty"`
	AllowFallback  bool       `json:"allow_fallback" yaml:"allow_fallback"`
	HandoffNodeID  string     `json:"handoff_node_id,omitempty" yaml:"handoff_node_id,omitempty"`
	ServicesNodeID string     `json:"services_node_id,omitempty" yaml:"services_node_id,omitempty"`
}

// RouterEnabled reports whether free text may be handed to the AI router.
func (c *AIConfig) RouterEnabled() bool {
	return c != nil && c.Enabled && c.Mode == RouterModeRouter
}

// FlowDefinition is the on-disk description of a conversation script.
type FlowDefinition struct {
	ID               string    `json:"id" yaml:"id"`
	Name             string    `json:"name" yaml:"name"`
	Description      string    `json:"description,omitempty" yaml:"description,omitempty"`
	Version          string    `json:"version,omitempty" yaml:"version,omitempty"`
	Icon             string    `json:"icon,omitempty" yaml:"icon,omitempty"`
	Category         string    `json:"category,omitempty" yaml:"category,omitempty"`
	FlowName         string    `json:"flow_name,omitempty" yaml:"flow_name,omitempty"`
	CanvaDesignID    string    `json:"canva_design_id,omitempty" yaml:"canva_design_id,omitempty"`
	StartNodeID      string    `json:"start_node_id" yaml:"start_node_id"`
	Nodes            []Node    `json:"nodes" yaml:"nodes"`
	UseLegacyHandler bool      `json:"useLegacyHandler" yaml:"useLegacyHandler"`
	RequiresAI       bool      `json:"requires_ai,omitempty" yaml:"requires_ai,omitempty"`
	AI               *AIConfig `json:"ai,omitempty" yaml:"ai,omitempty"`
}

// FlowSummary is the listing view of a flow.
type FlowSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`
	Icon        string `json:"icon,omitempty"`
	Category    string `json:"category,omitempty"`
	NodeCount   int    `json:"node_count"`
	RequiresAI  bool   `json:"requires_ai"`
}
