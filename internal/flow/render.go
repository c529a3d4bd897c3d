package flow

import (
	"fmt"
	"strings"
	"time"

	"github.com/perzivalh/perzivalh-os-sub001/internal/models"
)

// ButtonOptionFormat is the format of one numbered choice in plain-text menus.
const ButtonOptionFormat = "\n%d. %s"

// Render converts a node into a transport-neutral outbound message.
func Render(n *models.Node) models.OutboundMessage {
	msg := models.OutboundMessage{
		Kind:   n.Type,
		NodeID: n.ID,
		Text:   n.Text,
		URL:    n.URL,
		Delay:  time.Duration(n.DelayMs) * time.Millisecond,
	}
	if n.Type == models.NodeTypeAction {
		// actions are rendered as their confirmation text, if any
		msg.Kind = models.NodeTypeText
	}
	for _, b := range n.Buttons {
		msg.Buttons = append(msg.Buttons, b.Label)
	}
	return msg
}

// RenderTurn renders every node of a turn, skipping action nodes without text.
func RenderTurn(t *Turn) []models.OutboundMessage {
	if t == nil {
		return nil
	}
	out := make([]models.OutboundMessage, 0, len(t.Nodes))
	for _, n := range t.Nodes {
		if n.Type == models.NodeTypeAction && strings.TrimSpace(n.Text) == "" {
			continue
		}
		out = append(out, Render(n))
	}
	return out
}

// FormatButtons appends a numbered list of choices to text, for transports
// without native reply buttons.
func FormatButtons(text string, labels []string) string {
	if len(labels) == 0 {
		return text
	}
	var sb strings.Builder
	sb.WriteString(text)
	if text != "" {
		sb.WriteString("\n")
	}
	for i, l := range labels {
		fmt.Fprintf(&sb, ButtonOptionFormat, i+1, l)
	}
	return sb.String()
}
