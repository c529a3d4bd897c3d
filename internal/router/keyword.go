package router

import (
	"context"
	"fmt"
	"strings"

	"github.com/perzivalh/perzivalh-os-sub001/internal/knowledge"
)

// KeywordRouter routes with knowledge base keywords only. It is used when no
// language model is configured.
type KeywordRouter struct {
	kb *knowledge.KnowledgeBase
}

// NewKeywordRouter creates a KeywordRouter.
func NewKeywordRouter(kb *knowledge.KnowledgeBase) *KeywordRouter {
	return &KeywordRouter{kb: kb}
}

// Route implements Router.
func (r *KeywordRouter) Route(ctx context.Context, req Request) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	if urgent, kw := r.kb.DetectUrgency(req.Text); urgent {
		return Decision{Kind: DecisionHandoff, Reason: "urgency keyword: " + kw}, nil
	}
	slugs := r.kb.MatchServices(req.Text)
	if len(slugs) == 0 {
		return Decision{
			Kind:  DecisionClarify,
			Reply: "No estoy seguro de haberte entendido 🤔 ¿Me cuentas un poco más sobre la molestia en tus pies?",
		}, nil
	}
	names := make([]string, 0, len(slugs))
	for _, slug := range slugs {
		s, _ := r.kb.Service(slug)
		names = append(names, s.Name)
	}
	return Decision{
		Kind:     DecisionServices,
		Reply:    fmt.Sprintf("Te puedo ayudar con: %s 🦶", strings.Join(names, ", ")),
		Services: slugs,
	}, nil
}
