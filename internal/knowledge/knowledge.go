// Package knowledge provides the clinic's static reference data (identity,
// locations, services, urgency keywords, bot persona) and the lookups the
// AI router builds its prompts from.
package knowledge

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/perzivalh/perzivalh-os-sub001/internal/util"
)

//go:embed podito.json
var embeddedKnowledge []byte

// ErrUnknownService is returned for slugs that are not in the knowledge base.
var ErrUnknownService = errors.New("unknown service")

// Clinic is the clinic identity.
type Clinic struct {
	Name        string `json:"nombre"`
	Description string `json:"descripcion"`
	Phone       string `json:"telefono,omitempty"`
	WhatsApp    string `json:"whatsapp,omitempty"`
	Website     string `json:"sitio_web,omitempty"`
}

// Location is one branch of the clinic.
type Location struct {
	Name    string   `json:"nombre"`
	Address string   `json:"direccion"`
	Hours   []string `json:"horarios"`
	MapsURL string   `json:"maps_url,omitempty"`
}

// Service describes one treatment.
type Service struct {
	Name        string   `json:"nombre"`
	Description string   `json:"descripcion"`
	Options     []string `json:"opciones"`
	PriceFrom   float64  `json:"precio_desde"`
	Currency    string   `json:"moneda"`
	Urgent      bool     `json:"urgente"`
	// NodeID is the flow node that presents the service, if any.
	NodeID   string   `json:"nodo,omitempty"`
	Keywords []string `json:"palabras_clave,omitempty"`
}

// Persona constrains how the bot talks.
type Persona struct {
	Name  string   `json:"nombre"`
	Tone  string   `json:"tono"`
	Rules []string `json:"reglas"`
}

// KnowledgeBase is read-only after Load.
type KnowledgeBase struct {
	Clinic          Clinic             `json:"clinica"`
	Locations       []Location         `json:"sucursales"`
	Services        map[string]Service `json:"servicios"`
	UrgencyKeywords []string           `json:"palabras_urgencia"`
	Persona         Persona            `json:"persona"`
}

// Load reads a knowledge base from path, or the embedded one when path is empty.
func Load(path string) (*KnowledgeBase, error) {
	data := embeddedKnowledge
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read knowledge file %s: %w", path, err)
		}
	}
	kb, err := Parse(data)
	if err != nil {
		return nil, err
	}
	slog.Debug("Knowledge base loaded", "path", path, "services", len(kb.Services), "locations", len(kb.Locations))
	return kb, nil
}

// Parse decodes and checks a knowledge base document.
func Parse(data []byte) (*KnowledgeBase, error) {
	var kb KnowledgeBase
	if err := json.Unmarshal(data, &kb); err != nil {
		return nil, fmt.Errorf("failed to decode knowledge base: %w", err)
	}
	if kb.Clinic.Name == "" {
		return nil, errors.New("knowledge base: clinica.nombre is required")
	}
	for slug, s := range kb.Services {
		if s.Name == "" {
			return nil, fmt.Errorf("knowledge base: service %q has no nombre", slug)
		}
	}
	if kb.Services == nil {
		kb.Services = map[string]Service{}
	}
	return &kb, nil
}

// MustDefault returns the embedded knowledge base and panics if it is malformed.
func MustDefault() *KnowledgeBase {
	kb, err := Load("")
	if err != nil {
		panic(err)
	}
	return kb
}

// Service looks up a service by slug.
func (kb *KnowledgeBase) Service(slug string) (Service, error) {
	s, ok := kb.Services[slug]
	if !ok {
		return Service{}, fmt.Errorf("%w: %s", ErrUnknownService, slug)
	}
	return s, nil
}

// ServiceSlugs returns all service slugs in sorted order.
func (kb *KnowledgeBase) ServiceSlugs() []string {
	slugs := make([]string, 0, len(kb.Services))
	for slug := range kb.Services {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	return slugs
}

// DetectUrgency reports whether text contains an urgency keyword, and which.
// Matching ignores case and accents.
func (kb *KnowledgeBase) DetectUrgency(text string) (bool, string) {
	folded := " " + util.NormalizeText(text) + " "
	for _, kw := range kb.UrgencyKeywords {
		if k := util.NormalizeText(kw); k != "" && strings.Contains(folded, " "+k+" ") {
			return true, kw
		}
	}
	return false, ""
}

// MatchServices returns the slugs of services whose name or keywords appear
// in text, best match first. Ties are broken by slug.
func (kb *KnowledgeBase) MatchServices(text string) []string {
	folded := " " + util.NormalizeText(text) + " "
	if strings.TrimSpace(folded) == "" {
		return nil
	}
	scores := make(map[string]int)
	for slug, s := range kb.Services {
		terms := append([]string{s.Name}, s.Keywords...)
		for _, term := range terms {
			t := util.NormalizeText(term)
			if t != "" && strings.Contains(folded, " "+t+" ") {
				// longer phrases are more specific
				scores[slug] += len(strings.Fields(t))
			}
		}
	}
	matched := make([]string, 0, len(scores))
	for slug := range scores {
		matched = append(matched, slug)
	}
	sort.Slice(matched, func(i, j int) bool {
		if scores[matched[i]] != scores[matched[j]] {
			return scores[matched[i]] > scores[matched[j]]
		}
		return matched[i] < matched[j]
	})
	return matched
}

// BuildSystemPrompt renders the knowledge base as the system prompt of the AI router.
func (kb *KnowledgeBase) BuildSystemPrompt() string {
	var sb strings.Builder

	name := kb.Persona.Name
	if name == "" {
		name = "el asistente"
	}
	sb.WriteString(fmt.Sprintf("Eres %s, el asistente virtual de %s.\n", name, kb.Clinic.Name))
	if kb.Clinic.Description != "" {
		sb.WriteString(kb.Clinic.Description + "\n")
	}
	if kb.Persona.Tone != "" {
		sb.WriteString(fmt.Sprintf("Tono: %s.\n", kb.Persona.Tone))
	}
	sb.WriteString("\n")

	if len(kb.Locations) > 0 {
		sb.WriteString("=== SUCURSALES Y HORARIOS ===\n")
		for _, loc := range kb.Locations {
			sb.WriteString(fmt.Sprintf("- %s: %s. %s\n", loc.Name, loc.Address, strings.Join(loc.Hours, "; ")))
		}
		sb.WriteString("\n")
	}

	if len(kb.Services) > 0 {
		sb.WriteString("=== SERVICIOS ===\n")
		for _, slug := range kb.ServiceSlugs() {
			s := kb.Services[slug]
			sb.WriteString(fmt.Sprintf("- [%s] %s: %s", slug, s.Name, s.Description))
			if len(s.Options) > 0 {
				sb.WriteString(fmt.Sprintf(" Opciones: %s.", strings.Join(s.Options, ", ")))
			}
			if s.PriceFrom > 0 {
				sb.WriteString(fmt.Sprintf(" Desde %.0f %s.", s.PriceFrom, s.Currency))
			}
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	if kb.Clinic.Phone != "" {
		sb.WriteString(fmt.Sprintf("Teléfono de la clínica: %s\n\n", kb.Clinic.Phone))
	}

	sb.WriteString("Reglas:\n")
	for _, r := range kb.Persona.Rules {
		sb.WriteString("- " + r + "\n")
	}
	sb.WriteString("- Si no puedes responder con esta información, deriva a un especialista.\n")

	return sb.String()
}
