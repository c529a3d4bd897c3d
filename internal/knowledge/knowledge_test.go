package knowledge

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadEmbedded(t *testing.T) {
	kb, err := Load("")
	if err != nil {
		t.Fatalf("embedded knowledge base failed to load: %v", err)
	}
	if kb.Clinic.Name == "" || len(kb.Locations) != 2 || len(kb.Services) != 6 {
		t.Fatalf("unexpected knowledge base: clinic=%q locations=%d services=%d", kb.Clinic.Name, len(kb.Locations), len(kb.Services))
	}
	s, err := kb.Service("una_encarnada")
	if err != nil {
		t.Fatalf("expected una_encarnada: %v", err)
	}
	if s.Name != "Uña encarnada" || !s.Urgent || s.Currency != "Bs" || s.PriceFrom <= 0 || len(s.Options) == 0 {
		t.Errorf("unexpected service: %+v", s)
	}
	if _, err := kb.Service("tatuajes"); !errors.Is(err, ErrUnknownService) {
		t.Errorf("expected ErrUnknownService, got %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kb.json")
	doc := `{"clinica":{"nombre":"Demo"},"servicios":{"x":{"nombre":"X","precio_desde":10,"moneda":"Bs"}}}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	kb, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if kb.Clinic.Name != "Demo" || len(kb.ServiceSlugs()) != 1 {
		t.Errorf("unexpected knowledge base: %+v", kb)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestParseRejectsIncompleteDocuments(t *testing.T) {
	tests := map[string]string{
		"not json":        `{`,
		"no clinic name":  `{"clinica":{}}`,
		"unnamed service": `{"clinica":{"nombre":"A"},"servicios":{"x":{}}}`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(doc)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestDetectUrgency(t *testing.T) {
	kb := MustDefault()
	tests := []struct {
		text string
		want bool
	}{
		{"Mi uña SANGRA desde ayer", true},
		{"creo que tengo una infeccion", true},
		{"tengo mucho dolor al caminar", true},
		{"quisiera saber el precio", false},
		{"", false},
		{"pusieron mal la plantilla", false},
	}
	for _, tt := range tests {
		got, kw := kb.DetectUrgency(tt.text)
		if got != tt.want {
			t.Errorf("DetectUrgency(%q) = %v (%q), want %v", tt.text, got, kw, tt.want)
		}
	}
}

func TestMatchServices(t *testing.T) {
	kb := MustDefault()
	got := kb.MatchServices("Hola, tengo una uña encarnada y me salió un callo")
	if len(got) != 2 {
		t.Fatalf("expected two services, got %v", got)
	}
	if got[0] != "una_encarnada" {
		t.Errorf("expected una_encarnada first, got %v", got)
	}
	if got[1] != "callos_durezas" {
		t.Errorf("expected callos_durezas second, got %v", got)
	}
	if got := kb.MatchServices("¿tienen estacionamiento?"); len(got) != 0 {
		t.Errorf("expected no match, got %v", got)
	}
	if got := kb.MatchServices("  "); got != nil {
		t.Errorf("expected nil for blank text, got %v", got)
	}
}

func TestBuildSystemPrompt(t *testing.T) {
	kb := MustDefault()
	prompt := kb.BuildSystemPrompt()
	for _, want := range []string{
		"Eres Podito",
		kb.Clinic.Name,
		"=== SUCURSALES Y HORARIOS ===",
		"Sucursal Centro",
		"=== SERVICIOS ===",
		"[una_encarnada] Uña encarnada",
		"Desde 150 Bs.",
		"Reglas:",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
}
