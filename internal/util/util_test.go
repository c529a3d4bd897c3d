package util

import (
	"strings"
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"yes", false, true},
		{"OFF", true, false},
		{"sí", false, true},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("PODITO_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("PODITO_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestParseIntAndDurationEnv(t *testing.T) {
	t.Setenv("PODITO_TEST_INT", "42")
	if got := ParseIntEnv("PODITO_TEST_INT", 1); got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
	t.Setenv("PODITO_TEST_INT", "x")
	if got := ParseIntEnv("PODITO_TEST_INT", 7); got != 7 {
		t.Errorf("expected default 7, got %d", got)
	}

	t.Setenv("PODITO_TEST_DUR", "90m")
	if got := ParseDurationEnv("PODITO_TEST_DUR", time.Hour); got != 90*time.Minute {
		t.Errorf("expected 90m, got %v", got)
	}
	t.Setenv("PODITO_TEST_DUR", "-1h")
	if got := ParseDurationEnv("PODITO_TEST_DUR", time.Hour); got != time.Hour {
		t.Errorf("expected default for negative duration, got %v", got)
	}
}

func TestGetEnv(t *testing.T) {
	t.Setenv("PODITO_TEST_STR", "  ")
	if got := GetEnv("PODITO_TEST_STR", "fallback"); got != "fallback" {
		t.Errorf("expected fallback for blank value, got %q", got)
	}
	t.Setenv("PODITO_TEST_STR", " value ")
	if got := GetEnv("PODITO_TEST_STR", "fallback"); got != "value" {
		t.Errorf("expected trimmed value, got %q", got)
	}
}

func TestNormalizeText(t *testing.T) {
	tests := map[string]string{
		"👨‍💻 Atencion personal":   "atencion personal",
		"📞 Llamada":               "llamada",
		"  Ubicación  y HORARIOS": "ubicacion y horarios",
		"¡Uña encarnada!":         "una encarnada",
		"":                        "",
	}
	for in, want := range tests {
		if got := NormalizeText(in); got != want {
			t.Errorf("NormalizeText(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTruncateRunes(t *testing.T) {
	s := strings.Repeat("ñ", 10)
	if got := TruncateRunes(s, 4); got != "ññññ" {
		t.Errorf("expected 4 runes, got %q", got)
	}
	if got := TruncateRunes("abc", 10); got != "abc" {
		t.Errorf("short strings must be returned unchanged, got %q", got)
	}
}
