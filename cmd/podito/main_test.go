package main

import (
	"context"
	"flag"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/perzivalh/perzivalh-os-sub001/internal/knowledge"
	"github.com/perzivalh/perzivalh-os-sub001/internal/memory"
	"github.com/perzivalh/perzivalh-os-sub001/internal/models"
	"github.com/perzivalh/perzivalh-os-sub001/internal/router"
	"github.com/perzivalh/perzivalh-os-sub001/internal/scheduler"
	"github.com/perzivalh/perzivalh-os-sub001/internal/store"
)

func clearEnv(t *testing.T) {
	for _, key := range []string{
		"LOG_LEVEL", "PODITO_STATE_DIR", "DATABASE_URL", "WHATSAPP_DB_DSN", "MESSAGING_PROVIDER",
		"OPENAI_API_KEY", "OPENAI_MODEL", "API_ADDR", "FLOWS_DIR", "DEFAULT_FLOW", "KNOWLEDGE_FILE",
		"OPERATOR_NUMBER", "SESSION_RETENTION", "SESSION_SWEEP_CRON", "GENAI_DEBUG",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadEnvironmentConfigDefaults(t *testing.T) {
	clearEnv(t)
	config := loadEnvironmentConfig()

	if config.StateDir != DefaultStateDir {
		t.Errorf("Expected default state dir %q, got %q", DefaultStateDir, config.StateDir)
	}
	if config.Provider != ProviderWhatsApp {
		t.Errorf("Expected whatsapp provider, got %q", config.Provider)
	}
	if config.DefaultFlow != "botpoditov2" {
		t.Errorf("Expected default flow botpoditov2, got %q", config.DefaultFlow)
	}
	if config.SessionRetention != scheduler.DefaultSweepRetention || config.SweepCron != scheduler.DefaultSweepCron {
		t.Errorf("unexpected sweeper defaults %v %q", config.SessionRetention, config.SweepCron)
	}
}

func TestLoadEnvironmentConfigOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PODITO_STATE_DIR", "/tmp/podito")
	t.Setenv("MESSAGING_PROVIDER", "Twilio")
	t.Setenv("SESSION_RETENTION", "48h")
	t.Setenv("DEFAULT_FLOW", "botpoditov3")

	config := loadEnvironmentConfig()
	if config.StateDir != "/tmp/podito" || config.Provider != ProviderTwilio {
		t.Errorf("unexpected config %+v", config)
	}
	if config.SessionRetention != 48*time.Hour || config.DefaultFlow != "botpoditov3" {
		t.Errorf("unexpected config %+v", config)
	}
}

func TestParseCommandLineFlagsDerivesDSNs(t *testing.T) {
	clearEnv(t)
	config := loadEnvironmentConfig()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	flags := parseCommandLineFlags(fs, []string{"-state-dir", "/srv/podito", "-provider", "none"}, config)

	if *flags.dbDSN != filepath.Join("/srv/podito", DefaultAppDBFileName) {
		t.Errorf("unexpected db DSN %q", *flags.dbDSN)
	}
	if want := "file:" + filepath.Join("/srv/podito", DefaultWhatsAppDBFileName) + "?_foreign_keys=on"; *flags.waDSN != want {
		t.Errorf("expected whatsapp DSN %q, got %q", want, *flags.waDSN)
	}
	if *flags.provider != ProviderNone {
		t.Errorf("provider flag not applied: %q", *flags.provider)
	}
}

func TestBuildStoreOptions(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"postgres://u:p@localhost/db", store.DSNTypePostgres},
		{"redis://localhost:6379/0", store.DSNTypeRedis},
		{"/var/lib/podito/podito.db", store.DSNTypeSQLite},
	}
	for _, tt := range tests {
		retention := time.Hour
		flags := Flags{dbDSN: &tt.dsn, retention: &retention}
		opts := buildStoreOptions(flags)
		var cfg store.Opts
		for _, opt := range opts {
			opt(&cfg)
		}
		if cfg.DSN != tt.dsn {
			t.Errorf("%s: DSN not passed through, got %q", tt.want, cfg.DSN)
		}
		if tt.want == store.DSNTypeRedis && cfg.RedisTTL != retention {
			t.Errorf("redis TTL should follow retention, got %v", cfg.RedisTTL)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":      slog.LevelDebug,
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range tests {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestBuildRouterWithoutKeyUsesKeywords(t *testing.T) {
	empty := ""
	flags := Flags{openaiKey: &empty}
	rt, err := buildRouter(flags, Config{}, knowledge.MustDefault(), memory.New())
	if err != nil {
		t.Fatalf("buildRouter: %v", err)
	}
	if _, ok := rt.(*router.KeywordRouter); !ok {
		t.Errorf("expected keyword router, got %T", rt)
	}
}

func TestBuildMessagingUnknownProvider(t *testing.T) {
	provider := "carrier-pigeon"
	if _, err := buildMessaging(context.Background(), Flags{provider: &provider}, Config{}); err == nil {
		t.Error("expected an error for an unknown provider")
	}
	provider = ProviderNone
	setup, err := buildMessaging(context.Background(), Flags{provider: &provider}, Config{})
	if err != nil || setup.service != nil {
		t.Errorf("none provider should have no service: %+v, %v", setup, err)
	}
}

func TestConsumeReceiptsStopsOnClose(t *testing.T) {
	ch := make(chan models.Receipt, 2)
	ch <- models.Receipt{To: "59170000000", Status: models.StatusTypeDelivered}
	close(ch)
	done := make(chan struct{})
	go func() {
		consumeReceipts(context.Background(), ch)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumeReceipts did not return after the channel closed")
	}
}
