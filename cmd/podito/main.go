// Command podito runs the clinic WhatsApp bot: the messaging transport, the
// flow engine, housekeeping jobs and the operator API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/perzivalh/perzivalh-os-sub001/internal/api"
	"github.com/perzivalh/perzivalh-os-sub001/internal/conversation"
	"github.com/perzivalh/perzivalh-os-sub001/internal/flow"
	"github.com/perzivalh/perzivalh-os-sub001/internal/genai"
	"github.com/perzivalh/perzivalh-os-sub001/internal/knowledge"
	"github.com/perzivalh/perzivalh-os-sub001/internal/lockfile"
	"github.com/perzivalh/perzivalh-os-sub001/internal/memory"
	"github.com/perzivalh/perzivalh-os-sub001/internal/messaging"
	"github.com/perzivalh/perzivalh-os-sub001/internal/metrics"
	"github.com/perzivalh/perzivalh-os-sub001/internal/models"
	"github.com/perzivalh/perzivalh-os-sub001/internal/recovery"
	"github.com/perzivalh/perzivalh-os-sub001/internal/router"
	"github.com/perzivalh/perzivalh-os-sub001/internal/scheduler"
	"github.com/perzivalh/perzivalh-os-sub001/internal/store"
	"github.com/perzivalh/perzivalh-os-sub001/internal/twiliowhatsapp"
	"github.com/perzivalh/perzivalh-os-sub001/internal/util"
	"github.com/perzivalh/perzivalh-os-sub001/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for bot state data
	DefaultStateDir = "/var/lib/podito"
	// DefaultWhatsAppDBFileName is the whatsmeow device store inside the state directory
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultAppDBFileName is the session database inside the state directory
	DefaultAppDBFileName = "podito.db"
)

// Messaging providers.
const (
	ProviderWhatsApp = "whatsapp"
	ProviderTwilio   = "twilio"
	ProviderNone     = "none"
)

// Config holds environment configuration.
type Config struct {
	LogLevel         string
	StateDir         string
	DatabaseURL      string
	WhatsAppDBDSN    string
	Provider         string
	TwilioSID        string
	TwilioToken      string
	TwilioFrom       string
	OpenAIKey        string
	OpenAIModel      string
	GenAIDebug       bool
	APIAddr          string
	FlowsDir         string
	DefaultFlow      string
	KnowledgeFile    string
	OperatorNumber   string
	SessionRetention time.Duration
	SweepCron        string
}

// Flags holds command line flag values.
type Flags struct {
	qrOutput       *string
	numeric        *bool
	stateDir       *string
	dbDSN          *string
	waDSN          *string
	provider       *string
	openaiKey      *string
	openaiModel    *string
	apiAddr        *string
	flowsDir       *string
	defaultFlow    *string
	knowledgeFile  *string
	operatorNumber *string
	retention      *time.Duration
	sweepCron      *string
}

func main() {
	_ = godotenv.Load()
	config := loadEnvironmentConfig()
	initializeLogger(config.LogLevel)

	flags := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, flags, config); err != nil {
		var lockErr *lockfile.LockError
		if errors.As(err, &lockErr) {
			slog.Error("Podito is already running", "error", err)
		} else {
			slog.Error("Podito failed to run", "error", err)
		}
		os.Exit(1)
	}
	slog.Info("Podito exited successfully")
}

// initializeLogger sets up structured logging; debug unless LOG_LEVEL says otherwise.
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// loadEnvironmentConfig reads configuration from the environment. .env has
// already been loaded by main.
func loadEnvironmentConfig() Config {
	config := Config{
		LogLevel:         os.Getenv("LOG_LEVEL"),
		StateDir:         util.GetEnv("PODITO_STATE_DIR", DefaultStateDir),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		WhatsAppDBDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		Provider:         strings.ToLower(util.GetEnv("MESSAGING_PROVIDER", ProviderWhatsApp)),
		TwilioSID:        os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:      os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM_NUMBER"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:      os.Getenv("OPENAI_MODEL"),
		GenAIDebug:       util.ParseBoolEnv("GENAI_DEBUG", false),
		APIAddr:          util.GetEnv("API_ADDR", api.DefaultAddr),
		FlowsDir:         os.Getenv("FLOWS_DIR"),
		DefaultFlow:      util.GetEnv("DEFAULT_FLOW", flow.DefaultFlowID),
		KnowledgeFile:    os.Getenv("KNOWLEDGE_FILE"),
		OperatorNumber:   os.Getenv("OPERATOR_NUMBER"),
		SessionRetention: util.ParseDurationEnv("SESSION_RETENTION", scheduler.DefaultSweepRetention),
		SweepCron:        util.GetEnv("SESSION_SWEEP_CRON", scheduler.DefaultSweepCron),
	}

	slog.Debug("environment variables loaded",
		"PODITO_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDBDSN != "",
		"MESSAGING_PROVIDER", config.Provider,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"DEFAULT_FLOW", config.DefaultFlow,
		"SESSION_RETENTION", config.SessionRetention)
	return config
}

// parseCommandLineFlags parses args with environment values as defaults.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) Flags {
	flags := Flags{
		qrOutput:       fs.String("qr-output", "", "path to write the WhatsApp login QR code"),
		numeric:        fs.Bool("numeric-code", false, "print the raw login code instead of a QR code"),
		stateDir:       fs.String("state-dir", config.StateDir, "state directory (overrides $PODITO_STATE_DIR)"),
		dbDSN:          fs.String("db-dsn", config.DatabaseURL, "session store DSN: postgres, redis or sqlite path (overrides $DATABASE_URL)"),
		waDSN:          fs.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "whatsmeow device store DSN (overrides $WHATSAPP_DB_DSN)"),
		provider:       fs.String("provider", config.Provider, "messaging provider: whatsapp, twilio or none (overrides $MESSAGING_PROVIDER)"),
		openaiKey:      fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiModel:    fs.String("openai-model", config.OpenAIModel, "OpenAI model (overrides $OPENAI_MODEL)"),
		apiAddr:        fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		flowsDir:       fs.String("flows-dir", config.FlowsDir, "directory of extra flow definitions (overrides $FLOWS_DIR)"),
		defaultFlow:    fs.String("default-flow", config.DefaultFlow, "flow for new conversations (overrides $DEFAULT_FLOW)"),
		knowledgeFile:  fs.String("knowledge-file", config.KnowledgeFile, "clinic knowledge base JSON (overrides $KNOWLEDGE_FILE)"),
		operatorNumber: fs.String("operator-number", config.OperatorNumber, "number notified on handoff (overrides $OPERATOR_NUMBER)"),
		retention:      fs.Duration("session-retention", config.SessionRetention, "delete sessions idle longer than this (overrides $SESSION_RETENTION)"),
		sweepCron:      fs.String("session-sweep-cron", config.SweepCron, "cron schedule of the session sweeper (overrides $SESSION_SWEEP_CRON)"),
	}
	if err := fs.Parse(args); err != nil {
		slog.Warn("flag parsing failed", "error", err)
	}

	// file-based stores follow the state directory unless given explicitly
	if *flags.dbDSN == "" {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultAppDBFileName)
	}
	if *flags.waDSN == "" {
		*flags.waDSN = "file:" + filepath.Join(*flags.stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSNType", store.DetectDSNType(*flags.dbDSN),
		"provider", *flags.provider,
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"defaultFlow", *flags.defaultFlow)
	return flags
}

// buildStoreOptions selects the session backend from the DSN.
func buildStoreOptions(flags Flags) []store.Option {
	dsn := *flags.dbDSN
	switch store.DetectDSNType(dsn) {
	case store.DSNTypePostgres:
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return []store.Option{store.WithPostgresDSN(dsn)}
	case store.DSNTypeRedis:
		slog.Debug("Detected Redis URL, configuring Redis store")
		return []store.Option{store.WithRedisURL(dsn), store.WithRedisTTL(*flags.retention)}
	default:
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
		return []store.Option{store.WithSQLiteDSN(dsn)}
	}
}

// buildWhatsAppOptions constructs WhatsApp configuration options.
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	waOpts := []whatsapp.Option{whatsapp.WithDBDSN(*flags.waDSN)}
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	return waOpts
}

// buildTwilioOptions passes explicit credentials; the client falls back to
// the TWILIO_* variables for anything left empty.
func buildTwilioOptions(config Config) []twiliowhatsapp.Option {
	var opts []twiliowhatsapp.Option
	if config.TwilioSID != "" {
		opts = append(opts, twiliowhatsapp.WithAccountSID(config.TwilioSID))
	}
	if config.TwilioToken != "" {
		opts = append(opts, twiliowhatsapp.WithAuthToken(config.TwilioToken))
	}
	if config.TwilioFrom != "" {
		opts = append(opts, twiliowhatsapp.WithFromWhats(config.TwilioFrom))
	}
	return opts
}

// buildGenAIOptions constructs GenAI configuration options.
func buildGenAIOptions(flags Flags, config Config) []genai.Option {
	opts := []genai.Option{genai.WithAPIKey(*flags.openaiKey)}
	if *flags.openaiModel != "" {
		opts = append(opts, genai.WithModel(*flags.openaiModel))
	}
	if config.GenAIDebug {
		opts = append(opts, genai.WithDebugMode(true, *flags.stateDir))
	}
	return opts
}

// buildRouter returns the OpenAI router when a key is configured and the
// keyword router otherwise.
func buildRouter(flags Flags, config Config, kb *knowledge.KnowledgeBase, mem *memory.Memory) (router.Router, error) {
	if *flags.openaiKey == "" {
		slog.Info("No OpenAI API key configured, using keyword router")
		return router.NewKeywordRouter(kb), nil
	}
	client, err := genai.NewClient(buildGenAIOptions(flags, config)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return router.NewGenAIRouter(client, kb, mem), nil
}

// messagingSetup is the started transport and its optional webhook.
type messagingSetup struct {
	service messaging.Service
	twilio  *messaging.TwilioService
	close   func()
}

func buildMessaging(ctx context.Context, flags Flags, config Config) (*messagingSetup, error) {
	switch *flags.provider {
	case ProviderWhatsApp:
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(flags)...)
		if err != nil {
			return nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		return &messagingSetup{service: messaging.NewWhatsAppService(client), close: client.Disconnect}, nil
	case ProviderTwilio:
		client, err := twiliowhatsapp.NewClient(buildTwilioOptions(config)...)
		if err != nil {
			return nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		svc := messaging.NewTwilioService(client)
		return &messagingSetup{service: svc, twilio: svc, close: func() {}}, nil
	case ProviderNone:
		slog.Warn("Messaging provider disabled; conversations are only reachable through the API")
		return &messagingSetup{close: func() {}}, nil
	default:
		return nil, fmt.Errorf("unknown messaging provider %q", *flags.provider)
	}
}

// consumeReceipts counts delivery receipts until the channel closes or ctx ends.
func consumeReceipts(ctx context.Context, receipts <-chan models.Receipt) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-receipts:
			if !ok {
				return
			}
			metrics.ReceiptsTotal.WithLabelValues(string(r.Status)).Inc()
			slog.Debug("delivery receipt", "to", r.To, "status", r.Status)
		}
	}
}

func run(ctx context.Context, flags Flags, config Config) error {
	lock, err := lockfile.Acquire(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := store.New(buildStoreOptions(flags)...)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer st.Close()

	flows, err := flow.LoadRegistry(*flags.flowsDir, flow.WithDefaultFlow(*flags.defaultFlow))
	if err != nil {
		return fmt.Errorf("failed to load flows: %w", err)
	}
	if _, err := recovery.NewRecoverer(st, flows).Run(ctx); err != nil {
		slog.Warn("Session recovery failed; continuing with stored sessions as they are", "error", err)
	}
	kb, err := knowledge.Load(*flags.knowledgeFile)
	if err != nil {
		return err
	}
	mem := memory.New()
	rt, err := buildRouter(flags, config, kb, mem)
	if err != nil {
		return err
	}

	msg, err := buildMessaging(ctx, flags, config)
	if err != nil {
		return err
	}
	defer msg.close()

	botOpts := []conversation.Option{
		conversation.WithRouter(rt),
		conversation.WithMemory(mem),
		conversation.WithKnowledge(kb),
	}
	var sender messaging.Sender
	if msg.service != nil {
		sender = msg.service
		botOpts = append(botOpts, conversation.WithSender(sender))
	}
	operator := ""
	if *flags.operatorNumber != "" {
		if operator, err = messaging.CanonicalizePhone(*flags.operatorNumber); err != nil {
			return fmt.Errorf("operator number: %w", err)
		}
	}
	botOpts = append(botOpts, conversation.WithActions(conversation.NewDefaultActionDispatcher(sender, operator, mem)))
	bot := conversation.NewBot(flows, st, botOpts...)

	var handler *messaging.ResponseHandler
	if msg.service != nil {
		if err := msg.service.Start(ctx); err != nil {
			return fmt.Errorf("failed to start messaging service: %w", err)
		}
		defer msg.service.Stop()
		handler = messaging.NewResponseHandler(msg.service, bot.HandleInbound)
		handler.Start(ctx)
		go consumeReceipts(ctx, msg.service.Receipts())
	}

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.ScheduleSweeper(*flags.sweepCron, scheduler.NewSessionSweeper(st, *flags.retention)); err != nil {
		return fmt.Errorf("failed to schedule session sweeper: %w", err)
	}

	apiOpts := []api.Option{api.WithAddr(*flags.apiAddr), api.WithKnowledge(kb)}
	if msg.twilio != nil {
		apiOpts = append(apiOpts, api.WithTwilioWebhook(msg.twilio.WebhookHandler))
	}
	slog.Info("Bootstrapping Podito", "provider", *flags.provider, "default_flow", flows.DefaultID(),
		"flows", len(flows.List()), "store", store.DetectDSNType(*flags.dbDSN))
	err = api.NewServer(bot, flows, apiOpts...).Run(ctx)

	if handler != nil {
		handler.Wait()
	}
	return err
}
