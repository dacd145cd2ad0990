package curator

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tdeslauriers/carapace/pkg/diagnostics"
	"github.com/tdeslauriers/muse/internal/util"
	"github.com/tdeslauriers/muse/pkg/analysis"
	"github.com/tdeslauriers/muse/pkg/batch"
	"github.com/tdeslauriers/muse/pkg/chat"
	"github.com/tdeslauriers/muse/pkg/config"
	"github.com/tdeslauriers/muse/pkg/duplicate"
	"github.com/tdeslauriers/muse/pkg/host"
	"github.com/tdeslauriers/muse/pkg/llm"
	"github.com/tdeslauriers/muse/pkg/normalize"
	"github.com/tdeslauriers/muse/pkg/search"
	"github.com/tdeslauriers/muse/pkg/store"
)

// Config is the environment-sourced service configuration.  Runtime-tunable
// settings live in the config store; this covers only what must exist before
// the service can start.
type Config struct {
	Port         string
	DataDir      string
	PhotoHostUrl string
	PhotoHostKey string
	PhotoHostSec string
	LlmBaseUrl   string
	LlmApiKey    string
	FieldSecret  []byte
}

// LoadConfig reads the service configuration from the environment.  The llm
// api key may instead live (encrypted) in the config store, so its absence
// here is not fatal.
func LoadConfig() (*Config, error) {

	cfg := &Config{
		Port:         envOr("MUSE_PORT", "8080"),
		DataDir:      envOr("MUSE_DATA_DIR", "./data"),
		PhotoHostUrl: os.Getenv("MUSE_PHOTO_HOST_URL"),
		PhotoHostKey: os.Getenv("MUSE_PHOTO_HOST_API_KEY"),
		PhotoHostSec: os.Getenv("MUSE_PHOTO_HOST_API_SECRET"),
		LlmBaseUrl:   os.Getenv("MUSE_LLM_BASE_URL"),
		LlmApiKey:    os.Getenv("MUSE_LLM_API_KEY"),
	}

	if cfg.PhotoHostUrl == "" {
		return nil, fmt.Errorf("MUSE_PHOTO_HOST_URL is required")
	}

	if cfg.PhotoHostKey == "" {
		return nil, fmt.Errorf("MUSE_PHOTO_HOST_API_KEY is required")
	}

	// field level encryption key for secrets stored in the config document
	if secret := os.Getenv("MUSE_FIELD_SECRET"); secret != "" {
		key, err := base64.StdEncoding.DecodeString(secret)
		if err != nil {
			return nil, fmt.Errorf("failed to decode field level encryption secret: %v", err)
		}
		cfg.FieldSecret = key
	}

	return cfg, nil
}

// envOr reads an environment variable with a fallback.
func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// Curator is the interface for the engine that runs this service.
type Curator interface {

	// Run starts the curator service and blocks until shutdown.
	Run() error

	// Shutdown stops the service, persisting indices before exit.
	Shutdown(ctx context.Context) error
}

// New creates a new Curator service instance, returning a pointer to the
// concrete implementation.
func New(cfg *Config) (Curator, error) {

	// persistent record store
	records := store.New(cfg.DataDir)
	if err := records.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize record store: %v", err)
	}

	// runtime config document lives next to the records
	settings, err := config.NewStore(cfg.DataDir, cfg.FieldSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to load runtime config: %v", err)
	}
	views := config.NewViews(settings)

	// the environment wins over a key stored in the config document
	llmApiKey := cfg.LlmApiKey
	if llmApiKey == "" {
		llmApiKey = settings.GetString("providers.openai.api_key", "")
	}
	if llmApiKey == "" {
		return nil, fmt.Errorf("an llm api key is required: set MUSE_LLM_API_KEY or providers.openai.api_key")
	}

	// photo host client
	photos, err := host.NewClient(host.Config{
		BaseUrl:   strings.TrimRight(cfg.PhotoHostUrl, "/"),
		ApiKey:    cfg.PhotoHostKey,
		ApiSecret: cfg.PhotoHostSec,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create photo host client: %v", err)
	}

	// vision model client
	vision, err := llm.NewClient(llm.Config{
		BaseUrl: cfg.LlmBaseUrl,
		ApiKey:  llmApiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create llm client: %v", err)
	}

	// enrichment pipeline
	analyzer := analysis.NewService(vision, normalize.NewNormalizer())
	processor := batch.NewProcessor(photos, analyzer, records)

	manager, err := batch.NewManager(photos, processor, records, views)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch manager: %v", err)
	}

	// rate limit changes reach live batches through the shared limiter
	settings.OnChange(func(path string) {
		if strings.HasPrefix(path, "processing.") {
			current := views.BatchSettings()
			if err := manager.ApplyRateConfig(current.RequestsPerMinute, current.MaxConcurrentBatches); err != nil {
				slog.Default().Error(fmt.Sprintf("failed to apply rate config change '%s': %v", path, err))
			}
		}
	})

	// search and conversation
	engine := search.NewEngine(records)
	verifier := search.NewVerifier(vision)
	bridge := chat.NewBridge(vision, engine, records, views)

	// admin tooling
	duplicates := duplicate.NewService(records)

	return &curator{
		config:     cfg,
		records:    records,
		settings:   settings,
		views:      views,
		manager:    manager,
		analyzer:   analyzer,
		engine:     engine,
		verifier:   verifier,
		bridge:     bridge,
		duplicates: duplicates,

		logger: slog.Default().
			With(slog.String(util.ServiceKey, util.ServiceCurator)).
			With(slog.String(util.PackageKey, util.PackageCurator)).
			With(slog.String(util.ComponentKey, util.ComponentCurator)),
	}, nil
}

var _ Curator = (*curator)(nil)

// curator is the concrete implementation of the Curator interface.
type curator struct {
	config     *Config
	records    store.Store
	settings   config.Store
	views      *config.Views
	manager    batch.Manager
	analyzer   analysis.Service
	engine     search.Engine
	verifier   search.Verifier
	bridge     chat.Bridge
	duplicates duplicate.Service

	server     *http.Server
	flushDone  chan struct{}
	flushClose chan struct{}

	logger *slog.Logger
}

// Run is the concrete implementation of the interface method which starts the
// curator service and blocks until the server exits.
func (c *curator) Run() error {

	// register handlers
	mux := http.NewServeMux()
	mux.HandleFunc("/health", diagnostics.HealthCheckHandler)

	// single-image analysis handler
	analyze := analysis.NewHandler(c.analyzer, c.views)
	mux.HandleFunc("/api/analyze", analyze.HandleAnalyze)

	// batch lifecycle handlers
	batches := batch.NewHandler(c.manager)
	mux.HandleFunc("/api/batch/start", batches.HandleStart)
	mux.HandleFunc("/api/batch/status", batches.HandleStatus)
	mux.HandleFunc("/api/batch/status/", batches.HandleStatus)   // trailing slash is so batch ids can be appended to the path
	mux.HandleFunc("/api/batch/details/", batches.HandleDetails) // trailing slash is so batch ids can be appended to the path
	mux.HandleFunc("/api/batch/pause", batches.HandlePause)
	mux.HandleFunc("/api/batch/resume", batches.HandleResume)
	mux.HandleFunc("/api/batch/cancel", batches.HandleCancel)
	mux.HandleFunc("/api/batch/retry", batches.HandleRetry)

	// search handlers
	searches := search.NewHandler(c.engine, c.verifier, c.records, c.views)
	mux.HandleFunc("/api/search", searches.HandleSearch)
	mux.HandleFunc("/api/images", searches.HandleImages)

	// conversational handlers
	chats := chat.NewHandler(c.bridge)
	mux.HandleFunc("/api/chat", chats.HandleChat)
	mux.HandleFunc("/api/chat/load-more", chats.HandleLoadMore)

	// runtime config handler
	configs := config.NewHandler(c.settings)
	mux.HandleFunc("/api/config", configs.HandleConfig)

	// duplicate admin handlers
	admin := duplicate.NewHandler(c.duplicates)
	mux.HandleFunc("/api/admin/duplicates/detect", admin.HandleAnalyze)
	mux.HandleFunc("/api/admin/duplicates/cleanup", admin.HandleCleanup)
	mux.HandleFunc("/api/admin/duplicates/validate", admin.HandleValidate)
	mux.HandleFunc("/api/admin/duplicates/rollback", admin.HandleRollback)
	mux.HandleFunc("/api/admin/duplicates/utility", admin.HandleReports)
	mux.HandleFunc("/api/admin/duplicates/backups", admin.HandleBackups)

	// service status handlers
	status := NewStatusHandler(c.records, c.manager)
	mux.HandleFunc("/api/status", status.HandleStatus)
	mux.HandleFunc("/api/data/count", status.HandleCount)

	// periodic index flush so a crash loses at most one interval
	c.flushClose = make(chan struct{})
	c.flushDone = make(chan struct{})
	go c.flushLoop()

	c.server = &http.Server{
		Addr:    ":" + c.config.Port,
		Handler: mux,
	}

	c.logger.Info(fmt.Sprintf("starting %s service on port %s", util.ServiceCurator, c.config.Port))

	if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to run %s service: %v", util.ServiceCurator, err)
	}

	return nil
}

// Shutdown is the concrete implementation of the interface method which stops
// the service, persisting indices before exit.
func (c *curator) Shutdown(ctx context.Context) error {

	c.logger.Info(fmt.Sprintf("shutting down %s service", util.ServiceCurator))

	// stop accepting work before persisting
	c.manager.Stop()

	if c.server != nil {
		if err := c.server.Shutdown(ctx); err != nil {
			c.logger.Error(fmt.Sprintf("http server shutdown failed: %v", err))
		}
	}

	if c.flushClose != nil {
		close(c.flushClose)
		select {
		case <-c.flushDone:
		case <-ctx.Done():
		}
	}

	if err := c.records.PersistIndex(); err != nil {
		return fmt.Errorf("failed to persist indices on shutdown: %v", err)
	}

	return nil
}

// flushLoop persists the in-memory indices on an interval.
func (c *curator) flushLoop() {

	defer close(c.flushDone)

	ticker := time.NewTicker(util.IndexFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.records.PersistIndex(); err != nil {
				c.logger.Error(fmt.Sprintf("periodic index flush failed: %v", err))
			}
		case <-c.flushClose:
			return
		}
	}
}
