package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lodestone-search/lodestone/internal/analyzer"
	"github.com/lodestone-search/lodestone/internal/chunk"
	"github.com/lodestone-search/lodestone/internal/config"
	"github.com/lodestone-search/lodestone/internal/embed"
	"github.com/lodestone-search/lodestone/internal/fingerprint"
	"github.com/lodestone-search/lodestone/internal/index"
	"github.com/lodestone-search/lodestone/internal/ingest"
	"github.com/lodestone-search/lodestone/internal/logging"
	"github.com/lodestone-search/lodestone/internal/parse"
	"github.com/lodestone-search/lodestone/internal/queue"
	"github.com/lodestone-search/lodestone/internal/registry"
	"github.com/lodestone-search/lodestone/internal/store"
	"github.com/lodestone-search/lodestone/internal/telemetry"
)

// Data store file names inside the data directory.
const (
	fingerprintFile = "fingerprints.db"
	registryFile    = "registry.db"
	ledgerFile      = "queue.db"
	keywordDir      = "keyword.bleve"
	vectorFile      = "vectors.hnsw"
)

// App holds the wired lodestone components for one CLI invocation.
type App struct {
	Config       *config.Config
	Log          *slog.Logger
	Fingerprints *fingerprint.Store
	Registry     *registry.Registry
	Ledger       *queue.Ledger
	Keyword      *store.BleveKeyword
	Vector       *store.HNSWVector
	Manager      *index.Manager
	Orchestrator *ingest.Orchestrator
	Metrics      *telemetry.Collector

	logCleanup func()
}

// openApp loads configuration, opens every store under the data directory
// and wires the index manager and orchestrator. Callers must Close.
func openApp() (*App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	dataDir := cfg.Paths.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	log, logCleanup, err := setupLogging(cfg)
	if err != nil {
		return nil, err
	}

	app := &App{Config: cfg, Log: log, logCleanup: logCleanup}
	if err := app.openStores(dataDir); err != nil {
		app.Close()
		return nil, err
	}

	embedder := embed.NewCachedEmbedder(embed.NewHashEmbedder(), cfg.Indexing.CacheSize)
	vectorPath := filepath.Join(dataDir, vectorFile)
	app.Manager = index.NewManager(app.Keyword, app.Vector, app.Registry, embedder, log,
		index.WithVectorPath(vectorPath))

	parser := parse.NewFileParser()
	chunker := chunk.NewTextChunker(chunk.Options{
		ChunkSize: cfg.Indexing.ChunkSize,
		Overlap:   cfg.Indexing.ChunkOverlap,
	})

	app.Metrics = telemetry.NewCollector()
	app.Orchestrator = ingest.New(ingest.Config{
		Queue: queue.Config{
			Workers:         cfg.Queue.Workers,
			MaxRetries:      cfg.Queue.MaxRetries,
			StalenessWindow: cfg.Queue.StalenessWindow,
			JobTimeout:      cfg.Queue.JobTimeout,
			DataDir:         dataDir,
		},
		Analyzer: analyzerConfig(cfg),
	}, app.Fingerprints, app.Registry, app.Manager, parser, chunker, app.Ledger, log,
		ingest.WithMetrics(app.Metrics))

	return app, nil
}

func (a *App) openStores(dataDir string) error {
	var err error

	a.Fingerprints, err = fingerprint.NewStore(filepath.Join(dataDir, fingerprintFile))
	if err != nil {
		return fmt.Errorf("open fingerprint store: %w", err)
	}

	a.Registry, err = registry.New(filepath.Join(dataDir, registryFile), a.Log)
	if err != nil {
		return fmt.Errorf("open document registry: %w", err)
	}

	a.Ledger, err = queue.NewLedger(filepath.Join(dataDir, ledgerFile), a.Log)
	if err != nil {
		return fmt.Errorf("open job ledger: %w", err)
	}

	a.Keyword, err = store.NewBleveKeyword(filepath.Join(dataDir, keywordDir))
	if err != nil {
		return fmt.Errorf("open keyword index: %w", err)
	}

	a.Vector, err = store.NewHNSWVector(store.VectorConfig{
		Dimensions: a.Config.Indexing.Dimensions,
	})
	if err != nil {
		return fmt.Errorf("open vector index: %w", err)
	}

	vectorPath := filepath.Join(dataDir, vectorFile)
	if _, statErr := os.Stat(vectorPath); statErr == nil {
		if err := a.Vector.Load(vectorPath); err != nil {
			// A bad snapshot is recoverable through maintain repair; start
			// with an empty graph rather than refusing to run.
			a.Log.Warn("failed to load vector snapshot, starting empty",
				slog.String("path", vectorPath),
				slog.String("error", err.Error()))
		}
	}

	return nil
}

// Close releases every open store. Safe on a partially opened App.
func (a *App) Close() {
	if a.Vector != nil {
		_ = a.Vector.Close()
	}
	if a.Keyword != nil {
		_ = a.Keyword.Close()
	}
	if a.Ledger != nil {
		_ = a.Ledger.Close()
	}
	if a.Registry != nil {
		_ = a.Registry.Close()
	}
	if a.Fingerprints != nil {
		_ = a.Fingerprints.Close()
	}
	if a.logCleanup != nil {
		a.logCleanup()
	}
}

// loadConfig resolves config from --config, the working directory, then
// defaults, and applies the --data-dir override last.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		wd, wdErr := os.Getwd()
		if wdErr != nil {
			return nil, wdErr
		}
		cfg, err = config.LoadFromDir(wd)
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if dataDir != "" {
		cfg.Paths.DataDir = dataDir
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config) (*slog.Logger, func(), error) {
	logCfg := logging.DefaultConfig()
	// Keep stderr clean for command output; file logging stays on.
	logCfg.WriteToStderr = false
	if cfg.Logging.Level != "" {
		logCfg.Level = cfg.Logging.Level
	}
	if cfg.Logging.FilePath != "" {
		logCfg.FilePath = cfg.Logging.FilePath
	}
	if debugMode {
		logCfg.Level = "debug"
		logCfg.WriteToStderr = true
	}
	return logging.Setup(logCfg)
}

func analyzerConfig(cfg *config.Config) analyzer.Config {
	return analyzer.Config{
		MinorThreshold:       cfg.Analyzer.MinorThreshold,
		MajorThreshold:       cfg.Analyzer.MajorThreshold,
		StructureThreshold:   cfg.Analyzer.StructureThreshold,
		RewriteThreshold:     cfg.Analyzer.RewriteThreshold,
		WindowSize:           cfg.Analyzer.WindowSize,
		IncrementalMaxChunks: cfg.Analyzer.IncrementalMaxChunks,
	}
}
