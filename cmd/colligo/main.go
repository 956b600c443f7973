package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/app"
	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/models"
)

// configPaths is a custom flag type that allows multiple -config flags
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles  configPaths
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")

	// One-shot operations; when none is given the process runs resident
	userID    = flag.String("user", "", "User id for the operation identity")
	teamID    = flag.String("team", "", "Team id for the operation identity")
	ingestURL = flag.String("ingest", "", "Crawl and index a documentation site")
	pdfURL    = flag.String("pdf", "", "Fetch and index a single PDF")
	query     = flag.String("search", "", "Semantic query text")
	indexName = flag.String("index", "", "Index name to search")
	topK      = flag.Int("k", 10, "Number of search results")

	config *common.Config
	logger arbor.ILogger
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("Colligo version %s\n", common.GetFullVersion())
		os.Exit(0)
	}

	// Auto-discover config file if not specified
	if len(configFiles) == 0 {
		if _, err := os.Stat("colligo.toml"); err == nil {
			configFiles = append(configFiles, "colligo.toml")
		}
	}

	// Startup sequence: config -> logger -> banner -> app
	var err error
	config, err = common.LoadConfig(configFiles...)
	if err != nil {
		tempLogger := arbor.NewLogger()
		tempLogger.Fatal().Strs("paths", configFiles).Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}

	logger = common.InitLogger(config)
	common.PrintBanner(common.GetVersion())

	logger.Info().
		Strs("config_files", configFiles).
		Str("environment", config.Environment).
		Str("embedding_provider", config.Embedding.Provider).
		Str("embedding_model", config.Embedding.Model).
		Msg("Application configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	application, err := app.New(ctx, config, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize application")
	}
	defer application.Close()

	if *ingestURL != "" || *pdfURL != "" || *query != "" {
		if err := runOneShot(ctx, application); err != nil {
			logger.Error().Err(err).Msg("Operation failed")
			application.Close()
			os.Exit(1)
		}
		return
	}

	// Resident mode: background retention scheduler until interrupted
	if err := application.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start background services")
	}

	info := application.Embedding()
	logger.Info().
		Str("provider", info.Provider).
		Str("model", info.Model).
		Int("dimensions", info.Dimensions).
		Msg("Service ready - Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Interrupt signal received, shutting down")
}

// runOneShot links an ephemeral session for the flag identity and performs
// a single ingest or search
func runOneShot(ctx context.Context, application *app.App) error {
	scope := models.ScopeUser
	if *teamID != "" {
		scope = models.ScopeTeam
	}
	sessionID := "cli-" + common.NewJobID()
	if err := application.Link(ctx, sessionID, *userID, *teamID, scope); err != nil {
		return fmt.Errorf("failed to link cli session: %w", err)
	}

	switch {
	case *ingestURL != "":
		return waitForJob(ctx, application, sessionID, func() (string, error) {
			return application.StartHTMLIngest(ctx, sessionID, *ingestURL)
		})
	case *pdfURL != "":
		return waitForJob(ctx, application, sessionID, func() (string, error) {
			return application.StartPDFIngest(ctx, sessionID, *pdfURL)
		})
	default:
		if *indexName == "" {
			return fmt.Errorf("-search requires -index")
		}
		results, err := application.Search(ctx, sessionID, *indexName, *query, *topK)
		if err != nil {
			return err
		}
		for i, r := range results {
			fmt.Printf("%2d. %.4f  %s\n    %s\n", i+1, r.Score, r.URL, r.Snippet)
		}
		return nil
	}
}

// waitForJob starts an ingest and polls the job row until it reaches a
// terminal status, logging progress along the way
func waitForJob(ctx context.Context, application *app.App, sessionID string, start func() (string, error)) error {
	jobID, err := start()
	if err != nil {
		return err
	}
	logger.Info().Str("job_id", jobID).Msg("Ingest started")

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		job, err := application.JobStatus(ctx, sessionID, jobID)
		if err != nil {
			return err
		}

		logger.Info().
			Str("status", string(job.Status)).
			Int("pages_processed", job.Progress.PagesProcessed).
			Int("total_chunks", job.Progress.TotalChunks).
			Msg("Job progress")

		if job.Status.IsTerminal() {
			if job.Status != models.JobStatusCompleted {
				return fmt.Errorf("job %s ended %s: %s", jobID, job.Status, job.ErrorMessage)
			}
			logger.Info().
				Str("job_id", jobID).
				Int("pages_indexed", job.Progress.PagesIndexed).
				Int("total_chunks", job.Progress.TotalChunks).
				Msg("Ingest completed")
			return nil
		}
	}
}
