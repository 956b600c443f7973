// -----------------------------------------------------------------------
// App - service wiring and the external operation surface
// -----------------------------------------------------------------------

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/models"
	"github.com/ternarybob/colligo/internal/services/access"
	"github.com/ternarybob/colligo/internal/services/embeddings"
	"github.com/ternarybob/colligo/internal/services/jobs"
	"github.com/ternarybob/colligo/internal/services/orchestrator"
	"github.com/ternarybob/colligo/internal/services/ratelimit"
	"github.com/ternarybob/colligo/internal/services/scheduler"
	"github.com/ternarybob/colligo/internal/services/vectorstore"
)

// defaultJobTimeout bounds one ingest run end to end
const defaultJobTimeout = time.Hour

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	Store        *vectorstore.Store
	JobStore     *jobs.Store
	Provider     embeddings.Provider
	Limiter      *ratelimit.Limiter
	Retryer      *ratelimit.Retryer
	Access       *access.Service
	Orchestrator *orchestrator.Orchestrator
	Scheduler    *scheduler.Service
}

// EmbeddingInfo describes the active embedding backend
type EmbeddingInfo struct {
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions"`
}

// New wires every service from configuration
func New(ctx context.Context, cfg *common.Config, logger arbor.ILogger) (*App, error) {
	store, err := vectorstore.NewStore(ctx, cfg.Storage.Postgres.DSN, cfg.Storage.Postgres.MaxConns, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize vector store: %w", err)
	}

	jobStore, err := jobs.NewStore(ctx, store.Pool(), logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize job store: %w", err)
	}

	provider, err := embeddings.NewProvider(ctx, cfg.Embedding, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize embedding provider: %w", err)
	}

	limiter := ratelimit.New(
		cfg.Embedding.RequestsPerMinute,
		cfg.Embedding.TokensPerMinute,
		cfg.Embedding.TokensPerDay,
		logger)
	if cfg.Embedding.Distributed {
		gate, err := vectorstore.NewEmbedRateGate(ctx, store,
			cfg.Embedding.RequestsPerMinute,
			cfg.Embedding.TokensPerMinute,
			cfg.Embedding.TokensPerDay,
			logger)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to initialize distributed rate gate: %w", err)
		}
		limiter = limiter.WithGate(gate)
	}

	retryer := ratelimit.NewRetryer(cfg.Embedding.MaxRetries, cfg.Embedding.InitialBackoff, logger)

	accessService, err := access.NewService(ctx, store, provider, retryer, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize access service: %w", err)
	}

	orch := orchestrator.New(cfg, jobStore, store, provider, limiter, retryer, logger)
	sched := scheduler.New(cfg.Retention, jobStore, accessService, logger)

	return &App{
		Config:       cfg,
		Logger:       logger,
		Store:        store,
		JobStore:     jobStore,
		Provider:     provider,
		Limiter:      limiter,
		Retryer:      retryer,
		Access:       accessService,
		Orchestrator: orch,
		Scheduler:    sched,
	}, nil
}

// Start launches the background scheduler
func (a *App) Start() error {
	return a.Scheduler.Start()
}

// Close stops background work and releases the database pool
func (a *App) Close() {
	a.Scheduler.Stop()
	a.Store.Close()
	a.Logger.Info().Msg("Application shut down")
}

// Link associates a session id with a user or team identity
func (a *App) Link(ctx context.Context, sessionID, userID, teamID string, scope models.Scope) error {
	return a.Access.LinkSession(ctx, sessionID, userID, teamID, scope)
}

// Grant upserts an access grant on an index
func (a *App) Grant(ctx context.Context, grant models.AccessGrant) error {
	return a.Access.Grant(ctx, grant)
}

// ListAccessibleIndexes returns the index names the session's identity can
// reach through any in-force grant
func (a *App) ListAccessibleIndexes(ctx context.Context, sessionID string) ([]string, error) {
	identity, err := a.Access.Identity(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return a.Access.AccessibleIndexes(ctx, identity)
}

// StartHTMLIngest kicks off a crawl-and-index run for the session's
// identity. The job runs in the background under the overall job timeout;
// progress is tracked on the returned job id.
func (a *App) StartHTMLIngest(ctx context.Context, sessionID, sourceURL string) (string, error) {
	return a.startIngest(ctx, sessionID, sourceURL, a.Orchestrator.RunHTMLIngest)
}

// StartPDFIngest kicks off a single-PDF index run for the session's identity
func (a *App) StartPDFIngest(ctx context.Context, sessionID, pdfURL string) (string, error) {
	return a.startIngest(ctx, sessionID, pdfURL, a.Orchestrator.RunPDFIngest)
}

func (a *App) startIngest(ctx context.Context, sessionID, sourceURL string, run func(ctx context.Context, sourceURL, jobID string, identity models.Identity) error) (string, error) {
	identity, err := a.Access.Identity(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if !common.IsHTTPURL(sourceURL) {
		return "", fmt.Errorf("source is not an http(s) URL: %s", sourceURL)
	}

	jobID := common.NewJobID()
	indexName := common.DeriveIndexName(sourceURL)

	// the initiator administers the index they ingest
	grant := models.AccessGrant{
		UserID:      identity.UserID,
		TeamID:      identity.TeamID,
		Scope:       identity.Scope,
		IndexName:   indexName,
		AccessLevel: models.AccessLevelAdmin,
		GrantedBy:   "ingest",
	}
	if err := a.Access.Grant(ctx, grant); err != nil {
		return "", err
	}

	go func() {
		runCtx, cancel := context.WithTimeout(context.Background(), defaultJobTimeout)
		defer cancel()
		if err := run(runCtx, sourceURL, jobID, identity); err != nil {
			a.Logger.Warn().Str("job_id", jobID).Err(err).Msg("Ingest job ended with error")
		}
	}()

	return jobID, nil
}

// JobStatus returns one of the session identity's jobs. Jobs started by
// other identities surface ErrJobNotFound so ids cannot be probed.
func (a *App) JobStatus(ctx context.Context, sessionID, jobID string) (*models.IndexingJob, error) {
	identity, err := a.Access.Identity(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	job, err := a.JobStore.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !jobBelongsTo(job, identity) {
		return nil, models.ErrJobNotFound
	}
	return job, nil
}

// ListJobs returns the session identity's jobs, newest first
func (a *App) ListJobs(ctx context.Context, sessionID string, limit int) ([]*models.IndexingJob, error) {
	identity, err := a.Access.Identity(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return a.JobStore.ListByIdentity(ctx, identity, limit)
}

// Search runs an access-gated semantic query against one index
func (a *App) Search(ctx context.Context, sessionID, indexName, queryText string, k int) ([]models.SearchResult, error) {
	identity, err := a.Access.Identity(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return a.Access.Search(ctx, identity, indexName, queryText, k)
}

// Embedding reports the active provider, model, and dimension
func (a *App) Embedding() EmbeddingInfo {
	return EmbeddingInfo{
		Provider:   a.Config.Embedding.Provider,
		Model:      a.Provider.Model(),
		Dimensions: a.Provider.Dimensions(),
	}
}

func jobBelongsTo(job *models.IndexingJob, identity models.Identity) bool {
	if job.Scope != identity.Scope {
		return false
	}
	switch identity.Scope {
	case models.ScopeUser:
		return job.InitiatedByUser == identity.UserID
	case models.ScopeTeam:
		return job.InitiatedByTeam == identity.TeamID
	}
	return false
}
