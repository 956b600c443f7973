package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/models"
	"github.com/ternarybob/colligo/internal/services/jobs"
	"github.com/ternarybob/colligo/internal/services/ratelimit"
	"github.com/ternarybob/colligo/internal/services/vectorstore"
)

type stubProvider struct {
	dims    int
	failErr error
}

func (p *stubProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if p.failErr != nil {
		return nil, p.failErr
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		vec := make([]float32, p.dims)
		vec[0] = 1
		out[i] = vec
	}
	return out, nil
}

func (p *stubProvider) Dimensions() int { return p.dims }
func (p *stubProvider) Model() string   { return "stub-embed" }

func testOrchestrator(t *testing.T, provider *stubProvider) (*Orchestrator, *jobs.Store, *vectorstore.Store) {
	t.Helper()

	dsn := os.Getenv("COLLIGO_TEST_DSN")
	if dsn == "" {
		t.Skip("COLLIGO_TEST_DSN not set")
	}

	ctx := context.Background()
	logger := common.GetLogger()

	store, err := vectorstore.NewStore(ctx, dsn, 4, logger)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	jobStore, err := jobs.NewStore(ctx, store.Pool(), logger)
	require.NoError(t, err)

	cfg := common.DefaultConfig()
	cfg.Crawler.MaxPages = 20
	cfg.Crawler.Concurrency = 2
	cfg.Crawler.RequestTimeout = 5 * time.Second
	cfg.Embedding.BatchSize = 4

	limiter := ratelimit.New(0, 0, 0, logger)
	retryer := ratelimit.NewRetryer(1, time.Millisecond, logger)

	return New(cfg, jobStore, store, provider, limiter, retryer, logger), jobStore, store
}

func docsSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			fmt.Fprint(w, `<html><head><title>Home</title></head><body><main>
				<p>Welcome to the documentation.</p>
				<a href="/guide">guide</a><a href="/api">api</a>
			</main></body></html>`)
		default:
			fmt.Fprintf(w, `<html><head><title>%s</title></head><body><main>
				<p>Reference text for %s with enough words to produce a chunk.</p>
			</main></body></html>`, r.URL.Path, r.URL.Path)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRunHTMLIngest_CompletesWithCounters(t *testing.T) {
	provider := &stubProvider{dims: 3}
	orch, jobStore, store := testOrchestrator(t, provider)
	srv := docsSite(t)
	ctx := context.Background()

	identity := models.Identity{UserID: "u1", Scope: models.ScopeUser}
	jobID := "job_test_html_ok"
	_, _ = store.Pool().Exec(ctx, "DELETE FROM indexing_jobs WHERE job_id = $1", jobID)

	require.NoError(t, orch.RunHTMLIngest(ctx, srv.URL, jobID, identity))

	job, err := jobStore.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.NotNil(t, job.CompletedAt)
	assert.Equal(t, 3, job.Progress.PagesProcessed)
	assert.Equal(t, 3, job.Progress.PagesIndexed)
	assert.GreaterOrEqual(t, job.Progress.TotalChunks, 3)
	assert.LessOrEqual(t, job.Progress.PagesIndexed, job.Progress.PagesProcessed)

	indexName := common.DeriveIndexName(srv.URL)
	results, err := store.AnnSearch(ctx, indexName, []float32{1, 0, 0}, 10)
	require.NoError(t, err)
	assert.Equal(t, job.Progress.TotalChunks, len(results))
}

func TestRunHTMLIngest_ProviderFailureMarksJobFailed(t *testing.T) {
	provider := &stubProvider{
		dims:    3,
		failErr: &models.ProviderError{StatusCode: 401, Message: "bad key"},
	}
	orch, jobStore, store := testOrchestrator(t, provider)
	srv := docsSite(t)
	ctx := context.Background()

	jobID := "job_test_html_fail"
	_, _ = store.Pool().Exec(ctx, "DELETE FROM indexing_jobs WHERE job_id = $1", jobID)

	err := orch.RunHTMLIngest(ctx, srv.URL, jobID, models.Identity{UserID: "u1", Scope: models.ScopeUser})
	require.Error(t, err)

	job, getErr := jobStore.Get(ctx, jobID)
	require.NoError(t, getErr)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "bad key")
	assert.Equal(t, 401, int(job.ErrorDetails["provider_status"].(float64)))
}

func TestRunHTMLIngest_FlushFailureMidCrawlMarksJobFailed(t *testing.T) {
	provider := &stubProvider{
		dims:    3,
		failErr: &models.ProviderError{StatusCode: 401, Message: "bad key"},
	}
	orch, jobStore, store := testOrchestrator(t, provider)
	orch.cfg.Embedding.BatchSize = 1
	ctx := context.Background()

	// one page with enough text for many chunks, so the page sink is still
	// feeding the flusher when the first embed call fails
	para := strings.Repeat("Plenty of reference prose to fill a chunk. ", 50)
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<html><head><title>Long</title></head><body><main>`)
		for i := 0; i < 10; i++ {
			fmt.Fprintf(w, "<p>Section %d. %s</p>", i, para)
		}
		fmt.Fprint(w, `</main></body></html>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	jobID := "job_test_flush_midcrawl"
	_, _ = store.Pool().Exec(ctx, "DELETE FROM indexing_jobs WHERE job_id = $1", jobID)

	err := orch.RunHTMLIngest(ctx, srv.URL, jobID, models.Identity{UserID: "u1", Scope: models.ScopeUser})
	require.Error(t, err)

	job, getErr := jobStore.Get(ctx, jobID)
	require.NoError(t, getErr)
	assert.Equal(t, models.JobStatusFailed, job.Status, "provider failure must not surface as cancelled")
	assert.Contains(t, job.ErrorMessage, "bad key")
	assert.Equal(t, 401, int(job.ErrorDetails["provider_status"].(float64)))
}

func TestRunHTMLIngest_EmptyTextPageCounters(t *testing.T) {
	provider := &stubProvider{dims: 3}
	orch, jobStore, store := testOrchestrator(t, provider)
	ctx := context.Background()

	// /chrome has no extractable prose once nav is stripped
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			fmt.Fprint(w, `<html><head><title>Home</title></head><body><main>
				<p>Welcome to the documentation.</p>
				<a href="/guide">guide</a><a href="/chrome">chrome</a>
			</main></body></html>`)
		case "/chrome":
			fmt.Fprint(w, `<html><head><title>Chrome</title></head><body>
				<nav><a href="/guide">guide</a></nav>
			</body></html>`)
		default:
			fmt.Fprint(w, `<html><head><title>Guide</title></head><body><main>
				<p>Reference text with enough words to produce a chunk.</p>
			</main></body></html>`)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	jobID := "job_test_empty_page"
	_, _ = store.Pool().Exec(ctx, "DELETE FROM indexing_jobs WHERE job_id = $1", jobID)

	require.NoError(t, orch.RunHTMLIngest(ctx, srv.URL, jobID, models.Identity{UserID: "u1", Scope: models.ScopeUser}))

	job, err := jobStore.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 3, job.Progress.PagesDiscovered)
	assert.Equal(t, 2, job.Progress.PagesProcessed)
	assert.Equal(t, 2, job.Progress.PagesIndexed)
	assert.LessOrEqual(t, job.Progress.PagesIndexed, job.Progress.PagesProcessed)
	assert.LessOrEqual(t, job.Progress.PagesProcessed, job.Progress.PagesDiscovered)
}

func TestRunHTMLIngest_RerunIsIdempotent(t *testing.T) {
	provider := &stubProvider{dims: 3}
	orch, jobStore, store := testOrchestrator(t, provider)
	srv := docsSite(t)
	ctx := context.Background()

	identity := models.Identity{UserID: "u1", Scope: models.ScopeUser}
	_, _ = store.Pool().Exec(ctx, "DELETE FROM indexing_jobs WHERE job_id LIKE 'job_test_rerun%'")

	require.NoError(t, orch.RunHTMLIngest(ctx, srv.URL, "job_test_rerun1", identity))
	first, err := jobStore.Get(ctx, "job_test_rerun1")
	require.NoError(t, err)

	require.NoError(t, orch.RunHTMLIngest(ctx, srv.URL, "job_test_rerun2", identity))

	indexName := common.DeriveIndexName(srv.URL)
	results, err := store.AnnSearch(ctx, indexName, []float32{1, 0, 0}, 50)
	require.NoError(t, err)
	assert.Equal(t, first.Progress.TotalChunks, len(results), "re-ingest must upsert, not duplicate")
}
