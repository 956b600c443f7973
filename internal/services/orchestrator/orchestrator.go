// -----------------------------------------------------------------------
// Ingest Orchestrator - drives crawl -> chunk -> embed -> upsert pipelines
// -----------------------------------------------------------------------

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/sync/errgroup"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/models"
	"github.com/ternarybob/colligo/internal/services/chunker"
	"github.com/ternarybob/colligo/internal/services/crawler"
	"github.com/ternarybob/colligo/internal/services/embeddings"
	"github.com/ternarybob/colligo/internal/services/extractor"
	"github.com/ternarybob/colligo/internal/services/jobs"
	"github.com/ternarybob/colligo/internal/services/pdf"
	"github.com/ternarybob/colligo/internal/services/ratelimit"
	"github.com/ternarybob/colligo/internal/services/sitemap"
	"github.com/ternarybob/colligo/internal/services/vectorstore"
)

// persistEvery is how many delivered pages pass between periodic counter
// checkpoints, in addition to the checkpoint after every flush
const persistEvery = 25

// Orchestrator wires the ingest pipeline and drives the job state machine.
// It is safe to re-run against the same source because chunk upserts are
// idempotent per content hash.
type Orchestrator struct {
	cfg      *common.Config
	jobs     *jobs.Store
	store    *vectorstore.Store
	provider embeddings.Provider
	limiter  *ratelimit.Limiter
	retryer  *ratelimit.Retryer
	chunker  *chunker.Chunker
	sitemap  *sitemap.Discoverer
	pdf      *pdf.Service
	logger   arbor.ILogger
}

// New creates an orchestrator from its collaborating services
func New(cfg *common.Config, jobStore *jobs.Store, store *vectorstore.Store, provider embeddings.Provider, limiter *ratelimit.Limiter, retryer *ratelimit.Retryer, logger arbor.ILogger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		jobs:     jobStore,
		store:    store,
		provider: provider,
		limiter:  limiter,
		retryer:  retryer,
		chunker:  chunker.New(cfg.Chunking.ChunkSize, cfg.Chunking.Overlap),
		sitemap:  sitemap.New(cfg.Crawler.RequestTimeout, cfg.Crawler.UserAgent, logger),
		pdf:      pdf.New(cfg.Crawler.RequestTimeout, cfg.Crawler.UserAgent, logger),
		logger:   logger,
	}
}

// counters aggregates job progress across the crawl and flush tasks
type counters struct {
	mu         sync.Mutex
	discovered int
	processed  int
	indexed    int
	chunks     int
}

func (c *counters) snapshot() models.JobProgress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return models.JobProgress{
		PagesDiscovered: c.discovered,
		PagesProcessed:  c.processed,
		PagesIndexed:    c.indexed,
		TotalChunks:     c.chunks,
	}
}

type chunkItem struct {
	url      string
	title    string
	content  string
	metadata map[string]interface{}
}

// RunHTMLIngest crawls a documentation site into its index. The job id is
// supplied by the caller and maps to the external workflow id.
func (o *Orchestrator) RunHTMLIngest(ctx context.Context, sourceURL, jobID string, identity models.Identity) error {
	indexName := common.DeriveIndexName(sourceURL)

	if err := o.createJob(ctx, jobID, indexName, sourceURL, identity); err != nil {
		return err
	}

	err := o.runHTML(ctx, sourceURL, jobID, indexName)
	return o.finish(ctx, jobID, sourceURL, err)
}

// RunPDFIngest ingests a single PDF into its index, treating the document as
// one logical page for counter accounting
func (o *Orchestrator) RunPDFIngest(ctx context.Context, pdfURL, jobID string, identity models.Identity) error {
	indexName := common.DeriveIndexName(pdfURL)

	if err := o.createJob(ctx, jobID, indexName, pdfURL, identity); err != nil {
		return err
	}

	err := o.runPDF(ctx, pdfURL, jobID, indexName)
	return o.finish(ctx, jobID, pdfURL, err)
}

func (o *Orchestrator) createJob(ctx context.Context, jobID, indexName, sourceURL string, identity models.Identity) error {
	job := &models.IndexingJob{
		JobID:           jobID,
		IndexName:       indexName,
		SourceURL:       sourceURL,
		InitiatedByUser: identity.UserID,
		InitiatedByTeam: identity.TeamID,
		Scope:           identity.Scope,
		Metadata: map[string]interface{}{
			"embedding_model": o.provider.Model(),
		},
	}
	if err := o.jobs.Create(ctx, job); err != nil {
		return err
	}
	return o.jobs.UpdateStatus(ctx, jobID, models.JobUpdate{Status: models.JobStatusRunning})
}

func (o *Orchestrator) runHTML(ctx context.Context, sourceURL, jobID, indexName string) error {
	if err := o.store.EnsureStore(ctx, indexName, o.provider.Dimensions()); err != nil {
		return err
	}

	seeds, err := o.sitemap.Discover(ctx, sourceURL)
	if err != nil {
		o.logger.Warn().Str("source", sourceURL).Err(err).Msg("Sitemap discovery failed, crawling from seed only")
		seeds = nil
	}

	batchSize := o.cfg.Embedding.BatchSize
	cnt := &counters{}

	// the channel capacity is the back-pressure point: the page sink blocks
	// once two batches of chunks are pending
	pending := make(chan chunkItem, 2*batchSize)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return o.flushLoop(gctx, jobID, indexName, pending, batchSize, cnt)
	})

	crawlOpts := crawler.Options{
		MaxPages:        o.cfg.Crawler.MaxPages,
		Concurrency:     o.cfg.Crawler.Concurrency,
		RequestTimeout:  o.cfg.Crawler.RequestTimeout,
		UserAgent:       o.cfg.Crawler.UserAgent,
		IncludePatterns: o.cfg.Crawler.IncludePatterns,
		ExcludePatterns: o.cfg.Crawler.ExcludePatterns,
		PathPrefix:      crawler.PathPrefixOf(sourceURL),
	}

	sink := func(page *extractor.Page) error {
		chunks := o.chunker.Split(page.Text)

		// every delivered page counts as discovered; processed requires
		// non-empty extracted text, keeping indexed <= processed <= discovered
		cnt.mu.Lock()
		cnt.discovered++
		if page.Text != "" {
			cnt.processed++
		}
		if len(chunks) > 0 {
			cnt.indexed++
		}
		discovered := cnt.discovered
		cnt.mu.Unlock()

		for _, content := range chunks {
			item := chunkItem{
				url:      models.ChunkURL(page.URL, content),
				title:    page.Title,
				content:  content,
				metadata: models.ChunkMetadata(page.URL, models.SourceTypeHTML, page.Title, len(content)),
			}
			select {
			case pending <- item:
			case <-gctx.Done():
				return gctx.Err()
			}
		}

		if discovered%persistEvery == 0 {
			o.persistCounters(gctx, jobID, cnt)
		}
		return nil
	}

	_, crawlErr := crawler.New(crawlOpts, o.logger).Crawl(gctx, sourceURL, seeds, sink)
	close(pending)

	// a failed flush cancels the group and the crawl reports that
	// cancellation; the flush error is the cause and must win
	if flushErr := g.Wait(); flushErr != nil {
		if crawlErr == nil || errors.Is(crawlErr, context.Canceled) || errors.Is(crawlErr, context.DeadlineExceeded) {
			crawlErr = flushErr
		}
	}
	if crawlErr != nil {
		return crawlErr
	}

	o.persistCounters(ctx, jobID, cnt)
	return nil
}

func (o *Orchestrator) runPDF(ctx context.Context, pdfURL, jobID, indexName string) error {
	if err := o.store.EnsureStore(ctx, indexName, o.provider.Dimensions()); err != nil {
		return err
	}

	doc, err := o.pdf.Ingest(ctx, pdfURL)
	if err != nil {
		return err
	}

	chunks := o.chunker.Split(doc.Text)
	cnt := &counters{discovered: 1, processed: 1}
	if len(chunks) > 0 {
		cnt.indexed = 1
	}

	metadata := models.ChunkMetadata(pdfURL, models.SourceTypePDF, doc.Title, doc.Size)
	metadata["pageCount"] = doc.PageCount

	canonURL := common.CanonicalizeURL(pdfURL)
	for start := 0; start < len(chunks); start += o.cfg.Embedding.BatchSize {
		end := start + o.cfg.Embedding.BatchSize
		if end > len(chunks) {
			end = len(chunks)
		}

		batch := make([]chunkItem, 0, end-start)
		for _, content := range chunks[start:end] {
			itemMeta := models.ChunkMetadata(pdfURL, models.SourceTypePDF, doc.Title, len(content))
			itemMeta["pageCount"] = doc.PageCount
			batch = append(batch, chunkItem{
				url:      models.ChunkURL(canonURL, content),
				title:    doc.Title,
				content:  content,
				metadata: itemMeta,
			})
		}

		if err := o.flushBatch(ctx, indexName, batch, cnt); err != nil {
			return err
		}
		o.persistCounters(ctx, jobID, cnt)
	}

	o.persistCounters(ctx, jobID, cnt)
	return nil
}

// flushLoop is the single draining task: it gathers pending chunks into
// batches and serializes them through the limiter into the store
func (o *Orchestrator) flushLoop(ctx context.Context, jobID, indexName string, pending <-chan chunkItem, batchSize int, cnt *counters) error {
	batch := make([]chunkItem, 0, batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := o.flushBatch(ctx, indexName, batch, cnt); err != nil {
			return err
		}
		batch = batch[:0]
		o.persistCounters(ctx, jobID, cnt)
		return nil
	}

	for {
		select {
		case item, ok := <-pending:
			if !ok {
				return flush()
			}
			batch = append(batch, item)
			if len(batch) >= batchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// flushBatch embeds one batch under the limiter and upserts every chunk in
// buffer order. The batch only counts toward total_chunks once every upsert
// succeeded.
func (o *Orchestrator) flushBatch(ctx context.Context, indexName string, batch []chunkItem, cnt *counters) error {
	texts := make([]string, len(batch))
	for i, item := range batch {
		texts[i] = item.content
	}

	if err := o.limiter.Acquire(ctx, 1, ratelimit.EstimateTokens(texts)); err != nil {
		return err
	}

	var vectors [][]float32
	err := o.retryer.Do(ctx, func(ctx context.Context) error {
		var embedErr error
		vectors, embedErr = o.provider.EmbedBatch(ctx, texts)
		return embedErr
	})
	if err != nil {
		return fmt.Errorf("failed to embed batch: %w", err)
	}
	if len(vectors) != len(batch) {
		return fmt.Errorf("embed returned %d vectors for %d chunks", len(vectors), len(batch))
	}

	for i, item := range batch {
		chunk := &models.DocumentChunk{
			URL:       item.url,
			Title:     item.title,
			Content:   item.content,
			Embedding: vectors[i],
			Metadata:  item.metadata,
		}
		if err := o.store.Upsert(ctx, indexName, chunk); err != nil {
			return err
		}
	}

	cnt.mu.Lock()
	cnt.chunks += len(batch)
	cnt.mu.Unlock()

	return nil
}

func (o *Orchestrator) persistCounters(ctx context.Context, jobID string, cnt *counters) {
	progress := cnt.snapshot()
	if err := o.jobs.UpdateStatus(ctx, jobID, models.JobUpdate{Progress: &progress}); err != nil {
		o.logger.Warn().Str("job_id", jobID).Err(err).Msg("Failed to persist job counters")
	}
}

// finish maps the pipeline outcome onto the job's terminal state. Counter
// persistence uses a background context so a dead job context cannot block
// the final update.
func (o *Orchestrator) finish(ctx context.Context, jobID, sourceURL string, runErr error) error {
	finishCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if runErr == nil {
		if err := o.jobs.UpdateStatus(finishCtx, jobID, models.JobUpdate{Status: models.JobStatusCompleted}); err != nil {
			return err
		}
		o.logger.Info().Str("job_id", jobID).Str("source", sourceURL).Msg("Ingest completed")
		return nil
	}

	status := models.JobStatusFailed
	switch {
	case errors.Is(runErr, context.DeadlineExceeded):
		status = models.JobStatusTimeout
	case errors.Is(runErr, context.Canceled):
		status = models.JobStatusCancelled
	}

	update := models.JobUpdate{
		Status:       status,
		ErrorMessage: runErr.Error(),
		ErrorDetails: map[string]interface{}{
			"source_url": sourceURL,
		},
	}
	var provErr *models.ProviderError
	if errors.As(runErr, &provErr) {
		update.ErrorDetails["provider_status"] = provErr.StatusCode
	}

	if err := o.jobs.UpdateStatus(finishCtx, jobID, update); err != nil {
		o.logger.Error().Str("job_id", jobID).Err(err).Msg("Failed to record job failure")
	}

	o.logger.Warn().
		Str("job_id", jobID).
		Str("source", sourceURL).
		Str("status", string(status)).
		Err(runErr).
		Msg("Ingest did not complete")

	return runErr
}
