// -----------------------------------------------------------------------
// Access Service - session links, grants, and gated semantic search
// -----------------------------------------------------------------------

package access

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/models"
	"github.com/ternarybob/colligo/internal/services/embeddings"
	"github.com/ternarybob/colligo/internal/services/ratelimit"
	"github.com/ternarybob/colligo/internal/services/vectorstore"
)

const (
	maxSearchResults = 50
	snippetLimit     = 500
)

// Service owns the identity and authorization tables and the read path into
// the vector store
type Service struct {
	pool     *pgxpool.Pool
	store    *vectorstore.Store
	provider embeddings.Provider
	retryer  *ratelimit.Retryer
	logger   arbor.ILogger
}

// NewService creates the access service and ensures its schema
func NewService(ctx context.Context, store *vectorstore.Store, provider embeddings.Provider, retryer *ratelimit.Retryer, logger arbor.ILogger) (*Service, error) {
	pool := store.Pool()

	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS docs_user_links (
			session_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			team_id TEXT NOT NULL DEFAULT '',
			scope TEXT NOT NULL,
			linked_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return nil, fmt.Errorf("failed to create docs_user_links table: %w", err)
	}

	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS docs_access (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			team_id TEXT NOT NULL DEFAULT '',
			scope TEXT NOT NULL,
			index_name TEXT NOT NULL,
			access_level TEXT NOT NULL,
			granted_by TEXT NOT NULL DEFAULT '',
			granted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			expires_at TIMESTAMPTZ,
			UNIQUE (user_id, team_id, scope, index_name)
		)`)
	if err != nil {
		return nil, fmt.Errorf("failed to create docs_access table: %w", err)
	}

	return &Service{
		pool:     pool,
		store:    store,
		provider: provider,
		retryer:  retryer,
		logger:   logger,
	}, nil
}

// LinkSession associates an opaque session id with an identity, overwriting
// any previous link for the same session
func (s *Service) LinkSession(ctx context.Context, sessionID, userID, teamID string, scope models.Scope) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	switch scope {
	case models.ScopeUser:
		if userID == "" {
			return fmt.Errorf("user scope requires a user id")
		}
	case models.ScopeTeam:
		if teamID == "" {
			return fmt.Errorf("team scope requires a team id")
		}
	default:
		return fmt.Errorf("invalid scope: %s", scope)
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO docs_user_links (session_id, user_id, team_id, scope, linked_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (session_id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			team_id = EXCLUDED.team_id,
			scope = EXCLUDED.scope,
			linked_at = now()`,
		sessionID, userID, teamID, scope)
	if err != nil {
		return fmt.Errorf("failed to link session: %w", err)
	}

	s.logger.Info().Str("session_id", sessionID).Str("scope", string(scope)).Msg("Session linked")
	return nil
}

// Identity resolves a session id to its linked identity
func (s *Service) Identity(ctx context.Context, sessionID string) (models.Identity, error) {
	var id models.Identity
	err := s.pool.QueryRow(ctx,
		"SELECT user_id, team_id, scope FROM docs_user_links WHERE session_id = $1",
		sessionID).Scan(&id.UserID, &id.TeamID, &id.Scope)
	if err == pgx.ErrNoRows {
		return models.Identity{}, models.ErrNotLinked
	}
	if err != nil {
		return models.Identity{}, fmt.Errorf("failed to resolve session: %w", err)
	}
	return id, nil
}

// Grant upserts an access grant, unique by (user, team, scope, index)
func (s *Service) Grant(ctx context.Context, grant models.AccessGrant) error {
	if !grant.Scope.IsValid() {
		return fmt.Errorf("invalid grant scope: %s", grant.Scope)
	}
	if grant.AccessLevel.Rank() == 0 {
		return fmt.Errorf("invalid access level: %s", grant.AccessLevel)
	}
	if grant.IndexName == "" {
		return fmt.Errorf("index name is required")
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO docs_access (user_id, team_id, scope, index_name, access_level, granted_by, granted_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), $7)
		ON CONFLICT (user_id, team_id, scope, index_name) DO UPDATE SET
			access_level = EXCLUDED.access_level,
			granted_by = EXCLUDED.granted_by,
			granted_at = now(),
			expires_at = EXCLUDED.expires_at`,
		grant.UserID, grant.TeamID, grant.Scope, grant.IndexName,
		grant.AccessLevel, grant.GrantedBy, grant.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to upsert grant: %w", err)
	}

	s.logger.Info().
		Str("index", grant.IndexName).
		Str("level", string(grant.AccessLevel)).
		Str("scope", string(grant.Scope)).
		Msg("Access granted")
	return nil
}

// AccessibleIndexes lists the distinct index names the identity holds any
// in-force grant on, including universal grants
func (s *Service) AccessibleIndexes(ctx context.Context, identity models.Identity) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT index_name FROM docs_access
		WHERE (expires_at IS NULL OR expires_at > now())
		  AND (
			(user_id = '' AND team_id = '')
			OR (scope = $1 AND $1 = 'user' AND user_id = $2 AND user_id <> '')
			OR (scope = $1 AND $1 = 'team' AND team_id = $3 AND team_id <> '')
		  )
		ORDER BY index_name`,
		identity.Scope, identity.UserID, identity.TeamID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accessible indexes: %w", err)
	}
	defer rows.Close()

	var indexes []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan index name: %w", err)
		}
		indexes = append(indexes, name)
	}
	return indexes, rows.Err()
}

// HasAccess reports whether the identity's strongest in-force grant on the
// index satisfies the required level
func (s *Service) HasAccess(ctx context.Context, identity models.Identity, indexName string, required models.AccessLevel) (bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT access_level FROM docs_access
		WHERE index_name = $1
		  AND (expires_at IS NULL OR expires_at > now())
		  AND (
			(user_id = '' AND team_id = '')
			OR (scope = $2 AND $2 = 'user' AND user_id = $3 AND user_id <> '')
			OR (scope = $2 AND $2 = 'team' AND team_id = $4 AND team_id <> '')
		  )`,
		indexName, identity.Scope, identity.UserID, identity.TeamID)
	if err != nil {
		return false, fmt.Errorf("failed to check access: %w", err)
	}
	defer rows.Close()

	best := 0
	for rows.Next() {
		var level models.AccessLevel
		if err := rows.Scan(&level); err != nil {
			return false, fmt.Errorf("failed to scan access level: %w", err)
		}
		if r := level.Rank(); r > best {
			best = r
		}
	}
	if err := rows.Err(); err != nil {
		return false, err
	}

	return best >= required.Rank() && best > 0, nil
}

// Search embeds the query and returns the k nearest chunks the identity may
// read. Missing grants and unknown indexes both surface ErrAccessDenied so
// callers cannot probe for index existence.
func (s *Service) Search(ctx context.Context, identity models.Identity, indexName, queryText string, k int) ([]models.SearchResult, error) {
	ok, err := s.HasAccess(ctx, identity, indexName, models.AccessLevelRead)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, models.ErrAccessDenied
	}

	exists, err := s.store.IndexExists(ctx, indexName)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, models.ErrAccessDenied
	}

	if k < 1 {
		k = 1
	}
	if k > maxSearchResults {
		k = maxSearchResults
	}

	var vectors [][]float32
	err = s.retryer.Do(ctx, func(ctx context.Context) error {
		var embedErr error
		vectors, embedErr = s.provider.EmbedBatch(ctx, []string{queryText})
		return embedErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("expected one query vector, got %d", len(vectors))
	}

	results, err := s.store.AnnSearch(ctx, indexName, vectors[0], k)
	if err != nil {
		return nil, err
	}

	for i := range results {
		results[i].Snippet = truncateSnippet(results[i].Snippet, snippetLimit)
	}

	s.logger.Debug().
		Str("index", indexName).
		Int("k", k).
		Int("results", len(results)).
		Msg("Semantic search completed")

	return results, nil
}

// truncateSnippet cuts content to at most limit bytes without splitting a
// multibyte rune
func truncateSnippet(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}

// PruneSessionLinks removes links idle past the window and returns the count
func (s *Service) PruneSessionLinks(ctx context.Context, idleFor time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM docs_user_links
		WHERE linked_at < now() - make_interval(secs => $1)`,
		idleFor.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to prune session links: %w", err)
	}
	return tag.RowsAffected(), nil
}
