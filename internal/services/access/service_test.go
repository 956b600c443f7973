package access

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/models"
	"github.com/ternarybob/colligo/internal/services/ratelimit"
	"github.com/ternarybob/colligo/internal/services/vectorstore"
)

// stubProvider returns a fixed vector so search tests avoid the network
type stubProvider struct {
	vector []float32
}

func (p *stubProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = p.vector
	}
	return out, nil
}

func (p *stubProvider) Dimensions() int { return len(p.vector) }
func (p *stubProvider) Model() string   { return "stub" }

func testService(t *testing.T) (*Service, *vectorstore.Store) {
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

	provider := &stubProvider{vector: []float32{1, 0, 0}}
	retryer := ratelimit.NewRetryer(0, time.Millisecond, logger)

	svc, err := NewService(ctx, store, provider, retryer, logger)
	require.NoError(t, err)

	_, err = store.Pool().Exec(ctx, "DELETE FROM docs_user_links WHERE session_id LIKE 'sess-test-%'")
	require.NoError(t, err)
	_, err = store.Pool().Exec(ctx, "DELETE FROM docs_access WHERE index_name LIKE 'acc-test-%'")
	require.NoError(t, err)

	return svc, store
}

func TestTruncateSnippet_RuneBoundary(t *testing.T) {
	short := "short snippet"
	assert.Equal(t, short, truncateSnippet(short, 500))

	exact := strings.Repeat("x", 500)
	assert.Equal(t, exact, truncateSnippet(exact, 500))

	// byte 500 lands inside the three-byte rune; the cut walks back to its start
	straddling := strings.Repeat("x", 498) + "日本"
	got := truncateSnippet(straddling, 500)
	assert.Equal(t, strings.Repeat("x", 498), got)
	assert.True(t, utf8.ValidString(got))

	multibyte := strings.Repeat("é", 300) // 600 bytes, boundary at 500
	got = truncateSnippet(multibyte, 500)
	assert.Len(t, got, 500)
	assert.True(t, utf8.ValidString(got))
}

func TestIdentity_NotLinked(t *testing.T) {
	svc, _ := testService(t)

	_, err := svc.Identity(context.Background(), "sess-test-unknown")
	assert.ErrorIs(t, err, models.ErrNotLinked)
}

func TestLinkSession_UpsertsBySessionID(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	require.NoError(t, svc.LinkSession(ctx, "sess-test-1", "u1", "", models.ScopeUser))

	id, err := svc.Identity(ctx, "sess-test-1")
	require.NoError(t, err)
	assert.Equal(t, models.Identity{UserID: "u1", Scope: models.ScopeUser}, id)

	// re-linking the same session switches the identity
	require.NoError(t, svc.LinkSession(ctx, "sess-test-1", "u1", "t1", models.ScopeTeam))
	id, err = svc.Identity(ctx, "sess-test-1")
	require.NoError(t, err)
	assert.Equal(t, models.ScopeTeam, id.Scope)
	assert.Equal(t, "t1", id.TeamID)
}

func TestLinkSession_Validation(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	assert.Error(t, svc.LinkSession(ctx, "", "u1", "", models.ScopeUser))
	assert.Error(t, svc.LinkSession(ctx, "sess-test-v", "", "", models.ScopeUser))
	assert.Error(t, svc.LinkSession(ctx, "sess-test-v", "u1", "", models.ScopeTeam))
	assert.Error(t, svc.LinkSession(ctx, "sess-test-v", "u1", "", models.Scope("org")))
}

func TestHasAccess_RankingAndExpiry(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()
	user := models.Identity{UserID: "u1", Scope: models.ScopeUser}

	require.NoError(t, svc.Grant(ctx, models.AccessGrant{
		UserID: "u1", Scope: models.ScopeUser,
		IndexName: "acc-test-rank", AccessLevel: models.AccessLevelWrite, GrantedBy: "admin",
	}))

	for _, tc := range []struct {
		required models.AccessLevel
		want     bool
	}{
		{models.AccessLevelRead, true},
		{models.AccessLevelWrite, true},
		{models.AccessLevelAdmin, false},
	} {
		ok, err := svc.HasAccess(ctx, user, "acc-test-rank", tc.required)
		require.NoError(t, err)
		assert.Equal(t, tc.want, ok, "required %s", tc.required)
	}

	// an expired grant is not in force
	past := time.Now().Add(-time.Hour)
	require.NoError(t, svc.Grant(ctx, models.AccessGrant{
		UserID: "u2", Scope: models.ScopeUser,
		IndexName: "acc-test-rank", AccessLevel: models.AccessLevelAdmin, ExpiresAt: &past,
	}))
	ok, err := svc.HasAccess(ctx, models.Identity{UserID: "u2", Scope: models.ScopeUser}, "acc-test-rank", models.AccessLevelRead)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAccessibleIndexes_IncludesUniversalGrants(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	require.NoError(t, svc.Grant(ctx, models.AccessGrant{
		UserID: "u1", Scope: models.ScopeUser,
		IndexName: "acc-test-mine", AccessLevel: models.AccessLevelRead,
	}))
	require.NoError(t, svc.Grant(ctx, models.AccessGrant{
		Scope:     models.ScopeUser,
		IndexName: "acc-test-public", AccessLevel: models.AccessLevelRead,
	}))
	require.NoError(t, svc.Grant(ctx, models.AccessGrant{
		UserID: "other", Scope: models.ScopeUser,
		IndexName: "acc-test-theirs", AccessLevel: models.AccessLevelRead,
	}))

	indexes, err := svc.AccessibleIndexes(ctx, models.Identity{UserID: "u1", Scope: models.ScopeUser})
	require.NoError(t, err)
	assert.Contains(t, indexes, "acc-test-mine")
	assert.Contains(t, indexes, "acc-test-public")
	assert.NotContains(t, indexes, "acc-test-theirs")
}

func TestSearch_GatingAndSnippets(t *testing.T) {
	svc, store := testService(t)
	ctx := context.Background()
	user := models.Identity{UserID: "u1", Scope: models.ScopeUser}

	index := "acc-test-search"
	require.NoError(t, store.EnsureStore(ctx, index, 3))

	long := make([]byte, 900)
	for i := range long {
		long[i] = 'x'
	}
	require.NoError(t, store.Upsert(ctx, index, &models.DocumentChunk{
		URL:       "https://x.test/a#1",
		Title:     "A",
		Content:   string(long),
		Embedding: []float32{1, 0, 0},
		Metadata:  map[string]interface{}{"type": "html"},
	}))

	// no grant yet
	_, err := svc.Search(ctx, user, index, "hello", 5)
	assert.ErrorIs(t, err, models.ErrAccessDenied)

	require.NoError(t, svc.Grant(ctx, models.AccessGrant{
		UserID: "u1", Scope: models.ScopeUser,
		IndexName: index, AccessLevel: models.AccessLevelRead,
	}))

	results, err := svc.Search(ctx, user, index, "hello", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Len(t, results[0].Snippet, 500)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)

	// an index with a grant but no table must not leak non-existence
	require.NoError(t, svc.Grant(ctx, models.AccessGrant{
		UserID: "u1", Scope: models.ScopeUser,
		IndexName: "acc-test-ghost", AccessLevel: models.AccessLevelRead,
	}))
	_, err = svc.Search(ctx, user, "acc-test-ghost", "hello", 5)
	assert.ErrorIs(t, err, models.ErrAccessDenied)
}
