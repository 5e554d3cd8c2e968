package repo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jubee/internal/db"
	"jubee/internal/domain"
	"jubee/internal/events"
	"jubee/internal/migrate"
)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return Repo{DB: conn}
}

func TestSessionUpsertAndList(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	rec := domain.SessionRecord{
		ID: "s1", Tool: "drafting", Status: domain.StatusCollecting, Stage: "doc-type",
		OwnerID: "u1", Snapshot: `{"id":"s1"}`, CreatedAt: "2024-01-01T00:00:00Z", UpdatedAt: "2024-01-01T00:00:00Z",
	}
	require.NoError(t, r.SaveSession(ctx, rec))
	rec.Status = domain.StatusComplete
	rec.Stage = "draft"
	rec.UpdatedAt = "2024-01-01T00:05:00Z"
	require.NoError(t, r.SaveSession(ctx, rec))

	got, err := r.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	require.NoError(t, r.SaveSession(ctx, domain.SessionRecord{
		ID: "s2", Tool: "precheck", Status: domain.StatusCollecting, Stage: "petitioner",
		Snapshot: "{}", CreatedAt: "2024-01-02T00:00:00Z", UpdatedAt: "2024-01-02T00:00:00Z",
	}))

	all, err := r.ListSessions(ctx, SessionFilters{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "s2", all[0].ID)

	mine, err := r.ListSessions(ctx, SessionFilters{OwnerID: "u1"})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "s1", mine[0].ID)

	counts, err := r.CountSessionsByStatus(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"complete": 1, "collecting": 1}, counts)

	require.NoError(t, r.DeleteSession(ctx, "s1"))
	_, err = r.GetSession(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.DeleteSession(ctx, "s1"), ErrNotFound)
}

func TestEventsCursor(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	w := events.Writer{DB: r.DB}

	for _, typ := range []string{events.SessionCreated, events.SessionChoice, events.SessionCompleted} {
		_, err := w.Append(ctx, nil, typ, "s1", "drafting", "u1", events.EventPayload{"stage": "doc-type"})
		require.NoError(t, err)
	}
	_, err := w.Append(ctx, nil, events.SessionCreated, "s2", "precheck", "u2", nil)
	require.NoError(t, err)

	latest, err := r.LatestEventID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), latest)

	mine, err := r.LatestEvents(ctx, 10, 0, "s1", "")
	require.NoError(t, err)
	require.Len(t, mine, 3)
	assert.Equal(t, events.SessionCompleted, mine[0].Type)
	assert.JSONEq(t, `{"stage":"doc-type"}`, mine[0].Payload)

	older, err := r.LatestEvents(ctx, 10, mine[0].ID, "s1", "")
	require.NoError(t, err)
	assert.Len(t, older, 2)

	after, err := r.EventsAfter(ctx, 10, 2)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, int64(3), after[0].ID)
	assert.Equal(t, "s2", after[1].SessionID)
}

func TestAPIKeys(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	require.NoError(t, r.InsertAPIKey(ctx, domain.APIKey{ID: "k1", ActorID: "u1", Name: "ci", KeyHash: HashAPIKey("secret")}))

	key, err := r.GetAPIKeyByHash(ctx, HashAPIKey(" secret "))
	require.NoError(t, err)
	assert.Equal(t, "u1", key.ActorID)
	assert.Equal(t, "ci", key.Name)

	keys, err := r.ListAPIKeys(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	require.NoError(t, r.DeleteAPIKey(ctx, "k1"))
	_, err = r.GetAPIKeyByHash(ctx, HashAPIKey("secret"))
	assert.ErrorIs(t, err, ErrNotFound)
}
