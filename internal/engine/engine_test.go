package engine_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jubee/internal/config"
	"jubee/internal/db"
	"jubee/internal/domain"
	"jubee/internal/engine"
	"jubee/internal/events"
	"jubee/internal/intake"
	"jubee/internal/migrate"
	"jubee/internal/repo"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return conn
}

func newEngine(t *testing.T, conn *sql.DB) *engine.Engine {
	t.Helper()
	eng, err := engine.New(engine.Options{
		DB:          conn,
		Config:      config.Default(),
		Logger:      zerolog.Nop(),
		Synchronous: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return eng
}

func eventTypes(evts []domain.Event) []string {
	out := make([]string, 0, len(evts))
	for _, e := range evts {
		out = append(out, e.Type)
	}
	return out
}

func TestPrecheckRunsToCompletionAndPersists(t *testing.T) {
	ctx := context.Background()
	conn := openDB(t)
	eng := newEngine(t, conn)

	snap, err := eng.CreateSession(ctx, "precheck", "alice", nil)
	require.NoError(t, err)
	id := snap.ID
	assert.Equal(t, "petitioner", snap.Stage.Name)
	require.Len(t, snap.Turns, 1)
	assert.False(t, snap.Turns[0].Typing)

	_, err = eng.Text(ctx, id, "alice", "Acme Ltd")
	require.NoError(t, err)
	_, err = eng.Text(ctx, id, "alice", "State of Delhi")
	require.NoError(t, err)
	snap, err = eng.Choose(ctx, id, "alice", "delhi-hc")
	require.NoError(t, err)
	assert.Equal(t, "case-type", snap.Stage.Name)
	_, err = eng.Choose(ctx, id, "alice", "writ-petition")
	require.NoError(t, err)
	snap, err = eng.Files(ctx, id, "alice", []domain.FileDescriptor{{Name: "petition.pdf", Type: "application/pdf", Size: 2048}})
	require.NoError(t, err)
	assert.Equal(t, "annexures", snap.Stage.Name)
	require.Len(t, snap.Documents["petition"], 1)

	snap, err = eng.Choose(ctx, id, "alice", "skip-annexures")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusComplete, snap.Status)
	assert.Contains(t, string(snap.Result), `"kind":"defects"`)

	rec, err := eng.Repo.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusComplete, rec.Status)
	assert.Equal(t, "scrutiny", rec.Stage)
	assert.Equal(t, "alice", rec.OwnerID)

	evts, err := eng.SessionEvents(ctx, id, "alice", 50, 0)
	require.NoError(t, err)
	types := eventTypes(evts)
	assert.Contains(t, types, events.SessionCreated)
	assert.Contains(t, types, events.SessionFiles)
	assert.Contains(t, types, events.SessionGenerating)
	assert.Contains(t, types, events.SessionCompleted)

	// A second engine on the same database picks the session up where it was.
	require.NoError(t, eng.Close())
	other := newEngine(t, conn)
	restored, err := other.Snapshot(ctx, id, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusComplete, restored.Status)
	assert.Equal(t, len(snap.Turns), len(restored.Turns))
	assert.JSONEq(t, string(snap.Result), string(restored.Result))
	assert.Equal(t, "Acme Ltd", restored.Fields.String("petitionerName"))
}

func TestSessionsAreScopedToOwner(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, openDB(t))

	snap, err := eng.CreateSession(ctx, "drafting", "alice", nil)
	require.NoError(t, err)

	_, err = eng.Snapshot(ctx, snap.ID, "bob")
	assert.ErrorIs(t, err, intake.ErrSessionNotFound)
	_, err = eng.Choose(ctx, snap.ID, "bob", "petition")
	assert.ErrorIs(t, err, intake.ErrSessionNotFound)

	_, err = eng.Snapshot(ctx, "missing", "alice")
	assert.ErrorIs(t, err, intake.ErrSessionNotFound)
}

func TestValidationErrorsDoNotRecordEvents(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, openDB(t))

	snap, err := eng.CreateSession(ctx, "precheck", "alice", nil)
	require.NoError(t, err)

	_, err = eng.Text(ctx, snap.ID, "alice", "   ")
	var verr *intake.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = eng.Choose(ctx, snap.ID, "alice", "delhi-hc")
	var aerr *intake.InvalidActionError
	require.ErrorAs(t, err, &aerr)

	evts, err := eng.SessionEvents(ctx, snap.ID, "alice", 50, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{events.SessionCreated}, eventTypes(evts))
}

func TestRemoveDocumentAndReset(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, openDB(t))

	snap, err := eng.CreateSession(ctx, "drafting", "alice", nil)
	require.NoError(t, err)
	id := snap.ID
	_, err = eng.Choose(ctx, id, "alice", "petition")
	require.NoError(t, err)
	snap, err = eng.Files(ctx, id, "alice", []domain.FileDescriptor{{Name: "style.docx"}})
	require.NoError(t, err)
	require.Len(t, snap.Documents["style"], 1)
	docID := snap.Documents["style"][0].ID

	_, err = eng.RemoveDocument(ctx, id, "alice", "style", "nope")
	assert.ErrorIs(t, err, engine.ErrDocumentNotFound)

	snap, err = eng.RemoveDocument(ctx, id, "alice", "style", docID)
	require.NoError(t, err)
	assert.Empty(t, snap.Documents["style"])

	snap, err = eng.Reset(ctx, id, "alice")
	require.NoError(t, err)
	assert.Equal(t, "doc-type", snap.Stage.Name)
	assert.Len(t, snap.Turns, 1)
	assert.Empty(t, snap.Fields)
}

func TestUploadFailureKeepsStageAndRecordsEvent(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, openDB(t))

	snap, err := eng.CreateSession(ctx, "drafting", "alice", nil)
	require.NoError(t, err)
	id := snap.ID

	_, err = eng.UploadFailure(ctx, id, "alice", "picker offline")
	var ae *intake.InvalidActionError
	require.ErrorAs(t, err, &ae)

	_, err = eng.Choose(ctx, id, "alice", "petition")
	require.NoError(t, err)
	before, err := eng.Snapshot(ctx, id, "alice")
	require.NoError(t, err)

	snap, err = eng.UploadFailure(ctx, id, "alice", "picker offline")
	require.NoError(t, err)
	assert.Equal(t, before.Stage.Name, snap.Stage.Name)
	assert.Len(t, snap.Turns, len(before.Turns))

	evts, err := eng.SessionEvents(ctx, id, "alice", 1, 0)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, events.SessionUploadError, evts[0].Type)
	assert.Contains(t, evts[0].Payload, "picker offline")
}

func TestCompleteRejectsMalformedResult(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, openDB(t))

	snap, err := eng.CreateSession(ctx, "drafting", "alice", nil)
	require.NoError(t, err)

	_, err = eng.Complete(ctx, snap.ID, "alice", []byte(`{"kind":"poem","data":{}}`))
	var verr *intake.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = eng.Complete(ctx, snap.ID, "alice", []byte(`null`))
	require.ErrorAs(t, err, &verr)
}

func TestDeleteSession(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, openDB(t))

	snap, err := eng.CreateSession(ctx, "precedent", "alice", nil)
	require.NoError(t, err)
	require.NoError(t, eng.DeleteSession(ctx, snap.ID, "alice"))

	_, err = eng.Snapshot(ctx, snap.ID, "alice")
	assert.ErrorIs(t, err, intake.ErrSessionNotFound)
	_, err = eng.Repo.GetSession(ctx, snap.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	deleted, err := eng.Repo.LatestEvents(ctx, 10, 0, snap.ID, events.SessionDeleted)
	require.NoError(t, err)
	assert.Len(t, deleted, 1)
}

func TestUnknownTool(t *testing.T) {
	eng := newEngine(t, openDB(t))
	_, err := eng.CreateSession(context.Background(), "nope", "alice", nil)
	assert.ErrorIs(t, err, intake.ErrUnknownTool)
	_, err = eng.Tool("nope")
	assert.ErrorIs(t, err, intake.ErrUnknownTool)
	assert.Len(t, eng.Tools(), 3)
}
