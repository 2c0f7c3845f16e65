package repo_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"artifactvc/internal/db"
	"artifactvc/internal/domain"
	"artifactvc/internal/migrate"
	"artifactvc/internal/registry"
	"artifactvc/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, db.SQLite))
	return repo.Repo{DB: conn, Dialect: db.SQLite}
}

func draftRow(id, initiativeID, user string) domain.ArtifactVersion {
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	return domain.ArtifactVersion{
		ID:            id,
		ArtifactType:  registry.Application,
		ArtifactID:    5,
		InitiativeID:  &initiativeID,
		ChangeType:    domain.ChangeUpdate,
		ChangedFields: []string{},
		Payload:       []byte(`{"name":"CRM"}`),
		CreatedBy:     user,
		CreatedAt:     now,
		UpdatedBy:     user,
		UpdatedAt:     now,
	}
}

func TestInsertDraftKeepsExistingDraft(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	ref := registry.Ref{Type: registry.Application, ID: 5}

	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, r.InsertInitiative(ctx, tx, domain.Initiative{ID: "it-1", Name: "X", Status: domain.InitiativeActive, CreatedBy: "lead", CreatedAt: now, UpdatedAt: now}))

	inserted, err := r.InsertDraft(ctx, tx, draftRow("d-1", "it-1", "alice"))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = r.InsertDraft(ctx, tx, draftRow("d-2", "it-1", "alice"))
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := r.GetDraft(ctx, tx, ref, "it-1", true)
	require.NoError(t, err)
	assert.Equal(t, "d-1", got.ID)
	require.NoError(t, tx.Commit())
}
