package automation

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crashkill/hub-automation-sub001/errors"
	hubtest "github.com/crashkill/hub-automation-sub001/internal/testing"
	"github.com/crashkill/hub-automation-sub001/pulse/async"
	"github.com/crashkill/hub-automation-sub001/pulse/schedule"
)

func sampleDefinition(t *testing.T, id, automationType string, created time.Time) *Definition {
	t.Helper()
	sched, err := schedule.Cron("0 3 * * *", "Europe/Berlin")
	require.NoError(t, err)
	return &Definition{
		ID:             id,
		Name:           "Nightly " + id,
		Description:    "copies /data",
		Type:           automationType,
		SchemaVersion:  CurrentSchemaVersion,
		Enabled:        true,
		Schedule:       sched,
		Parameters:     map[string]any{"targetPath": "/data", "retention": float64(7)},
		Priority:       async.PriorityHigh,
		TimeoutSeconds: 600,
		Secrets:        []string{"BACKUP_TOKEN"},
		Author:         "ops",
		Category:       "maintenance",
		Tags:           []string{"nightly", "storage"},
		CreatedAt:      created,
		UpdatedAt:      created,
	}
}

func definitionStores(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": NewSQLStore(hubtest.CreateTestDB(t)),
	}
}

func TestStore_CreateGet(t *testing.T) {
	for name, store := range definitionStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			created := time.Date(2026, 4, 2, 8, 30, 0, 250, time.UTC)
			d := sampleDefinition(t, "a1", "backup", created)

			require.NoError(t, store.Create(ctx, d))

			got, err := store.Get(ctx, "a1")
			require.NoError(t, err)
			assert.Equal(t, d.Name, got.Name)
			assert.Equal(t, d.Description, got.Description)
			assert.Equal(t, "backup", got.Type)
			assert.True(t, got.Enabled)
			assert.Equal(t, d.Schedule.Spec(), got.Schedule.Spec())
			assert.True(t, got.Schedule.Equal(d.Schedule))
			assert.Equal(t, d.Parameters, got.Parameters)
			assert.Equal(t, async.PriorityHigh, got.Priority)
			assert.Equal(t, 600, got.TimeoutSeconds)
			assert.Equal(t, []string{"BACKUP_TOKEN"}, got.Secrets)
			assert.Equal(t, []string{"nightly", "storage"}, got.Tags)
			assert.True(t, got.CreatedAt.Equal(created))
			assert.True(t, got.UpdatedAt.Equal(created))
		})
	}
}

func TestStore_CreateDuplicate(t *testing.T) {
	for name, store := range definitionStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()
			require.NoError(t, store.Create(ctx, sampleDefinition(t, "a1", "backup", now)))

			err := store.Create(ctx, sampleDefinition(t, "a1", "backup", now))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrAlreadyExists))
			assert.Equal(t, "invalid_request", errors.Kind(err))
		})
	}
}

func TestStore_UpdateDelete(t *testing.T) {
	for name, store := range definitionStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			created := time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC)
			d := sampleDefinition(t, "a1", "backup", created)
			require.NoError(t, store.Create(ctx, d))

			d.Name = "Renamed"
			d.Enabled = false
			d.Schedule = schedule.Manual()
			d.UpdatedAt = created.Add(time.Hour)
			require.NoError(t, store.Update(ctx, d))

			got, err := store.Get(ctx, "a1")
			require.NoError(t, err)
			assert.Equal(t, "Renamed", got.Name)
			assert.False(t, got.Enabled)
			assert.True(t, got.Schedule.IsManual())
			assert.True(t, got.CreatedAt.Equal(created))
			assert.True(t, got.UpdatedAt.Equal(created.Add(time.Hour)))

			require.NoError(t, store.Delete(ctx, "a1"))
			_, err = store.Get(ctx, "a1")
			assert.True(t, errors.Is(err, errors.ErrNotFound))

			assert.True(t, errors.Is(store.Delete(ctx, "a1"), errors.ErrNotFound))
			assert.True(t, errors.Is(store.Update(ctx, d), errors.ErrNotFound))
		})
	}
}

func TestStore_ListOrderAndType(t *testing.T) {
	for name, store := range definitionStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)
			require.NoError(t, store.Create(ctx, sampleDefinition(t, "c", "backup", base)))
			require.NoError(t, store.Create(ctx, sampleDefinition(t, "a", "shell", base.Add(time.Minute))))
			require.NoError(t, store.Create(ctx, sampleDefinition(t, "b", "backup", base.Add(2*time.Minute))))

			all, err := store.List(ctx)
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, []string{"c", "a", "b"}, []string{all[0].ID, all[1].ID, all[2].ID})

			backups, err := store.ListByType(ctx, "backup")
			require.NoError(t, err)
			require.Len(t, backups, 2)
			assert.Equal(t, "c", backups[0].ID)
			assert.Equal(t, "b", backups[1].ID)

			none, err := store.ListByType(ctx, "http")
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, sampleDefinition(t, "a1", "backup", time.Now())))

	got, err := store.Get(ctx, "a1")
	require.NoError(t, err)
	got.Parameters["targetPath"] = "/elsewhere"
	got.Tags[0] = "mutated"

	again, err := store.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "/data", again.Parameters["targetPath"])
	assert.Equal(t, "nightly", again.Tags[0])
}

func TestSQLStore_QueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM automations").
		WillReturnError(errors.New("disk I/O error"))

	_, err = NewSQLStore(db).List(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to query automations")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_CreateError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO automations").WillReturnError(errors.New("database is locked"))

	err = NewSQLStore(db).Create(context.Background(), sampleDefinition(t, "a1", "backup", time.Now()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create automation a1")
	assert.False(t, errors.Is(err, ErrAlreadyExists))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_CorruptSchedule(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := "2026-04-02T08:00:00.000000000Z"
	rows := sqlmock.NewRows([]string{
		"id", "name", "description", "type", "schema_version", "enabled", "schedule", "parameters",
		"priority", "timeout_seconds", "secrets", "author", "category", "tags", "created_at", "updated_at",
	}).AddRow("a1", "n", "", "backup", 1, true, `{"kind":"sometimes"}`, `{}`,
		"medium", 0, `[]`, "", "", `[]`, now, now)
	mock.ExpectQuery("SELECT (.+) FROM automations WHERE id").WithArgs("a1").WillReturnRows(rows)

	_, err = NewSQLStore(db).Get(context.Background(), "a1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid schedule for automation a1")
	assert.NoError(t, mock.ExpectationsWereMet())
}
