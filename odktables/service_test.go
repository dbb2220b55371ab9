package odktables

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/moychal/odkVaccine/odkdata"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// newTestService connects to TEST_DATABASE_URL, or starts a PostgreSQL
// container when it is unset. Each test gets its own app name so runs
// against a shared database do not collide.
func newTestService(t *testing.T) (*SyncService, string) {
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}
	ctx := context.Background()

	connStr := os.Getenv("TEST_DATABASE_URL")
	if connStr == "" {
		container, err := postgres.RunContainer(ctx,
			testcontainers.WithImage("postgres:15-alpine"),
			postgres.WithDatabase("odktables_test"),
			postgres.WithUsername("postgres"),
			postgres.WithPassword("password"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		require.NoError(t, err)
		t.Cleanup(func() { _ = container.Terminate(context.Background()) })

		connStr, err = container.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	svc, err := NewSyncService(pool, &ServiceConfig{MaxPushRows: 10}, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, "app-" + uuid.NewString()
}

func peopleDefinition() *TableDefinitionResource {
	return &TableDefinitionResource{
		TableID: "people",
		Columns: []odkdata.Column{
			{ElementKey: "name", ElementName: "name", ElementType: "string"},
			{ElementKey: "age", ElementName: "age", ElementType: "integer"},
		},
	}
}

func personRow(id, etag, name string) RowResource {
	return RowResource{RowID: id, RowETag: etag, SavepointType: "COMPLETE", Values: []DataKeyValue{{Column: "name", Value: &name}}}
}

func TestSyncService_TableDefinitions(t *testing.T) {
	svc, app := newTestService(t)
	ctx := context.Background()

	var timings []StageTiming
	svc.config.StageMetrics = StageMetricsRecorderFunc(func(_ context.Context, timing StageTiming) {
		timings = append(timings, timing)
	})

	created, err := svc.CreateTable(ctx, app, peopleDefinition())
	require.NoError(t, err)
	require.NotEmpty(t, created.SchemaETag)
	require.Empty(t, created.DataETag)
	require.Len(t, timings, 1)
	require.Equal(t, MetricsOpSchema, timings[0].Operation)
	require.Equal(t, "people", timings[0].TableID)
	require.False(t, timings[0].Error)

	again, err := svc.CreateTable(ctx, app, peopleDefinition())
	require.NoError(t, err)
	require.Equal(t, created.SchemaETag, again.SchemaETag)

	changed := peopleDefinition()
	changed.Columns = changed.Columns[:1]
	_, err = svc.CreateTable(ctx, app, changed)
	require.True(t, errors.Is(err, ErrDefinitionConflict))

	def, err := svc.GetDefinition(ctx, app, "people")
	require.NoError(t, err)
	require.Equal(t, created.SchemaETag, def.SchemaETag)
	require.Len(t, def.Columns, 2)

	list, err := svc.ListTables(ctx, app)
	require.NoError(t, err)
	require.Len(t, list.Tables, 1)

	_, err = svc.GetDefinition(ctx, app, "missing")
	require.True(t, errors.Is(err, ErrTableNotFound))
	require.True(t, errors.Is(err, odkdata.ErrNotFound))

	require.NoError(t, svc.DeleteTable(ctx, app, "people"))
	require.True(t, errors.Is(svc.DeleteTable(ctx, app, "people"), ErrTableNotFound))
}

func TestSyncService_PushPullConflict(t *testing.T) {
	svc, app := newTestService(t)
	ctx := context.Background()

	tr, err := svc.CreateTable(ctx, app, peopleDefinition())
	require.NoError(t, err)

	// Device A creates two rows
	out, err := svc.ApplyRows(ctx, app, "people", tr.SchemaETag, "nurse-a", &RowList{Rows: []RowResource{
		personRow("r1", "", "Ann"),
		personRow("r2", "", "Bo"),
	}})
	require.NoError(t, err)
	require.Len(t, out.Rows, 2)
	for _, o := range out.Rows {
		require.Equal(t, OutcomeSuccess, o.Outcome)
		require.NotEmpty(t, o.RowETag)
	}
	r1ETag := out.Rows[0].RowETag

	// Device B pulls everything
	page, err := svc.GetRowsSince(ctx, app, PullRequest{TableID: "people", SchemaETag: tr.SchemaETag})
	require.NoError(t, err)
	require.Len(t, page.Rows, 2)
	require.Equal(t, out.DataETag, page.DataETag)
	require.Equal(t, "nurse-a", page.Rows[0].CreateUser)

	// Paging with a limit of one
	first, err := svc.GetRowsSince(ctx, app, PullRequest{TableID: "people", SchemaETag: tr.SchemaETag, Limit: 1})
	require.NoError(t, err)
	require.True(t, first.HasMoreResults)
	second, err := svc.GetRowsSince(ctx, app, PullRequest{TableID: "people", SchemaETag: tr.SchemaETag, Limit: 1, Cursor: first.WebSafeResumeCursor})
	require.NoError(t, err)
	require.False(t, second.HasMoreResults)
	require.Equal(t, "r2", second.Rows[0].RowID)

	// Device A updates r1; device B's stale update conflicts
	_, err = svc.ApplyRows(ctx, app, "people", tr.SchemaETag, "nurse-a", &RowList{Rows: []RowResource{personRow("r1", r1ETag, "Ann A")}})
	require.NoError(t, err)
	stale, err := svc.ApplyRows(ctx, app, "people", tr.SchemaETag, "nurse-b", &RowList{Rows: []RowResource{personRow("r1", r1ETag, "Ann B")}})
	require.NoError(t, err)
	require.Equal(t, OutcomeInConflict, stale.Rows[0].Outcome)
	require.Equal(t, "Ann A", *stale.Rows[0].ValueMap()["name"])

	// Only the update is newer than the first pull
	delta, err := svc.GetRowsSince(ctx, app, PullRequest{TableID: "people", SchemaETag: tr.SchemaETag, SinceETag: page.DataETag})
	require.NoError(t, err)
	require.Len(t, delta.Rows, 1)
	require.Equal(t, "r1", delta.Rows[0].RowID)

	// Deleting a row that was never pushed is a no-op success
	gone, err := svc.ApplyRows(ctx, app, "people", tr.SchemaETag, "nurse-a", &RowList{Rows: []RowResource{{RowID: "r9", Deleted: true}}})
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, gone.Rows[0].Outcome)

	// Malformed rows are reported per row
	bad, err := svc.ApplyRows(ctx, app, "people", tr.SchemaETag, "nurse-a", &RowList{Rows: []RowResource{
		{},
		{RowID: "r3", Values: []DataKeyValue{{Column: "height"}}},
	}})
	require.NoError(t, err)
	require.Equal(t, OutcomeDenied, bad.Rows[0].Outcome)
	require.Equal(t, OutcomeFailed, bad.Rows[1].Outcome)

	_, err = svc.GetRowsSince(ctx, app, PullRequest{TableID: "people", SchemaETag: "stale"})
	require.True(t, errors.Is(err, ErrSchemaMismatch))

	_, err = svc.ApplyRows(ctx, app, "people", tr.SchemaETag, "nurse-a", &RowList{Rows: make([]RowResource, 11)})
	require.Error(t, err)
}

func TestSyncService_Files(t *testing.T) {
	svc, app := newTestService(t)
	ctx := context.Background()

	fe, err := svc.PutFile(ctx, app, "", "", "config/tables/people/forms/people/formDef.json", []byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, MD5Hash([]byte(`{}`)), fe.MD5Hash)

	content, got, err := svc.GetFile(ctx, app, "", "", "config/tables/people/forms/people/formDef.json")
	require.NoError(t, err)
	require.Equal(t, []byte(`{}`), content)
	require.Equal(t, fe.MD5Hash, got.MD5Hash)

	m, err := svc.FileManifest(ctx, app, "", "")
	require.NoError(t, err)
	require.Len(t, m.Files, 1)

	list, err := svc.ListTables(ctx, app)
	require.NoError(t, err)
	require.Equal(t, manifestETag(m), list.AppLevelManifestETag)

	_, err = svc.PutFile(ctx, app, "people", "r1", "photo.jpg", []byte{1})
	require.True(t, errors.Is(err, ErrTableNotFound))

	_, _, err = svc.GetFile(ctx, app, "", "", "missing.txt")
	require.True(t, errors.Is(err, ErrFileNotFound))

	_, err = svc.PutFile(ctx, app, "", "", "../escape", []byte{1})
	require.Error(t, err)
}
