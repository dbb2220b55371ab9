package executor

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/moychal/odkVaccine/odkdata"
	"github.com/moychal/odkVaccine/odkdb"
	"github.com/stretchr/testify/require"
)

const tableID = "people"

func setup(t *testing.T) (*Processor, odkdb.Conn) {
	t.Helper()
	store, err := odkdb.Open(filepath.Join(t.TempDir(), "odk.db"), "default", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	conn, err := store.OpenConn(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	_, err = conn.CreateOrOpenTable(context.Background(), tableID, []odkdata.Column{
		{ElementKey: "name", ElementName: "name", ElementType: "string"},
		{ElementKey: "age", ElementName: "age", ElementType: "integer"},
		{ElementKey: "vaccinated", ElementName: "vaccinated", ElementType: "boolean"},
	}, []odkdata.KeyValueStoreEntry{
		{Partition: odkdata.PartitionTable, Aspect: odkdata.AspectDefault, Key: "pageSize", Type: odkdata.KVSTypeInteger, Value: "25"},
		{Partition: odkdata.PartitionTable, Aspect: odkdata.AspectDefault, Key: "broken", Type: odkdata.KVSTypeNumber, Value: "abc"},
	})
	require.NoError(t, err)
	return NewProcessor(store, nil), conn
}

// cell returns a column of the i-th result row.
func cell(t *testing.T, res *Result, i int, key string) any {
	t.Helper()
	idx, ok := res.Metadata.ElementKeyMap[key]
	require.True(t, ok, "element key %s", key)
	require.Greater(t, len(res.Data), i)
	return res.Data[i][idx]
}

func TestProcess_Validation(t *testing.T) {
	p, _ := setup(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  Request
	}{
		{"nil", nil},
		{"rows without table", GetRows{RowID: "r1"}},
		{"rows without row", GetRows{TableID: tableID}},
		{"add without row", AddRow{TableID: tableID, JSON: `{}`}},
		{"checkpoint without row", AddCheckpoint{TableID: tableID}},
		{"delete last without table", DeleteLastCheckpoint{RowID: "r1"}},
		{"query without table", UserTableQuery{}},
		{"raw without sql", ArbitraryQuery{TableID: tableID}},
		{"raw write", ArbitraryQuery{TableID: tableID, SQL: "DELETE FROM people"}},
		{"pointer variant", &GetRows{TableID: tableID, RowID: "r1"}},
		{"bad order", UserTableQuery{TableID: tableID, OrderByElementKey: "name; DROP TABLE people"}},
		{"bad direction", UserTableQuery{TableID: tableID, OrderByElementKey: "name", OrderByDirection: "sideways"}},
		{"unknown column", AddRow{TableID: tableID, RowID: "r1", JSON: `{"shoe_size": 9}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Process(ctx, tt.req)
			require.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestProcess_RowLifecycle(t *testing.T) {
	p, _ := setup(t)
	ctx := context.Background()

	res, err := p.Process(ctx, AddRow{TableID: tableID, RowID: "r1", JSON: `{"name":"alice","age":30,"_locale":"en"}`})
	require.NoError(t, err)
	require.Len(t, res.Data, 1)
	require.Equal(t, "alice", cell(t, res, 0, "name"))
	require.Equal(t, int64(30), cell(t, res, 0, "age"))
	require.Equal(t, "en", cell(t, res, 0, odkdata.ColLocale))
	require.Equal(t, string(odkdata.SyncStateNewRow), cell(t, res, 0, odkdata.ColSyncState))
	require.Nil(t, cell(t, res, 0, odkdata.ColConflictType))

	require.Equal(t, tableID, res.Metadata.TableID)
	require.Contains(t, res.Metadata.DataTableModel, "name")
	require.Contains(t, res.Metadata.DataTableModel, odkdata.ColSavepointType)
	require.Nil(t, res.Metadata.LastSyncTime)
	kvs := map[string]any{}
	for _, e := range res.Metadata.KeyValueStoreList {
		kvs[e.Key] = e.Value
	}
	require.Equal(t, int64(25), kvs["pageSize"])
	require.Equal(t, "abc", kvs["broken"])

	res, err = p.Process(ctx, UpdateRow{TableID: tableID, RowID: "r1", JSON: `{"age":"31","vaccinated":true}`})
	require.NoError(t, err)
	require.Equal(t, int64(31), cell(t, res, 0, "age"))
	require.Equal(t, true, cell(t, res, 0, "vaccinated"))

	res, err = p.Process(ctx, AddCheckpoint{TableID: tableID, RowID: "r1", JSON: `{"age":32}`})
	require.NoError(t, err)
	require.Len(t, res.Data, 2, "finalized row plus one checkpoint")

	res, err = p.Process(ctx, GetMostRecentRow{TableID: tableID, RowID: "r1"})
	require.NoError(t, err)
	require.Len(t, res.Data, 1)
	require.Equal(t, int64(32), cell(t, res, 0, "age"))
	require.Nil(t, cell(t, res, 0, odkdata.ColSavepointType))

	res, err = p.Process(ctx, SaveCheckpointAsComplete{TableID: tableID, RowID: "r1", JSON: `{"name":"alicia"}`})
	require.NoError(t, err)
	require.Len(t, res.Data, 1)
	require.Equal(t, "alicia", cell(t, res, 0, "name"))
	require.Equal(t, int64(32), cell(t, res, 0, "age"))
	require.Equal(t, string(odkdata.SavepointComplete), cell(t, res, 0, odkdata.ColSavepointType))

	_, err = p.Process(ctx, AddCheckpoint{TableID: tableID, RowID: "r1", JSON: `{"age":40}`})
	require.NoError(t, err)
	res, err = p.Process(ctx, DeleteLastCheckpoint{TableID: tableID, RowID: "r1"})
	require.NoError(t, err)
	require.Len(t, res.Data, 1)
	require.Equal(t, int64(32), cell(t, res, 0, "age"))

	for _, age := range []string{`{"age":41}`, `{"age":42}`} {
		_, err = p.Process(ctx, AddCheckpoint{TableID: tableID, RowID: "r1", JSON: age})
		require.NoError(t, err)
	}
	res, err = p.Process(ctx, DeleteAllCheckpoints{TableID: tableID, RowID: "r1"})
	require.NoError(t, err)
	require.Len(t, res.Data, 1)
	require.Equal(t, int64(32), cell(t, res, 0, "age"))

	_, err = p.Process(ctx, AddCheckpoint{TableID: tableID, RowID: "r1", JSON: `{"age":50}`})
	require.NoError(t, err)
	res, err = p.Process(ctx, SaveCheckpointAsIncomplete{TableID: tableID, RowID: "r1"})
	require.NoError(t, err)
	require.Len(t, res.Data, 1)
	require.Equal(t, int64(50), cell(t, res, 0, "age"))
	require.Equal(t, string(odkdata.SavepointIncomplete), cell(t, res, 0, odkdata.ColSavepointType))

	res, err = p.Process(ctx, DeleteRow{TableID: tableID, RowID: "r1"})
	require.NoError(t, err)
	require.Empty(t, res.Data, "a row the server never saw is removed")

	res, err = p.Process(ctx, GetRows{TableID: tableID, RowID: "r1"})
	require.NoError(t, err)
	require.Empty(t, res.Data)
}

func TestProcess_Queries(t *testing.T) {
	p, conn := setup(t)
	ctx := context.Background()

	for _, js := range []struct{ id, values string }{
		{"r1", `{"name":"alice","age":30}`},
		{"r2", `{"name":"bob","age":17}`},
		{"r3", `{"name":"carol","age":52}`},
	} {
		_, err := p.Process(ctx, AddRow{TableID: tableID, RowID: js.id, JSON: js.values})
		require.NoError(t, err)
	}
	require.NoError(t, conn.SetSchemaETag(ctx, tableID, "schema-1"))

	res, err := p.Process(ctx, UserTableQuery{
		TableID:           tableID,
		Where:             "age >= ?",
		Args:              []any{18},
		OrderByElementKey: "age",
		OrderByDirection:  "desc",
	})
	require.NoError(t, err)
	require.Len(t, res.Data, 2)
	require.Equal(t, "carol", cell(t, res, 0, "name"))
	require.Equal(t, "alice", cell(t, res, 1, "name"))
	require.Equal(t, "schema-1", res.Metadata.SchemaETag)

	res, err = p.Process(ctx, ArbitraryQuery{
		TableID: tableID,
		SQL:     "SELECT _id, age, _conflict_type, count(*) AS n FROM people WHERE name = ? GROUP BY _id",
		Args:    []any{"bob"},
	})
	require.NoError(t, err)
	require.Len(t, res.Data, 1)
	require.Equal(t, "r2", cell(t, res, 0, "_id"))
	require.Equal(t, int64(17), cell(t, res, 0, "age"))
	require.Nil(t, cell(t, res, 0, "_conflict_type"))
	require.Equal(t, int64(1), cell(t, res, 0, "n"))

	res, err = p.Process(ctx, GetAllTableIDs{})
	require.NoError(t, err)
	require.Equal(t, []string{tableID}, res.Metadata.TableIDs)
	require.Empty(t, res.Data)
}

func TestProcess_ColumnCache(t *testing.T) {
	p, conn := setup(t)
	ctx := context.Background()

	_, err := p.Process(ctx, GetRows{TableID: tableID, RowID: "r1"})
	require.NoError(t, err)
	require.Contains(t, p.columns, tableID)

	require.NoError(t, conn.DeleteTable(ctx, tableID))
	p.Invalidate(tableID)
	_, err = p.Process(ctx, GetRows{TableID: tableID, RowID: "r1"})
	require.ErrorIs(t, err, odkdata.ErrNotFound)
}

func TestConvertJSON(t *testing.T) {
	_, conn := setup(t)
	cols, err := conn.GetUserDefinedColumns(context.Background(), tableID)
	require.NoError(t, err)

	values, err := ConvertJSON(cols, `{"name":null,"age":7.0,"vaccinated":1,"_form_id":"intake","_savepoint_creator":"nurse"}`)
	require.NoError(t, err)
	require.True(t, values["name"].IsNull())
	require.Equal(t, odkdata.Int(7), values["age"])
	require.Equal(t, odkdata.Bool(true), values["vaccinated"])
	require.Equal(t, odkdata.Text("intake"), values[odkdata.ColFormID])
	require.Equal(t, odkdata.Text("nurse"), values[odkdata.ColSavepointCreator])

	values, err = ConvertJSON(cols, "  ")
	require.NoError(t, err)
	require.Empty(t, values)

	for _, bad := range []string{
		`[1,2]`,
		`{"_sync_state":"synced"}`,
		`{"_id":"r9"}`,
		`{"age":1.5}`,
		`{"age":"old"}`,
		`{"name":{"first":"a"}}`,
		`{"missing":1}`,
	} {
		_, err := ConvertJSON(cols, bad)
		require.ErrorIs(t, err, ErrInvalidRequest, bad)
	}
}
