package odktables

import (
	"errors"
	"testing"

	"github.com/moychal/odkVaccine/odkdata"
	"github.com/stretchr/testify/require"
)

func testColumns(t *testing.T) *odkdata.OrderedColumns {
	t.Helper()
	cols, err := odkdata.BuildColumnDefinitions("default", "people", []odkdata.Column{
		{ElementKey: "name", ElementName: "name", ElementType: "string"},
		{ElementKey: "age", ElementName: "age", ElementType: "integer"},
	})
	require.NoError(t, err)
	return cols
}

func strPtr(s string) *string { return &s }

func TestNewRowResource(t *testing.T) {
	cols := testColumns(t)
	row := odkdata.Row{Values: odkdata.Values{
		odkdata.ColID:                 odkdata.Text("r1"),
		odkdata.ColRowETag:            odkdata.Text("etag-1"),
		odkdata.ColSyncState:          odkdata.Text(string(odkdata.SyncStateDeleted)),
		odkdata.ColSavepointType:      odkdata.Text("COMPLETE"),
		odkdata.ColSavepointTimestamp: odkdata.Text("2024-01-02T03:04:05.000000000"),
		odkdata.ColFilterType:         odkdata.Text("DEFAULT"),
		"name":                        odkdata.Text("Ann"),
		"age":                         odkdata.Null(),
	}}

	r := NewRowResource(row, cols)
	require.Equal(t, "r1", r.RowID)
	require.Equal(t, "etag-1", r.RowETag)
	require.True(t, r.Deleted)
	require.Equal(t, "COMPLETE", r.SavepointType)
	require.Equal(t, "DEFAULT", r.FilterScope.Type)
	require.Equal(t, []DataKeyValue{{Column: "age"}, {Column: "name", Value: strPtr("Ann")}}, r.Values)
}

func TestRowResourceToValues(t *testing.T) {
	cols := testColumns(t)

	t.Run("coerces declared types", func(t *testing.T) {
		r := RowResource{RowID: "r1", RowETag: "e", Values: []DataKeyValue{
			{Column: "name", Value: strPtr("Ann")},
			{Column: "age", Value: strPtr("36")},
		}}
		vals, err := r.ToValues(cols)
		require.NoError(t, err)
		require.Equal(t, odkdata.Int(36), vals["age"])
		require.Equal(t, odkdata.Text("Ann"), vals["name"])
		require.Equal(t, "e", vals.Text(odkdata.ColRowETag))
		require.True(t, vals[odkdata.ColFormID].IsNull())
	})

	t.Run("nil value is null", func(t *testing.T) {
		r := RowResource{RowID: "r1", Values: []DataKeyValue{{Column: "age"}}}
		vals, err := r.ToValues(cols)
		require.NoError(t, err)
		require.True(t, vals["age"].IsNull())
	})

	t.Run("unknown column", func(t *testing.T) {
		r := RowResource{RowID: "r1", Values: []DataKeyValue{{Column: "height", Value: strPtr("1")}}}
		_, err := r.ToValues(cols)
		require.True(t, errors.Is(err, odkdata.ErrNotFound))
	})

	t.Run("bad integer", func(t *testing.T) {
		r := RowResource{RowID: "r1", Values: []DataKeyValue{{Column: "age", Value: strPtr("old")}}}
		_, err := r.ToValues(cols)
		require.Error(t, err)
	})
}

func TestSameData(t *testing.T) {
	cols := testColumns(t)
	a := odkdata.Values{"name": odkdata.Text("Ann"), "age": odkdata.Int(3), odkdata.ColRowETag: odkdata.Text("x")}
	b := odkdata.Values{"name": odkdata.Text("Ann"), "age": odkdata.Int(3), odkdata.ColRowETag: odkdata.Text("y")}
	require.True(t, SameData(a, b, cols))

	b["age"] = odkdata.Int(4)
	require.False(t, SameData(a, b, cols))
}

func TestDataETag(t *testing.T) {
	require.Equal(t, "", dataETag(0))
	require.Equal(t, "42", dataETag(42))

	seq, err := parseDataETag("")
	require.NoError(t, err)
	require.Zero(t, seq)

	seq, err = parseDataETag("42")
	require.NoError(t, err)
	require.Equal(t, int64(42), seq)

	for _, bad := range []string{"abc", "-1", "1.5"} {
		_, err := parseDataETag(bad)
		require.Error(t, err, bad)
	}
}

func TestCleanFilename(t *testing.T) {
	for _, good := range []string{"a.txt", "forms/intake/form.json", "x/../y.csv"} {
		_, err := cleanFilename(good)
		require.NoError(t, err, good)
	}
	for _, bad := range []string{"", "/etc/passwd", "../secret", "a/../../b"} {
		_, err := cleanFilename(bad)
		require.Error(t, err, bad)
	}
	require.Equal(t, "md5:d41d8cd98f00b204e9800998ecf8427e", MD5Hash(nil))
}
