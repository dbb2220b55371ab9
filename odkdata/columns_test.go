package odkdata

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func geoColumns() []Column {
	return []Column{
		{ElementKey: "name", ElementName: "name", ElementType: "string"},
		{ElementKey: "age", ElementName: "age", ElementType: "integer"},
		{ElementKey: "location", ElementName: "location", ElementType: "geopoint",
			ListChildElementKeys: `["location_latitude","location_longitude"]`},
		{ElementKey: "location_latitude", ElementName: "latitude", ElementType: "number"},
		{ElementKey: "location_longitude", ElementName: "longitude", ElementType: "number"},
		{ElementKey: "tags", ElementName: "tags", ElementType: "array", ListChildElementKeys: `["tags_items"]`},
		{ElementKey: "tags_items", ElementName: "items", ElementType: "string"},
		{ElementKey: "photo", ElementName: "photo", ElementType: "mimeUri",
			ListChildElementKeys: `["photo_uriFragment","photo_contentType"]`},
		{ElementKey: "photo_uriFragment", ElementName: "uriFragment", ElementType: "rowpath"},
		{ElementKey: "photo_contentType", ElementName: "contentType", ElementType: "string"},
	}
}

func TestBuildColumnDefinitions_SortedAndFindMatchesLinearScan(t *testing.T) {
	oc, err := BuildColumnDefinitions("default", "people", geoColumns())
	require.NoError(t, err)

	cols := oc.Columns()
	require.Len(t, cols, 10)
	for i := 1; i < len(cols); i++ {
		require.Less(t, cols[i-1].ElementKey(), cols[i].ElementKey())
	}

	for _, linear := range cols {
		found, err := oc.Find(linear.ElementKey())
		require.NoError(t, err)
		require.Same(t, linear, found)
	}

	_, err = oc.Find("nope")
	require.True(t, errors.Is(err, ErrNotFound))
	_, err = oc.Find("")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestBuildColumnDefinitions_UnitOfRetention(t *testing.T) {
	oc, err := BuildColumnDefinitions("default", "people", geoColumns())
	require.NoError(t, err)

	expected := map[string]bool{
		"name":               true,
		"age":                true,
		"location":           false, // object with children
		"location_latitude":  true,
		"location_longitude": true,
		"tags":               true, // arrays hold their items as JSON
		"tags_items":         false,
		"photo":              false,
		"photo_uriFragment":  true,
		"photo_contentType":  true,
	}
	for key, want := range expected {
		def, err := oc.Find(key)
		require.NoError(t, err)
		require.Equal(t, want, def.IsUnitOfRetention(), key)
	}

	require.Equal(t, []string{
		"age", "location_latitude", "location_longitude", "name",
		"photo_contentType", "photo_uriFragment", "tags",
	}, oc.RetentionColumnNames())

	loc, _ := oc.Find("location_latitude")
	require.Equal(t, "location", loc.ParentKey())
	parent, _ := oc.Find("location")
	require.Equal(t, []string{"location_latitude", "location_longitude"}, parent.ChildKeys())
	require.Equal(t, DataTypeObject, parent.ElementType().DataType())
}

func TestBuildColumnDefinitions_NestedArrayDescendantsNotRetained(t *testing.T) {
	cols := []Column{
		{ElementKey: "visits", ElementName: "visits", ElementType: "array", ListChildElementKeys: `["visits_items"]`},
		{ElementKey: "visits_items", ElementName: "items", ElementType: "object",
			ListChildElementKeys: `["visits_items_date","visits_items_notes"]`},
		{ElementKey: "visits_items_date", ElementName: "date", ElementType: "date:string"},
		{ElementKey: "visits_items_notes", ElementName: "notes", ElementType: "string"},
	}
	oc, err := BuildColumnDefinitions("default", "clinic", cols)
	require.NoError(t, err)
	require.Equal(t, []string{"visits"}, oc.RetentionColumnNames())

	date, _ := oc.Find("visits_items_date")
	require.Equal(t, DataTypeString, date.ElementType().DataType())
	require.Equal(t, "date:string", date.ElementType().String())
}

func TestBuildColumnDefinitions_Invalid(t *testing.T) {
	tests := []struct {
		name string
		cols []Column
	}{
		{
			name: "invalid name",
			cols: []Column{{ElementKey: "_secret", ElementName: "_secret", ElementType: "string"}},
		},
		{
			name: "reserved word",
			cols: []Column{{ElementKey: "select", ElementName: "select", ElementType: "string"}},
		},
		{
			name: "undefined child",
			cols: []Column{{ElementKey: "loc", ElementName: "loc", ElementType: "object", ListChildElementKeys: `["loc_x"]`}},
		},
		{
			name: "array with two children",
			cols: []Column{
				{ElementKey: "a", ElementName: "a", ElementType: "array", ListChildElementKeys: `["a_x","a_y"]`},
				{ElementKey: "a_x", ElementName: "x", ElementType: "string"},
				{ElementKey: "a_y", ElementName: "y", ElementType: "string"},
			},
		},
		{
			name: "array with no children",
			cols: []Column{{ElementKey: "a", ElementName: "a", ElementType: "array"}},
		},
		{
			name: "child key mismatch",
			cols: []Column{
				{ElementKey: "loc", ElementName: "loc", ElementType: "object", ListChildElementKeys: `["loc_lat"]`},
				{ElementKey: "loc_lat", ElementName: "latitude", ElementType: "number"},
			},
		},
		{
			name: "two parents",
			cols: []Column{
				{ElementKey: "a", ElementName: "a", ElementType: "object", ListChildElementKeys: `["a_x"]`},
				{ElementKey: "b", ElementName: "b", ElementType: "object", ListChildElementKeys: `["a_x"]`},
				{ElementKey: "a_x", ElementName: "x", ElementType: "string"},
			},
		},
		{
			name: "bad child list",
			cols: []Column{{ElementKey: "a", ElementName: "a", ElementType: "object", ListChildElementKeys: `[a_x`}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildColumnDefinitions("default", "t1", tt.cols)
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrInvalidSchema), "got %v", err)
		})
	}
}

func TestDataModel(t *testing.T) {
	oc, err := BuildColumnDefinitions("default", "people", geoColumns())
	require.NoError(t, err)

	model := oc.DataModel()
	require.Len(t, model, 5)

	tags := model["tags"].(map[string]any)
	require.Equal(t, "array", tags[SchemaType])
	items := tags[SchemaItems].(map[string]any)
	require.Equal(t, "tags.items", items[SchemaElementPath])
	require.Equal(t, true, items[SchemaNotUnitOfRetention])

	loc := model["location"].(map[string]any)
	require.Equal(t, "object", loc[SchemaType])
	require.Equal(t, "geopoint", loc[SchemaElementType])
	lat := loc[SchemaProperties].(map[string]any)["latitude"].(map[string]any)
	require.Equal(t, "location.latitude", lat[SchemaElementPath])
	require.Equal(t, "location_latitude", lat[SchemaElementKey])
	require.NotContains(t, lat, SchemaNotUnitOfRetention)

	photo := model["photo"].(map[string]any)
	uri := photo[SchemaProperties].(map[string]any)["uriFragment"].(map[string]any)
	require.Equal(t, "string", uri[SchemaType])
	require.Equal(t, "rowpath", uri[SchemaElementType])

	ext := oc.ExtendedDataModel()
	id := ext[ColID].(map[string]any)
	require.Equal(t, ElementSetInstanceMetadata, id[SchemaElementSet])
	require.Equal(t, true, id[SchemaIsNotNullable])
	require.Equal(t, "integer", ext[ColConflictType].(map[string]any)[SchemaType])
}

func TestSameShape(t *testing.T) {
	a, err := BuildColumnDefinitions("default", "people", geoColumns())
	require.NoError(t, err)
	b, err := BuildColumnDefinitions("default", "people", geoColumns())
	require.NoError(t, err)
	require.True(t, a.SameShape(b))

	c, err := BuildColumnDefinitions("default", "people", geoColumns()[:2])
	require.NoError(t, err)
	require.False(t, a.SameShape(c))
}
