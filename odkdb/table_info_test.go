package odkdb

import (
	"context"
	"errors"
	"testing"

	"github.com/moychal/odkVaccine/odkdata"
	"github.com/stretchr/testify/require"
)

func TestTableInfoProvider_CachesAndVerifies(t *testing.T) {
	ctx := context.Background()
	store, _, cols := newTestStore(t)

	provider := NewTableInfoProvider()
	info, err := provider.Get(ctx, store.DB, "people")
	require.NoError(t, err)
	require.True(t, info.Has("age"))
	require.True(t, info.Has(odkdata.ColSyncState))
	require.False(t, info.Has("height"))

	// Cached instance is returned until invalidated
	again, err := provider.Get(ctx, store.DB, "people")
	require.NoError(t, err)
	require.Same(t, info, again)
	provider.Invalidate("people")
	fresh, err := provider.Get(ctx, store.DB, "people")
	require.NoError(t, err)
	require.NotSame(t, info, fresh)

	require.NoError(t, provider.verifyLayout(ctx, store.DB, "people", cols))

	wider, err := odkdata.BuildColumnDefinitions("default", "people",
		append(peopleColumns(), odkdata.Column{ElementKey: "height", ElementName: "height", ElementType: "number"}))
	require.NoError(t, err)
	err = provider.verifyLayout(ctx, store.DB, "people", wider)
	require.True(t, errors.Is(err, odkdata.ErrIntegrityFault))

	_, err = provider.Get(ctx, store.DB, "nonexistent")
	require.True(t, errors.Is(err, odkdata.ErrNotFound))
}
