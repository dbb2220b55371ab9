package odktables

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestIsRetryablePGTxError(t *testing.T) {
	for code, want := range map[string]bool{
		"40001": true,
		"40P01": true,
		"55P03": true,
		"23505": false,
	} {
		err := fmt.Errorf("tx: %w", &pgconn.PgError{Code: code})
		require.Equal(t, want, isRetryablePGTxError(err), code)
	}
	require.False(t, isRetryablePGTxError(errors.New("boom")))
}

func TestTxBackOff(t *testing.T) {
	b := txBackOff(context.Background(), 3)
	require.NotEqual(t, backoff.Stop, b.NextBackOff())
	require.NotEqual(t, backoff.Stop, b.NextBackOff())
	require.Equal(t, backoff.Stop, b.NextBackOff())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Equal(t, backoff.Stop, txBackOff(ctx, 3).NextBackOff())

	first := txBackOff(context.Background(), 2).NextBackOff()
	require.LessOrEqual(t, first, 50*time.Millisecond)
}
