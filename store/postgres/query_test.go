package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryBuilder(t *testing.T) {
	var q query
	assert.Empty(t, q.clause())

	q.where("wallet_id = ?", "wal_1")
	q.where("type = ?", "reserve")
	assert.Equal(t, " WHERE wallet_id = $1 AND type = $2", q.clause())
	assert.Equal(t, []any{"wal_1", "reserve"}, q.args)

	assert.Equal(t, "", q.page(0, 0))
	assert.Equal(t, " LIMIT 10", q.page(10, 0))
	assert.Equal(t, " LIMIT 10 OFFSET 20", q.page(10, 20))
	assert.Equal(t, " OFFSET 5", q.page(0, 5))
}

func TestWithRetry(t *testing.T) {
	ctx := context.Background()
	serialization := &pgconn.PgError{Code: "40001"}

	calls := 0
	err := withRetry(ctx, 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return serialization
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = withRetry(ctx, 2, time.Millisecond, func() error {
		calls++
		return &pgconn.PgError{Code: "40P01"}
	})
	require.True(t, isRetriable(err))
	assert.Equal(t, 3, calls)

	calls = 0
	boom := errors.New("boom")
	err = withRetry(ctx, 3, time.Millisecond, func() error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls, "non-retriable errors return immediately")
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("x")))
}

func TestMarshalHelpers(t *testing.T) {
	b, err := marshalMetadata(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(b))

	b, err = marshalResult(nil)
	require.NoError(t, err)
	assert.Nil(t, b)

	b, err = marshalResult(map[string]any{"text": "ok"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"ok"}`, string(b))
}
