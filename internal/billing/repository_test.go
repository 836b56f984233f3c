package billing

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestClassifyPgError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		conflict bool
	}{
		{name: "unique violation", err: &pgconn.PgError{Code: pgerrcode.UniqueViolation, Message: "duplicate key"}, conflict: true},
		{name: "serialization failure", err: &pgconn.PgError{Code: pgerrcode.SerializationFailure}, conflict: true},
		{name: "deadlock", err: &pgconn.PgError{Code: pgerrcode.DeadlockDetected}, conflict: true},
		{name: "wrapped unique violation", err: fmt.Errorf("insert invoice line 2: %w", &pgconn.PgError{Code: pgerrcode.UniqueViolation}), conflict: true},
		{name: "undefined table", err: &pgconn.PgError{Code: pgerrcode.UndefinedTable}},
		{name: "plain error", err: errors.New("connection reset")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := classifyPgError(tc.err)
			require.Equal(t, tc.conflict, errors.Is(got, ErrBatchConflict))
			require.Equal(t, tc.conflict, IsBatchFatal(got))
			if !tc.conflict {
				require.Same(t, tc.err, got)
			}
		})
	}
	require.NoError(t, classifyPgError(nil))
}
