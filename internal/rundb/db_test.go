package rundb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err, "open in-memory database")
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCreateAndFinishRun(t *testing.T) {
	db := openTestDB(t)

	id, err := db.CreateRun(6, 8)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	runs, err := db.Runs(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, id, runs[0].ID)
	assert.Equal(t, 6, runs[0].Rows)
	assert.Equal(t, 8, runs[0].Cols)
	assert.Equal(t, "running", runs[0].Outcome)
	assert.False(t, runs[0].EndedAt.Valid)

	require.NoError(t, db.FinishRun(id, "completed"))

	runs, err = db.Runs(10)
	require.NoError(t, err)
	assert.Equal(t, "completed", runs[0].Outcome)
	assert.True(t, runs[0].EndedAt.Valid)
}

func TestFinishUnknownRun(t *testing.T) {
	db := openTestDB(t)
	assert.Error(t, db.FinishRun("no-such-run", "completed"))
}

func TestRunsLimit(t *testing.T) {
	db := openTestDB(t)
	for i := 0; i < 5; i++ {
		_, err := db.CreateRun(6, 8)
		require.NoError(t, err)
	}

	runs, err := db.Runs(3)
	require.NoError(t, err)
	assert.Len(t, runs, 3)

	runs, err = db.Runs(0) // 0 means the default cap
	require.NoError(t, err)
	assert.Len(t, runs, 5)
}

func TestRecordAndListCaptures(t *testing.T) {
	db := openTestDB(t)

	id, err := db.CreateRun(2, 2)
	require.NoError(t, err)

	want := []Capture{
		{RunID: id, Well: "A1", Iteration: 0, X: 1.5, Y: 2.5, Z: 0.5, File: "exp_Well_A1_0.png"},
		{RunID: id, Well: "A2", Iteration: 0, X: 10.5, Y: 2.5, Z: 0.5, File: "exp_Well_A2_0.png"},
	}
	for _, c := range want {
		require.NoError(t, db.RecordCapture(c))
	}

	got, err := db.Captures(id)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// Captures are scoped to their run.
	other, err := db.Captures("unrelated")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestRecordCommand(t *testing.T) {
	db := openTestDB(t)

	id, err := db.CreateRun(6, 8)
	require.NoError(t, err)

	require.NoError(t, db.RecordCommand(id, "G1 X10.000 Y0.000 Z0.000 F2000"))
	require.NoError(t, db.RecordCommand("", "G28")) // outside a run

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM commands").Scan(&n))
	assert.Equal(t, 2, n)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	db := openTestDB(t)
	// A second migrate pass on an up-to-date schema is a no-op.
	require.NoError(t, db.migrateUp())
}
