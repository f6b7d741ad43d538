package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vsr-engine/internal/vsr"
)

func createTempDB(t *testing.T) (*BoltStore, string, func()) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := NewBoltStore(dbPath)
	require.NoError(t, err)
	require.NotNil(t, db)

	cleanup := func() {
		db.Close()
		os.RemoveAll(tmpDir)
	}

	return db, dbPath, cleanup
}

func entry(op vsr.OpNumber, view vsr.ViewNumber, payload string) vsr.LogEntry {
	return vsr.LogEntry{Op: op, View: view, Command: vsr.DataCommand([]byte(payload))}
}

// stores runs fn against every LogStore implementation
func stores(t *testing.T, fn func(t *testing.T, store vsr.LogStore)) {
	t.Run("bolt", func(t *testing.T) {
		db, _, cleanup := createTempDB(t)
		defer cleanup()
		fn(t, db)
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
}

func TestNewBoltStore(t *testing.T) {
	t.Run("creates new database successfully", func(t *testing.T) {
		db, dbPath, cleanup := createTempDB(t)
		defer cleanup()

		assert.NotNil(t, db.conn)
		_, err := os.Stat(dbPath)
		assert.NoError(t, err)
	})

	t.Run("fails with invalid path", func(t *testing.T) {
		db, err := NewBoltStore("/invalid/path/that/does/not/exist/test.db")
		assert.Error(t, err)
		assert.Nil(t, db)
	})
}

// recordingLogger keeps every formatted line for assertions
type recordingLogger struct {
	lines []string
}

func (l *recordingLogger) SetLevel(logger.LogLevel) {}
func (l *recordingLogger) Debugf(format string, args ...interface{}) {
	l.lines = append(l.lines, "DEBUG "+fmt.Sprintf(format, args...))
}
func (l *recordingLogger) Infof(format string, args ...interface{}) {
	l.lines = append(l.lines, "INFO "+fmt.Sprintf(format, args...))
}
func (l *recordingLogger) Warningf(format string, args ...interface{}) {
	l.lines = append(l.lines, "WARN "+fmt.Sprintf(format, args...))
}
func (l *recordingLogger) Errorf(format string, args ...interface{}) {
	l.lines = append(l.lines, "ERROR "+fmt.Sprintf(format, args...))
}
func (l *recordingLogger) Panicf(format string, args ...interface{}) { panic(fmt.Sprintf(format, args...)) }

func TestBoltStore_Logging(t *testing.T) {
	rec := &recordingLogger{}
	saved := plog
	plog = rec
	defer func() { plog = saved }()

	t.Run("reports open and truncation", func(t *testing.T) {
		db, dbPath, cleanup := createTempDB(t)
		defer cleanup()
		assert.Contains(t, rec.lines, "INFO [BOLT] opened log store at "+dbPath)

		for op := vsr.OpNumber(1); op <= 3; op++ {
			require.NoError(t, db.Append(entry(op, 0, "v")))
		}
		require.NoError(t, db.TruncateSuffix(1))
		assert.Contains(t, rec.lines, "DEBUG [BOLT] truncated 2 entries after op 1")
	})

	t.Run("reports an open failure", func(t *testing.T) {
		rec.lines = nil
		_, err := NewBoltStore("/invalid/path/that/does/not/exist/test.db")
		require.Error(t, err)
		require.Len(t, rec.lines, 1)
		assert.Contains(t, rec.lines[0], "ERROR [BOLT] failed to open")
	})
}

func TestLogStore_AppendAndGet(t *testing.T) {
	stores(t, func(t *testing.T, store vsr.LogStore) {
		t.Run("round trips every entry field", func(t *testing.T) {
			e := vsr.LogEntry{
				Op:      1,
				View:    2,
				Command: vsr.DataCommand([]byte("SET a=1")),
				Client:  vsr.ClientMetadata{ClientID: "client-1", RequestNumber: 7},
			}
			require.NoError(t, store.Append(e))

			got, found, err := store.Get(1)
			require.NoError(t, err)
			assert.True(t, found)
			assert.True(t, e.Equal(got))
		})

		t.Run("round trips a reconfiguration", func(t *testing.T) {
			e := vsr.LogEntry{Op: 2, View: 2, Command: vsr.ReconfigurationCommand(vsr.ReplaceReplica(1, 4))}
			require.NoError(t, store.Append(e))

			got, found, err := store.Get(2)
			require.NoError(t, err)
			require.True(t, found)
			require.NotNil(t, got.Command.Reconfig)
			assert.Equal(t, vsr.ReplaceReplica(1, 4), *got.Command.Reconfig)
		})

		t.Run("reports missing entries", func(t *testing.T) {
			_, found, err := store.Get(99)
			require.NoError(t, err)
			assert.False(t, found)
		})

		t.Run("replaces an entry at the same op", func(t *testing.T) {
			require.NoError(t, store.Append(entry(1, 3, "SET a=2")))
			got, _, err := store.Get(1)
			require.NoError(t, err)
			assert.Equal(t, vsr.ViewNumber(3), got.View)
		})

		t.Run("rejects op zero", func(t *testing.T) {
			assert.Error(t, store.Append(entry(0, 0, "x")))
		})
	})
}

func TestLogStore_EntriesInRange(t *testing.T) {
	stores(t, func(t *testing.T, store vsr.LogStore) {
		for op := vsr.OpNumber(1); op <= 5; op++ {
			require.NoError(t, store.Append(entry(op, 0, "v")))
		}

		t.Run("is inclusive on both ends", func(t *testing.T) {
			got, err := store.EntriesInRange(2, 4)
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, vsr.OpNumber(2), got[0].Op)
			assert.Equal(t, vsr.OpNumber(4), got[2].Op)
		})

		t.Run("stops at the end of the log", func(t *testing.T) {
			got, err := store.EntriesInRange(4, 10)
			require.NoError(t, err)
			assert.Len(t, got, 2)
		})

		t.Run("returns nothing for an inverted range", func(t *testing.T) {
			got, err := store.EntriesInRange(4, 3)
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	})
}

func TestLogStore_TruncateSuffix(t *testing.T) {
	stores(t, func(t *testing.T, store vsr.LogStore) {
		for op := vsr.OpNumber(1); op <= 5; op++ {
			require.NoError(t, store.Append(entry(op, 0, "v")))
		}

		require.NoError(t, store.TruncateSuffix(3))
		last, err := store.LastOp()
		require.NoError(t, err)
		assert.Equal(t, vsr.OpNumber(3), last)

		_, found, err := store.Get(4)
		require.NoError(t, err)
		assert.False(t, found)

		t.Run("truncating beyond the end is a no-op", func(t *testing.T) {
			require.NoError(t, store.TruncateSuffix(10))
			last, err := store.LastOp()
			require.NoError(t, err)
			assert.Equal(t, vsr.OpNumber(3), last)
		})

		t.Run("truncating to zero empties the log", func(t *testing.T) {
			require.NoError(t, store.TruncateSuffix(0))
			last, err := store.LastOp()
			require.NoError(t, err)
			assert.Equal(t, vsr.OpNumber(0), last)
		})
	})
}

func TestLogStore_State(t *testing.T) {
	stores(t, func(t *testing.T, store vsr.LogStore) {
		t.Run("fresh store has no state", func(t *testing.T) {
			_, found, err := store.LoadState()
			require.NoError(t, err)
			assert.False(t, found)
		})

		t.Run("round trips a joint state", func(t *testing.T) {
			state := vsr.PersistentState{
				View:           4,
				LastNormalView: 3,
				Commit:         10,
				Reconfig: vsr.NewJointState(
					vsr.NewClusterConfig(0, 1, 2),
					vsr.NewClusterConfig(0, 1, 2, 3),
					11,
				),
			}
			require.NoError(t, store.SaveState(state))

			got, found, err := store.LoadState()
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, state.View, got.View)
			assert.Equal(t, state.LastNormalView, got.LastNormalView)
			assert.Equal(t, state.Commit, got.Commit)
			assert.True(t, state.Reconfig.Equal(got.Reconfig))
		})
	})
}

func TestBoltStore_SurvivesReopen(t *testing.T) {
	db, dbPath, cleanup := createTempDB(t)
	defer cleanup()

	require.NoError(t, db.Append(entry(1, 0, "SET a=1")))
	require.NoError(t, db.SaveState(vsr.PersistentState{View: 2, Commit: 1,
		Reconfig: vsr.NewStableState(vsr.NewClusterConfig(0, 1, 2))}))
	require.NoError(t, db.Close())

	reopened, err := NewBoltStore(dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	last, err := reopened.LastOp()
	require.NoError(t, err)
	assert.Equal(t, vsr.OpNumber(1), last)

	state, found, err := reopened.LoadState()
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, vsr.ViewNumber(2), state.View)
}

func TestMemoryStore_CloseAndReopen(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Append(entry(1, 0, "v")))
	require.NoError(t, store.Close())

	_, _, err := store.Get(1)
	assert.ErrorIs(t, err, ErrClosed)

	store.Reopen()
	_, found, err := store.Get(1)
	require.NoError(t, err)
	assert.True(t, found)
}
