package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "taskmgr/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		require.NoError(t, err)
		assert.Nil(t, st)
	}
	_, err := Open(Config{Driver: "redis", Path: "x"}, logx.Nop())
	assert.ErrorContains(t, err, "unknown storage driver")
}

func record(i int, status string) RunRecord {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).Add(time.Duration(i) * time.Second)
	r := RunRecord{
		Started:  start,
		Finished: start.Add(250 * time.Millisecond),
		Owner:    "ops",
		Name:     fmt.Sprintf("job-%d", i),
		Priority: "Medium",
		Slot:     "slot-a",
		Status:   status,
		TookMS:   250,
	}
	if status == StatusFailed {
		r.Error = "task execution failed: boom"
	}
	return r
}

func TestStoreDrivers(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "nested", "history.db")
			st, err := Open(Config{Driver: driver, Path: path, BusyTimeout: time.Second}, logx.Nop())
			require.NoError(t, err)
			require.NotNil(t, st)

			ctx := context.Background()
			empty, err := st.RecentRuns(ctx, 10)
			require.NoError(t, err)
			assert.Empty(t, empty)

			for i := 0; i < 5; i++ {
				status := StatusCompleted
				if i == 3 {
					status = StatusFailed
				}
				require.NoError(t, st.AppendRun(ctx, record(i, status)))
			}

			got, err := st.RecentRuns(ctx, 3)
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, "job-4", got[0].Name)
			assert.Equal(t, "job-3", got[1].Name)
			assert.Equal(t, StatusFailed, got[1].Status)
			assert.Equal(t, "task execution failed: boom", got[1].Error)
			assert.True(t, record(3, StatusFailed).Started.Equal(got[1].Started))
			assert.Equal(t, int64(250), got[1].TookMS)

			all, err := st.RecentRuns(ctx, 0)
			require.NoError(t, err)
			assert.Len(t, all, 5)
			require.NoError(t, st.Close())

			// History survives a reopen.
			st, err = Open(Config{Driver: driver, Path: path}, logx.Nop())
			require.NoError(t, err)
			defer st.Close()
			got, err = st.RecentRuns(ctx, 1)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "job-4", got[0].Name)
		})
	}
}

func TestFileReplaySkipsMalformedLines(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	body := `{"name":"a","status":"completed"}
not json
{"status":"completed"}
{"name":"b","status":"failed"}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "h.runs.jsonl"), []byte(body), 0o600))

	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "h.json")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	got, err := st.RecentRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Name)
	assert.Equal(t, "a", got[1].Name)
}

func TestReplayRunsKeepsNewest(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "r.runs.jsonl")
	f, err := os.Create(path)
	require.NoError(t, err)
	for i := 0; i < 25; i++ {
		_, err := fmt.Fprintf(f, "{\"name\":\"n%d\"}\n", i)
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())

	got, err := replayRuns(path, 4)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, "n21", got[0].Name)
	assert.Equal(t, "n24", got[3].Name)
}

func TestFileAppendAfterClose(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "h")}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Close())
	require.NoError(t, st.Close())
	assert.Error(t, st.AppendRun(context.Background(), record(1, StatusCompleted)))
}
