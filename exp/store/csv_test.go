package store

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sc2-sys/sc2-exp/exp"
	"github.com/sc2-sys/sc2-exp/exp/internal/testutil"
)

func TestWriteCSV_LatenciesInMillisAndEmptyWhenMissing(t *testing.T) {
	// GIVEN a record with cold_start set and image_pull missing
	rec := testutil.Record("run-a", "snp", 2)

	// WHEN exported
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, []exp.ResultRecord{rec}))

	// THEN values land in the named columns
	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	col := func(name string) string {
		for i, c := range rows[0] {
			if c == name {
				return rows[1][i]
			}
		}
		t.Fatalf("column %s not found", name)
		return ""
	}
	assert.Equal(t, "snp", col("baseline"))
	assert.Equal(t, "2", col("trial_index"))
	assert.Equal(t, "2000.000", col("cold_start_ms"))
	assert.Equal(t, "", col("image_pull_ms"))
	assert.Equal(t, "", col("sandbox_start_us"))
	assert.NotEmpty(t, col("first_response_us"))
	assert.Equal(t, "success", col("outcome"))
}

func TestExportRun_WritesHeaderAndData(t *testing.T) {
	s, _ := openTemp(t)
	ctx := context.Background()
	run := exp.NewExperimentRun("run-a", exp.ExperimentStartUp, []string{"runc"}, 1, testutil.Epoch)
	require.NoError(t, s.SaveRun(ctx, run))
	require.NoError(t, s.Append(ctx, testutil.Record("run-a", "runc", 0)))

	out := filepath.Join(t.TempDir(), "export")
	path, err := ExportRun(ctx, s, "run-a", out)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(out, ExportHeaderFile))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.Len(t, rows[1], len(Columns()))
}

func TestExportRun_UnknownRun(t *testing.T) {
	s, _ := openTemp(t)
	_, err := ExportRun(context.Background(), s, "nope", t.TempDir())
	assert.ErrorIs(t, err, exp.ErrRunNotFound)
}
