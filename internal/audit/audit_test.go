package audit_test

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iapunto/carousel-api/internal/audit"
)

func readRecords(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		out = append(out, rec)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestTrail_ClientRecords(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	trail, err := audit.New(&audit.Config{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Dir:    dir,
	})
	require.NoError(t, err)
	defer trail.Close()

	cmd, arg := 1, 5
	trail.Client(audit.ClientRecord{
		Kind:       audit.KindMoveReq,
		ClientAddr: "10.0.0.9:5512",
		MachineID:  "m1",
		Command:    &cmd,
		Argument:   &arg,
		Outcome:    audit.OutcomeOK,
	})
	trail.Client(audit.ClientRecord{
		Kind:      audit.KindStatusReq,
		MachineID: "m1",
		Outcome:   audit.OutcomeError,
		Error:     "link down",
	})

	recs := readRecords(t, filepath.Join(dir, "client_connections.log"))
	require.Len(t, recs, 2)

	require.Equal(t, audit.KindMoveReq, recs[0]["kind"])
	require.Equal(t, "10.0.0.9:5512", recs[0]["client_addr"])
	require.Equal(t, "m1", recs[0]["machine_id"])
	require.Equal(t, float64(1), recs[0]["command"])
	require.Equal(t, float64(5), recs[0]["argument"])
	require.Equal(t, "OK", recs[0]["outcome"])
	require.NotEmpty(t, recs[0]["ts"])

	// An absent client address is recorded as unknown, not omitted.
	require.Equal(t, "unknown", recs[1]["client_addr"])
	require.Equal(t, "ERROR", recs[1]["outcome"])
	require.Equal(t, "link down", recs[1]["error"])
}

func TestTrail_OperationRecords(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	trail, err := audit.New(&audit.Config{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Dir:    dir,
	})
	require.NoError(t, err)
	defer trail.Close()

	before, after := byte(0x01), byte(0x03)
	arg := 4
	trail.Operation(audit.OperationRecord{
		MachineID:    "m2",
		Command:      1,
		Argument:     &arg,
		StatusBefore: &before,
		StatusAfter:  &after,
		Outcome:      audit.OutcomeOK,
	})

	recs := readRecords(t, filepath.Join(dir, "operations.log"))
	require.Len(t, recs, 1)
	require.Equal(t, "m2", recs[0]["machine_id"])
	require.Equal(t, float64(1), recs[0]["command"])
	require.Equal(t, float64(4), recs[0]["argument"])
	require.Equal(t, float64(0x01), recs[0]["status_before"])
	require.Equal(t, float64(0x03), recs[0]["status_after"])
}

func TestTrail_AppendsAcrossReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	for i := 0; i < 2; i++ {
		trail, err := audit.New(&audit.Config{Logger: logger, Dir: dir})
		require.NoError(t, err)
		trail.Client(audit.ClientRecord{Kind: audit.KindListReq, Outcome: audit.OutcomeOK})
		require.NoError(t, trail.Close())
	}

	recs := readRecords(t, filepath.Join(dir, "client_connections.log"))
	require.Len(t, recs, 2)
}

func TestTrail_Discard(t *testing.T) {
	t.Parallel()

	trail := audit.Discard()
	trail.Client(audit.ClientRecord{Kind: audit.KindStatusReq, Outcome: audit.OutcomeOK})
	trail.Operation(audit.OperationRecord{MachineID: "m1", Outcome: audit.OutcomeOK})
	require.NoError(t, trail.Close())
}

func TestTrail_EmptyDirDiscards(t *testing.T) {
	t.Parallel()

	trail, err := audit.New(&audit.Config{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	trail.Client(audit.ClientRecord{Kind: audit.KindStatusReq, Outcome: audit.OutcomeOK})
	require.NoError(t, trail.Close())
}
