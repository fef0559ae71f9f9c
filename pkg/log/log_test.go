package log

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func captureJSON(t *testing.T, level string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	Init(Config{Level: level, JSON: true, Output: &buf})
	t.Cleanup(func() { Init(Config{}) })
	return &buf
}

func TestUnscopedEventsCarryLevelAndMessage(t *testing.T) {
	buf := captureJSON(t, "debug")

	Info().Str("op", "put_all").Msg("batch written")

	out := buf.String()
	require.Contains(t, out, `"level":"info"`)
	require.Contains(t, out, `"op":"put_all"`)
	require.Contains(t, out, "batch written")
}

func TestLevelFiltersLowerEvents(t *testing.T) {
	buf := captureJSON(t, "warn")

	Info().Msg("filtered out")
	Warn().Msg("kept")

	out := buf.String()
	require.False(t, strings.Contains(out, "filtered out"))
	require.True(t, strings.Contains(out, "kept"))
}

func TestUnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "chatty", JSON: true, Output: &buf})
	t.Cleanup(func() { Init(Config{}) })

	Debug().Msg("below info, filtered")
	Info().Msg("at info, kept")

	out := buf.String()
	require.False(t, strings.Contains(out, "below info"))
	require.True(t, strings.Contains(out, "at info"))
}

func TestTableScopeCarriesIdentity(t *testing.T) {
	buf := captureJSON(t, "debug")

	ForTable("ns", "tbl").Warn().Msg("catalog entry not written")

	out := buf.String()
	require.Contains(t, out, `"namespace":"ns"`)
	require.Contains(t, out, `"table":"tbl"`)
	require.NotContains(t, out, `"partition"`, "a table scope is not partition-scoped")
}

func TestPartitionScopeIncludesPartitionZero(t *testing.T) {
	buf := captureJSON(t, "debug")

	ForPartition("ns", "tbl", 0).Info().Msg("partition opened")

	require.Contains(t, buf.String(), `"partition":0`, "partition 0 is a real partition, not an unset field")
}

func TestSessionScopeCarriesSessionID(t *testing.T) {
	buf := captureJSON(t, "debug")

	ForSession("sess-1").Debug().Msg("namespace swept")

	out := buf.String()
	require.Contains(t, out, `"session_id":"sess-1"`)
	require.NotContains(t, out, `"namespace"`)
}

func TestPartyScopeCarriesSessionAndParty(t *testing.T) {
	buf := captureJSON(t, "debug")

	ForParty("sess-1", "guest", "9999").Debug().Msg("status acked")

	out := buf.String()
	require.Contains(t, out, `"session_id":"sess-1"`)
	require.Contains(t, out, `"party_role":"guest"`)
	require.Contains(t, out, `"party_id":"9999"`)
}
