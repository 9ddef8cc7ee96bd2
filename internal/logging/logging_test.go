package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry), line)
		out = append(out, entry)
	}
	return out
}

func TestJSONOutputCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Level: "info", Format: "json", Output: &buf})
	require.NoError(t, err)

	l.Info("upload_stored", map[string]any{"bytes": 42, "token": "abcd1234"})
	l.Error("store_failed", nil, errors.New("disk gone"))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "upload_stored", lines[0]["msg"])
	assert.Equal(t, "info", lines[0]["level"])
	assert.EqualValues(t, 42, lines[0]["bytes"])
	assert.Equal(t, "abcd1234", lines[0]["token"])
	assert.Equal(t, "disk gone", lines[1]["error"])
}

func TestLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Level: "warn", Format: "json", Output: &buf})
	require.NoError(t, err)

	l.Debug("noise", nil)
	l.Info("noise", nil)
	assert.Zero(t, buf.Len())

	l.Warn("kept", nil)
	assert.Len(t, decodeLines(t, &buf), 1)
}

func TestWithAddsFields(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Format: "json", Output: &buf})
	require.NoError(t, err)

	l.With(map[string]any{"service": "reaper"}).Info("sweep_done", map[string]any{"purged": 3})

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "reaper", lines[0]["service"])
	assert.EqualValues(t, 3, lines[0]["purged"])
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, err := New(Options{Level: "loud"})
	assert.Error(t, err)

	_, err = New(Options{Format: "xml"})
	assert.Error(t, err)
}

func TestToken(t *testing.T) {
	assert.Equal(t, "0123abcd", Token("0123abcd-ffff-4fff-8fff-000000000000"))
	assert.Equal(t, "short", Token("short"))
}
