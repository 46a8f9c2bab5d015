package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/brocku/logistics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadPayload(t *testing.T) {
	t.Run("inline", func(t *testing.T) {
		data, err := readPayload(nil, `{"depot":"Brock"}`, "")
		require.NoError(t, err)
		assert.JSONEq(t, `{"depot":"Brock"}`, string(data))
	})

	t.Run("stdin", func(t *testing.T) {
		data, err := readPayload(strings.NewReader(`[1,2]`), "", "-")
		require.NoError(t, err)
		assert.Equal(t, "[1,2]", string(data))
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "request.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"features":[]}`), 0o600))

		data, err := readPayload(nil, "", path)
		require.NoError(t, err)
		assert.JSONEq(t, `{"features":[]}`, string(data))
	})

	t.Run("missing", func(t *testing.T) {
		_, err := readPayload(nil, "", "")
		assert.Error(t, err)
	})

	t.Run("not json", func(t *testing.T) {
		_, err := readPayload(nil, "{depot", "")
		assert.EqualError(t, err, "payload is not valid JSON")
	})
}

func TestPrintQueues(t *testing.T) {
	var buf bytes.Buffer
	printQueues(&buf, []logistics.QueueStat{
		{Name: "logistic-request", Messages: 3, Consumers: 1},
		{Name: strings.Repeat("q", 50), Messages: 0},
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[2], "logistic-request"))
	assert.Contains(t, lines[3], strings.Repeat("q", 37)+"...")
}
