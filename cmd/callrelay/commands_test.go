package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/callrelay/core"
)

func TestReadBatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"id":"1","name":"search_notes","arguments":{"query":"go"}},
		{"name":"archive","category":"write"}
	]`), 0o600))

	reqs, err := readBatch(nil, path)
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, "go", reqs[0].Arguments["query"])
	assert.Equal(t, core.CategoryWrite, reqs[1].Category)

	reqs, err = readBatch(strings.NewReader(`[{"name":"x"}]`), "-")
	require.NoError(t, err)
	assert.Len(t, reqs, 1)

	_, err = readBatch(strings.NewReader(`{"name":"x"}`), "-")
	assert.Error(t, err)

	_, err = readBatch(strings.NewReader(`[{"id":"1"}]`), "-")
	assert.ErrorContains(t, err, "no name")
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	printSummary(&buf, []core.CallResult{
		{Name: "a", Success: true, Cached: true},
		{Name: "b", Success: true, Deduplicated: true},
		{Name: "c", ErrorKind: core.KindAuth, Error: "invalid authentication (401)"},
	}, 1500*time.Millisecond)

	out := buf.String()
	assert.Contains(t, out, "3 calls in 1.5s: 2 ok, 1 failed, 1 cached, 1 deduplicated")
	assert.Contains(t, out, "invalid authentication (401)")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
