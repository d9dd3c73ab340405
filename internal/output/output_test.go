package output

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_TextMode(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)

	w.Success("indexed")
	w.Warningf("%d orphans", 2)
	w.Error("boom")

	out := buf.String()
	assert.Contains(t, out, "✅ indexed")
	assert.Contains(t, out, "2 orphans")
	assert.Contains(t, out, "❌ boom")
}

func TestWriter_JSONModeSuppressesText(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSON(&buf)

	w.Success("hidden")
	require.NoError(t, w.Emit(map[string]int{"indexed": 3}))

	var got map[string]int
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, 3, got["indexed"])
	assert.NotContains(t, buf.String(), "hidden")
}

func TestWriter_TableAlignment(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)

	w.Table([][2]string{{"documents", "10"}, {"jobs", "2"}})

	assert.Contains(t, buf.String(), "documents  10")
	assert.Contains(t, buf.String(), "jobs       2")
}
