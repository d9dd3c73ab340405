package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args against a throwaway data
// directory and returns combined output.
func execute(t *testing.T, dataDirPath string, args ...string) (string, error) {
	t.Helper()

	// Persistent flags live in package vars; reset between runs.
	jsonOutput = false
	configPath = ""
	dataDir = ""
	debugMode = false

	root := NewRootCmd()
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(append(args, "--data-dir", dataDirPath))

	err := root.Execute()
	return buf.String(), err
}

func TestRootCmd_RegistersSubcommands(t *testing.T) {
	root := NewRootCmd()

	want := []string{"add", "remove", "search", "queue", "maintain", "status", "watch", "version"}
	names := make(map[string]bool)
	for _, sub := range root.Commands() {
		names[sub.Name()] = true
	}
	for _, name := range want {
		assert.True(t, names[name], "missing subcommand %s", name)
	}
}

func TestRootCmd_Help(t *testing.T) {
	root := NewRootCmd()
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetArgs([]string{"--help"})

	require.NoError(t, root.Execute())
	assert.Contains(t, buf.String(), "lodestone")
	assert.Contains(t, buf.String(), "search")
}

func TestAddThenSearch(t *testing.T) {
	workDir := t.TempDir()
	dataDirPath := filepath.Join(workDir, "data")

	source := filepath.Join(workDir, "notes.txt")
	require.NoError(t, os.WriteFile(source,
		[]byte("The deployment pipeline promotes builds from staging to production.\n"), 0o644))

	out, err := execute(t, dataDirPath, "add", source)
	require.NoError(t, err)
	assert.Contains(t, out, "1 scheduled")

	out, err = execute(t, dataDirPath, "search", "deployment", "pipeline")
	require.NoError(t, err)
	assert.Contains(t, out, "score")
	assert.NotContains(t, out, "no results")
}

func TestAddUnchangedSkips(t *testing.T) {
	workDir := t.TempDir()
	dataDirPath := filepath.Join(workDir, "data")

	source := filepath.Join(workDir, "doc.md")
	require.NoError(t, os.WriteFile(source, []byte("# Title\n\nSome body text.\n"), 0o644))

	_, err := execute(t, dataDirPath, "add", source)
	require.NoError(t, err)

	out, err := execute(t, dataDirPath, "add", source)
	require.NoError(t, err)
	assert.Contains(t, out, "unchanged")
	assert.Contains(t, out, "0 scheduled")
}

func TestAddWalksDirectory(t *testing.T) {
	workDir := t.TempDir()
	dataDirPath := filepath.Join(workDir, "data")

	corpus := filepath.Join(workDir, "corpus")
	require.NoError(t, os.MkdirAll(filepath.Join(corpus, ".hidden"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(corpus, "a.txt"), []byte("alpha content here\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(corpus, "b.md"), []byte("beta content here\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(corpus, "c.bin"), []byte{0x00, 0x01}, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(corpus, ".hidden", "d.txt"), []byte("hidden\n"), 0o644))

	out, err := execute(t, dataDirPath, "add", corpus)
	require.NoError(t, err)
	assert.Contains(t, out, "2 scheduled")
}

func TestRemoveCommand(t *testing.T) {
	workDir := t.TempDir()
	dataDirPath := filepath.Join(workDir, "data")

	source := filepath.Join(workDir, "gone.txt")
	require.NoError(t, os.WriteFile(source, []byte("short lived document\n"), 0o644))

	_, err := execute(t, dataDirPath, "add", source)
	require.NoError(t, err)

	out, err := execute(t, dataDirPath, "remove", source)
	require.NoError(t, err)
	assert.Contains(t, out, "1 removal(s) scheduled")

	out, err = execute(t, dataDirPath, "search", "short", "lived")
	require.NoError(t, err)
	assert.Contains(t, out, "no results")
}

func TestRemoveUnknownSourceFails(t *testing.T) {
	dataDirPath := filepath.Join(t.TempDir(), "data")

	_, err := execute(t, dataDirPath, "remove", "/no/such/file.txt")
	require.Error(t, err)
}

func TestStatusCommand(t *testing.T) {
	workDir := t.TempDir()
	dataDirPath := filepath.Join(workDir, "data")

	source := filepath.Join(workDir, "doc.txt")
	require.NoError(t, os.WriteFile(source, []byte("status check content\n"), 0o644))
	_, err := execute(t, dataDirPath, "add", source)
	require.NoError(t, err)

	out, err := execute(t, dataDirPath, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Documents")
	assert.Contains(t, out, "Health score")
	assert.Contains(t, out, "Queue")
}

func TestQueueStatsEmpty(t *testing.T) {
	dataDirPath := filepath.Join(t.TempDir(), "data")

	out, err := execute(t, dataDirPath, "queue", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "PENDING")
	assert.Contains(t, out, "COMPLETED")
}

func TestMaintainVerifyCleanState(t *testing.T) {
	workDir := t.TempDir()
	dataDirPath := filepath.Join(workDir, "data")

	source := filepath.Join(workDir, "doc.txt")
	require.NoError(t, os.WriteFile(source, []byte("consistent content\n"), 0o644))
	_, err := execute(t, dataDirPath, "add", source)
	require.NoError(t, err)

	out, err := execute(t, dataDirPath, "maintain", "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "100 / 100")
}

func TestSearchJSONOutput(t *testing.T) {
	workDir := t.TempDir()
	dataDirPath := filepath.Join(workDir, "data")

	source := filepath.Join(workDir, "doc.txt")
	require.NoError(t, os.WriteFile(source, []byte("json output check content\n"), 0o644))
	_, err := execute(t, dataDirPath, "add", source)
	require.NoError(t, err)

	out, err := execute(t, dataDirPath, "search", "json", "output", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"results"`)
	assert.Contains(t, out, `"doc_id"`)
}
