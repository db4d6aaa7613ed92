package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/modkit"
	"github.com/meigma/modkit/internal/testutil"
)

var (
	fileContent   = []byte("[Archive]\nbInvalidateOlderFiles=1\n")
	inlineContent = []byte("+Unofficial Patch\n+SkyUI\n")
	inlineID      = uuid.MustParse("7c3f5a1e-2b4d-4e6f-8a9b-0c1d2e3f4a5b")
)

// fixture serves one source archive over HTTP and writes a bundle that
// installs a file from it plus one inline file.
type fixture struct {
	bundle string
	config string
	out    string
	size   int
}

func newFixture(t *testing.T, corrupt bool) *fixture {
	t.Helper()
	archive := testutil.BuildZip(t, map[string][]byte{`ini/Skyrim.ini`: fileContent})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "a.zip", time.Time{}, bytes.NewReader(archive))
	}))
	t.Cleanup(srv.Close)

	fileHash := modkit.HashBytes(fileContent)
	if corrupt {
		fileHash = modkit.HashBytes([]byte("something else"))
	}
	archiveHash := modkit.HashBytes(archive)
	doc := map[string]any{
		"Name":    "Fixture",
		"Version": "1.0.0",
		"Archives": []any{map[string]any{
			"Hash": archiveHash.String(),
			"Name": "a.zip",
			"Size": len(archive),
			"State": map[string]any{
				"$type": "HttpDownloader, Wabbajack.Lib",
				"Url":   srv.URL + "/a.zip",
			},
		}},
		"Directives": []any{
			map[string]any{
				"$type":           "FromArchive",
				"Hash":            fileHash.String(),
				"Size":            len(fileContent),
				"To":              `profiles\Default\Skyrim.ini`,
				"ArchiveHashPath": []string{archiveHash.String(), `ini\Skyrim.ini`},
			},
			map[string]any{
				"$type":        "InlineFile",
				"Hash":         modkit.HashBytes(inlineContent).String(),
				"Size":         len(inlineContent),
				"To":           "profiles/Default/modlist.txt",
				"SourceDataID": inlineID.String(),
			},
		},
	}
	modlist, err := json.Marshal(doc)
	require.NoError(t, err)

	dir := t.TempDir()
	f := &fixture{
		bundle: filepath.Join(dir, "fixture.wabbajack"),
		config: filepath.Join(dir, "modkit.yaml"),
		out:    filepath.Join(dir, "install"),
		size:   len(archive),
	}
	bundle := testutil.BuildZip(t, map[string][]byte{
		"modlist":          modlist,
		inlineID.String(): inlineContent,
	})
	require.NoError(t, os.WriteFile(f.bundle, bundle, 0o600))
	require.NoError(t, os.WriteFile(f.config, []byte("sync_writes: false\ndownload:\n  max_attempts: 1\nregistry:\n  anonymous: true\n"), 0o600))
	return f
}

func (f *fixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(append(args, "--config", f.config, "--output", f.out, "--log-level", "error"))
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func TestInstallStatusPrune(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)

	out, err := f.run(t, "install", f.bundle)
	require.NoError(t, err)
	assert.Contains(t, out, "2 done")

	got, err := os.ReadFile(filepath.Join(f.out, "profiles", "Default", "Skyrim.ini"))
	require.NoError(t, err)
	assert.Equal(t, fileContent, got)
	got, err = os.ReadFile(filepath.Join(f.out, "profiles", "Default", "modlist.txt"))
	require.NoError(t, err)
	assert.Equal(t, inlineContent, got)

	out, err = f.run(t, "install", f.bundle)
	require.NoError(t, err)
	assert.Contains(t, out, "2 skipped")

	out, err = f.run(t, "status", "--all", f.bundle)
	require.NoError(t, err)
	assert.Contains(t, out, "profiles/Default/Skyrim.ini")
	assert.Contains(t, out, "2 directives: 2 done, 0 failed, 0 pending")

	out, err = f.run(t, "prune")
	require.NoError(t, err)
	assert.Equal(t, "freed "+strconv.Itoa(f.size)+" bytes\n", out)
}

func TestInstallReportsFailures(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)

	out, err := f.run(t, "install", f.bundle)
	require.ErrorIs(t, err, errIncomplete)
	assert.Equal(t, exitIncomplete, exitCode(context.Background(), err))
	assert.Contains(t, out, "1 failed")
	assert.Contains(t, out, "profiles/Default/Skyrim.ini")
	assert.NoFileExists(t, filepath.Join(f.out, "profiles", "Default", "Skyrim.ini"))

	out, err = f.run(t, "status", f.bundle)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2, "only the failed directive is listed")
	assert.True(t, strings.HasPrefix(lines[0], "failed"))
	assert.Contains(t, lines[1], "1 done, 1 failed")
}

func TestInstallUsage(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	_, err := f.run(t, "install")
	require.Error(t, err)

	_, err = f.run(t, "install", filepath.Join(t.TempDir(), "missing.wabbajack"))
	require.ErrorIs(t, err, os.ErrNotExist)
	assert.Equal(t, exitError, exitCode(context.Background(), err))
}
