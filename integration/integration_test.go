//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/modkit"
	"github.com/meigma/modkit/cache/disk"
	"github.com/meigma/modkit/internal/testutil"
)

func TestInstallFromRegistry(t *testing.T) {
	t.Parallel()
	addr := getRegistry(t)

	big := makeCompressibleContent(3 << 20)
	nested := testutil.BuildZip(t, map[string][]byte{"textures/sky.dds": big})
	archive := testutil.BuildZip(t, map[string][]byte{
		"meshes/a.nif": []byte("mesh"),
		"nested.zip":   nested,
	})
	src := pushArchive(t, testRepo(addr, "install"), "archive.zip", archive)

	inline := []byte("inline file")
	dataID := uuid.New()
	m := modkit.Manifest{
		Sources: []modkit.SourceArchive{src},
		Directives: []modkit.Directive{
			{
				Kind:   modkit.KindCopyFromArchive,
				To:     "Data/meshes/a.nif",
				Hash:   modkit.HashBytes([]byte("mesh")),
				Size:   4,
				Source: modkit.NewLocator(src.Hash, "meshes/a.nif"),
			},
			{
				Kind:   modkit.KindCopyFromArchive,
				To:     "Data/textures/sky.dds",
				Hash:   modkit.HashBytes(big),
				Size:   uint64(len(big)),
				Source: modkit.NewLocator(src.Hash, "nested.zip", "textures/sky.dds"),
			},
			{
				Kind:   modkit.KindInlineBytes,
				To:     "readme.txt",
				Hash:   modkit.HashBytes(inline),
				Size:   uint64(len(inline)),
				DataID: dataID,
			},
		},
		Data: testutil.MemData{dataID: inline},
	}

	out := t.TempDir()
	e, err := modkit.New(out, newTestDownloader(), modkit.WithInlineThreshold(1<<20))
	require.NoError(t, err)

	summary, err := e.Run(context.Background(), m)
	require.NoError(t, err)
	require.NoError(t, summary.Err())
	assert.Equal(t, 3, summary.Done)
	assert.Equal(t, modkit.FetchVerified, summary.Downloads[src.Hash])
	assert.Positive(t, summary.Cache.SpilledBytes, "large entry spilled to disk")

	got, err := os.ReadFile(filepath.Join(out, "Data", "textures", "sky.dds"))
	require.NoError(t, err)
	assert.Equal(t, big, got)

	again, err := e.Run(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, 3, again.Skipped)
}

func TestResumePartialDownloadFromRegistry(t *testing.T) {
	t.Parallel()
	addr := getRegistry(t)

	payload := makeCompressibleContent(1 << 20)
	archive := testutil.BuildZip(t, map[string][]byte{"payload.bin": payload})
	src := pushArchive(t, testRepo(addr, "resume"), "resume.zip", archive)

	out := t.TempDir()
	downloads := filepath.Join(t.TempDir(), "downloads")
	e, err := modkit.New(out, newTestDownloader(), modkit.WithDownloadDir(downloads))
	require.NoError(t, err)

	// Leave the first half of the archive where an interrupted transfer
	// would have left it.
	store, err := disk.New(downloads)
	require.NoError(t, err)
	partial := store.PartialPath(src.Hash)
	require.NoError(t, os.WriteFile(partial, archive[:len(archive)/2], 0o644))

	m := modkit.Manifest{
		Sources: []modkit.SourceArchive{src},
		Directives: []modkit.Directive{{
			Kind:   modkit.KindCopyFromArchive,
			To:     "payload.bin",
			Hash:   modkit.HashBytes(payload),
			Size:   uint64(len(payload)),
			Source: modkit.NewLocator(src.Hash, "payload.bin"),
		}},
	}
	summary, err := e.Run(context.Background(), m)
	require.NoError(t, err)
	require.NoError(t, summary.Err())
	assert.NoFileExists(t, partial)
}
