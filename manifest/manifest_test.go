package manifest_test

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/modkit/internal/modtype"
	"github.com/meigma/modkit/internal/testutil"
	"github.com/meigma/modkit/manifest"
)

var (
	archiveHash = modtype.HashBytes([]byte("archive"))
	fileHash    = modtype.HashBytes([]byte("file"))
	inlineID    = uuid.MustParse("0b8d3a3e-7e1f-4c55-9d0e-1b7a4d3c2f10")
	patchID     = uuid.MustParse("5f3c2b1a-0d9e-4f8a-b7c6-d5e4f3a2b1c0")
)

func modlistJSON(t *testing.T) []byte {
	t.Helper()
	doc := map[string]any{
		"Name":             "Test List",
		"Author":           "someone",
		"Version":          "1.2.3",
		"GameType":         "SkyrimSpecialEdition",
		"WabbajackVersion": "3.7.0.0",
		"IsNSFW":           false,
		"Archives": []any{
			map[string]any{
				"Hash": archiveHash.String(),
				"Meta": "[General]\ndirectURL=https://example.com/a.zip",
				"Name": "a.zip",
				"Size": 7,
				"State": map[string]any{
					"$type":   "HttpDownloader, Wabbajack.Lib",
					"Url":     "https://example.com/a.zip",
					"Headers": []any{},
				},
			},
			map[string]any{
				"Hash": fileHash.String(),
				"Name": "b.7z",
				"Size": 4,
				"State": map[string]any{
					"$type":  "NexusDownloader, Wabbajack.Lib",
					"ModID":  1234,
					"FileID": 5678,
				},
			},
		},
		"Directives": []any{
			map[string]any{
				"$type":           "FromArchive",
				"Hash":            fileHash.String(),
				"Size":            4,
				"To":              `mods\A\file.txt`,
				"ArchiveHashPath": []string{archiveHash.String(), `inner.zip`, `data\file.txt`},
			},
			map[string]any{
				"$type":           "PatchedFromArchive",
				"Hash":            fileHash.String(),
				"Size":            4,
				"To":              "mods/A/patched.esp",
				"ArchiveHashPath": []string{archiveHash.String(), "base.esp"},
				"FromHash":        archiveHash.String(),
				"PatchID":         patchID.String(),
			},
			map[string]any{
				"$type":        "InlineFile",
				"Hash":         fileHash.String(),
				"Size":         4,
				"To":           "profiles/Default/modlist.txt",
				"SourceDataID": inlineID.String(),
			},
			map[string]any{
				"$type":           "TransformedTexture",
				"Hash":            fileHash.String(),
				"Size":            4,
				"To":              "mods/A/textures/sky.dds",
				"ArchiveHashPath": []string{archiveHash.String(), "sky.dds"},
				"ImageState": map[string]any{
					"Format": "BC7_UNORM", "Width": 512, "Height": 256, "MipLevels": 10, "PerceptualHash": "00",
				},
			},
			map[string]any{
				"$type":        "RemappedInlineFile",
				"Hash":         modtype.HashBytes([]byte("staged")).String(),
				"Size":         6,
				"To":           `TEMP_BSA_FILES\abc\Meshes\A.nif`,
				"SourceDataID": inlineID.String(),
			},
			map[string]any{
				"$type":  "CreateBSA",
				"Hash":   fileHash.String(),
				"Size":   4,
				"To":     "mods/A/A.bsa",
				"TempID": "abc",
				"State":  map[string]any{"$type": "BSAState, Compression.BSA"},
				"FileStates": []any{
					map[string]any{"$type": "BSAFileState, Compression.BSA", "Path": `meshes\a.nif`, "Index": 0},
				},
			},
		},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	return data
}

func TestDecode(t *testing.T) {
	t.Parallel()

	info, m, err := manifest.Decode(modlistJSON(t))
	require.NoError(t, err)

	assert.Equal(t, "Test List", info.Name)
	assert.Equal(t, "1.2.3", info.Version)
	assert.Equal(t, "SkyrimSpecialEdition", info.GameType)

	require.Len(t, m.Sources, 2)
	assert.Equal(t, archiveHash, m.Sources[0].Hash)
	assert.Equal(t, uint64(7), m.Sources[0].Size)
	assert.Equal(t, "http", m.Sources[0].Descriptor.Type())
	assert.Equal(t, "https://example.com/a.zip", m.Sources[0].Descriptor.Get("url"))
	assert.Equal(t, "nexus", m.Sources[1].Descriptor.Type())
	assert.Equal(t, "1234", m.Sources[1].Descriptor.Get("modid"))

	require.Len(t, m.Directives, 6)

	copyDir := m.Directives[0]
	assert.Equal(t, modtype.KindCopyFromArchive, copyDir.Kind)
	assert.Equal(t, "mods/A/file.txt", copyDir.To)
	assert.True(t, copyDir.Source.Equal(modtype.NewLocator(archiveHash, "inner.zip", "data/file.txt")))

	patchDir := m.Directives[1]
	assert.Equal(t, modtype.KindPatchFromArchive, patchDir.Kind)
	assert.Equal(t, patchID, patchDir.PatchID)
	assert.Equal(t, archiveHash, patchDir.FromHash)

	assert.Equal(t, modtype.KindInlineBytes, m.Directives[2].Kind)
	assert.Equal(t, inlineID, m.Directives[2].DataID)

	tex := m.Directives[3]
	assert.Equal(t, modtype.KindTranscode, tex.Kind)
	assert.Equal(t, modtype.TranscodeParams{Format: "BC7_UNORM", Width: 512, Height: 256, MipLevels: 10}, tex.Transcode)

	assert.Equal(t, modtype.KindInlineBytes, m.Directives[4].Kind)

	bsa := m.Directives[5]
	assert.Equal(t, modtype.KindBuildContainer, bsa.Kind)
	assert.Equal(t, "bsa", bsa.Container.Format)
	require.Len(t, bsa.Container.Entries, 1)
	assert.Equal(t, "meshes/a.nif", bsa.Container.Entries[0].Name)
	assert.Equal(t, modtype.HashBytes([]byte("staged")), bsa.Container.Entries[0].Source.Archive)
	assert.True(t, bsa.Container.Entries[0].Source.IsRoot())
}

func TestDecodeInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
	}{
		{name: "not json", doc: "{"},
		{name: "bad archive hash", doc: `{"Archives":[{"Hash":"???","Name":"a","Size":1,"State":{}}]}`},
		{name: "unknown directive", doc: `{"Directives":[{"$type":"Teleport","Hash":"AAAAAAAAAAA=","To":"a"}]}`},
		{name: "empty hash path", doc: `{"Directives":[{"$type":"FromArchive","Hash":"AAAAAAAAAAA=","To":"a","ArchiveHashPath":[]}]}`},
		{name: "bad patch id", doc: `{"Directives":[{"$type":"PatchedFromArchive","Hash":"AAAAAAAAAAA=","To":"a","ArchiveHashPath":["AAAAAAAAAAA="],"PatchID":"x"}]}`},
		{name: "unstaged container file", doc: `{"Directives":[{"$type":"CreateBSA","Hash":"AAAAAAAAAAA=","To":"a.bsa","TempID":"t","FileStates":[{"Path":"x","Index":0}]}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, _, err := manifest.Decode([]byte(tt.doc))
			require.ErrorIs(t, err, modtype.ErrInvalidManifest)
		})
	}
}

func TestOpenBundle(t *testing.T) {
	t.Parallel()

	bundle := testutil.BuildZip(t, map[string][]byte{
		"modlist":          modlistJSON(t),
		inlineID.String():  []byte("inline bytes"),
		patchID.String():   []byte("delta"),
		"unrelated/readme": []byte("ignored"),
	})
	path := filepath.Join(t.TempDir(), "list.wabbajack")
	require.NoError(t, os.WriteFile(path, bundle, 0o600))

	b, err := manifest.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, b.Close()) })

	assert.Equal(t, "Test List", b.Info.Name)
	require.NotNil(t, b.Manifest.Data)

	rc, err := b.Manifest.Data.Open(context.Background(), inlineID)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "inline bytes", string(data))

	_, err = b.Manifest.Data.Open(context.Background(), uuid.New())
	require.ErrorIs(t, err, modtype.ErrNotFound)
}

func TestOpenBundleWithoutModlist(t *testing.T) {
	t.Parallel()

	_, err := manifest.OpenBytes(testutil.BuildZip(t, map[string][]byte{"other": []byte("x")}))
	require.ErrorIs(t, err, modtype.ErrInvalidManifest)

	_, err = manifest.OpenBytes([]byte("not a zip"))
	require.ErrorIs(t, err, modtype.ErrInvalidManifest)
}
