// Package manifest loads modlist bundles into engine manifests.
//
// A bundle is a zip archive holding a "modlist" JSON document next to the
// inline files and patch deltas it references, each stored under its UUID.
// Decode maps the document's archives and directives onto the engine's
// data model; Open additionally serves the bundled data.
package manifest

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	modzip "github.com/meigma/modkit/archive/zip"
	"github.com/meigma/modkit/internal/fileops"
	"github.com/meigma/modkit/internal/modtype"
	"github.com/meigma/modkit/internal/sizing"
)

// ModlistEntry is the name of the modlist document inside a bundle.
const ModlistEntry = "modlist"

// TempContainerDir is the directory below which files destined for a
// built container are staged, one subdirectory per container TempID.
const TempContainerDir = "TEMP_BSA_FILES"

// maxModlistSize bounds the modlist document read from a bundle.
const maxModlistSize = 1 << 30

// Info describes the modlist.
type Info struct {
	Name             string
	Author           string
	Version          string
	GameType         string
	WabbajackVersion string
}

// Bundle is an opened modlist bundle. Close releases the underlying file.
type Bundle struct {
	Info     Info
	Manifest modtype.Manifest

	file      *os.File
	container modtype.Container
}

// Option configures loading.
type Option func(*loader)

type loader struct {
	logger *slog.Logger
}

// WithLogger sets the logger used to report skipped or remapped entries.
func WithLogger(logger *slog.Logger) Option {
	return func(l *loader) {
		l.logger = logger
	}
}

func newLoader(opts []Option) *loader {
	l := &loader{}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	if l.logger == nil {
		l.logger = slog.New(slog.DiscardHandler)
	}
	return l
}

// Open loads the bundle at path. Bundled data is served lazily from the
// file until Close.
func Open(path string, opts ...Option) (*Bundle, error) {
	f, err := os.Open(path) //nolint:gosec // caller-supplied bundle path
	if err != nil {
		return nil, fmt.Errorf("manifest: open bundle: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("manifest: stat bundle: %w", err)
	}
	b, err := openBundle(f, info.Size(), opts)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	b.file = f
	return b, nil
}

// OpenBytes loads a bundle held in memory.
func OpenBytes(data []byte, opts ...Option) (*Bundle, error) {
	return openBundle(bytes.NewReader(data), int64(len(data)), opts)
}

func openBundle(r io.ReaderAt, size int64, opts []Option) (*Bundle, error) {
	c, err := modzip.NewReader().Open(r, size)
	if err != nil {
		return nil, fmt.Errorf("manifest: %w: %w", modtype.ErrInvalidManifest, err)
	}
	rc, _, err := c.Open(ModlistEntry)
	if err != nil {
		return nil, fmt.Errorf("manifest: %w: bundle has no %s entry: %w", modtype.ErrInvalidManifest, ModlistEntry, err)
	}
	data, err := sizing.ReadAllWithLimit(rc, maxModlistSize)
	_ = rc.Close()
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", ModlistEntry, err)
	}

	info, m, err := decode(data, newLoader(opts))
	if err != nil {
		return nil, err
	}
	m.Data = bundleData{c}
	return &Bundle{Info: info, Manifest: m, container: c}, nil
}

// Close releases the bundle.
func (b *Bundle) Close() error {
	var errs []error
	if b.container != nil {
		errs = append(errs, b.container.Close())
	}
	if b.file != nil {
		errs = append(errs, b.file.Close())
	}
	return errors.Join(errs...)
}

// bundleData serves bundled entries named by UUID.
type bundleData struct {
	c modtype.Container
}

func (d bundleData) Open(_ context.Context, id uuid.UUID) (io.ReadCloser, error) {
	rc, _, err := d.c.Open(id.String())
	if err != nil {
		return nil, fmt.Errorf("manifest: bundled data %s: %w", id, err)
	}
	return rc, nil
}

// Decode parses a modlist document. The returned manifest has no DataSource.
func Decode(data []byte, opts ...Option) (Info, modtype.Manifest, error) {
	return decode(data, newLoader(opts))
}

func decode(data []byte, l *loader) (Info, modtype.Manifest, error) {
	var ml Modlist
	if err := json.Unmarshal(data, &ml); err != nil {
		return Info{}, modtype.Manifest{}, fmt.Errorf("manifest: %w: %w", modtype.ErrInvalidManifest, err)
	}
	info := Info{
		Name:             ml.Name,
		Author:           ml.Author,
		Version:          ml.Version,
		GameType:         ml.GameType,
		WabbajackVersion: ml.WabbajackVersion,
	}

	var m modtype.Manifest
	for i, a := range ml.Archives {
		src, err := convertArchive(a)
		if err != nil {
			return Info{}, modtype.Manifest{}, fmt.Errorf("manifest: %w: archive %d (%s): %w", modtype.ErrInvalidManifest, i, a.Name, err)
		}
		m.Sources = append(m.Sources, src)
	}

	raws := make([]directiveJSON, len(ml.Directives))
	for i, raw := range ml.Directives {
		if err := json.Unmarshal(raw, &raws[i]); err != nil {
			return Info{}, modtype.Manifest{}, fmt.Errorf("manifest: %w: directive %d: %w", modtype.ErrInvalidManifest, i, err)
		}
	}

	// Container builds reference staged files by output path.
	staged := make(map[string]modtype.ContentHash)
	for _, d := range raws {
		if d.Type == typeCreateBSA {
			continue
		}
		if h, err := modtype.ParseHash(d.Hash); err == nil {
			staged[fileops.FoldKey(modtype.NormalizeSegment(d.To))] = h
		}
	}

	for i, d := range raws {
		dir, err := convertDirective(d, staged)
		if err != nil {
			return Info{}, modtype.Manifest{}, fmt.Errorf("manifest: %w: directive %d (%s %s): %w", modtype.ErrInvalidManifest, i, d.Type, d.To, err)
		}
		if d.Type == typeRemappedInlineFile {
			l.logger.Debug("remapped inline file written without path remapping", "to", d.To)
		}
		m.Directives = append(m.Directives, dir)
	}
	return info, m, nil
}

func convertArchive(a Archive) (modtype.SourceArchive, error) {
	hash, err := modtype.ParseHash(a.Hash)
	if err != nil {
		return modtype.SourceArchive{}, err
	}
	desc := modtype.Descriptor{}
	for k, v := range a.State {
		if k == "$type" {
			continue
		}
		desc[strings.ToLower(k)] = stateValue(v)
	}
	if t, ok := a.State["$type"].(string); ok {
		desc["type"] = downloaderType(t)
	}
	desc["name"] = a.Name

	src := modtype.SourceArchive{
		Hash:       hash,
		Size:       a.Size,
		Name:       a.Name,
		Descriptor: desc,
	}
	if d := digest.Digest(desc.Get("digest")); d != "" && d.Validate() == nil {
		src.Digest = d
	}
	return src, nil
}

func stateValue(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

func convertDirective(d directiveJSON, staged map[string]modtype.ContentHash) (modtype.Directive, error) {
	hash, err := modtype.ParseHash(d.Hash)
	if err != nil {
		return modtype.Directive{}, fmt.Errorf("output hash: %w", err)
	}
	out := modtype.Directive{
		To:   modtype.NormalizeSegment(d.To),
		Hash: hash,
		Size: d.Size,
	}

	switch d.Type {
	case typeFromArchive:
		out.Kind = modtype.KindCopyFromArchive
		out.Source, err = locator(d.ArchiveHashPath)
	case typePatchedFromArchive:
		out.Kind = modtype.KindPatchFromArchive
		if out.Source, err = locator(d.ArchiveHashPath); err != nil {
			break
		}
		if d.FromHash != "" {
			if out.FromHash, err = modtype.ParseHash(d.FromHash); err != nil {
				break
			}
		}
		out.PatchID, err = uuid.Parse(d.PatchID)
	case typeInlineFile, typeRemappedInlineFile:
		out.Kind = modtype.KindInlineBytes
		out.DataID, err = uuid.Parse(d.SourceDataID)
	case typeTransformedTexture:
		out.Kind = modtype.KindTranscode
		if out.Source, err = locator(d.ArchiveHashPath); err != nil {
			break
		}
		if d.ImageState == nil {
			err = errors.New("missing ImageState")
			break
		}
		out.Transcode = modtype.TranscodeParams{
			Format:    d.ImageState.formatName(),
			Width:     d.ImageState.Width,
			Height:    d.ImageState.Height,
			MipLevels: d.ImageState.MipLevels,
		}
	case typeCreateBSA:
		out.Kind = modtype.KindBuildContainer
		out.Container, err = containerSpec(d, staged)
	default:
		err = fmt.Errorf("unknown directive type %q", d.Type)
	}
	if err != nil {
		return modtype.Directive{}, err
	}
	return out, nil
}

func locator(hashPath []string) (modtype.Locator, error) {
	if len(hashPath) == 0 {
		return modtype.Locator{}, errors.New("empty ArchiveHashPath")
	}
	archive, err := modtype.ParseHash(hashPath[0])
	if err != nil {
		return modtype.Locator{}, fmt.Errorf("archive hash: %w", err)
	}
	return modtype.NewLocator(archive, hashPath[1:]...), nil
}

// containerSpec resolves every file of a container build to the directive
// staging it below TempContainerDir.
func containerSpec(d directiveJSON, staged map[string]modtype.ContentHash) (modtype.ContainerSpec, error) {
	if d.TempID == "" {
		return modtype.ContainerSpec{}, errors.New("missing TempID")
	}
	spec := modtype.ContainerSpec{Format: "bsa"}
	if d.State != nil && strings.HasPrefix(d.State.Type, "BA2State") {
		spec.Format = "ba2"
	}
	files := slices.Clone(d.FileStates)
	slices.SortStableFunc(files, func(a, b fileStateJSON) int { return cmp.Compare(a.Index, b.Index) })
	for _, f := range files {
		name := modtype.NormalizeSegment(f.Path)
		stagedPath := path.Join(TempContainerDir, d.TempID, name)
		hash, ok := staged[fileops.FoldKey(stagedPath)]
		if !ok {
			return modtype.ContainerSpec{}, fmt.Errorf("no directive stages %s", stagedPath)
		}
		spec.Entries = append(spec.Entries, modtype.ContainerEntry{
			Name:   name,
			Source: modtype.NewLocator(hash),
		})
	}
	return spec, nil
}
