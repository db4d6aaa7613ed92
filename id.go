package modkit

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/meigma/modkit/internal/codec"
	"github.com/meigma/modkit/internal/modtype"
)

// idLength is the number of hash bytes kept in a derived directive id.
const idLength = 16

// idRecord is the canonical content of a directive hashed into its id.
type idRecord struct {
	Kind      uint8                    `cbor:"1,keyasint"`
	To        string                   `cbor:"2,keyasint"`
	Hash      modtype.ContentHash      `cbor:"3,keyasint"`
	Size      uint64                   `cbor:"4,keyasint"`
	Source    *idLocator               `cbor:"5,keyasint,omitempty"`
	FromHash  modtype.ContentHash      `cbor:"6,keyasint,omitempty"`
	PatchID   *uuid.UUID               `cbor:"7,keyasint,omitempty"`
	DataID    *uuid.UUID               `cbor:"8,keyasint,omitempty"`
	Transcode *modtype.TranscodeParams `cbor:"9,keyasint,omitempty"`
	Format    string                   `cbor:"10,keyasint,omitempty"`
	Entries   []idEntry                `cbor:"11,keyasint,omitempty"`
}

type idLocator struct {
	Archive modtype.ContentHash `cbor:"1,keyasint"`
	Path    []string            `cbor:"2,keyasint,omitempty"`
}

type idEntry struct {
	Name   string    `cbor:"1,keyasint"`
	Source idLocator `cbor:"2,keyasint"`
}

func newIDLocator(l modtype.Locator) *idLocator {
	return &idLocator{Archive: l.Archive, Path: l.Path}
}

// DirectiveID returns the stable id of d: the hex-encoded prefix of the
// BLAKE3 hash of its canonical CBOR encoding. Directives that produce the
// same output the same way share an id across runs and manifest versions.
func DirectiveID(d *modtype.Directive) (string, error) {
	rec := idRecord{
		Kind: uint8(d.Kind),
		To:   d.To,
		Hash: d.Hash,
		Size: d.Size,
	}
	switch d.Kind {
	case modtype.KindCopyFromArchive:
		rec.Source = newIDLocator(d.Source)
	case modtype.KindPatchFromArchive:
		rec.Source = newIDLocator(d.Source)
		rec.FromHash = d.FromHash
		rec.PatchID = &d.PatchID
	case modtype.KindInlineBytes:
		rec.DataID = &d.DataID
	case modtype.KindTranscode:
		rec.Source = newIDLocator(d.Source)
		rec.Transcode = &d.Transcode
	case modtype.KindBuildContainer:
		rec.Format = d.Container.Format
		for _, e := range d.Container.Entries {
			rec.Entries = append(rec.Entries, idEntry{Name: e.Name, Source: *newIDLocator(e.Source)})
		}
	}

	data, err := codec.Marshal(&rec)
	if err != nil {
		return "", fmt.Errorf("encode directive: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:idLength]), nil
}
