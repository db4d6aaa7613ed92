// Package oci provides a Downloader fetching source archives stored as
// blobs in an OCI registry.
//
// A source descriptor names the repository ("ref", for example
// "ghcr.io/org/modlist-archives") and optionally the blob digest
// ("digest"). Without a digest key the source's secondary Digest is used,
// so archives published by sha256 need no extra metadata.
package oci

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/credentials"
	"oras.land/oras-go/v2/registry/remote/errcode"
	"oras.land/oras-go/v2/registry/remote/retry"

	"github.com/meigma/modkit/download"
	"github.com/meigma/modkit/internal/modtype"
	"github.com/meigma/modkit/internal/sizing"
)

// Descriptor keys and type served by this package.
const (
	DescriptorType = "oci"
	RefKey         = "ref"
	DigestKey      = "digest"
)

// ArchiveMediaType is the media type used for archive blobs.
const ArchiveMediaType = "application/vnd.modkit.archive.v1"

var (
	// ErrInvalidDescriptor is returned when a source lacks a usable
	// repository reference or digest.
	ErrInvalidDescriptor = errors.New("oci: invalid descriptor")

	// ErrUnauthorized is returned when the registry rejects credentials.
	ErrUnauthorized = errors.New("oci: unauthorized")
)

// Downloader fetches archive blobs from OCI registries.
type Downloader struct {
	plainHTTP  bool
	userAgent  string
	anonymous  bool // skip credential lookup entirely
	credStore  credentials.Store
	httpClient *http.Client
	authClient *auth.Client // shared auth client with token cache
}

var _ download.Downloader = (*Downloader)(nil)

// New creates a Downloader with the given options.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		userAgent:  "modkit/1.0",
		httpClient: retry.DefaultClient,
	}
	for _, opt := range opts {
		opt(d)
	}

	d.authClient = &auth.Client{
		Client: d.httpClient,
		Cache:  auth.NewCache(),
		Credential: func(ctx context.Context, hostport string) (auth.Credential, error) {
			if d.anonymous || d.credStore == nil {
				return auth.EmptyCredential, nil
			}
			return d.credStore.Get(ctx, hostport)
		},
		Header: http.Header{
			"User-Agent": []string{d.userAgent},
		},
	}
	return d
}

// Fetch implements download.Downloader. A non-zero offset needs a registry
// that honors range requests; otherwise download.ErrRangeNotSupported is
// returned.
func (d *Downloader) Fetch(ctx context.Context, src modtype.SourceArchive, offset int64) (io.ReadCloser, error) {
	ref := src.Descriptor.Get(RefKey)
	if ref == "" {
		return nil, fmt.Errorf("%w: %w: source %s has no %q", download.ErrPermanent, ErrInvalidDescriptor, src.Name, RefKey)
	}
	desc, err := blobDescriptor(src)
	if err != nil {
		return nil, err
	}

	repo, err := d.repository(ref)
	if err != nil {
		return nil, err
	}
	rc, err := repo.Fetch(ctx, desc)
	if err != nil {
		return nil, mapError(err)
	}
	if offset == 0 {
		return rc, nil
	}

	seeker, ok := rc.(io.Seeker)
	if !ok {
		rc.Close()
		return nil, download.ErrRangeNotSupported
	}
	if _, err := seeker.Seek(offset, io.SeekStart); err != nil {
		rc.Close()
		return nil, download.ErrRangeNotSupported
	}
	return rc, nil
}

// repository creates a Repository for the given reference.
// Uses the shared auth client to reuse tokens across requests.
func (d *Downloader) repository(ref string) (*remote.Repository, error) {
	repo, err := remote.NewRepository(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %w: parse reference %q: %w", download.ErrPermanent, ErrInvalidDescriptor, ref, err)
	}
	repo.PlainHTTP = d.plainHTTP
	repo.Client = d.authClient
	return repo, nil
}

// blobDescriptor builds the OCI descriptor of the archive blob.
func blobDescriptor(src modtype.SourceArchive) (ocispec.Descriptor, error) {
	dgst := src.Digest
	if s := src.Descriptor.Get(DigestKey); s != "" {
		dgst = digest.Digest(s)
	}
	if dgst == "" {
		return ocispec.Descriptor{}, fmt.Errorf("%w: %w: source %s has no blob digest", download.ErrPermanent, ErrInvalidDescriptor, src.Name)
	}
	if err := dgst.Validate(); err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("%w: %w: invalid digest %q: %w", download.ErrPermanent, ErrInvalidDescriptor, dgst, err)
	}
	size, err := sizing.ToInt64(src.Size)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("%w: %w", download.ErrPermanent, err)
	}
	return ocispec.Descriptor{
		MediaType: ArchiveMediaType,
		Digest:    dgst,
		Size:      size,
	}, nil
}

// mapError maps ORAS errors to the engine's error kinds.
func mapError(err error) error {
	if errors.Is(err, errdef.ErrNotFound) {
		return fmt.Errorf("%w: %v", modtype.ErrNotFound, err)
	}
	var errResp *errcode.ErrorResponse
	if errors.As(err, &errResp) {
		switch errResp.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", modtype.ErrNotFound, err)
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %w: %v", download.ErrPermanent, ErrUnauthorized, err)
		}
	}
	return err
}
