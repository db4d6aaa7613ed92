package oci

import (
	"net/http"

	"oras.land/oras-go/v2/registry/remote/credentials"
)

// Option configures a Downloader.
type Option func(*Downloader)

// WithCredentialStore sets the credential store for authentication.
func WithCredentialStore(store credentials.Store) Option {
	return func(d *Downloader) {
		d.credStore = store
	}
}

// WithStaticCredentials sets static username/password credentials for a registry.
func WithStaticCredentials(registry, username, password string) Option {
	return func(d *Downloader) {
		d.credStore = StaticCredentials(registry, username, password)
	}
}

// WithStaticToken sets a static bearer token for a registry.
func WithStaticToken(registry, token string) Option {
	return func(d *Downloader) {
		d.credStore = StaticToken(registry, token)
	}
}

// WithDockerConfig enables reading credentials from ~/.docker/config.json.
// If the docker config cannot be loaded (common in environments without docker),
// the downloader falls back to no credentials.
func WithDockerConfig() Option {
	return func(d *Downloader) {
		store, err := credentials.NewStoreFromDocker(credentials.StoreOptions{})
		if err != nil {
			return
		}
		d.credStore = store
	}
}

// WithPlainHTTP enables plain HTTP (no TLS) for registries.
// This is useful for local development registries.
func WithPlainHTTP(enabled bool) Option {
	return func(d *Downloader) {
		d.plainHTTP = enabled
	}
}

// WithAnonymous disables all authentication, including credential store lookups.
func WithAnonymous() Option {
	return func(d *Downloader) {
		d.anonymous = true
	}
}

// WithUserAgent sets the User-Agent header for requests.
func WithUserAgent(ua string) Option {
	return func(d *Downloader) {
		d.userAgent = ua
	}
}

// WithHTTPClient sets the HTTP client used for registry requests. The
// default retries transient failures.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Downloader) {
		if client != nil {
			d.httpClient = client
		}
	}
}
