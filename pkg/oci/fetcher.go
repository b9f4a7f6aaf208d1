// Package oci implements the Artifact Fetcher (spec §4.A): resolves an
// OCI reference or local file path to bytes, content-caches OCI pulls by
// digest, and never caches local file reads.
//
// Grounded on the teacher's general fetch-then-cache shape; OCI access
// itself uses github.com/google/go-containerregistry, the same registry
// client fastertools-ftl uses.
package oci

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/wasmcloud-host/pkg/claims"
	"github.com/cuemby/wasmcloud-host/pkg/herr"
	"github.com/cuemby/wasmcloud-host/pkg/hostconfig"
	"github.com/cuemby/wasmcloud-host/pkg/log"
	"github.com/cuemby/wasmcloud-host/pkg/metrics"
	"github.com/cuemby/wasmcloud-host/pkg/types"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/rs/zerolog"
)

// ClaimsAnnotation is the OCI manifest annotation key an artifact's
// signed claims JWT is carried under (spec §3, §4.A).
const ClaimsAnnotation = "io.wasmcloud.claims"

// allowedMediaTypes lists the artifact media types this host knows how
// to extract a single-layer payload from.
var allowedMediaTypes = map[string]bool{
	"application/vnd.wasm.content.layer.v1+wasm": true,
	"application/vnd.oci.image.layer.v1.tar":     true,
	"application/octet-stream":                   true,
}

// cachedArtifact is one digest-addressed cache entry: the layer bytes
// plus the manifest annotations they were pulled with, so a cache hit
// can still re-derive claims without a network round trip.
type cachedArtifact struct {
	data        []byte
	annotations map[string]string
}

// Fetcher resolves artifact references to bytes.
type Fetcher struct {
	cfg hostconfig.Config

	mu    sync.Mutex
	cache map[string]cachedArtifact // keyed by resolved digest

	verifier *claims.Verifier

	logger zerolog.Logger
}

// New builds a Fetcher from host configuration. When cfg.ClaimsIssuerKey
// is set, artifacts carrying a ClaimsAnnotation are verified against it
// as an HMAC-signed JWT; an unverifiable or expired token is reported
// as herr.ClaimsInvalid and fails the fetch.
func New(cfg hostconfig.Config) *Fetcher {
	f := &Fetcher{
		cfg:    cfg,
		cache:  make(map[string]cachedArtifact),
		logger: log.WithComponent("oci"),
	}
	if cfg.ClaimsIssuerKey != "" {
		key := []byte(cfg.ClaimsIssuerKey)
		f.verifier = claims.NewVerifier(func(token *jwt.Token) (any, error) {
			return key, nil
		})
	}
	return f
}

// FetchResult is an artifact's bytes plus the claims extracted from its
// OCI manifest annotations, if any (spec §3, §4.A). Claims is nil for
// file:// and bare-path artifacts, which carry no manifest.
type FetchResult struct {
	Data   []byte
	Claims *types.Claims
}

// Fetch resolves ref to bytes, discarding any claims the artifact
// carries. Most callers that don't need claims use this.
func (f *Fetcher) Fetch(ref string) ([]byte, error) {
	res, err := f.FetchArtifact(ref)
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

// FetchArtifact resolves ref to bytes and verified claims. OCI
// references are cached by digest; file:// and bare path references
// are always re-read from disk and never carry claims.
func (f *Fetcher) FetchArtifact(ref string) (*FetchResult, error) {
	timer := metrics.NewTimer()

	switch {
	case strings.HasPrefix(ref, "file://"), strings.HasPrefix(ref, "/"), strings.HasPrefix(ref, "./"):
		data, err := f.fetchFile(ref)
		timer.ObserveDurationVec(metrics.ArtifactFetchDuration, "file")
		if err != nil {
			metrics.ArtifactFetchFailuresTotal.WithLabelValues(string(herr.KindOf(err))).Inc()
			return nil, err
		}
		return &FetchResult{Data: data}, nil
	default:
		data, annotations, err := f.fetchOCI(ref)
		timer.ObserveDurationVec(metrics.ArtifactFetchDuration, "oci")
		if err != nil {
			metrics.ArtifactFetchFailuresTotal.WithLabelValues(string(herr.KindOf(err))).Inc()
			return nil, err
		}
		c, err := f.extractClaims(annotations)
		if err != nil {
			metrics.ArtifactFetchFailuresTotal.WithLabelValues(string(herr.KindOf(err))).Inc()
			return nil, err
		}
		return &FetchResult{Data: data, Claims: c}, nil
	}
}

// extractClaims parses and verifies the ClaimsAnnotation token, if
// present. An artifact with no claims annotation returns (nil, nil).
func (f *Fetcher) extractClaims(annotations map[string]string) (*types.Claims, error) {
	token := annotations[ClaimsAnnotation]
	if token == "" {
		return nil, nil
	}
	if f.verifier == nil {
		return nil, herr.New(herr.ClaimsInvalid, "artifact carries claims but no claims_issuer_key is configured to verify them")
	}
	c, err := f.verifier.Verify(token)
	if err != nil {
		return nil, err
	}
	if err := claims.CheckExpiration(c, time.Now()); err != nil {
		return nil, err
	}
	return c, nil
}

func (f *Fetcher) fetchFile(ref string) ([]byte, error) {
	if !f.cfg.AllowFileLoad {
		return nil, herr.New(herr.FetchFailed, "file artifact loading is disabled by host configuration")
	}

	path := strings.TrimPrefix(ref, "file://")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, herr.Wrap(herr.FetchFailed, fmt.Sprintf("read local artifact %q", path), err)
	}
	return data, nil
}

func (f *Fetcher) fetchOCI(ref string) ([]byte, map[string]string, error) {
	normalized := strings.TrimPrefix(ref, "oci://")

	if !f.cfg.AllowLatest && refersToLatest(normalized) {
		return nil, nil, herr.New(herr.LatestNotAllowed, fmt.Sprintf("artifact reference %q uses an unpinned :latest tag", normalized))
	}

	opts := []name.Option{}
	if f.allowsInsecure(normalized) {
		opts = append(opts, name.Insecure)
	}

	tag, err := name.ParseReference(normalized, opts...)
	if err != nil {
		return nil, nil, herr.Wrap(herr.UnsupportedArtifact, fmt.Sprintf("parse artifact reference %q", normalized), err)
	}

	remoteOpts := []remote.Option{remote.WithAuthFromKeychain(authn.DefaultKeychain)}
	if f.cfg.OCIProxy != "" {
		if transport, err := proxyTransport(f.cfg.OCIProxy); err == nil {
			remoteOpts = append(remoteOpts, remote.WithTransport(transport))
		}
	}

	img, err := remote.Image(tag, remoteOpts...)
	if err != nil {
		return nil, nil, herr.Wrap(herr.FetchFailed, fmt.Sprintf("pull artifact %q", normalized), err)
	}

	digest, err := img.Digest()
	if err != nil {
		return nil, nil, herr.Wrap(herr.FetchFailed, "compute artifact digest", err)
	}

	f.mu.Lock()
	if cached, ok := f.cache[digest.String()]; ok {
		f.mu.Unlock()
		return cached.data, cached.annotations, nil
	}
	f.mu.Unlock()

	var annotations map[string]string
	if manifest, err := img.Manifest(); err == nil {
		annotations = manifest.Annotations
	}

	layers, err := img.Layers()
	if err != nil || len(layers) == 0 {
		return nil, nil, herr.New(herr.UnsupportedArtifact, fmt.Sprintf("artifact %q has no layers", normalized))
	}

	mt, err := layers[0].MediaType()
	if err == nil && !allowedMediaTypes[string(mt)] {
		return nil, nil, herr.New(herr.UnsupportedArtifact, fmt.Sprintf("unsupported media type %q for %q", mt, normalized))
	}

	rc, err := layers[0].Uncompressed()
	if err != nil {
		return nil, nil, herr.Wrap(herr.FetchFailed, "read artifact layer", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, nil, herr.Wrap(herr.FetchFailed, "read artifact layer contents", err)
	}

	f.mu.Lock()
	f.cache[digest.String()] = cachedArtifact{data: data, annotations: annotations}
	f.mu.Unlock()

	return data, annotations, nil
}

func (f *Fetcher) allowsInsecure(ref string) bool {
	for _, host := range f.cfg.OCIAllowedInsecure {
		if strings.HasPrefix(ref, host) {
			return true
		}
	}
	return false
}

func refersToLatest(ref string) bool {
	if strings.Contains(ref, "@sha256:") {
		return false
	}
	last := ref
	if idx := strings.LastIndex(ref, "/"); idx >= 0 {
		last = ref[idx+1:]
	}
	if !strings.Contains(last, ":") {
		return true // no tag at all defaults to :latest
	}
	return strings.HasSuffix(last, ":latest")
}

func proxyTransport(proxyURL string) (http.RoundTripper, error) {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("oci: parse proxy url: %w", err)
	}
	return &http.Transport{Proxy: http.ProxyURL(u)}, nil
}
