// Package fetcher implements C1: retrieval of a single named artifact
// (model weight, extension archive) from one of its supported source
// schemes into a local destination path, with checksum verification and
// bounded retry. Publishing into the content-addressed store is the
// caller's step.
package fetcher

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/oauth2"

	"github.com/nodeforge/enginectl/internal/apierror"
	"github.com/nodeforge/enginectl/internal/platform/objectstore"
	"github.com/nodeforge/enginectl/internal/platform/retry"
)

// Scheme identifies which FetchSource implementation handles a source URI.
type Scheme string

const (
	SchemeHTTP   Scheme = "http"
	SchemeHTTPS  Scheme = "https"
	SchemeFile   Scheme = "file"
	SchemeGS     Scheme = "gs"
	SchemeHub    Scheme = "hub"
	SchemeMarket Scheme = "market"
)

// Config parameterizes the Fetcher.
type Config struct {
	Offline         bool
	HubToken        string
	MarketToken     string
	HubBaseURL      string
	MarketBaseURL   string
	RetryPolicy     retry.Policy
	HTTPClient      *http.Client
	ObjectStore     objectstore.Store
	ObjectBucket    string
}

// Fetcher retrieves one source URI into a local destination path.
type Fetcher struct {
	cfg Config
}

func New(cfg Config) *Fetcher {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 0}
	}
	if cfg.RetryPolicy.MaxAttempts == 0 {
		cfg.RetryPolicy = retry.DefaultPolicy()
	}
	return &Fetcher{cfg: cfg}
}

// Result describes what was fetched.
type Result struct {
	Path     string
	Size     int64
	Checksum string // sha256:<hex> of the downloaded content
}

// Fetch downloads sourceURI to destPath (a plain file path, not yet
// published into the content-addressed store) and verifies wantChecksum
// ("<algo>:<hex>") when non-empty.
func (f *Fetcher) Fetch(ctx context.Context, sourceURI, destPath, wantChecksum string) (Result, error) {
	if f.cfg.Offline && requiresNetwork(sourceURI) {
		return Result{}, apierror.New(apierror.KindOfflineUnavailable, fmt.Sprintf("offline mode: cannot fetch %s", sourceURI))
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return Result{}, apierror.Wrap(apierror.KindInternal, err, "create destination directory")
	}

	tmpPath := destPath + ".part"
	defer os.Remove(tmpPath)

	var result Result
	err := retry.Do(ctx, f.cfg.RetryPolicy, func(attempt int) error {
		r, err := f.fetchOnce(ctx, sourceURI, tmpPath)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return Result{}, toFetchError(sourceURI, err)
	}

	if wantChecksum != "" && !strings.EqualFold(result.Checksum, wantChecksum) {
		// Not a sha256 match; re-hash with the declared algorithm (e.g. sha512).
		if err := VerifyChecksum(tmpPath, wantChecksum); err != nil {
			return Result{}, apierror.Wrap(apierror.KindIntegrity, err, fmt.Sprintf("checksum mismatch for %s: want %s got %s", sourceURI, wantChecksum, result.Checksum))
		}
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return Result{}, apierror.Wrap(apierror.KindInternal, err, "publish fetched file")
	}
	result.Path = destPath
	return result, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, sourceURI, tmpPath string) (Result, error) {
	u, err := url.Parse(sourceURI)
	if err != nil {
		return Result{}, apierror.Wrap(apierror.KindUsage, err, "parse source uri")
	}

	switch Scheme(strings.ToLower(u.Scheme)) {
	case SchemeHTTP, SchemeHTTPS:
		return f.fetchHTTP(ctx, sourceURI, f.cfg.HTTPClient, tmpPath)
	case SchemeFile:
		return f.fetchFile(u, tmpPath)
	case SchemeGS:
		return f.fetchObjectStore(ctx, u, tmpPath)
	case SchemeHub:
		return f.fetchTokened(ctx, u, f.cfg.HubBaseURL, f.cfg.HubToken, tmpPath)
	case SchemeMarket:
		return f.fetchTokened(ctx, u, f.cfg.MarketBaseURL, f.cfg.MarketToken, tmpPath)
	default:
		return Result{}, apierror.New(apierror.KindUsage, fmt.Sprintf("unsupported source scheme %q", u.Scheme))
	}
}

// fetchTokened resolves a hub://ref or market://ref against its scheme's
// base URL and authenticates the request with an oauth2.StaticTokenSource,
// rather than hand-rolling the Authorization header.
func (f *Fetcher) fetchTokened(ctx context.Context, u *url.URL, baseURL, token, tmpPath string) (Result, error) {
	if baseURL == "" {
		return Result{}, apierror.New(apierror.KindUsage, fmt.Sprintf("no base url configured for %q scheme", u.Scheme))
	}
	resolved := strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(u.Opaque+u.Path, "/")
	if u.Host != "" {
		resolved = strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(u.Host+u.Path, "/")
	}

	client := f.cfg.HTTPClient
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
		client = oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, f.cfg.HTTPClient), ts)
	}
	return f.fetchHTTP(ctx, resolved, client, tmpPath)
}

func (f *Fetcher) fetchHTTP(ctx context.Context, rawURL string, client *http.Client, tmpPath string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Result{}, apierror.Wrap(apierror.KindUsage, err, "build request")
	}

	resp, err := client.Do(req)
	if err != nil {
		return Result{}, retry.Transient(apierror.Wrap(apierror.KindNetwork, err, "http request"))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return Result{}, apierror.New(apierror.KindAuth, fmt.Sprintf("http %d fetching %s", resp.StatusCode, rawURL))
	}
	if resp.StatusCode >= 500 {
		return Result{}, retry.Transient(apierror.New(apierror.KindNetwork, fmt.Sprintf("http %d fetching %s", resp.StatusCode, rawURL)))
	}
	if resp.StatusCode >= 400 {
		return Result{}, apierror.New(apierror.KindNetwork, fmt.Sprintf("http %d fetching %s", resp.StatusCode, rawURL))
	}

	return writeHashed(tmpPath, resp.Body)
}

func (f *Fetcher) fetchFile(u *url.URL, tmpPath string) (Result, error) {
	path := u.Path
	if path == "" {
		path = u.Opaque
	}
	src, err := os.Open(path)
	if err != nil {
		return Result{}, apierror.Wrap(apierror.KindUsage, err, "open local source")
	}
	defer src.Close()
	return writeHashed(tmpPath, src)
}

func (f *Fetcher) fetchObjectStore(ctx context.Context, u *url.URL, tmpPath string) (Result, error) {
	if f.cfg.ObjectStore == nil {
		return Result{}, apierror.New(apierror.KindUsage, "no object store configured for gs:// scheme")
	}
	bucket := u.Host
	if bucket == "" {
		bucket = f.cfg.ObjectBucket
	}
	key := strings.TrimPrefix(u.Path, "/")

	body, _, err := f.cfg.ObjectStore.Get(ctx, bucket, key)
	if err != nil {
		return Result{}, retry.Transient(apierror.Wrap(apierror.KindNetwork, err, "object store get"))
	}
	defer body.Close()
	return writeHashed(tmpPath, body)
}

func writeHashed(tmpPath string, r io.Reader) (Result, error) {
	out, err := os.Create(tmpPath)
	if err != nil {
		return Result{}, apierror.Wrap(apierror.KindInternal, err, "create temp file")
	}
	defer out.Close()

	h := sha256.New()
	n, err := io.Copy(out, io.TeeReader(r, h))
	if err != nil {
		return Result{}, retry.Transient(apierror.Wrap(apierror.KindNetwork, err, "download"))
	}
	if err := out.Sync(); err != nil {
		return Result{}, apierror.Wrap(apierror.KindInternal, err, "fsync temp file")
	}
	return Result{Size: n, Checksum: "sha256:" + hex.EncodeToString(h.Sum(nil))}, nil
}

// VerifyChecksum re-hashes an already-materialized file against a declared
// "<algo>:<hex>" checksum.
func VerifyChecksum(path, want string) error {
	if want == "" {
		return nil
	}
	parts := strings.SplitN(want, ":", 2)
	if len(parts) != 2 {
		return apierror.New(apierror.KindValidation, fmt.Sprintf("malformed checksum %q", want))
	}
	var h hash.Hash
	switch strings.ToLower(parts[0]) {
	case "sha256":
		h = sha256.New()
	case "sha512":
		h = sha512.New()
	default:
		return apierror.New(apierror.KindValidation, fmt.Sprintf("unsupported checksum algorithm %q", parts[0]))
	}

	f, err := os.Open(path)
	if err != nil {
		return apierror.Wrap(apierror.KindInternal, err, "open file for checksum")
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return apierror.Wrap(apierror.KindInternal, err, "hash file")
	}
	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, parts[1]) {
		return apierror.New(apierror.KindIntegrity, fmt.Sprintf("checksum mismatch: want %s got %s", want, got))
	}
	return nil
}

// toFetchError unwraps a retry.TransientError envelope, if any remains
// after retry.Do exhausts its attempts, so callers only ever see the
// underlying *apierror.Error.
func toFetchError(sourceURI string, err error) error {
	var apiErr *apierror.Error
	if apierror.As(err, &apiErr) {
		return apiErr
	}
	return apierror.Wrap(apierror.KindNetwork, err, fmt.Sprintf("fetch %s", sourceURI))
}

func requiresNetwork(sourceURI string) bool {
	u, err := url.Parse(sourceURI)
	if err != nil {
		return true
	}
	return Scheme(strings.ToLower(u.Scheme)) != SchemeFile
}
