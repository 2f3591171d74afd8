package mirror

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/pkgmirror/pkgmirror/internal/pkgindex"
)

const (
	// serialHeader lets us identify stale cached pages (e.g. from a
	// CDN in front of the index) before they poison the mirror.
	serialHeader = "X-Index-Last-Serial"

	userAgent = "pkgmirror/1.0 (+https://github.com/pkgmirror/pkgmirror)"

	metadataRetries = 3
	retryBackoff    = time.Second
)

// errChangelogUnavailable tells the resolver to fall back to a full
// reconciliation.
var errChangelogUnavailable = errors.New("changelog unavailable")

// Master is the client for the upstream index service.
//
// It consumes the serial endpoint, the changelog keyed by serial, the
// full package listing, and per-package metadata.  Artifact downloads
// go through the download pool, which shares the same transport
// settings.
type Master struct {
	baseURL *url.URL
	client  *http.Client
	timeout time.Duration
}

// NewMaster constructs a Master from the validated configuration.
func NewMaster(config *Config) *Master {
	return &Master{
		baseURL: config.Master.URL,
		client:  newHTTPClient(),
		timeout: config.Timeout.Duration,
	}
}

// newHTTPClient builds an HTTP client with tuned transport settings.
// The client itself carries no timeout; deadlines come from contexts.
func newHTTPClient() *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConns = 100
	tr.MaxIdleConnsPerHost = 10
	tr.IdleConnTimeout = 90 * time.Second

	return &http.Client{
		Transport: tr,
		Timeout:   0, // timeout is controlled by context
	}
}

func (m *Master) resolve(p string, query url.Values) *url.URL {
	u := m.baseURL.ResolveReference(&url.URL{Path: p})
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u
}

// get performs one GET with the per-operation timeout and the
// stale-serial guard.  requiredSerial 0 disables the guard.
func (m *Master) get(ctx context.Context, u *url.URL, requiredSerial int64) (*http.Response, error) {
	opCtx, cancel := context.WithTimeout(ctx, m.timeout)

	req, err := http.NewRequestWithContext(opCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Cache-Control", "max-age=0")

	resp, err := m.client.Do(req)
	if err != nil {
		cancel()
		return nil, markNetwork(err)
	}

	if requiredSerial > 0 {
		got := headerSerial(resp)
		if got > 0 && got < requiredSerial {
			closeRespBody(resp)
			cancel()
			return nil, markNetwork(errors.Newf(
				"stale page: expected serial %d for %s but got %d",
				requiredSerial, u.Path, got))
		}
	}

	// tie body lifetime to the operation context
	resp.Body = &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// getJSON fetches u and decodes the body into v, with bounded retries
// on transient failures.
func (m *Master) getJSON(ctx context.Context, u *url.URL, requiredSerial int64, v any) (int, error) {
	var lastErr error
	for attempt := 0; attempt < metadataRetries; attempt++ {
		if attempt > 0 {
			slog.Warn("retrying upstream request", "url", u.Path, "attempt", attempt+1)
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(retryBackoff):
			}
		}

		resp, err := m.get(ctx, u, requiredSerial)
		if err != nil {
			lastErr = err
			continue
		}

		status := resp.StatusCode
		if status >= 500 {
			closeRespBody(resp)
			lastErr = markNetwork(errors.Newf("server error %d for %s", status, u.Path))
			continue
		}
		if status != http.StatusOK {
			closeRespBody(resp)
			return status, nil
		}

		err = json.NewDecoder(resp.Body).Decode(v)
		closeRespBody(resp)
		if err != nil {
			lastErr = markNetwork(errors.Wrap(err, "decode "+u.Path))
			continue
		}
		return status, nil
	}
	return 0, lastErr
}

// LastSerial fetches the upstream consistency counter.
func (m *Master) LastSerial(ctx context.Context) (int64, error) {
	var body struct {
		Serial int64 `json:"serial"`
	}
	status, err := m.getJSON(ctx, m.resolve("last-serial", nil), 0, &body)
	if err != nil {
		return 0, errors.Wrap(err, "LastSerial")
	}
	if status != http.StatusOK {
		return 0, markNetwork(errors.Newf("status %d for last-serial", status))
	}
	return body.Serial, nil
}

// ChangelogEntry is one upstream change event.
type ChangelogEntry struct {
	Package string `json:"package"`
	Serial  int64  `json:"serial"`
}

// ChangedPackages returns the packages touched since the given serial,
// deduplicated to their highest serial.  Package names are normalized.
//
// An errChangelogUnavailable error means the caller must fall back to
// full reconciliation.
func (m *Master) ChangedPackages(ctx context.Context, since int64) (map[string]int64, error) {
	query := url.Values{}
	query.Set("since", strconv.FormatInt(since, 10))

	var entries []ChangelogEntry
	status, err := m.getJSON(ctx, m.resolve("changelog", query), 0, &entries)
	if err != nil {
		return nil, errors.Mark(err, errChangelogUnavailable)
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusGone, http.StatusRequestEntityTooLarge:
		// range refused or endpoint not served
		return nil, errors.Mark(
			errors.Newf("status %d for changelog since %d", status, since),
			errChangelogUnavailable)
	default:
		return nil, markNetwork(errors.Newf("status %d for changelog since %d", status, since))
	}

	packages := make(map[string]int64, len(entries))
	for _, e := range entries {
		name := pkgindex.Normalize(e.Package)
		if e.Serial > packages[name] {
			packages[name] = e.Serial
		}
	}
	return packages, nil
}

// AllPackages returns the complete upstream listing of package names
// and serials.  Package names are normalized.
func (m *Master) AllPackages(ctx context.Context) (map[string]int64, error) {
	var raw map[string]int64
	status, err := m.getJSON(ctx, m.resolve("packages", nil), 0, &raw)
	if err != nil {
		return nil, errors.Wrap(err, "AllPackages")
	}
	if status != http.StatusOK {
		return nil, markNetwork(errors.Newf("status %d for package listing", status))
	}

	packages := make(map[string]int64, len(raw))
	for name, serial := range raw {
		normalized := pkgindex.Normalize(name)
		if serial > packages[normalized] {
			packages[normalized] = serial
		}
	}
	return packages, nil
}

// ReleaseFileMeta describes one downloadable file of a release.
type ReleaseFileMeta struct {
	Filename   string    `json:"filename"`
	URL        string    `json:"url"`
	Size       uint64    `json:"size"`
	UploadTime time.Time `json:"upload_time_iso_8601"`
	Digests    struct {
		SHA256 string `json:"sha256"`
	} `json:"digests"`
}

// PackageMetadata is the upstream metadata document of a package.
type PackageMetadata struct {
	Info struct {
		Name string `json:"name"`
	} `json:"info"`
	LastSerial int64                        `json:"last_serial"`
	Releases   map[string][]ReleaseFileMeta `json:"releases"`

	raw json.RawMessage
}

// Raw returns the metadata document exactly as served.
func (pm *PackageMetadata) Raw() []byte {
	return pm.raw
}

// PackageMetadata fetches the metadata document for a package.
// requiredSerial guards against stale cached copies.
func (m *Master) PackageMetadata(ctx context.Context, name string, requiredSerial int64) (*PackageMetadata, error) {
	u := m.resolve("pypi/"+name+"/json", nil)

	var raw json.RawMessage
	status, err := m.getJSON(ctx, u, requiredSerial, &raw)
	if err != nil {
		return nil, errors.Wrap(err, "PackageMetadata: "+name)
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, errors.Mark(errors.New("no upstream metadata for "+name), ErrNotFound)
	default:
		return nil, markNetwork(errors.Newf("status %d for metadata of %s", status, name))
	}

	var meta PackageMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, markNetwork(errors.Wrap(err, "PackageMetadata: "+name))
	}
	meta.raw = raw
	return &meta, nil
}

func headerSerial(resp *http.Response) int64 {
	v := resp.Header.Get(serialHeader)
	if v == "" {
		return 0
	}
	serial, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return serial
}

// closeRespBody closes an HTTP response body.
func closeRespBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", "error", err)
	}
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}
