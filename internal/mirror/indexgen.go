package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"html/template"
	"log/slog"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/pkgmirror/pkgmirror/internal/pkgindex"
)

const (
	webPrefix       = "web"
	timestampFormat = "20060102T150405"
)

var listingTemplate = template.Must(template.New("simple").Parse(`<!DOCTYPE html>
<html>
  <head>
    <title>Links for {{.Name}}</title>
  </head>
  <body>
    <h1>Links for {{.Name}}</h1>
{{- range .Files}}
    <a href="{{.Href}}{{if .SHA256}}#sha256={{.SHA256}}{{end}}">{{.Filename}}</a><br/>
{{- end}}
  </body>
</html>
`))

type listingFile struct {
	Filename string
	Href     string
	SHA256   string
}

type listingData struct {
	Name  string
	Files []listingFile
}

// jsonListing is the machine-readable variant of a simple page.  Each
// file entry carries its declared digest so clients can verify
// independently.
type jsonListing struct {
	Meta struct {
		APIVersion string `json:"api-version"`
	} `json:"meta"`
	Name       string            `json:"name"`
	LastSerial int64             `json:"last-serial"`
	Files      []jsonListingFile `json:"files"`
}

type jsonListingFile struct {
	Filename string            `json:"filename"`
	URL      string            `json:"url"`
	Size     uint64            `json:"size"`
	Hashes   map[string]string `json:"hashes"`
}

// currentPointer is the explicit current-version record kept next to
// the retained snapshots.  It replaces the filesystem symlink of older
// mirror layouts so the scheme works on non-filesystem backends.
type currentPointer struct {
	Snapshot    string    `json:"snapshot"`
	Serial      int64     `json:"serial"`
	GeneratedAt time.Time `json:"generated_at"`
}

// IndexGenerator renders browsable listing pages for committed
// packages and retains historical snapshots of previous bodies.
type IndexGenerator struct {
	config  *Config
	backend Backend
	now     func() time.Time
}

// NewIndexGenerator constructs an IndexGenerator.
func NewIndexGenerator(config *Config, backend Backend) *IndexGenerator {
	return &IndexGenerator{
		config:  config,
		backend: backend,
		now:     time.Now,
	}
}

// SimpleDir returns the listing directory for a normalized package
// name, honoring hash-index sharding.
func (g *IndexGenerator) SimpleDir(normalized string) string {
	if g.config.HashIndex {
		return path.Join(webPrefix, "simple", pkgindex.HashPrefix(normalized), normalized)
	}
	return path.Join(webPrefix, "simple", normalized)
}

// MetadataPath returns the location of the mirrored metadata blob.
func (g *IndexGenerator) MetadataPath(normalized string) string {
	return path.Join(webPrefix, "json", normalized, "index.json")
}

// blobHref returns the relative link from a package's listing page to
// an artifact path.  Both live under web/, which is the serving root,
// so the link climbs out of the listing directory and back down into
// the packages tree without naming web/ itself.
func (g *IndexGenerator) blobHref(normalized, blobPath string) string {
	rel := strings.TrimPrefix(g.SimpleDir(normalized), webPrefix+"/")
	depth := strings.Count(rel, "/") + 1
	return strings.Repeat("../", depth) + blobPath
}

// Render produces the HTML and JSON bodies for a package record.
func (g *IndexGenerator) Render(rec *PackageRecord) (htmlBody, jsonBody []byte, err error) {
	files := make([]RecordFile, len(rec.Files))
	copy(files, rec.Files)
	sort.Slice(files, func(i, j int) bool {
		return files[i].Filename < files[j].Filename
	})

	data := listingData{Name: rec.NormalizedName}
	jl := jsonListing{
		Name:       rec.NormalizedName,
		LastSerial: rec.Serial,
	}
	jl.Meta.APIVersion = "1.0"

	for _, f := range files {
		// metadata-only mirrors link straight to upstream
		href := f.URL
		if f.BlobPath != "" {
			href = g.blobHref(rec.NormalizedName, f.BlobPath)
		}
		data.Files = append(data.Files, listingFile{
			Filename: f.Filename,
			Href:     href,
			SHA256:   f.SHA256,
		})
		hashes := map[string]string{}
		if f.SHA256 != "" {
			hashes["sha256"] = f.SHA256
		}
		jl.Files = append(jl.Files, jsonListingFile{
			Filename: f.Filename,
			URL:      f.URL,
			Size:     f.Size,
			Hashes:   hashes,
		})
	}

	var buf bytes.Buffer
	if err := listingTemplate.Execute(&buf, &data); err != nil {
		return nil, nil, errors.Wrap(err, "Render: "+rec.NormalizedName)
	}

	jsonBody, err = json.MarshalIndent(&jl, "", "  ")
	if err != nil {
		return nil, nil, errors.Wrap(err, "Render: "+rec.NormalizedName)
	}
	return buf.Bytes(), jsonBody, nil
}

// Generate renders and commits the listing pages for a package,
// applying the retention policy first so the previous current body is
// preserved before being replaced.  It returns the tree paths it
// wrote.
func (g *IndexGenerator) Generate(ctx context.Context, rec *PackageRecord, rawMetadata []byte) ([]string, error) {
	htmlBody, jsonBody, err := g.Render(rec)
	if err != nil {
		return nil, err
	}

	dir := g.SimpleDir(rec.NormalizedName)
	htmlPath := path.Join(dir, "index.html")
	jsonPath := path.Join(dir, "index.json")

	var changed []string

	wantHTML := g.config.SimpleFormat == FormatHTML || g.config.SimpleFormat == FormatAll
	wantJSON := g.config.SimpleFormat == FormatJSON || g.config.SimpleFormat == FormatAll

	if wantHTML && g.config.KeepIndexVersion > 0 {
		kept, err := g.retainCurrent(ctx, rec, dir, htmlPath)
		if err != nil {
			return nil, err
		}
		changed = append(changed, kept...)
	}

	if wantHTML {
		if err := g.backend.Put(ctx, htmlPath, bytes.NewReader(htmlBody)); err != nil {
			return nil, errors.Wrap(err, "Generate: "+rec.NormalizedName)
		}
		changed = append(changed, htmlPath)
	}
	if wantJSON {
		if err := g.backend.Put(ctx, jsonPath, bytes.NewReader(jsonBody)); err != nil {
			return nil, errors.Wrap(err, "Generate: "+rec.NormalizedName)
		}
		changed = append(changed, jsonPath)
	}

	if g.config.JSON && rawMetadata != nil {
		metaPath := g.MetadataPath(rec.NormalizedName)
		if err := g.backend.Put(ctx, metaPath, bytes.NewReader(rawMetadata)); err != nil {
			return nil, errors.Wrap(err, "Generate: "+rec.NormalizedName)
		}
		changed = append(changed, metaPath)
	}

	slog.Debug("index generated", "package", rec.NormalizedName,
		"serial", rec.Serial, "paths", len(changed))
	return changed, nil
}

// retainCurrent preserves the current HTML body under a
// serial+timestamp qualified name, updates the pointer record, and
// prunes history beyond the retention count.
func (g *IndexGenerator) retainCurrent(ctx context.Context, rec *PackageRecord, dir, htmlPath string) ([]string, error) {
	rc, err := g.backend.Get(ctx, htmlPath)
	if errors.Is(err, os.ErrNotExist) {
		// first generation, nothing to retain
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "retainCurrent: "+rec.NormalizedName)
	}

	versionsDir := path.Join(dir, "versions")

	prevSerial := int64(0)
	pointer, err := g.loadPointer(ctx, versionsDir)
	if err != nil {
		rc.Close()
		return nil, err
	}
	if pointer != nil {
		prevSerial = pointer.Serial
	}

	now := g.now().UTC()
	snapshotName := "index_" + strconv.FormatInt(prevSerial, 10) + "_" + now.Format(timestampFormat) + ".html"
	snapshotPath := path.Join(versionsDir, snapshotName)

	err = g.backend.Put(ctx, snapshotPath, rc)
	if err2 := rc.Close(); err == nil {
		err = err2
	}
	if err != nil {
		return nil, errors.Wrap(err, "retainCurrent: "+rec.NormalizedName)
	}

	newPointer := &currentPointer{
		Snapshot:    "index.html",
		Serial:      rec.Serial,
		GeneratedAt: now,
	}
	pointerData, err := json.Marshal(newPointer)
	if err != nil {
		return nil, errors.Wrap(err, "retainCurrent: "+rec.NormalizedName)
	}
	pointerPath := path.Join(versionsDir, "current.json")
	if err := g.backend.Put(ctx, pointerPath, bytes.NewReader(pointerData)); err != nil {
		return nil, errors.Wrap(err, "retainCurrent: "+rec.NormalizedName)
	}

	if err := g.prune(ctx, versionsDir); err != nil {
		return nil, err
	}

	return []string{snapshotPath, pointerPath}, nil
}

func (g *IndexGenerator) loadPointer(ctx context.Context, versionsDir string) (*currentPointer, error) {
	rc, err := g.backend.Get(ctx, path.Join(versionsDir, "current.json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "loadPointer")
	}
	defer func() {
		if err := rc.Close(); err != nil {
			slog.Warn("failed to close pointer record", "error", err)
		}
	}()

	var pointer currentPointer
	if err := json.NewDecoder(rc).Decode(&pointer); err != nil {
		return nil, errors.Wrap(err, "loadPointer")
	}
	return &pointer, nil
}

// prune deletes retained snapshots beyond keep_index_versions, oldest
// first.  Snapshot names sort chronologically by their timestamp
// suffix within the same serial width, so lexical order is not enough;
// parse the timestamp instead.
func (g *IndexGenerator) prune(ctx context.Context, versionsDir string) error {
	paths, err := g.backend.List(ctx, versionsDir)
	if err != nil {
		return errors.Wrap(err, "prune")
	}

	type snapshot struct {
		path string
		ts   time.Time
	}
	var snapshots []snapshot
	for _, p := range paths {
		base := path.Base(p)
		if !strings.HasPrefix(base, "index_") || !strings.HasSuffix(base, ".html") {
			continue
		}
		parts := strings.Split(strings.TrimSuffix(base, ".html"), "_")
		if len(parts) != 3 {
			continue
		}
		ts, err := time.Parse(timestampFormat, parts[2])
		if err != nil {
			continue
		}
		snapshots = append(snapshots, snapshot{path: p, ts: ts})
	}

	if len(snapshots) <= g.config.KeepIndexVersion {
		return nil
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].ts.Before(snapshots[j].ts)
	})
	for _, s := range snapshots[:len(snapshots)-g.config.KeepIndexVersion] {
		slog.Debug("pruning index snapshot", "path", s.path)
		if err := g.backend.Delete(ctx, s.path); err != nil {
			return errors.Wrap(err, "prune")
		}
	}
	return nil
}
