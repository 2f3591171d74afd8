package mirror

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// DiffWriter records which tree paths changed during a run, one path
// per line, for downstream offline-sync tooling.
type DiffWriter struct {
	path        string
	appendEpoch bool
}

// NewDiffWriter constructs a DiffWriter.  path empty disables
// recording.
func NewDiffWriter(path string, appendEpoch bool) *DiffWriter {
	return &DiffWriter{
		path:        path,
		appendEpoch: appendEpoch,
	}
}

// Enabled reports whether a diff file is configured.
func (w *DiffWriter) Enabled() bool {
	return w.path != ""
}

// Target returns the file the next Record call will write, applying
// the run-epoch suffix when configured.
func (w *DiffWriter) Target(epoch int64) string {
	if !w.appendEpoch {
		return w.path
	}
	return w.path + "-" + strconv.FormatInt(epoch, 10)
}

// Record writes the changed paths, truncating any previous content.
// Paths are sorted and deduplicated.
func (w *DiffWriter) Record(paths []string, epoch int64) error {
	if !w.Enabled() {
		return nil
	}

	target := w.Target(epoch)
	if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
		return markStorage(errors.Wrap(err, "DiffWriter.Record"))
	}

	seen := make(map[string]struct{}, len(paths))
	unique := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		unique = append(unique, p)
	}
	sort.Strings(unique)

	var sb strings.Builder
	for _, p := range unique {
		sb.WriteString(p)
		sb.WriteByte('\n')
	}

	err := os.WriteFile(target, []byte(sb.String()), 0644) // #nosec G306 - diff file is world readable by design
	if err != nil {
		return markStorage(errors.Wrap(err, "DiffWriter.Record: "+target))
	}
	return nil
}
