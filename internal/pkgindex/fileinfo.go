package pkgindex

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"path"

	"github.com/cockroachdb/errors"
)

// FileInfo is a set of meta data of a release file.
type FileInfo struct {
	path   string
	size   uint64
	sha256 []byte // nil means no digest to be checked
}

// MakeFileInfo constructs a FileInfo from a path, size, and hex-encoded
// SHA256 digest.  digest may be empty when upstream declares none.
func MakeFileInfo(p string, size uint64, digest string) (*FileInfo, error) {
	fi := &FileInfo{
		path: p,
		size: size,
	}
	if digest != "" {
		sum, err := hex.DecodeString(digest)
		if err != nil {
			return nil, errors.Wrap(err, "MakeFileInfo: "+p)
		}
		fi.sha256 = sum
	}
	return fi, nil
}

// MakeFileInfoNoChecksum constructs a FileInfo without a digest.
func MakeFileInfoNoChecksum(p string, size uint64) *FileInfo {
	return &FileInfo{
		path: p,
		size: size,
	}
}

// Same returns true if t has the same size and digest.
func (fi *FileInfo) Same(t *FileInfo) bool {
	if fi == t {
		return true
	}
	if t == nil {
		return false
	}
	if fi.path != t.path {
		return false
	}
	if fi.size != t.size {
		return false
	}
	if fi.sha256 != nil && !bytes.Equal(fi.sha256, t.sha256) {
		return false
	}
	return true
}

// Path returns the identifying path string of the file.
func (fi *FileInfo) Path() string {
	return fi.path
}

// Size returns the number of bytes of the file body.
func (fi *FileInfo) Size() uint64 {
	return fi.size
}

// HasChecksum returns true if fi has a digest.
func (fi *FileInfo) HasChecksum() bool {
	return fi.sha256 != nil
}

// SHA256 returns the hex-encoded digest, or an empty string.
func (fi *FileInfo) SHA256() string {
	if fi.sha256 == nil {
		return ""
	}
	return hex.EncodeToString(fi.sha256)
}

// BlobPath returns the digest-sharded artifact path for fi under the
// packages tree: packages/<d[0:2]>/<d[2:4]>/<filename>.
//
// Sharding by digest bounds directory fan-out regardless of how many
// artifacts the mirror holds.  Files without a digest fall back to a
// flat packages/<filename> path.
func (fi *FileInfo) BlobPath() string {
	name := path.Base(fi.path)
	if fi.sha256 == nil {
		return path.Join("packages", name)
	}
	d := hex.EncodeToString(fi.sha256)
	return path.Join("packages", d[0:2], d[2:4], name)
}

// CopyWithFileInfo copies from src to dst until either EOF is reached
// on src or an error occurs, and returns FileInfo calculated while copying.
func CopyWithFileInfo(dst io.Writer, src io.Reader, p string) (*FileInfo, error) {
	hash := sha256.New()

	w := io.MultiWriter(hash, dst)
	n, err := io.Copy(w, src)
	if err != nil {
		return nil, err
	}

	return &FileInfo{
		path:   p,
		size:   uint64(n), // #nosec G115 - io.Copy returns int64, conversion is safe as n >= 0
		sha256: hash.Sum(nil),
	}, nil
}
