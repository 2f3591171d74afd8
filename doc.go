/*
Package pkgmirror is a tool for incrementally mirroring package indexes.

pkgmirror replicates a remote package index and its release files into
local or object storage, with features including:
  - Incremental updates driven by the upstream change serial
  - SHA256 digest verification of every downloaded artifact
  - Atomic per-package commits with file locking
  - Retained historical index snapshots with rollback pointers
  - Concurrent downloads and verification with bounded backpressure
  - Pluggable storage backends (filesystem and S3)

The main packages are:

	github.com/pkgmirror/pkgmirror/internal/pkgindex - Package name normalization and file digests
	github.com/pkgmirror/pkgmirror/internal/mirror   - Core mirroring logic and storage abstraction
	github.com/pkgmirror/pkgmirror/cmd/pkgmirror     - Command-line interface
*/
package pkgmirror
