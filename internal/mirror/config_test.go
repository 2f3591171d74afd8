package mirror

import (
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
directory = "/var/spool/pkgmirror"
master = "https://index.example.org/"
timeout = "30s"
global-timeout = "2h"
workers = 5
verifiers = 2
json = true
release-files = true
hash-index = true
simple-format = "all"
keep_index_versions = 3
compare-method = "hash"
download-mirror = "https://cache.example.org/"
diff-file = "/var/run/pkgmirror/changed"
diff-append-epoch = true

[log]
level = "debug"
format = "json"
`

func TestConfigDecode(t *testing.T) {
	t.Parallel()

	c := NewConfig()
	md, err := toml.Decode(sampleConfig, c)
	require.NoError(t, err)
	require.Empty(t, md.Undecoded())

	require.Equal(t, "/var/spool/pkgmirror", c.Directory)
	require.Equal(t, "https://index.example.org/", c.Master.String())
	require.Equal(t, 30*time.Second, c.Timeout.Duration)
	require.Equal(t, 2*time.Hour, c.GlobalTimeout.Duration)
	require.Equal(t, 5, c.Workers)
	require.Equal(t, 2, c.Verifiers)
	require.True(t, c.JSON)
	require.True(t, c.HashIndex)
	require.Equal(t, 3, c.KeepIndexVersion)
	require.Equal(t, "https://cache.example.org/", c.DownloadMirror.String())
	require.True(t, c.DiffAppendEpoch)
	require.Equal(t, "debug", c.Log.Level)

	require.NoError(t, c.Check())
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	c := NewConfig()
	require.Equal(t, defaultWorkers, c.Workers)
	require.Equal(t, defaultVerifiers, c.Verifiers)
	require.Equal(t, defaultTimeout, c.Timeout.Duration)
	require.Equal(t, defaultGlobalTimeout, c.GlobalTimeout.Duration)
	require.True(t, c.ReleaseFiles)
	require.Equal(t, FormatAll, c.SimpleFormat)
	require.Equal(t, BackendFilesystem, c.StorageBackend)
	require.Equal(t, CompareHash, c.CompareMethod)
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	c := NewConfig()
	c.Directory = "/var/spool/pkgmirror"
	require.NoError(t, c.Master.UnmarshalText([]byte("https://index.example.org")))
	return c
}

func TestConfigCheck(t *testing.T) {
	t.Parallel()

	require.NoError(t, validConfig(t).Check())

	c := validConfig(t)
	c.Directory = ""
	requireConfigError(t, c)

	c = validConfig(t)
	c.Directory = "relative/path"
	requireConfigError(t, c)

	c = validConfig(t)
	require.NoError(t, c.Master.UnmarshalText([]byte("http://index.example.org")))
	requireConfigError(t, c)

	c = validConfig(t)
	c.Workers = 0
	requireConfigError(t, c)

	c = validConfig(t)
	c.Workers = maxPoolSize + 1
	requireConfigError(t, c)

	c = validConfig(t)
	c.Verifiers = -1
	requireConfigError(t, c)

	c = validConfig(t)
	c.SimpleFormat = "xml"
	requireConfigError(t, c)

	c = validConfig(t)
	c.CompareMethod = "md5"
	requireConfigError(t, c)

	c = validConfig(t)
	c.StorageBackend = "tape"
	requireConfigError(t, c)

	c = validConfig(t)
	c.StorageBackend = BackendS3
	requireConfigError(t, c) // missing bucket
	c.S3.Bucket = "mirror"
	requireConfigError(t, c) // missing region and endpoint
	c.S3.Region = "us-east-1"
	require.NoError(t, c.Check())

	c = validConfig(t)
	c.KeepIndexVersion = -1
	requireConfigError(t, c)

	c = validConfig(t)
	c.MirrorNoFallback = true
	requireConfigError(t, c) // no download-mirror configured
}

func requireConfigError(t *testing.T, c *Config) {
	t.Helper()
	err := c.Check()
	require.Error(t, err)
	require.ErrorIs(t, err, ErrConfig)
}

func TestResolveDownloadMirror(t *testing.T) {
	t.Parallel()

	c := validConfig(t)
	require.Nil(t, c.ResolveDownloadMirror("packages/x"))
	require.NoError(t, c.DownloadMirror.UnmarshalText([]byte("https://cache.example.org")))
	require.Equal(t, "https://cache.example.org/packages/x",
		c.ResolveDownloadMirror("packages/x").String())
}
