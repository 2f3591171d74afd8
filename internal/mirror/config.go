package mirror

import (
	"log/slog"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	defaultWorkers   = 3
	defaultVerifiers = 3
	maxPoolSize      = 10

	defaultTimeout       = 10 * time.Second
	defaultGlobalTimeout = 5 * time.Hour
)

// Comparison methods for the verifier pool.
const (
	CompareHash = "hash"
	CompareStat = "stat"
)

// Listing formats for generated simple index pages.
const (
	FormatHTML = "html"
	FormatJSON = "json"
	FormatAll  = "all"
)

// Storage backend selectors.
const (
	BackendFilesystem = "filesystem"
	BackendS3         = "s3"
)

type tomlURL struct {
	*url.URL
}

func (u *tomlURL) UnmarshalText(text []byte) error {
	parsedURL, err := url.Parse(string(text))
	if err != nil {
		return err
	}

	// for URL.ResolveReference
	if !strings.HasSuffix(parsedURL.Path, "/") {
		parsedURL.Path += "/"
		parsedURL.RawPath += "/"
	}

	u.URL = parsedURL
	return nil
}

type tomlDuration struct {
	time.Duration
}

func (d *tomlDuration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// S3Config holds connection settings for the remote object-store
// backend.
type S3Config struct {
	Bucket    string `toml:"bucket"`
	Region    string `toml:"region"`
	Endpoint  string `toml:"endpoint,omitempty"`
	Prefix    string `toml:"prefix,omitempty"`
	AccessKey string `toml:"access_key,omitempty"`
	SecretKey string `toml:"secret_key,omitempty"`
	PathStyle bool   `toml:"path_style,omitempty"`
}

// LogConfig represents slog configuration options.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Apply configures the global slog logger based on the configuration.
func (logConfig *LogConfig) Apply() error {
	var level slog.Level
	switch strings.ToLower(logConfig.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return errors.New("invalid log level: " + logConfig.Level)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(logConfig.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "plain", "", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return errors.New("invalid log format: " + logConfig.Format)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

// Config is a struct to read TOML configurations.
//
// Use https://github.com/BurntSushi/toml as follows:
//
//	config := mirror.NewConfig()
//	md, err := toml.DecodeFile("/path/to/config.toml", config)
//	if err != nil {
//	    ...
//	}
//
// The struct is populated once at startup, validated with Check, and
// treated as immutable afterwards.
type Config struct {
	Directory string  `toml:"directory"`
	Master    tomlURL `toml:"master"`

	Timeout       tomlDuration `toml:"timeout"`
	GlobalTimeout tomlDuration `toml:"global-timeout"`

	Workers   int `toml:"workers"`
	Verifiers int `toml:"verifiers"`

	JSON         bool `toml:"json"`
	ReleaseFiles bool `toml:"release-files"`
	Cleanup      bool `toml:"cleanup"`
	HashIndex    bool `toml:"hash-index"`

	SimpleFormat  string `toml:"simple-format"`
	StopOnError   bool   `toml:"stop-on-error"`
	AllowMismatch bool   `toml:"allow-upstream-serial-mismatch"`

	StorageBackend   string `toml:"storage-backend"`
	KeepIndexVersion int    `toml:"keep_index_versions"`
	CompareMethod    string `toml:"compare-method"`

	DownloadMirror   tomlURL `toml:"download-mirror"`
	MirrorNoFallback bool    `toml:"download-mirror-no-fallback"`

	DiffFile        string `toml:"diff-file"`
	DiffAppendEpoch bool   `toml:"diff-append-epoch"`

	S3  S3Config  `toml:"s3"`
	Log LogConfig `toml:"log"`
}

// NewConfig creates Config with default values.
func NewConfig() *Config {
	return &Config{
		Workers:        defaultWorkers,
		Verifiers:      defaultVerifiers,
		Timeout:        tomlDuration{defaultTimeout},
		GlobalTimeout:  tomlDuration{defaultGlobalTimeout},
		ReleaseFiles:   true,
		SimpleFormat:   FormatAll,
		StorageBackend: BackendFilesystem,
		CompareMethod:  CompareHash,
	}
}

// Check validates the configuration.  All violations are ConfigError
// class and therefore fatal before the core runs.
func (c *Config) Check() error {
	if c.Directory == "" {
		return markConfig(errors.New("directory is not set"))
	}
	if !path.IsAbs(c.Directory) {
		return markConfig(errors.New("directory must be an absolute path"))
	}
	if c.Master.URL == nil {
		return markConfig(errors.New("master is not set"))
	}
	if c.Master.Scheme != "https" {
		return markConfig(errors.New("master URL " + c.Master.String() + " is not https scheme"))
	}
	if c.Workers < 1 || c.Workers > maxPoolSize {
		return markConfig(errors.Newf("workers must be between 1 and %d", maxPoolSize))
	}
	if c.Verifiers < 1 || c.Verifiers > maxPoolSize {
		return markConfig(errors.Newf("verifiers must be between 1 and %d", maxPoolSize))
	}
	if c.Timeout.Duration <= 0 {
		return markConfig(errors.New("timeout must be positive"))
	}
	if c.GlobalTimeout.Duration <= 0 {
		return markConfig(errors.New("global-timeout must be positive"))
	}

	switch c.SimpleFormat {
	case FormatHTML, FormatJSON, FormatAll:
	default:
		return markConfig(errors.New("invalid simple-format: " + c.SimpleFormat))
	}

	switch c.CompareMethod {
	case CompareHash, CompareStat:
	default:
		return markConfig(errors.New("invalid compare-method: " + c.CompareMethod))
	}

	switch c.StorageBackend {
	case BackendFilesystem:
	case BackendS3:
		if c.S3.Bucket == "" {
			return markConfig(errors.New("s3.bucket is required for the s3 backend"))
		}
		if c.S3.Region == "" && c.S3.Endpoint == "" {
			return markConfig(errors.New("s3.region or s3.endpoint is required for the s3 backend"))
		}
	default:
		return markConfig(errors.New("invalid storage-backend: " + c.StorageBackend))
	}

	if c.KeepIndexVersion < 0 {
		return markConfig(errors.New("keep_index_versions must not be negative"))
	}

	if c.DownloadMirror.URL != nil {
		switch c.DownloadMirror.Scheme {
		case "http", "https":
		default:
			return markConfig(errors.New("unsupported download-mirror scheme: " + c.DownloadMirror.Scheme))
		}
	}
	if c.MirrorNoFallback && c.DownloadMirror.URL == nil {
		return markConfig(errors.New("download-mirror-no-fallback requires download-mirror"))
	}

	return nil
}

// ResolveDownloadMirror returns the fallback-source URL for a relative
// path, or nil when no mirror is configured.
func (c *Config) ResolveDownloadMirror(p string) *url.URL {
	if c.DownloadMirror.URL == nil {
		return nil
	}
	return c.DownloadMirror.ResolveReference(&url.URL{Path: p})
}
