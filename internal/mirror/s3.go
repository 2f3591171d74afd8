package mirror

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cockroachdb/errors"
)

// S3Backend stores the mirror tree in an S3-compatible object store.
//
// PutObject replaces a key atomically on the server side, so readers
// see either the previous object or the new one, never a partial
// upload.  Staging files live in the local temp directory and are
// uploaded on PutFile.
type S3Backend struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Backend constructs an S3Backend from the [s3] config table.
func NewS3Backend(ctx context.Context, cfg *S3Config) (*S3Backend, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, markStorage(errors.Wrap(err, "NewS3Backend: load aws config"))
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	return &S3Backend{
		client: client,
		bucket: cfg.Bucket,
		prefix: trimS3Prefix(cfg.Prefix),
	}, nil
}

// trimS3Prefix normalizes the configured key prefix.
func trimS3Prefix(prefix string) string {
	return strings.Trim(prefix, "/")
}

// Type implements Backend.
func (b *S3Backend) Type() string {
	return BackendS3
}

// Close implements Backend.
func (b *S3Backend) Close() error {
	return nil
}

// TempFile implements Backend.
func (b *S3Backend) TempFile() (*os.File, error) {
	return os.CreateTemp("", "pkgmirror_tmp")
}

func (b *S3Backend) key(p string) (string, error) {
	if err := validatePath(p); err != nil {
		return "", markStorage(err)
	}
	if b.prefix == "" {
		return p, nil
	}
	return path.Join(b.prefix, p), nil
}

// Put implements Backend.
//
// The body is staged locally first because PutObject needs a sized,
// seekable body for signing.
func (b *S3Backend) Put(ctx context.Context, p string, r io.Reader) error {
	f, err := b.TempFile()
	if err != nil {
		return markStorage(errors.Wrap(err, "Put: "+p))
	}
	name := f.Name()

	_, err = io.Copy(f, r)
	if err2 := f.Close(); err == nil {
		err = err2
	}
	if err != nil {
		os.Remove(name)
		return markStorage(errors.Wrap(err, "Put: "+p))
	}

	return b.PutFile(ctx, p, name)
}

// PutFile implements Backend.  The staged file is uploaded in one
// PutObject call and removed afterwards.
func (b *S3Backend) PutFile(ctx context.Context, p string, tempName string) error {
	defer os.Remove(tempName)

	key, err := b.key(p)
	if err != nil {
		return err
	}

	f, err := os.Open(tempName) // #nosec G304 - tempName comes from TempFile
	if err != nil {
		return markStorage(errors.Wrap(err, "PutFile: "+p))
	}
	defer func() {
		if err := f.Close(); err != nil {
			slog.Warn("failed to close staging file", "file", tempName, "error", err)
		}
	}()

	st, err := f.Stat()
	if err != nil {
		return markStorage(errors.Wrap(err, "PutFile: "+p))
	}

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(st.Size()),
	})
	if err != nil {
		return markStorage(errors.Wrap(err, "PutFile: "+p))
	}

	slog.Debug("s3 put object", "bucket", b.bucket, "key", key, "size", st.Size())
	return nil
}

// Get implements Backend.  A missing key is reported as os.ErrNotExist
// so callers can treat both backends uniformly.
func (b *S3Backend) Get(ctx context.Context, p string) (io.ReadCloser, error) {
	key, err := b.key(p)
	if err != nil {
		return nil, err
	}

	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, os.ErrNotExist
		}
		return nil, markStorage(errors.Wrap(err, "Get: "+p))
	}
	return out.Body, nil
}

// Exists implements Backend.
func (b *S3Backend) Exists(ctx context.Context, p string) (bool, error) {
	key, err := b.key(p)
	if err != nil {
		return false, err
	}

	_, err = b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, markStorage(errors.Wrap(err, "Exists: "+p))
	}
	return true, nil
}

// Delete implements Backend.
func (b *S3Backend) Delete(ctx context.Context, p string) error {
	key, err := b.key(p)
	if err != nil {
		return err
	}

	_, err = b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return markStorage(errors.Wrap(err, "Delete: "+p))
	}
	return nil
}

// List implements Backend.
func (b *S3Backend) List(ctx context.Context, prefix string) ([]string, error) {
	keyPrefix := b.prefix
	if prefix != "" {
		kp, err := b.key(prefix)
		if err != nil {
			return nil, err
		}
		keyPrefix = kp
	}

	var paths []string
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(keyPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, markStorage(errors.Wrap(err, "List: "+prefix))
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if b.prefix != "" {
				key = strings.TrimPrefix(strings.TrimPrefix(key, b.prefix), "/")
			}
			paths = append(paths, key)
		}
	}

	sort.Strings(paths)
	return paths, nil
}
