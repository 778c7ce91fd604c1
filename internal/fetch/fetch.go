// Package fetch retrieves artifacts from object storage with bounded
// timeout and retry. Transient failures (network, throttling, 5xx) are
// retried with exponential backoff and jitter; permanent failures (missing
// key, denied access) abort immediately.
package fetch

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// ErrNotFound indicates the object does not exist in the bucket.
var ErrNotFound = errors.New("object not found")

// gzipMagic is the two-byte signature prefixing gzip-framed payloads.
var gzipMagic = []byte{0x1f, 0x8b}

// Config holds object storage connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool

	// RequestTimeout bounds one attempt; MaxAttempts bounds the retry loop.
	RequestTimeout time.Duration
	MaxAttempts    uint
}

// Fetcher downloads objects from S3-compatible storage.
type Fetcher struct {
	client  *minio.Client
	timeout time.Duration
	tries   uint
	logger  *zap.Logger
}

// New creates a Fetcher for the configured endpoint.
func New(cfg Config, logger *zap.Logger) (*Fetcher, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch.New: %w", err)
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	tries := cfg.MaxAttempts
	if tries == 0 {
		tries = 3
	}
	return &Fetcher{client: client, timeout: timeout, tries: tries, logger: logger}, nil
}

// Fetch downloads an object and returns its decoded bytes, transparently
// decompressing gzip-framed payloads. Missing keys return ErrNotFound
// without retrying; transient errors are retried up to MaxAttempts.
func (f *Fetcher) Fetch(ctx context.Context, bucket, key string) ([]byte, error) {
	attempt := 0
	op := func() ([]byte, error) {
		attempt++
		raw, err := f.getOnce(ctx, bucket, key)
		if err == nil {
			return raw, nil
		}
		if code := minio.ToErrorResponse(err).Code; code == "NoSuchKey" || code == "NoSuchBucket" {
			return nil, backoff.Permanent(fmt.Errorf("%w: %s", ErrNotFound, key))
		}
		if permanent(err) {
			return nil, backoff.Permanent(err)
		}
		f.logger.Warn("transient fetch failure, will retry",
			zap.String("bucket", bucket),
			zap.String("key", key),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return nil, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	raw, err := backoff.Retry(ctx, op, backoff.WithBackOff(bo), backoff.WithMaxTries(f.tries))
	if err != nil {
		return nil, fmt.Errorf("Fetch s3://%s/%s: %w", bucket, key, err)
	}
	return Decode(raw)
}

func (f *Fetcher) getOnce(ctx context.Context, bucket, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	obj, err := f.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	raw, err := io.ReadAll(obj)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// permanent reports whether the storage error cannot be fixed by retrying.
func permanent(err error) bool {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket":
		return true
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return true
	}
	return false
}

// Decode returns the plain bytes of a payload, decompressing when the
// content starts with the gzip magic sequence. Detection is by magic bytes,
// not file extension.
func Decode(raw []byte) ([]byte, error) {
	if !bytes.HasPrefix(raw, gzipMagic) {
		return raw, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("Decode: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("Decode: %w", err)
	}
	return out, nil
}

// IsNotFound reports whether the fetch failed because the key is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
