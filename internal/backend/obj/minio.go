package obj

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/piwi3910/nixl/internal/executor"
	"github.com/piwi3910/nixl/pkg/nixl"
)

// minioClient is the ObjectClient over minio-go, selected with
// client_type=minio. Useful against S3-compatible stores that the AWS SDK's
// signing defaults fight with.
type minioClient struct {
	mc     *minio.Client
	bucket string
	exec   *executor.Executor
	sem    *semaphore.Weighted
}

func newMinioClient(params nixl.Params) (*minioClient, error) {
	cfg, err := parseClientConfig(params)
	if err != nil {
		return nil, err
	}

	endpoint := cfg.endpoint
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
	}

	// minio-go wants a bare host; the scheme travels in Secure.
	endpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")

	opts := &minio.Options{
		Secure: cfg.secure,
		Region: cfg.region,
	}

	if cfg.hasStaticCreds() {
		opts.Creds = miniocreds.NewStaticV4(cfg.accessKey, cfg.secretKey, cfg.sessionToken)
	} else {
		opts.Creds = miniocreds.NewEnvAWS()
	}

	if cfg.virtualAddressing {
		opts.BucketLookup = minio.BucketLookupDNS
	} else {
		opts.BucketLookup = minio.BucketLookupPath
	}

	mc, err := minio.New(endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	log.Info().Str("bucket", cfg.bucket).Str("endpoint", endpoint).
		Msg("object store client initialized (minio)")

	return &minioClient{
		mc:     mc,
		bucket: cfg.bucket,
		sem:    semaphore.NewWeighted(maxStoreConns),
	}, nil
}

// SetExecutor installs the task pool.
func (c *minioClient) SetExecutor(exec *executor.Executor) {
	c.exec = exec
}

// PutAsync uploads buf as the object key.
func (c *minioClient) PutAsync(key string, buf []byte, offset uint64, cb Callback) {
	if offset != 0 {
		cb(false)
		return
	}

	c.exec.Submit(func() {
		ctx := context.Background()

		if err := c.sem.Acquire(ctx, 1); err != nil {
			cb(false)
			return
		}
		defer c.sem.Release(1)

		_, err := c.mc.PutObject(ctx, c.bucket, key,
			bytes.NewReader(buf), int64(len(buf)), minio.PutObjectOptions{})
		if err != nil {
			log.Error().Err(err).Str("key", key).Msg("put object failed")
		}

		cb(err == nil)
	})
}

// GetAsync fills buf from the object starting at offset.
func (c *minioClient) GetAsync(key string, buf []byte, offset uint64, cb Callback) {
	c.exec.Submit(func() {
		ctx := context.Background()

		if err := c.sem.Acquire(ctx, 1); err != nil {
			cb(false)
			return
		}
		defer c.sem.Release(1)

		getOpts := minio.GetObjectOptions{}
		if offset > 0 {
			if err := getOpts.SetRange(int64(offset), int64(offset)+int64(len(buf))-1); err != nil {
				cb(false)
				return
			}
		}

		obj, err := c.mc.GetObject(ctx, c.bucket, key, getOpts)
		if err != nil {
			log.Error().Err(err).Str("key", key).Msg("get object failed")
			cb(false)

			return
		}
		defer obj.Close()

		if _, err := io.ReadFull(obj, buf); err != nil {
			log.Error().Err(err).Str("key", key).Msg("get object short read")
			cb(false)

			return
		}

		cb(true)
	})
}
