package obj

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/piwi3910/nixl/internal/executor"
	"github.com/piwi3910/nixl/pkg/nixl"
)

// maxStoreConns bounds concurrent store calls per client, independent of
// the executor width.
const maxStoreConns = 16

// awsClient is the ObjectClient over the AWS SDK.
type awsClient struct {
	s3     *s3.Client
	bucket string
	exec   *executor.Executor
	sem    *semaphore.Weighted
}

// newAwsClient builds the client from init parameters. Empty access and
// secret keys select the SDK's default credential chain.
func newAwsClient(params nixl.Params) (*awsClient, error) {
	cfg, err := parseClientConfig(params)
	if err != nil {
		return nil, err
	}

	opts := []func(*awsconfig.LoadOptions) error{}

	if cfg.region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.region))
	}

	if cfg.hasStaticCreds() {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.accessKey, cfg.secretKey, cfg.sessionToken)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = !cfg.virtualAddressing

		if cfg.endpoint != "" {
			o.BaseEndpoint = aws.String(endpointURL(cfg))
		}
	})

	log.Info().Str("bucket", cfg.bucket).Str("endpoint", cfg.endpoint).
		Msg("object store client initialized (aws)")

	return &awsClient{
		s3:     client,
		bucket: cfg.bucket,
		sem:    semaphore.NewWeighted(maxStoreConns),
	}, nil
}

// endpointURL applies the configured scheme to a bare endpoint override.
func endpointURL(cfg *clientConfig) string {
	if strings.Contains(cfg.endpoint, "://") {
		return cfg.endpoint
	}

	scheme := "https"
	if cfg.schemeSet && !cfg.secure {
		scheme = "http"
	}

	return scheme + "://" + cfg.endpoint
}

// SetExecutor installs the task pool.
func (c *awsClient) SetExecutor(exec *executor.Executor) {
	c.exec = exec
}

// PutAsync uploads buf as the object key. Object stores cannot patch byte
// ranges, so a nonzero offset fails immediately.
func (c *awsClient) PutAsync(key string, buf []byte, offset uint64, cb Callback) {
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

		// bytes.NewReader adapts the caller's buffer without copying.
		_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(buf),
		})
		if err != nil {
			log.Error().Err(err).Str("key", key).Msg("put object failed")
		}

		cb(err == nil)
	})
}

// GetAsync fills buf from the object starting at offset. A nonzero offset
// becomes a ranged read.
func (c *awsClient) GetAsync(key string, buf []byte, offset uint64, cb Callback) {
	c.exec.Submit(func() {
		ctx := context.Background()

		if err := c.sem.Acquire(ctx, 1); err != nil {
			cb(false)
			return
		}
		defer c.sem.Release(1)

		input := &s3.GetObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		}

		if offset > 0 {
			input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+uint64(len(buf))-1))
		}

		out, err := c.s3.GetObject(ctx, input)
		if err != nil {
			log.Error().Err(err).Str("key", key).Msg("get object failed")
			cb(false)

			return
		}
		defer out.Body.Close()

		if _, err := io.ReadFull(out.Body, buf); err != nil {
			log.Error().Err(err).Str("key", key).Msg("get object short read")
			cb(false)

			return
		}

		cb(true)
	})
}
