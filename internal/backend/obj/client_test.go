package obj

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/nixl/pkg/nixl"
)

func TestParseClientConfig(t *testing.T) {
	cfg, err := parseClientConfig(nixl.Params{
		"endpoint_override":      "localstack:4566",
		"scheme":                 "http",
		"region":                 "us-east-1",
		"access_key":             "ak",
		"secret_key":             "sk",
		"session_token":          "tok",
		"use_virtual_addressing": "false",
		"bucket":                 "test-bucket",
	})
	require.NoError(t, err)

	assert.Equal(t, "localstack:4566", cfg.endpoint)
	assert.False(t, cfg.secure)
	assert.Equal(t, "us-east-1", cfg.region)
	assert.True(t, cfg.hasStaticCreds())
	assert.Equal(t, "tok", cfg.sessionToken)
	assert.False(t, cfg.virtualAddressing)
	assert.Equal(t, "test-bucket", cfg.bucket)
}

func TestParseClientConfigInvalidScheme(t *testing.T) {
	_, err := parseClientConfig(nixl.Params{
		"scheme": "ftp",
		"bucket": "b",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidScheme)
}

func TestParseClientConfigStrictBool(t *testing.T) {
	_, err := parseClientConfig(nixl.Params{
		"use_virtual_addressing": "yes",
		"bucket":                 "b",
	})
	assert.Error(t, err, "only the literals 'true' and 'false' are accepted")
}

func TestParseClientConfigBucketFromEnv(t *testing.T) {
	t.Setenv("AWS_DEFAULT_BUCKET", "env-bucket")

	cfg, err := parseClientConfig(nixl.Params{})
	require.NoError(t, err)
	assert.Equal(t, "env-bucket", cfg.bucket)
}

func TestParseClientConfigBucketMissing(t *testing.T) {
	t.Setenv("AWS_DEFAULT_BUCKET", "")

	_, err := parseClientConfig(nixl.Params{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBucketNotFound)
}

func TestParseClientConfigDefaultCreds(t *testing.T) {
	cfg, err := parseClientConfig(nixl.Params{"bucket": "b", "access_key": "only-one"})
	require.NoError(t, err)

	// One key without the other falls back to the default resolver.
	assert.False(t, cfg.hasStaticCreds())
}

func TestEndpointURL(t *testing.T) {
	cfg := &clientConfig{endpoint: "minio.local:9000", schemeSet: true, secure: false}
	assert.Equal(t, "http://minio.local:9000", endpointURL(cfg))

	cfg = &clientConfig{endpoint: "https://store.example.com"}
	assert.Equal(t, "https://store.example.com", endpointURL(cfg))

	cfg = &clientConfig{endpoint: "store.example.com", secure: true}
	assert.Equal(t, "https://store.example.com", endpointURL(cfg))
}
