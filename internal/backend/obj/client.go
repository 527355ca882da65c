package obj

import (
	"errors"
	"fmt"
	"os"

	"github.com/piwi3910/nixl/internal/executor"
	"github.com/piwi3910/nixl/pkg/nixl"
)

// Configuration errors surfaced at engine construction.
var (
	ErrInvalidScheme  = errors.New("invalid scheme: must be 'http' or 'https'")
	ErrBucketNotFound = errors.New("bucket name not found: provide 'bucket' or set AWS_DEFAULT_BUCKET")
)

// Callback reports the outcome of one asynchronous store operation. It runs
// on the executor.
type Callback func(success bool)

// ObjectClient abstracts the object store. PutAsync uploads buf as the
// object key (offset must be zero: object stores cannot patch ranges);
// GetAsync fills buf from the object starting at offset (a ranged read when
// offset is nonzero). Both return immediately; the callback fires on the
// client's executor when the operation settles.
type ObjectClient interface {
	// SetExecutor installs the task pool asynchronous operations run on.
	SetExecutor(exec *executor.Executor)

	// PutAsync uploads buf to key.
	PutAsync(key string, buf []byte, offset uint64, cb Callback)

	// GetAsync reads len(buf) bytes from key starting at offset into buf.
	GetAsync(key string, buf []byte, offset uint64, cb Callback)
}

// clientConfig is the parsed client-side init-parameter set. Both real
// clients consume the same keys.
type clientConfig struct {
	endpoint          string
	secure            bool
	schemeSet         bool
	region            string
	accessKey         string
	secretKey         string
	sessionToken      string
	virtualAddressing bool
	bucket            string
}

// hasStaticCreds reports whether explicit credentials were provided; both
// keys empty selects the SDK's default credential resolver.
func (c *clientConfig) hasStaticCreds() bool {
	return c.accessKey != "" && c.secretKey != ""
}

func parseClientConfig(params nixl.Params) (*clientConfig, error) {
	cfg := &clientConfig{secure: true}

	cfg.endpoint, _ = params.Get("endpoint_override")

	if scheme, ok := params.Get("scheme"); ok {
		cfg.schemeSet = true

		switch scheme {
		case "http":
			cfg.secure = false
		case "https":
			cfg.secure = true
		default:
			return nil, fmt.Errorf("%w: got %q", ErrInvalidScheme, scheme)
		}
	}

	cfg.region, _ = params.Get("region")
	cfg.accessKey, _ = params.Get("access_key")
	cfg.secretKey, _ = params.Get("secret_key")
	cfg.sessionToken, _ = params.Get("session_token")

	va, err := params.GetBool("use_virtual_addressing")
	if err != nil {
		return nil, err
	}

	cfg.virtualAddressing = va

	if bucket, ok := params.Get("bucket"); ok && bucket != "" {
		cfg.bucket = bucket
	} else if env := os.Getenv("AWS_DEFAULT_BUCKET"); env != "" {
		cfg.bucket = env
	} else {
		return nil, ErrBucketNotFound
	}

	return cfg, nil
}
