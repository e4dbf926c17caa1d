package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/dreamware/bulkload/internal/logger"
)

// Client performs JSON calls between the meta server and the replica nodes.
// Connection-level failures and 5xx replies are retried a few times inside a
// single call; anything longer-lived is the caller's retry policy.
type Client struct {
	http *retryablehttp.Client
}

// ClientOptions configures NewClient. Zero values take defaults.
type ClientOptions struct {
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Logger       logger.Logger
}

// retryLogger routes retryablehttp's per-request chatter to debug level.
type retryLogger struct {
	l logger.Logger
}

func (r retryLogger) Printf(format string, v ...interface{}) {
	r.l.Debugf(format, v...)
}

func NewClient(opts ClientOptions) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.RetryWaitMin == 0 {
		opts.RetryWaitMin = 50 * time.Millisecond
	}
	if opts.RetryWaitMax == 0 {
		opts.RetryWaitMax = 500 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = logger.NopLogger
	}
	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{Timeout: opts.Timeout}
	rc.RetryMax = opts.RetryMax
	rc.RetryWaitMin = opts.RetryWaitMin
	rc.RetryWaitMax = opts.RetryWaitMax
	rc.Logger = retryLogger{l: opts.Logger}
	return &Client{http: rc}
}

// DefaultClient is used by the package-level helpers.
var DefaultClient = NewClient(ClientOptions{RetryMax: 2})

func PostJSON(ctx context.Context, url string, body any, out any) error {
	return DefaultClient.PostJSON(ctx, url, body, out)
}

func GetJSON(ctx context.Context, url string, out any) error {
	return DefaultClient.GetJSON(ctx, url, out)
}

func (c *Client) PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, url, out)
}

func (c *Client) GetJSON(ctx context.Context, url string, out any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return c.do(req, url, out)
}

func (c *Client) do(req *retryablehttp.Request, url string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// HTTPReplicaClient sends bulk-load RPCs to replica nodes over HTTP.
type HTTPReplicaClient struct {
	c *Client
}

func NewHTTPReplicaClient(c *Client) *HTTPReplicaClient {
	if c == nil {
		c = DefaultClient
	}
	return &HTTPReplicaClient{c: c}
}

// BulkLoad sends req to the primary at addr.
func (r *HTTPReplicaClient) BulkLoad(ctx context.Context, addr string, req *BulkLoadRequest) (*BulkLoadResponse, error) {
	var resp BulkLoadResponse
	if err := r.c.PostJSON(ctx, addr+PathBulkLoadRequest, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ingest sends an ingestion request to the primary at addr.
func (r *HTTPReplicaClient) Ingest(ctx context.Context, addr string, req *IngestionRequest) (*IngestionResponse, error) {
	var resp IngestionResponse
	if err := r.c.PostJSON(ctx, addr+PathIngestion, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
