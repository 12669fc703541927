package base

import (
	"context"
	"net/http"
	"time"

	"github.com/fzxiao233/Vod_Record/utils"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// MonitorCtx carries the http client of a platform together with the
// request pacing every caller must respect.
type MonitorCtx struct {
	Client  *http.Client
	Headers map[string]string

	limiter *rate.Limiter
	sem     *semaphore.Weighted
}

// CreateMonitorCtx paces requests at requestsPerMinute with at most
// maxInFlight concurrent requests.
func CreateMonitorCtx(requestsPerMinute int, maxInFlight int64) *MonitorCtx {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 600
	}
	if maxInFlight <= 0 {
		maxInFlight = 3
	}
	return &MonitorCtx{
		Client: &http.Client{
			Timeout: 60 * time.Second,
		},
		Headers: make(map[string]string),
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), 10),
		sem:     semaphore.NewWeighted(maxInFlight),
	}
}

func (c *MonitorCtx) acquire(ctx context.Context) (func(), error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { c.sem.Release(1) }, nil
}

func (c *MonitorCtx) mergeHeaders(header map[string]string) map[string]string {
	finalHeaders := make(map[string]string, len(c.Headers)+len(header))
	for k, v := range c.Headers {
		finalHeaders[k] = v
	}
	for k, v := range header {
		finalHeaders[k] = v
	}
	return finalHeaders
}

// HttpGet wraps the raw HttpGet with monitor's global header
func (c *MonitorCtx) HttpGet(ctx context.Context, url string, header map[string]string) ([]byte, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return utils.HttpGet(ctx, c.Client, url, c.mergeHeaders(header))
}

func (c *MonitorCtx) HttpPost(ctx context.Context, url string, header map[string]string, data []byte) ([]byte, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return utils.HttpPost(ctx, c.Client, url, c.mergeHeaders(header), data)
}
