package mportcb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mport/mport/mporterr"
)

// DefaultFetchTimeout is the total deadline for a single fetch, settings
// key fetch_timeout overrides it.
const DefaultFetchTimeout = 120 * time.Second

// Fetcher is the default HttpFetcher: a shared client with sane transport
// limits, exponential-backoff retries on transient failures, and a total
// per-request deadline reported as FetchTimeout.
type Fetcher struct {
	client  *http.Client
	timeout time.Duration
	retries uint64
}

func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	return &Fetcher{
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
		timeout: timeout,
		retries: 3,
	}
}

// Get fetches url, retrying server-side errors. The whole operation,
// retries included, runs under the configured deadline.
func (f *Fetcher) Get(ctx context.Context, url string) (io.ReadCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)

	var body io.ReadCloser
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("User-Agent", "mport/2")

		resp, err := f.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			body = resp.Body
			return nil
		case resp.StatusCode == http.StatusNotFound:
			resp.Body.Close()
			return backoff.Permanent(fmt.Errorf("%s: %s", url, resp.Status))
		case resp.StatusCode >= 500:
			resp.Body.Close()
			return fmt.Errorf("%s: %s", url, resp.Status)
		default:
			resp.Body.Close()
			return backoff.Permanent(fmt.Errorf("%s: %s", url, resp.Status))
		}
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), f.retries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, mporterr.Wrapf(mporterr.FetchTimeout, err, "fetch %s", url)
		}
		return nil, mporterr.Wrapf(mporterr.Fatal, err, "fetch %s", url)
	}

	// the body must stay readable after return; tie cancel to Close
	return &cancelBody{ReadCloser: body, cancel: cancel}, nil
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
