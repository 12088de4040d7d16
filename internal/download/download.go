// Package download implements the HTTP downloader collaborator: it streams
// a URL to a file and a SHA-256 hasher simultaneously, reporting percent
// progress on the diagnostic stream when the server provides a
// Content-Length. Grounded on the teacher's retryablehttp-backed HTTP cache
// client, generalised from artifact PUT/GET to toolchain tarball fetch.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/schollz/progressbar/v3"
)

// ConnectTimeout and TotalTimeout are the fixed network timeouts the spec
// mandates for toolchain downloads.
const (
	ConnectTimeout = 30 * time.Second
	TotalTimeout   = 10 * time.Minute
)

// Progress is invoked with bytes downloaded and total bytes (-1 if unknown).
type Progress func(downloaded, total int64)

// Result reports the outcome of a successful download.
type Result struct {
	SHA256 string
	Bytes  int64
}

// newClient builds a retryablehttp client for one download; retries bounded by an
// exponential backoff policy so a single flaky connection attempt does not
// immediately fail the whole provisioning step.
func newClient() *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.Logger = nil
	c.HTTPClient.Timeout = TotalTimeout
	c.HTTPClient.Transport = &http.Transport{
		DialContext: (&net.Dialer{Timeout: ConnectTimeout}).DialContext,
	}
	c.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = min
		b.MaxInterval = max
		d := b.NextBackOff()
		if d == backoff.Stop {
			return max
		}
		return d
	}
	return c
}

// ToFile streams url's body into destPath, computing its SHA-256 as it
// goes, and reporting progress via onProgress (nil is fine). Verbose
// controls whether a terminal progress bar is also rendered.
func ToFile(ctx context.Context, url string, destPath string, verbose bool, onProgress Progress) (*Result, error) {
	// ConnectTimeout bounds connection establishment via the transport's
	// dialer (set in newClient), not the request context, so it doesn't
	// also cut off the body read on a large, slow-but-connected transfer;
	// TotalTimeout on the client bounds the request/body-read lifetime.
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", url, err)
	}

	client := newClient()
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("downloading %s: unexpected status %s", url, resp.Status)
	}

	out, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	defer out.Close()

	hasher := sha256.New()
	total := resp.ContentLength

	var bar *progressbar.ProgressBar
	if verbose && total > 0 {
		bar = progressbar.DefaultBytes(total, "downloading")
	}

	writers := []io.Writer{out, hasher}
	if bar != nil {
		writers = append(writers, bar)
	}
	mw := io.MultiWriter(writers...)

	counted := &countingReader{r: resp.Body}
	n, err := io.Copy(mw, counted)
	if err != nil {
		return nil, fmt.Errorf("streaming %s: %w", url, err)
	}
	if onProgress != nil {
		onProgress(n, total)
	}

	return &Result{SHA256: hex.EncodeToString(hasher.Sum(nil)), Bytes: n}, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
