package operation

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

// Downloader fetches a remote artifact to a local destination path,
// retrying transient failures with exponential backoff. It downloads to
// a ".part" sibling first so a half-written file is never observed at
// the destination path.
type Downloader struct {
	Timeout time.Duration

	httpClient *http.Client
}

// NewDownloader builds a downloader with the given overall timeout per
// artifact.
func NewDownloader(timeout time.Duration) *Downloader {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Downloader{
		Timeout:    timeout,
		httpClient: &http.Client{},
	}
}

// Download fetches url to destPath and returns the final path and size.
func (d *Downloader) Download(ctx context.Context, url string, destPath string) (string, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return "", 0, errors.Wrap(err, "creating download directory")
	}

	partPath := destPath + ".part"
	var size int64

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := d.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("downloading %s: status %d", url, resp.StatusCode)
		}
		if resp.StatusCode >= 300 {
			return backoff.Permanent(fmt.Errorf("downloading %s: status %d", url, resp.StatusCode))
		}

		out, err := os.Create(partPath)
		if err != nil {
			return backoff.Permanent(errors.Wrap(err, "creating download file"))
		}
		size, err = io.Copy(out, resp.Body)
		if closeErr := out.Close(); err == nil {
			err = closeErr
		}
		return err
	}

	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(1*time.Second),
		backoff.WithMaxInterval(30*time.Second),
		backoff.WithMaxElapsedTime(d.Timeout),
	), ctx)

	if err := backoff.Retry(attempt, policy); err != nil {
		os.Remove(partPath)
		return "", 0, err
	}

	if err := os.Rename(partPath, destPath); err != nil {
		return "", 0, errors.Wrap(err, "finalizing download")
	}
	return destPath, size, nil
}
