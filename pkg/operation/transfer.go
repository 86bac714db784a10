package operation

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
)

// FileTransfer is the client side of the local HTTP file-transfer
// service used as a blob staging area: last write wins, read returns
// the last write. Operation tasks stage outbound blobs (log excerpts,
// config snapshots) here before uploading them to the cloud, and fetch
// inbound blobs (config updates) from here after a download.
type FileTransfer struct {
	Host string
	Port uint16

	httpClient *http.Client
}

// NewFileTransfer builds a client for the service at host:port.
func NewFileTransfer(host string, port uint16) *FileTransfer {
	return &FileTransfer{
		Host: host,
		Port: port,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// URL returns the blob URL for an entity's operation artifact.
func (f *FileTransfer) URL(externalID, operation, name string) string {
	return fmt.Sprintf("http://%s:%d/tedge/file-transfer/%s/%s/%s", f.Host, f.Port, externalID, operation, name)
}

// Put uploads the file at path as the blob for (externalID, operation,
// name), replacing any previous write.
func (f *FileTransfer) Put(ctx context.Context, externalID, operation, name, path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "opening blob source")
	}
	defer file.Close()

	url := f.URL(externalID, operation, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, file)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "uploading blob to %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("uploading blob to %s: unexpected status %d", url, resp.StatusCode)
	}
	return url, nil
}

// Get downloads the blob for (externalID, operation, name) to destPath.
func (f *FileTransfer) Get(ctx context.Context, externalID, operation, name, destPath string) error {
	url := f.URL(externalID, operation, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "fetching blob from %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("fetching blob from %s: unexpected status %d", url, resp.StatusCode)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return errors.Wrap(err, "creating blob destination")
	}
	defer out.Close()
	_, err = io.Copy(out, resp.Body)
	return err
}

// Delete removes the blob for (externalID, operation, name). Missing
// blobs are not an error.
func (f *FileTransfer) Delete(ctx context.Context, externalID, operation, name string) error {
	url := f.URL(externalID, operation, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("deleting blob at %s: unexpected status %d", url, resp.StatusCode)
	}
	return nil
}
