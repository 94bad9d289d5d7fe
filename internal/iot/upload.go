package iot

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"neobell/edge/internal/errors"
)

// Uploader PUTs files to pre-signed URLs.
type Uploader struct {
	http   *http.Client
	logger *slog.Logger
}

func NewUploader(timeout time.Duration, logger *slog.Logger) *Uploader {
	return &Uploader{http: &http.Client{Timeout: timeout}, logger: logger}
}

// Upload sends the file at path with exactly the headers the cloud asked
// for plus Content-Type. Any non-2xx answer is an upload error.
func (u *Uploader) Upload(ctx context.Context, url string, headers map[string]string, path, contentType string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return errors.Wrapf(err, "stat %s", path)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, f)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "build upload request"), errors.ErrUpload)
	}
	req.ContentLength = info.Size()
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", contentType)

	start := time.Now()
	resp, err := u.http.Do(req)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "upload"), errors.ErrUpload)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Mark(errors.Errorf("upload rejected: %s: %s", resp.Status, body), errors.ErrUpload)
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	u.logger.Info("file uploaded", "path", path, "bytes", info.Size(), "content_type", contentType, "elapsed", time.Since(start))
	return nil
}
