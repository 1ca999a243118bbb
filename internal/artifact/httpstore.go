package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"mdmd.sh/internal/merrors"
)

// uploadBackoff is the fixed retry schedule for transient 429s.
var uploadBackoff = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}

// HTTPStore talks to an S3-compatible bucket over its REST surface with
// bearer credentials.
type HTTPStore struct {
	endpoint  string
	bucket    string
	accessKey string
	client    *http.Client
	logger    *slog.Logger
	sleep     func(time.Duration)
}

// NewHTTPStore creates the remote store client. Requests without an
// access key fail as UNAVAILABLE rather than surfacing provider 403s.
func NewHTTPStore(endpoint, bucket, accessKey string) *HTTPStore {
	return &HTTPStore{
		endpoint:  endpoint,
		bucket:    bucket,
		accessKey: accessKey,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    slog.Default().With("component", "object-store"),
		sleep:     time.Sleep,
	}
}

func (s *HTTPStore) objectURL(key string) string {
	return fmt.Sprintf("%s/%s/%s", s.endpoint, url.PathEscape(s.bucket), key)
}

func (s *HTTPStore) newRequest(ctx context.Context, method, key string, body io.Reader) (*http.Request, error) {
	if s.accessKey == "" {
		return nil, merrors.New(merrors.ErrCodeUnavailable, "object store credentials not configured")
	}
	req, err := http.NewRequestWithContext(ctx, method, s.objectURL(key), body)
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "building object store request")
	}
	req.Header.Set("Authorization", "Bearer "+s.accessKey)
	return req, nil
}

// Put uploads with retries on 429 (0.5 s, 1 s, 2 s) and verifies the
// object exists after the write.
func (s *HTTPStore) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	// The retry loop needs a rewindable body.
	data, err := io.ReadAll(r)
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeInternal, "buffering upload body")
	}
	if size > 0 && int64(len(data)) != size {
		return merrors.Newf(merrors.ErrCodeInternal, "short upload read: %d of %d bytes", len(data), size)
	}

	var lastErr error
	for attempt := 0; attempt <= len(uploadBackoff); attempt++ {
		if attempt > 0 {
			s.sleep(uploadBackoff[attempt-1])
		}
		req, err := s.newRequest(ctx, http.MethodPut, key, bytes.NewReader(data))
		if err != nil {
			return err
		}
		req.ContentLength = int64(len(data))
		req.Header.Set("Content-Type", "application/vnd.android.package-archive")

		resp, err := s.client.Do(req)
		if err != nil {
			return merrors.Wrap(err, merrors.ErrCodeUnavailable, "object store unreachable")
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return s.verifyPresence(ctx, key, int64(len(data)))
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = merrors.Newf(merrors.ErrCodeRateLimited, "object store throttled upload of %s", key)
			continue
		default:
			return merrors.Newf(merrors.ErrCodeUnavailable, "object store PUT %s returned %d", key, resp.StatusCode)
		}
	}
	return lastErr
}

func (s *HTTPStore) verifyPresence(ctx context.Context, key string, expected int64) error {
	size, err := s.Stat(ctx, key)
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeUnavailable, "verifying uploaded object")
	}
	if size != expected {
		return merrors.Newf(merrors.ErrCodeInternal,
			"uploaded object %s has size %d, expected %d", key, size, expected)
	}
	return nil
}

func (s *HTTPStore) Get(ctx context.Context, key string) ([]byte, error) {
	rc, _, err := s.Stream(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeUnavailable, "reading object body")
	}
	return data, nil
}

func (s *HTTPStore) Stream(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	req, err := s.newRequest(ctx, http.MethodGet, key, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, merrors.Wrap(err, merrors.ErrCodeUnavailable, "object store unreachable")
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return resp.Body, resp.ContentLength, nil
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, 0, merrors.Newf(merrors.ErrCodeNotFound, "object %s not found", key)
	default:
		resp.Body.Close()
		return nil, 0, merrors.Newf(merrors.ErrCodeUnavailable, "object store GET %s returned %d", key, resp.StatusCode)
	}
}

func (s *HTTPStore) Stat(ctx context.Context, key string) (int64, error) {
	req, err := s.newRequest(ctx, http.MethodHead, key, nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, merrors.Wrap(err, merrors.ErrCodeUnavailable, "object store unreachable")
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		if resp.ContentLength >= 0 {
			return resp.ContentLength, nil
		}
		if cl := resp.Header.Get("Content-Length"); cl != "" {
			size, err := strconv.ParseInt(cl, 10, 64)
			if err == nil {
				return size, nil
			}
		}
		return 0, nil
	case http.StatusNotFound:
		return 0, merrors.Newf(merrors.ErrCodeNotFound, "object %s not found", key)
	default:
		return 0, merrors.Newf(merrors.ErrCodeUnavailable, "object store HEAD %s returned %d", key, resp.StatusCode)
	}
}

func (s *HTTPStore) Delete(ctx context.Context, key string) error {
	req, err := s.newRequest(ctx, http.MethodDelete, key, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeUnavailable, "object store unreachable")
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return merrors.Newf(merrors.ErrCodeUnavailable, "object store DELETE %s returned %d", key, resp.StatusCode)
	}
	return nil
}

func (s *HTTPStore) Healthy(ctx context.Context) error {
	if s.accessKey == "" {
		return merrors.New(merrors.ErrCodeUnavailable, "object store credentials not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead,
		fmt.Sprintf("%s/%s", s.endpoint, url.PathEscape(s.bucket)), nil)
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeInternal, "building health request")
	}
	req.Header.Set("Authorization", "Bearer "+s.accessKey)
	resp, err := s.client.Do(req)
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeUnavailable, "object store unreachable")
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return merrors.Newf(merrors.ErrCodeUnavailable, "object store health returned %d", resp.StatusCode)
	}
	return nil
}
