package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"mdmd.sh/internal/merrors"
	"mdmd.sh/internal/metrics"
	"mdmd.sh/internal/models"
	"mdmd.sh/internal/repository"
)

const (
	// MaxUploadBytes rejects APKs above 500 MB.
	MaxUploadBytes = 500 * 1024 * 1024
	// StreamThresholdBytes switches downloads to chunked streaming.
	StreamThresholdBytes = 50 * 1024 * 1024
	// StreamChunkBytes is the copy buffer for streamed downloads.
	StreamChunkBytes = 1024 * 1024
)

// Service is the APK artifact store: catalog rows in Postgres, blobs in
// the object store, hot blobs in the LRU cache.
type Service struct {
	store  ObjectStore
	cache  *Cache
	apks   repository.APKRepository
	logger *slog.Logger
}

// NewService wires the artifact service.
func NewService(store ObjectStore, cache *Cache, apks repository.APKRepository) *Service {
	return &Service{
		store:  store,
		cache:  cache,
		apks:   apks,
		logger: slog.Default().With("component", "artifact"),
	}
}

// UploadInput describes one incoming APK.
type UploadInput struct {
	Category    string
	PackageName string
	VersionCode int64
	VersionName string
	Filename    string
	Size        int64
	UploadedBy  string
}

// Upload validates, stores, and catalogs an APK. The sha256 is computed
// while copying so the blob is read exactly once.
func (s *Service) Upload(ctx context.Context, in UploadInput, r io.Reader) (*models.APKVersion, error) {
	if !strings.EqualFold(path.Ext(in.Filename), ".apk") {
		return nil, merrors.Newf(merrors.ErrCodeInvalidInput, "unsupported file extension %q", path.Ext(in.Filename))
	}
	if in.Size < 1 || in.Size > MaxUploadBytes {
		return nil, merrors.Newf(merrors.ErrCodeInvalidInput,
			"apk size %d outside 1..%d bytes", in.Size, MaxUploadBytes)
	}
	if in.PackageName == "" || in.VersionCode <= 0 {
		return nil, merrors.New(merrors.ErrCodeInvalidInput, "package_name and version_code are required")
	}
	category := in.Category
	if category == "" {
		category = "default"
	}

	hasher := sha256.New()
	data, err := io.ReadAll(io.LimitReader(io.TeeReader(r, hasher), MaxUploadBytes+1))
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "reading upload body")
	}
	if int64(len(data)) != in.Size {
		return nil, merrors.Newf(merrors.ErrCodeInvalidInput,
			"upload body is %d bytes, declared %d", len(data), in.Size)
	}

	apk := &models.APKVersion{
		APKID:       uuid.NewString(),
		Category:    category,
		PackageName: in.PackageName,
		VersionCode: in.VersionCode,
		VersionName: in.VersionName,
		Filename:    in.Filename,
		SizeBytes:   in.Size,
		SHA256:      hex.EncodeToString(hasher.Sum(nil)),
		UploadedBy:  in.UploadedBy,
	}
	apk.ObjectKey = fmt.Sprintf("apk/%s/%s_%s", category, apk.APKID, in.Filename)

	if err := s.store.Put(ctx, apk.ObjectKey, bytes.NewReader(data), in.Size); err != nil {
		return nil, err
	}
	if err := s.apks.Insert(ctx, apk); err != nil {
		// Roll the blob back so the catalog stays the source of truth.
		if derr := s.store.Delete(context.Background(), apk.ObjectKey); derr != nil {
			s.logger.Warn("orphaned blob after catalog failure", "key", apk.ObjectKey, "error", derr)
		}
		return nil, err
	}

	s.logger.Info("apk uploaded", "apk_id", apk.APKID, "package", apk.PackageName,
		"version_code", apk.VersionCode, "size", apk.SizeBytes)
	return apk, nil
}

// Download describes how to serve one APK: either Data (buffered, cache
// eligible) or Reader (streamed in 1 MB chunks, cache bypassed).
type Download struct {
	APK      *models.APKVersion
	Data     []byte
	Reader   io.ReadCloser
	Size     int64
	CacheHit bool
	Streamed bool
}

// Close releases the stream if one is open.
func (d *Download) Close() error {
	if d.Reader != nil {
		return d.Reader.Close()
	}
	return nil
}

// Open resolves an APK for download. Blobs over the streaming threshold
// (by recorded or actual size) are streamed; smaller ones are buffered
// and populate the cache.
func (s *Service) Open(ctx context.Context, apkID string) (*Download, error) {
	apk, err := s.apks.Get(ctx, apkID)
	if err != nil {
		return nil, err
	}

	if data, ok := s.cache.Get(apk.ObjectKey); ok {
		metrics.APKDownloadsTotal.WithLabelValues("cache").Inc()
		return &Download{APK: apk, Data: data, Size: int64(len(data)), CacheHit: true}, nil
	}

	size := apk.SizeBytes
	if actual, err := s.store.Stat(ctx, apk.ObjectKey); err == nil && actual > 0 {
		size = actual
	}

	if size > StreamThresholdBytes {
		rc, streamSize, err := s.store.Stream(ctx, apk.ObjectKey)
		if err != nil {
			return nil, err
		}
		if streamSize <= 0 {
			streamSize = size
		}
		metrics.APKDownloadsTotal.WithLabelValues("stream").Inc()
		return &Download{APK: apk, Reader: rc, Size: streamSize, Streamed: true}, nil
	}

	data, err := s.store.Get(ctx, apk.ObjectKey)
	if err != nil {
		return nil, err
	}
	s.cache.Put(apk.ObjectKey, data)
	metrics.APKDownloadsTotal.WithLabelValues("store").Inc()
	return &Download{APK: apk, Data: data, Size: int64(len(data))}, nil
}

// RecordDownload writes download telemetry after the response is sent.
func (s *Service) RecordDownload(ctx context.Context, apkID, deviceID string, bytesSent int64, elapsed time.Duration, cacheHit bool) {
	metrics.APKDownloadBytesTotal.Add(float64(bytesSent))
	err := s.apks.InsertDownloadEvent(ctx, apkID, deviceID, bytesSent, elapsed.Milliseconds(), cacheHit)
	if err != nil {
		s.logger.Warn("download telemetry write failed", "apk_id", apkID, "error", err)
	}
}

// Get returns catalog metadata for one APK.
func (s *Service) Get(ctx context.Context, apkID string) (*models.APKVersion, error) {
	return s.apks.Get(ctx, apkID)
}

// List returns catalog metadata pages.
func (s *Service) List(ctx context.Context, limit, offset int) ([]*models.APKVersion, error) {
	return s.apks.List(ctx, limit, offset)
}

// Healthy reports backend availability.
func (s *Service) Healthy(ctx context.Context) error {
	return s.store.Healthy(ctx)
}
