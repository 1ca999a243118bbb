package server

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"mdmd.sh/internal/artifact"
	"mdmd.sh/internal/ingest"
	"mdmd.sh/internal/merrors"
	"mdmd.sh/internal/middleware"
	"mdmd.sh/internal/models"
)

// handleHeartbeat accepts one telemetry report from an authenticated
// device. The response carries no state; agents fire and forget.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	device, ok := middleware.DeviceFromContext(r.Context())
	if !ok {
		middleware.WriteError(w, r, merrors.New(merrors.ErrCodeUnauthenticated, "device identity missing"))
		return
	}

	var req ingest.HeartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if err := s.deps.Ingestor.Ingest(r.Context(), device, &req); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleActionResult records a device-reported command outcome. A
// duplicate report is acknowledged without effect, so agents can retry
// freely.
func (s *Server) handleActionResult(w http.ResponseWriter, r *http.Request) {
	device, ok := middleware.DeviceFromContext(r.Context())
	if !ok {
		middleware.WriteError(w, r, merrors.New(merrors.ErrCodeUnauthenticated, "device identity missing"))
		return
	}

	// device_id and action are echoed by agents but the authenticated
	// identity and the ledger row are authoritative for both.
	var body struct {
		RequestID  string     `json:"request_id"`
		DeviceID   string     `json:"device_id,omitempty"`
		Action     string     `json:"action,omitempty"`
		Outcome    string     `json:"outcome"`
		Status     string     `json:"status,omitempty"`
		Message    string     `json:"message,omitempty"`
		FinishedAt *time.Time `json:"finished_at,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if body.RequestID == "" {
		middleware.WriteError(w, r, merrors.New(merrors.ErrCodeInvalidInput, "request_id is required"))
		return
	}
	outcome := body.Outcome
	if outcome == "" {
		outcome = body.Status
	}
	reportedAt := s.now().UTC()
	if body.FinishedAt != nil && !body.FinishedAt.IsZero() {
		reportedAt = body.FinishedAt.UTC()
	}

	result := &models.CommandResult{
		RequestID:  body.RequestID,
		DeviceID:   device.DeviceID,
		Status:     outcome,
		Message:    body.Message,
		ReportedAt: reportedAt,
	}
	if err := s.deps.Dispatcher.SubmitResult(r.Context(), result); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	s.hub.Broadcast("command_result", result)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleDownload serves an APK blob. Three credentials open it: a signed
// link from an install command, a device bearer token, or admin
// credentials.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	apkID := mux.Vars(r)["id"]

	deviceID, err := s.authorizeDownload(r, apkID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	start := s.now()
	dl, err := s.deps.Artifacts.Open(r.Context(), apkID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	defer dl.Close()
	fetchElapsed := s.now().Sub(start)

	w.Header().Set("Content-Type", "application/vnd.android.package-archive")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", dl.APK.Filename))
	w.Header().Set("Content-Length", strconv.FormatInt(dl.Size, 10))
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("X-APK-SHA256", dl.APK.SHA256)
	w.Header().Set("X-Cache-Hit", strconv.FormatBool(dl.CacheHit))
	if kbps := speedKbps(dl.Size, fetchElapsed); kbps > 0 {
		w.Header().Set("X-Download-Speed-Kbps", strconv.FormatInt(kbps, 10))
	}

	var sent int64
	if dl.Streamed {
		sent = s.streamBlob(w, dl.Reader)
	} else {
		n, _ := w.Write(dl.Data)
		sent = int64(n)
	}

	s.deps.Artifacts.RecordDownload(r.Context(), apkID, deviceID, sent, s.now().Sub(start), dl.CacheHit)
}

// authorizeDownload resolves which identity is fetching the blob. It
// returns the device id when one is known, or the admin identity label.
func (s *Server) authorizeDownload(r *http.Request, apkID string) (string, error) {
	q := r.URL.Query()
	if sig := q.Get("sig"); sig != "" {
		deviceID := q.Get("device_id")
		expires, err := strconv.ParseInt(q.Get("expires"), 10, 64)
		if err != nil {
			return "", merrors.New(merrors.ErrCodeUnauthenticated, "malformed download link")
		}
		if err := s.deps.Dispatcher.VerifyDownloadSignature(apkID, deviceID, expires, sig); err != nil {
			return "", err
		}
		return deviceID, nil
	}

	if token := bearerFrom(r); token != "" {
		if device, err := s.deps.DeviceAuth.Authenticate(r.Context(), token); err == nil {
			return device.DeviceID, nil
		}
		if claims, err := s.deps.JWT.Validate(token); err == nil {
			return "admin:" + claims.UserID, nil
		}
		return "", merrors.New(merrors.ErrCodeUnauthenticated, "invalid bearer token")
	}

	if key := r.Header.Get("X-Admin-Key"); key != "" {
		if err := s.deps.AdminKey.Verify(key); err != nil {
			return "", err
		}
		return "admin-key", nil
	}

	return "", merrors.New(merrors.ErrCodeUnauthenticated, "missing download credentials")
}

// streamBlob copies in fixed chunks, flushing each so large APKs start
// arriving immediately.
func (s *Server) streamBlob(w http.ResponseWriter, rc io.Reader) int64 {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, artifact.StreamChunkBytes)
	var sent int64
	for {
		n, err := rc.Read(buf)
		if n > 0 {
			wn, werr := w.Write(buf[:n])
			sent += int64(wn)
			if werr != nil {
				return sent
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				s.logger.Warn("apk stream truncated", zap.Error(err), zap.Int64("sent", sent))
			}
			return sent
		}
	}
}

func speedKbps(size int64, elapsed time.Duration) int64 {
	if elapsed <= 0 || size <= 0 {
		return 0
	}
	return int64(float64(size) / 1024 / elapsed.Seconds())
}

func bearerFrom(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}
