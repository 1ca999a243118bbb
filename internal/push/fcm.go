package push

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"mdmd.sh/internal/merrors"
	"mdmd.sh/internal/metrics"
)

const (
	fcmScope       = "https://www.googleapis.com/auth/firebase.messaging"
	fcmSendTimeout = 10 * time.Second
)

// FCMClient sends data messages through the FCM HTTP v1 API using a
// service-account token source over HTTP/2.
type FCMClient struct {
	endpoint  string
	projectID string
	client    *http.Client
	logger    *slog.Logger
}

type fcmMessage struct {
	Message struct {
		Token   string            `json:"token"`
		Data    map[string]string `json:"data"`
		Android struct {
			Priority string `json:"priority"`
		} `json:"android"`
	} `json:"message"`
}

type fcmResponse struct {
	Name  string `json:"name"`
	Error *struct {
		Code    int    `json:"code"`
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewFCMClient builds the client from service-account JSON, given
// either inline or as a file path. The project id is read from the
// credentials.
func NewFCMClient(ctx context.Context, saJSON, saPath string) (*FCMClient, error) {
	raw := []byte(saJSON)
	if len(raw) == 0 {
		if saPath == "" {
			return nil, merrors.New(merrors.ErrCodeUnavailable, "no service account configured")
		}
		var err error
		raw, err = os.ReadFile(saPath)
		if err != nil {
			return nil, merrors.Wrap(err, merrors.ErrCodeUnavailable, "reading service account file")
		}
	}

	creds, err := google.CredentialsFromJSON(ctx, raw, fcmScope)
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInvalidInput, "parsing service account json")
	}
	if creds.ProjectID == "" {
		return nil, merrors.New(merrors.ErrCodeInvalidInput, "service account json has no project_id")
	}

	transport := &http2.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
			d := &tls.Dialer{Config: cfg}
			return d.DialContext(ctx, network, addr)
		},
	}
	client := &http.Client{
		Timeout: fcmSendTimeout,
		Transport: &oauth2.Transport{
			Source: creds.TokenSource,
			Base:   transport,
		},
	}

	return &FCMClient{
		endpoint:  "https://fcm.googleapis.com",
		projectID: creds.ProjectID,
		client:    client,
		logger:    slog.Default().With("component", "fcm"),
	}, nil
}

// Send posts one high-priority data message. 4xx answers are permanent
// failures (INVALID_INPUT for bad tokens, NOT_FOUND for unregistered
// ones); 5xx and transport errors are UNAVAILABLE.
func (c *FCMClient) Send(ctx context.Context, token string, data map[string]string) (*Receipt, error) {
	var msg fcmMessage
	msg.Message.Token = token
	msg.Message.Data = data
	msg.Message.Android.Priority = "high"

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "encoding fcm message")
	}

	url := fmt.Sprintf("%s/v1/projects/%s/messages:send", c.endpoint, c.projectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "building fcm request")
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	metrics.PushLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PushFailuresTotal.WithLabelValues("transport").Inc()
		return nil, merrors.Wrap(err, merrors.ErrCodeUnavailable, "fcm unreachable")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		metrics.PushFailuresTotal.WithLabelValues("transport").Inc()
		return nil, merrors.Wrap(err, merrors.ErrCodeUnavailable, "reading fcm response")
	}

	var parsed fcmResponse
	// Tolerate unparseable error bodies; the status code still decides.
	_ = json.Unmarshal(respBody, &parsed)

	receipt := &Receipt{MessageID: parsed.Name, HTTPCode: resp.StatusCode}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return receipt, nil
	case resp.StatusCode == http.StatusNotFound:
		metrics.PushFailuresTotal.WithLabelValues("unregistered").Inc()
		return receipt, merrors.Newf(merrors.ErrCodeNotFound, "fcm token unregistered: %s", errMessage(parsed))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		metrics.PushFailuresTotal.WithLabelValues("rejected").Inc()
		return receipt, merrors.Newf(merrors.ErrCodeInvalidInput, "fcm rejected message: %s", errMessage(parsed))
	default:
		metrics.PushFailuresTotal.WithLabelValues("server").Inc()
		return receipt, merrors.Newf(merrors.ErrCodeUnavailable, "fcm returned %d: %s", resp.StatusCode, errMessage(parsed))
	}
}

func errMessage(resp fcmResponse) string {
	if resp.Error == nil {
		return "no detail"
	}
	return fmt.Sprintf("%s (%s)", resp.Error.Message, resp.Error.Status)
}
