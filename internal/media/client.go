package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "chatpipe/internal/errors"
	"chatpipe/internal/models"
	"chatpipe/pkg/circuitbreaker"

	"github.com/sirupsen/logrus"
)

type uploadResponse struct {
	Ref string `json:"ref"`
}

// Client uploads media blobs to the media store service over HTTP. Calls go
// through a circuit breaker so a dead media store sheds load fast instead of
// tying up every worker in timeouts.
type Client struct {
	baseURL    string
	maxBytes   int64
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	logger     *logrus.Logger
}

func NewClient(cfg models.MediaConfig, logger *logrus.Logger) *Client {
	return &Client{
		baseURL:  cfg.UploadURL,
		maxBytes: cfg.MaxBytes,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSec) * time.Second,
		},
		breaker: circuitbreaker.New("media-store", 5, 30*time.Second, logger),
		logger:  logger,
	}
}

func (c *Client) Upload(ctx context.Context, raw []byte, mimeType string) (string, error) {
	if int64(len(raw)) > c.maxBytes {
		return "", apperrors.New(apperrors.ErrCodeValidationFailed,
			fmt.Sprintf("media payload exceeds limit of %d bytes", c.maxBytes))
	}

	var ref string
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(raw))
		if err != nil {
			return err
		}
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		req.Header.Set("Content-Type", mimeType)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("media store returned %d: %s", resp.StatusCode, string(body))
		}

		var out uploadResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("failed to decode upload response: %w", err)
		}
		if out.Ref == "" {
			return fmt.Errorf("media store returned empty reference")
		}
		ref = out.Ref
		return nil
	})
	if err != nil {
		// Upload failures are transient from the job's point of view:
		// the raw bytes are still in the payload and a retry can succeed.
		return "", apperrors.WrapRetryable(err, apperrors.ErrCodeMediaUpload, "media upload failed")
	}

	return ref, nil
}

var _ Uploader = (*Client)(nil)
