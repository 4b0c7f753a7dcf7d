// Package caption produces natural-language scene descriptions of incident
// frames through an external captioning model.
package caption

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// Captioner describes an image in one or two sentences
type Captioner interface {
	Caption(ctx context.Context, image []byte) (string, error)
}

// CaptionTimeoutError reports a captioner that did not answer in time.
// It is recoverable: the job continues without a caption.
type CaptionTimeoutError struct {
	Timeout time.Duration
}

func (e *CaptionTimeoutError) Error() string {
	return fmt.Sprintf("caption timed out after %s", e.Timeout)
}

func (e *CaptionTimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// ErrEmptyImage is returned when there is nothing to describe
var ErrEmptyImage = errors.New("empty image")

// WithTimeout runs c under its own deadline and maps an expired deadline to
// CaptionTimeoutError
func WithTimeout(ctx context.Context, c Captioner, image []byte, timeout time.Duration) (string, error) {
	if c == nil {
		return "", errors.New("no captioner configured")
	}
	if len(image) == 0 {
		return "", ErrEmptyImage
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	text, err := c.Caption(callCtx, image)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return "", &CaptionTimeoutError{Timeout: timeout}
		}
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// HTTPConfig configures the captioning service client
type HTTPConfig struct {
	Endpoint string
	Prompt   string
	Timeout  time.Duration
}

// HTTPCaptioner posts the frame as multipart form data to {endpoint}/caption
type HTTPCaptioner struct {
	endpoint string
	prompt   string
	client   *http.Client
}

type captionResponse struct {
	Caption string `json:"caption"`
	Error   string `json:"error,omitempty"`
}

// NewHTTPCaptioner creates a captioning service client
func NewHTTPCaptioner(cfg HTTPConfig) *HTTPCaptioner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPCaptioner{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		prompt:   cfg.Prompt,
		client:   &http.Client{Timeout: cfg.Timeout},
	}
}

func (hc *HTTPCaptioner) Caption(ctx context.Context, image []byte) (string, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	fw, err := w.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(image); err != nil {
		return "", err
	}
	if hc.prompt != "" {
		w.WriteField("prompt", hc.prompt)
	}
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hc.endpoint+"/caption", &b)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := hc.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("caption request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("caption failed with status %d: %s", resp.StatusCode, string(body))
	}

	var out captionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode caption response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("captioner error: %s", out.Error)
	}
	return out.Caption, nil
}

var _ Captioner = (*HTTPCaptioner)(nil)
