// Package ocr implements the OCR engine over the HTTP recognition
// service.
package ocr

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker"

	"ingest_server/core/port/out"
	"ingest_server/pkg/apperr"
	"ingest_server/pkg/httputil"
	"ingest_server/pkg/logger"
	"ingest_server/pkg/resilience"
)

// HTTPEngine implements out.OCREngine against the recognition service
// (POST /recognize, multipart image upload, JSON lines response).
type HTTPEngine struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *logger.Logger
}

// NewHTTPEngine creates a new HTTPEngine.
func NewHTTPEngine(baseURL, apiKey string) *HTTPEngine {
	return &HTTPEngine{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  httputil.OCRClient(),
		breaker: resilience.NewBreaker("ocr"),
		log:     logger.Default().WithField("component", "ocr"),
	}
}

type recognizeResponse struct {
	Lines []string `json:"lines"`
}

// Recognize uploads the image and returns the recognized lines.
// Content the service rejects as not-an-image yields an empty slice.
func (e *HTTPEngine) Recognize(ctx context.Context, imagePath string) ([]string, error) {
	file, err := os.Open(imagePath)
	if err != nil {
		return nil, apperr.TransientIO("open image", err)
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("image", filepath.Base(imagePath))
	if err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, apperr.TransientIO("read image", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize upload: %w", err)
	}

	result, err := e.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/recognize", &body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", writer.FormDataContentType())
		if e.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+e.apiKey)
		}

		resp, err := e.client.Do(req)
		if err != nil {
			return nil, apperr.TransientIO("ocr request", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, apperr.TransientIO("ocr response", err)
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			var parsed recognizeResponse
			if err := json.Unmarshal(data, &parsed); err != nil {
				return nil, fmt.Errorf("invalid ocr response: %w", err)
			}
			return parsed.Lines, nil
		case resp.StatusCode == http.StatusUnprocessableEntity:
			// Not a readable image. Treated as "no text found".
			return []string{}, nil
		default:
			return nil, apperr.ExternalAPI("ocr", resp.StatusCode,
				fmt.Errorf("ocr service returned %d: %s", resp.StatusCode, truncateBody(data)))
		}
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, apperr.ExternalAPI("ocr", 0, err)
		}
		return nil, err
	}

	lines, _ := result.([]string)
	if lines == nil {
		lines = []string{}
	}
	return lines, nil
}

func truncateBody(data []byte) string {
	const max = 256
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}

// Ensure HTTPEngine implements out.OCREngine
var _ out.OCREngine = (*HTTPEngine)(nil)
