package imagine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	workerModel       = "flux1_schnell"
	defaultGenTimeout = 2 * time.Minute
	pingTimeout       = 30 * time.Second
)

// WorkerClient talks to a Cloudflare Worker fronting flux1 schnell.
// One POST, one image: the worker replies with either JSON carrying a
// hosted URL or the image bytes directly.
type WorkerClient struct {
	url     string
	token   string
	timeout time.Duration
	http    *http.Client
	log     zerolog.Logger
}

func NewWorkerClient(url, token string, timeout time.Duration, log zerolog.Logger) *WorkerClient {
	if timeout <= 0 {
		timeout = defaultGenTimeout
	}
	return &WorkerClient{
		url:     url,
		token:   token,
		timeout: timeout,
		http:    &http.Client{},
		log:     log,
	}
}

// Generate produces one image for the prompt.
func (c *WorkerClient) Generate(ctx context.Context, prompt string) (Image, error) {
	status, contentType, data, err := c.post(ctx, prompt, c.timeout)
	if err != nil {
		return Image{}, fmt.Errorf("worker request: %w", err)
	}
	if status != http.StatusOK {
		return Image{}, &StatusError{Status: status, Body: strings.TrimSpace(string(data))}
	}

	switch {
	case strings.Contains(contentType, "application/json"):
		var result struct {
			ImageURL string `json:"image_url"`
			Seed     any    `json:"seed"`
		}
		if err := json.Unmarshal(data, &result); err != nil {
			return Image{}, fmt.Errorf("decode worker reply: %w", err)
		}
		if result.ImageURL == "" {
			return Image{}, fmt.Errorf("worker reply carried no image url: %w", ErrNoImage)
		}
		return Image{URL: result.ImageURL, Model: workerModel, Seed: seedString(result.Seed)}, nil

	case strings.Contains(contentType, "image/"):
		if len(data) == 0 {
			return Image{}, fmt.Errorf("empty image body: %w", ErrNoImage)
		}
		return Image{Data: data, Model: workerModel}, nil

	default:
		return Image{}, fmt.Errorf("unexpected content type %q", contentType)
	}
}

// PingResult describes what the worker answered a probe with.
type PingResult struct {
	Kind        string // "json", "image", or "unknown"
	ContentType string
	Size        int
	Preview     string
}

// Ping checks reachability with a minimal prompt and a short timeout.
func (c *WorkerClient) Ping(ctx context.Context) (PingResult, error) {
	status, contentType, data, err := c.post(ctx, "test", pingTimeout)
	if err != nil {
		return PingResult{}, fmt.Errorf("worker unreachable: %w", err)
	}
	if status != http.StatusOK {
		return PingResult{}, &StatusError{Status: status, Body: strings.TrimSpace(string(data))}
	}

	res := PingResult{ContentType: contentType, Size: len(data)}
	switch {
	case strings.Contains(contentType, "application/json"):
		res.Kind = "json"
		res.Preview = preview(data)
	case strings.Contains(contentType, "image/"):
		res.Kind = "image"
	default:
		res.Kind = "unknown"
		res.Preview = preview(data)
	}
	return res, nil
}

func (c *WorkerClient) post(ctx context.Context, prompt string, timeout time.Duration) (int, string, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{"prompt": prompt})
	if err != nil {
		return 0, "", nil, fmt.Errorf("encode prompt: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return 0, "", nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, "", nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, "", nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, resp.Header.Get("Content-Type"), data, nil
}

func seedString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return fmt.Sprintf("%.0f", x)
	}
	return ""
}

func preview(data []byte) string {
	const n = 100
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n])
}
