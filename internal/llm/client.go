package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultBaseURL   = "https://openrouter.ai/api/v1/chat/completions"
	defaultModelsURL = "https://openrouter.ai/api/v1/models"
	defaultReferer   = "https://discord-bot"
	attemptTimeout   = 15 * time.Second
	maxAttempts      = 3
)

// alternateURLs are fallbacks tried in order after the primary
// endpoint exhausts its attempts.
var alternateURLs = []string{
	"https://api.openrouter.ai/api/v1/chat/completions",
	"https://api.openrouter.ai/v1/chat/completions",
}

// APIError is a non-200 reply from the completions API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.Status, e.Body)
}

// RateLimited reports whether the upstream throttled the request.
func (e *APIError) RateLimited() bool {
	return e.Status == http.StatusTooManyRequests
}

// ErrNoChoices means a 200 reply carried no completion.
var ErrNoChoices = errors.New("response carried no choices")

// ClientConfig carries the credentials and knobs for NewClient. Zero
// values take the documented defaults.
type ClientConfig struct {
	APIKey  string
	Referer string
	Timeout time.Duration
}

// Client calls the OpenRouter chat-completions API. Each endpoint gets
// up to three attempts with exponential backoff before the next
// candidate is tried; only the final failure surfaces to the caller.
type Client struct {
	apiKey    string
	referer   string
	timeout   time.Duration
	endpoints []string
	modelsURL string
	http      *http.Client
	log       zerolog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func NewClient(cfg ClientConfig, log zerolog.Logger) *Client {
	if cfg.Referer == "" {
		cfg.Referer = defaultReferer
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = attemptTimeout
	}
	return &Client{
		apiKey:    cfg.APIKey,
		referer:   cfg.Referer,
		timeout:   cfg.Timeout,
		endpoints: append([]string{defaultBaseURL}, alternateURLs...),
		modelsURL: defaultModelsURL,
		http:      &http.Client{},
		log:       log,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Send issues one chat completion and returns the assistant's text.
// Model and system prompt ride on the request, so concurrent calls for
// different scopes never contend on client state.
func (c *Client) Send(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(buildPayload(req))
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	var lastErr error
	for _, url := range c.endpoints {
		for attempt := 0; attempt < maxAttempts; attempt++ {
			reply, err := c.post(ctx, url, body)
			if err == nil {
				return reply, nil
			}
			lastErr = err
			c.log.Warn().Err(err).Str("url", url).Int("attempt", attempt+1).
				Msg("completion attempt failed")
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if attempt < maxAttempts-1 {
				if err := c.sleep(ctx, time.Duration(1<<attempt)*time.Second); err != nil {
					return "", err
				}
			}
		}
	}
	return "", fmt.Errorf("all endpoints failed: %w", lastErr)
}

func (c *Client) post(ctx context.Context, url string, body []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("HTTP-Referer", c.referer)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", ErrNoChoices
	}
	return parsed.Choices[0].Message.Content, nil
}

// Wire shapes. Content is a string for plain turns and a part list for
// the turn that carries images.
type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *imageURLPart `json:"image_url,omitempty"`
}

type imageURLPart struct {
	URL string `json:"url"`
}

type payload struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
}

func buildPayload(req Request) payload {
	messages := make([]wireMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, wireMessage{Role: RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		messages = append(messages, wireMessage{Role: m.Role, Content: m.Content})
	}

	if len(req.Images) > 0 {
		idx := -1
		for i := len(messages) - 1; i >= 0; i-- {
			if messages[i].Role == RoleUser {
				idx = i
				break
			}
		}
		if idx < 0 {
			messages = append(messages, wireMessage{Role: RoleUser})
			idx = len(messages) - 1
		}
		text, _ := messages[idx].Content.(string)
		parts := make([]contentPart, 0, len(req.Images)+1)
		if text != "" {
			parts = append(parts, contentPart{Type: "text", Text: text})
		}
		for _, img := range req.Images {
			parts = append(parts, contentPart{
				Type:     "image_url",
				ImageURL: &imageURLPart{URL: dataURL(img)},
			})
		}
		messages[idx].Content = parts
	}

	return payload{Model: req.Model, Messages: messages}
}

func dataURL(img ImageAttachment) string {
	mime := img.MIME
	if mime == "" {
		mime = "image/png"
	}
	return fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(img.Data))
}

// ListModels fetches the model directory used by the catalog.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.modelsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("HTTP-Referer", c.referer)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get models: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	var parsed struct {
		Data []struct {
			ID            string `json:"id"`
			Name          string `json:"name"`
			ContextLength int    `json:"context_length"`
			Architecture  struct {
				Modality        string   `json:"modality"`
				InputModalities []string `json:"input_modalities"`
			} `json:"architecture"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}

	models := make([]ModelInfo, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		vision := strings.Contains(m.Architecture.Modality, "image")
		for _, mod := range m.Architecture.InputModalities {
			if mod == "image" {
				vision = true
			}
		}
		models = append(models, ModelInfo{
			ID:             m.ID,
			Name:           m.Name,
			ContextLength:  m.ContextLength,
			SupportsVision: vision,
		})
	}
	return models, nil
}
