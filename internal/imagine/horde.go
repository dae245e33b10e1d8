package imagine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	hordeBaseURL    = "https://aihorde.net/api/v2"
	defaultMaxWait  = 5 * time.Minute
	defaultHordeDim = 512
	defaultSteps    = 30
	defaultModel    = "stable_diffusion_2.1"
)

// HordeClient drives AI Horde's async generation flow: submit, poll
// the check endpoint until done, then fetch the result. An API key is
// optional; anonymous requests just queue with lower priority.
type HordeClient struct {
	apiKey  string
	baseURL string
	maxWait time.Duration
	http    *http.Client
	log     zerolog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func NewHordeClient(apiKey string, maxWait time.Duration, log zerolog.Logger) *HordeClient {
	if maxWait <= 0 {
		maxWait = defaultMaxWait
	}
	return &HordeClient{
		apiKey:  apiKey,
		baseURL: hordeBaseURL,
		maxWait: maxWait,
		http:    &http.Client{},
		log:     log,
		sleep:   sleepCtx,
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

// GenerateOptions describes one horde job. Zero values take the
// defaults; dimensions are snapped to the multiple of 64 the horde
// requires.
type GenerateOptions struct {
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	Steps          int
	Model          string
	NSFW           bool
}

type hordeParams struct {
	NegativePrompt string  `json:"negative_prompt"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Steps          int     `json:"steps"`
	SamplerName    string  `json:"sampler_name"`
	CfgScale       float64 `json:"cfg_scale"`
}

type hordeSubmission struct {
	Prompt string      `json:"prompt"`
	Params hordeParams `json:"params"`
	NSFW   bool        `json:"nsfw"`
	Models []string    `json:"models"`
	R2     bool        `json:"r2"`
}

// Generate runs one job to completion. The polling budget is the
// client's max wait; the caller's context can cut it shorter.
func (c *HordeClient) Generate(ctx context.Context, opts GenerateOptions) (Image, error) {
	if opts.Width <= 0 {
		opts.Width = defaultHordeDim
	}
	if opts.Height <= 0 {
		opts.Height = defaultHordeDim
	}
	if opts.Steps <= 0 {
		opts.Steps = defaultSteps
	}
	if opts.Model == "" {
		opts.Model = defaultModel
	}

	payload := hordeSubmission{
		Prompt: opts.Prompt,
		Params: hordeParams{
			NegativePrompt: opts.NegativePrompt,
			Width:          snapTo64(opts.Width),
			Height:         snapTo64(opts.Height),
			Steps:          opts.Steps,
			SamplerName:    "k_euler_a",
			CfgScale:       7.5,
		},
		NSFW:   opts.NSFW,
		Models: []string{opts.Model},
		R2:     true,
	}

	id, err := c.submit(ctx, payload)
	if err != nil {
		return Image{}, err
	}
	c.log.Info().Str("request_id", id).Str("model", opts.Model).Msg("horde job submitted")

	if err := c.waitDone(ctx, id); err != nil {
		return Image{}, err
	}
	return c.result(ctx, id)
}

func (c *HordeClient) submit(ctx context.Context, payload hordeSubmission) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode submission: %w", err)
	}
	data, err := c.call(ctx, http.MethodPost, "/generate/async", body, http.StatusAccepted)
	if err != nil {
		return "", fmt.Errorf("submit generation: %w", err)
	}

	var submission struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &submission); err != nil {
		return "", fmt.Errorf("decode submission: %w", err)
	}
	if submission.ID == "" {
		return "", fmt.Errorf("submission reply carried no request id")
	}
	return submission.ID, nil
}

// waitDone polls the check endpoint, pacing itself by the horde's own
// wait estimate clamped to one through five seconds.
func (c *HordeClient) waitDone(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, c.maxWait)
	defer cancel()

	for {
		data, err := c.call(ctx, http.MethodGet, "/generate/check/"+id, nil, http.StatusOK)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w after %s", ErrTimedOut, c.maxWait)
			}
			return fmt.Errorf("check generation: %w", err)
		}

		var status struct {
			Done     bool `json:"done"`
			Faulted  bool `json:"faulted"`
			WaitTime int  `json:"wait_time"`
		}
		if err := json.Unmarshal(data, &status); err != nil {
			return fmt.Errorf("decode check: %w", err)
		}
		if status.Faulted {
			return ErrFaulted
		}
		if status.Done {
			return nil
		}

		wait := status.WaitTime
		if wait < 1 {
			wait = 1
		}
		if wait > 5 {
			wait = 5
		}
		c.log.Debug().Str("request_id", id).Int("estimate_s", status.WaitTime).Msg("horde job pending")
		if err := c.sleep(ctx, time.Duration(wait)*time.Second); err != nil {
			return fmt.Errorf("%w after %s", ErrTimedOut, c.maxWait)
		}
	}
}

func (c *HordeClient) result(ctx context.Context, id string) (Image, error) {
	data, err := c.call(ctx, http.MethodGet, "/generate/status/"+id, nil, http.StatusOK)
	if err != nil {
		return Image{}, fmt.Errorf("fetch result: %w", err)
	}

	var result struct {
		Generations []struct {
			Img   string `json:"img"`
			Model string `json:"model"`
			Seed  string `json:"seed"`
		} `json:"generations"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return Image{}, fmt.Errorf("decode result: %w", err)
	}
	if len(result.Generations) == 0 {
		return Image{}, ErrNoImage
	}
	g := result.Generations[0]
	return Image{URL: g.Img, Model: g.Model, Seed: g.Seed}, nil
}

// HordeModel is one entry from the horde's live model roster.
type HordeModel struct {
	Name        string `json:"name"`
	Count       int    `json:"count"`
	Performance string `json:"performance"`
	Queued      int    `json:"queued"`
}

// Models lists image models currently online, busiest-staffed first.
func (c *HordeClient) Models(ctx context.Context) ([]HordeModel, error) {
	data, err := c.call(ctx, http.MethodGet, "/status/models", nil, http.StatusOK)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}

	var raw []struct {
		Name        string          `json:"name"`
		Count       int             `json:"count"`
		Performance json.RawMessage `json:"performance"`
		Queued      float64         `json:"queued"`
		Type        string          `json:"type"`
		Unavailable bool            `json:"unavailable"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}

	models := make([]HordeModel, 0, len(raw))
	for _, m := range raw {
		if m.Type != "image" || m.Unavailable {
			continue
		}
		models = append(models, HordeModel{
			Name:        m.Name,
			Count:       m.Count,
			Performance: strings.Trim(string(m.Performance), `"`),
			Queued:      int(m.Queued),
		})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].Count > models[j].Count })
	return models, nil
}

func (c *HordeClient) call(ctx context.Context, method, path string, body []byte, wantStatus int) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != wantStatus {
		return nil, &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return data, nil
}

func snapTo64(v int) int {
	return int(math.Round(float64(v)/64)) * 64
}
