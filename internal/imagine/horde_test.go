package imagine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestHorde(url string) *HordeClient {
	c := NewHordeClient("horde-key", time.Minute, zerolog.Nop())
	c.baseURL = url
	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return c
}

func TestGenerateFlow(t *testing.T) {
	var submitted hordeSubmission
	checks := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/generate/async":
			if r.Method != http.MethodPost {
				t.Errorf("submit method = %s", r.Method)
			}
			if key := r.Header.Get("apikey"); key != "horde-key" {
				t.Errorf("apikey header = %q", key)
			}
			if err := json.NewDecoder(r.Body).Decode(&submitted); err != nil {
				t.Errorf("decode submission: %v", err)
			}
			w.WriteHeader(http.StatusAccepted)
			fmt.Fprint(w, `{"id":"req-1"}`)
		case "/generate/check/req-1":
			checks++
			if checks < 3 {
				fmt.Fprintf(w, `{"done":false,"faulted":false,"wait_time":%d}`, 30)
			} else {
				fmt.Fprint(w, `{"done":true,"faulted":false}`)
			}
		case "/generate/status/req-1":
			fmt.Fprint(w, `{"generations":[{"img":"https://r2.example/img.webp","model":"deliberate_v2","seed":"12345"}]}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := newTestHorde(srv.URL)
	var slept []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	img, err := c.Generate(context.Background(), GenerateOptions{
		Prompt:         "a lighthouse at dusk",
		NegativePrompt: "blurry",
		Width:          768,
		Height:         512,
		Model:          "deliberate_v2",
	})
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if img.URL != "https://r2.example/img.webp" || img.Model != "deliberate_v2" || img.Seed != "12345" {
		t.Errorf("Generate() = %+v", img)
	}

	if submitted.Prompt != "a lighthouse at dusk" {
		t.Errorf("submitted prompt = %q", submitted.Prompt)
	}
	if submitted.Params.SamplerName != "k_euler_a" || submitted.Params.CfgScale != 7.5 {
		t.Errorf("submitted params = %+v", submitted.Params)
	}
	if submitted.Params.NegativePrompt != "blurry" {
		t.Errorf("negative prompt = %q", submitted.Params.NegativePrompt)
	}
	if !submitted.R2 {
		t.Error("submission r2 = false, want true")
	}
	if len(submitted.Models) != 1 || submitted.Models[0] != "deliberate_v2" {
		t.Errorf("submitted models = %v", submitted.Models)
	}
	// Horde's 30s estimate clamps to the 5s polling ceiling.
	if len(slept) != 2 || slept[0] != 5*time.Second {
		t.Errorf("sleeps = %v, want two clamped 5s waits", slept)
	}
}

func TestGenerateDefaults(t *testing.T) {
	var submitted hordeSubmission
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/generate/async":
			json.NewDecoder(r.Body).Decode(&submitted)
			w.WriteHeader(http.StatusAccepted)
			fmt.Fprint(w, `{"id":"req-1"}`)
		case "/generate/check/req-1":
			fmt.Fprint(w, `{"done":true}`)
		case "/generate/status/req-1":
			fmt.Fprint(w, `{"generations":[{"img":"u","model":"m","seed":"s"}]}`)
		}
	}))
	defer srv.Close()

	if _, err := newTestHorde(srv.URL).Generate(context.Background(), GenerateOptions{Prompt: "p"}); err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if submitted.Params.Width != 512 || submitted.Params.Height != 512 {
		t.Errorf("default dimensions = %dx%d, want 512x512", submitted.Params.Width, submitted.Params.Height)
	}
	if submitted.Params.Steps != 30 {
		t.Errorf("default steps = %d, want 30", submitted.Params.Steps)
	}
	if len(submitted.Models) != 1 || submitted.Models[0] != "stable_diffusion_2.1" {
		t.Errorf("default model = %v", submitted.Models)
	}
}

func TestSnapTo64(t *testing.T) {
	tests := []struct{ in, want int }{
		{512, 512},
		{500, 512},
		{700, 704},
		{768, 768},
		{100, 128},
	}
	for _, tt := range tests {
		if got := snapTo64(tt.in); got != tt.want {
			t.Errorf("snapTo64(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestGenerateSubmitRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "prompt rejected", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestHorde(srv.URL).Generate(context.Background(), GenerateOptions{Prompt: "p"})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != http.StatusBadRequest {
		t.Fatalf("Generate() error = %v, want 400 StatusError", err)
	}
}

func TestGenerateFaulted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/generate/async":
			w.WriteHeader(http.StatusAccepted)
			fmt.Fprint(w, `{"id":"req-1"}`)
		case "/generate/check/req-1":
			fmt.Fprint(w, `{"done":false,"faulted":true}`)
		}
	}))
	defer srv.Close()

	_, err := newTestHorde(srv.URL).Generate(context.Background(), GenerateOptions{Prompt: "p"})
	if !errors.Is(err, ErrFaulted) {
		t.Fatalf("Generate() error = %v, want ErrFaulted", err)
	}
}

func TestGenerateTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/generate/async":
			w.WriteHeader(http.StatusAccepted)
			fmt.Fprint(w, `{"id":"req-1"}`)
		case "/generate/check/req-1":
			fmt.Fprint(w, `{"done":false,"wait_time":2}`)
		}
	}))
	defer srv.Close()

	c := newTestHorde(srv.URL)
	c.sleep = func(ctx context.Context, d time.Duration) error {
		return context.DeadlineExceeded
	}

	_, err := c.Generate(context.Background(), GenerateOptions{Prompt: "p"})
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("Generate() error = %v, want ErrTimedOut", err)
	}
}

func TestGenerateNoGenerations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/generate/async":
			w.WriteHeader(http.StatusAccepted)
			fmt.Fprint(w, `{"id":"req-1"}`)
		case "/generate/check/req-1":
			fmt.Fprint(w, `{"done":true}`)
		case "/generate/status/req-1":
			fmt.Fprint(w, `{"generations":[]}`)
		}
	}))
	defer srv.Close()

	_, err := newTestHorde(srv.URL).Generate(context.Background(), GenerateOptions{Prompt: "p"})
	if !errors.Is(err, ErrNoImage) {
		t.Fatalf("Generate() error = %v, want ErrNoImage", err)
	}
}

func TestModelsFiltersAndSorts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status/models" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `[
  {"name":"small_model","count":3,"performance":1.2,"queued":0,"type":"image"},
  {"name":"text_model","count":99,"type":"text"},
  {"name":"big_model","count":40,"performance":"fast","queued":7,"type":"image"},
  {"name":"broken_model","count":10,"type":"image","unavailable":true}
]`)
	}))
	defer srv.Close()

	models, err := newTestHorde(srv.URL).Models(context.Background())
	if err != nil {
		t.Fatalf("Models() error: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("Models() = %d entries, want 2 image models", len(models))
	}
	if models[0].Name != "big_model" || models[0].Count != 40 || models[0].Queued != 7 {
		t.Errorf("Models()[0] = %+v, want big_model first", models[0])
	}
	if models[0].Performance != "fast" || models[1].Performance != "1.2" {
		t.Errorf("performance fields = %q, %q", models[0].Performance, models[1].Performance)
	}
}

func TestAnonymousRequestsOmitKey(t *testing.T) {
	var sawHeader bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawHeader = r.Header["Apikey"]
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()

	c := NewHordeClient("", time.Minute, zerolog.Nop())
	c.baseURL = srv.URL
	if _, err := c.Models(context.Background()); err != nil {
		t.Fatalf("Models() error: %v", err)
	}
	if sawHeader {
		t.Error("anonymous request sent an apikey header")
	}
}
