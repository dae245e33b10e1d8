package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lorehaven/scribe/internal/config"
	"github.com/lorehaven/scribe/internal/gateway"
	"github.com/lorehaven/scribe/internal/llm"
)

// setTestEnv points HOME at a fresh temp dir and clears every variable
// LoadConfig consults, so tests see only what they set themselves.
func setTestEnv(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, key := range []string{
		"SCRIBE_DISCORD_TOKEN", "DISCORD_TOKEN",
		"SCRIBE_OPENROUTER_KEY", "OPENROUTER_API_KEY",
		"DEFAULT_MODEL", "ALLOWED_MODELS", "SYSTEM_PROMPT",
		"AI_HORDE_API_KEY", "CLOUDFLARE_WORKER_URL", "CLOUDFLARE_API_KEY",
		"DATA_DIRECTORY", "SCRIBE_DATA_DIR",
		"SCRIBE_LOG_LEVEL", "SCRIBE_WEB_PORT",
	} {
		t.Setenv(key, "")
	}
	return home
}

func captureStdout(t *testing.T, fn func() error) (string, error) {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	os.Stdout = w

	fnErr := fn()

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String(), fnErr
}

func TestWriteIfNotExists_NewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.txt")

	writeIfNotExists(path, "test content")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile error: %v", err)
	}
	if string(data) != "test content" {
		t.Errorf("content = %q, want 'test content'", string(data))
	}
}

func TestWriteIfNotExists_ExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.txt")
	os.WriteFile(path, []byte("original"), 0644)

	writeIfNotExists(path, "new content")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile error: %v", err)
	}
	if string(data) != "original" {
		t.Errorf("content = %q, want 'original'", string(data))
	}
}

func TestDefaultPromptsTemplate(t *testing.T) {
	for _, key := range []string{"system:", "dungeon_master:", "summarizer:", "adventure_opening:", "settings:"} {
		if !strings.Contains(defaultPromptsYAML, key) {
			t.Errorf("prompts template missing %q", key)
		}
	}
}

func TestInit(t *testing.T) {
	if rootCmd == nil {
		t.Error("rootCmd should not be nil")
	}
	if runCmd == nil {
		t.Error("runCmd should not be nil")
	}
	if chatCmd == nil {
		t.Error("chatCmd should not be nil")
	}
	if onboardCmd == nil {
		t.Error("onboardCmd should not be nil")
	}
	if statusCmd == nil {
		t.Error("statusCmd should not be nil")
	}

	if chatCmd.Flags().Lookup("model") == nil {
		t.Error("model flag should exist on chat")
	}
}

func TestRunOnboard(t *testing.T) {
	home := setTestEnv(t)

	output, err := captureStdout(t, func() error {
		return runOnboard(&cobra.Command{}, []string{})
	})
	if err != nil {
		t.Fatalf("runOnboard error: %v", err)
	}

	cfgPath := filepath.Join(home, ".scribe", "config.json")
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}
	if _, err := os.Stat(filepath.Join(home, ".scribe", "data")); os.IsNotExist(err) {
		t.Error("data directory was not created")
	}
	if _, err := os.Stat(filepath.Join(home, ".scribe", "prompts.yaml")); os.IsNotExist(err) {
		t.Error("prompts template was not created")
	}

	if !strings.Contains(output, "Created config") {
		t.Errorf("unexpected output: %s", output)
	}
	if !strings.Contains(output, "Next steps:") {
		t.Errorf("missing next steps in output: %s", output)
	}
}

func TestRunOnboard_AlreadyExists(t *testing.T) {
	home := setTestEnv(t)

	cfgDir := filepath.Join(home, ".scribe")
	os.MkdirAll(cfgDir, 0755)
	os.WriteFile(filepath.Join(cfgDir, "config.json"), []byte("{}"), 0644)
	os.WriteFile(filepath.Join(cfgDir, "prompts.yaml"), []byte("system: custom"), 0644)

	output, err := captureStdout(t, func() error {
		return runOnboard(&cobra.Command{}, []string{})
	})
	if err != nil {
		t.Fatalf("runOnboard error: %v", err)
	}

	if !strings.Contains(output, "Config already exists") {
		t.Errorf("expected 'Config already exists', got: %s", output)
	}

	data, _ := os.ReadFile(filepath.Join(cfgDir, "prompts.yaml"))
	if string(data) != "system: custom" {
		t.Errorf("prompts overrides were overwritten: %q", string(data))
	}
}

func TestRunStatus(t *testing.T) {
	setTestEnv(t)

	output, err := captureStdout(t, func() error {
		return runStatus(&cobra.Command{}, []string{})
	})
	if err != nil {
		t.Fatalf("runStatus error: %v", err)
	}

	if !strings.Contains(output, "Config:") {
		t.Errorf("missing Config in output: %s", output)
	}
	if !strings.Contains(output, "Model: "+config.DefaultModel) {
		t.Errorf("missing default model in output: %s", output)
	}
	if !strings.Contains(output, "API Key: not set") {
		t.Errorf("missing API Key info in output: %s", output)
	}
	if !strings.Contains(output, "Discord: not configured") {
		t.Errorf("missing Discord status in output: %s", output)
	}
	if !strings.Contains(output, "AI Horde: anonymous") {
		t.Errorf("missing Horde status in output: %s", output)
	}
	if !strings.Contains(output, "Web: http://") {
		t.Errorf("missing web address in output: %s", output)
	}
	if !strings.Contains(output, "Saved state: none") {
		t.Errorf("missing saved state info in output: %s", output)
	}
}

func TestRunStatus_MaskedAPIKey(t *testing.T) {
	setTestEnv(t)
	t.Setenv("OPENROUTER_API_KEY", "sk-or-v1-abcdef1234")

	output, err := captureStdout(t, func() error {
		return runStatus(&cobra.Command{}, []string{})
	})
	if err != nil {
		t.Fatalf("runStatus error: %v", err)
	}

	if !strings.Contains(output, "API Key: sk-o...1234") {
		t.Errorf("API key should be masked in output: %s", output)
	}
}

func TestRunStatus_ShortAPIKey(t *testing.T) {
	setTestEnv(t)
	t.Setenv("OPENROUTER_API_KEY", "short")

	output, err := captureStdout(t, func() error {
		return runStatus(&cobra.Command{}, []string{})
	})
	if err != nil {
		t.Fatalf("runStatus error: %v", err)
	}

	if !strings.Contains(output, "API Key: set") {
		t.Errorf("short API key should show 'set': %s", output)
	}
}

func TestRunStatus_SavedState(t *testing.T) {
	home := setTestEnv(t)

	dataDir := filepath.Join(home, ".scribe", "data")
	os.MkdirAll(dataDir, 0755)
	os.WriteFile(filepath.Join(dataDir, "state.json"), []byte("{}"), 0644)

	output, err := captureStdout(t, func() error {
		return runStatus(&cobra.Command{}, []string{})
	})
	if err != nil {
		t.Fatalf("runStatus error: %v", err)
	}

	if !strings.Contains(output, "Saved state: 2 bytes") {
		t.Errorf("missing saved state size in output: %s", output)
	}
}

func TestRunBot_NoAPIKey(t *testing.T) {
	setTestEnv(t)

	err := runBot(&cobra.Command{}, []string{})
	if err == nil {
		t.Fatal("expected error when API key is not set")
	}
	if !strings.Contains(err.Error(), "API key not set") {
		t.Errorf("error should mention API key: %v", err)
	}
}

func TestRunBot_NoDiscordToken(t *testing.T) {
	setTestEnv(t)
	t.Setenv("OPENROUTER_API_KEY", "sk-or-test-key-1234")

	err := runBot(&cobra.Command{}, []string{})
	if err == nil {
		t.Fatal("expected error when Discord token is not set")
	}
	if !strings.Contains(err.Error(), "Discord token not set") {
		t.Errorf("error should mention Discord token: %v", err)
	}
}

// mockGateway implements Gateway for testing
type mockGateway struct {
	runs int
	err  error
}

func (m *mockGateway) Run(ctx context.Context) error {
	m.runs++
	return m.err
}

func TestRunChat_NoAPIKey(t *testing.T) {
	setTestEnv(t)

	err := runChatWithOptions(ChatOptions{})
	if err == nil {
		t.Fatal("expected error when API key is not set")
	}
	if !strings.Contains(err.Error(), "API key not set") {
		t.Errorf("error should mention API key: %v", err)
	}
}

func TestRunChat_WiresConsole(t *testing.T) {
	setTestEnv(t)
	t.Setenv("OPENROUTER_API_KEY", "sk-or-test-key-1234")
	t.Setenv("SCRIBE_DISCORD_TOKEN", "tok-123")

	var gotCfg *config.Config
	var gotOpts gateway.Options
	mock := &mockGateway{}
	sig := make(chan os.Signal, 1)

	var stdout bytes.Buffer
	err := runChatWithOptions(ChatOptions{
		Factory: func(cfg *config.Config, opts gateway.Options) (Gateway, error) {
			gotCfg = cfg
			gotOpts = opts
			return mock, nil
		},
		Stdin:   strings.NewReader(""),
		Stdout:  &stdout,
		Signals: sig,
	})
	if err != nil {
		t.Fatalf("runChatWithOptions error: %v", err)
	}

	if mock.runs != 1 {
		t.Errorf("gateway runs = %d, want 1", mock.runs)
	}
	if gotCfg.Discord.Token != "" {
		t.Error("console session should not connect to Discord")
	}
	if gotCfg.Web.Enabled {
		t.Error("web server should stay off in a console session")
	}
	if gotOpts.ConsoleIn == nil || gotOpts.ConsoleOut == nil {
		t.Error("console io was not wired into the gateway options")
	}
	if gotOpts.SignalChan != sig {
		t.Error("signal channel was not passed through")
	}
}

func TestRunChat_ModelFlag(t *testing.T) {
	setTestEnv(t)
	t.Setenv("OPENROUTER_API_KEY", "sk-or-test-key-1234")

	oldFlag := modelFlag
	modelFlag = "openai/gpt-4o"
	defer func() { modelFlag = oldFlag }()

	var gotCfg *config.Config
	err := runChatWithOptions(ChatOptions{
		Factory: func(cfg *config.Config, opts gateway.Options) (Gateway, error) {
			gotCfg = cfg
			return &mockGateway{}, nil
		},
		Stdin:  strings.NewReader(""),
		Stdout: io.Discard,
	})
	if err != nil {
		t.Fatalf("runChatWithOptions error: %v", err)
	}

	if gotCfg.Provider.DefaultModel != "openai/gpt-4o" {
		t.Errorf("default model = %q, want flag override", gotCfg.Provider.DefaultModel)
	}
}

func TestRunChat_FactoryError(t *testing.T) {
	setTestEnv(t)
	t.Setenv("OPENROUTER_API_KEY", "sk-or-test-key-1234")

	err := runChatWithOptions(ChatOptions{
		Factory: func(cfg *config.Config, opts gateway.Options) (Gateway, error) {
			return nil, errors.New("boom")
		},
		Stdin:  strings.NewReader(""),
		Stdout: io.Discard,
	})
	if err == nil {
		t.Fatal("expected error from factory")
	}
	if !strings.Contains(err.Error(), "create gateway") {
		t.Errorf("expected 'create gateway', got: %v", err)
	}
}

// completerFunc adapts a function to the gateway's completion interface
type completerFunc func(ctx context.Context, req llm.Request) (string, error)

func (f completerFunc) Send(ctx context.Context, req llm.Request) (string, error) {
	return f(ctx, req)
}

// waitReader blocks until its channel closes, then reports EOF so a
// MultiReader moves on to the next source.
type waitReader struct{ ch chan struct{} }

func (w waitReader) Read(p []byte) (int, error) {
	<-w.ch
	return 0, io.EOF
}

// lockedBuffer is a bytes.Buffer the console goroutines can share.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitForOutput(t *testing.T, buf *lockedBuffer, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(buf.String(), want) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("output never contained %q: %s", want, buf.String())
}

// TestChatSession drives a real gateway through the console channel:
// one chat line, wait for the reply, then /quit to shut everything down.
func TestChatSession(t *testing.T) {
	setTestEnv(t)
	t.Setenv("OPENROUTER_API_KEY", "sk-or-test-key-1234")

	fc := completerFunc(func(ctx context.Context, req llm.Request) (string, error) {
		return "Greetings, traveler.", nil
	})

	gate := make(chan struct{})
	stdin := io.MultiReader(
		strings.NewReader("hello there\n"),
		waitReader{ch: gate},
		strings.NewReader("/quit\n"),
	)
	out := &lockedBuffer{}

	done := make(chan error, 1)
	go func() {
		done <- runChatWithOptions(ChatOptions{
			Factory: func(cfg *config.Config, opts gateway.Options) (Gateway, error) {
				opts.Completer = fc
				opts.Lister = llm.ListerFunc(func(context.Context) ([]llm.ModelInfo, error) {
					return []llm.ModelInfo{{ID: cfg.Provider.DefaultModel}}, nil
				})
				return gateway.NewWithOptions(cfg, zerolog.Nop(), opts)
			},
			Stdin:  stdin,
			Stdout: out,
		})
	}()

	waitForOutput(t, out, "Greetings, traveler.")
	close(gate)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("chat session error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("chat session did not stop after /quit")
	}

	if !strings.Contains(out.String(), "scribe console") {
		t.Errorf("missing console banner: %s", out.String())
	}
	if !strings.Contains(out.String(), "bye") {
		t.Errorf("missing farewell: %s", out.String())
	}
}
