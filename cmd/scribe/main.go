package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lorehaven/scribe/internal/config"
	"github.com/lorehaven/scribe/internal/gateway"
	"github.com/lorehaven/scribe/internal/logger"
)

// Gateway is the running bot core (allows mocking in tests)
type Gateway interface {
	Run(ctx context.Context) error
}

// GatewayFactory creates a Gateway from the loaded config
type GatewayFactory func(cfg *config.Config, opts gateway.Options) (Gateway, error)

// DefaultGatewayFactory builds the real gateway with its zerolog logger
func DefaultGatewayFactory(cfg *config.Config, opts gateway.Options) (Gateway, error) {
	log := logger.New(logger.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})
	return gateway.NewWithOptions(cfg, log, opts)
}

// ChatOptions for running the console session with custom dependencies
type ChatOptions struct {
	Factory GatewayFactory
	Stdin   io.Reader
	Stdout  io.Writer
	Signals chan os.Signal
}

var rootCmd = &cobra.Command{
	Use:   "scribe",
	Short: "scribe - Discord AI chat companion",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the Discord bot (channels + web + scheduler)",
	RunE:  runBot,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the model in a local console session",
	RunE:  runChat,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and data directories",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show scribe status",
	RunE:  runStatus,
}

var modelFlag string

func init() {
	chatCmd.Flags().StringVarP(&modelFlag, "model", "m", "", "Model to use for this session")
	rootCmd.AddCommand(runCmd, chatCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runBot(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Provider.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'scribe onboard' or set OPENROUTER_API_KEY")
	}
	if cfg.Discord.Token == "" {
		return fmt.Errorf("Discord token not set. Set DISCORD_TOKEN, or try 'scribe chat' for a local session")
	}

	log := logger.New(logger.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})
	gw, err := gateway.New(cfg, log)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

// runChat is the command handler that uses default options
func runChat(cmd *cobra.Command, args []string) error {
	return runChatWithOptions(ChatOptions{})
}

// runChatWithOptions runs the console session with injectable dependencies for testing
func runChatWithOptions(opts ChatOptions) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Provider.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'scribe onboard' or set OPENROUTER_API_KEY")
	}

	// A console session stays local: no Discord connection, and no web
	// server racing a running bot instance for the port.
	cfg.Discord.Token = ""
	cfg.Web.Enabled = false
	if modelFlag != "" {
		cfg.Provider.DefaultModel = modelFlag
	}
	// Keep the terminal quiet unless the user asked for logs.
	if os.Getenv("SCRIBE_LOG_LEVEL") == "" {
		cfg.Log.Level = "warn"
	}

	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	factory := opts.Factory
	if factory == nil {
		factory = DefaultGatewayFactory
	}

	gw, err := factory(cfg, gateway.Options{
		ConsoleIn:  stdin,
		ConsoleOut: stdout,
		SignalChan: opts.Signals,
	})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	writeIfNotExists(filepath.Join(cfgDir, "prompts.yaml"), defaultPromptsYAML)

	fmt.Printf("Data directory ready: %s\n", cfg.DataDir)
	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set your OpenRouter API key and Discord token\n", cfgPath)
	fmt.Println("  2. Or set OPENROUTER_API_KEY and DISCORD_TOKEN environment variables")
	fmt.Println("  3. Run 'scribe chat' to talk locally, or 'scribe run' to start the bot")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Data directory: %s\n", cfg.DataDir)
	fmt.Printf("Model: %s\n", cfg.Provider.DefaultModel)
	fmt.Printf("Allowed models: %d\n", len(cfg.Provider.AllowedModels))
	if cfg.Provider.APIKey != "" && len(cfg.Provider.APIKey) > 8 {
		masked := cfg.Provider.APIKey[:4] + "..." + cfg.Provider.APIKey[len(cfg.Provider.APIKey)-4:]
		fmt.Printf("API Key: %s\n", masked)
	} else if cfg.Provider.APIKey != "" {
		fmt.Println("API Key: set")
	} else {
		fmt.Println("API Key: not set")
	}
	fmt.Printf("Discord: %s\n", configuredDisplay(cfg.Discord.Token != ""))
	fmt.Printf("AI Horde: %s\n", hordeDisplay(cfg.Horde.APIKey))
	fmt.Printf("Dream worker: %s\n", configuredDisplay(cfg.Worker.URL != ""))
	if cfg.Web.Enabled {
		fmt.Printf("Web: http://%s:%d\n", cfg.Web.Host, cfg.Web.Port)
	} else {
		fmt.Println("Web: disabled")
	}

	statePath := filepath.Join(cfg.DataDir, "state.json")
	if fi, err := os.Stat(statePath); err == nil {
		fmt.Printf("Saved state: %d bytes (updated %s)\n", fi.Size(), fi.ModTime().Format("2006-01-02 15:04"))
	} else {
		fmt.Println("Saved state: none")
	}

	return nil
}

func configuredDisplay(ok bool) string {
	if ok {
		return "configured"
	}
	return "not configured"
}

func hordeDisplay(key string) string {
	if key == "" {
		return "anonymous"
	}
	return "key set"
}

func writeIfNotExists(path, content string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_ = os.WriteFile(path, []byte(content), 0644)
		fmt.Printf("  Created: %s\n", path)
	}
}

const defaultPromptsYAML = `# Prompt overrides for scribe. Uncomment a field to replace the
# built-in text; anything left out keeps its default. Settings merge
# into the presets by name.
#
# system: |
#   You are a helpful AI assistant named Scribe.
#
# dungeon_master: |
#   You are an experienced and creative Dungeon Master.
#
# summarizer: "Summarize the following conversation in 3-5 bullet points:"
#
# adventure_opening: "Start a new adventure in %s. Describe the opening scene."
#
# settings:
#   Fantasy: a medieval fantasy world with magic, dragons, and brave heroes
`
