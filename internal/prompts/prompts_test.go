package prompts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaults(t *testing.T) {
	lib := Defaults()
	if !strings.Contains(lib.System, "Scribe") {
		t.Error("system prompt should name the assistant")
	}
	if !strings.Contains(lib.DungeonMaster, "Dungeon Master") {
		t.Error("dungeon master prompt missing")
	}
	if lib.Summarizer != "Summarize the following conversation in 3-5 bullet points:" {
		t.Errorf("summarizer = %q", lib.Summarizer)
	}
	if len(lib.Settings) != 4 {
		t.Errorf("settings = %d, want 4", len(lib.Settings))
	}
}

func TestLoad_MissingFile(t *testing.T) {
	lib, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if lib.System != Defaults().System {
		t.Error("missing file should keep defaults")
	}
}

func TestLoad_Overlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prompts.yaml")
	content := `system: "custom system"
settings:
  Fantasy: "a custom fantasy realm"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	lib, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if lib.System != "custom system" {
		t.Errorf("system = %q, want custom system", lib.System)
	}
	if lib.Settings["Fantasy"] != "a custom fantasy realm" {
		t.Errorf("Fantasy = %q", lib.Settings["Fantasy"])
	}
	// Untouched fields keep defaults
	if lib.DungeonMaster != Defaults().DungeonMaster {
		t.Error("dungeon master should keep default")
	}
	if lib.Settings["Horror"] != Defaults().Settings["Horror"] {
		t.Error("Horror preset should keep default")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prompts.yaml")
	os.WriteFile(path, []byte("system: [unclosed"), 0644)

	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestSettingPrompt(t *testing.T) {
	lib := Defaults()

	tests := []struct {
		name        string
		setting     string
		description string
		want        string
	}{
		{"preset", "Horror", "", "a suspenseful horror story in an abandoned mansion"},
		{"description wins", "Horror", "a haunted lighthouse", "a haunted lighthouse"},
		{"custom with description", "Custom", "a pirate cove", "a pirate cove"},
		{"unknown falls back to fantasy", "Nonsense", "", lib.Settings["Fantasy"]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := lib.SettingPrompt(tt.setting, tt.description)
			if got != tt.want {
				t.Errorf("SettingPrompt(%q, %q) = %q, want %q", tt.setting, tt.description, got, tt.want)
			}
		})
	}
}

func TestOpeningMessage(t *testing.T) {
	lib := Defaults()
	got := lib.OpeningMessage("a pirate cove")
	if !strings.HasPrefix(got, "Start a new adventure in a pirate cove.") {
		t.Errorf("OpeningMessage = %q", got)
	}
	if !strings.Contains(got, "opening scene") {
		t.Errorf("OpeningMessage = %q", got)
	}
}
