// Package prompts holds the bot's prompt texts: the default assistant
// system prompt, the dungeon-master prompt, the summarizer instruction,
// and the adventure setting presets. All of them can be overridden from
// a YAML file next to the config; missing fields keep their defaults.
package prompts

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const defaultSystem = `You are a helpful AI assistant named Scribe. You provide clear, accurate, and thoughtful responses. You strive to be helpful, but you'll acknowledge when you don't know something. When users include their names in messages, address them by name in your responses.

You should adapt your tone to be conversational and friendly, while maintaining professionalism. You aim to be concise but thorough, providing sufficient context without unnecessary verbosity.

You are powered by the OpenRouter API and have access to a variety of models to assist you in your responses. You can provide information, answer questions, and engage in conversation with users. You can also provide recommendations, summaries, and explanations on a wide range of topics.
`

const defaultDungeonMaster = "You are an experienced and creative Dungeon Master for a tabletop RPG game. " +
	"Your responses should be descriptive, engaging, and help move the story forward. " +
	"Include sensory details, NPC dialogue, and opportunities for player choices. " +
	"Keep your responses concise (300 words or less). " +
	"When players roll dice, acknowledge the result and incorporate it into the narrative. " +
	"If players want to add new characters, help them do so."

const defaultSummarizer = "Summarize the following conversation in 3-5 bullet points:"

const defaultOpening = "Start a new adventure in %s. Describe the opening scene, introduce the setting, and give the players a situation to respond to."

var defaultSettings = map[string]string{
	"Fantasy": "a medieval fantasy world with magic, dragons, and brave heroes",
	"Sci-Fi":  "a futuristic space adventure with advanced technology and alien species",
	"Horror":  "a suspenseful horror story in an abandoned mansion",
	"Modern":  "a modern-day adventure in a city with mysterious events",
}

// Library is the resolved set of prompt texts.
type Library struct {
	System        string            `yaml:"system"`
	DungeonMaster string            `yaml:"dungeon_master"`
	Summarizer    string            `yaml:"summarizer"`
	Opening       string            `yaml:"adventure_opening"`
	Settings      map[string]string `yaml:"settings"`
}

// Defaults returns the built-in prompt set.
func Defaults() *Library {
	settings := make(map[string]string, len(defaultSettings))
	for k, v := range defaultSettings {
		settings[k] = v
	}
	return &Library{
		System:        defaultSystem,
		DungeonMaster: defaultDungeonMaster,
		Summarizer:    defaultSummarizer,
		Opening:       defaultOpening,
		Settings:      settings,
	}
}

// Load reads overrides from path and merges them over the defaults.
// A missing file is not an error; empty fields keep their defaults.
func Load(path string) (*Library, error) {
	lib := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return lib, nil
		}
		return nil, fmt.Errorf("read prompts: %w", err)
	}

	var overlay Library
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("parse prompts: %w", err)
	}

	if overlay.System != "" {
		lib.System = overlay.System
	}
	if overlay.DungeonMaster != "" {
		lib.DungeonMaster = overlay.DungeonMaster
	}
	if overlay.Summarizer != "" {
		lib.Summarizer = overlay.Summarizer
	}
	if overlay.Opening != "" {
		lib.Opening = overlay.Opening
	}
	for k, v := range overlay.Settings {
		if v != "" {
			lib.Settings[k] = v
		}
	}

	return lib, nil
}

// SettingNames lists the preset settings, Custom last.
func (l *Library) SettingNames() []string {
	return []string{"Fantasy", "Sci-Fi", "Horror", "Modern", "Custom"}
}

// SettingPrompt resolves the scene description for an adventure. A
// non-empty description wins regardless of the chosen setting; otherwise
// the preset for the setting applies, falling back to Fantasy.
func (l *Library) SettingPrompt(setting, description string) string {
	if strings.TrimSpace(description) != "" {
		return description
	}
	if p, ok := l.Settings[setting]; ok {
		return p
	}
	return l.Settings["Fantasy"]
}

// OpeningMessage builds the first user turn of a new adventure.
func (l *Library) OpeningMessage(scenePrompt string) string {
	return fmt.Sprintf(l.Opening, scenePrompt)
}
