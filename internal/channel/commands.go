package channel

import "github.com/bwmarrin/discordgo"

func opt(t discordgo.ApplicationCommandOptionType, name, desc string, required bool) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{Type: t, Name: name, Description: desc, Required: required}
}

func choices(values ...string) []*discordgo.ApplicationCommandOptionChoice {
	out := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(values))
	for _, v := range values {
		out = append(out, &discordgo.ApplicationCommandOptionChoice{Name: v, Value: v})
	}
	return out
}

// commandDefinitions is the full slash-command surface registered on
// startup. Option names double as the Args keys command handlers read.
func commandDefinitions() []*discordgo.ApplicationCommand {
	const (
		str  = discordgo.ApplicationCommandOptionString
		num  = discordgo.ApplicationCommandOptionInteger
		flag = discordgo.ApplicationCommandOptionBoolean
		file = discordgo.ApplicationCommandOptionAttachment
		sub  = discordgo.ApplicationCommandOptionSubCommand
	)

	settingOpt := opt(str, "setting", "Select the adventure setting", true)
	settingOpt.Choices = choices("Fantasy", "Sci-Fi", "Horror", "Modern", "Custom")

	sizeOpt := opt(str, "size", "Select image size", false)
	sizeOpt.Choices = choices("512x512", "768x768", "512x768", "768x512")

	hordeModelOpt := opt(str, "model", "Select AI model to use", false)
	hordeModelOpt.Choices = choices("stable_diffusion_2.1", "stable_diffusion_xl",
		"midjourney_diffusion", "deliberate_v2", "flux_1")

	return []*discordgo.ApplicationCommand{
		{
			Name:        "chat",
			Description: "Send a message to the AI assistant",
			Options: []*discordgo.ApplicationCommandOption{
				opt(str, "message", "Your message to the AI", true),
				opt(file, "image", "An image for the AI to analyze", false),
			},
		},
		{Name: "reset", Description: "Reset the conversation history for this channel"},
		{Name: "memory", Description: "Show how many messages are stored for this channel"},
		{Name: "summarize", Description: "Summarize the current conversation history"},
		{
			Name:        "summarize_url",
			Description: "Fetch and summarize content from a URL",
			Options: []*discordgo.ApplicationCommandOption{
				opt(str, "url", "The web page to summarize", true),
				opt(flag, "detailed", "Produce a longer, more detailed summary", false),
			},
		},
		{
			Name:        "model",
			Description: "Show or change the global AI model",
			Options: []*discordgo.ApplicationCommandOption{
				opt(str, "new_model", "Model id to switch to", false),
			},
		},
		{
			Name:        "setmodel",
			Description: "Set the global AI model",
			Options: []*discordgo.ApplicationCommandOption{
				opt(str, "model_name", "Model id, e.g. google/gemini-2.0-flash-exp:free", true),
			},
		},
		{
			Name:        "setsystem",
			Description: "Set the global system prompt",
			Options: []*discordgo.ApplicationCommandOption{
				opt(str, "new_prompt", "The new system prompt", true),
			},
		},
		{
			Name:        "setmemory",
			Description: "Set how many messages are kept per conversation",
			Options: []*discordgo.ApplicationCommandOption{
				opt(num, "size", "Messages to keep (5-100)", true),
			},
		},
		{
			Name:        "setwindow",
			Description: "Set the context time window in hours",
			Options: []*discordgo.ApplicationCommandOption{
				opt(num, "hours", "Window size in hours (1-96)", true),
			},
		},
		{
			Name:        "setchannelmodel",
			Description: "Set the AI model for this channel",
			Options: []*discordgo.ApplicationCommandOption{
				opt(str, "model_name", "Model id for this channel", true),
			},
		},
		{Name: "channelmodel", Description: "Show the AI model used in this channel"},
		{Name: "resetchannelmodel", Description: "Reset this channel's model to the global default"},
		{
			Name:        "setchannelsystem",
			Description: "Set a custom system prompt for this channel",
			Options: []*discordgo.ApplicationCommandOption{
				opt(str, "new_prompt", "The system prompt for this channel", true),
			},
		},
		{Name: "channelsystem", Description: "Show this channel's system prompt"},
		{Name: "resetchannelsystem", Description: "Remove this channel's system prompt"},
		{
			Name:        "thread",
			Description: "Manage AI conversation threads",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: sub, Name: "new", Description: "Create a new AI conversation thread",
					Options: []*discordgo.ApplicationCommandOption{
						opt(str, "name", "Name for the thread", true),
						opt(str, "message", "First message to send", false),
						opt(file, "image", "An image for the AI to analyze", false),
					}},
				{Type: sub, Name: "message", Description: "Chat within a specific conversation thread",
					Options: []*discordgo.ApplicationCommandOption{
						opt(str, "id", "Thread id or short id", true),
						opt(str, "message", "Your message", true),
						opt(file, "image", "An image for the AI to analyze", false),
					}},
				{Type: sub, Name: "list", Description: "List all active conversation threads in this channel"},
				{Type: sub, Name: "delete", Description: "Delete a conversation thread",
					Options: []*discordgo.ApplicationCommandOption{
						opt(str, "id", "Thread id or short id", true),
					}},
				{Type: sub, Name: "rename", Description: "Rename a conversation thread",
					Options: []*discordgo.ApplicationCommandOption{
						opt(str, "id", "Thread id or short id", true),
						opt(str, "name", "New thread name", true),
					}},
				{Type: sub, Name: "setmodel", Description: "Set the AI model for the current thread",
					Options: []*discordgo.ApplicationCommandOption{
						opt(str, "model_name", "Model id for this thread", true),
					}},
				{Type: sub, Name: "setsystem", Description: "Set a custom system prompt for this thread",
					Options: []*discordgo.ApplicationCommandOption{
						opt(str, "new_prompt", "The system prompt for this thread", true),
					}},
			},
		},
		{
			Name:        "adventure",
			Description: "Run a dungeon-master adventure in this channel",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: sub, Name: "start", Description: "Start a new adventure",
					Options: []*discordgo.ApplicationCommandOption{
						settingOpt,
						opt(str, "description", "Describe your custom setting", false),
					}},
				{Type: sub, Name: "action", Description: "Take an action in the adventure",
					Options: []*discordgo.ApplicationCommandOption{
						opt(str, "action", "What do you do?", true),
					}},
				{Type: sub, Name: "roll", Description: "Roll dice, e.g. 2d6+3",
					Options: []*discordgo.ApplicationCommandOption{
						opt(str, "dice", "Dice expression like 2d6+3", true),
					}},
				{Type: sub, Name: "status", Description: "Show the current adventure status"},
				{Type: sub, Name: "end", Description: "End the current adventure"},
			},
		},
		{
			Name:        "imagine",
			Description: "Generate an image with AI using AI Horde",
			Options: []*discordgo.ApplicationCommandOption{
				opt(str, "prompt", "Describe the image you want to create", true),
				opt(str, "negative_prompt", "What to exclude from the image", false),
				sizeOpt,
				hordeModelOpt,
			},
		},
		{
			Name:        "dream",
			Description: "Generate an image with the fast worker backend",
			Options: []*discordgo.ApplicationCommandOption{
				opt(str, "prompt", "Describe the image you want to create", true),
			},
		},
		{Name: "cftest", Description: "Check the image worker endpoint"},
		{Name: "hordemodels", Description: "Show available models on AI Horde"},
		{Name: "diagnostic", Description: "Run connectivity and model diagnostics"},
		{Name: "syncmodels", Description: "Refresh the model catalog"},
		{Name: "visionmodels", Description: "List models that can analyze images"},
		{Name: "save", Description: "Save conversation state to disk now"},
		{Name: "load", Description: "Reload conversation state from disk"},
		{Name: "prune", Description: "Run a retention sweep now"},
	}
}
