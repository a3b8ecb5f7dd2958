// Package provider encapsulates per-provider CLI idiosyncrasies: how each
// AI coding CLI is launched, which flags select a model, and how activity is
// detected from captured terminal output.
package provider

import (
	"fmt"
	"strings"
)

// DefaultProvider is used when neither the task nor the lane names one.
const DefaultProvider = "claude"

// ErrUnknownProvider is returned for identifiers outside the closed set.
var ErrUnknownProvider = fmt.Errorf("unknown provider")

// modelFlagStyle selects how a model id is passed on the command line.
type modelFlagStyle int

const (
	modelFlagLong  modelFlagStyle = iota // --model <id>
	modelFlagShort                       // -m <id>
	modelFlagNone                        // model chosen inside the tool
)

// Config describes how one provider CLI is invoked.
type Config struct {
	Command                 string
	PipeCommand             string
	Args                    []string
	ForkArgs                []string
	ResumeFlag              string
	AutoPilotFlags          []string
	Env                     map[string]string
	DefaultWorkingDirectory string
	Shell                   bool

	modelFlag modelFlagStyle
}

// registry is the closed provider set.
var registry = map[string]Config{
	"claude": {
		Command:        "claude",
		PipeCommand:    "claude -p",
		ResumeFlag:     "--resume",
		AutoPilotFlags: []string{"--dangerously-skip-permissions"},
	},
	"gemini": {
		Command:        "gemini",
		PipeCommand:    "gemini -p",
		AutoPilotFlags: []string{"--yolo"},
	},
	"codex": {
		Command:        "codex",
		PipeCommand:    "codex exec",
		ResumeFlag:     "resume",
		AutoPilotFlags: []string{"--full-auto"},
	},
	"opencode": {
		Command:   "opencode",
		modelFlag: modelFlagShort,
	},
	"cursor": {
		Command:     "cursor-agent",
		PipeCommand: "cursor-agent -p --output-format text",
		Args:        []string{"-p", "--output-format", "text"},
		Shell:       true,
	},
	"copilot": {
		Command:        "copilot",
		Args:           []string{"-p", "-s"},
		AutoPilotFlags: []string{"--allow-all-tools"},
	},
	"aider": {
		Command: "aider",
		Args:    []string{"--yes"},
	},
	"amp": {
		Command:   "amp",
		modelFlag: modelFlagNone,
	},
	"cline": {
		Command:   "cline",
		modelFlag: modelFlagShort,
	},
	"kiro": {
		Command:   "kiro",
		Args:      []string{"chat", "--no-interactive", "--trust-all-tools"},
		modelFlag: modelFlagNone,
	},
}

// modelAliases maps deprecated model identifiers to their replacements.
var modelAliases = map[string]string{
	"gpt-5.2":              "gpt-4.1",
	"gemini-3-pro-preview": "gemini-2.5-pro",
}

// Known reports whether name is in the closed provider set.
func Known(name string) bool {
	_, ok := registry[name]
	return ok
}

// Names returns the provider identifiers.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

// Get returns the config for a provider.
func Get(name string) (Config, error) {
	cfg, ok := registry[name]
	if !ok {
		return Config{}, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return cfg, nil
}

// ResolveProvider picks the effective provider: explicit over lane default
// over the system default. The result is validated against the closed set.
func ResolveProvider(explicit, laneDefault string) (string, error) {
	name := explicit
	if name == "" {
		name = laneDefault
	}
	if name == "" {
		name = DefaultProvider
	}
	if !Known(name) {
		return "", fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return name, nil
}

// ResolveModel picks the effective model (task over lane) and resolves
// deprecated aliases. Empty means the provider's own default.
func ResolveModel(taskModel, laneModel string) string {
	model := taskModel
	if model == "" {
		model = laneModel
	}
	if replacement, ok := modelAliases[model]; ok {
		return replacement
	}
	return model
}

// InteractiveLaunchCommand returns a single shell string that starts the
// provider CLI interactively, safe to paste through the multiplexer.
func InteractiveLaunchCommand(name, model string, autoPilot bool) (string, error) {
	cfg, err := Get(name)
	if err != nil {
		return "", err
	}
	parts := []string{cfg.Command}
	parts = append(parts, cfg.Args...)
	parts = append(parts, modelArgs(cfg, model)...)
	if autoPilot {
		parts = append(parts, cfg.AutoPilotFlags...)
	}
	return strings.Join(parts, " "), nil
}

// SpawnConfig is the non-interactive invocation shape: binary plus argv plus
// environment, suitable for spawning with stdin piping.
type SpawnConfig struct {
	Binary string
	Args   []string
	Env    map[string]string
}

// GetSpawnConfig returns the spawn triple for a provider and model.
func GetSpawnConfig(name, model string) (SpawnConfig, error) {
	cfg, err := Get(name)
	if err != nil {
		return SpawnConfig{}, err
	}
	binary := cfg.Command
	var args []string
	if cfg.PipeCommand != "" {
		fields := strings.Fields(cfg.PipeCommand)
		binary = fields[0]
		args = append(args, fields[1:]...)
	} else {
		args = append(args, cfg.ForkArgs...)
		args = append(args, cfg.Args...)
	}
	args = append(args, modelArgs(cfg, model)...)
	return SpawnConfig{Binary: binary, Args: args, Env: cfg.Env}, nil
}

func modelArgs(cfg Config, model string) []string {
	if model == "" {
		return nil
	}
	switch cfg.modelFlag {
	case modelFlagShort:
		return []string{"-m", model}
	case modelFlagNone:
		return nil
	default:
		return []string{"--model", model}
	}
}
