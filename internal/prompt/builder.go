// Package prompt assembles the multi-line prompt pasted into a provider CLI
// when a task launches. Building is pure: same inputs, same string.
package prompt

import (
	"fmt"
	"strings"

	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

// Input carries everything the builder may render. Optional sections are
// omitted when their input is empty.
type Input struct {
	Task *v1.Task
	Lane *v1.Lane

	// Subtasks switches the task block to bundle form when non-empty.
	Subtasks []*v1.Task

	Persona *v1.Persona
	Guild   string

	MemoryLoad string
	MemorySave string

	AdditionalInstructions string
	AskForContext          bool
	ProgressReporting      bool

	// AutoClose appends the completion protocol block keyed by SignalID.
	AutoClose bool
	SignalID  string
}

// Build renders the prompt. Section order is fixed; empty sections drop out.
func Build(in Input) string {
	var b strings.Builder

	if in.Lane != nil && in.Lane.ContextInstructions != "" {
		section(&b, in.Lane.ContextInstructions)
	}
	if in.Persona != nil {
		section(&b, personaBlock(in.Persona))
	}
	if in.Guild != "" {
		section(&b, "## Team Knowledge\n"+in.Guild)
	}
	if in.MemoryLoad != "" {
		section(&b, in.MemoryLoad)
	}

	section(&b, taskBlock(in))

	if in.AdditionalInstructions != "" {
		section(&b, in.AdditionalInstructions)
	}
	if in.AskForContext {
		section(&b, "If anything about this task is unclear or you are missing context, ask clarifying questions before making changes.")
	}
	if in.ProgressReporting {
		section(&b, "Report your progress as you work: state what you are doing before each significant step.")
	}
	if in.MemorySave != "" {
		section(&b, in.MemorySave)
	}
	if in.AutoClose && in.SignalID != "" {
		section(&b, completionProtocol(in.SignalID))
	}

	return strings.TrimRight(b.String(), "\n")
}

func section(b *strings.Builder, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if b.Len() > 0 {
		b.WriteString("\n\n")
	}
	b.WriteString(text)
}

func personaBlock(p *v1.Persona) string {
	var lines []string
	if p.Personality != "" {
		lines = append(lines, "Personality: "+p.Personality)
	}
	if p.CommunicationStyle != "" {
		lines = append(lines, "Communication style: "+p.CommunicationStyle)
	}
	if len(p.Expertise) > 0 {
		lines = append(lines, "Expertise: "+strings.Join(p.Expertise, ", "))
	}
	if p.SkillLevel != "" {
		lines = append(lines, "Skill level: "+p.SkillLevel)
	}
	if p.RiskTolerance != "" {
		lines = append(lines, "Risk tolerance: "+p.RiskTolerance)
	}
	if len(lines) == 0 {
		return ""
	}
	return "## Working Style\n" + strings.Join(lines, "\n")
}

func taskBlock(in Input) string {
	var b strings.Builder
	if len(in.Subtasks) > 0 {
		fmt.Fprintf(&b, "## Task Bundle: %s\n", in.Task.Description)
		if in.Task.Input != "" {
			b.WriteString(in.Task.Input + "\n")
		}
		b.WriteString("\nComplete the following subtasks in order:\n")
		for i, sub := range in.Subtasks {
			fmt.Fprintf(&b, "\n%d. %s", i+1, sub.Description)
			if sub.Input != "" {
				fmt.Fprintf(&b, "\n%s", indent(sub.Input, "   "))
			}
		}
		return b.String()
	}

	fmt.Fprintf(&b, "## Task: %s", in.Task.Description)
	if in.Task.Input != "" {
		b.WriteString("\n\n" + in.Task.Input)
	}
	return b.String()
}

func completionProtocol(sigID string) string {
	return fmt.Sprintf(`## Completion Protocol
When the task is fully complete, output this exact marker on its own line:

<promise>%s-DONE</promise>

Optionally, before the marker, include a short summary of what you did:

<promise-summary>%s
(your summary here)
</promise-summary>

Do not output the marker until the work is actually done.`, sigID, sigID)
}

func indent(text, prefix string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if line != "" {
			lines[i] = prefix + line
		}
	}
	return strings.Join(lines, "\n")
}
