package subagentmgr

import (
	"fmt"
	"strings"
	"time"
)

// defaultSystemPrompt builds the system prompt handed to a subagent when
// the caller doesn't supply one: scope the task, forbid direct replies,
// report back when done.
func defaultSystemPrompt(task Task, id string) string {
	var lines []string
	lines = append(lines, "# Subagent Context", "")
	lines = append(lines, "You are a subagent spawned by the main agent for a specific task.")
	lines = append(lines, "")
	lines = append(lines, "## Rules")
	lines = append(lines, "1. Stay focused: do the assigned task, nothing else.")
	lines = append(lines, "2. Your final message is reported back to the main agent automatically.")
	lines = append(lines, "3. Don't initiate side conversations, cron jobs, or further subagents.")
	lines = append(lines, "4. You may be torn down immediately after completion.")
	lines = append(lines, "")
	if task.SessionKey != "" {
		lines = append(lines, fmt.Sprintf("Requester session: %s.", task.SessionKey))
	}
	lines = append(lines, fmt.Sprintf("Your session: subagent:%s.", id))
	return strings.Join(lines, "\n")
}

// formatDuration renders a duration the way the subagent announcement reports
// how long a task ran.
func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "n/a"
	}
	total := int(d.Seconds())
	hours, minutes, seconds := total/3600, (total%3600)/60, total%60
	switch {
	case hours > 0:
		return fmt.Sprintf("%dh%dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
