package mcpserver

import (
	"strings"

	"github.com/starford/flowboard/internal/models"
	"github.com/starford/flowboard/internal/statustag"
)

const statusGuideURI = "flowboard://status-tags"

// StatusGuide describes how tasks are classified so LLM consumers set
// statuses through the tools instead of editing tags by hand.
func StatusGuide() string {
	var b strings.Builder
	b.WriteString("# Flowboard Status Tags\n\n")
	b.WriteString("A task's status is a single hashtag inside its text, e.g. `Fix login #WIP`.\n")
	b.WriteString("The board hides the tag and files the task under the matching column.\n\n")
	b.WriteString("## Statuses\n\n")
	for _, s := range statustag.All() {
		b.WriteString("- `" + s.Token() + "`\n")
	}
	b.WriteString("\nTasks without a tag are shown under " + statustag.Unclassified + ".\n\n")
	b.WriteString("## Rules\n\n")
	b.WriteString("1. Change a status with the `set_status` tool; an empty status removes the tag.\n")
	b.WriteString("2. Tags match case-insensitively and only the first one counts.\n")
	b.WriteString("3. Completion is separate from status: use `complete_task` and `uncomplete_task`.\n")
	b.WriteString("4. Node ids starting with `" + models.ProvisionalPrefix + "` are not confirmed yet; refresh before using them.\n")
	return b.String()
}
