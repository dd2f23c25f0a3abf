package tasks

import (
	"fmt"
	"strings"
)

const dueDateLayout = "Jan 2, 2006"

// Instructions builds the session-level system prompt for the assistant,
// embedding the user's current task state.
func Instructions(snap Snapshot) string {
	var b strings.Builder
	b.WriteString(`You are Kai, an AI assistant for a todo/task management application. Your ONLY purpose is to help users manage their tasks and be productive.

SYSTEM CONTEXT:
- This is a task management app where users create, complete, and organize tasks
- Users can categorize tasks and set due dates
- Your role is to help with task-related queries ONLY

`)
	b.WriteString(userData(snap))
	b.WriteString(`

INSTRUCTIONS:
1. ONLY discuss topics related to task management, productivity, and the user's tasks
2. If asked about unrelated topics, politely redirect to task management
3. Be concise and helpful
4. You can suggest task prioritization, remind about due dates, celebrate completions
5. You CANNOT create, edit, or delete tasks - only discuss them
6. Keep responses short and focused

Remember: You are Kai, a task management assistant. Stay on topic.`)
	return b.String()
}

// TurnContext builds the preamble sent with a user's text message, so every
// turn sees the task list as it stands right now.
func TurnContext(snap Snapshot, userText string) string {
	pending := make([]string, 0, len(snap.PendingTasks))
	for _, t := range snap.PendingTasks {
		entry := fmt.Sprintf("%q", t.Title)
		if t.DueDate != nil {
			entry += " (due " + t.DueDate.Format(dueDateLayout) + ")"
		}
		pending = append(pending, entry)
	}

	return fmt.Sprintf("[Current Status: %d pending tasks, %d completed tasks]\n[Pending: %s]\n\nUser: %s",
		len(snap.PendingTasks), len(snap.CompletedTasks), joinOrNone(pending), userText)
}

// AudioTurnContext builds the context item committed alongside an audio
// turn. The spoken utterance is transcribed upstream, so only task state is
// included here.
func AudioTurnContext(snap Snapshot) string {
	return userData(snap)
}

func userData(snap Snapshot) string {
	pending := make([]string, 0, len(snap.PendingTasks))
	for _, t := range snap.PendingTasks {
		category := t.Category
		if category == "" {
			category = "uncategorized"
		}
		entry := fmt.Sprintf("%q (%s", t.Title, category)
		if t.DueDate != nil {
			entry += ", due " + t.DueDate.Format(dueDateLayout)
		}
		entry += ")"
		pending = append(pending, entry)
	}

	completed := make([]string, 0, len(snap.CompletedTasks))
	for _, t := range snap.CompletedTasks {
		completed = append(completed, fmt.Sprintf("%q", t.Title))
	}

	categories := make([]string, 0, len(snap.Categories))
	for _, c := range snap.Categories {
		categories = append(categories, c.Name)
	}
	categoryList := strings.Join(categories, ", ")
	if categoryList == "" {
		categoryList = "None created yet"
	}

	return fmt.Sprintf("CURRENT USER DATA:\n- Pending tasks (%d): %s\n- Completed tasks (%d): %s\n- Categories: %s",
		len(snap.PendingTasks), joinOrNone(pending),
		len(snap.CompletedTasks), joinOrNone(completed),
		categoryList)
}

func joinOrNone(entries []string) string {
	if len(entries) == 0 {
		return "None"
	}
	return strings.Join(entries, ", ")
}
