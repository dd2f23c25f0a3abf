package tasks

import (
	"strings"
	"testing"
	"time"
)

func sampleSnapshot() Snapshot {
	due := time.Date(2026, time.March, 14, 0, 0, 0, 0, time.UTC)
	return Snapshot{
		PendingTasks: []Task{
			{ID: "t1", Title: "Buy milk", Category: "Errands", DueDate: &due},
			{ID: "t2", Title: "Write report"},
		},
		CompletedTasks: []Task{
			{ID: "t3", Title: "Book dentist", Completed: true},
		},
		Categories: []Category{
			{ID: "c1", Name: "Errands"},
			{ID: "c2", Name: "Work"},
		},
	}
}

func TestInstructions_EmbedsPersonaAndData(t *testing.T) {
	t.Parallel()

	got := Instructions(sampleSnapshot())
	for _, want := range []string{
		"You are Kai",
		"CURRENT USER DATA:",
		`"Buy milk" (Errands, due Mar 14, 2026)`,
		`"Write report" (uncategorized)`,
		`Completed tasks (1): "Book dentist"`,
		"Categories: Errands, Work",
		"Stay on topic",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("instructions missing %q:\n%s", want, got)
		}
	}
}

func TestInstructions_EmptySnapshot(t *testing.T) {
	t.Parallel()

	got := Instructions(Snapshot{})
	if !strings.Contains(got, "Pending tasks (0): None") {
		t.Fatalf("missing empty pending marker:\n%s", got)
	}
	if !strings.Contains(got, "Categories: None created yet") {
		t.Fatalf("missing empty category marker:\n%s", got)
	}
}

func TestTurnContext_StatusLineAndUserText(t *testing.T) {
	t.Parallel()

	got := TurnContext(sampleSnapshot(), "what is due this week?")
	if !strings.HasPrefix(got, "[Current Status: 2 pending tasks, 1 completed tasks]") {
		t.Fatalf("bad status line:\n%s", got)
	}
	if !strings.Contains(got, `"Buy milk" (due Mar 14, 2026)`) {
		t.Fatalf("pending list missing due date:\n%s", got)
	}
	if !strings.HasSuffix(got, "User: what is due this week?") {
		t.Fatalf("user text not last:\n%s", got)
	}
}

func TestTurnContext_NoPendingTasks(t *testing.T) {
	t.Parallel()

	got := TurnContext(Snapshot{}, "hello")
	if !strings.Contains(got, "[Pending: None]") {
		t.Fatalf("missing empty pending marker:\n%s", got)
	}
}

func TestAudioTurnContext_MatchesUserData(t *testing.T) {
	t.Parallel()

	snap := sampleSnapshot()
	got := AudioTurnContext(snap)
	if !strings.HasPrefix(got, "CURRENT USER DATA:") {
		t.Fatalf("bad prefix:\n%s", got)
	}
	if strings.Contains(got, "User:") {
		t.Fatalf("audio context must not carry user text:\n%s", got)
	}
}
