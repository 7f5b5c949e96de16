package main

import (
	"testing"

	"github.com/spf13/cobra"
)

func TestHoursFormatting(t *testing.T) {
	cases := map[float64]string{0: "0", 4: "4", 2.5: "2.5", 1.25: "1.25", 7.999: "8"}
	for in, want := range cases {
		if got := hours(in); got != want {
			t.Fatalf("hours(%v) = %q, want %q", in, got, want)
		}
	}
}

func TestFormatCountsIsSorted(t *testing.T) {
	got := formatCounts(map[string]int{"pending": 2, "completed": 1, "blocked": 0})
	if got != "blocked=0, completed=1, pending=2" {
		t.Fatalf("got %q", got)
	}
	if formatCounts(nil) != "" {
		t.Fatal("empty map should format as empty string")
	}
}

func TestCommandTree(t *testing.T) {
	root := &cobra.Command{Use: "sl"}
	for _, c := range []*cobra.Command{initCmd(), taskCmd(), projectCmd(), storyCmd(), gateCmd(), capacityCmd(), statusCmd(), exportCmd(), eventsCmd(), serveCmd(), mcpCmd(), tokenCmd()} {
		root.AddCommand(c)
	}
	for _, path := range [][]string{
		{"task", "progress"},
		{"task", "correct"},
		{"project", "advance"},
		{"project", "rollback"},
		{"story", "advance"},
		{"story", "attach"},
		{"gate", "run"},
		{"capacity", "pick"},
		{"capacity", "workload"},
	} {
		cmd, rest, err := root.Find(path)
		if err != nil || len(rest) != 0 || cmd.Name() != path[len(path)-1] {
			t.Fatalf("command %v not found: %v", path, err)
		}
	}
}

func TestParseFollowUp(t *testing.T) {
	f, err := parseFollowUp("Write docs:1.5:qa")
	if err != nil || f.Name != "Write docs" || f.Hours != 1.5 || f.AgentID != "qa" {
		t.Fatalf("unexpected %+v %v", f, err)
	}
	f, err = parseFollowUp("Review")
	if err != nil || f.Name != "Review" || f.Hours != 0 || f.AgentID != "" {
		t.Fatalf("defaults should stay empty: %+v %v", f, err)
	}
	if _, err := parseFollowUp("Review:lots"); err == nil {
		t.Fatal("expected an hours parse error")
	}
}
