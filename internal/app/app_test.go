package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"

	"storyline/internal/domain"
	"storyline/internal/engine"
)

func TestOpenWiresEngineAndWebhooks(t *testing.T) {
	var mu sync.Mutex
	var received []string
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt struct {
			Type string `json:"type"`
		}
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		received = append(received, evt.Type)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	dir := t.TempDir()
	cfg := "notify:\n  webhooks:\n    - url: " + hook.URL + "\n      events: [project.completed]\n"
	if err := os.WriteFile(filepath.Join(dir, "storyline.yml"), []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	var logs bytes.Buffer
	a, err := Open(context.Background(), Options{Workspace: dir, LogOutput: &logs})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	e := a.Engine
	if _, err := e.CreateProject(ctx, engine.ProjectCreateOptions{ID: "p", Name: "p", WorkflowType: domain.WorkflowDevelopmentOnly}); err != nil {
		t.Fatal(err)
	}
	s, err := e.CreateStory(ctx, engine.StoryCreateOptions{ID: "s", ProjectID: "p", Title: "s", AcceptanceCriteria: []string{"works"}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.DB.ExecContext(ctx, `UPDATE stories SET state='completed' WHERE id=?`, s.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := e.AdvanceProject(ctx, "p", domain.ProjectDevelopmentReady); err != nil {
		t.Fatalf("complete project: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0] != "project.completed" {
		t.Fatalf("unexpected webhook deliveries %v", received)
	}
	if !strings.Contains(logs.String(), `"type":"project.completed"`) {
		t.Fatalf("log sink should record the notification, got %s", logs.String())
	}
}

func TestOpenAppliesEnvironment(t *testing.T) {
	t.Setenv("STORYLINE_CAPACITY_HORIZON_DAYS", "5")
	a, err := Open(context.Background(), Options{Workspace: t.TempDir(), Env: viper.New(), LogOutput: &bytes.Buffer{}})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	if a.Config.Capacity.HorizonDays != 5 || a.Engine.Scheduler.Options.HorizonDays != 5 {
		t.Fatalf("environment not applied: %+v", a.Config.Capacity)
	}
	m := a.Monitor(nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Tick(ctx); err != nil {
		t.Fatalf("monitor tick: %v", err)
	}
}
