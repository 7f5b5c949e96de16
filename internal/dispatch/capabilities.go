package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"storyline/internal/config"
)

// ManualCapability hands work to a human. It records the request and returns
// the input back without producing data a gate could consume.
type ManualCapability struct {
	AgentID string
}

func (m ManualCapability) Invoke(ctx context.Context, action string, input map[string]any) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return Result{Data: map[string]any{
		"handoff": "manual",
		"agent":   m.AgentID,
		"action":  action,
		"context": input,
	}}, nil
}

// HTTPCapability POSTs {"action", "context"} as JSON to URL and expects a
// JSON reply of the form {"data": {...}} or {"error": "..."}.
type HTTPCapability struct {
	URL    string
	Client *http.Client
}

type httpRequest struct {
	Action  string         `json:"action"`
	Context map[string]any `json:"context"`
}

type httpReply struct {
	Data  map[string]any `json:"data"`
	Error string         `json:"error"`
}

func (h HTTPCapability) Invoke(ctx context.Context, action string, input map[string]any) (Result, error) {
	body, err := json.Marshal(httpRequest{Action: action, Context: input})
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Result{}, err
	}
	if resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("agent endpoint returned %d", resp.StatusCode)
	}
	var reply httpReply
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &reply); err != nil {
			return Result{}, fmt.Errorf("decode agent reply: %w", err)
		}
	}
	if reply.Error != "" {
		return Result{}, fmt.Errorf("agent reported: %s", reply.Error)
	}
	return Result{Data: reply.Data}, nil
}

// RegistryFromConfig builds capabilities for agents.registry.
func RegistryFromConfig(cfg *config.Config, client *http.Client) (*Registry, error) {
	reg := NewRegistry()
	if cfg == nil {
		return reg, nil
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Minute}
	}
	for id, a := range cfg.Agents.Registry {
		switch a.Kind {
		case config.AgentKindManual:
			reg.Register(id, ManualCapability{AgentID: id})
		case config.AgentKindHTTP:
			reg.Register(id, HTTPCapability{URL: a.URL, Client: client})
		default:
			return nil, fmt.Errorf("agent %s: unknown kind %q", id, a.Kind)
		}
	}
	return reg, nil
}
