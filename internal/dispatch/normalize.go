package dispatch

import (
	"fmt"
	"math"

	"github.com/go-viper/mapstructure/v2"

	"storyline/internal/domain"
)

// TaskSpec is a task a collaborator asks the engine to create.
type TaskSpec struct {
	ID            string   `mapstructure:"id"`
	Name          string   `mapstructure:"name"`
	Hours         float64  `mapstructure:"hours"`
	AgentID       string   `mapstructure:"agent_id"`
	ScheduledDate string   `mapstructure:"scheduled_date"`
	DependsOn     []string `mapstructure:"depends_on"`
	// FollowUps are created when the task completes.
	FollowUps []domain.FollowUp `mapstructure:"follow_ups"`
}

// DevelopmentResult is the normalized outcome of implement_story.
type DevelopmentResult struct {
	Tasks         []TaskSpec        `mapstructure:"tasks"`
	Artifacts     []domain.Coverage `mapstructure:"artifacts"`
	Documentation []string          `mapstructure:"documentation"`
}

func decode(data map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	return dec.Decode(data)
}

// positiveHours rejects NaN and the infinities that weakly typed decoding
// produces from "NaN" and "+Inf" strings.
func positiveHours(h float64) bool {
	return h > 0 && !math.IsNaN(h) && !math.IsInf(h, 0)
}

func DecodeDevelopment(data map[string]any) (DevelopmentResult, error) {
	var res DevelopmentResult
	if err := decode(data, &res); err != nil {
		return DevelopmentResult{}, fmt.Errorf("development result: %w", err)
	}
	for i, t := range res.Tasks {
		if t.Name == "" {
			return DevelopmentResult{}, fmt.Errorf("development result: task %d has no name", i)
		}
		if !positiveHours(t.Hours) {
			return DevelopmentResult{}, fmt.Errorf("development result: task %q has %v hours: %w", t.Name, t.Hours, domain.ErrInvalidAllocation)
		}
		for _, f := range t.FollowUps {
			if f.Hours != 0 && !positiveHours(f.Hours) {
				return DevelopmentResult{}, fmt.Errorf("development result: follow-up of %q has %v hours: %w", t.Name, f.Hours, domain.ErrInvalidAllocation)
			}
		}
	}
	return res, nil
}

// DecodeScenarios reads the "scenarios" list of a design_tests outcome. A
// missing list yields nil so stored evidence still applies.
func DecodeScenarios(data map[string]any) ([]domain.Coverage, error) {
	var res struct {
		Scenarios []domain.Coverage `mapstructure:"scenarios"`
	}
	if err := decode(data, &res); err != nil {
		return nil, fmt.Errorf("test scenarios: %w", err)
	}
	return res.Scenarios, nil
}

// DecodeNFRChecks reads the "checks" list of a run_nfr_checks outcome.
func DecodeNFRChecks(data map[string]any) ([]domain.NFRCheck, error) {
	var res struct {
		Checks []domain.NFRCheck `mapstructure:"checks"`
	}
	if err := decode(data, &res); err != nil {
		return nil, fmt.Errorf("nfr checks: %w", err)
	}
	return res.Checks, nil
}
