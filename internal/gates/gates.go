// Package gates evaluates a story against one quality gate. Evaluation is
// pure: it reads the Input and returns exactly one GateResult without side
// effects. Only the engine interprets verdicts.
package gates

import (
	"fmt"
	"time"

	"storyline/internal/config"
	"storyline/internal/domain"
)

type Options struct {
	// Agent is recorded as produced_by when Input.ProducedBy is empty.
	Agent             string
	RiskThresholdLow  float64
	RiskThresholdHigh float64
	ReviewScoreCutoff float64
	ReviewPassScore   float64
	NFRCategories     []string
	// DailyCeiling flags tasks too large for one working day.
	DailyCeiling float64
}

func DefaultOptions() Options {
	return Options{
		Agent:             "qa",
		RiskThresholdLow:  3.0,
		RiskThresholdHigh: 6.0,
		ReviewScoreCutoff: 6.0,
		ReviewPassScore:   8.0,
		NFRCategories:     []string{"performance", "security", "scalability"},
		DailyCeiling:      8.0,
	}
}

func OptionsFromConfig(cfg *config.Config) Options {
	if cfg == nil {
		return DefaultOptions()
	}
	return Options{
		Agent:             cfg.Gates.Agent,
		RiskThresholdLow:  cfg.Gates.RiskThresholdLow,
		RiskThresholdHigh: cfg.Gates.RiskThresholdHigh,
		ReviewScoreCutoff: cfg.Gates.ReviewScoreCutoff,
		ReviewPassScore:   cfg.Gates.ReviewPassScore,
		NFRCategories:     cfg.Gates.NFRCategories,
		DailyCeiling:      cfg.Capacity.DailyHourCeiling,
	}
}

// Input is everything a gate may look at. Scenarios and NFRChecks, when
// non-nil, are fresh collaborator results that take precedence over the
// story's stored evidence.
type Input struct {
	Story      domain.Story
	Tasks      []domain.Task
	Scenarios  []domain.Coverage
	NFRChecks  []domain.NFRCheck
	ProducedBy string
	Now        time.Time
}

func (in Input) scenarios() []domain.Coverage {
	if in.Scenarios != nil {
		return in.Scenarios
	}
	return in.Story.Evidence.Scenarios
}

func (in Input) nfrChecks() []domain.NFRCheck {
	if in.NFRChecks != nil {
		return in.NFRChecks
	}
	return in.Story.Evidence.NFRChecks
}

type Evaluator struct {
	Options Options
}

func New(opts Options) Evaluator {
	return Evaluator{Options: opts}
}

type outcome struct {
	verdict  domain.Verdict
	score    float64
	grade    string
	findings []string
}

// Evaluate runs gate gt over in. The only error is an unknown gate type.
func (e Evaluator) Evaluate(gt domain.GateType, in Input) (domain.GateResult, error) {
	var out outcome
	switch gt {
	case domain.GateRisk:
		out = e.risk(in)
	case domain.GateDesign:
		out = coverage("scenario", in.Story.AcceptanceCriteria, in.scenarios())
	case domain.GateTrace:
		out = coverage("artifact", in.Story.AcceptanceCriteria, in.Story.Evidence.Artifacts)
	case domain.GateNFR:
		out = e.nfr(in.nfrChecks())
	case domain.GateReview:
		out = e.review(in.Story)
	case domain.GateFinal:
		out = finalGate(in.Story)
	default:
		return domain.GateResult{}, domain.Invalid("unknown gate type %q", gt)
	}
	by := in.ProducedBy
	if by == "" {
		by = e.Options.Agent
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	if out.findings == nil {
		out.findings = []string{}
	}
	return domain.GateResult{
		StoryID:    in.Story.ID,
		GateType:   gt,
		Verdict:    out.verdict,
		Score:      round(out.score),
		Grade:      out.grade,
		Findings:   out.findings,
		ProducedAt: domain.FormatTime(now),
		ProducedBy: by,
	}, nil
}

func finalGate(s domain.Story) outcome {
	review, ok := s.LatestGate(domain.GateReview)
	if !ok {
		return outcome{verdict: domain.VerdictFail, findings: []string{"no review result recorded"}}
	}
	if !review.Verdict.Accepting() {
		return outcome{
			verdict:  domain.VerdictFail,
			score:    review.Score,
			grade:    review.Grade,
			findings: []string{fmt.Sprintf("latest review is %s", review.Verdict)},
		}
	}
	return outcome{
		verdict:  review.Verdict,
		score:    review.Score,
		grade:    review.Grade,
		findings: []string{fmt.Sprintf("mirrors review #%d (%s, grade %s)", review.Seq, review.Verdict, review.Grade)},
	}
}

func round(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
