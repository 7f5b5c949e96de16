package gates

import (
	"fmt"

	"storyline/internal/domain"
)

var verdictScores = map[domain.Verdict]float64{
	domain.VerdictPass:        10,
	domain.VerdictConcessions: 7,
	domain.VerdictFail:        3,
}

var gradeTable = []struct {
	min   float64
	grade string
}{
	{9.0, "A+"},
	{8.5, "A"},
	{8.0, "A-"},
	{7.5, "B+"},
	{7.0, "B"},
	{6.0, "B-"},
	{5.0, "C"},
}

// Grade maps a 0-10 composite score to a letter grade.
func Grade(score float64) string {
	for _, g := range gradeTable {
		if score >= g.min {
			return g.grade
		}
	}
	return "F"
}

func (e Evaluator) review(s domain.Story) outcome {
	var findings []string
	total := 0.0
	for _, gt := range []domain.GateType{domain.GateDesign, domain.GateTrace, domain.GateNFR} {
		r, ok := s.LatestGate(gt)
		if !ok {
			findings = append(findings, fmt.Sprintf("%s: missing (0)", gt))
			continue
		}
		score := verdictScores[r.Verdict]
		total += score
		findings = append(findings, fmt.Sprintf("%s: %s (%.0f)", gt, r.Verdict, score))
	}
	docs := 5.0
	if len(s.Evidence.Documentation) > 0 {
		docs = 10
	}
	total += docs
	findings = append(findings, fmt.Sprintf("documentation: %d references (%.0f)", len(s.Evidence.Documentation), docs))

	composite := total / 4
	verdict := domain.VerdictPass
	switch {
	case composite < e.Options.ReviewScoreCutoff:
		verdict = domain.VerdictFail
	case composite < e.Options.ReviewPassScore:
		verdict = domain.VerdictConcessions
	}
	return outcome{verdict: verdict, score: composite, grade: Grade(composite), findings: findings}
}
