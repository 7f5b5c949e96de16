package gates

import (
	"fmt"
	"strings"

	"storyline/internal/domain"
)

var (
	complexityKeywords = []string{"complex", "integration", "algorithm", "performance", "security", "architecture"}
	dependencyKeywords = []string{"api", "service", "external", "third-party", "integration"}
)

const (
	complexityWeight = 0.4
	dependencyWeight = 0.3
	estimateWeight   = 0.3
)

func keywordHits(text string, keywords []string) []string {
	text = strings.ToLower(text)
	var hits []string
	for _, k := range keywords {
		if strings.Contains(text, k) {
			hits = append(hits, k)
		}
	}
	return hits
}

func clamp10(v int) int {
	if v > 10 {
		return 10
	}
	return v
}

func (e Evaluator) risk(in Input) outcome {
	s := in.Story
	text := s.Title + " " + s.Description
	var findings []string

	complexity := 1
	if hits := keywordHits(text, complexityKeywords); len(hits) > 0 {
		complexity += len(hits)
		findings = append(findings, "complexity keywords: "+strings.Join(hits, ", "))
	}
	if len(s.AcceptanceCriteria) > 5 {
		complexity++
		findings = append(findings, fmt.Sprintf("%d acceptance criteria", len(s.AcceptanceCriteria)))
	}
	if len(in.Tasks) > 8 {
		complexity++
		findings = append(findings, fmt.Sprintf("%d tasks", len(in.Tasks)))
	}
	complexity = clamp10(complexity)

	dependency := 1
	if hits := keywordHits(text, dependencyKeywords); len(hits) > 0 {
		dependency += len(hits)
		findings = append(findings, "dependency keywords: "+strings.Join(hits, ", "))
	}
	upstream := 0
	for _, t := range in.Tasks {
		if len(t.DependsOn) > 0 {
			upstream++
		}
	}
	if upstream > 0 {
		dependency++
		if upstream >= 3 {
			dependency++
		}
		findings = append(findings, fmt.Sprintf("%d tasks with upstream dependencies", upstream))
	}
	dependency = clamp10(dependency)

	estimate := 1
	switch {
	case len(in.Tasks) > 10:
		estimate += 2
	case len(in.Tasks) > 5:
		estimate++
	}
	if len(s.AcceptanceCriteria) < 3 {
		estimate += 2
		findings = append(findings, "fewer than 3 acceptance criteria")
	}
	oversized, minH, maxH := 0, 0.0, 0.0
	for i, t := range in.Tasks {
		if e.Options.DailyCeiling > 0 && t.AllocatedHours > e.Options.DailyCeiling {
			oversized++
		}
		if i == 0 || t.AllocatedHours < minH {
			minH = t.AllocatedHours
		}
		if t.AllocatedHours > maxH {
			maxH = t.AllocatedHours
		}
	}
	if oversized > 0 {
		estimate++
		findings = append(findings, fmt.Sprintf("%d tasks exceed a day's ceiling", oversized))
	}
	if minH > 0 && maxH/minH > 4 {
		estimate++
		findings = append(findings, fmt.Sprintf("estimates spread from %.1fh to %.1fh", minH, maxH))
	}
	estimate = clamp10(estimate)

	score := complexityWeight*float64(complexity) + dependencyWeight*float64(dependency) + estimateWeight*float64(estimate)
	findings = append([]string{fmt.Sprintf("complexity %d, dependency %d, estimate %d", complexity, dependency, estimate)}, findings...)

	verdict := domain.VerdictConcessions
	switch {
	case score < e.Options.RiskThresholdLow:
		verdict = domain.VerdictPass
	case score > e.Options.RiskThresholdHigh:
		verdict = domain.VerdictFail
	}
	return outcome{verdict: verdict, score: score, findings: findings}
}
