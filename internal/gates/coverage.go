package gates

import (
	"fmt"
	"strings"

	"storyline/internal/domain"
)

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// coverage grades how well items cover criteria: any uncovered criterion
// fails, covered-but-never-automated concedes, otherwise pass.
func coverage(kind string, criteria []string, items []domain.Coverage) outcome {
	if len(criteria) == 0 {
		return outcome{verdict: domain.VerdictFail, findings: []string{"story has no acceptance criteria"}}
	}
	byCriterion := map[string][]domain.Coverage{}
	for _, it := range items {
		key := normalize(it.Criterion)
		byCriterion[key] = append(byCriterion[key], it)
	}
	var missing, manual []string
	covered := 0
	for _, c := range criteria {
		mapped := byCriterion[normalize(c)]
		if len(mapped) == 0 {
			missing = append(missing, c)
			continue
		}
		covered++
		automated := false
		for _, m := range mapped {
			if m.Automated {
				automated = true
				break
			}
		}
		if !automated {
			manual = append(manual, c)
		}
	}
	score := 10 * float64(covered) / float64(len(criteria))
	var findings []string
	for _, c := range missing {
		findings = append(findings, fmt.Sprintf("no %s for criterion: %s", kind, c))
	}
	for _, c := range manual {
		findings = append(findings, fmt.Sprintf("no automated %s for criterion: %s", kind, c))
	}
	switch {
	case len(missing) > 0:
		return outcome{verdict: domain.VerdictFail, score: score, findings: findings}
	case len(manual) > 0:
		return outcome{verdict: domain.VerdictConcessions, score: score, findings: findings}
	}
	return outcome{
		verdict:  domain.VerdictPass,
		score:    score,
		findings: []string{fmt.Sprintf("all %d criteria covered", len(criteria))},
	}
}

func (e Evaluator) nfr(checks []domain.NFRCheck) outcome {
	if len(checks) == 0 {
		return outcome{verdict: domain.VerdictConcessions, findings: []string{"no NFR checks supplied"}}
	}
	var findings []string
	seen := map[string]bool{}
	passed, mandatoryFailed, optionalFailed := 0, 0, 0
	for _, c := range checks {
		seen[normalize(c.Category)] = true
		if c.Passed {
			passed++
			continue
		}
		label := fmt.Sprintf("%s/%s failed", c.Category, c.Name)
		if c.Detail != "" {
			label += ": " + c.Detail
		}
		if c.Mandatory {
			mandatoryFailed++
			findings = append(findings, "mandatory "+label)
		} else {
			optionalFailed++
			findings = append(findings, label)
		}
	}
	var unchecked []string
	for _, cat := range e.Options.NFRCategories {
		if !seen[normalize(cat)] {
			unchecked = append(unchecked, cat)
		}
	}
	if len(unchecked) > 0 {
		findings = append(findings, "categories without checks: "+strings.Join(unchecked, ", "))
	}
	score := 10 * float64(passed) / float64(len(checks))
	switch {
	case mandatoryFailed > 0:
		return outcome{verdict: domain.VerdictFail, score: score, findings: findings}
	case optionalFailed > 0 || len(unchecked) > 0:
		return outcome{verdict: domain.VerdictConcessions, score: score, findings: findings}
	}
	return outcome{verdict: domain.VerdictPass, score: score, findings: []string{fmt.Sprintf("all %d checks passed", len(checks))}}
}
