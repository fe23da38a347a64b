// Package scoring computes risk scores and priority tiers for threat records
// and hands high-priority records to the alert dispatcher.
package scoring

import (
	"strings"

	"github.com/lvonguyen/threatpulse/internal/classifier"
	"github.com/lvonguyen/threatpulse/internal/threat"
)

// Rule weights.
const (
	SeverityMultiplier = 2.0
	ExploitMultiplier  = 100.0
	ExploitedBonus     = 50.0
)

// Keyword weights applied to the lowercased title and description. Each
// keyword counts once.
var Keywords = []struct {
	Term   string
	Weight float64
}{
	{"ransomware", 50},
	{"exploit", 40},
	{"malware", 40},
	{"phishing", 30},
	{"critical", 30},
	{"high", 20},
}

// Tier thresholds, inclusive at the lower bound.
const (
	CriticalThreshold = 120.0
	HighThreshold     = 90.0
	MediumThreshold   = 60.0
)

// SeedScore maps a classifier label to its seed score.
func SeedScore(l classifier.Label) float64 {
	switch l {
	case classifier.LabelHigh:
		return 90
	case classifier.LabelMedium:
		return 70
	default:
		return 40
	}
}

// RuleScore is the deterministic fallback score of r.
func RuleScore(r *threat.Record) float64 {
	text := strings.ToLower(r.Text())
	var score float64
	for _, k := range Keywords {
		if strings.Contains(text, k.Term) {
			score += k.Weight
		}
	}
	score += r.SeverityScore * SeverityMultiplier
	score += r.ExploitProbability * ExploitMultiplier
	if r.Exploited {
		score += ExploitedBonus
	}
	return score
}

// RoleModifier is the additive adjustment for role.
func RoleModifier(r *threat.Record, role threat.Role) float64 {
	text := strings.ToLower(r.Text())
	var mod float64
	switch role {
	case threat.RoleSecurity:
		if r.Exploited {
			mod += 30
		}
		if r.SeverityScore >= 9 {
			mod += 20
		}
	case threat.RoleFinancial:
		if strings.Contains(text, "ransomware") || strings.Contains(text, "phishing") {
			mod += 40
		}
	case threat.RoleOperational:
		if r.SeverityScore >= 7 {
			mod += 25
		}
		if strings.Contains(text, "supply chain") {
			mod += 30
		}
	}
	return mod
}

// Compute returns the final score of r for role. A seed of 0 means no usable
// classifier output, in which case the rule score is used.
func Compute(r *threat.Record, role threat.Role, seed float64) float64 {
	base := seed
	if base == 0 {
		base = RuleScore(r)
	}
	return base + RoleModifier(r, role)
}

// Classify maps a score to its priority tier.
func Classify(score float64) threat.Priority {
	switch {
	case score >= CriticalThreshold:
		return threat.PriorityCritical
	case score >= HighThreshold:
		return threat.PriorityHigh
	case score >= MediumThreshold:
		return threat.PriorityMedium
	default:
		return threat.PriorityLow
	}
}
