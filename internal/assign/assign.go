// Package assign ranks candidate developers for a task by skill overlap,
// experience and historical success, subject to a workload cap.
package assign

import (
	"math"
	"sort"
	"strings"

	"taskdesk/internal/domain"
)

const (
	DefaultWorkloadCap   = 3
	DefaultMinSkillMatch = 50.0

	// neutralSkillMatch is used when the task names no required skills.
	neutralSkillMatch = 50.0
	experienceWeight  = 10
	experienceCap     = 50
	successWeight     = 0.5
)

type Policy struct {
	WorkloadCap   int
	MinSkillMatch float64
}

func DefaultPolicy() Policy {
	return Policy{WorkloadCap: DefaultWorkloadCap, MinSkillMatch: DefaultMinSkillMatch}
}

type Recommendation struct {
	PersonID        string  `json:"person_id"`
	Name            string  `json:"name"`
	SkillMatchPct   float64 `json:"skill_match_pct"`
	ExperienceScore float64 `json:"experience_score"`
	SuccessScore    float64 `json:"success_score"`
	Score           float64 `json:"score"`
	ActiveTasks     int     `json:"active_tasks"`
}

// Recommend returns the best eligible developer among candidates. Candidates
// are scanned in order and a later candidate only wins with a strictly
// higher score. The boolean is false when no candidate qualifies.
func Recommend(required []string, candidates []domain.Person, active func(domain.Person) int, policy Policy) (Recommendation, bool) {
	req := dedupe(required)
	var (
		best  Recommendation
		found bool
	)
	for _, c := range candidates {
		if c.Role != domain.RoleDeveloper {
			continue
		}
		load := 0
		if active != nil {
			load = active(c)
		}
		if load >= policy.WorkloadCap {
			continue
		}
		pct := SkillMatch(req, c.Skills)
		if pct < policy.MinSkillMatch {
			continue
		}
		rec := Recommendation{
			PersonID:        c.ID,
			Name:            c.Name,
			SkillMatchPct:   pct,
			ExperienceScore: experienceScore(c.Experience),
			SuccessScore:    c.SuccessRate * successWeight,
			ActiveTasks:     load,
		}
		rec.Score = rec.SkillMatchPct + rec.ExperienceScore + rec.SuccessScore
		if !found || rec.Score > best.Score {
			best = rec
			found = true
		}
	}
	return best, found
}

// SkillMatch is the percentage of required skills the candidate holds.
func SkillMatch(required, skills []string) float64 {
	req := dedupe(required)
	if len(req) == 0 {
		return neutralSkillMatch
	}
	have := make(map[string]struct{}, len(skills))
	for _, s := range skills {
		have[s] = struct{}{}
	}
	matched := 0
	for _, s := range req {
		if _, ok := have[s]; ok {
			matched++
		}
	}
	return 100 * float64(matched) / float64(len(req))
}

func experienceScore(years int) float64 {
	if years < 0 {
		years = 0
	}
	return math.Min(float64(years*experienceWeight), experienceCap)
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// NormalizeProjectType lower-cases and joins words with underscores.
func NormalizeProjectType(projectType string) string {
	return strings.Join(strings.Fields(strings.ToLower(projectType)), "_")
}

// SkillsForProjectType looks a project type up in catalog, falling back to
// the first catalog entry (in key order) that contains or is contained by
// the normalized type. Unknown types yield nil.
func SkillsForProjectType(catalog map[string][]string, projectType string) []string {
	key := NormalizeProjectType(projectType)
	if key == "" {
		return nil
	}
	if skills, ok := catalog[key]; ok {
		return append([]string(nil), skills...)
	}
	keys := make([]string, 0, len(catalog))
	for k := range catalog {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.Contains(k, key) || strings.Contains(key, k) {
			return append([]string(nil), catalog[k]...)
		}
	}
	return nil
}
