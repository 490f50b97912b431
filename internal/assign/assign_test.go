package assign

import (
	"testing"

	"pgregory.net/rapid"

	"taskdesk/internal/domain"
)

func dev(id string, exp int, rate float64, skills ...string) domain.Person {
	return domain.Person{ID: id, Name: id, Role: domain.RoleDeveloper, Skills: skills, Experience: exp, SuccessRate: rate}
}

func noLoad(domain.Person) int { return 0 }

func TestRecommendPrefersHigherScore(t *testing.T) {
	d1 := dev("D1", 4, 92, "Python", "SQL")
	d2 := dev("D2", 1, 60, "Python", "React")
	rec, ok := Recommend([]string{"Python", "React"}, []domain.Person{d1, d2}, noLoad, DefaultPolicy())
	if !ok {
		t.Fatalf("expected a recommendation")
	}
	if rec.PersonID != "D2" {
		t.Fatalf("expected D2, got %s (score %.1f)", rec.PersonID, rec.Score)
	}
	if rec.Score != 140 || rec.SkillMatchPct != 100 {
		t.Fatalf("unexpected score breakdown: %+v", rec)
	}

	only, ok := Recommend([]string{"Python", "React"}, []domain.Person{d1}, noLoad, DefaultPolicy())
	if !ok || only.Score != 136 || only.SkillMatchPct != 50 {
		t.Fatalf("expected D1 at 136, got %+v ok=%v", only, ok)
	}
}

func TestRecommendExcludesAtWorkloadCap(t *testing.T) {
	busy := dev("D1", 5, 100, "Go")
	idle := dev("D2", 0, 0, "Go")
	load := func(p domain.Person) int {
		if p.ID == "D1" {
			return 3
		}
		return 0
	}
	rec, ok := Recommend([]string{"Go"}, []domain.Person{busy, idle}, load, DefaultPolicy())
	if !ok || rec.PersonID != "D2" {
		t.Fatalf("expected D2, got %+v ok=%v", rec, ok)
	}
	if _, ok := Recommend([]string{"Go"}, []domain.Person{busy}, load, DefaultPolicy()); ok {
		t.Fatalf("capped developer must not be recommended")
	}
}

func TestRecommendSkillFloor(t *testing.T) {
	d := dev("D1", 5, 100, "Go")
	if _, ok := Recommend([]string{"Go", "Rust", "C"}, []domain.Person{d}, noLoad, DefaultPolicy()); ok {
		t.Fatalf("33%% match must be below the floor")
	}
	if _, ok := Recommend([]string{"Go", "Rust"}, []domain.Person{d}, noLoad, DefaultPolicy()); !ok {
		t.Fatalf("exactly 50%% match must qualify")
	}
}

func TestRecommendEmptySkillsIsNeutral(t *testing.T) {
	d := dev("D1", 2, 40)
	rec, ok := Recommend(nil, []domain.Person{d}, noLoad, DefaultPolicy())
	if !ok {
		t.Fatalf("expected recommendation")
	}
	if rec.SkillMatchPct != 50 || rec.Score != 50+20+20 {
		t.Fatalf("unexpected: %+v", rec)
	}
}

func TestRecommendTieKeepsFirst(t *testing.T) {
	a := dev("A", 3, 50, "Go")
	b := dev("B", 3, 50, "Go")
	rec, _ := Recommend([]string{"Go"}, []domain.Person{a, b}, noLoad, DefaultPolicy())
	if rec.PersonID != "A" {
		t.Fatalf("tie should keep first candidate, got %s", rec.PersonID)
	}
}

func TestRecommendIgnoresNonDevelopers(t *testing.T) {
	pm := domain.Person{ID: "PM001", Role: domain.RoleProjectManager, Skills: []string{"Go"}, Experience: 10, SuccessRate: 100}
	if _, ok := Recommend([]string{"Go"}, []domain.Person{pm}, noLoad, DefaultPolicy()); ok {
		t.Fatalf("project managers are not assignable")
	}
}

func TestSkillsForProjectType(t *testing.T) {
	catalog := map[string][]string{
		"machine_learning": {"Python", "PyTorch"},
		"devops":           {"Docker"},
	}
	if got := SkillsForProjectType(catalog, "Machine Learning"); len(got) != 2 || got[0] != "Python" {
		t.Fatalf("exact lookup failed: %v", got)
	}
	if got := SkillsForProjectType(catalog, "DevOps pipeline"); len(got) != 1 || got[0] != "Docker" {
		t.Fatalf("fuzzy lookup failed: %v", got)
	}
	if got := SkillsForProjectType(catalog, "pottery"); got != nil {
		t.Fatalf("unknown type should yield nil, got %v", got)
	}
}

var skillPool = []string{"Go", "Python", "React", "SQL", "Docker", "Rust"}

func genPerson(i int) *rapid.Generator[domain.Person] {
	return rapid.Custom(func(rt *rapid.T) domain.Person {
		return domain.Person{
			ID:          "DEV" + string(rune('A'+i)),
			Role:        domain.RoleDeveloper,
			Skills:      rapid.SliceOfNDistinct(rapid.SampledFrom(skillPool), 0, 4, rapid.ID[string]).Draw(rt, "skills"),
			Experience:  rapid.IntRange(0, 20).Draw(rt, "experience"),
			SuccessRate: rapid.Float64Range(0, 100).Draw(rt, "success_rate"),
		}
	})
}

func TestPropertyRecommendationBounds(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 8).Draw(rt, "num_candidates")
		candidates := make([]domain.Person, n)
		loads := map[string]int{}
		for i := range candidates {
			candidates[i] = genPerson(i).Draw(rt, "candidate")
			loads[candidates[i].ID] = rapid.IntRange(0, 5).Draw(rt, "load")
		}
		required := rapid.SliceOfNDistinct(rapid.SampledFrom(skillPool), 0, 3, rapid.ID[string]).Draw(rt, "required")
		active := func(p domain.Person) int { return loads[p.ID] }

		rec, ok := Recommend(required, candidates, active, DefaultPolicy())
		again, okAgain := Recommend(required, candidates, active, DefaultPolicy())
		if ok != okAgain || rec != again {
			rt.Fatalf("recommendation is not deterministic: %+v vs %+v", rec, again)
		}
		if !ok {
			for _, c := range candidates {
				if loads[c.ID] < DefaultWorkloadCap && SkillMatch(required, c.Skills) >= DefaultMinSkillMatch {
					rt.Fatalf("candidate %s qualifies but nothing was returned", c.ID)
				}
			}
			return
		}
		if rec.ActiveTasks >= DefaultWorkloadCap {
			rt.Fatalf("recommended a developer at capacity: %+v", rec)
		}
		if rec.SkillMatchPct < DefaultMinSkillMatch || rec.SkillMatchPct > 100 {
			rt.Fatalf("skill match out of range: %+v", rec)
		}
		if rec.Score < 0 || rec.Score > 200 {
			rt.Fatalf("score out of range: %+v", rec)
		}
		for _, c := range candidates {
			if loads[c.ID] >= DefaultWorkloadCap {
				continue
			}
			pct := SkillMatch(required, c.Skills)
			if pct < DefaultMinSkillMatch {
				continue
			}
			score := pct + experienceScore(c.Experience) + c.SuccessRate*successWeight
			if score > rec.Score {
				rt.Fatalf("candidate %s scores %.2f above recommended %.2f", c.ID, score, rec.Score)
			}
		}
	})
}
