package server

import (
	"math"

	"taskdesk/internal/assign"
	"taskdesk/internal/domain"
	"taskdesk/internal/engine"
)

// Request payloads

type CreatePersonRequest struct {
	ID          *string  `json:"id,omitempty"`
	Name        string   `json:"name"`
	Email       *string  `json:"email,omitempty"`
	Role        string   `json:"role" enum:"developer,project_manager,admin,human_resource"`
	Skills      []string `json:"skills,omitempty"`
	Experience  int      `json:"experience,omitempty" minimum:"0"`
	SuccessRate float64  `json:"success_rate,omitempty" minimum:"0" maximum:"100"`
}

type UpdatePersonRequest struct {
	Name       *string  `json:"name,omitempty"`
	Email      *string  `json:"email,omitempty"`
	Role       *string  `json:"role,omitempty" enum:"developer,project_manager,admin,human_resource"`
	Skills     []string `json:"skills,omitempty"`
	Experience *int     `json:"experience,omitempty" minimum:"0"`
}

type RecommendRequest struct {
	Skills      []string `json:"skills,omitempty"`
	ProjectType *string  `json:"project_type,omitempty"`
}

type RejectTaskRequest struct {
	Feedback *string `json:"feedback,omitempty"`
}

type IssueTokenRequest struct {
	PersonID   string `json:"person_id"`
	TTLSeconds *int   `json:"ttl_seconds,omitempty" minimum:"1"`
}

// Response payloads

type PersonResponse struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Email          string   `json:"email,omitempty"`
	Role           string   `json:"role"`
	Skills         []string `json:"skills"`
	Experience     int      `json:"experience"`
	TasksCompleted int      `json:"tasks_completed"`
	SuccessRate    float64  `json:"success_rate"`
	CreatedAt      string   `json:"created_at"`
}

type TaskResponse struct {
	ID               string   `json:"id"`
	Title            string   `json:"title"`
	Description      string   `json:"description,omitempty"`
	ProjectType      string   `json:"project_type"`
	Complexity       string   `json:"complexity"`
	Priority         string   `json:"priority"`
	Skills           []string `json:"skills"`
	Status           string   `json:"status"`
	AssignedTo       *string  `json:"assigned_to,omitempty"`
	AssignedBy       string   `json:"assigned_by"`
	AssignedAt       string   `json:"assigned_at"`
	StartDate        *string  `json:"start_date,omitempty"`
	DueDate          *string  `json:"due_date,omitempty"`
	CompletionDate   *string  `json:"completion_date,omitempty"`
	SubmittedAt      *string  `json:"submitted_at,omitempty"`
	SuccessRating    *int     `json:"success_rating,omitempty"`
	Feedback         string   `json:"feedback,omitempty"`
	SpecOriginalName string   `json:"spec_original_name"`
	SpecSizeBytes    int64    `json:"spec_size_bytes"`
	CreatedAt        string   `json:"created_at"`
	UpdatedAt        string   `json:"updated_at"`
}

type RecommendationResponse struct {
	PersonID        string  `json:"person_id"`
	Name            string  `json:"name"`
	SkillMatchPct   float64 `json:"skill_match_pct"`
	ExperienceScore float64 `json:"experience_score"`
	SuccessScore    float64 `json:"success_score"`
	Score           float64 `json:"score"`
	ActiveTasks     int     `json:"active_tasks"`
}

type CreateTaskResponse struct {
	Task           TaskResponse           `json:"task"`
	Recommendation RecommendationResponse `json:"recommendation"`
}

type RecommendResponse struct {
	Found          bool                    `json:"found"`
	Recommendation *RecommendationResponse `json:"recommendation,omitempty"`
}

type SubmissionResponse struct {
	ID           int64  `json:"id"`
	TaskID       string `json:"task_id"`
	DeveloperID  string `json:"developer_id"`
	OriginalName string `json:"original_name"`
	SizeBytes    int64  `json:"size_bytes"`
	SubmittedAt  string `json:"submitted_at"`
	Notes        string `json:"notes,omitempty"`
}

type DeletePersonResponse struct {
	ID              string `json:"id"`
	UnassignedTasks int    `json:"unassigned_tasks"`
}

type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

type ProjectTypeResponse struct {
	Name   string   `json:"name"`
	Skills []string `json:"skills"`
}

type WhoAmIResponse struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

func personResponse(p domain.Person) PersonResponse {
	return PersonResponse{
		ID:             p.ID,
		Name:           p.Name,
		Email:          p.Email,
		Role:           string(p.Role),
		Skills:         nonNilSlice(p.Skills),
		Experience:     p.Experience,
		TasksCompleted: p.TasksCompleted,
		SuccessRate:    math.Round(p.SuccessRate*100) / 100,
		CreatedAt:      p.CreatedAt,
	}
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:               t.ID,
		Title:            t.Title,
		Description:      t.Description,
		ProjectType:      t.ProjectType,
		Complexity:       string(t.Complexity),
		Priority:         string(t.Priority),
		Skills:           nonNilSlice(t.Skills),
		Status:           string(t.Status),
		AssignedTo:       t.AssignedTo,
		AssignedBy:       t.AssignedBy,
		AssignedAt:       t.AssignedAt,
		StartDate:        t.StartDate,
		DueDate:          t.DueDate,
		CompletionDate:   t.CompletionDate,
		SubmittedAt:      t.SubmittedAt,
		SuccessRating:    t.SuccessRating,
		Feedback:         t.Feedback,
		SpecOriginalName: t.SpecOriginalName,
		SpecSizeBytes:    t.SpecSizeBytes,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}
}

func recommendationResponse(r assign.Recommendation) RecommendationResponse {
	return RecommendationResponse{
		PersonID:        r.PersonID,
		Name:            r.Name,
		SkillMatchPct:   r.SkillMatchPct,
		ExperienceScore: r.ExperienceScore,
		SuccessScore:    r.SuccessScore,
		Score:           r.Score,
		ActiveTasks:     r.ActiveTasks,
	}
}

func submissionResponse(s domain.Submission) SubmissionResponse {
	return SubmissionResponse{
		ID:           s.ID,
		TaskID:       s.TaskID,
		DeveloperID:  s.DeveloperID,
		OriginalName: s.OriginalName,
		SizeBytes:    s.SizeBytes,
		SubmittedAt:  s.SubmittedAt,
		Notes:        s.Notes,
	}
}

func mapPersons(items []domain.Person) []PersonResponse {
	out := make([]PersonResponse, 0, len(items))
	for _, p := range items {
		out = append(out, personResponse(p))
	}
	return out
}

func mapTasks(items []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(t))
	}
	return out
}

func nonNilSlice(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

func projectTypeResponse(pt engine.ProjectType) ProjectTypeResponse {
	return ProjectTypeResponse{Name: pt.Name, Skills: nonNilSlice(pt.Skills)}
}
