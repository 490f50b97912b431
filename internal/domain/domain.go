package domain

import (
	"fmt"
	"strings"
)

type Role string

const (
	RoleDeveloper      Role = "developer"
	RoleProjectManager Role = "project_manager"
	RoleAdmin          Role = "admin"
	RoleHumanResource  Role = "human_resource"
)

var roles = []Role{RoleDeveloper, RoleProjectManager, RoleAdmin, RoleHumanResource}

// ParseRole accepts the canonical role names, case-insensitively.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range roles {
		if r == known {
			return r, nil
		}
	}
	return "", fmt.Errorf("invalid role %q", s)
}

// IDPrefix is the prefix used for generated person ids.
func (r Role) IDPrefix() string {
	switch r {
	case RoleDeveloper:
		return "DEV"
	case RoleProjectManager:
		return "PM"
	case RoleAdmin:
		return "ADM"
	case RoleHumanResource:
		return "HR"
	}
	return "P"
}

// Reviewer reports whether the role may approve or reject submissions.
func (r Role) Reviewer() bool {
	return r == RoleProjectManager || r == RoleAdmin
}

type Status string

const (
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusSubmitted  Status = "submitted"
	StatusCompleted  Status = "completed"
)

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StatusAssigned, StatusInProgress, StatusSubmitted, StatusCompleted:
		return st, nil
	}
	return "", fmt.Errorf("invalid status %q", s)
}

// Level is used for task complexity and priority.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToLower(strings.TrimSpace(s)))
	switch l {
	case LevelLow, LevelMedium, LevelHigh:
		return l, nil
	}
	return "", fmt.Errorf("invalid level %q (want low, medium or high)", s)
}

// Actor is the caller identity passed to every mutating operation.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

type Person struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Email          string   `json:"email,omitempty"`
	Role           Role     `json:"role" enum:"developer,project_manager,admin,human_resource"`
	Skills         []string `json:"skills"`
	Experience     int      `json:"experience"`
	TasksCompleted int      `json:"tasks_completed"`
	SuccessRate    float64  `json:"success_rate"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
}

func (p Person) Actor() Actor {
	return Actor{ID: p.ID, Role: p.Role}
}

type Task struct {
	ID               string   `json:"id"`
	Title            string   `json:"title"`
	Description      string   `json:"description,omitempty"`
	ProjectType      string   `json:"project_type"`
	Complexity       Level    `json:"complexity" enum:"low,medium,high"`
	Priority         Level    `json:"priority" enum:"low,medium,high"`
	Skills           []string `json:"skills"`
	Status           Status   `json:"status" enum:"assigned,in_progress,submitted,completed"`
	AssignedTo       *string  `json:"assigned_to,omitempty"`
	AssignedBy       string   `json:"assigned_by"`
	AssignedAt       string   `json:"assigned_at" format:"date-time"`
	StartDate        *string  `json:"start_date,omitempty" format:"date-time"`
	DueDate          *string  `json:"due_date,omitempty"`
	CompletionDate   *string  `json:"completion_date,omitempty" format:"date-time"`
	SubmittedAt      *string  `json:"submitted_at,omitempty" format:"date-time"`
	SuccessRating    *int     `json:"success_rating,omitempty"`
	Feedback         string   `json:"feedback,omitempty"`
	SpecPath         string   `json:"-"`
	SpecOriginalName string   `json:"spec_original_name"`
	SpecSizeBytes    int64    `json:"spec_size_bytes"`
	CreatedAt        string   `json:"created_at" format:"date-time"`
	UpdatedAt        string   `json:"updated_at" format:"date-time"`
}

// AssignedToID returns the assignee id or "" when the task is unassigned.
func (t Task) AssignedToID() string {
	if t.AssignedTo == nil {
		return ""
	}
	return *t.AssignedTo
}

type Submission struct {
	ID           int64  `json:"id"`
	TaskID       string `json:"task_id"`
	DeveloperID  string `json:"developer_id"`
	Path         string `json:"-"`
	OriginalName string `json:"original_name"`
	SizeBytes    int64  `json:"size_bytes"`
	SubmittedAt  string `json:"submitted_at" format:"date-time"`
	Notes        string `json:"notes,omitempty"`
}
