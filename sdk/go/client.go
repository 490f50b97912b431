package taskdesksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal taskdesk HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "v1",
		BearerToken: token,
		Timeout:     30 * time.Second,
	}
}

// Person represents the API person model.
type Person struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Email          string   `json:"email,omitempty"`
	Role           string   `json:"role"`
	Skills         []string `json:"skills"`
	Experience     int      `json:"experience"`
	TasksCompleted int      `json:"tasks_completed"`
	SuccessRate    float64  `json:"success_rate"`
}

// Task represents the API task model (partial).
type Task struct {
	ID               string   `json:"id"`
	Title            string   `json:"title"`
	ProjectType      string   `json:"project_type"`
	Skills           []string `json:"skills"`
	Status           string   `json:"status"`
	AssignedTo       *string  `json:"assigned_to,omitempty"`
	SuccessRating    *int     `json:"success_rating,omitempty"`
	Feedback         string   `json:"feedback,omitempty"`
	SpecOriginalName string   `json:"spec_original_name"`
}

// Recommendation is the scoring breakdown for the chosen developer.
type Recommendation struct {
	PersonID      string  `json:"person_id"`
	Name          string  `json:"name"`
	SkillMatchPct float64 `json:"skill_match_pct"`
	Score         float64 `json:"score"`
	ActiveTasks   int     `json:"active_tasks"`
}

// Submission is the live deliverable metadata of a task.
type Submission struct {
	ID           int64  `json:"id"`
	TaskID       string `json:"task_id"`
	DeveloperID  string `json:"developer_id"`
	OriginalName string `json:"original_name"`
	SizeBytes    int64  `json:"size_bytes"`
	Notes        string `json:"notes,omitempty"`
}

// NewTask describes a task to create. Spec is streamed as the archive.
type NewTask struct {
	ID          string
	Title       string
	Description string
	ProjectType string
	Complexity  string
	Priority    string
	Skills      []string
	DueDate     string
	SpecName    string
	Spec        io.Reader
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreatePerson registers a person.
func (c *Client) CreatePerson(ctx context.Context, p Person) (Person, error) {
	body := map[string]any{
		"name":         p.Name,
		"role":         p.Role,
		"skills":       p.Skills,
		"experience":   p.Experience,
		"success_rate": p.SuccessRate,
	}
	if p.ID != "" {
		body["id"] = p.ID
	}
	if p.Email != "" {
		body["email"] = p.Email
	}
	var resp Person
	err := c.do(ctx, http.MethodPost, "persons", body, &resp)
	return resp, err
}

// ListPersons returns persons, optionally filtered by role.
func (c *Client) ListPersons(ctx context.Context, role string) ([]Person, error) {
	endpoint := "persons"
	if role != "" {
		endpoint += "?role=" + url.QueryEscape(role)
	}
	var resp struct {
		Items []Person `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// PersonUpdate lists profile fields to change; nil fields are left as is.
type PersonUpdate struct {
	Name       *string
	Email      *string
	Role       *string
	Skills     []string
	Experience *int
}

// UpdatePerson edits a person's profile.
func (c *Client) UpdatePerson(ctx context.Context, id string, u PersonUpdate) (Person, error) {
	body := map[string]any{}
	if u.Name != nil {
		body["name"] = *u.Name
	}
	if u.Email != nil {
		body["email"] = *u.Email
	}
	if u.Role != nil {
		body["role"] = *u.Role
	}
	if u.Skills != nil {
		body["skills"] = u.Skills
	}
	if u.Experience != nil {
		body["experience"] = *u.Experience
	}
	var resp Person
	err := c.do(ctx, http.MethodPut, "persons/"+url.PathEscape(id), body, &resp)
	return resp, err
}

// ProjectType is one entry of the skill catalog.
type ProjectType struct {
	Name   string   `json:"name"`
	Skills []string `json:"skills"`
}

// ProjectTypes returns the configured project type catalog.
func (c *Client) ProjectTypes(ctx context.Context) ([]ProjectType, error) {
	var resp struct {
		Items []ProjectType `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "project-types", nil, &resp)
	return resp.Items, err
}

// SkillsForProject resolves a project type to its catalog skills.
func (c *Client) SkillsForProject(ctx context.Context, projectType string) (ProjectType, error) {
	var resp ProjectType
	err := c.do(ctx, http.MethodGet, "project-types/"+url.PathEscape(projectType), nil, &resp)
	return resp, err
}

// CreateTask uploads the specification archive and creates the task.
func (c *Client) CreateTask(ctx context.Context, t NewTask) (Task, Recommendation, error) {
	fields := map[string]string{
		"id":           t.ID,
		"title":        t.Title,
		"description":  t.Description,
		"project_type": t.ProjectType,
		"complexity":   t.Complexity,
		"priority":     t.Priority,
		"skills":       strings.Join(t.Skills, ","),
		"due_date":     t.DueDate,
	}
	var resp struct {
		Task           Task           `json:"task"`
		Recommendation Recommendation `json:"recommendation"`
	}
	err := c.doMultipart(ctx, "tasks", fields, "spec", t.SpecName, t.Spec, &resp)
	return resp.Task, resp.Recommendation, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, taskPath(id, ""), nil, &resp)
	return resp, err
}

// ListTasks returns tasks visible to the caller.
func (c *Client) ListTasks(ctx context.Context, status string) ([]Task, error) {
	endpoint := "tasks"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// StartTask moves an assigned task to in_progress.
func (c *Client) StartTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(id, "start"), nil, &resp)
	return resp, err
}

// SubmitTask uploads the deliverable archive.
func (c *Client) SubmitTask(ctx context.Context, id, name string, deliverable io.Reader, notes string) (Task, error) {
	var resp Task
	err := c.doMultipart(ctx, taskPath(id, "submit"), map[string]string{"notes": notes}, "deliverable", name, deliverable, &resp)
	return resp, err
}

// ApproveTask completes a submitted task.
func (c *Client) ApproveTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(id, "approve"), nil, &resp)
	return resp, err
}

// RejectTask sends a submitted task back with optional feedback.
func (c *Client) RejectTask(ctx context.Context, id, feedback string) (Task, error) {
	var body map[string]any
	if feedback != "" {
		body = map[string]any{"feedback": feedback}
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(id, "reject"), body, &resp)
	return resp, err
}

// Submission returns the live deliverable metadata.
func (c *Client) Submission(ctx context.Context, id string) (Submission, error) {
	var resp Submission
	err := c.do(ctx, http.MethodGet, taskPath(id, "submission/info"), nil, &resp)
	return resp, err
}

// DownloadSpec writes the specification archive to w.
func (c *Client) DownloadSpec(ctx context.Context, id string, w io.Writer) (int64, error) {
	return c.download(ctx, taskPath(id, "spec"), w)
}

// DownloadSubmission writes the live deliverable to w.
func (c *Client) DownloadSubmission(ctx context.Context, id string, w io.Writer) (int64, error) {
	return c.download(ctx, taskPath(id, "submission"), w)
}

// Recommend previews the assignee for skills or a project type.
func (c *Client) Recommend(ctx context.Context, skills []string, projectType string) (Recommendation, bool, error) {
	body := map[string]any{"skills": skills}
	if projectType != "" {
		body["project_type"] = projectType
	}
	var resp struct {
		Found          bool            `json:"found"`
		Recommendation *Recommendation `json:"recommendation"`
	}
	if err := c.do(ctx, http.MethodPost, "recommendations", body, &resp); err != nil {
		return Recommendation{}, false, err
	}
	if !resp.Found || resp.Recommendation == nil {
		return Recommendation{}, false, nil
	}
	return *resp.Recommendation, true, nil
}

// IssueToken mints a bearer token for a person. Admin only.
func (c *Client) IssueToken(ctx context.Context, personID string, ttl time.Duration) (string, error) {
	body := map[string]any{"person_id": personID}
	if ttl > 0 {
		body["ttl_seconds"] = int(ttl.Seconds())
	}
	var resp struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "tokens", body, &resp)
	return resp.Token, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) doMultipart(ctx context.Context, endpoint string, fields map[string]string, fileField, fileName string, file io.Reader, out any) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}
	if file != nil {
		part, err := mw.CreateFormFile(fileField, fileName)
		if err != nil {
			return err
		}
		if _, err := io.Copy(part, file); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(endpoint), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.send(req, out)
}

func (c *Client) download(ctx context.Context, endpoint string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(endpoint), nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.roundTrip(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return io.Copy(w, resp.Body)
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.roundTrip(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) roundTrip(req *http.Request) (*http.Response, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return nil, apiErr
	}
	return resp, nil
}

func taskPath(id, action string) string {
	p := "tasks/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) url(endpoint string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if bp := strings.Trim(c.BasePath, "/"); bp != "" {
		base += "/" + bp
	}
	return base + "/" + strings.TrimLeft(endpoint, "/")
}
