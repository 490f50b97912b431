package server

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"taskdesk/internal/config"
	"taskdesk/internal/db"
	"taskdesk/internal/engine"
	"taskdesk/internal/filestore"
	"taskdesk/internal/migrate"
	taskdesksdk "taskdesk/sdk/go"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	files, err := filestore.New(filepath.Join(workspace, "uploads"), 1<<20, logger)
	if err != nil {
		t.Fatalf("filestore: %v", err)
	}
	e := engine.New(conn, config.Default(), files, logger)
	for _, p := range []engine.CreatePersonOptions{
		{ID: "ADM001", Name: "Ada", Role: "admin"},
		{ID: "PM001", Name: "Pat", Role: "project_manager"},
		{ID: "DEV001", Name: "Dana", Role: "developer", Skills: []string{"Go", "SQL"}, Experience: 3, SuccessRate: 80},
		{ID: "DEV002", Name: "Eli", Role: "developer", Skills: []string{"Python"}, Experience: 1},
	} {
		if _, err := e.SeedPerson(ctx, p); err != nil {
			t.Fatalf("seed %s: %v", p.ID, err)
		}
	}
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: AuthConfig{JWTSecret: testSecret, Logger: logger}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func token(t *testing.T, personID string) string {
	t.Helper()
	tok, err := SignToken(testSecret, personID, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func sdkClient(srv *testServer, t *testing.T, personID string) *taskdesksdk.Client {
	c := taskdesksdk.New(srv.URL, token(t, personID))
	c.HTTPClient = srv.Client()
	return c
}

func zipArchive(t *testing.T, content string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("main.txt")
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(w, content)
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func bearer(t *testing.T, personID string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token(t, personID)}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	pm := sdkClient(srv, t, "PM001")
	dev := sdkClient(srv, t, "DEV001")

	task, rec, err := pm.CreateTask(ctx, taskdesksdk.NewTask{
		ID:          "T1",
		Title:       "Ship the API",
		ProjectType: "Backend",
		Skills:      []string{"Go", "SQL"},
		SpecName:    "spec.zip",
		Spec:        bytes.NewReader(zipArchive(t, "spec")),
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if rec.PersonID != "DEV001" || task.AssignedTo == nil || *task.AssignedTo != "DEV001" {
		t.Fatalf("unexpected assignee: %+v %+v", task, rec)
	}

	var spec bytes.Buffer
	if _, err := dev.DownloadSpec(ctx, "T1", &spec); err != nil {
		t.Fatalf("download spec: %v", err)
	}
	if !bytes.Equal(spec.Bytes(), zipArchive(t, "spec")) {
		t.Fatalf("spec bytes differ")
	}

	if _, err := dev.StartTask(ctx, "T1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	submitted, err := dev.SubmitTask(ctx, "T1", "work.zip", bytes.NewReader(zipArchive(t, "work")), "first cut")
	if err != nil || submitted.Status != "submitted" {
		t.Fatalf("submit: %+v %v", submitted, err)
	}
	info, err := pm.Submission(ctx, "T1")
	if err != nil || info.OriginalName != "work.zip" || info.Notes != "first cut" {
		t.Fatalf("submission info: %+v %v", info, err)
	}
	var deliverable bytes.Buffer
	if _, err := pm.DownloadSubmission(ctx, "T1", &deliverable); err != nil {
		t.Fatalf("download submission: %v", err)
	}
	done, err := pm.ApproveTask(ctx, "T1")
	if err != nil || done.Status != "completed" || done.SuccessRating == nil || *done.SuccessRating != 5 {
		t.Fatalf("approve: %+v %v", done, err)
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	pm := sdkClient(srv, t, "PM001")
	if _, _, err := pm.CreateTask(context.Background(), taskdesksdk.NewTask{
		ID: "T1", Title: "x", ProjectType: "Backend", Skills: []string{"Go"}, SpecName: "s.zip", Spec: bytes.NewReader(zipArchive(t, "s")),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks", nil, bearer(t, "GHOST1"))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unknown subject should be 401, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/T1/approve", nil, bearer(t, "PM001"))
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "invalid_transition" {
		t.Fatalf("expected 409 invalid_transition, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/T1/start", nil, bearer(t, "DEV002"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/missing/start", nil, bearer(t, "DEV002"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("developers must not learn whether a task exists: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks/missing", nil, bearer(t, "PM001"))
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "task_not_found" {
		t.Fatalf("expected 404 task_not_found, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks/T1/submission", nil, bearer(t, "PM001"))
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "no_submission" {
		t.Fatalf("expected 404 no_submission, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should not need auth: %d %s", res.StatusCode, string(data))
	}
}

func TestCreateTaskRejectsBadUploads(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	pm := sdkClient(srv, t, "PM001")
	ctx := context.Background()

	_, _, err := pm.CreateTask(ctx, taskdesksdk.NewTask{ID: "T1", Title: "x", ProjectType: "Backend", Skills: []string{"Go"}})
	var apiErr *taskdesksdk.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest || apiErr.Code != "missing_spec_file" {
		t.Fatalf("expected missing_spec_file, got %v", err)
	}
	_, _, err = pm.CreateTask(ctx, taskdesksdk.NewTask{
		ID: "T1", Title: "x", ProjectType: "Backend", Skills: []string{"Go"}, SpecName: "s.zip", Spec: strings.NewReader("plain text"),
	})
	if !errors.As(err, &apiErr) || apiErr.Code != "invalid_archive" {
		t.Fatalf("expected invalid_archive, got %v", err)
	}
	_, _, err = pm.CreateTask(ctx, taskdesksdk.NewTask{
		ID: "T1", Title: "x", ProjectType: "Backend", Skills: []string{"Rust"}, SpecName: "s.zip", Spec: bytes.NewReader(zipArchive(t, "s")),
	})
	if !errors.As(err, &apiErr) || apiErr.Code != "no_suitable_assignee" {
		t.Fatalf("expected no_suitable_assignee, got %v", err)
	}
	dev := sdkClient(srv, t, "DEV001")
	_, _, err = dev.CreateTask(ctx, taskdesksdk.NewTask{
		ID: "T1", Title: "x", ProjectType: "Backend", Skills: []string{"Go"}, SpecName: "s.zip", Spec: bytes.NewReader(zipArchive(t, "s")),
	})
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusForbidden {
		t.Fatalf("developers cannot create tasks, got %v", err)
	}
}

func TestPersonsAndTokens(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	admin := sdkClient(srv, t, "ADM001")

	p, err := admin.CreatePerson(ctx, taskdesksdk.Person{Name: "Fay", Role: "developer", Skills: []string{"Go"}})
	if err != nil || p.ID != "DEV003" {
		t.Fatalf("create person: %+v %v", p, err)
	}
	devs, err := admin.ListPersons(ctx, "developer")
	if err != nil || len(devs) != 3 {
		t.Fatalf("list developers: %v %v", devs, err)
	}
	tok, err := admin.IssueToken(ctx, "DEV003", time.Hour)
	if err != nil || tok == "" {
		t.Fatalf("issue token: %v", err)
	}
	fay := taskdesksdk.New(srv.URL, tok)
	fay.HTTPClient = srv.Client()
	tasks, err := fay.ListTasks(ctx, "")
	if err != nil || len(tasks) != 0 {
		t.Fatalf("new developer sees no tasks: %v %v", tasks, err)
	}
	pm := sdkClient(srv, t, "PM001")
	if _, err := pm.IssueToken(ctx, "DEV003", 0); err == nil {
		t.Fatalf("only admins may issue tokens")
	}
	rec, ok, err := pm.Recommend(ctx, []string{"Python"}, "")
	if err != nil || !ok || rec.PersonID != "DEV002" {
		t.Fatalf("recommend: %+v %v %v", rec, ok, err)
	}
}

func TestUpdatePersonAndCatalog(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	admin := sdkClient(srv, t, "ADM001")

	name, email, exp := "Eli Park", "eli@example.com", 4
	p, err := admin.UpdatePerson(ctx, "DEV002", taskdesksdk.PersonUpdate{Name: &name, Email: &email, Skills: []string{"Python", "SQL"}, Experience: &exp})
	if err != nil || p.Name != name || p.Email != email || p.Experience != 4 || len(p.Skills) != 2 || p.Role != "developer" {
		t.Fatalf("update: %+v %v", p, err)
	}
	other := "eli@example.com"
	_, err = admin.UpdatePerson(ctx, "DEV001", taskdesksdk.PersonUpdate{Email: &other})
	var apiErr *taskdesksdk.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict || apiErr.Code != "duplicate_person" {
		t.Fatalf("expected 409 duplicate_person, got %v", err)
	}
	pm := sdkClient(srv, t, "PM001")
	if _, err := pm.UpdatePerson(ctx, "DEV002", taskdesksdk.PersonUpdate{Name: &name}); !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusForbidden {
		t.Fatalf("managers cannot edit persons, got %v", err)
	}

	types, err := pm.ProjectTypes(ctx)
	if err != nil || len(types) == 0 {
		t.Fatalf("project types: %v %v", types, err)
	}
	pt, err := pm.SkillsForProject(ctx, "data_engineering")
	if err != nil || pt.Name != "data_engineering" || len(pt.Skills) == 0 || pt.Skills[0] != "SQL" {
		t.Fatalf("skills for project: %+v %v", pt, err)
	}
	if _, err := pm.SkillsForProject(ctx, "knitting"); !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "unknown_project_type" {
		t.Fatalf("expected 404 unknown_project_type, got %v", err)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", res.StatusCode)
	}
	if !strings.Contains(string(data), "taskdesk_http_requests_total") {
		t.Fatalf("expected http request counter in metrics output")
	}
}
