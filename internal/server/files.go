package server

import (
	"encoding/json"
	"errors"
	"mime"
	"mime/multipart"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"

	"taskdesk/internal/apperr"
	"taskdesk/internal/engine"
	"taskdesk/internal/filestore"
)

// multipartMemory is the in-memory share of a parsed form; the rest spills
// to temporary files.
const multipartMemory = 8 << 20

// formOverhead is allowed on top of the archive limit for the other fields.
const formOverhead = 1 << 20

// registerFiles mounts the multipart upload and binary download routes.
// They live outside huma because their bodies are not JSON.
func registerFiles(r chi.Router, basePath string, e engine.Engine) {
	h := filesHandler{engine: e}
	r.Post(path.Join(basePath, "tasks"), h.createTask)
	r.Post(path.Join(basePath, "tasks/{id}/submit"), h.submit)
	r.Get(path.Join(basePath, "tasks/{id}/spec"), h.downloadSpec)
	r.Get(path.Join(basePath, "tasks/{id}/submission"), h.downloadSubmission)
}

type filesHandler struct {
	engine engine.Engine
}

func (h filesHandler) parseForm(w http.ResponseWriter, r *http.Request) error {
	limit := formOverhead
	if h.engine.Files != nil {
		limit += int(h.engine.Files.MaxBytes())
	}
	r.Body = http.MaxBytesReader(w, r.Body, int64(limit))
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return apperr.Validation(apperr.CodeArchiveTooLarge, "request exceeds %d bytes", limit)
		}
		return apperr.Validation(apperr.CodeBadRequest, "invalid multipart form: %v", err)
	}
	return nil
}

// formUpload returns the named file part, or nil when it was not sent.
func formUpload(r *http.Request, field string) (*filestore.Upload, multipart.File, error) {
	file, header, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, apperr.Validation(apperr.CodeBadRequest, "invalid %s part: %v", field, err)
	}
	return &filestore.Upload{Name: header.Filename, Reader: file}, file, nil
}

// formList accepts both repeated fields and comma separated values.
func formList(r *http.Request, field string) []string {
	var out []string
	for _, v := range r.MultipartForm.Value[field] {
		for _, part := range strings.Split(v, ",") {
			if s := strings.TrimSpace(part); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func (h filesHandler) createTask(w http.ResponseWriter, r *http.Request) {
	actor, authErr := actorFromContext(r.Context())
	if authErr != nil {
		respondStatusError(w, authErr)
		return
	}
	if err := h.parseForm(w, r); err != nil {
		respondStatusError(w, handleError(err))
		return
	}
	defer r.MultipartForm.RemoveAll()
	spec, file, err := formUpload(r, "spec")
	if err != nil {
		respondStatusError(w, handleError(err))
		return
	}
	if file != nil {
		defer file.Close()
	}
	t, rec, err := h.engine.CreateTask(r.Context(), engine.CreateTaskOptions{
		ID:          r.FormValue("id"),
		Title:       r.FormValue("title"),
		Description: r.FormValue("description"),
		ProjectType: r.FormValue("project_type"),
		Complexity:  r.FormValue("complexity"),
		Priority:    r.FormValue("priority"),
		Skills:      formList(r, "skills"),
		DueDate:     r.FormValue("due_date"),
		Actor:       actor,
		Spec:        spec,
	})
	if err != nil {
		respondStatusError(w, handleError(err))
		return
	}
	writeJSON(w, http.StatusCreated, CreateTaskResponse{
		Task:           taskResponse(t),
		Recommendation: recommendationResponse(rec),
	})
}

func (h filesHandler) submit(w http.ResponseWriter, r *http.Request) {
	actor, authErr := actorFromContext(r.Context())
	if authErr != nil {
		respondStatusError(w, authErr)
		return
	}
	if err := h.parseForm(w, r); err != nil {
		respondStatusError(w, handleError(err))
		return
	}
	defer r.MultipartForm.RemoveAll()
	deliverable, file, err := formUpload(r, "deliverable")
	if err != nil {
		respondStatusError(w, handleError(err))
		return
	}
	if file != nil {
		defer file.Close()
	}
	t, err := h.engine.Submit(r.Context(), chi.URLParam(r, "id"), actor, deliverable, strings.TrimSpace(r.FormValue("notes")))
	if err != nil {
		respondStatusError(w, handleError(err))
		return
	}
	writeJSON(w, http.StatusOK, taskResponse(t))
}

func (h filesHandler) downloadSpec(w http.ResponseWriter, r *http.Request) {
	actor, authErr := actorFromContext(r.Context())
	if authErr != nil {
		respondStatusError(w, authErr)
		return
	}
	d, err := h.engine.DownloadSpec(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		respondStatusError(w, handleError(err))
		return
	}
	serveArchive(w, r, d)
}

func (h filesHandler) downloadSubmission(w http.ResponseWriter, r *http.Request) {
	actor, authErr := actorFromContext(r.Context())
	if authErr != nil {
		respondStatusError(w, authErr)
		return
	}
	d, err := h.engine.DownloadSubmission(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		respondStatusError(w, handleError(err))
		return
	}
	serveArchive(w, r, d)
}

// serveArchive streams the file with range support under its original name.
func serveArchive(w http.ResponseWriter, r *http.Request, d engine.Download) {
	defer d.File.Close()
	name := d.Name
	if name == "" {
		name = "archive.zip"
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	http.ServeContent(w, r, name, d.ModTime, d.File)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
