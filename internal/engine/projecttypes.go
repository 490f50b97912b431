package engine

import (
	"sort"
	"strings"

	"taskdesk/internal/apperr"
	"taskdesk/internal/assign"
)

// ProjectType is one entry of the configured skill catalog.
type ProjectType struct {
	Name   string
	Skills []string
}

// ProjectTypes lists the catalog sorted by name.
func (e Engine) ProjectTypes() []ProjectType {
	out := make([]ProjectType, 0, len(e.Config.ProjectTypes))
	for name, skills := range e.Config.ProjectTypes {
		out = append(out, ProjectType{Name: name, Skills: append([]string(nil), skills...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SkillsForProject resolves a free-form project type against the catalog,
// the same way task creation derives skills.
func (e Engine) SkillsForProject(projectType string) (ProjectType, error) {
	projectType = strings.TrimSpace(projectType)
	if projectType == "" {
		return ProjectType{}, apperr.Validation(apperr.CodeBadRequest, "project type is required").With("field", "project_type")
	}
	skills := assign.SkillsForProjectType(e.Config.ProjectTypes, projectType)
	if len(skills) == 0 {
		return ProjectType{}, apperr.NotFound(apperr.CodeUnknownProjectType, "project type %s is not in the catalog", projectType)
	}
	return ProjectType{Name: assign.NormalizeProjectType(projectType), Skills: skills}, nil
}
