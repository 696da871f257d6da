package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/aezell/crateguard/internal/diff"
	"github.com/aezell/crateguard/internal/model"
	"github.com/aezell/crateguard/internal/project"
	"github.com/aezell/crateguard/internal/service"
)

// --- Health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "root": s.root})
}

// --- Analyze ---

type analyzeRequest struct {
	Path     string `json:"path,omitempty"`
	External bool   `json:"external,omitempty"`
}

type analyzeResponse struct {
	Root        string          `json:"root"`
	Summary     string          `json:"summary"`
	MaxSeverity string          `json:"max_severity,omitempty"`
	Total       int             `json:"total"`
	Violations  []violationJSON `json:"violations"`
	Warnings    []string        `json:"warnings,omitempty"`
	External    string          `json:"external_error,omitempty"`
}

type violationJSON struct {
	Rule       string `json:"rule"`
	Severity   string `json:"severity"`
	File       string `json:"file"`
	Line       int    `json:"line,omitempty"`
	Crate      string `json:"crate,omitempty"`
	Module     string `json:"module,omitempty"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

func toViolationJSON(v model.Violation) violationJSON {
	return violationJSON{
		Rule:       v.Kind.String(),
		Severity:   v.Severity.String(),
		File:       v.Location.File,
		Line:       v.Location.Line,
		Crate:      v.Location.Crate,
		Module:     v.Location.Module,
		Message:    v.Message,
		Suggestion: v.Suggestion,
	}
}

func (s *Server) analyze(ctx context.Context, req analyzeRequest) (*analyzeResponse, error) {
	root, err := s.resolve(req.Path)
	if err != nil {
		return nil, badRequest{err}
	}
	opts := s.opts
	opts.External = opts.External || req.External
	a, err := service.Analyze(ctx, root, opts)
	if err != nil {
		return nil, err
	}

	resp := &analyzeResponse{
		Root:       a.Root,
		Summary:    a.Results.Summary(),
		Total:      len(a.Results.Violations),
		Violations: []violationJSON{},
	}
	if resp.Total > 0 {
		resp.MaxSeverity = a.Results.MaxSeverity().String()
	}
	for _, v := range a.Results.Violations {
		resp.Violations = append(resp.Violations, toViolationJSON(v))
	}
	for _, warn := range a.Warnings() {
		resp.Warnings = append(resp.Warnings, warn.Error())
	}
	if a.ExternalErr != nil {
		resp.External = a.ExternalErr.Error()
	}
	return resp, nil
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	resp, err := s.analyze(s.context(r), req)
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// --- Plan ---

type planRequest struct {
	Path string `json:"path,omitempty"`
}

type planResponse struct {
	Root       string           `json:"root"`
	Plans      []planJSON       `json:"plans"`
	Unresolved []unresolvedJSON `json:"unresolved,omitempty"`
}

type planJSON struct {
	Pattern     string          `json:"pattern"`
	Description string          `json:"description"`
	Resolves    []violationJSON `json:"resolves"`
	Files       []fileJSON      `json:"files"`
	Stats       diffStatsJSON   `json:"stats"`
	Diff        string          `json:"diff"`
}

type unresolvedJSON struct {
	Violation violationJSON `json:"violation"`
	Pattern   string        `json:"pattern,omitempty"`
	Reason    string        `json:"reason"`
}

type fileJSON struct {
	Name         string `json:"name"`
	OldName      string `json:"old_name,omitempty"`
	NewName      string `json:"new_name,omitempty"`
	IsNew        bool   `json:"is_new,omitempty"`
	IsDeleted    bool   `json:"is_deleted,omitempty"`
	IsRenamed    bool   `json:"is_renamed,omitempty"`
	AddedLines   int    `json:"added_lines"`
	DeletedLines int    `json:"deleted_lines"`
}

type diffStatsJSON struct {
	Files   int `json:"files"`
	Added   int `json:"added"`
	Deleted int `json:"deleted"`
}

// plan computes every plan for the project and renders each one's preview
// as if applied alone. emit is called once per plan, in registry order.
func (s *Server) plan(ctx context.Context, req planRequest, emit func(planJSON) error) (*planResponse, error) {
	root, err := s.resolve(req.Path)
	if err != nil {
		return nil, badRequest{err}
	}
	planned, err := service.Plan(ctx, root, s.opts)
	if err != nil {
		return nil, err
	}
	previews, err := service.Preview(ctx, planned.Analysis.Project, planned.Plans)
	if err != nil {
		return nil, err
	}

	resp := &planResponse{Root: planned.Analysis.Root, Plans: []planJSON{}}
	for i, p := range planned.Plans {
		ds, err := diff.Parse(previews[i])
		if err != nil {
			return nil, err
		}
		pj := planJSON{Pattern: p.Pattern, Description: p.Description, Diff: ds.Raw}
		for _, v := range p.Resolves {
			pj.Resolves = append(pj.Resolves, toViolationJSON(v))
		}
		pj.Files, pj.Stats = filesJSON(ds)
		if emit != nil {
			if err := emit(pj); err != nil {
				return nil, err
			}
		}
		resp.Plans = append(resp.Plans, pj)
	}
	for _, u := range planned.Unresolved {
		resp.Unresolved = append(resp.Unresolved, unresolvedJSON{
			Violation: toViolationJSON(u.Violation),
			Pattern:   u.Pattern,
			Reason:    u.Reason,
		})
	}
	return resp, nil
}

func filesJSON(ds *diff.DiffSet) ([]fileJSON, diffStatsJSON) {
	files := []fileJSON{}
	for _, f := range ds.Files {
		files = append(files, fileJSON{
			Name:         f.Name(),
			OldName:      f.OldName,
			NewName:      f.NewName,
			IsNew:        f.IsNew,
			IsDeleted:    f.IsDeleted,
			IsRenamed:    f.IsRenamed,
			AddedLines:   f.AddedLines,
			DeletedLines: f.DeletedLines,
		})
	}
	n, added, deleted := ds.Stats()
	return files, diffStatsJSON{Files: n, Added: added, Deleted: deleted}
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	resp, err := s.plan(s.context(r), req, nil)
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// badRequest marks errors caused by the request itself.
type badRequest struct{ err error }

func (e badRequest) Error() string { return e.err.Error() }
func (e badRequest) Unwrap() error { return e.err }

func statusFor(err error) int {
	var br badRequest
	switch {
	case errors.As(err, &br):
		return http.StatusBadRequest
	case errors.Is(err, project.ErrProjectNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
